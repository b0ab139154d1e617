// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bounce recognises delivery-failure notices by substring matching
// on canonical email fields. Classification is pure and case-insensitive.
package bounce

import (
	"strings"

	"github.com/hush/relay/internal/models"
)

var bounceSenders = []string{
	"mailer-daemon",
	"mail-daemon",
	"postmaster",
	"bounce@",
	"bounces@",
	"no-reply@",
	"mail-delivery-subsystem",
}

var bounceSubjects = []string{
	"undelivered mail",
	"undeliverable",
	"delivery failure",
	"delivery status notification",
	"mail system error",
	"returned mail",
	"failure notice",
	"delivery has failed",
}

var (
	hardHeaderMarkers = []string{"return-path:", "returned-mail"}
	hardBodyPhrases   = []string{"delivery has failed", "could not be delivered"}
	softBodyPhrases   = []string{"delivery delayed", "temporarily unavailable"}
)

const (
	failedRecipientMarker = "x-failed-recipients:"
	reasonMarker          = "reason:"
)

// Classify inspects the sender, subject, headers and bodies of an email.
// Body phrases are scanned after headers, and soft phrases after hard ones,
// so the last match decides the type.
func Classify(sender, subject string, textBody, htmlBody, rawHeaders *string) models.BounceClassification {
	var c models.BounceClassification

	senderMatch := containsAny(strings.ToLower(sender), bounceSenders)
	subjectMatch := containsAny(strings.ToLower(subject), bounceSubjects)

	headers := lowerOrEmpty(rawHeaders)
	if headers != "" {
		if containsAny(headers, hardHeaderMarkers) {
			c.Type = models.HardBounce
		}
		c.FailedRecipient = valueAfter(headers, failedRecipientMarker)
	}

	body := joinBodies(textBody, htmlBody)
	if body != "" {
		if containsAny(body, hardBodyPhrases) {
			c.Type = models.HardBounce
		}
		if containsAny(body, softBodyPhrases) {
			c.Type = models.SoftBounce
		}
		c.Reason = valueAfter(body, reasonMarker)
	}
	if c.Reason == "" && headers != "" {
		c.Reason = valueAfter(headers, reasonMarker)
	}

	c.IsBounce = senderMatch || subjectMatch || c.Type != ""
	if !c.IsBounce {
		return models.BounceClassification{}
	}
	if c.Type == "" {
		c.Type = models.UnknownBounce
	}
	return c
}

// ClassifyEmail classifies a canonical email.
func ClassifyEmail(e *models.InboundEmail) models.BounceClassification {
	return Classify(e.Sender, e.Subject, e.TextBody, e.HTMLBody, e.RawHeaders)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// valueAfter returns the trimmed text following marker up to the end of the
// line, or "" when marker is absent.
func valueAfter(s, marker string) string {
	_, rest, found := strings.Cut(s, marker)
	if !found {
		return ""
	}
	if i := strings.IndexAny(rest, "\r\n"); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}

func lowerOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return strings.ToLower(*s)
}

func joinBodies(text, html *string) string {
	t, h := lowerOrEmpty(text), lowerOrEmpty(html)
	switch {
	case t == "":
		return h
	case h == "":
		return t
	default:
		return t + "\n" + h
	}
}
