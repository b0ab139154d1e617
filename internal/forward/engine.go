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

// Package forward builds outbound messages and hands them to a pluggable
// Transport (SMTP, Mailgun, SES, Graph or stdout).
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hush/relay/internal/metrics"
	"github.com/hush/relay/internal/models"
)

const (
	// SubjectPrefix is prepended to every forwarded subject.
	SubjectPrefix = "Fwd: "

	// NoContent is the body used when an email carries neither text nor HTML.
	NoContent = "(No content)"
)

// Engine forwards emails and bounce notices through a single Transport
// using the relay's own From address.
type Engine struct {
	transport Transport
	from      string
	now       func() time.Time
}

// NewEngine creates a forwarding engine.
func NewEngine(transport Transport, from string) (*Engine, error) {
	if transport == nil {
		return nil, errors.New("forward: transport is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("forward: from address is required")
	}
	return &Engine{
		transport: transport,
		from:      strings.TrimSpace(from),
		now:       time.Now,
	}, nil
}

// Transport returns the name of the underlying transport.
func (e *Engine) Transport() string {
	return e.transport.Name()
}

// Forward relays an inbound email to target. originalSender is only logged;
// the message is sent from the relay address with Reply-To set to replyTo.
func (e *Engine) Forward(ctx context.Context, originalSender, target, subject string, textBody, htmlBody *string, replyTo string, attachments []models.Attachment) error {
	msg := &Message{
		From:        e.from,
		To:          target,
		ReplyTo:     replyTo,
		Subject:     SubjectPrefix + subject,
		TextBody:    textBody,
		HTMLBody:    htmlBody,
		Attachments: attachments,
		MessageID:   NewMessageID(e.from),
		Date:        e.now(),
	}
	if msg.TextBody == nil && msg.HTMLBody == nil {
		placeholder := NoContent
		msg.TextBody = &placeholder
	}

	if err := e.send(ctx, msg); err != nil {
		return err
	}

	slog.Info("email forwarded",
		"original_sender", originalSender,
		"target", target,
		"attachments", len(attachments),
		"transport", e.transport.Name(),
	)
	return nil
}

// SendBounceNotice sends a plain-text notice to an alias owner.
func (e *Engine) SendBounceNotice(ctx context.Context, toEmail, subject, body string) error {
	msg := &Message{
		From:      e.from,
		To:        toEmail,
		Subject:   subject,
		TextBody:  &body,
		MessageID: NewMessageID(e.from),
		Date:      e.now(),
	}
	return e.send(ctx, msg)
}

func (e *Engine) send(ctx context.Context, msg *Message) error {
	start := time.Now()
	err := e.transport.Send(ctx, msg)
	metrics.RecordForward(e.transport.Name(), err, time.Since(start))
	if err != nil {
		slog.Error("transport send failed",
			"transport", e.transport.Name(),
			"to", msg.To,
			"error", err,
		)
		return fmt.Errorf("send via %s: %w", e.transport.Name(), err)
	}
	return nil
}
