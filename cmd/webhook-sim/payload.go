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

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hush/relay/internal/forward"
	"github.com/hush/relay/internal/models"
	"github.com/hush/relay/internal/security"
)

// simEmail is the message the simulator pretends a provider received.
type simEmail struct {
	From        string
	To          string
	Subject     string
	Text        string
	HTML        string
	MessageID   string
	Attachments []models.Attachment
}

// buildRequest renders e in the provider's wire shape and signs it the way
// the provider would.
func buildRequest(ctx context.Context, provider models.Provider, baseURL, secret string, e *simEmail, now time.Time) (*http.Request, error) {
	base := strings.TrimRight(baseURL, "/") + "/api/v1/incoming/"

	switch provider {
	case models.ProviderMailgun:
		body, contentType, err := mailgunBody(e)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"mailgun", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)

		ts := strconv.FormatInt(now.Unix(), 10)
		token := strings.ReplaceAll(uuid.NewString(), "-", "")
		req.Header.Set("X-Mailgun-Timestamp", ts)
		req.Header.Set("X-Mailgun-Token", token)
		req.Header.Set("X-Mailgun-Signature", security.SignMailgun(secret, ts, token))
		return req, nil

	case models.ProviderSendGrid:
		if len(e.Attachments) > 0 {
			slog.Warn("sendgrid payloads carry no attachments; ignoring", "count", len(e.Attachments))
		}
		body, err := json.Marshal(map[string]string{
			"from":       e.From,
			"to":         e.To,
			"subject":    e.Subject,
			"text":       e.Text,
			"html":       e.HTML,
			"message-id": e.MessageID,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal sendgrid payload: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"sendgrid", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Twilio-Email-Event-Webhook-Signature",
			security.SendGridHeader(now.Unix(), security.SignSendGrid(secret, body)))
		return req, nil

	case models.ProviderBrevo:
		body, err := brevoBody(e)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"brevo", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Brevo-Secret", secret)
		return req, nil

	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

func mailgunBody(e *simEmail) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"recipient", e.To},
		{"sender", e.From},
		{"subject", e.Subject},
		{"body-plain", e.Text},
		{"body-html", e.HTML},
		{"Message-Id", e.MessageID},
		{"attachment-count", strconv.Itoa(len(e.Attachments))},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}

	for i, att := range e.Attachments {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "attachment-" + strconv.Itoa(i+1),
			"filename": att.Filename,
		}))
		h.Set("Content-Type", forward.AttachmentContentType(att))
		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := pw.Write(att.Data); err != nil {
			return nil, "", fmt.Errorf("write attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

type brevoAddress struct {
	Address string `json:"address"`
}

type brevoAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type brevoItem struct {
	From        brevoAddress      `json:"from"`
	To          []brevoAddress    `json:"to"`
	Subject     string            `json:"subject"`
	RawText     string            `json:"rawTextBody,omitempty"`
	RawHTML     string            `json:"rawHtmlBody,omitempty"`
	MessageID   string            `json:"messageId,omitempty"`
	Attachments []brevoAttachment `json:"attachments,omitempty"`
}

func brevoBody(e *simEmail) ([]byte, error) {
	item := brevoItem{
		From:      brevoAddress{Address: e.From},
		To:        []brevoAddress{{Address: e.To}},
		Subject:   e.Subject,
		RawText:   e.Text,
		RawHTML:   e.HTML,
		MessageID: e.MessageID,
	}
	for _, att := range e.Attachments {
		item.Attachments = append(item.Attachments, brevoAttachment{
			Name:        att.Filename,
			ContentType: forward.AttachmentContentType(att),
			Content:     base64.StdEncoding.EncodeToString(att.Data),
		})
	}

	body, err := json.Marshal(map[string][]brevoItem{"items": {item}})
	if err != nil {
		return nil, fmt.Errorf("marshal brevo payload: %w", err)
	}
	return body, nil
}
