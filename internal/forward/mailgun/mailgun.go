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

// Package mailgun implements a forward.Transport backed by the Mailgun
// messages API.
package mailgun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/hush/relay/internal/forward"
)

const defaultBaseURL = "https://api.mailgun.net"

// Config holds Mailgun API settings.
type Config struct {
	APIKey  string
	Domain  string
	BaseURL string
	Timeout time.Duration
}

// Transport posts messages to <base>/v3/<domain>/messages.
type Transport struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// New creates a Mailgun transport.
func New(cfg Config) (*Transport, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("mailgun: API key is empty")
	}
	domain := strings.TrimSpace(cfg.Domain)
	if domain == "" {
		return nil, errors.New("mailgun: domain is empty")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	endpoint := fmt.Sprintf("%s/v3/%s/messages", base, domain)
	slog.Info("mailgun endpoint resolved", "endpoint", endpoint)

	return &Transport{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the transport name.
func (t *Transport) Name() string { return "mailgun" }

// Send posts msg as a multipart form. Any non-2xx status is a failure.
func (t *Transport) Send(ctx context.Context, msg *forward.Message) error {
	body, contentType, err := buildForm(msg)
	if err != nil {
		return fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.SetBasicAuth("api", t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call mailgun API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		respBody = []byte("<unable to read response body>")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mailgun API responded with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	slog.Debug("mailgun API accepted message", "response", string(respBody))
	return nil
}

func buildForm(msg *forward.Message) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"from", msg.From},
		{"to", msg.To},
		{"subject", msg.Subject},
	}
	if msg.TextBody != nil {
		fields = append(fields, [2]string{"text", *msg.TextBody})
	}
	if msg.HTMLBody != nil {
		fields = append(fields, [2]string{"html", *msg.HTMLBody})
	}
	if msg.ReplyTo != "" {
		fields = append(fields, [2]string{"h:Reply-To", msg.ReplyTo})
	}
	if msg.MessageID != "" {
		fields = append(fields, [2]string{"h:Message-Id", msg.MessageID})
	}

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	for _, att := range msg.Attachments {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "attachment",
			"filename": att.Filename,
		}))
		h.Set("Content-Type", forward.AttachmentContentType(att))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(att.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
