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

// Package graph implements a forward.Transport that sends mail through the
// Microsoft Graph sendMail endpoint.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/hush/relay/internal/forward"
)

// DefaultBaseURL is the Graph v1.0 API root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// DefaultTimeout bounds one sendMail call, token refresh included.
const DefaultTimeout = 30 * time.Second

// Config holds the app registration used for client-credentials auth.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
	Timeout      time.Duration
}

// Transport posts messages to /users/{sender}/sendMail.
type Transport struct {
	httpClient *http.Client
	baseURL    string
	sender     string
	timeout    time.Duration
}

// New creates a Graph transport whose HTTP client fetches and refreshes
// tokens through the OAuth2 client-credentials flow.
func New(ctx context.Context, cfg Config) *Transport {
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Token requests go through a client with its own timeout.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})
	t := NewWithClient(creds.Client(ctx), DefaultBaseURL, cfg.Sender)
	t.timeout = timeout
	return t
}

// NewWithClient creates a transport around an already-authenticated client.
func NewWithClient(httpClient *http.Client, baseURL, sender string) *Transport {
	return &Transport{
		httpClient: httpClient,
		baseURL:    baseURL,
		sender:     sender,
		timeout:    DefaultTimeout,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string { return "graph" }

// Send posts msg as a sendMail request. Graph answers 202 Accepted.
func (t *Transport) Send(ctx context.Context, msg *forward.Message) error {
	payload, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return fmt.Errorf("marshal sendMail request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", t.baseURL, url.PathEscape(t.sender))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		slog.Debug("graph accepted message", "sender", t.sender, "to", msg.To)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var graphErr errorResponse
	if json.Unmarshal(body, &graphErr) == nil && graphErr.Error.Message != "" {
		return fmt.Errorf("graph API returned HTTP %d (%s): %s", resp.StatusCode, graphErr.Error.Code, graphErr.Error.Message)
	}
	return fmt.Errorf("graph API returned HTTP %d: %s", resp.StatusCode, string(body))
}

type sendMailRequest struct {
	Message         message `json:"message"`
	SaveToSentItems bool    `json:"saveToSentItems"`
}

type message struct {
	Subject      string       `json:"subject"`
	Body         messageBody  `json:"body"`
	ToRecipients []recipient  `json:"toRecipients"`
	ReplyTo      []recipient  `json:"replyTo,omitempty"`
	Attachments  []attachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type attachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildSendMailRequest prefers the HTML body; Graph carries a single body.
func buildSendMailRequest(msg *forward.Message) *sendMailRequest {
	body := messageBody{ContentType: "text", Content: forward.NoContent}
	switch {
	case msg.HTMLBody != nil:
		body = messageBody{ContentType: "html", Content: *msg.HTMLBody}
	case msg.TextBody != nil:
		body.Content = *msg.TextBody
	}

	m := message{
		Subject:      msg.Subject,
		Body:         body,
		ToRecipients: []recipient{{EmailAddress: emailAddress{Address: forward.BareAddress(msg.To)}}},
	}
	if msg.ReplyTo != "" {
		m.ReplyTo = []recipient{{EmailAddress: emailAddress{Address: forward.BareAddress(msg.ReplyTo)}}}
	}
	for _, att := range msg.Attachments {
		m.Attachments = append(m.Attachments, attachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  forward.AttachmentContentType(att),
			ContentBytes: base64.StdEncoding.EncodeToString(att.Data),
		})
	}

	return &sendMailRequest{Message: m}
}
