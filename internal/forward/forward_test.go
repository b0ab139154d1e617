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

package forward

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hush/relay/internal/metrics"
	"github.com/hush/relay/internal/models"
)

// mockTransport records sent messages.
type mockTransport struct {
	mu   sync.Mutex
	sent []*Message
	err  error
}

func (m *mockTransport) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

func (m *mockTransport) Name() string { return "mock" }

func strPtr(s string) *string { return &s }

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(nil, "relay@hush.example"); err == nil {
		t.Error("expected error for nil transport")
	}
	if _, err := NewEngine(&mockTransport{}, "  "); err == nil {
		t.Error("expected error for empty from")
	}
}

func TestEngine_Forward(t *testing.T) {
	mt := &mockTransport{}
	e, err := NewEngine(mt, "Hush Relay <relay@hush.example>")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	before := testutil.ToFloat64(metrics.ForwardAttempts.WithLabelValues("mock", "success"))

	atts := []models.Attachment{{Filename: "a.txt", ContentType: "text/plain", Data: []byte("hi")}}
	err = e.Forward(context.Background(), "alice@example.com", "owner@example.net", "Quarterly",
		strPtr("hello"), nil, "alice@example.com", atts)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if len(mt.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(mt.sent))
	}
	msg := mt.sent[0]
	if msg.Subject != "Fwd: Quarterly" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.From != "Hush Relay <relay@hush.example>" || msg.ReplyTo != "alice@example.com" || msg.To != "owner@example.net" {
		t.Errorf("addresses = %q / %q / %q", msg.From, msg.ReplyTo, msg.To)
	}
	if !msg.Date.Equal(fixed) {
		t.Errorf("Date = %v", msg.Date)
	}
	if !strings.HasSuffix(msg.MessageID, "@hush.example>") {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if len(msg.Attachments) != 1 {
		t.Errorf("attachments = %d", len(msg.Attachments))
	}

	after := testutil.ToFloat64(metrics.ForwardAttempts.WithLabelValues("mock", "success"))
	if after != before+1 {
		t.Errorf("success counter = %v, want %v", after, before+1)
	}
}

func TestEngine_ForwardNoContent(t *testing.T) {
	mt := &mockTransport{}
	e, _ := NewEngine(mt, "relay@hush.example")

	if err := e.Forward(context.Background(), "a@b.com", "t@c.com", "", nil, nil, "a@b.com", nil); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	msg := mt.sent[0]
	if msg.TextBody == nil || *msg.TextBody != NoContent {
		t.Errorf("TextBody = %v, want placeholder", msg.TextBody)
	}
	if msg.HTMLBody != nil {
		t.Error("HTMLBody should stay nil")
	}
}

func TestEngine_ForwardError(t *testing.T) {
	sendErr := errors.New("connection refused")
	mt := &mockTransport{err: sendErr}
	e, _ := NewEngine(mt, "relay@hush.example")

	before := testutil.ToFloat64(metrics.ForwardAttempts.WithLabelValues("mock", "failure"))
	err := e.Forward(context.Background(), "a@b.com", "t@c.com", "s", strPtr("x"), nil, "a@b.com", nil)
	if !errors.Is(err, sendErr) {
		t.Fatalf("err = %v, want wrapped %v", err, sendErr)
	}
	if got := testutil.ToFloat64(metrics.ForwardAttempts.WithLabelValues("mock", "failure")); got != before+1 {
		t.Errorf("failure counter = %v, want %v", got, before+1)
	}
}

func TestEngine_SendBounceNotice(t *testing.T) {
	mt := &mockTransport{}
	e, _ := NewEngine(mt, "relay@hush.example")

	if err := e.SendBounceNotice(context.Background(), "owner@example.net", "Delivery failed", "body"); err != nil {
		t.Fatalf("SendBounceNotice: %v", err)
	}
	msg := mt.sent[0]
	if msg.Subject != "Delivery failed" {
		t.Errorf("Subject = %q, want no prefix", msg.Subject)
	}
	if msg.ReplyTo != "" {
		t.Errorf("ReplyTo = %q, want empty", msg.ReplyTo)
	}
}

// readParts returns the parts of a multipart body keyed by order.
func readParts(t *testing.T, contentType string, body io.Reader) []*partData {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		t.Fatalf("ParseMediaType(%q): %v", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		t.Fatalf("media type = %q, want multipart", mediaType)
	}

	var parts []*partData
	mr := multipart.NewReader(body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		// NextPart decodes quoted-printable transparently.
		data, err := io.ReadAll(p)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		parts = append(parts, &partData{
			contentType: p.Header.Get("Content-Type"),
			disposition: p.Header.Get("Content-Disposition"),
			encoding:    p.Header.Get("Content-Transfer-Encoding"),
			data:        data,
		})
	}
	return parts
}

type partData struct {
	contentType string
	disposition string
	encoding    string
	data        []byte
}

func TestRender_Alternative(t *testing.T) {
	raw, err := Render(&Message{
		From:     "relay@hush.example",
		To:       "owner@example.net",
		ReplyTo:  "alice@example.com",
		Subject:  "Fwd: Héllo",
		TextBody: strPtr("plain"),
		HTMLBody: strPtr("<p>html</p>"),
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(m.Header.Get("Subject"))
	if err != nil || subject != "Fwd: Héllo" {
		t.Errorf("Subject = %q (%v)", subject, err)
	}
	if got := m.Header.Get("Reply-To"); got != "alice@example.com" {
		t.Errorf("Reply-To = %q", got)
	}
	if m.Header.Get("Message-ID") == "" || m.Header.Get("Date") == "" {
		t.Error("missing Message-ID or Date")
	}

	parts := readParts(t, m.Header.Get("Content-Type"), m.Body)
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if !strings.HasPrefix(parts[0].contentType, "text/plain") || string(parts[0].data) != "plain" {
		t.Errorf("text part = %q %q", parts[0].contentType, parts[0].data)
	}
	if !strings.HasPrefix(parts[1].contentType, "text/html") || string(parts[1].data) != "<p>html</p>" {
		t.Errorf("html part = %q %q", parts[1].contentType, parts[1].data)
	}
}

func TestRender_NoContentPlaceholder(t *testing.T) {
	raw, err := Render(&Message{From: "relay@hush.example", To: "t@example.net", Subject: "s"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	parts := readParts(t, m.Header.Get("Content-Type"), m.Body)
	if len(parts) != 1 || string(parts[0].data) != NoContent {
		t.Fatalf("parts = %+v, want single placeholder", parts)
	}
}

func TestRender_Attachments(t *testing.T) {
	big := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 100)
	raw, err := Render(&Message{
		From:     "relay@hush.example",
		To:       "t@example.net",
		Subject:  "s",
		TextBody: strPtr("see attached"),
		Attachments: []models.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Data: big},
			{Filename: "weird.bin", ContentType: "not a / type;;", Data: []byte("x")},
		},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if ct := m.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/mixed") {
		t.Fatalf("Content-Type = %q, want multipart/mixed", ct)
	}

	parts := readParts(t, m.Header.Get("Content-Type"), m.Body)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	if !strings.HasPrefix(parts[0].contentType, "multipart/alternative") {
		t.Errorf("first part = %q, want alternative", parts[0].contentType)
	}

	pdf := parts[1]
	if pdf.contentType != "application/pdf" || pdf.encoding != "base64" {
		t.Errorf("pdf headers = %q %q", pdf.contentType, pdf.encoding)
	}
	if !strings.Contains(pdf.disposition, `filename=report.pdf`) {
		t.Errorf("disposition = %q", pdf.disposition)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(pdf.data)), "\r\n") {
		if len(line) > 76 {
			t.Fatalf("base64 line length %d > 76", len(line))
		}
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(pdf.data), "\r\n", ""))
	if err != nil || !bytes.Equal(decoded, big) {
		t.Errorf("attachment round trip failed: %v", err)
	}

	if parts[2].contentType != models.DefaultContentType {
		t.Errorf("fallback content type = %q", parts[2].contentType)
	}
}

func TestRender_StripsHeaderInjection(t *testing.T) {
	raw, err := Render(&Message{
		From:     "relay@hush.example",
		To:       "t@example.net",
		ReplyTo:  "a@b.com\r\nBcc: victim@example.org",
		Subject:  "s",
		TextBody: strPtr("x"),
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.Header.Get("Bcc") != "" {
		t.Error("header injection produced a Bcc header")
	}
}

func TestBareAddressAndMessageID(t *testing.T) {
	if got := BareAddress("Hush <relay@hush.example>"); got != "relay@hush.example" {
		t.Errorf("BareAddress = %q", got)
	}
	if got := BareAddress(" not-an-address "); got != "not-an-address" {
		t.Errorf("BareAddress fallback = %q", got)
	}
	if id := NewMessageID("nodomain"); !strings.HasSuffix(id, "@localhost>") {
		t.Errorf("NewMessageID = %q", id)
	}
}
