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

package inbound

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"math/rand"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hush/relay/internal/apperr"
	"github.com/hush/relay/internal/models"
)

const testMax = 1024

// --- Fixture helpers ---

type formFile struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func mailgunMultipart(t *testing.T, fields [][2]string, files []formFile) *Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		disp := `form-data; name="` + f.field + `"`
		if f.filename != "" {
			disp += `; filename="` + f.filename + `"`
		}
		h.Set("Content-Disposition", disp)
		if f.contentType != "" {
			h.Set("Content-Type", f.contentType)
		}
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write(f.data)
	}
	w.Close()
	return &Request{ContentType: w.FormDataContentType(), Body: buf.Bytes()}
}

func baseMailgunFields() [][2]string {
	return [][2]string{
		{"recipient", "Alias@Hush.Example"},
		{"sender", "alice@example.com"},
		{"subject", "Quarterly report"},
		{"body-plain", "see attached"},
		{"body-html", "<p>see attached</p>"},
		{"Message-Id", "<abc@example.com>"},
		{"message-headers", `[["Received","by mx"]]`},
		{"attachment-count", "2"},
	}
}

func jsonRequest(t *testing.T, v any) *Request {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &Request{ContentType: "application/json", Body: body}
}

// --- Mailgun form ---

// TestMailgunForm_Multipart verifies field mapping and attachment handling.
func TestMailgunForm_Multipart(t *testing.T) {
	a := NewMailgunForm(Options{MaxAttachmentSize: testMax})
	req := mailgunMultipart(t, baseMailgunFields(), []formFile{
		{field: "attachment-1", filename: "report.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4")},
		{field: "attachment-2", data: []byte("raw bytes")},
	})

	email, err := a.Normalize(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if email.Recipient != "Alias@Hush.Example" {
		t.Errorf("Recipient = %q (adapters must not canonicalize)", email.Recipient)
	}
	if email.Sender != "alice@example.com" || email.Subject != "Quarterly report" {
		t.Errorf("sender/subject = %q/%q", email.Sender, email.Subject)
	}
	if email.TextBody == nil || *email.TextBody != "see attached" {
		t.Errorf("TextBody = %v", email.TextBody)
	}
	if email.MessageIDValue() != "<abc@example.com>" {
		t.Errorf("MessageID = %q", email.MessageIDValue())
	}
	if email.RawHeaders == nil || !strings.Contains(*email.RawHeaders, "Received") {
		t.Errorf("RawHeaders = %v", email.RawHeaders)
	}

	want := []models.Attachment{
		{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
		{Filename: "attachment_2.bin", ContentType: models.DefaultContentType, Data: []byte("raw bytes")},
	}
	if diff := cmp.Diff(want, email.Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
}

// TestMailgunForm_OversizeSkipped verifies oversize parts are dropped while
// the message still normalizes.
func TestMailgunForm_OversizeSkipped(t *testing.T) {
	a := NewMailgunForm(Options{MaxAttachmentSize: testMax})
	req := mailgunMultipart(t, baseMailgunFields(), []formFile{
		{field: "attachment-1", filename: "huge.bin", data: bytes.Repeat([]byte("x"), testMax+1)},
		{field: "attachment-2", filename: "exact.bin", data: bytes.Repeat([]byte("y"), testMax)},
	})

	email, err := a.Normalize(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(email.Attachments))
	}
	if email.Attachments[0].Filename != "exact.bin" || email.Attachments[0].Size() != testMax {
		t.Errorf("kept attachment = %s (%d bytes)", email.Attachments[0].Filename, email.Attachments[0].Size())
	}
}

// TestMailgunForm_UnboundedLimit verifies the largest possible limit keeps
// attachment bytes instead of overflowing the read bound.
func TestMailgunForm_UnboundedLimit(t *testing.T) {
	a := NewMailgunForm(Options{MaxAttachmentSize: math.MaxInt64})
	req := mailgunMultipart(t, baseMailgunFields(), []formFile{
		{field: "attachment-1", filename: "notes.txt", contentType: "text/plain", data: []byte("keep me")},
	})

	email, err := a.Normalize(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.Attachments) != 1 || string(email.Attachments[0].Data) != "keep me" {
		t.Errorf("attachments = %+v", email.Attachments)
	}
}

// TestMailgunForm_Idempotent verifies normalizing the same payload twice
// yields identical attachments.
func TestMailgunForm_Idempotent(t *testing.T) {
	a := NewMailgunForm(Options{MaxAttachmentSize: testMax})
	req := mailgunMultipart(t, baseMailgunFields(), []formFile{
		{field: "attachment-1", filename: "a.txt", contentType: "text/plain", data: []byte("one")},
		{field: "attachment-2", data: []byte{0x00, 0xff, 0x10}},
	})

	first, err := a.Normalize(req)
	if err != nil {
		t.Fatalf("first normalize: %v", err)
	}
	second, err := a.Normalize(req)
	if err != nil {
		t.Fatalf("second normalize: %v", err)
	}
	if diff := cmp.Diff(first.Attachments, second.Attachments); diff != "" {
		t.Errorf("attachments differ between runs:\n%s", diff)
	}
}

// TestMailgunForm_Errors verifies validation failures.
func TestMailgunForm_Errors(t *testing.T) {
	a := NewMailgunForm(Options{MaxAttachmentSize: testMax})

	tests := []struct {
		name string
		req  func(t *testing.T) *Request
	}{
		{"missing recipient", func(t *testing.T) *Request {
			return mailgunMultipart(t, [][2]string{{"sender", "a@b.com"}}, nil)
		}},
		{"missing sender", func(t *testing.T) *Request {
			return mailgunMultipart(t, [][2]string{{"recipient", "x@hush.example"}}, nil)
		}},
		{"non utf8 field", func(t *testing.T) *Request {
			return mailgunMultipart(t, [][2]string{
				{"recipient", "x@hush.example"}, {"sender", "a@b.com"}, {"subject", "bad \xff\xfe"},
			}, nil)
		}},
		{"truncated multipart", func(t *testing.T) *Request {
			r := mailgunMultipart(t, baseMailgunFields(), nil)
			cut := bytes.Index(r.Body, []byte("Quarterly")) + 3
			r.Body = r.Body[:cut]
			return r
		}},
		{"no boundary", func(t *testing.T) *Request {
			return &Request{ContentType: "multipart/form-data", Body: []byte("x")}
		}},
		{"unsupported content type", func(t *testing.T) *Request {
			return &Request{ContentType: "text/plain", Body: []byte("x")}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Normalize(tt.req(t))
			if !apperr.HasCode(err, apperr.CodeValidation) {
				t.Errorf("err = %v, want VALIDATION_FAILED", err)
			}
		})
	}
}

// TestMailgunForm_URLEncoded verifies the urlencoded variant.
func TestMailgunForm_URLEncoded(t *testing.T) {
	a := NewMailgunForm(Options{MaxAttachmentSize: testMax})
	form := url.Values{}
	form.Set("recipient", "x@hush.example")
	form.Set("sender", "a@b.com")
	form.Set("body-plain", "hi")

	email, err := a.Normalize(&Request{
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(form.Encode()),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email.Recipient != "x@hush.example" || email.TextBody == nil || *email.TextBody != "hi" {
		t.Errorf("email = %+v", email)
	}
	if len(email.Attachments) != 0 {
		t.Errorf("attachments = %d, want 0", len(email.Attachments))
	}
}

// --- Mailgun JSON ---

// TestMailgunJSON verifies field mapping, including structured headers.
func TestMailgunJSON(t *testing.T) {
	req := jsonRequest(t, map[string]any{
		"recipient":       "x@hush.example",
		"sender":          "a@b.com",
		"subject":         "hello",
		"body-html":       "<b>hi</b>",
		"message-headers": [][]string{{"X-Failed-Recipients", "bob@gone.example"}},
		"timestamp":       1700000000,
	})

	email, err := NewMailgunJSON().Normalize(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email.HTMLBody == nil || *email.HTMLBody != "<b>hi</b>" {
		t.Errorf("HTMLBody = %v", email.HTMLBody)
	}
	if email.TextBody != nil {
		t.Errorf("TextBody = %q, want nil", *email.TextBody)
	}
	if email.RawHeaders == nil || !strings.Contains(*email.RawHeaders, "bob@gone.example") {
		t.Errorf("RawHeaders = %v", email.RawHeaders)
	}
}

// TestMailgunJSON_Malformed verifies bad JSON is a validation error.
func TestMailgunJSON_Malformed(t *testing.T) {
	_, err := NewMailgunJSON().Normalize(&Request{Body: []byte("{nope")})
	if !apperr.HasCode(err, apperr.CodeValidation) {
		t.Errorf("err = %v, want VALIDATION_FAILED", err)
	}
}

// --- SendGrid ---

// TestSendGrid verifies field mapping and address extraction.
func TestSendGrid(t *testing.T) {
	req := jsonRequest(t, map[string]any{
		"to":         `"Alias" <alias@hush.example>, other@hush.example`,
		"from":       "Bob <bob@example.com>",
		"subject":    "Hi",
		"text":       "body",
		"message-id": "<m1@example.com>",
		"headers":    "Reason: User mailbox is full\nX-Other: 1",
	})

	email, err := NewSendGrid().Normalize(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &models.InboundEmail{
		Sender:     "bob@example.com",
		Recipient:  "alias@hush.example",
		Subject:    "Hi",
		TextBody:   models.StringPtr("body"),
		MessageID:  models.StringPtr("<m1@example.com>"),
		RawHeaders: models.StringPtr("Reason: User mailbox is full\nX-Other: 1"),
	}
	if diff := cmp.Diff(want, email); diff != "" {
		t.Errorf("email mismatch (-want +got):\n%s", diff)
	}
}

// TestSendGrid_MissingTo verifies the recipient invariant.
func TestSendGrid_MissingTo(t *testing.T) {
	_, err := NewSendGrid().Normalize(jsonRequest(t, map[string]any{"from": "a@b.com"}))
	if !apperr.HasCode(err, apperr.CodeValidation) {
		t.Errorf("err = %v, want VALIDATION_FAILED", err)
	}
}

// --- Brevo ---

func brevoPayloadWith(attachments ...map[string]any) map[string]any {
	return map[string]any{
		"from":        map[string]any{"email": "carol@example.com", "name": "Carol"},
		"to":          []map[string]any{{"email": "alias@hush.example"}},
		"subject":     "Photos",
		"text":        "see photos",
		"messageId":   "<b1@example.com>",
		"headers":     map[string]any{"X-Mailer": "brevo", "Received": []string{"a", "b"}},
		"attachments": attachments,
	}
}

// TestBrevo verifies mapping, header serialization and attachment decoding.
func TestBrevo(t *testing.T) {
	a := NewBrevo(Options{MaxAttachmentSize: testMax})
	req := jsonRequest(t, brevoPayloadWith(
		map[string]any{"name": "a.txt", "contentType": "text/plain", "content": base64.StdEncoding.EncodeToString([]byte("hello"))},
		map[string]any{"filename": "b.bin", "base64": base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
		map[string]any{"name": "remote.pdf", "url": "https://files.example/remote.pdf"},
		map[string]any{"name": "broken.txt", "content": "!!!not base64!!!"},
		map[string]any{"content": base64.StdEncoding.EncodeToString([]byte("anon")), "content_type": "image/png"},
	))

	email, err := a.Normalize(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if email.Sender != "carol@example.com" || email.Recipient != "alias@hush.example" {
		t.Errorf("sender/recipient = %q/%q", email.Sender, email.Recipient)
	}
	wantHeaders := "Received: a, b\nX-Mailer: brevo\n"
	if email.RawHeaders == nil || *email.RawHeaders != wantHeaders {
		t.Errorf("RawHeaders = %v, want %q", email.RawHeaders, wantHeaders)
	}

	want := []models.Attachment{
		{Filename: "a.txt", ContentType: "text/plain", Data: []byte("hello")},
		{Filename: "b.bin", ContentType: models.DefaultContentType, Data: []byte{1, 2, 3}},
		{Filename: "attachment_5.bin", ContentType: "image/png", Data: []byte("anon")},
	}
	if diff := cmp.Diff(want, email.Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
}

// TestBrevo_Base64RoundTrip verifies arbitrary bytes survive encoding with
// injected whitespace.
func TestBrevo_Base64RoundTrip(t *testing.T) {
	a := NewBrevo(Options{MaxAttachmentSize: 64 * 1024})
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 50; i++ {
		data := make([]byte, rng.Intn(4096))
		rng.Read(data)

		encoded := base64.StdEncoding.EncodeToString(data)
		var noisy strings.Builder
		for j, r := range encoded {
			noisy.WriteRune(r)
			switch rng.Intn(12) {
			case 0:
				noisy.WriteString("\r\n")
			case 1:
				noisy.WriteString(" ")
			case 2:
				noisy.WriteString("\t")
			}
			if j%76 == 75 {
				noisy.WriteString("\n")
			}
		}

		email, err := a.Normalize(jsonRequest(t, brevoPayloadWith(map[string]any{"name": "r.bin", "content": noisy.String()})))
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		if len(data) == 0 {
			// An empty payload decodes to no content and is skipped.
			continue
		}
		if len(email.Attachments) != 1 {
			t.Fatalf("iteration %d: attachments = %d, want 1", i, len(email.Attachments))
		}
		if !bytes.Equal(email.Attachments[0].Data, data) {
			t.Fatalf("iteration %d: round-trip mismatch", i)
		}
		if email.Attachments[0].Size() != len(data) {
			t.Errorf("iteration %d: size = %d, want %d", i, email.Attachments[0].Size(), len(data))
		}
	}
}

// TestBrevo_Oversize verifies the size limit for any attachment size above
// the maximum, including ones just over it.
func TestBrevo_Oversize(t *testing.T) {
	a := NewBrevo(Options{MaxAttachmentSize: testMax})

	for _, size := range []int{testMax + 1, testMax + 2, testMax + 3, 2 * testMax, 10 * testMax} {
		data := bytes.Repeat([]byte{0xAB}, size)
		req := jsonRequest(t, brevoPayloadWith(
			map[string]any{"name": "big.bin", "content": base64.StdEncoding.EncodeToString(data)},
			map[string]any{"name": "ok.txt", "content": base64.StdEncoding.EncodeToString([]byte("fine"))},
		))

		email, err := a.Normalize(req)
		if err != nil {
			t.Fatalf("size %d: unexpected error: %v", size, err)
		}
		for _, att := range email.Attachments {
			if att.Filename == "big.bin" {
				t.Errorf("size %d: oversize attachment was kept", size)
			}
		}
		if len(email.Attachments) != 1 {
			t.Errorf("size %d: attachments = %d, want 1", size, len(email.Attachments))
		}
	}
}

// TestBrevo_Recipients verifies the to/cc fallback and the hard failure when
// neither exists.
func TestBrevo_Recipients(t *testing.T) {
	a := NewBrevo(Options{MaxAttachmentSize: testMax})

	ccOnly := map[string]any{
		"from": "dave@example.com",
		"cc":   []map[string]any{{"address": "cc-alias@hush.example"}},
	}
	email, err := a.Normalize(jsonRequest(t, ccOnly))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email.Recipient != "cc-alias@hush.example" || email.Sender != "dave@example.com" {
		t.Errorf("recipient/sender = %q/%q", email.Recipient, email.Sender)
	}

	_, err = a.Normalize(jsonRequest(t, map[string]any{"from": "dave@example.com"}))
	if !apperr.HasCode(err, apperr.CodeValidation) {
		t.Errorf("err = %v, want VALIDATION_FAILED", err)
	}
}

// TestBrevo_Items verifies the batched payload shape.
func TestBrevo_Items(t *testing.T) {
	a := NewBrevo(Options{MaxAttachmentSize: testMax})
	req := jsonRequest(t, map[string]any{
		"items": []map[string]any{{
			"From":        map[string]any{"Address": "erin@example.com"},
			"To":          []map[string]any{{"Address": "alias@hush.example"}},
			"Subject":     "Batched",
			"RawTextBody": "plain",
		}},
	})

	email, err := a.Normalize(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email.Sender != "erin@example.com" || email.Subject != "Batched" {
		t.Errorf("email = %+v", email)
	}
	if email.TextBody == nil || *email.TextBody != "plain" {
		t.Errorf("TextBody = %v", email.TextBody)
	}
}

// TestAdapters_Provider verifies each adapter reports its provider.
func TestAdapters_Provider(t *testing.T) {
	tests := []struct {
		adapter Adapter
		want    models.Provider
	}{
		{NewMailgunForm(Options{}), models.ProviderMailgun},
		{NewMailgunJSON(), models.ProviderMailgun},
		{NewSendGrid(), models.ProviderSendGrid},
		{NewBrevo(Options{}), models.ProviderBrevo},
	}
	for _, tt := range tests {
		if got := tt.adapter.Provider(); got != tt.want {
			t.Errorf("Provider() = %q, want %q", got, tt.want)
		}
	}
}
