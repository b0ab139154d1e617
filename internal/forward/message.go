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
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hush/relay/internal/models"
)

// Message is a fully prepared outbound email handed to a Transport.
type Message struct {
	From        string
	To          string
	ReplyTo     string
	Subject     string
	TextBody    *string
	HTMLBody    *string
	Attachments []models.Attachment
	MessageID   string
	Date        time.Time
}

// Transport delivers a prepared message.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Name() string
}

// EnvelopeFrom returns the bare address of the From header.
func (m *Message) EnvelopeFrom() string {
	return BareAddress(m.From)
}

// BareAddress strips any display name from addr.
func BareAddress(addr string) string {
	if parsed, err := mail.ParseAddress(addr); err == nil {
		return parsed.Address
	}
	return strings.TrimSpace(addr)
}

// NewMessageID builds an RFC 5322 Message-ID under the sender's domain.
func NewMessageID(from string) string {
	domain := "localhost"
	if _, d, ok := strings.Cut(BareAddress(from), "@"); ok && d != "" {
		domain = d
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// Render produces the RFC 5322 bytes of msg. Bodies go in a
// multipart/alternative part, wrapped in multipart/mixed when attachments
// are present.
func Render(msg *Message) ([]byte, error) {
	var buf bytes.Buffer

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	messageID := msg.MessageID
	if messageID == "" {
		messageID = NewMessageID(msg.From)
	}

	writeHeader(&buf, "From", msg.From)
	writeHeader(&buf, "To", msg.To)
	if msg.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", msg.ReplyTo)
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", messageID)
	writeHeader(&buf, "MIME-Version", "1.0")

	alt, altBoundary, err := renderAlternative(msg.TextBody, msg.HTMLBody)
	if err != nil {
		return nil, err
	}

	if len(msg.Attachments) == 0 {
		writeHeader(&buf, "Content-Type", "multipart/alternative; boundary="+altBoundary)
		buf.WriteString("\r\n")
		buf.Write(alt)
		return buf.Bytes(), nil
	}

	mixed := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", "multipart/mixed; boundary="+mixed.Boundary())
	buf.WriteString("\r\n")

	altHeader := textproto.MIMEHeader{}
	altHeader.Set("Content-Type", "multipart/alternative; boundary="+altBoundary)
	part, err := mixed.CreatePart(altHeader)
	if err != nil {
		return nil, fmt.Errorf("create alternative part: %w", err)
	}
	if _, err := part.Write(alt); err != nil {
		return nil, fmt.Errorf("write alternative part: %w", err)
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mixed, att); err != nil {
			return nil, err
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, fmt.Errorf("close mixed part: %w", err)
	}
	return buf.Bytes(), nil
}

func renderAlternative(text, html *string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if text == nil && html == nil {
		placeholder := NoContent
		text = &placeholder
	}
	if text != nil {
		if err := writeTextPart(w, "text/plain; charset=utf-8", *text); err != nil {
			return nil, "", err
		}
	}
	if html != nil {
		if err := writeTextPart(w, "text/html; charset=utf-8", *html); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close alternative part: %w", err)
	}
	return buf.Bytes(), w.Boundary(), nil
}

func writeTextPart(w *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create body part: %w", err)
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(body)); err != nil {
		return fmt.Errorf("write body part: %w", err)
	}
	return qp.Close()
}

func writeAttachment(w *multipart.Writer, att models.Attachment) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", AttachmentContentType(att))
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create attachment part: %w", err)
	}
	if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Data))); err != nil {
		return fmt.Errorf("write attachment %s: %w", att.Filename, err)
	}
	return nil
}

// AttachmentContentType returns the attachment's media type, or
// application/octet-stream when it does not parse.
func AttachmentContentType(att models.Attachment) string {
	mediaType, params, err := mime.ParseMediaType(att.ContentType)
	if err != nil {
		slog.Warn("invalid attachment content type, using default",
			"filename", att.Filename,
			"content_type", att.ContentType,
		)
		return models.DefaultContentType
	}
	return mime.FormatMediaType(mediaType, params)
}

// encodeBase64WithLineBreaks encodes data as base64 in 76-column lines (RFC 2045).
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
		b.WriteString("\r\n")
	}
	return b.String()
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}
