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
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/hush/relay/internal/apperr"
	"github.com/hush/relay/internal/models"
)

// brevoAddress accepts either {"email"|"address": ..., "name": ...} or a
// bare string.
type brevoAddress struct {
	Email   string `json:"email"`
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (a *brevoAddress) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &a.Email)
	}
	type plain brevoAddress
	return json.Unmarshal(data, (*plain)(a))
}

func (a brevoAddress) addr() string {
	if a.Email != "" {
		return a.Email
	}
	return a.Address
}

type brevoAttachment struct {
	Name           string `json:"name"`
	Filename       string `json:"filename"`
	ContentType    string `json:"contentType"`
	ContentTypeAlt string `json:"content_type"`
	Content        string `json:"content"`
	Base64         string `json:"base64"`
	URL            string `json:"url"`
}

type brevoMessage struct {
	From        brevoAddress      `json:"from"`
	To          []brevoAddress    `json:"to"`
	Cc          []brevoAddress    `json:"cc"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text"`
	RawText     string            `json:"rawTextBody"`
	HTML        string            `json:"html"`
	RawHTML     string            `json:"rawHtmlBody"`
	MessageID   string            `json:"messageId"`
	Headers     map[string]any    `json:"headers"`
	Attachments []brevoAttachment `json:"attachments"`
}

// brevoPayload is either a single message or an {"items": [...]} batch.
type brevoPayload struct {
	brevoMessage
	Items []brevoMessage `json:"items"`
}

// Brevo handles Brevo inbound parsing payloads with base64 attachments.
type Brevo struct {
	opts Options
}

// NewBrevo creates the Brevo adapter.
func NewBrevo(opts Options) *Brevo {
	return &Brevo{opts: opts}
}

func (a *Brevo) Provider() models.Provider { return models.ProviderBrevo }

// Normalize parses a Brevo JSON body.
func (a *Brevo) Normalize(req *Request) (*models.InboundEmail, error) {
	var p brevoPayload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return nil, apperr.Validation("malformed JSON body", err)
	}

	msg := p.brevoMessage
	if len(p.Items) > 0 {
		msg = p.Items[0]
	}

	recipient := firstAddress(msg.To)
	if recipient == "" {
		recipient = firstAddress(msg.Cc)
	}
	if recipient == "" {
		return nil, apperr.Validation("missing recipient list", nil)
	}

	email := &models.InboundEmail{
		Sender:     msg.From.addr(),
		Recipient:  recipient,
		Subject:    msg.Subject,
		TextBody:   models.StringPtr(firstNonEmpty(msg.Text, msg.RawText)),
		HTMLBody:   models.StringPtr(firstNonEmpty(msg.HTML, msg.RawHTML)),
		MessageID:  models.StringPtr(msg.MessageID),
		RawHeaders: serializeHeaders(msg.Headers),
	}
	if err := requireAddresses(email); err != nil {
		return nil, err
	}

	for i, raw := range msg.Attachments {
		if att, ok := a.decodeAttachment(raw, i+1); ok {
			email.Attachments = append(email.Attachments, att)
		}
	}
	return email, nil
}

func (a *Brevo) decodeAttachment(raw brevoAttachment, ordinal int) (models.Attachment, bool) {
	filename := firstNonEmpty(raw.Name, raw.Filename)
	if filename == "" {
		filename = syntheticFilename(ordinal)
	}

	encoded := firstNonEmpty(raw.Content, raw.Base64)
	if encoded == "" {
		// Only a download URL was supplied; remote fetches are not made.
		dropAttachment(models.ProviderBrevo, dropNoContent, filename, 0)
		return models.Attachment{}, false
	}

	cleaned := stripWhitespace(encoded)
	limit := a.opts.MaxAttachmentSize
	if int64(base64.StdEncoding.DecodedLen(len(cleaned))-2) > limit {
		dropAttachment(models.ProviderBrevo, dropOversize, filename, int64(base64.StdEncoding.DecodedLen(len(cleaned))))
		return models.Attachment{}, false
	}

	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		dropAttachment(models.ProviderBrevo, dropBadBase64, filename, int64(len(cleaned)))
		return models.Attachment{}, false
	}
	if int64(len(data)) > limit {
		dropAttachment(models.ProviderBrevo, dropOversize, filename, int64(len(data)))
		return models.Attachment{}, false
	}

	return models.Attachment{
		Filename:    filename,
		ContentType: contentTypeOr(firstNonEmpty(raw.ContentType, raw.ContentTypeAlt)),
		Data:        data,
	}, true
}

func firstAddress(list []brevoAddress) string {
	if len(list) == 0 {
		return ""
	}
	return strings.TrimSpace(list[0].addr())
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// serializeHeaders renders the header map as sorted "Key: value" lines.
func serializeHeaders(headers map[string]any) *string {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\n", k, headerValue(headers[k]))
	}
	s := buf.String()
	return &s
}

func headerValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, headerValue(item))
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
