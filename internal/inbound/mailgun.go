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
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/hush/relay/internal/apperr"
	"github.com/hush/relay/internal/models"
)

// attachmentCountField is Mailgun's textual attachment counter. It shares the
// "attachment" prefix with the file fields but carries no data.
const attachmentCountField = "attachment-count"

// setMailgunField maps a Mailgun route field onto the canonical email by
// exact key name. Unknown keys are ignored.
func setMailgunField(e *models.InboundEmail, key, value string) {
	switch key {
	case "recipient":
		e.Recipient = value
	case "sender":
		e.Sender = value
	case "subject":
		e.Subject = value
	case "body-plain":
		e.TextBody = models.StringPtr(value)
	case "body-html":
		e.HTMLBody = models.StringPtr(value)
	case "Message-Id":
		e.MessageID = models.StringPtr(value)
	case "message-headers":
		e.RawHeaders = models.StringPtr(value)
	}
}

// MailgunForm handles Mailgun route forwards posted as multipart/form-data
// (with attachments) or application/x-www-form-urlencoded.
type MailgunForm struct {
	opts Options
}

// NewMailgunForm creates the Mailgun form adapter.
func NewMailgunForm(opts Options) *MailgunForm {
	return &MailgunForm{opts: opts}
}

func (a *MailgunForm) Provider() models.Provider { return models.ProviderMailgun }

// Normalize parses a Mailgun form post.
func (a *MailgunForm) Normalize(req *Request) (*models.InboundEmail, error) {
	mediaType, params, err := mime.ParseMediaType(req.ContentType)
	if err != nil {
		return nil, apperr.Validation("invalid content type", err)
	}

	var email *models.InboundEmail
	switch mediaType {
	case "multipart/form-data":
		email, err = a.parseMultipart(req.Body, params["boundary"])
	case "application/x-www-form-urlencoded":
		email, err = a.parseURLEncoded(req.Body)
	default:
		return nil, apperr.Validation(fmt.Sprintf("unsupported content type %q", mediaType), nil)
	}
	if err != nil {
		return nil, err
	}

	if err := requireAddresses(email); err != nil {
		return nil, err
	}
	return email, nil
}

func (a *MailgunForm) parseMultipart(body []byte, boundary string) (*models.InboundEmail, error) {
	if boundary == "" {
		return nil, apperr.Validation("multipart body without boundary", nil)
	}

	email := &models.InboundEmail{}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	ordinal := 0

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Validation("malformed multipart body", err)
		}

		name := part.FormName()
		if strings.HasPrefix(name, "attachment") && name != attachmentCountField {
			ordinal++
			att, ok, err := a.readAttachment(part, ordinal)
			part.Close()
			if err != nil {
				return nil, err
			}
			if ok {
				email.Attachments = append(email.Attachments, att)
			}
			continue
		}

		value, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, apperr.Validation("malformed multipart body", err)
		}
		if !utf8.Valid(value) {
			return nil, apperr.Validation(fmt.Sprintf("field %q is not valid UTF-8", name), nil)
		}
		setMailgunField(email, name, string(value))
	}

	return email, nil
}

// readAttachment reads at most max+1 bytes so oversize parts are skipped
// without being buffered. The remainder is discarded by the next NextPart.
func (a *MailgunForm) readAttachment(part *multipart.Part, ordinal int) (models.Attachment, bool, error) {
	filename := part.FileName()
	if filename == "" {
		filename = syntheticFilename(ordinal)
	}

	limit := a.opts.MaxAttachmentSize
	readLimit := limit
	if limit < math.MaxInt64 {
		readLimit = limit + 1
	}
	data, err := io.ReadAll(io.LimitReader(part, readLimit))
	if err != nil {
		return models.Attachment{}, false, apperr.Validation("malformed multipart body", err)
	}
	if int64(len(data)) > limit {
		dropAttachment(models.ProviderMailgun, dropOversize, filename, int64(len(data)))
		return models.Attachment{}, false, nil
	}

	return models.Attachment{
		Filename:    filename,
		ContentType: contentTypeOr(part.Header.Get("Content-Type")),
		Data:        data,
	}, true, nil
}

func (a *MailgunForm) parseURLEncoded(body []byte) (*models.InboundEmail, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, apperr.Validation("malformed form body", err)
	}

	email := &models.InboundEmail{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		if !utf8.ValidString(vals[0]) {
			return nil, apperr.Validation(fmt.Sprintf("field %q is not valid UTF-8", key), nil)
		}
		setMailgunField(email, key, vals[0])
	}
	return email, nil
}

// MailgunJSON handles Mailgun payloads posted as a flat JSON object with the
// same keys as the form variant. It carries no attachments.
type MailgunJSON struct{}

// NewMailgunJSON creates the Mailgun JSON adapter.
func NewMailgunJSON() *MailgunJSON {
	return &MailgunJSON{}
}

func (a *MailgunJSON) Provider() models.Provider { return models.ProviderMailgun }

// Normalize parses a Mailgun JSON body.
func (a *MailgunJSON) Normalize(req *Request) (*models.InboundEmail, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &raw); err != nil {
		return nil, apperr.Validation("malformed JSON body", err)
	}

	email := &models.InboundEmail{}
	for key, value := range raw {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			// message-headers is usually an array of pairs; keep it verbatim.
			if key == "message-headers" && !bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
				s = string(value)
			} else {
				continue
			}
		}
		setMailgunField(email, key, s)
	}

	if err := requireAddresses(email); err != nil {
		return nil, err
	}
	return email, nil
}
