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
	"encoding/json"
	"net/mail"
	"strings"

	"github.com/hush/relay/internal/apperr"
	"github.com/hush/relay/internal/models"
)

// sendGridPayload is the JSON shape posted by the SendGrid inbound relay.
type sendGridPayload struct {
	To           string `json:"to"`
	From         string `json:"from"`
	Subject      string `json:"subject"`
	Text         string `json:"text"`
	HTML         string `json:"html"`
	MessageID    string `json:"message-id"`
	MessageIDAlt string `json:"message_id"`
	Headers      string `json:"headers"`
}

// SendGrid handles SendGrid JSON payloads. SendGrid attachments are not
// relayed, so the result never carries any.
type SendGrid struct{}

// NewSendGrid creates the SendGrid adapter.
func NewSendGrid() *SendGrid {
	return &SendGrid{}
}

func (a *SendGrid) Provider() models.Provider { return models.ProviderSendGrid }

// Normalize parses a SendGrid JSON body.
func (a *SendGrid) Normalize(req *Request) (*models.InboundEmail, error) {
	var p sendGridPayload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return nil, apperr.Validation("malformed JSON body", err)
	}

	messageID := p.MessageID
	if messageID == "" {
		messageID = p.MessageIDAlt
	}

	email := &models.InboundEmail{
		Sender:     bareAddress(p.From),
		Recipient:  bareAddress(p.To),
		Subject:    p.Subject,
		TextBody:   models.StringPtr(p.Text),
		HTMLBody:   models.StringPtr(p.HTML),
		MessageID:  models.StringPtr(messageID),
		RawHeaders: models.StringPtr(p.Headers),
	}

	if err := requireAddresses(email); err != nil {
		return nil, err
	}
	return email, nil
}

// bareAddress reduces `"Name" <a@b>, c@d` to a@b. Values that do not parse
// as an address list are returned trimmed.
func bareAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	list, err := mail.ParseAddressList(value)
	if err != nil || len(list) == 0 {
		return value
	}
	return list[0].Address
}
