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

// Package models defines the data structures shared across the relay.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider identifies the upstream service that delivered a webhook.
type Provider string

const (
	ProviderMailgun  Provider = "mailgun"
	ProviderSendGrid Provider = "sendgrid"
	ProviderBrevo    Provider = "brevo"
)

// Providers lists every supported provider in a stable order.
var Providers = []Provider{ProviderMailgun, ProviderSendGrid, ProviderBrevo}

// DefaultContentType is used when an attachment has no usable MIME type.
const DefaultContentType = "application/octet-stream"

// Attachment is a single file carried by an inbound email.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Size is the attachment length in bytes.
func (a Attachment) Size() int {
	return len(a.Data)
}

// InboundEmail is the canonical form every provider payload is normalized to.
type InboundEmail struct {
	Sender      string
	Recipient   string
	Subject     string
	TextBody    *string
	HTMLBody    *string
	MessageID   *string
	RawHeaders  *string
	Attachments []Attachment
}

// Canonicalize lower-cases and trims the sender and recipient addresses.
func (e *InboundEmail) Canonicalize() {
	e.Sender = strings.ToLower(strings.TrimSpace(e.Sender))
	e.Recipient = strings.ToLower(strings.TrimSpace(e.Recipient))
}

// MessageIDValue returns the message id or "" when absent.
func (e *InboundEmail) MessageIDValue() string {
	if e.MessageID == nil {
		return ""
	}
	return *e.MessageID
}

// WebhookIdentity describes who claims to have sent a webhook. It lives for
// one request and is only ever logged.
type WebhookIdentity struct {
	Provider  Provider
	ClientIP  string
	Timestamp string
	Signature string
}

// Alias is an address owned by a user that forwards to their target.
type Alias struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Address   string
	Status    string
	ExpiresAt *time.Time
}

// Target is a user's current forwarding address.
type Target struct {
	Email    string
	Verified bool
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
