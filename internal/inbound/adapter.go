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

// Package inbound normalizes provider webhook payloads into
// models.InboundEmail. Each wire shape has its own Adapter; callers only
// depend on the interface.
package inbound

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hush/relay/internal/apperr"
	"github.com/hush/relay/internal/metrics"
	"github.com/hush/relay/internal/models"
)

// Request is a buffered webhook request body plus the metadata adapters need.
type Request struct {
	ContentType string
	Header      http.Header
	Body        []byte
}

// Adapter converts one provider wire shape into the canonical email.
type Adapter interface {
	// Provider names the provider whose verification rules apply.
	Provider() models.Provider
	// Normalize parses req. Malformed payloads return a validation error;
	// bad attachments are dropped, never failing the message.
	Normalize(req *Request) (*models.InboundEmail, error)
}

// Options shared by all adapters.
type Options struct {
	MaxAttachmentSize int64
}

// Drop reasons reported to metrics.
const (
	dropOversize  = "oversize"
	dropBadBase64 = "bad_base64"
	dropNoContent = "no_content"
)

func dropAttachment(provider models.Provider, reason, filename string, size int64) {
	slog.Warn("dropping attachment",
		"provider", provider,
		"reason", reason,
		"filename", filename,
		"size", size,
	)
	metrics.RecordAttachmentDropped(string(provider), reason)
}

// requireAddresses enforces the non-empty sender/recipient invariant.
func requireAddresses(e *models.InboundEmail) error {
	if strings.TrimSpace(e.Recipient) == "" {
		return apperr.Validation("missing recipient", nil)
	}
	if strings.TrimSpace(e.Sender) == "" {
		return apperr.Validation("missing sender", nil)
	}
	return nil
}

func syntheticFilename(n int) string {
	return fmt.Sprintf("attachment_%d.bin", n)
}

func contentTypeOr(ct string) string {
	if ct = strings.TrimSpace(ct); ct == "" {
		return models.DefaultContentType
	}
	return ct
}
