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

// Package stdout implements a development transport that writes rendered
// messages to a writer instead of delivering them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hush/relay/internal/forward"
)

const separator = "========================================\n"

// Transport writes each rendered message to w.
type Transport struct {
	mu sync.Mutex
	w  io.Writer
}

// New creates a transport that writes to os.Stdout.
func New() *Transport {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a transport that writes to w.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{w: w}
}

// Name returns the transport name.
func (t *Transport) Name() string { return "stdout" }

// Send logs a summary and writes the MIME message between separators.
func (t *Transport) Send(_ context.Context, msg *forward.Message) error {
	raw, err := forward.Render(msg)
	if err != nil {
		return fmt.Errorf("render message: %w", err)
	}

	slog.Info("stdout transport: message rendered",
		"to", msg.To,
		"subject", msg.Subject,
		"attachments", len(msg.Attachments),
		"bytes", len(raw),
	)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.w, "%s%s\n%s", separator, raw, separator); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
