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

// Package webhook serves the inbound provider endpoints. Each route buffers
// the raw body (signatures cover the exact bytes), binds the provider's
// adapter and hands the request to the pipeline. The pipeline outcome is
// written back as JSON; errors use the apperr envelope.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hush/relay/internal/apperr"
	"github.com/hush/relay/internal/inbound"
	"github.com/hush/relay/internal/metrics"
	"github.com/hush/relay/internal/models"
	"github.com/hush/relay/internal/pipeline"
	"github.com/hush/relay/internal/ratelimit"
)

// DefaultMaxBodySize caps buffered request bodies when none is configured.
const DefaultMaxBodySize = 50 << 20

// Processor runs one buffered webhook through the relay pipeline.
type Processor interface {
	Process(ctx context.Context, req *pipeline.Request) (models.Outcome, error)
}

// Config wires a Handler.
type Config struct {
	Processor   Processor
	Limiter     *ratelimit.Limiter
	MaxBodySize int64
	Adapters    inbound.Options
}

// Handler serves the provider webhook routes.
type Handler struct {
	processor   Processor
	limiter     *ratelimit.Limiter
	maxBodySize int64

	mailgunForm inbound.Adapter
	mailgunJSON inbound.Adapter
	sendgrid    inbound.Adapter
	brevo       inbound.Adapter

	now func() time.Time
}

// NewHandler creates a webhook handler. A nil Limiter disables rate limiting.
func NewHandler(cfg Config) *Handler {
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.New(0, 0)
	}
	return &Handler{
		processor:   cfg.Processor,
		limiter:     limiter,
		maxBodySize: maxBody,
		mailgunForm: inbound.NewMailgunForm(cfg.Adapters),
		mailgunJSON: inbound.NewMailgunJSON(),
		sendgrid:    inbound.NewSendGrid(),
		brevo:       inbound.NewBrevo(cfg.Adapters),
		now:         time.Now,
	}
}

// Routes returns the webhook mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/incoming/mailgun", h.route(h.mailgunForm))
	mux.Handle("POST /api/v1/incoming/mailgun/json", h.route(h.mailgunJSON))
	mux.Handle("POST /api/v1/incoming/sendgrid", h.route(h.sendgrid))
	mux.Handle("POST /api/v1/incoming/brevo", h.route(h.brevo))
	mux.HandleFunc("GET /api/v1/incoming/test", h.ServeTest)

	return mux
}

func (h *Handler) route(adapter inbound.Adapter) http.Handler {
	return h.limiter.Middleware(adapter.Provider(), h.serveWebhook(adapter))
}

// ServeTest answers the liveness check used when configuring provider routes.
func (h *Handler) ServeTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"message":   "Webhook endpoint is accessible",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// outcomeResponse is the 200 body for every terminal outcome.
type outcomeResponse struct {
	Status          models.OutcomeKind `json:"status"`
	Target          string             `json:"target,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	BounceType      models.BounceType  `json:"bounce_type,omitempty"`
	BounceReason    string             `json:"bounce_reason,omitempty"`
	FailedRecipient string             `json:"failed_recipient,omitempty"`
}

func newOutcomeResponse(o models.Outcome) outcomeResponse {
	resp := outcomeResponse{
		Status: o.Kind,
		Target: o.Target,
		Reason: o.Reason,
	}
	if o.Bounce != nil {
		resp.BounceType = o.Bounce.Type
		resp.BounceReason = o.Bounce.Reason
		resp.FailedRecipient = o.Bounce.FailedRecipient
	}
	return resp
}

func (h *Handler) serveWebhook(adapter inbound.Adapter) http.HandlerFunc {
	provider := adapter.Provider()

	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.writeError(w, provider, apperr.PayloadTooLarge(h.maxBodySize))
				return
			}
			h.writeError(w, provider, apperr.Validation("failed to read request body", err))
			return
		}

		outcome, err := h.processor.Process(r.Context(), &pipeline.Request{
			Adapter:     adapter,
			Header:      r.Header,
			URL:         r.URL,
			ContentType: r.Header.Get("Content-Type"),
			Body:        body,
		})
		if err != nil {
			h.writeError(w, provider, err)
			return
		}

		metrics.RecordWebhook(string(provider), string(outcome.Kind))
		writeJSON(w, http.StatusOK, newOutcomeResponse(outcome))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, provider models.Provider, err error) {
	status, body := apperr.Response(err)
	if status >= http.StatusInternalServerError {
		slog.Error("webhook failed", "provider", provider, "status", status, "error", err)
	} else {
		slog.Warn("webhook refused", "provider", provider, "status", status, "error", err)
	}
	metrics.RecordWebhook(string(provider), strings.ToLower(body.Error))
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

// Serve starts the webhook HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. Cancelling ctx drains in-flight
// requests for up to shutdownTimeout.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, <-chan error, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("webhook server shutdown error", "error", err)
			server.Close()
		}
	}()

	go func() {
		slog.Info("webhook server listening", "addr", ln.Addr().String())
		close(ready)
		err := server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			slog.Error("webhook server error", "error", err)
		}
		done <- err
	}()

	return ready, done, nil
}

const shutdownTimeout = 15 * time.Second
