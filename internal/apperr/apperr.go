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

// Package apperr defines the error envelopes that cross the HTTP boundary.
// Components build them with the constructors below; the webhook layer turns
// them into status codes and JSON bodies.
package apperr

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes returned in the "error" field of a JSON error response.
const (
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeStaleTimestamp   = "STALE_TIMESTAMP"
	CodeIPNotAllowed     = "IP_NOT_ALLOWED"
	CodeValidation       = "VALIDATION_FAILED"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeForwarding       = "FORWARDING_FAILED"
	CodeInternal         = "INTERNAL"
)

func newError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func wrapError(source error, category goerrors.Category, message string, code int, textCode string, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return newError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// InvalidSignature reports a missing or mismatched webhook signature or secret.
func InvalidSignature(provider, message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusUnauthorized, CodeInvalidSignature,
		map[string]any{"provider": provider})
}

// StaleTimestamp reports a signed timestamp outside the replay window.
func StaleTimestamp(provider string, ageSeconds int64) error {
	return newError("webhook timestamp outside replay window", goerrors.CategoryAuth,
		http.StatusUnauthorized, CodeStaleTimestamp,
		map[string]any{"provider": provider, "age_seconds": ageSeconds})
}

// IPNotAllowed reports a client IP outside the provider allow-list.
func IPNotAllowed(provider, ip string) error {
	return newError("source IP not allowed for provider", goerrors.CategoryAuthz,
		http.StatusForbidden, CodeIPNotAllowed,
		map[string]any{"provider": provider, "ip": ip})
}

// Validation reports a malformed webhook payload.
func Validation(message string, source error) error {
	return wrapError(source, goerrors.CategoryBadInput, message, http.StatusBadRequest, CodeValidation, nil)
}

// PayloadTooLarge reports a request body over the configured cap.
func PayloadTooLarge(limit int64) error {
	return newError("request body too large", goerrors.CategoryBadInput,
		http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
		map[string]any{"limit_bytes": limit})
}

// RateLimited reports a provider exceeding its webhook budget.
func RateLimited(provider string) error {
	return newError("too many webhook requests", goerrors.CategoryRateLimit,
		http.StatusTooManyRequests, CodeRateLimited,
		map[string]any{"provider": provider})
}

// Forwarding reports that every transport attempt failed. The 5xx status
// makes the provider redeliver the webhook.
func Forwarding(source error, target string) error {
	return wrapError(source, goerrors.CategoryExternal, "failed to forward email",
		http.StatusBadGateway, CodeForwarding,
		map[string]any{"target_email": target})
}

// Internal wraps an unexpected infrastructure failure.
func Internal(message string, source error) error {
	return wrapError(source, goerrors.CategoryInternal, message, http.StatusInternalServerError, CodeInternal, nil)
}

// As returns the envelope carried by err, if any.
func As(err error) (*goerrors.Error, bool) {
	var rich *goerrors.Error
	if err != nil && goerrors.As(err, &rich) {
		return rich, true
	}
	return nil, false
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, textCode string) bool {
	rich, ok := As(err)
	return ok && rich.TextCode == textCode
}

// HTTPStatus maps err to a response status. Errors without an envelope are
// internal failures.
func HTTPStatus(err error) int {
	rich, ok := As(err)
	if !ok || rich.Code == 0 {
		return http.StatusInternalServerError
	}
	return rich.Code
}

// Body is the JSON error shape returned to webhook callers.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Response renders err as an HTTP status and JSON body. Internal details are
// not exposed to the caller.
func Response(err error) (int, Body) {
	rich, ok := As(err)
	if !ok {
		return http.StatusInternalServerError, Body{Error: CodeInternal, Message: "An unexpected error occurred"}
	}
	status := rich.Code
	if status == 0 {
		status = http.StatusInternalServerError
	}
	code := strings.TrimSpace(rich.TextCode)
	if code == "" {
		code = CodeInternal
	}
	msg := rich.Message
	if rich.Category == goerrors.CategoryInternal {
		msg = "An unexpected error occurred"
	}
	return status, Body{Error: code, Message: msg}
}
