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

// Package ratelimit throttles webhook traffic per provider with a token
// bucket. Excess requests are answered with 429 before any body is read.
package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hush/relay/internal/apperr"
	"github.com/hush/relay/internal/metrics"
	"github.com/hush/relay/internal/models"
)

const (
	DefaultPerMinute       = 100
	DefaultBurstMultiplier = 2
)

// Limiter holds one token bucket per provider.
type Limiter struct {
	mu       sync.Mutex
	limiters map[models.Provider]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a limiter allowing perMinute requests per provider with a
// burst of perMinute*burstMultiplier. A non-positive perMinute disables
// limiting.
func New(perMinute, burstMultiplier int) *Limiter {
	if burstMultiplier <= 0 {
		burstMultiplier = 1
	}
	l := &Limiter{limiters: make(map[models.Provider]*rate.Limiter)}
	if perMinute > 0 {
		l.limit = rate.Every(time.Minute / time.Duration(perMinute))
		l.burst = perMinute * burstMultiplier
	}
	return l
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool {
	return l.burst > 0
}

// Allow consumes a token from the provider's bucket.
func (l *Limiter) Allow(provider models.Provider) bool {
	if !l.Enabled() {
		return true
	}
	return l.bucket(provider).Allow()
}

func (l *Limiter) bucket(provider models.Provider) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.limiters[provider]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.limiters[provider] = b
	}
	return b
}

// Middleware rejects requests over the provider's budget.
func (l *Limiter) Middleware(provider models.Provider, next http.Handler) http.Handler {
	if !l.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(provider) {
			slog.Warn("webhook rate limit exceeded",
				"provider", provider,
				"remote_addr", r.RemoteAddr,
			)
			metrics.RecordWebhook(string(provider), "rate_limited")

			status, body := apperr.Response(apperr.RateLimited(string(provider)))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(body)
			return
		}
		next.ServeHTTP(w, r)
	})
}
