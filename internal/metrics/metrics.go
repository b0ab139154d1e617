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

// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebhookRequests counts inbound webhooks by provider and outcome status.
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_webhook_requests_total",
			Help: "Inbound webhook requests by provider and result",
		},
		[]string{"provider", "status"},
	)

	// SecurityRejections counts webhooks refused by the verifier.
	SecurityRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_security_rejections_total",
			Help: "Webhooks rejected by signature, replay or IP checks",
		},
		[]string{"provider", "reason"},
	)

	// AttachmentsDropped counts attachments skipped during normalization.
	AttachmentsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_attachments_dropped_total",
			Help: "Attachments dropped during normalization",
		},
		[]string{"provider", "reason"},
	)

	// ForwardAttempts counts transport attempts by transport and result.
	ForwardAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_forward_attempts_total",
			Help: "Forwarding attempts by transport and result",
		},
		[]string{"transport", "result"},
	)

	// ForwardDuration tracks end-to-end forwarding latency.
	ForwardDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_forward_duration_seconds",
			Help:    "Forwarding duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"transport"},
	)
)

// RecordWebhook counts one webhook with its final status.
func RecordWebhook(provider, status string) {
	WebhookRequests.WithLabelValues(provider, status).Inc()
}

// RecordSecurityRejection counts one verifier rejection.
func RecordSecurityRejection(provider, reason string) {
	SecurityRejections.WithLabelValues(provider, reason).Inc()
}

// RecordAttachmentDropped counts one dropped attachment.
func RecordAttachmentDropped(provider, reason string) {
	AttachmentsDropped.WithLabelValues(provider, reason).Inc()
}

// RecordForward counts one forwarding call and observes its duration.
func RecordForward(transport string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	ForwardAttempts.WithLabelValues(transport, result).Inc()
	ForwardDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
