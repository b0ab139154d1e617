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

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestRecordForward verifies success and failure are split by label.
func TestRecordForward(t *testing.T) {
	okBefore := testutil.ToFloat64(ForwardAttempts.WithLabelValues("test-transport", "success"))
	failBefore := testutil.ToFloat64(ForwardAttempts.WithLabelValues("test-transport", "failure"))

	RecordForward("test-transport", nil, 10*time.Millisecond)
	RecordForward("test-transport", errors.New("boom"), 20*time.Millisecond)
	RecordForward("test-transport", errors.New("boom"), 20*time.Millisecond)

	if got := testutil.ToFloat64(ForwardAttempts.WithLabelValues("test-transport", "success")) - okBefore; got != 1 {
		t.Errorf("success delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ForwardAttempts.WithLabelValues("test-transport", "failure")) - failBefore; got != 2 {
		t.Errorf("failure delta = %v, want 2", got)
	}
}

// TestHandler verifies the exposition endpoint includes relay collectors.
func TestHandler(t *testing.T) {
	RecordWebhook("mailgun", "forwarded")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "relay_webhook_requests_total") {
		t.Error("metrics output missing relay_webhook_requests_total")
	}
}
