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

// Package security authenticates inbound provider webhooks.
//
// Every request is checked in two layers. The client IP, when it can be
// resolved from proxy headers, must fall inside the provider's allow-list.
// The provider signature or shared secret is always required. An
// unresolvable IP skips the first layer; nothing skips the second.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hush/relay/internal/apperr"
	"github.com/hush/relay/internal/metrics"
	"github.com/hush/relay/internal/models"
)

// DefaultReplayWindow bounds how far a signed timestamp may drift from now.
const DefaultReplayWindow = 900 * time.Second

// Header names consulted by the verifier.
const (
	headerMailgunSignature = "X-Mailgun-Signature"
	headerMailgunTimestamp = "X-Mailgun-Timestamp"
	headerMailgunToken     = "X-Mailgun-Token"
	headerTwilioSignature  = "X-Twilio-Email-Event-Webhook-Signature"
	headerSendGridSig      = "X-Sendgrid-Signature"
	headerBrevoSecret      = "X-Brevo-Secret"
)

// clientIPHeaders are tried in order; the first parseable address wins.
var clientIPHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// Config configures a Verifier.
type Config struct {
	Enabled      bool
	Secrets      map[models.Provider]string
	AllowLists   map[models.Provider][]string
	ReplayWindow time.Duration
}

// Verifier checks webhook authenticity. It holds no per-request state and is
// safe for concurrent use.
type Verifier struct {
	enabled bool
	secrets map[models.Provider]string
	allow   map[models.Provider][]netip.Prefix
	window  time.Duration
	now     func() time.Time
}

// NewVerifier builds a verifier. Invalid CIDR entries are logged and skipped.
func NewVerifier(cfg Config) *Verifier {
	window := cfg.ReplayWindow
	if window <= 0 {
		window = DefaultReplayWindow
	}

	v := &Verifier{
		enabled: cfg.Enabled,
		secrets: make(map[models.Provider]string, len(cfg.Secrets)),
		allow:   make(map[models.Provider][]netip.Prefix, len(cfg.AllowLists)),
		window:  window,
		now:     time.Now,
	}
	for p, s := range cfg.Secrets {
		v.secrets[p] = s
	}
	for p, list := range cfg.AllowLists {
		v.allow[p] = parsePrefixes(p, list)
	}

	if !v.enabled {
		slog.Warn("webhook security checks are DISABLED")
	}
	return v
}

func parsePrefixes(provider models.Provider, list []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(list))
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if pfx, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, pfx.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(raw); err == nil {
			addr = addr.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		slog.Warn("ignoring invalid CIDR in allow-list",
			"provider", provider,
			"cidr", raw,
		)
	}
	return prefixes
}

// Verify authenticates one webhook request. body is the raw request body;
// it is only read for providers that sign the body.
func (v *Verifier) Verify(provider models.Provider, header http.Header, uri *url.URL, body []byte) error {
	if !v.enabled {
		return nil
	}

	ip, ok := ClientIP(header)
	if !ok {
		slog.Warn("could not resolve client IP, skipping allow-list check",
			"provider", provider,
		)
	} else if !v.ipAllowed(provider, ip) {
		metrics.RecordSecurityRejection(string(provider), "ip_not_allowed")
		return apperr.IPNotAllowed(string(provider), ip.String())
	}

	var err error
	switch provider {
	case models.ProviderMailgun:
		err = v.verifyMailgun(header, uri)
	case models.ProviderSendGrid:
		err = v.verifySendGrid(header, body)
	case models.ProviderBrevo:
		err = v.verifyBrevo(header, uri)
	default:
		err = apperr.InvalidSignature(string(provider), "unsupported provider")
	}
	if err != nil {
		reason := "invalid_signature"
		if apperr.HasCode(err, apperr.CodeStaleTimestamp) {
			reason = "stale_timestamp"
		}
		metrics.RecordSecurityRejection(string(provider), reason)
		return err
	}
	return nil
}

// ipAllowed reports whether ip is in the provider's allow-list. An empty
// list allows everything.
func (v *Verifier) ipAllowed(provider models.Provider, ip netip.Addr) bool {
	list := v.allow[provider]
	if len(list) == 0 {
		return true
	}
	for _, pfx := range list {
		if pfx.Contains(ip) {
			return true
		}
	}
	return false
}

func (v *Verifier) verifyMailgun(header http.Header, uri *url.URL) error {
	p := string(models.ProviderMailgun)
	secret := v.secrets[models.ProviderMailgun]
	if secret == "" {
		return apperr.InvalidSignature(p, "webhook secret not configured")
	}

	signature := queryOrHeader(uri, header, "signature", headerMailgunSignature)
	timestamp := queryOrHeader(uri, header, "timestamp", headerMailgunTimestamp)
	token := queryOrHeader(uri, header, "token", headerMailgunToken)
	if signature == "" || timestamp == "" || token == "" {
		return apperr.InvalidSignature(p, "missing signature, timestamp or token")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apperr.InvalidSignature(p, "invalid timestamp")
	}
	if err := v.checkAge(p, ts); err != nil {
		return err
	}

	expected := SignMailgun(secret, timestamp, token)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return apperr.InvalidSignature(p, "signature mismatch")
	}
	return nil
}

func (v *Verifier) verifySendGrid(header http.Header, body []byte) error {
	p := string(models.ProviderSendGrid)
	secret := v.secrets[models.ProviderSendGrid]
	if secret == "" {
		return apperr.InvalidSignature(p, "webhook secret not configured")
	}

	raw := header.Get(headerTwilioSignature)
	if raw == "" {
		raw = header.Get(headerSendGridSig)
	}
	ts, sig, ok := parseSendGridHeader(raw)
	if !ok {
		return apperr.InvalidSignature(p, "missing or malformed signature header")
	}
	if err := v.checkAge(p, ts); err != nil {
		return err
	}

	// The body has to be buffered by the caller before parsing; a consumed
	// body cannot be verified and is refused.
	if len(body) == 0 {
		return apperr.InvalidSignature(p, "request body unavailable for signature verification")
	}

	expected := SignSendGrid(secret, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return apperr.InvalidSignature(p, "signature mismatch")
	}
	return nil
}

func (v *Verifier) verifyBrevo(header http.Header, uri *url.URL) error {
	p := string(models.ProviderBrevo)
	secret := v.secrets[models.ProviderBrevo]
	if secret == "" {
		return apperr.InvalidSignature(p, "webhook secret not configured")
	}

	supplied := queryOrHeader(uri, header, "secret", headerBrevoSecret)
	if supplied == "" {
		return apperr.InvalidSignature(p, "missing shared secret")
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(secret)) != 1 {
		return apperr.InvalidSignature(p, "shared secret mismatch")
	}
	return nil
}

func (v *Verifier) checkAge(provider string, ts int64) error {
	age := v.now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if age > int64(v.window/time.Second) {
		return apperr.StaleTimestamp(provider, age)
	}
	return nil
}

// ClientIP resolves the caller address from proxy headers.
func ClientIP(header http.Header) (netip.Addr, bool) {
	for _, name := range clientIPHeaders {
		value := header.Get(name)
		if value == "" {
			continue
		}
		// X-Forwarded-For is a chain; the originating client is first.
		first, _, _ := strings.Cut(value, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap(), true
		}
	}
	return netip.Addr{}, false
}

// Identity summarises the claimed sender of a request for logging.
func Identity(provider models.Provider, header http.Header, uri *url.URL) models.WebhookIdentity {
	id := models.WebhookIdentity{Provider: provider}
	if ip, ok := ClientIP(header); ok {
		id.ClientIP = ip.String()
	}
	switch provider {
	case models.ProviderMailgun:
		id.Timestamp = queryOrHeader(uri, header, "timestamp", headerMailgunTimestamp)
		id.Signature = queryOrHeader(uri, header, "signature", headerMailgunSignature)
	case models.ProviderSendGrid:
		raw := header.Get(headerTwilioSignature)
		if raw == "" {
			raw = header.Get(headerSendGridSig)
		}
		if ts, sig, ok := parseSendGridHeader(raw); ok {
			id.Timestamp = strconv.FormatInt(ts, 10)
			id.Signature = sig
		}
	}
	return id
}

func queryOrHeader(uri *url.URL, header http.Header, param, name string) string {
	if uri != nil {
		if v := uri.Query().Get(param); v != "" {
			return v
		}
	}
	return header.Get(name)
}

// parseSendGridHeader splits "t=<unix>,v1=<hex>".
func parseSendGridHeader(raw string) (int64, string, bool) {
	var (
		ts     int64
		sig    string
		haveTS bool
	)
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", false
			}
			ts, haveTS = n, true
		case "v1":
			sig = value
		}
	}
	if !haveTS || sig == "" {
		return 0, "", false
	}
	return ts, sig, true
}

// SignMailgun returns hex(HMAC-SHA256(secret, timestamp+token)).
func SignMailgun(secret, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignSendGrid returns hex(HMAC-SHA256(secret, body)).
func SignSendGrid(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SendGridHeader formats a signature header value.
func SendGridHeader(ts int64, signature string) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + signature
}
