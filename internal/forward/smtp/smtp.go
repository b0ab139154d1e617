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

// Package smtp implements a forward.Transport that relays through an SMTP
// submission server, failing over across candidate ports.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/hush/relay/internal/forward"
)

const defaultTimeout = 30 * time.Second

// DefaultFallbackPorts are tried after the configured port.
var DefaultFallbackPorts = []int{587, 2525}

// Config holds SMTP relay settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// Timeout bounds each port attempt, from dial to QUIT.
	Timeout time.Duration

	// AllowInsecure permits plaintext sessions when STARTTLS is not offered.
	AllowInsecure bool

	// FallbackPorts overrides DefaultFallbackPorts.
	FallbackPorts []int

	LocalName string
	TLSConfig *tls.Config
}

// Transport sends rendered messages over SMTP.
type Transport struct {
	cfg   Config
	ports []int
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New creates an SMTP transport.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	fallbacks := cfg.FallbackPorts
	if fallbacks == nil {
		fallbacks = DefaultFallbackPorts
	}
	dialer := &net.Dialer{}
	return &Transport{
		cfg:   cfg,
		ports: CandidatePorts(cfg.Port, fallbacks),
		dial:  dialer.DialContext,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string { return "smtp" }

// CandidatePorts returns the configured port followed by the fallbacks,
// without duplicates or non-positive values.
func CandidatePorts(configured int, fallbacks []int) []int {
	seen := make(map[int]bool)
	var ports []int
	for _, p := range append([]int{configured}, fallbacks...) {
		if p <= 0 || seen[p] {
			continue
		}
		seen[p] = true
		ports = append(ports, p)
	}
	return ports
}

// Send tries each candidate port in order and returns on the first success.
// When every port fails the attempt errors are joined.
func (t *Transport) Send(ctx context.Context, msg *forward.Message) error {
	raw, err := forward.Render(msg)
	if err != nil {
		return fmt.Errorf("render message: %w", err)
	}
	from := msg.EnvelopeFrom()
	to := forward.BareAddress(msg.To)

	var errs []error
	for _, port := range t.ports {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		err := t.attempt(ctx, port, from, to, raw)
		if err == nil {
			slog.Debug("smtp delivery succeeded", "host", t.cfg.Host, "port", port)
			return nil
		}

		slog.Warn("smtp attempt failed",
			"host", t.cfg.Host,
			"port", port,
			"error", err,
		)
		errs = append(errs, fmt.Errorf("port %d: %w", port, err))
	}

	return fmt.Errorf("all smtp ports failed for %s: %w", t.cfg.Host, errors.Join(errs...))
}

func (t *Transport) attempt(ctx context.Context, port int, from, to string, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(port))
	conn, err := t.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := gosmtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("greeting: %w", err)
	}
	defer c.Close()

	if err := c.Hello(t.cfg.LocalName); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsCfg := t.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: t.cfg.Host}
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	} else if !t.cfg.AllowInsecure {
		return errors.New("server does not offer STARTTLS")
	}

	if t.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not offer AUTH")
		}
		if err := c.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}

	// The message is accepted once DATA completes.
	if err := c.Quit(); err != nil {
		slog.Debug("smtp quit failed", "error", err)
	}
	return nil
}
