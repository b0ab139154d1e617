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

package config

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// TestLoad_Defaults verifies the env-only defaults.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 3001 {
		t.Errorf("Port = %d, want 3001", cfg.Port)
	}
	if cfg.MaxAttachmentSize != 10*1024*1024 {
		t.Errorf("MaxAttachmentSize = %d, want 10MiB", cfg.MaxAttachmentSize)
	}
	if !cfg.Security.Enabled {
		t.Error("security should be enabled by default")
	}
	if cfg.Security.ReplayWindow != 900*time.Second {
		t.Errorf("ReplayWindow = %v, want 15m", cfg.Security.ReplayWindow)
	}
	if diff := cmp.Diff(DefaultMailgunCIDRs, cfg.Security.MailgunCIDRs); diff != "" {
		t.Errorf("MailgunCIDRs mismatch (-want +got):\n%s", diff)
	}
	if cfg.Forwarding.Transport != TransportSMTP {
		t.Errorf("Transport = %q, want smtp", cfg.Forwarding.Transport)
	}
	if cfg.Forwarding.SMTP.Port != 587 {
		t.Errorf("SMTP.Port = %d, want 587", cfg.Forwarding.SMTP.Port)
	}
	if cfg.Forwarding.Timeout != 30*time.Second {
		t.Errorf("Forwarding.Timeout = %v, want 30s", cfg.Forwarding.Timeout)
	}
	if cfg.WebhookPerMinute != 100 || cfg.BurstMultiplier != 2 {
		t.Errorf("rate limit = %d x%d, want 100 x2", cfg.WebhookPerMinute, cfg.BurstMultiplier)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want INFO", cfg.LogLevel)
	}
}

// TestLoad_YAMLWithEnvOverride verifies file values, ${VAR} expansion and
// env precedence.
func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
server:
  port: 4000
webhook_security:
  enabled: false
  providers:
    mailgun:
      secret: ${TEST_MG_SECRET}
      ip_allowlist: ["10.0.0.0/8"]
forwarding:
  transport: mailgun
  mailgun:
    api_key: key-from-file
    domain: mg.example.com
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("TEST_MG_SECRET", "expanded-secret")
	t.Setenv("PORT", "5000")
	t.Setenv("SENDGRID_IP_WHITELIST", "1.2.3.0/24, 5.6.7.8/32")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 5000 {
		t.Errorf("Port = %d, want env override 5000", cfg.Port)
	}
	if cfg.Security.Enabled {
		t.Error("security should be disabled by YAML")
	}
	if cfg.Security.MailgunSecret != "expanded-secret" {
		t.Errorf("MailgunSecret = %q, want expanded-secret", cfg.Security.MailgunSecret)
	}
	if diff := cmp.Diff([]string{"10.0.0.0/8"}, cfg.Security.MailgunCIDRs); diff != "" {
		t.Errorf("MailgunCIDRs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1.2.3.0/24", "5.6.7.8/32"}, cfg.Security.SendGridCIDRs); diff != "" {
		t.Errorf("SendGridCIDRs mismatch (-want +got):\n%s", diff)
	}
	if cfg.Forwarding.Mailgun.Domain != "mg.example.com" {
		t.Errorf("Mailgun.Domain = %q", cfg.Forwarding.Mailgun.Domain)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.LogLevel)
	}
}

// TestLoad_MissingFile verifies an explicit CONFIG_PATH must exist.
func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}

// TestValidate verifies transport credential checks.
func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{MaxAttachmentSize: 1, WebhookPerMinute: 1, BurstMultiplier: 1}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"smtp ok", func(c *Config) { c.Forwarding = ForwardingConfig{Transport: TransportSMTP, SMTP: SMTPConfig{Host: "mx"}} }, false},
		{"smtp missing host", func(c *Config) { c.Forwarding = ForwardingConfig{Transport: TransportSMTP} }, true},
		{"mailgun missing domain", func(c *Config) {
			c.Forwarding = ForwardingConfig{Transport: TransportMailgun, Mailgun: MailgunConfig{APIKey: "k"}}
		}, true},
		{"graph missing sender", func(c *Config) {
			c.Forwarding = ForwardingConfig{Transport: TransportGraph, Graph: GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"}}
		}, true},
		{"stdout ok", func(c *Config) { c.Forwarding = ForwardingConfig{Transport: TransportStdout} }, false},
		{"unknown transport", func(c *Config) { c.Forwarding = ForwardingConfig{Transport: "pigeon"} }, true},
		{"zero attachment size", func(c *Config) {
			c.Forwarding = ForwardingConfig{Transport: TransportStdout}
			c.MaxAttachmentSize = 0
		}, true},
		{"attachment larger than body", func(c *Config) {
			c.Forwarding = ForwardingConfig{Transport: TransportStdout}
			c.MaxBodySize = 1024
			c.MaxAttachmentSize = math.MaxInt64
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
