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

// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Forwarding transports.
const (
	TransportSMTP    = "smtp"
	TransportMailgun = "mailgun"
	TransportSES     = "ses"
	TransportGraph   = "graph"
	TransportStdout  = "stdout"
)

// Default provider source ranges used when no allow-list is configured.
var (
	DefaultMailgunCIDRs  = []string{"50.56.129.0/24", "50.56.250.0/24", "159.135.128.0/24", "198.61.254.0/24"}
	DefaultSendGridCIDRs = []string{"167.89.0.0/16", "149.72.0.0/16"}
	DefaultBrevoCIDRs    = []string{"185.60.216.0/24", "1.179.112.0/24"}
)

// SecurityConfig controls webhook authentication.
type SecurityConfig struct {
	Enabled        bool
	MailgunSecret  string
	SendGridSecret string
	BrevoSecret    string
	MailgunCIDRs   []string
	SendGridCIDRs  []string
	BrevoCIDRs     []string
	ReplayWindow   time.Duration
}

// SMTPConfig holds direct SMTP submission settings.
type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	Timeout       time.Duration
	AllowInsecure bool
}

// MailgunConfig holds Mailgun send API settings.
type MailgunConfig struct {
	APIKey  string
	Domain  string
	BaseURL string
}

// SESConfig holds AWS SES v2 settings.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// GraphConfig holds Microsoft Graph sendMail settings.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// ForwardingConfig selects and configures the outbound transport.
type ForwardingConfig struct {
	Transport string
	From      string

	// Timeout bounds one API send for the mailgun, ses and graph transports.
	Timeout time.Duration
	SMTP    SMTPConfig
	Mailgun MailgunConfig
	SES     SESConfig
	Graph   GraphConfig
}

// Config holds all configuration for the relay.
type Config struct {
	// Servers
	Port    int
	OpsPort int

	// Storage
	DatabaseURL string
	RedisURL    string
	EventsQueue string
	DedupTTL    time.Duration

	// Limits
	MaxAttachmentSize int64
	MaxBodySize       int64

	// Rate limiting
	WebhookPerMinute int
	BurstMultiplier  int

	LogLevel slog.Level

	Security   SecurityConfig
	Forwarding ForwardingConfig
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port    int `yaml:"port"`
		OpsPort int `yaml:"ops_port"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
		DedupTTL string `yaml:"dedup_ttl"`
	} `yaml:"redis"`
	Limits struct {
		MaxAttachmentSize int64 `yaml:"max_attachment_size"`
		MaxBodySize       int64 `yaml:"max_body_size"`
	} `yaml:"limits"`
	RateLimit struct {
		WebhookPerMinute int `yaml:"webhook_per_minute"`
		BurstMultiplier  int `yaml:"burst_multiplier"`
	} `yaml:"rate_limit"`
	Security struct {
		Enabled   *bool `yaml:"enabled"`
		Providers map[string]struct {
			Secret      string   `yaml:"secret"`
			IPAllowlist []string `yaml:"ip_allowlist"`
		} `yaml:"providers"`
	} `yaml:"webhook_security"`
	Forwarding struct {
		Transport string `yaml:"transport"`
		From      string `yaml:"from"`
		Timeout   string `yaml:"timeout"`
		SMTP      struct {
			Host          string `yaml:"host"`
			Port          int    `yaml:"port"`
			Username      string `yaml:"username"`
			Password      string `yaml:"password"`
			Timeout       string `yaml:"timeout"`
			AllowInsecure bool   `yaml:"allow_insecure"`
		} `yaml:"smtp"`
		Mailgun struct {
			APIKey  string `yaml:"api_key"`
			Domain  string `yaml:"domain"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"mailgun"`
		SES struct {
			Region          string `yaml:"region"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
		} `yaml:"ses"`
		Graph struct {
			TenantID     string `yaml:"tenant_id"`
			ClientID     string `yaml:"client_id"`
			ClientSecret string `yaml:"client_secret"`
			Sender       string `yaml:"sender"`
		} `yaml:"graph"`
	} `yaml:"forwarding"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads the YAML file named by CONFIG_PATH (with env var expansion), if
// set, then applies environment overrides and defaults.
func Load() (*Config, error) {
	var raw rawConfig

	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}

		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg := fromRaw(&raw)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromRaw(raw *rawConfig) *Config {
	secEnabled := true
	if raw.Security.Enabled != nil {
		secEnabled = *raw.Security.Enabled
	}
	provider := func(name string) (string, []string) {
		p := raw.Security.Providers[name]
		return p.Secret, p.IPAllowlist
	}
	mgSecret, mgCIDRs := provider("mailgun")
	sgSecret, sgCIDRs := provider("sendgrid")
	brSecret, brCIDRs := provider("brevo")

	fw := raw.Forwarding

	cfg := &Config{
		Port:    envOrDefaultInt("PORT", intOr(raw.Server.Port, 3001)),
		OpsPort: envOrDefaultInt("OPS_PORT", intOr(raw.Server.OpsPort, 9090)),

		DatabaseURL: envOrDefault("DATABASE_URL", firstNonEmpty(raw.Database.URL, "postgres://localhost:5432/hush")),
		RedisURL:    envOrDefault("REDIS_URL", firstNonEmpty(raw.Redis.URL, "redis://localhost:6379/0")),
		EventsQueue: envOrDefault("EVENTS_QUEUE", firstNonEmpty(raw.Redis.Queues.Events, "hush:deliveries")),
		DedupTTL:    envOrDefaultDuration("DEDUP_TTL", parseDurationOr(raw.Redis.DedupTTL, 24*time.Hour)),

		MaxAttachmentSize: envOrDefaultInt64("MAX_ATTACHMENT_SIZE", int64Or(raw.Limits.MaxAttachmentSize, 10*1024*1024)),
		MaxBodySize:       envOrDefaultInt64("MAX_BODY_SIZE", int64Or(raw.Limits.MaxBodySize, 50*1024*1024)),

		WebhookPerMinute: envOrDefaultInt("RATE_LIMIT_WEBHOOK_PER_MIN", intOr(raw.RateLimit.WebhookPerMinute, 100)),
		BurstMultiplier:  envOrDefaultInt("RATE_LIMIT_BURST_MULTIPLIER", intOr(raw.RateLimit.BurstMultiplier, 2)),

		LogLevel: parseLevel(envOrDefault("LOG_LEVEL", firstNonEmpty(raw.Logging.Level, "info"))),

		Security: SecurityConfig{
			Enabled:        envOrDefaultBool("WEBHOOK_SECURITY_ENABLED", secEnabled),
			MailgunSecret:  envOrDefault("MAILGUN_WEBHOOK_SECRET", mgSecret),
			SendGridSecret: envOrDefault("SENDGRID_WEBHOOK_SECRET", sgSecret),
			BrevoSecret:    envOrDefault("BREVO_WEBHOOK_SECRET", brSecret),
			MailgunCIDRs:   envOrDefaultList("MAILGUN_IP_WHITELIST", listOr(mgCIDRs, DefaultMailgunCIDRs)),
			SendGridCIDRs:  envOrDefaultList("SENDGRID_IP_WHITELIST", listOr(sgCIDRs, DefaultSendGridCIDRs)),
			BrevoCIDRs:     envOrDefaultList("BREVO_IP_WHITELIST", listOr(brCIDRs, DefaultBrevoCIDRs)),
			ReplayWindow:   900 * time.Second,
		},

		Forwarding: ForwardingConfig{
			Transport: strings.ToLower(envOrDefault("FORWARD_TRANSPORT", firstNonEmpty(fw.Transport, TransportSMTP))),
			From:      envOrDefault("SMTP_FROM", firstNonEmpty(fw.From, "noreply@hush.example")),
			Timeout:   envOrDefaultDuration("FORWARD_TIMEOUT", parseDurationOr(fw.Timeout, 30*time.Second)),
			SMTP: SMTPConfig{
				Host:          envOrDefault("SMTP_HOST", firstNonEmpty(fw.SMTP.Host, "localhost")),
				Port:          envOrDefaultInt("SMTP_PORT", intOr(fw.SMTP.Port, 587)),
				Username:      envOrDefault("SMTP_USERNAME", fw.SMTP.Username),
				Password:      envOrDefault("SMTP_PASSWORD", fw.SMTP.Password),
				Timeout:       envOrDefaultDuration("SMTP_TIMEOUT", parseDurationOr(fw.SMTP.Timeout, 30*time.Second)),
				AllowInsecure: envOrDefaultBool("SMTP_ALLOW_INSECURE", fw.SMTP.AllowInsecure),
			},
			Mailgun: MailgunConfig{
				APIKey:  envOrDefault("MAILGUN_API_KEY", fw.Mailgun.APIKey),
				Domain:  envOrDefault("MAILGUN_DOMAIN", fw.Mailgun.Domain),
				BaseURL: envOrDefault("MAILGUN_API_BASE_URL", firstNonEmpty(fw.Mailgun.BaseURL, "https://api.mailgun.net")),
			},
			SES: SESConfig{
				Region:          envOrDefault("AWS_REGION", firstNonEmpty(fw.SES.Region, "us-east-1")),
				AccessKeyID:     envOrDefault("AWS_ACCESS_KEY_ID", fw.SES.AccessKeyID),
				SecretAccessKey: envOrDefault("AWS_SECRET_ACCESS_KEY", fw.SES.SecretAccessKey),
			},
			Graph: GraphConfig{
				TenantID:     envOrDefault("GRAPH_TENANT_ID", fw.Graph.TenantID),
				ClientID:     envOrDefault("GRAPH_CLIENT_ID", fw.Graph.ClientID),
				ClientSecret: envOrDefault("GRAPH_CLIENT_SECRET", fw.Graph.ClientSecret),
				Sender:       envOrDefault("GRAPH_SENDER", fw.Graph.Sender),
			},
		},
	}

	return cfg
}

// Validate checks that the selected transport has what it needs.
func (c *Config) Validate() error {
	if c.MaxAttachmentSize <= 0 {
		return fmt.Errorf("max attachment size must be positive, got %d", c.MaxAttachmentSize)
	}
	if c.MaxBodySize > 0 && c.MaxAttachmentSize > c.MaxBodySize {
		return fmt.Errorf("max attachment size %d exceeds max body size %d", c.MaxAttachmentSize, c.MaxBodySize)
	}
	if c.WebhookPerMinute <= 0 || c.BurstMultiplier <= 0 {
		return fmt.Errorf("rate limit values must be positive")
	}

	fw := c.Forwarding
	switch fw.Transport {
	case TransportSMTP:
		if fw.SMTP.Host == "" {
			return fmt.Errorf("smtp transport requires SMTP_HOST")
		}
	case TransportMailgun:
		if fw.Mailgun.APIKey == "" || fw.Mailgun.Domain == "" {
			return fmt.Errorf("mailgun transport requires MAILGUN_API_KEY and MAILGUN_DOMAIN")
		}
	case TransportSES:
		if fw.SES.Region == "" {
			return fmt.Errorf("ses transport requires AWS_REGION")
		}
	case TransportGraph:
		if fw.Graph.TenantID == "" || fw.Graph.ClientID == "" || fw.Graph.ClientSecret == "" || fw.Graph.Sender == "" {
			return fmt.Errorf("graph transport requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER")
		}
	case TransportStdout:
	default:
		return fmt.Errorf("unknown forwarding transport %q", fw.Transport)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envOrDefaultList splits a comma-separated env var. An explicitly empty
// list is not expressible; unset means fallback.
func envOrDefaultList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func intOr(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func int64Or(v, fallback int64) int64 {
	if v != 0 {
		return v
	}
	return fallback
}

func listOr(v, fallback []string) []string {
	if len(v) > 0 {
		return v
	}
	return fallback
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
