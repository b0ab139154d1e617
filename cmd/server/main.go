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

// Hush Relay: inbound email webhook relay.
//
// Entry point for the relay service. It:
//  1. Loads configuration from CONFIG_PATH and the environment
//  2. Connects to PostgreSQL (aliases, targets, delivery ledger) and Redis
//     (replay guard, outcome events)
//  3. Builds the configured forwarding transport
//  4. Serves the provider webhook endpoints and the ops endpoints
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hush/relay/internal/config"
	"github.com/hush/relay/internal/dedup"
	"github.com/hush/relay/internal/forward"
	"github.com/hush/relay/internal/forward/graph"
	"github.com/hush/relay/internal/forward/mailgun"
	"github.com/hush/relay/internal/forward/ses"
	"github.com/hush/relay/internal/forward/smtp"
	"github.com/hush/relay/internal/forward/stdout"
	"github.com/hush/relay/internal/inbound"
	"github.com/hush/relay/internal/metrics"
	"github.com/hush/relay/internal/models"
	"github.com/hush/relay/internal/pipeline"
	"github.com/hush/relay/internal/queue"
	"github.com/hush/relay/internal/ratelimit"
	"github.com/hush/relay/internal/security"
	"github.com/hush/relay/internal/store"
	"github.com/hush/relay/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting hush relay",
		"port", cfg.Port,
		"ops_port", cfg.OpsPort,
		"transport", cfg.Forwarding.Transport,
		"security_enabled", cfg.Security.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	st, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis", "events_queue", cfg.EventsQueue)

	guard := dedup.NewGuard(rdb, cfg.DedupTTL)

	// --- Forwarding ---
	transport, err := buildTransport(ctx, cfg.Forwarding)
	if err != nil {
		slog.Error("failed to build forwarding transport", "error", err)
		os.Exit(1)
	}
	engine, err := forward.NewEngine(transport, cfg.Forwarding.From)
	if err != nil {
		slog.Error("failed to create forwarding engine", "error", err)
		os.Exit(1)
	}

	// --- Pipeline ---
	orch, err := pipeline.New(pipeline.Config{
		Verifier:  security.NewVerifier(securityConfig(cfg.Security)),
		Aliases:   st,
		Targets:   st,
		Ledger:    st,
		Notifier:  engine,
		Forwarder: engine,
		Replay:    guard,
		Events:    publisher,
	})
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	handler := webhook.NewHandler(webhook.Config{
		Processor:   orch,
		Limiter:     ratelimit.New(cfg.WebhookPerMinute, cfg.BurstMultiplier),
		MaxBodySize: cfg.MaxBodySize,
		Adapters:    inbound.Options{MaxAttachmentSize: cfg.MaxAttachmentSize},
	})

	g, gctx := errgroup.WithContext(ctx)

	// --- Webhook Server ---
	ready, done, err := webhook.Serve(gctx, cfg.Port, handler.Routes())
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	g.Go(func() error { return <-done })

	// --- Ops Server (health + metrics) ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	mux.Handle("/metrics", metrics.Handler())

	opsAddr := fmt.Sprintf(":%d", cfg.OpsPort)
	opsServer := &http.Server{
		Addr:         opsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info("ops server listening", "addr", opsAddr)
		if err := opsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down ops server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return opsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("relay stopped with error", "error", err)
		stop()
		pgPool.Close()
		rdb.Close()
		os.Exit(1)
	}

	slog.Info("hush relay stopped")
}

// buildTransport selects the outbound transport named by FORWARD_TRANSPORT.
func buildTransport(ctx context.Context, fc config.ForwardingConfig) (forward.Transport, error) {
	switch fc.Transport {
	case config.TransportSMTP:
		return smtp.New(smtp.Config{
			Host:          fc.SMTP.Host,
			Port:          fc.SMTP.Port,
			Username:      fc.SMTP.Username,
			Password:      fc.SMTP.Password,
			Timeout:       fc.SMTP.Timeout,
			AllowInsecure: fc.SMTP.AllowInsecure,
		}), nil
	case config.TransportMailgun:
		return mailgun.New(mailgun.Config{
			APIKey:  fc.Mailgun.APIKey,
			Domain:  fc.Mailgun.Domain,
			BaseURL: fc.Mailgun.BaseURL,
			Timeout: fc.Timeout,
		})
	case config.TransportSES:
		return ses.New(ctx, ses.Config{
			Region:          fc.SES.Region,
			AccessKeyID:     fc.SES.AccessKeyID,
			SecretAccessKey: fc.SES.SecretAccessKey,
			Timeout:         fc.Timeout,
		})
	case config.TransportGraph:
		return graph.New(ctx, graph.Config{
			TenantID:     fc.Graph.TenantID,
			ClientID:     fc.Graph.ClientID,
			ClientSecret: fc.Graph.ClientSecret,
			Sender:       fc.Graph.Sender,
			Timeout:      fc.Timeout,
		}), nil
	case config.TransportStdout:
		return stdout.New(), nil
	default:
		return nil, fmt.Errorf("unknown forwarding transport %q", fc.Transport)
	}
}

func securityConfig(sc config.SecurityConfig) security.Config {
	return security.Config{
		Enabled: sc.Enabled,
		Secrets: map[models.Provider]string{
			models.ProviderMailgun:  sc.MailgunSecret,
			models.ProviderSendGrid: sc.SendGridSecret,
			models.ProviderBrevo:    sc.BrevoSecret,
		},
		AllowLists: map[models.Provider][]string{
			models.ProviderMailgun:  sc.MailgunCIDRs,
			models.ProviderSendGrid: sc.SendGridCIDRs,
			models.ProviderBrevo:    sc.BrevoCIDRs,
		},
		ReplayWindow: sc.ReplayWindow,
	}
}
