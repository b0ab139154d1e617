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

// Hush Relay: webhook simulator
//
// Developer CLI that builds an inbound-email webhook in a provider's wire
// format, signs it with the configured secret and POSTs it to a running
// relay. The relay's response is printed to stdout.
//
// Usage:
//
//	go run ./cmd/webhook-sim/ --provider mailgun --to shop@hush.example [--attach invoice.pdf,logo.png]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hush/relay/internal/models"
)

// secretEnv names the environment variable holding each provider's secret.
var secretEnv = map[models.Provider]string{
	models.ProviderMailgun:  "MAILGUN_WEBHOOK_SECRET",
	models.ProviderSendGrid: "SENDGRID_WEBHOOK_SECRET",
	models.ProviderBrevo:    "BREVO_WEBHOOK_SECRET",
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	providerFlag := flag.String("provider", "mailgun", "Provider wire format: mailgun, sendgrid or brevo")
	urlFlag := flag.String("url", "http://localhost:3001", "Base URL of the relay")
	secretFlag := flag.String("secret", "", "Webhook secret (default: the provider's *_WEBHOOK_SECRET env var)")
	fromFlag := flag.String("from", "sender@example.com", "Original sender address")
	toFlag := flag.String("to", "", "Alias address the message is delivered to (required)")
	subjectFlag := flag.String("subject", "Test message", "Subject line")
	textFlag := flag.String("text", "Hello from the webhook simulator.", "Plain-text body")
	htmlFlag := flag.String("html", "", "HTML body")
	messageIDFlag := flag.String("message-id", "", "Message-ID (default: generated)")
	attachFlag := flag.String("attach", "", "Comma-separated list of files to attach")
	timeoutFlag := flag.Duration("timeout", 30*time.Second, "HTTP request timeout")
	flag.Parse()

	if *toFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --to is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	provider := models.Provider(strings.ToLower(*providerFlag))
	envName, ok := secretEnv[provider]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown --provider %q\n", *providerFlag)
		os.Exit(1)
	}
	secret := *secretFlag
	if secret == "" {
		secret = os.Getenv(envName)
	}
	if secret == "" {
		slog.Warn("no webhook secret set; the relay will reject the request unless security is disabled",
			"env", envName,
		)
	}

	attachments, err := loadAttachments(*attachFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	messageID := *messageIDFlag
	if messageID == "" {
		messageID = fmt.Sprintf("<sim-%d@webhook-sim.local>", time.Now().UnixNano())
	}

	email := &simEmail{
		From:        *fromFlag,
		To:          *toFlag,
		Subject:     *subjectFlag,
		Text:        *textFlag,
		HTML:        *htmlFlag,
		MessageID:   messageID,
		Attachments: attachments,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	req, err := buildRequest(ctx, provider, *urlFlag, secret, email, time.Now())
	if err != nil {
		slog.Error("failed to build request", "error", err)
		os.Exit(1)
	}

	slog.Info("posting webhook",
		"provider", provider,
		"url", req.URL.String(),
		"to", email.To,
		"attachments", len(attachments),
	)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Error("request failed", "error", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("HTTP %d\n%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 {
		os.Exit(2)
	}
}

func loadAttachments(list string) ([]models.Attachment, error) {
	var out []models.Attachment
	for _, path := range strings.Split(list, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", path, err)
		}
		out = append(out, models.Attachment{
			Filename:    filepath.Base(path),
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
			Data:        data,
		})
	}
	return out, nil
}
