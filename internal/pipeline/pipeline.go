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

// Package pipeline drives one inbound webhook from verification to a
// single terminal outcome: forwarded, rejected, bounced, ignored or pending.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/hush/relay/internal/apperr"
	"github.com/hush/relay/internal/bounce"
	"github.com/hush/relay/internal/inbound"
	"github.com/hush/relay/internal/models"
	"github.com/hush/relay/internal/queue"
	"github.com/hush/relay/internal/security"
)

// RequestVerifier authenticates a raw webhook request.
type RequestVerifier interface {
	Verify(provider models.Provider, header http.Header, uri *url.URL, body []byte) error
}

// AliasDirectory resolves an inbound recipient to an active alias.
type AliasDirectory interface {
	FindActiveByAddress(ctx context.Context, address string) (*models.Alias, error)
}

// TargetDirectory resolves an alias owner's current target address.
type TargetDirectory interface {
	CurrentFor(ctx context.Context, userID uuid.UUID) (*models.Target, error)
}

// DeliveryLedger appends one entry per recorded outcome.
type DeliveryLedger interface {
	Record(ctx context.Context, aliasID uuid.UUID, fromEmail, subject string, kind models.OutcomeKind, metadata map[string]any) error
}

// NotificationSender tells an alias owner about a bounce.
type NotificationSender interface {
	SendBounceNotice(ctx context.Context, toEmail, subject, body string) error
}

// Forwarder relays an email to the owner's target address.
type Forwarder interface {
	Forward(ctx context.Context, originalSender, target, subject string, textBody, htmlBody *string, replyTo string, attachments []models.Attachment) error
}

// ReplayGuard prevents a retried webhook from forwarding the same message
// twice.
type ReplayGuard interface {
	Claim(ctx context.Context, aliasID uuid.UUID, messageID string) (bool, error)
	Release(ctx context.Context, aliasID uuid.UUID, messageID string) error
}

// EventPublisher emits terminal outcomes to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event *queue.Event) error
}

// Config wires the orchestrator's collaborators. Replay and Events are
// optional.
type Config struct {
	Verifier  RequestVerifier
	Aliases   AliasDirectory
	Targets   TargetDirectory
	Ledger    DeliveryLedger
	Notifier  NotificationSender
	Forwarder Forwarder
	Replay    ReplayGuard
	Events    EventPublisher
}

// Orchestrator runs the relay pipeline.
type Orchestrator struct {
	verifier  RequestVerifier
	aliases   AliasDirectory
	targets   TargetDirectory
	ledger    DeliveryLedger
	notifier  NotificationSender
	forwarder Forwarder
	replay    ReplayGuard
	events    EventPublisher
}

// New creates an orchestrator. All collaborators except Replay and Events
// are required.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errors.New("pipeline: verifier is required")
	case cfg.Aliases == nil:
		return nil, errors.New("pipeline: alias directory is required")
	case cfg.Targets == nil:
		return nil, errors.New("pipeline: target directory is required")
	case cfg.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	case cfg.Notifier == nil:
		return nil, errors.New("pipeline: notifier is required")
	case cfg.Forwarder == nil:
		return nil, errors.New("pipeline: forwarder is required")
	}
	return &Orchestrator{
		verifier:  cfg.Verifier,
		aliases:   cfg.Aliases,
		targets:   cfg.Targets,
		ledger:    cfg.Ledger,
		notifier:  cfg.Notifier,
		forwarder: cfg.Forwarder,
		replay:    cfg.Replay,
		events:    cfg.Events,
	}, nil
}

// Request is a buffered webhook request bound to the adapter for its route.
type Request struct {
	Adapter     inbound.Adapter
	Header      http.Header
	URL         *url.URL
	ContentType string
	Body        []byte
}

// Process verifies, normalizes and routes one webhook. Security and
// validation failures return an error with no outcome and no ledger entry.
// A failed forward returns the Pending outcome together with a forwarding
// error.
func (o *Orchestrator) Process(ctx context.Context, req *Request) (models.Outcome, error) {
	provider := req.Adapter.Provider()
	identity := security.Identity(provider, req.Header, req.URL)
	slog.Debug("webhook received",
		"provider", identity.Provider,
		"client_ip", identity.ClientIP,
		"timestamp", identity.Timestamp,
	)

	if err := o.verifier.Verify(provider, req.Header, req.URL, req.Body); err != nil {
		return models.Outcome{}, err
	}

	email, err := req.Adapter.Normalize(&inbound.Request{
		ContentType: req.ContentType,
		Header:      req.Header,
		Body:        req.Body,
	})
	if err != nil {
		slog.Warn("webhook payload rejected", "provider", provider, "error", err)
		return models.Outcome{}, err
	}
	email.Canonicalize()

	slog.Info("processing inbound email",
		"provider", provider,
		"sender", email.Sender,
		"recipient", email.Recipient,
		"attachments", len(email.Attachments),
	)

	var (
		res    result
		runErr error
	)
	if c := bounce.ClassifyEmail(email); c.IsBounce {
		res, runErr = o.handleBounce(ctx, email, c)
	} else {
		res, runErr = o.handleDelivery(ctx, email)
	}

	if res.outcome.Kind != "" {
		o.publish(ctx, provider, email, res)
	}
	return res.outcome, runErr
}

// result carries the outcome plus the alias it was resolved against.
type result struct {
	outcome models.Outcome
	alias   *models.Alias
}

func (o *Orchestrator) handleBounce(ctx context.Context, email *models.InboundEmail, c models.BounceClassification) (result, error) {
	slog.Info("bounce detected",
		"recipient", email.Recipient,
		"bounce_type", c.Type,
		"failed_recipient", c.FailedRecipient,
	)

	alias, err := o.aliases.FindActiveByAddress(ctx, email.Recipient)
	if err != nil {
		return result{}, apperr.Internal("alias lookup failed", err)
	}
	if alias == nil {
		return result{outcome: models.Ignored(models.ReasonAliasNotFound)}, nil
	}

	meta := map[string]any{
		"bounce_type":      string(c.Type),
		"bounce_reason":    optional(c.Reason),
		"failed_recipient": optional(c.FailedRecipient),
		"message_id":       optional(email.MessageIDValue()),
	}
	if err := o.record(ctx, alias, email, models.OutcomeBounced, meta); err != nil {
		return result{}, err
	}

	o.notifyBounce(ctx, alias, email, c)
	return result{outcome: models.Bounced(c), alias: alias}, nil
}

// notifyBounce is best effort; failures are logged only.
func (o *Orchestrator) notifyBounce(ctx context.Context, alias *models.Alias, email *models.InboundEmail, c models.BounceClassification) {
	target, err := o.targets.CurrentFor(ctx, alias.UserID)
	if err != nil {
		slog.Warn("bounce notice skipped: target lookup failed", "alias", alias.Address, "error", err)
		return
	}
	if target == nil || !target.Verified {
		slog.Debug("bounce notice skipped: no verified target", "alias", alias.Address)
		return
	}

	subject, body := bounceNotice(alias.Address, email, c)
	if err := o.notifier.SendBounceNotice(ctx, target.Email, subject, body); err != nil {
		slog.Warn("bounce notice failed", "alias", alias.Address, "target", target.Email, "error", err)
	}
}

func bounceNotice(aliasAddress string, email *models.InboundEmail, c models.BounceClassification) (string, string) {
	subject := fmt.Sprintf("Delivery failure reported for %s", aliasAddress)

	var b strings.Builder
	fmt.Fprintf(&b, "A delivery failure notice was received for your alias %s.\n\n", aliasAddress)
	fmt.Fprintf(&b, "From: %s\n", email.Sender)
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	fmt.Fprintf(&b, "Bounce type: %s\n", c.Type)
	if c.FailedRecipient != "" {
		fmt.Fprintf(&b, "Failed recipient: %s\n", c.FailedRecipient)
	}
	if c.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", c.Reason)
	}
	return subject, b.String()
}

func (o *Orchestrator) handleDelivery(ctx context.Context, email *models.InboundEmail) (result, error) {
	alias, err := o.aliases.FindActiveByAddress(ctx, email.Recipient)
	if err != nil {
		return result{}, apperr.Internal("alias lookup failed", err)
	}
	if alias == nil {
		slog.Info("alias not found", "recipient", email.Recipient)
		return result{outcome: models.Ignored(models.ReasonAliasNotFound)}, nil
	}

	target, err := o.targets.CurrentFor(ctx, alias.UserID)
	if err != nil {
		return result{}, apperr.Internal("target lookup failed", err)
	}
	if target == nil {
		return o.reject(ctx, alias, email, models.ReasonNoTargetEmail)
	}
	if !target.Verified {
		return o.reject(ctx, alias, email, models.ReasonTargetNotVerified)
	}

	messageID := email.MessageIDValue()
	claimed := false
	if o.replay != nil && messageID != "" {
		ok, err := o.replay.Claim(ctx, alias.ID, messageID)
		switch {
		case err != nil:
			slog.Warn("replay guard unavailable, forwarding anyway", "message_id", messageID, "error", err)
		case !ok:
			slog.Info("duplicate message ignored", "alias", alias.Address, "message_id", messageID)
			return result{outcome: models.Ignored(models.ReasonDuplicateMessage), alias: alias}, nil
		default:
			claimed = true
		}
	}

	fwdErr := o.forwarder.Forward(ctx, email.Sender, target.Email, email.Subject,
		email.TextBody, email.HTMLBody, email.Sender, email.Attachments)
	if fwdErr != nil {
		if claimed {
			if err := o.replay.Release(ctx, alias.ID, messageID); err != nil {
				slog.Warn("replay claim release failed", "message_id", messageID, "error", err)
			}
		}

		meta := map[string]any{
			"error":        fwdErr.Error(),
			"target_email": target.Email,
		}
		if err := o.record(ctx, alias, email, models.OutcomePending, meta); err != nil {
			return result{}, err
		}
		return result{outcome: models.Pending(fwdErr), alias: alias}, apperr.Forwarding(fwdErr, target.Email)
	}

	meta := map[string]any{
		"target_email":     target.Email,
		"message_id":       optional(messageID),
		"attachment_count": len(email.Attachments),
		"attachments":      attachmentSummaries(email.Attachments),
	}
	if err := o.record(ctx, alias, email, models.OutcomeForwarded, meta); err != nil {
		return result{}, err
	}
	return result{outcome: models.Forwarded(target.Email), alias: alias}, nil
}

func (o *Orchestrator) reject(ctx context.Context, alias *models.Alias, email *models.InboundEmail, reason string) (result, error) {
	slog.Warn("email rejected", "alias", alias.Address, "reason", reason)
	if err := o.record(ctx, alias, email, models.OutcomeRejected, map[string]any{"reason": reason}); err != nil {
		return result{}, err
	}
	return result{outcome: models.Rejected(reason), alias: alias}, nil
}

func (o *Orchestrator) record(ctx context.Context, alias *models.Alias, email *models.InboundEmail, kind models.OutcomeKind, meta map[string]any) error {
	if err := o.ledger.Record(ctx, alias.ID, email.Sender, email.Subject, kind, meta); err != nil {
		slog.Error("ledger write failed",
			"alias_id", alias.ID,
			"status", kind,
			"error", err,
		)
		return apperr.Internal("failed to record delivery", err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, provider models.Provider, email *models.InboundEmail, res result) {
	if o.events == nil {
		return
	}

	ev := &queue.Event{
		Status:    res.outcome.Kind,
		Provider:  provider,
		Recipient: email.Recipient,
		Sender:    email.Sender,
		Subject:   email.Subject,
		Target:    res.outcome.Target,
		Reason:    res.outcome.Reason,
		MessageID: email.MessageIDValue(),
	}
	if res.alias != nil {
		ev.AliasID = res.alias.ID.String()
	}
	if res.outcome.Bounce != nil {
		ev.BounceType = res.outcome.Bounce.Type
	}
	if res.outcome.Err != nil {
		ev.Reason = res.outcome.Err.Error()
	}

	if err := o.events.Publish(ctx, ev); err != nil {
		slog.Warn("delivery event publish failed", "status", ev.Status, "error", err)
	}
}

func attachmentSummaries(atts []models.Attachment) []map[string]any {
	out := make([]map[string]any, 0, len(atts))
	for _, a := range atts {
		out = append(out, map[string]any{
			"filename":     a.Filename,
			"content_type": a.ContentType,
			"size":         a.Size(),
		})
	}
	return out
}

// optional maps "" to a JSON null.
func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}
