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

// Package store provides the Postgres-backed alias directory, target
// directory and delivery ledger used by the relay pipeline.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hush/relay/internal/models"
)

// LogEntry is a single row of the delivery ledger.
type LogEntry struct {
	ID        uuid.UUID
	AliasID   uuid.UUID
	FromEmail string
	Subject   string
	Status    models.OutcomeKind
	Metadata  map[string]any
	CreatedAt time.Time
}

// Store reads aliases and targets and appends ledger entries.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given pool and ensures its tables exist.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure relay schema: %w", err)
	}
	slog.Info("relay store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS aliases (
			id          UUID PRIMARY KEY,
			user_id     UUID NOT NULL,
			address     TEXT NOT NULL UNIQUE,
			status      TEXT NOT NULL DEFAULT 'active',
			expires_at  TIMESTAMPTZ,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_aliases_user ON aliases(user_id);

		CREATE TABLE IF NOT EXISTS target_emails (
			id          UUID PRIMARY KEY,
			user_id     UUID NOT NULL,
			email       TEXT NOT NULL,
			verified    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_targets_user ON target_emails(user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS email_logs (
			id          UUID PRIMARY KEY,
			alias_id    UUID NOT NULL,
			from_email  TEXT NOT NULL,
			subject     TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL CHECK (status IN ('forwarded', 'bounced', 'rejected', 'pending')),
			metadata    JSONB,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_logs_alias ON email_logs(alias_id, created_at DESC);
	`)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindActiveByAddress returns the active, unexpired alias for address, or
// nil when there is none.
func (s *Store) FindActiveByAddress(ctx context.Context, address string) (*models.Alias, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, address, status, expires_at
		FROM aliases
		WHERE address = $1
		  AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > NOW())
		LIMIT 1
	`, address)

	var a models.Alias
	err := row.Scan(&a.ID, &a.UserID, &a.Address, &a.Status, &a.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find alias %s: %w", address, err)
	}
	return &a, nil
}

// CurrentFor returns the most recently created target email for userID, or
// nil when the user has none.
func (s *Store) CurrentFor(ctx context.Context, userID uuid.UUID) (*models.Target, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT email, verified
		FROM target_emails
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)

	var t models.Target
	err := row.Scan(&t.Email, &t.Verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find target for %s: %w", userID, err)
	}
	return &t, nil
}

// Record appends a ledger entry. Entries are never updated.
func (s *Store) Record(ctx context.Context, aliasID uuid.UUID, fromEmail, subject string, kind models.OutcomeKind, metadata map[string]any) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_logs (id, alias_id, from_email, subject, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), aliasID, fromEmail, subject, string(kind), metadata)
	if err != nil {
		return fmt.Errorf("insert email log: %w", err)
	}
	return nil
}

// ListLogs returns the ledger entries for an alias, newest first. The
// relay itself only appends; this is the read side for ledger verification
// and operator inspection.
func (s *Store) ListLogs(ctx context.Context, aliasID uuid.UUID) ([]LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, alias_id, from_email, subject, status, metadata, created_at
		FROM email_logs
		WHERE alias_id = $1
		ORDER BY created_at DESC
	`, aliasID)
	if err != nil {
		return nil, fmt.Errorf("list email logs for %s: %w", aliasID, err)
	}
	defer rows.Close()
	return collectLogs(rows)
}

// collectLogs scans multiple rows into a slice of LogEntry.
func collectLogs(rows pgx.Rows) ([]LogEntry, error) {
	var entries []LogEntry
	for rows.Next() {
		var (
			e      LogEntry
			status string
		)
		if err := rows.Scan(&e.ID, &e.AliasID, &e.FromEmail, &e.Subject, &status, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = models.OutcomeKind(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
