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

// Package queue publishes delivery outcome events to a Redis list for
// downstream consumers such as notification and statistics workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hush/relay/internal/models"
)

// Client is the subset of the Redis client used by the publisher.
type Client interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Event describes the terminal outcome of one inbound webhook.
type Event struct {
	ID         string             `json:"id"`
	Status     models.OutcomeKind `json:"status"`
	Provider   models.Provider    `json:"provider"`
	AliasID    string             `json:"alias_id,omitempty"`
	Recipient  string             `json:"recipient"`
	Sender     string             `json:"sender"`
	Subject    string             `json:"subject,omitempty"`
	Target     string             `json:"target,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	BounceType models.BounceType  `json:"bounce_type,omitempty"`
	MessageID  string             `json:"message_id,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Publisher pushes events onto a Redis list.
type Publisher struct {
	rdb       Client
	queueName string
}

// NewPublisher creates a publisher targeting the named list.
func NewPublisher(rdb Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Publish serialises event and LPUSHes it. ID and OccurredAt are filled
// when empty.
func (p *Publisher) Publish(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal delivery event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(payload)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published delivery event",
		"event_id", event.ID,
		"status", event.Status,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
