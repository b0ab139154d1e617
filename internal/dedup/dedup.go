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

// Package dedup guards against forwarding the same message twice when a
// provider retries a webhook. Claims are Redis keys with a TTL.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a forwarded message id is remembered.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces replay keys in Redis.
	keyPrefix = "hush:forwarded:"
)

// Client is the subset of the Redis client used by the guard.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Guard records which (alias, message id) pairs have been forwarded.
type Guard struct {
	rdb Client
	ttl time.Duration
}

// NewGuard creates a replay guard backed by Redis.
func NewGuard(rdb Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{rdb: rdb, ttl: ttl}
}

// Claim marks the message as being forwarded for the alias. It returns
// false if a claim already exists.
func (g *Guard) Claim(ctx context.Context, aliasID uuid.UUID, messageID string) (bool, error) {
	// SET NX: only the first caller within the TTL gets true.
	set, err := g.rdb.SetNX(ctx, key(aliasID, messageID), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Release drops a claim so a provider retry can forward again.
func (g *Guard) Release(ctx context.Context, aliasID uuid.UUID, messageID string) error {
	if err := g.rdb.Del(ctx, key(aliasID, messageID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// key hashes the message id; provider ids can be long and contain spaces.
func key(aliasID uuid.UUID, messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return keyPrefix + aliasID.String() + ":" + hex.EncodeToString(sum[:16])
}
