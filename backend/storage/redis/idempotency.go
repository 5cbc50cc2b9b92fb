// Copyright (C) 2026 coterie.chat <dev@coterie.chat>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL caps how long a recorded response replays.
const DefaultIdempotencyTTL = 24 * time.Hour

// idempotencyPrefix scopes cached responses per identity and route so one
// caller's key can never replay another's response, and a key reused
// across endpoints cannot replay a different operation.
const idempotencyPrefix = "idem:" // idem:{user#device}:{method path}:{key}

// CachedResponse is the stored shape of a completed mutation's response.
type CachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// IdempotencyCache records mutation responses keyed by (identity, route,
// idempotency key) and replays them on retry.
type IdempotencyCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewIdempotencyCache(rdb *redis.Client, ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyCache{rdb: rdb, ttl: ttl}
}

func idempotencyKey(identity, route, key string) string {
	return idempotencyPrefix + identity + ":" + route + ":" + key
}

// Get returns the recorded response for this caller, route and key, or
// ok=false when no attempt has completed yet.
func (c *IdempotencyCache) Get(ctx context.Context, identity, route, key string) (int, []byte, bool, error) {
	data, err := c.rdb.Get(ctx, idempotencyKey(identity, route, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// A malformed entry is treated as absent; the mutation is
		// idempotent at the storage layer anyway.
		return 0, nil, false, nil
	}
	return resp.Status, resp.Body, true, nil
}

// Put records a completed response. Only the first write for a key wins,
// so a slow duplicate cannot overwrite the canonical response.
func (c *IdempotencyCache) Put(ctx context.Context, identity, route, key string, status int, body []byte) error {
	data, err := json.Marshal(CachedResponse{Status: status, Body: body})
	if err != nil {
		return fmt.Errorf("marshal cached response: %w", err)
	}
	if err := c.rdb.SetNX(ctx, idempotencyKey(identity, route, key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("record idempotent response: %w", err)
	}
	return nil
}
