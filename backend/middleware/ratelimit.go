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

package middleware

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"
)

// Operation classes with independent budgets. Reads are cheap, group
// creation is expensive, sends sit in between.
const (
	ClassRead   = "read"
	ClassCreate = "create"
	ClassSend   = "send"
	ClassWrite  = "write"
)

// BucketConfig is one class's token budget: Burst tokens refilled at
// PerSec tokens per second.
type BucketConfig struct {
	Burst  float64
	PerSec float64
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// RateLimiter keeps a lazily refilled token bucket per (identity, class).
// State is in-process; each instance enforces its own budget.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	classes map[string]BucketConfig
	now     func() time.Time

	lastPrune time.Time
}

const pruneInterval = 10 * time.Minute

func NewRateLimiter(classes map[string]BucketConfig) *RateLimiter {
	return &RateLimiter{
		buckets:   make(map[string]*bucket),
		classes:   classes,
		now:       time.Now,
		lastPrune: time.Now(),
	}
}

// Allow takes one token from the identity's bucket for the class. When
// the bucket is empty it reports the wait until the next token.
func (l *RateLimiter) Allow(identity, class string) (bool, time.Duration) {
	cfg, ok := l.classes[class]
	if !ok || cfg.PerSec <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := identity + ":" + class
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: cfg.Burst, lastFill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = math.Min(cfg.Burst, b.tokens+elapsed*cfg.PerSec)
	b.lastFill = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / cfg.PerSec * float64(time.Second))
		return false, wait
	}
	b.tokens--

	if now.Sub(l.lastPrune) > pruneInterval {
		l.pruneLocked(now)
	}
	return true, 0
}

// pruneLocked drops buckets that have been full long enough that
// recreating them is equivalent.
func (l *RateLimiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastFill) > pruneInterval {
			delete(l.buckets, key)
		}
	}
	l.lastPrune = now
}

// Limit wraps a handler with one operation class's budget. Runs after the
// auth middleware; unauthenticated requests fall through untouched and
// are rejected there.
func (l *RateLimiter) Limit(class string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := Identity(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		allowed, wait := l.Allow(identity.Key(), class)
		if !allowed {
			seconds := int(math.Ceil(wait.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
