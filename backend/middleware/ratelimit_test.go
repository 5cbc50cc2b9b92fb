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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coterie-chat/coterie/backend/models"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Now()
	l := NewRateLimiter(map[string]BucketConfig{
		ClassSend: {Burst: 3, PerSec: 1},
	})
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("alice#phone", ClassSend)
		assert.True(t, ok, "request %d within burst", i)
	}

	ok, wait := l.Allow("alice#phone", ClassSend)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	// One token per second refills.
	now = now.Add(time.Second)
	ok, _ = l.Allow("alice#phone", ClassSend)
	assert.True(t, ok)
	ok, _ = l.Allow("alice#phone", ClassSend)
	assert.False(t, ok)
}

func TestRateLimiterIsolatesIdentitiesAndClasses(t *testing.T) {
	l := NewRateLimiter(map[string]BucketConfig{
		ClassSend: {Burst: 1, PerSec: 0.1},
		ClassRead: {Burst: 1, PerSec: 0.1},
	})

	ok, _ := l.Allow("alice#phone", ClassSend)
	assert.True(t, ok)
	ok, _ = l.Allow("alice#phone", ClassSend)
	assert.False(t, ok)

	// Different identity, same class.
	ok, _ = l.Allow("bob#laptop", ClassSend)
	assert.True(t, ok)

	// Same identity, different class.
	ok, _ = l.Allow("alice#phone", ClassRead)
	assert.True(t, ok)
}

func TestRateLimiterUnknownClassPasses(t *testing.T) {
	l := NewRateLimiter(nil)
	ok, _ := l.Allow("alice#phone", ClassSend)
	assert.True(t, ok)
}

func TestLimitMiddleware(t *testing.T) {
	l := NewRateLimiter(map[string]BucketConfig{
		ClassSend: {Burst: 1, PerSec: 0.01},
	})
	handler := l.Limit(ClassSend, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	identity := models.DeviceID{UserID: "alice", DeviceID: "phone"}

	req := WithIdentity(httptest.NewRequest("POST", "/messages", nil), identity)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = WithIdentity(httptest.NewRequest("POST", "/messages", nil), identity)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
