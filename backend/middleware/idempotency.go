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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// maxIdempotentBody caps how much request body the key extractor will
// buffer.
const maxIdempotentBody = 1 << 20

// ResponseCache replays recorded mutation responses. Keys are scoped per
// caller identity and per route, so one client key reused across
// endpoints never replays the wrong operation's response.
type ResponseCache interface {
	Get(ctx context.Context, identity, route, key string) (status int, body []byte, ok bool, err error)
	Put(ctx context.Context, identity, route, key string, status int, body []byte) error
}

// Idempotency replays the recorded response for a repeated mutation with
// the same key. The key comes from the Idempotency-Key header or, for
// clients that embed it, the idempotencyKey field of the JSON body.
// Requests without a key pass through; the storage layer's natural
// idempotency still applies.
func Idempotency(cache ResponseCache, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := Identity(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" && r.Body != nil {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
				if err != nil {
					http.Error(w, "failed to read request body", http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				key = bodyIdempotencyKey(body)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			route := r.Method + " " + r.URL.Path
			status, cached, found, err := cache.Get(r.Context(), identity.Key(), route, key)
			if err != nil {
				// Cache trouble must not fail the mutation.
				log.Warn("idempotency cache unavailable", zap.Error(err))
			}
			if found {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(status)
				w.Write(cached)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				if err := cache.Put(r.Context(), identity.Key(), route, key, rec.status, rec.body.Bytes()); err != nil {
					log.Warn("failed to record idempotent response", zap.Error(err))
				}
			}
		})
	}
}

func bodyIdempotencyKey(body []byte) string {
	var payload struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.IdempotencyKey
}

// responseRecorder tees the response so a successful body can be cached
// after it has been written to the client.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
