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
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coterie-chat/coterie/backend/models"
)

type contextKey string

const identityKey contextKey = "identity"

// Claims is the token shape minted by the account service. The subject is
// the user id; device_id pins the token to one device so the identity
// gate always yields a full (user, device) pair.
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// VerificationKeyFunc resolves the signing key published for an issuer.
// Deployments with an external account service plug in a lookup against
// its identity documents; the default resolves every issuer to the
// configured shared secret.
type VerificationKeyFunc func(ctx context.Context, issuer string) ([]byte, error)

const (
	defaultKeyCacheTTL  = 10 * time.Minute
	negativeKeyCacheTTL = 30 * time.Second
)

// keyCache memoizes verification-key lookups per issuer so the external
// fetch is not repeated on every request. Failed lookups are cached for a
// short window; an unknown issuer cannot force a lookup per request.
type keyCache struct {
	lookup VerificationKeyFunc
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]keyCacheEntry
}

type keyCacheEntry struct {
	key     []byte
	err     error
	expires time.Time
}

func newKeyCache(lookup VerificationKeyFunc, ttl time.Duration) *keyCache {
	if ttl <= 0 {
		ttl = defaultKeyCacheTTL
	}
	return &keyCache{
		lookup:  lookup,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]keyCacheEntry),
	}
}

func (c *keyCache) verificationKey(ctx context.Context, issuer string) ([]byte, error) {
	c.mu.Lock()
	now := c.now()
	if e, ok := c.entries[issuer]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.key, e.err
	}
	c.mu.Unlock()

	key, err := c.lookup(ctx, issuer)
	entry := keyCacheEntry{key: key, err: err, expires: now.Add(c.ttl)}
	if err != nil {
		entry.expires = now.Add(negativeKeyCacheTTL)
	}
	c.mu.Lock()
	c.entries[issuer] = entry
	c.mu.Unlock()
	return key, err
}

// AuthConfig holds token verification settings. Keys overrides the
// shared-secret resolver; KeyCacheTTL bounds how long a resolved key is
// reused before the next lookup.
type AuthConfig struct {
	Secret      string
	Issuer      string
	Keys        VerificationKeyFunc
	KeyCacheTTL time.Duration
}

// NewAuthMiddleware verifies the bearer token and stores the caller's
// device identity in the request context. Every route behind it can rely
// on Identity() returning a verified pair.
func NewAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	lookup := cfg.Keys
	if lookup == nil {
		secret := []byte(cfg.Secret)
		lookup = func(context.Context, string) ([]byte, error) {
			return secret, nil
		}
	}
	cache := newKeyCache(lookup, cfg.KeyCacheTTL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithExpirationRequired(),
			}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			_, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				issuer, err := t.Claims.GetIssuer()
				if err != nil {
					return nil, err
				}
				return cache.verificationKey(r.Context(), issuer)
			}, opts...)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			identity := models.DeviceID{UserID: claims.Subject, DeviceID: claims.DeviceID}
			if !identity.Valid() {
				http.Error(w, "token missing subject or device_id", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Identity returns the verified caller identity placed by the auth
// middleware.
func Identity(r *http.Request) (models.DeviceID, bool) {
	identity, ok := r.Context().Value(identityKey).(models.DeviceID)
	return identity, ok
}

// WithIdentity injects a caller identity directly; test helper.
func WithIdentity(r *http.Request, identity models.DeviceID) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), identityKey, identity))
}

// CORS middleware for handling cross-origin requests
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowedOrigins := []string{
			"https://coterie.chat",
			"https://app.coterie.chat",
			"http://localhost:3000", // Development
		}

		for _, allowed := range allowedOrigins {
			if origin == allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
