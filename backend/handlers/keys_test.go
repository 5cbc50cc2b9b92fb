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

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/models"
)

type fakeKeyStore struct {
	publishFn func(ctx context.Context, owner models.DeviceID, cipherSuite string, packages [][]byte, expiresAt time.Time) (int, error)
	claimFn   func(ctx context.Context, owner models.DeviceID, cipherSuite, convoID string) (*models.ReservationTicket, error)
	statusFn  func(ctx context.Context, owners []models.DeviceID) ([]models.KeyPackageStatus, error)
}

func (f *fakeKeyStore) PublishKeyPackages(ctx context.Context, owner models.DeviceID, cipherSuite string, packages [][]byte, expiresAt time.Time) (int, error) {
	if f.publishFn != nil {
		return f.publishFn(ctx, owner, cipherSuite, packages, expiresAt)
	}
	return len(packages), nil
}

func (f *fakeKeyStore) ClaimKeyPackage(ctx context.Context, owner models.DeviceID, cipherSuite, convoID string) (*models.ReservationTicket, error) {
	if f.claimFn != nil {
		return f.claimFn(ctx, owner, cipherSuite, convoID)
	}
	return nil, errs.ResourceExhausted("no key packages")
}

func (f *fakeKeyStore) KeyPackageStatus(ctx context.Context, owners []models.DeviceID) ([]models.KeyPackageStatus, error) {
	if f.statusFn != nil {
		return f.statusFn(ctx, owners)
	}
	return nil, nil
}

func (f *fakeKeyStore) ReleaseExpiredReservations(context.Context) (int64, error) { return 0, nil }
func (f *fakeKeyStore) DeleteExpiredKeyPackages(context.Context) (int64, error)   { return 0, nil }
func (f *fakeKeyStore) EnforceKeyPackageLimit(context.Context, int) (int64, error) {
	return 0, nil
}

func keyRouter(store *fakeKeyStore) *mux.Router {
	h := NewKeyPackageHandler(store, 0, zap.NewNop())
	r := mux.NewRouter()
	r.HandleFunc("/keys", h.Publish).Methods("POST")
	r.HandleFunc("/keys/status", h.Status).Methods("GET")
	r.HandleFunc("/keys/claim", h.Claim).Methods("POST")
	return r
}

func TestPublishKeyPackages(t *testing.T) {
	var gotOwner models.DeviceID
	var gotCount int
	store := &fakeKeyStore{
		publishFn: func(_ context.Context, owner models.DeviceID, _ string, packages [][]byte, expiresAt time.Time) (int, error) {
			gotOwner = owner
			gotCount = len(packages)
			assert.True(t, expiresAt.After(time.Now()))
			return 2, nil
		},
	}

	rec := doJSON(t, keyRouter(store), "POST", "/keys",
		`{"keyPackages":["a2V5MQ==","a2V5Mg==","a2V5MQ=="]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, caller, gotOwner, "uploads always land on the caller's own device")
	assert.Equal(t, 3, gotCount)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["published"], "duplicates are not counted")
}

func TestPublishRejectsPastExpiry(t *testing.T) {
	rec := doJSON(t, keyRouter(&fakeKeyStore{}), "POST", "/keys",
		`{"keyPackages":["a2V5"],"expiresAt":"2020-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishAppliesConfiguredLifetime(t *testing.T) {
	lifetime := 48 * time.Hour
	var gotExpiry time.Time
	store := &fakeKeyStore{
		publishFn: func(_ context.Context, _ models.DeviceID, _ string, _ [][]byte, expiresAt time.Time) (int, error) {
			gotExpiry = expiresAt
			return 1, nil
		},
	}
	h := NewKeyPackageHandler(store, lifetime, zap.NewNop())
	r := mux.NewRouter()
	r.HandleFunc("/keys", h.Publish).Methods("POST")

	rec := doJSON(t, r, "POST", "/keys", `{"keyPackages":["a2V5"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.WithinDuration(t, time.Now().Add(lifetime), gotExpiry, time.Minute)
}

func TestClaimKeyPackage(t *testing.T) {
	store := &fakeKeyStore{
		claimFn: func(_ context.Context, owner models.DeviceID, _, convoID string) (*models.ReservationTicket, error) {
			assert.Equal(t, models.DeviceID{UserID: "bob", DeviceID: "laptop"}, owner)
			assert.Equal(t, "c1", convoID)
			return &models.ReservationTicket{KeyHash: "abc", KeyData: []byte("kp")}, nil
		},
	}
	rec := doJSON(t, keyRouter(store), "POST", "/keys/claim",
		`{"userId":"bob","deviceId":"laptop","conversationId":"c1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"keyPackageHash":"abc"`)
}

func TestClaimExhausted(t *testing.T) {
	rec := doJSON(t, keyRouter(&fakeKeyStore{}), "POST", "/keys/claim",
		`{"userId":"bob","deviceId":"laptop","conversationId":"c1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClaimValidation(t *testing.T) {
	rec := doJSON(t, keyRouter(&fakeKeyStore{}), "POST", "/keys/claim", `{"userId":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, keyRouter(&fakeKeyStore{}), "POST", "/keys/claim",
		`{"userId":"bob","deviceId":"laptop"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusParsesOwners(t *testing.T) {
	var gotOwners []models.DeviceID
	store := &fakeKeyStore{
		statusFn: func(_ context.Context, owners []models.DeviceID) ([]models.KeyPackageStatus, error) {
			gotOwners = owners
			return []models.KeyPackageStatus{{Owner: owners[0], Available: 5}}, nil
		},
	}

	rec := doJSON(t, keyRouter(store), "GET", "/keys/status?owner=bob%23laptop&owner=carol%23tablet", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gotOwners, 2)
	assert.Equal(t, "bob", gotOwners[0].UserID)
	assert.Equal(t, "tablet", gotOwners[1].DeviceID)
}

func TestStatusDefaultsToCaller(t *testing.T) {
	var gotOwners []models.DeviceID
	store := &fakeKeyStore{
		statusFn: func(_ context.Context, owners []models.DeviceID) ([]models.KeyPackageStatus, error) {
			gotOwners = owners
			return nil, nil
		},
	}
	rec := doJSON(t, keyRouter(store), "GET", "/keys/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gotOwners, 1)
	assert.Equal(t, caller, gotOwners[0])
}
