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

type fakeWelcomeStore struct {
	fetchFn   func(ctx context.Context, convoID string, recipient models.DeviceID) (*models.Welcome, error)
	confirmFn func(ctx context.Context, convoID string, recipient models.DeviceID, leafIndex int32) error
	deliverFn func(ctx context.Context, params models.DeliverWelcomeParams) (*models.Welcome, error)
}

func (f *fakeWelcomeStore) FetchWelcome(ctx context.Context, convoID string, recipient models.DeviceID) (*models.Welcome, error) {
	if f.fetchFn != nil {
		return f.fetchFn(ctx, convoID, recipient)
	}
	return nil, errs.NotFound("no welcome")
}

func (f *fakeWelcomeStore) ConfirmWelcome(ctx context.Context, convoID string, recipient models.DeviceID, leafIndex int32) error {
	if f.confirmFn != nil {
		return f.confirmFn(ctx, convoID, recipient, leafIndex)
	}
	return nil
}

func (f *fakeWelcomeStore) DeliverWelcome(ctx context.Context, params models.DeliverWelcomeParams) (*models.Welcome, error) {
	if f.deliverFn != nil {
		return f.deliverFn(ctx, params)
	}
	return &models.Welcome{ID: "w1"}, nil
}

func (f *fakeWelcomeStore) CompactWelcomes(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func welcomeRouter(store *fakeWelcomeStore) *mux.Router {
	h := NewWelcomeHandler(store, zap.NewNop())
	r := mux.NewRouter()
	r.HandleFunc("/conversations/{id}/welcome", h.Fetch).Methods("GET")
	r.HandleFunc("/conversations/{id}/welcome", h.Deliver).Methods("POST")
	r.HandleFunc("/conversations/{id}/welcome/confirm", h.Confirm).Methods("POST")
	return r
}

func TestFetchWelcomeRepeatable(t *testing.T) {
	fetches := 0
	store := &fakeWelcomeStore{
		fetchFn: func(_ context.Context, convoID string, recipient models.DeviceID) (*models.Welcome, error) {
			fetches++
			assert.Equal(t, "c1", convoID)
			assert.Equal(t, caller, recipient)
			return &models.Welcome{
				WelcomeData:    []byte("join-material"),
				KeyPackageHash: "abc",
				State:          models.WelcomeStateFetched,
			}, nil
		},
	}
	router := welcomeRouter(store)

	first := doJSON(t, router, "GET", "/conversations/c1/welcome", "")
	second := doJSON(t, router, "GET", "/conversations/c1/welcome", "")

	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 2, fetches)
}

func TestFetchWelcomeNone(t *testing.T) {
	rec := doJSON(t, welcomeRouter(&fakeWelcomeStore{}), "GET", "/conversations/c1/welcome", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmWelcome(t *testing.T) {
	var confirmedLeaf int32 = -1
	store := &fakeWelcomeStore{
		confirmFn: func(_ context.Context, _ string, _ models.DeviceID, leafIndex int32) error {
			confirmedLeaf = leafIndex
			return nil
		},
	}
	rec := doJSON(t, welcomeRouter(store), "POST", "/conversations/c1/welcome/confirm",
		`{"leafIndex":4}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(4), confirmedLeaf)
}

func TestConfirmBeforeFetchRejected(t *testing.T) {
	store := &fakeWelcomeStore{
		confirmFn: func(context.Context, string, models.DeviceID, int32) error {
			return errs.InvalidState("welcome has not been fetched")
		},
	}
	rec := doJSON(t, welcomeRouter(store), "POST", "/conversations/c1/welcome/confirm",
		`{"leafIndex":0}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDeliverWelcomeBlockedInGrace(t *testing.T) {
	store := &fakeWelcomeStore{
		deliverFn: func(context.Context, models.DeliverWelcomeParams) (*models.Welcome, error) {
			return nil, errs.Conflict("a live welcome is still within its grace window")
		},
	}
	rec := doJSON(t, welcomeRouter(store), "POST", "/conversations/c1/welcome",
		`{"userId":"bob","deviceId":"laptop","welcome":"am9pbg=="}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeliverWelcomeRequiresTarget(t *testing.T) {
	rec := doJSON(t, welcomeRouter(&fakeWelcomeStore{}), "POST", "/conversations/c1/welcome",
		`{"welcome":"am9pbg=="}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
