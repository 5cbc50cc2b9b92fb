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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/middleware"
	"github.com/coterie-chat/coterie/backend/models"
)

var caller = models.DeviceID{UserID: "alice", DeviceID: "phone"}

// fakeConvoStore implements storage.ConversationStore with overridable
// function fields; unset methods return zero values.
type fakeConvoStore struct {
	createFn     func(ctx context.Context, params models.CreateConversationParams) (*models.Conversation, error)
	addMembersFn func(ctx context.Context, params models.AddMembersParams) (int64, error)
	removeFn     func(ctx context.Context, convoID string, caller models.DeviceID, targetUserID string, commit []byte) (int64, error)
	leaveFn      func(ctx context.Context, convoID string, caller models.DeviceID, commit []byte) (int64, error)
	isMemberFn   func(ctx context.Context, convoID string, device models.DeviceID) (bool, error)
	isAdminFn    func(ctx context.Context, convoID, userID string) (bool, error)
	promoteFn    func(ctx context.Context, convoID string, caller models.DeviceID, targetUserID string) error
	rejoinFn     func(ctx context.Context, convoID string, device models.DeviceID) error
}

func (f *fakeConvoStore) CreateConversation(ctx context.Context, params models.CreateConversationParams) (*models.Conversation, error) {
	if f.createFn != nil {
		return f.createFn(ctx, params)
	}
	return &models.Conversation{ID: "c1", Epoch: 1}, nil
}

func (f *fakeConvoStore) GetConversation(context.Context, string) (*models.Conversation, error) {
	return &models.Conversation{ID: "c1", Epoch: 1, CreatedAt: time.Now()}, nil
}

func (f *fakeConvoStore) ListConversations(context.Context, models.DeviceID, int, int) ([]models.Conversation, error) {
	return nil, nil
}

func (f *fakeConvoStore) GetEpoch(context.Context, string) (int64, error) { return 1, nil }

func (f *fakeConvoStore) AddMembers(ctx context.Context, params models.AddMembersParams) (int64, error) {
	if f.addMembersFn != nil {
		return f.addMembersFn(ctx, params)
	}
	return 2, nil
}

func (f *fakeConvoStore) RemoveMember(ctx context.Context, convoID string, c models.DeviceID, target string, commit []byte) (int64, error) {
	if f.removeFn != nil {
		return f.removeFn(ctx, convoID, c, target, commit)
	}
	return 2, nil
}

func (f *fakeConvoStore) Leave(ctx context.Context, convoID string, c models.DeviceID, commit []byte) (int64, error) {
	if f.leaveFn != nil {
		return f.leaveFn(ctx, convoID, c, commit)
	}
	return 2, nil
}

func (f *fakeConvoStore) ListMembers(context.Context, string) ([]models.Membership, error) {
	return nil, nil
}

func (f *fakeConvoStore) GetMembership(context.Context, string, models.DeviceID) (*models.Membership, error) {
	return nil, errs.NotFound("no membership")
}

func (f *fakeConvoStore) IsMember(ctx context.Context, convoID string, device models.DeviceID) (bool, error) {
	if f.isMemberFn != nil {
		return f.isMemberFn(ctx, convoID, device)
	}
	return true, nil
}

func (f *fakeConvoStore) IsAdmin(ctx context.Context, convoID, userID string) (bool, error) {
	if f.isAdminFn != nil {
		return f.isAdminFn(ctx, convoID, userID)
	}
	return true, nil
}

func (f *fakeConvoStore) PromoteAdmin(ctx context.Context, convoID string, c models.DeviceID, target string) error {
	if f.promoteFn != nil {
		return f.promoteFn(ctx, convoID, c, target)
	}
	return nil
}

func (f *fakeConvoStore) DemoteAdmin(context.Context, string, models.DeviceID, string) error {
	return nil
}

func (f *fakeConvoStore) MarkNeedsRejoin(ctx context.Context, convoID string, device models.DeviceID) error {
	if f.rejoinFn != nil {
		return f.rejoinFn(ctx, convoID, device)
	}
	return nil
}

func (f *fakeConvoStore) ResetUnread(context.Context, string, models.DeviceID) error { return nil }

func convoRouter(store *fakeConvoStore) *mux.Router {
	h := NewConversationHandler(store, zap.NewNop())
	r := mux.NewRouter()
	r.HandleFunc("/conversations", h.Create).Methods("POST")
	r.HandleFunc("/conversations/{id}/members", h.AddMembers).Methods("POST")
	r.HandleFunc("/conversations/{id}/members/remove", h.RemoveMember).Methods("POST")
	r.HandleFunc("/conversations/{id}/leave", h.Leave).Methods("POST")
	r.HandleFunc("/conversations/{id}/admins/{user}", h.PromoteAdmin).Methods("POST")
	r.HandleFunc("/conversations/{id}/rejoin", h.MarkRejoin).Methods("POST")
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = middleware.WithIdentity(req, caller)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateConversation(t *testing.T) {
	var got models.CreateConversationParams
	store := &fakeConvoStore{
		createFn: func(_ context.Context, params models.CreateConversationParams) (*models.Conversation, error) {
			got = params
			return &models.Conversation{ID: "c1", Epoch: 1, CipherSuite: models.DefaultCipherSuite}, nil
		},
	}

	rec := doJSON(t, convoRouter(store), "POST", "/conversations",
		`{"members":[{"userId":"bob","deviceId":"laptop"}],"welcome":"d2VsY29tZQ=="}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, caller, got.Creator)
	require.Len(t, got.InitialMembers, 1)
	assert.Equal(t, "bob", got.InitialMembers[0].Device.UserID)
	assert.Equal(t, []byte("welcome"), got.Welcome)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "c1", resp["conversationId"])
	assert.Equal(t, float64(1), resp["epoch"])
}

func TestCreateConversationRejectsBadBody(t *testing.T) {
	rec := doJSON(t, convoRouter(&fakeConvoStore{}), "POST", "/conversations", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateConversationRequiresIdentity(t *testing.T) {
	req := httptest.NewRequest("POST", "/conversations", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	convoRouter(&fakeConvoStore{}).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAddMembersErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"exhausted inventory", errs.ResourceExhausted("no key packages"), http.StatusTooManyRequests},
		{"stale reservation", errs.Expired("reservation expired"), http.StatusGone},
		{"stolen reservation", errs.Conflict("reserved by another conversation"), http.StatusConflict},
		{"non-member caller", errs.Unauthorized("not a member"), http.StatusUnauthorized},
		{"unknown conversation", errs.NotFound("conversation missing"), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeConvoStore{
				addMembersFn: func(context.Context, models.AddMembersParams) (int64, error) {
					return 0, tc.err
				},
			}
			rec := doJSON(t, convoRouter(store), "POST", "/conversations/c1/members",
				`{"members":[{"userId":"bob","deviceId":"laptop"}]}`)
			assert.Equal(t, tc.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAddMembersReturnsNewEpoch(t *testing.T) {
	store := &fakeConvoStore{
		addMembersFn: func(_ context.Context, params models.AddMembersParams) (int64, error) {
			assert.Equal(t, "c1", params.ConvoID)
			return 5, nil
		},
	}
	rec := doJSON(t, convoRouter(store), "POST", "/conversations/c1/members",
		`{"members":[{"userId":"bob","deviceId":"laptop","keyPackageHash":"abc"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(5), resp["epoch"])
}

func TestRemoveMemberRequiresAdmin(t *testing.T) {
	store := &fakeConvoStore{
		removeFn: func(context.Context, string, models.DeviceID, string, []byte) (int64, error) {
			return 0, errs.NotAdmin("only admins may remove members")
		},
	}
	rec := doJSON(t, convoRouter(store), "POST", "/conversations/c1/members/remove",
		`{"userId":"bob"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLeaveLastMemberRejected(t *testing.T) {
	store := &fakeConvoStore{
		leaveFn: func(context.Context, string, models.DeviceID, []byte) (int64, error) {
			return 0, errs.InvalidState("the last member cannot leave the conversation")
		},
	}
	rec := doJSON(t, convoRouter(store), "POST", "/conversations/c1/leave", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPromoteAdminPassesPathUser(t *testing.T) {
	var promoted string
	store := &fakeConvoStore{
		promoteFn: func(_ context.Context, convoID string, _ models.DeviceID, target string) error {
			assert.Equal(t, "c1", convoID)
			promoted = target
			return nil
		},
	}
	rec := doJSON(t, convoRouter(store), "POST", "/conversations/c1/admins/bob", ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", promoted)
}

func TestMarkRejoin(t *testing.T) {
	var flagged models.DeviceID
	store := &fakeConvoStore{
		rejoinFn: func(_ context.Context, _ string, device models.DeviceID) error {
			flagged = device
			return nil
		},
	}
	rec := doJSON(t, convoRouter(store), "POST", "/conversations/c1/rejoin", `{}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, caller, flagged)
}
