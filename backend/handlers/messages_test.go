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

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/models"
)

type fakeEnvelopeStore struct {
	appendFn func(ctx context.Context, params models.AppendEnvelopeParams) (*models.Envelope, error)
	listFn   func(ctx context.Context, convoID string, caller models.DeviceID, sinceEpoch, sinceSeq int64, limit int) ([]models.Envelope, error)
}

func (f *fakeEnvelopeStore) AppendEnvelope(ctx context.Context, params models.AppendEnvelopeParams) (*models.Envelope, error) {
	if f.appendFn != nil {
		return f.appendFn(ctx, params)
	}
	return &models.Envelope{ID: "e1", Epoch: params.Epoch, Seq: 1}, nil
}

func (f *fakeEnvelopeStore) ListEnvelopes(ctx context.Context, convoID string, caller models.DeviceID, sinceEpoch, sinceSeq int64, limit int) ([]models.Envelope, error) {
	if f.listFn != nil {
		return f.listFn(ctx, convoID, caller, sinceEpoch, sinceSeq, limit)
	}
	return nil, nil
}

func (f *fakeEnvelopeStore) CompactEnvelopes(context.Context) (int64, error) { return 0, nil }

func messageRouter(store *fakeEnvelopeStore) *mux.Router {
	h := NewMessageHandler(store, zap.NewNop())
	r := mux.NewRouter()
	r.HandleFunc("/conversations/{id}/messages", h.Send).Methods("POST")
	r.HandleFunc("/conversations/{id}/messages", h.List).Methods("GET")
	return r
}

func TestSendMessage(t *testing.T) {
	var got models.AppendEnvelopeParams
	store := &fakeEnvelopeStore{
		appendFn: func(_ context.Context, params models.AppendEnvelopeParams) (*models.Envelope, error) {
			got = params
			return &models.Envelope{ID: "e1", Epoch: params.Epoch, Seq: 7}, nil
		},
	}

	rec := doJSON(t, messageRouter(store), "POST", "/conversations/c1/messages",
		`{"epoch":3,"ciphertext":"aGVsbG8=","messageId":"m-1","declaredSize":900}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "c1", got.ConvoID)
	assert.Equal(t, caller, got.Sender)
	assert.Equal(t, int64(3), got.Epoch)
	assert.Equal(t, []byte("hello"), got.Ciphertext)
	assert.Equal(t, "m-1", got.ClientMessageID)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(7), resp["seq"])
}

func TestSendMessageStaleEpoch(t *testing.T) {
	store := &fakeEnvelopeStore{
		appendFn: func(context.Context, models.AppendEnvelopeParams) (*models.Envelope, error) {
			return nil, errs.Conflict("epoch mismatch: declared 2, current 3")
		},
	}
	rec := doJSON(t, messageRouter(store), "POST", "/conversations/c1/messages",
		`{"epoch":2,"ciphertext":"aGVsbG8="}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["message"], "current 3")
}

func TestListMessagesCursor(t *testing.T) {
	store := &fakeEnvelopeStore{
		listFn: func(_ context.Context, _ string, _ models.DeviceID, sinceEpoch, sinceSeq int64, _ int) ([]models.Envelope, error) {
			assert.Equal(t, int64(2), sinceEpoch)
			assert.Equal(t, int64(10), sinceSeq)
			return []models.Envelope{
				{ID: "e1", Epoch: 2, Seq: 11},
				{ID: "e2", Epoch: 3, Seq: 12},
			}, nil
		},
	}

	rec := doJSON(t, messageRouter(store), "GET", "/conversations/c1/messages?epoch=2&seq=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages []models.Envelope `json:"messages"`
		Cursor   map[string]int64  `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Messages, 2)
	assert.Equal(t, int64(3), resp.Cursor["epoch"])
	assert.Equal(t, int64(12), resp.Cursor["seq"])
}

func TestListMessagesEmpty(t *testing.T) {
	rec := doJSON(t, messageRouter(&fakeEnvelopeStore{}), "GET", "/conversations/c1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"messages":[]`)
}
