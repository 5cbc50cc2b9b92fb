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
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/models"
	"github.com/coterie-chat/coterie/backend/storage"
)

type MessageHandler struct {
	store storage.EnvelopeStore
	log   *zap.Logger
}

func NewMessageHandler(store storage.EnvelopeStore, log *zap.Logger) *MessageHandler {
	return &MessageHandler{store: store, log: log}
}

type sendMessageRequest struct {
	Epoch          int64  `json:"epoch"`
	Ciphertext     []byte `json:"ciphertext"`
	MessageID      string `json:"messageId,omitempty"`
	DeclaredSize   int64  `json:"declaredSize,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Send appends one encrypted envelope at the conversation head. A stale
// epoch comes back 409 with the current epoch so the client can catch up
// and retry.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]
	var req sendMessageRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}

	envelope, err := h.store.AppendEnvelope(r.Context(), models.AppendEnvelopeParams{
		ConvoID:         convoID,
		Sender:          caller,
		Epoch:           req.Epoch,
		Ciphertext:      req.Ciphertext,
		ClientMessageID: req.MessageID,
		DeclaredSize:    req.DeclaredSize,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    envelope.ID,
		"epoch": envelope.Epoch,
		"seq":   envelope.Seq,
	})
}

// List pages envelopes forward from an (epoch, seq) cursor.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]
	q := r.URL.Query()
	sinceEpoch, _ := strconv.ParseInt(q.Get("epoch"), 10, 64)
	sinceSeq, _ := strconv.ParseInt(q.Get("seq"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	envelopes, err := h.store.ListEnvelopes(r.Context(), convoID, caller, sinceEpoch, sinceSeq, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if envelopes == nil {
		envelopes = []models.Envelope{}
	}

	next := map[string]int64{"epoch": sinceEpoch, "seq": sinceSeq}
	if n := len(envelopes); n > 0 {
		next["epoch"] = envelopes[n-1].Epoch
		next["seq"] = envelopes[n-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": envelopes,
		"cursor":   next,
	})
}
