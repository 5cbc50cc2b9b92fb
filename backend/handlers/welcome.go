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

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/models"
	"github.com/coterie-chat/coterie/backend/storage"
)

type WelcomeHandler struct {
	store storage.WelcomeStore
	log   *zap.Logger
}

func NewWelcomeHandler(store storage.WelcomeStore, log *zap.Logger) *WelcomeHandler {
	return &WelcomeHandler{store: store, log: log}
}

// Fetch hands the caller its pending welcome. Safe to repeat: the same
// payload comes back until the join is confirmed.
func (h *WelcomeHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]

	welcome, err := h.store.FetchWelcome(r.Context(), convoID, caller)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"welcome":        welcome.WelcomeData,
		"keyPackageHash": welcome.KeyPackageHash,
		"state":          welcome.State,
	})
}

type confirmWelcomeRequest struct {
	LeafIndex int32 `json:"leafIndex"`
}

// Confirm completes the caller's join after it has processed the welcome.
func (h *WelcomeHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]
	var req confirmWelcomeRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}

	if err := h.store.ConfirmWelcome(r.Context(), convoID, caller, req.LeafIndex); err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("welcome confirmed",
		zap.String("convo_id", convoID),
		zap.String("member", caller.Key()),
		zap.Int32("leaf_index", req.LeafIndex))
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

type deliverWelcomeRequest struct {
	UserID         string `json:"userId"`
	DeviceID       string `json:"deviceId"`
	Welcome        []byte `json:"welcome"`
	Commit         []byte `json:"commit,omitempty"`
	KeyPackageHash string `json:"keyPackageHash,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Deliver mints replacement join material for a member device that asked
// to rejoin.
func (h *WelcomeHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]
	var req deliverWelcomeRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}
	target := models.DeviceID{UserID: req.UserID, DeviceID: req.DeviceID}
	if !target.Valid() {
		writeError(w, h.log, errs.InvalidRequest("missing userId or deviceId"))
		return
	}

	welcome, err := h.store.DeliverWelcome(r.Context(), models.DeliverWelcomeParams{
		ConvoID:        convoID,
		Issuer:         caller,
		Target:         target,
		Welcome:        req.Welcome,
		Commit:         req.Commit,
		KeyPackageHash: req.KeyPackageHash,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("welcome delivered",
		zap.String("convo_id", convoID),
		zap.String("issuer", caller.Key()),
		zap.String("target", target.Key()))
	writeJSON(w, http.StatusCreated, map[string]any{
		"welcomeId":      welcome.ID,
		"keyPackageHash": welcome.KeyPackageHash,
	})
}
