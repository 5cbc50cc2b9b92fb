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
	"time"

	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/models"
	"github.com/coterie-chat/coterie/backend/storage"
)

// DefaultKeyPackageLifetime applies when the handler is built without an
// explicit lifetime.
const DefaultKeyPackageLifetime = 30 * 24 * time.Hour

type KeyPackageHandler struct {
	store    storage.KeyPackageStore
	lifetime time.Duration
	log      *zap.Logger
}

// NewKeyPackageHandler builds the key-package surface. lifetime is the
// expiry applied to uploads that omit expiresAt.
func NewKeyPackageHandler(store storage.KeyPackageStore, lifetime time.Duration, log *zap.Logger) *KeyPackageHandler {
	if lifetime <= 0 {
		lifetime = DefaultKeyPackageLifetime
	}
	return &KeyPackageHandler{store: store, lifetime: lifetime, log: log}
}

type publishKeysRequest struct {
	CipherSuite string     `json:"cipherSuite,omitempty"`
	KeyPackages [][]byte   `json:"keyPackages"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Publish uploads fresh key packages for the caller's own device.
func (h *KeyPackageHandler) Publish(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	var req publishKeysRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}

	expiresAt := time.Now().UTC().Add(h.lifetime)
	if req.ExpiresAt != nil {
		expiresAt = req.ExpiresAt.UTC()
		if !expiresAt.After(time.Now()) {
			writeError(w, h.log, errs.InvalidRequest("expiresAt is in the past"))
			return
		}
	}

	published, err := h.store.PublishKeyPackages(r.Context(), caller, req.CipherSuite, req.KeyPackages, expiresAt)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("key packages published",
		zap.String("owner", caller.Key()),
		zap.Int("uploaded", len(req.KeyPackages)),
		zap.Int("new", published))
	writeJSON(w, http.StatusCreated, map[string]int{"published": published})
}

type claimKeyRequest struct {
	UserID         string `json:"userId"`
	DeviceID       string `json:"deviceId"`
	CipherSuite    string `json:"cipherSuite,omitempty"`
	ConversationID string `json:"conversationId"`
}

// Claim reserves one key package of another device for a pending add.
// The returned hash names the reservation when the add lands.
func (h *KeyPackageHandler) Claim(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerIdentity(w, r, h.log); !ok {
		return
	}
	var req claimKeyRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}
	owner := models.DeviceID{UserID: req.UserID, DeviceID: req.DeviceID}
	if !owner.Valid() {
		writeError(w, h.log, errs.InvalidRequest("missing userId or deviceId"))
		return
	}
	if req.ConversationID == "" {
		writeError(w, h.log, errs.InvalidRequest("missing conversationId"))
		return
	}

	ticket, err := h.store.ClaimKeyPackage(r.Context(), owner, req.CipherSuite, req.ConversationID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"keyPackageHash": ticket.KeyHash,
		"keyPackage":     ticket.KeyData,
		"cipherSuite":    ticket.CipherSuite,
		"expiresAt":      ticket.ExpiresAt,
	})
}

// Status reports inventory counts for the devices named by repeated
// owner=user#device query params; with none it reports the caller.
func (h *KeyPackageHandler) Status(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}

	var owners []models.DeviceID
	for _, raw := range r.URL.Query()["owner"] {
		owner, err := models.ParseDeviceKey(raw)
		if err != nil {
			writeError(w, h.log, errs.InvalidRequest("invalid owner %q", raw))
			return
		}
		owners = append(owners, owner)
	}
	if len(owners) == 0 {
		owners = []models.DeviceID{caller}
	}

	statuses, err := h.store.KeyPackageStatus(r.Context(), owners)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": statuses})
}
