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

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/models"
	"github.com/coterie-chat/coterie/backend/storage"
)

type ConversationHandler struct {
	store storage.ConversationStore
	log   *zap.Logger
}

func NewConversationHandler(store storage.ConversationStore, log *zap.Logger) *ConversationHandler {
	return &ConversationHandler{store: store, log: log}
}

type memberRef struct {
	UserID         string `json:"userId"`
	DeviceID       string `json:"deviceId"`
	KeyPackageHash string `json:"keyPackageHash,omitempty"`
}

func (m memberRef) target() models.AddTarget {
	return models.AddTarget{
		Device:         models.DeviceID{UserID: m.UserID, DeviceID: m.DeviceID},
		KeyPackageHash: m.KeyPackageHash,
	}
}

type createConversationRequest struct {
	ConversationID string      `json:"conversationId,omitempty"`
	CipherSuite    string      `json:"cipherSuite,omitempty"`
	Members        []memberRef `json:"members"`
	Welcome        []byte      `json:"welcome,omitempty"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	var req createConversationRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}

	targets := make([]models.AddTarget, 0, len(req.Members))
	for _, m := range req.Members {
		targets = append(targets, m.target())
	}

	convo, err := h.store.CreateConversation(r.Context(), models.CreateConversationParams{
		ID:             req.ConversationID,
		Creator:        caller,
		CipherSuite:    req.CipherSuite,
		InitialMembers: targets,
		Welcome:        req.Welcome,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("conversation created",
		zap.String("convo_id", convo.ID),
		zap.String("creator", caller.Key()),
		zap.Int("initial_members", len(targets)))
	writeJSON(w, http.StatusCreated, map[string]any{
		"conversationId": convo.ID,
		"epoch":          convo.Epoch,
		"cipherSuite":    convo.CipherSuite,
	})
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	convos, err := h.store.ListConversations(r.Context(), caller, limit, offset)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if convos == nil {
		convos = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convos})
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]

	if ok, err := h.store.IsMember(r.Context(), convoID, caller); err != nil {
		writeError(w, h.log, err)
		return
	} else if !ok {
		writeError(w, h.log, errs.Unauthorized("caller is not a member of the conversation"))
		return
	}

	convo, err := h.store.GetConversation(r.Context(), convoID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convo)
}

func (h *ConversationHandler) GetEpoch(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]

	if ok, err := h.store.IsMember(r.Context(), convoID, caller); err != nil {
		writeError(w, h.log, err)
		return
	} else if !ok {
		writeError(w, h.log, errs.Unauthorized("caller is not a member of the conversation"))
		return
	}

	epoch, err := h.store.GetEpoch(r.Context(), convoID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"epoch": epoch})
}

type addMembersRequest struct {
	Members        []memberRef `json:"members"`
	Commit         []byte      `json:"commit,omitempty"`
	Welcome        []byte      `json:"welcome,omitempty"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
}

func (h *ConversationHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]
	var req addMembersRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}

	targets := make([]models.AddTarget, 0, len(req.Members))
	for _, m := range req.Members {
		targets = append(targets, m.target())
	}

	epoch, err := h.store.AddMembers(r.Context(), models.AddMembersParams{
		ConvoID: convoID,
		Caller:  caller,
		Targets: targets,
		Commit:  req.Commit,
		Welcome: req.Welcome,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("members added",
		zap.String("convo_id", convoID),
		zap.String("actor", caller.Key()),
		zap.Int("targets", len(targets)),
		zap.Int64("epoch", epoch))
	writeJSON(w, http.StatusOK, map[string]int64{"epoch": epoch})
}

type removeMemberRequest struct {
	UserID         string `json:"userId"`
	Commit         []byte `json:"commit,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (h *ConversationHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]
	var req removeMemberRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}

	epoch, err := h.store.RemoveMember(r.Context(), convoID, caller, req.UserID, req.Commit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("member removed",
		zap.String("convo_id", convoID),
		zap.String("actor", caller.Key()),
		zap.String("target", req.UserID),
		zap.Int64("epoch", epoch))
	writeJSON(w, http.StatusOK, map[string]int64{"epoch": epoch})
}

type leaveRequest struct {
	Commit         []byte `json:"commit,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]
	var req leaveRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}

	epoch, err := h.store.Leave(r.Context(), convoID, caller, req.Commit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"epoch": epoch})
}

func (h *ConversationHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]

	if ok, err := h.store.IsMember(r.Context(), convoID, caller); err != nil {
		writeError(w, h.log, err)
		return
	} else if !ok {
		writeError(w, h.log, errs.Unauthorized("caller is not a member of the conversation"))
		return
	}

	members, err := h.store.ListMembers(r.Context(), convoID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if members == nil {
		members = []models.Membership{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *ConversationHandler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := h.store.PromoteAdmin(r.Context(), vars["id"], caller, vars["user"]); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "promoted"})
}

func (h *ConversationHandler) DemoteAdmin(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := h.store.DemoteAdmin(r.Context(), vars["id"], caller, vars["user"]); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "demoted"})
}

// MarkRejoin flags the caller's device as out of sync so an online member
// can mint fresh join material for it.
func (h *ConversationHandler) MarkRejoin(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]

	if err := h.store.MarkNeedsRejoin(r.Context(), convoID, caller); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejoin requested"})
}

// MarkRead resets the caller device's unread counter.
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]

	if err := h.store.ResetUnread(r.Context(), convoID, caller); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}
