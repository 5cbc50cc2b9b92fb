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

// ReportHandler exposes the encrypted complaint flow: any member files,
// only admins enumerate and resolve.
type ReportHandler struct {
	reports storage.ReportStore
	convos  storage.ConversationStore
	log     *zap.Logger
}

func NewReportHandler(reports storage.ReportStore, convos storage.ConversationStore, log *zap.Logger) *ReportHandler {
	return &ReportHandler{reports: reports, convos: convos, log: log}
}

type createReportRequest struct {
	Ciphertext []byte `json:"ciphertext"`
}

func (h *ReportHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]
	var req createReportRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}

	report, err := h.reports.CreateReport(r.Context(), convoID, caller, req.Ciphertext)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("report filed",
		zap.String("convo_id", convoID),
		zap.String("report_id", report.ID))
	writeJSON(w, http.StatusCreated, map[string]string{"reportId": report.ID})
}

func (h *ReportHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]

	if admin, err := h.convos.IsAdmin(r.Context(), convoID, caller.UserID); err != nil {
		writeError(w, h.log, err)
		return
	} else if !admin {
		writeError(w, h.log, errs.NotAdmin("only admins may list reports"))
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && status != models.ReportStatusPending && !models.ValidReportResolution(status) {
		writeError(w, h.log, errs.InvalidRequest("invalid status %q", status))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	reports, err := h.reports.ListReports(r.Context(), convoID, status, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if reports == nil {
		reports = []models.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

type resolveReportRequest struct {
	Status string `json:"status"`
}

func (h *ReportHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	reportID := mux.Vars(r)["id"]
	var req resolveReportRequest
	if !decodeBody(w, r, h.log, &req) {
		return
	}

	report, err := h.reports.ResolveReport(r.Context(), reportID, caller, req.Status)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"reportId": report.ID,
		"status":   report.Status,
	})
}
