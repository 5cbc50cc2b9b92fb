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
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/middleware"
	"github.com/coterie-chat/coterie/backend/models"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy to HTTP statuses. Internal causes
// are logged but never leaked to the client.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := errs.HTTPStatus(err)
	code := string(errs.CodeOf(err))
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// callerIdentity pulls the verified device identity placed by the auth
// middleware.
func callerIdentity(w http.ResponseWriter, r *http.Request, log *zap.Logger) (models.DeviceID, bool) {
	identity, ok := middleware.Identity(r)
	if !ok {
		writeError(w, log, errs.Unauthorized("missing caller identity"))
		return models.DeviceID{}, false
	}
	return identity, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, log *zap.Logger, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, log, errs.InvalidRequest("invalid request body"))
		return false
	}
	return true
}
