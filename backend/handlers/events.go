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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/events"
	"github.com/coterie-chat/coterie/backend/models"
	"github.com/coterie-chat/coterie/backend/storage"
)

const (
	sseHeartbeat     = 25 * time.Second
	sseBackfillLimit = 200
)

// EventHandler streams a conversation's fan-out events over SSE. The
// client resumes with ?after=<seq>: the durable stream backfills first,
// then the live dispatcher takes over. Missed live events are recovered
// on the next resume.
type EventHandler struct {
	store      storage.EventStore
	convos     storage.ConversationStore
	dispatcher *events.Dispatcher
	log        *zap.Logger
}

func NewEventHandler(store storage.EventStore, convos storage.ConversationStore, dispatcher *events.Dispatcher, log *zap.Logger) *EventHandler {
	return &EventHandler{store: store, convos: convos, dispatcher: dispatcher, log: log}
}

func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(w, r, h.log)
	if !ok {
		return
	}
	convoID := mux.Vars(r)["id"]

	if member, err := h.convos.IsMember(r.Context(), convoID, caller); err != nil {
		writeError(w, h.log, err)
		return
	} else if !member {
		writeError(w, h.log, errs.Unauthorized("caller is not a member of the conversation"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, h.log, errs.Internal(nil, "streaming unsupported"))
		return
	}

	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before backfilling so nothing emitted in between is
	// lost; duplicates are filtered by seq below.
	live, cancel := h.dispatcher.Subscribe(convoID)
	defer cancel()

	cursor := after
	for {
		batch, err := h.store.ListEventsAfter(r.Context(), convoID, cursor, sseBackfillLimit)
		if err != nil {
			h.log.Warn("event backfill failed", zap.String("convo_id", convoID), zap.Error(err))
			return
		}
		for _, ev := range batch {
			if !writeSSE(w, ev) {
				return
			}
			cursor = ev.Seq
		}
		flusher.Flush()
		if len(batch) < sseBackfillLimit {
			break
		}
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= cursor {
				continue
			}
			if !writeSSE(w, ev) {
				return
			}
			cursor = ev.Seq
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev models.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err == nil
}
