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

package models

import (
	"encoding/json"
	"time"
)

// Event types emitted on the per-conversation stream.
const (
	EventTypeMessage          = "message"
	EventTypeMembershipChange = "membership-change"
	EventTypeAdminChange      = "admin-change"
)

// Event is one entry in a conversation's ordered fan-out stream. Seq is
// monotonically increasing per conversation and doubles as the resume
// cursor. The payload carries routing metadata only, never ciphertext:
// clients fetch full envelopes through the list read and decrypt locally.
type Event struct {
	ConvoID   string          `json:"convo_id" db:"convo_id"`
	Seq       int64           `json:"seq" db:"seq"`
	Type      string          `json:"type" db:"event_type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	EmittedAt time.Time       `json:"emitted_at" db:"emitted_at"`
}
