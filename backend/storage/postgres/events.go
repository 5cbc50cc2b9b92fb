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

package postgres

import (
	"context"
	"time"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/models"
)

// ListEventsAfter backfills the fan-out stream from a resume cursor.
func (s *Store) ListEventsAfter(ctx context.Context, convoID string, afterSeq int64, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT convo_id, seq, event_type, payload, emitted_at
		FROM event_stream
		WHERE convo_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, convoID, afterSeq, limit)
	if err != nil {
		return nil, errs.Internal(err, "list events")
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.ConvoID, &ev.Seq, &ev.Type, &ev.Payload, &ev.EmittedAt); err != nil {
			return nil, errs.Internal(err, "scan event")
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// TrimEvents drops stream entries older than the retention window.
// Clients resuming from a trimmed cursor fall back to a full list read.
func (s *Store) TrimEvents(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM event_stream
		WHERE emitted_at < NOW() - ($1 * INTERVAL '1 second')`,
		ttlSeconds(retention))
	if err != nil {
		return 0, errs.Internal(err, "trim events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
