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
	"database/sql"
	"errors"
	"time"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/models"
)

const membershipColumns = `
	convo_id, user_id, device_id, joined_at, left_at, leaf_index,
	is_admin, promoted_at, promoted_by,
	needs_rejoin, rejoin_requested_at, unread_count, last_read_at`

func scanMembership(scan func(dest ...any) error) (*models.Membership, error) {
	var m models.Membership
	var leftAt, promotedAt, rejoinAt, lastReadAt sql.NullTime
	var leafIndex sql.NullInt32
	var promotedBy sql.NullString
	err := scan(&m.ConvoID, &m.UserID, &m.DeviceID, &m.JoinedAt, &leftAt, &leafIndex,
		&m.IsAdmin, &promotedAt, &promotedBy,
		&m.NeedsRejoin, &rejoinAt, &m.UnreadCount, &lastReadAt)
	if err != nil {
		return nil, err
	}
	if leftAt.Valid {
		m.LeftAt = &leftAt.Time
	}
	if leafIndex.Valid {
		v := leafIndex.Int32
		m.LeafIndex = &v
	}
	if promotedAt.Valid {
		m.PromotedAt = &promotedAt.Time
	}
	if promotedBy.Valid {
		m.PromotedBy = promotedBy.String
	}
	if rejoinAt.Valid {
		m.RejoinRequestedAt = &rejoinAt.Time
	}
	if lastReadAt.Valid {
		m.LastReadAt = &lastReadAt.Time
	}
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, convoID string) ([]models.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+membershipColumns+`
		FROM members
		WHERE convo_id = $1 AND left_at IS NULL
		ORDER BY joined_at ASC, user_id ASC, device_id ASC`, convoID)
	if err != nil {
		return nil, errs.Internal(err, "list members")
	}
	defer rows.Close()

	var members []models.Membership
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, errs.Internal(err, "scan membership")
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func (s *Store) GetMembership(ctx context.Context, convoID string, device models.DeviceID) (*models.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+membershipColumns+`
		FROM members
		WHERE convo_id = $1 AND user_id = $2 AND device_id = $3`,
		convoID, device.UserID, device.DeviceID)
	m, err := scanMembership(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("no membership for %s", device.Key())
	}
	if err != nil {
		return nil, errs.Internal(err, "fetch membership")
	}
	return m, nil
}

func (s *Store) IsMember(ctx context.Context, convoID string, device models.DeviceID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM members
			WHERE convo_id = $1 AND user_id = $2 AND device_id = $3 AND left_at IS NULL
		)`, convoID, device.UserID, device.DeviceID).Scan(&exists)
	if err != nil {
		return false, errs.Internal(err, "membership check")
	}
	return exists, nil
}

func (s *Store) IsAdmin(ctx context.Context, convoID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM members
			WHERE convo_id = $1 AND user_id = $2 AND left_at IS NULL AND is_admin = TRUE
		)`, convoID, userID).Scan(&exists)
	if err != nil {
		return false, errs.Internal(err, "admin check")
	}
	return exists, nil
}

// PromoteAdmin grants the target user admin rights on every active
// device. Promotion is a roster-metadata change and does not advance the
// epoch. Promoting an existing admin is a no-op.
func (s *Store) PromoteAdmin(ctx context.Context, convoID string, caller models.DeviceID, targetUserID string) error {
	if targetUserID == "" {
		return errs.InvalidRequest("empty target user")
	}

	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := lockConversation(tx, convoID); err != nil {
			return err
		}
		if ok, err := isAdminTx(tx, convoID, caller.UserID); err != nil {
			return err
		} else if !ok {
			return errs.NotAdmin("only admins may promote")
		}
		if already, err := isAdminTx(tx, convoID, targetUserID); err != nil {
			return err
		} else if already {
			return nil
		}

		res, err := tx.Exec(`
			UPDATE members SET is_admin = TRUE, promoted_at = $1, promoted_by = $2
			WHERE convo_id = $3 AND user_id = $4 AND left_at IS NULL`,
			time.Now().UTC(), caller.UserID, convoID, targetUserID)
		if err != nil {
			return errs.Internal(err, "promote admin")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFound("user %s is not a member", targetUserID)
		}

		ev, err := insertEvent(tx, convoID, models.EventTypeAdminChange, map[string]any{
			"action": "promote",
			"actor":  caller.Key(),
			"member": targetUserID,
		})
		if err != nil {
			return err
		}
		event = &ev
		return nil
	})
	if err != nil {
		return err
	}

	if event != nil {
		s.pub.Publish(*event)
	}
	return nil
}

// DemoteAdmin revokes admin rights. A demotion that would leave the
// conversation without any admin is rejected, which also covers the sole
// admin demoting themselves.
func (s *Store) DemoteAdmin(ctx context.Context, convoID string, caller models.DeviceID, targetUserID string) error {
	if targetUserID == "" {
		return errs.InvalidRequest("empty target user")
	}

	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := lockConversation(tx, convoID); err != nil {
			return err
		}
		if ok, err := isAdminTx(tx, convoID, caller.UserID); err != nil {
			return err
		} else if !ok {
			return errs.NotAdmin("only admins may demote")
		}
		if admin, err := isAdminTx(tx, convoID, targetUserID); err != nil {
			return err
		} else if !admin {
			return nil
		}

		others, err := countOtherAdminsTx(tx, convoID, targetUserID)
		if err != nil {
			return err
		}
		if others == 0 {
			return errs.InvalidState("cannot demote the last admin")
		}

		_, err = tx.Exec(`
			UPDATE members SET is_admin = FALSE, promoted_at = NULL, promoted_by = NULL
			WHERE convo_id = $1 AND user_id = $2 AND left_at IS NULL`,
			convoID, targetUserID)
		if err != nil {
			return errs.Internal(err, "demote admin")
		}

		ev, err := insertEvent(tx, convoID, models.EventTypeAdminChange, map[string]any{
			"action": "demote",
			"actor":  caller.Key(),
			"member": targetUserID,
		})
		if err != nil {
			return err
		}
		event = &ev
		return nil
	})
	if err != nil {
		return err
	}

	if event != nil {
		s.pub.Publish(*event)
	}
	return nil
}

// MarkNeedsRejoin flags the caller device as having lost cryptographic
// sync, prompting an admin device to re-add it with a fresh welcome.
func (s *Store) MarkNeedsRejoin(ctx context.Context, convoID string, caller models.DeviceID) error {
	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := lockConversation(tx, convoID); err != nil {
			return err
		}

		var already bool
		err := tx.QueryRow(`
			SELECT needs_rejoin FROM members
			WHERE convo_id = $1 AND user_id = $2 AND device_id = $3 AND left_at IS NULL`,
			convoID, caller.UserID, caller.DeviceID).Scan(&already)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.Unauthorized("caller is not a member of the conversation")
		}
		if err != nil {
			return errs.Internal(err, "fetch rejoin state")
		}
		if already {
			return nil
		}

		_, err = tx.Exec(`
			UPDATE members SET needs_rejoin = TRUE, rejoin_requested_at = $1, leaf_index = NULL
			WHERE convo_id = $2 AND user_id = $3 AND device_id = $4 AND left_at IS NULL`,
			time.Now().UTC(), convoID, caller.UserID, caller.DeviceID)
		if err != nil {
			return errs.Internal(err, "mark needs rejoin")
		}

		ev, err := insertEvent(tx, convoID, models.EventTypeMembershipChange, map[string]any{
			"action": "needs_rejoin",
			"member": caller.Key(),
		})
		if err != nil {
			return err
		}
		event = &ev
		return nil
	})
	if err != nil {
		return err
	}

	if event != nil {
		s.pub.Publish(*event)
	}
	return nil
}

func (s *Store) ResetUnread(ctx context.Context, convoID string, caller models.DeviceID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members SET unread_count = 0, last_read_at = $1
		WHERE convo_id = $2 AND user_id = $3 AND device_id = $4 AND left_at IS NULL`,
		time.Now().UTC(), convoID, caller.UserID, caller.DeviceID)
	if err != nil {
		return errs.Internal(err, "reset unread")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("no active membership for %s", caller.Key())
	}
	return nil
}
