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

	"github.com/google/uuid"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/models"
)

const welcomeColumns = `
	id, convo_id, recipient_user_id, recipient_device_id, welcome_data,
	key_package_hash, issuer_user_id, issuer_device_id, state,
	fetched_at, confirmed_at, created_at`

func scanWelcome(scan func(dest ...any) error) (*models.Welcome, error) {
	var w models.Welcome
	var hash sql.NullString
	var fetchedAt, confirmedAt sql.NullTime
	err := scan(&w.ID, &w.ConvoID, &w.RecipientUserID, &w.RecipientDeviceID, &w.WelcomeData,
		&hash, &w.IssuerUserID, &w.IssuerDeviceID, &w.State,
		&fetchedAt, &confirmedAt, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if hash.Valid {
		w.KeyPackageHash = hash.String
	}
	if fetchedAt.Valid {
		w.FetchedAt = &fetchedAt.Time
	}
	if confirmedAt.Valid {
		w.ConfirmedAt = &confirmedAt.Time
	}
	return &w, nil
}

// FetchWelcome hands the newest live welcome to its recipient. The first
// fetch transitions it to fetched and starts the grace clock; repeated
// fetches inside the grace window return the identical payload so a client
// that crashed mid-join can recover.
func (s *Store) FetchWelcome(ctx context.Context, convoID string, recipient models.DeviceID) (*models.Welcome, error) {
	var welcome *models.Welcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT `+welcomeColumns+`
			FROM welcomes
			WHERE convo_id = $1 AND recipient_user_id = $2 AND recipient_device_id = $3
			  AND state IN ('available', 'fetched')
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE`,
			convoID, recipient.UserID, recipient.DeviceID)
		w, err := scanWelcome(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("no welcome for %s", recipient.Key())
		}
		if err != nil {
			return errs.Internal(err, "fetch welcome")
		}

		if w.State == models.WelcomeStateAvailable {
			now := time.Now().UTC()
			if _, err := tx.Exec(`
				UPDATE welcomes SET state = 'fetched', fetched_at = $1 WHERE id = $2`,
				now, w.ID); err != nil {
				return errs.Internal(err, "mark welcome fetched")
			}
			w.State = models.WelcomeStateFetched
			w.FetchedAt = &now
		}
		welcome = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return welcome, nil
}

// ConfirmWelcome completes the join: the fetched welcome becomes consumed
// and the recipient's membership records its leaf index and clears any
// rejoin flag. Confirming an already consumed welcome succeeds so retried
// confirms are harmless; confirming before fetching is a protocol error.
func (s *Store) ConfirmWelcome(ctx context.Context, convoID string, recipient models.DeviceID, leafIndex int32) error {
	if leafIndex < 0 {
		return errs.InvalidRequest("negative leaf index")
	}

	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := lockConversation(tx, convoID); err != nil {
			return err
		}

		row := tx.QueryRow(`
			SELECT `+welcomeColumns+`
			FROM welcomes
			WHERE convo_id = $1 AND recipient_user_id = $2 AND recipient_device_id = $3
			  AND state <> 'expired'
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE`,
			convoID, recipient.UserID, recipient.DeviceID)
		w, err := scanWelcome(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("no welcome for %s", recipient.Key())
		}
		if err != nil {
			return errs.Internal(err, "load welcome")
		}

		switch w.State {
		case models.WelcomeStateConsumed:
			return nil
		case models.WelcomeStateAvailable:
			return errs.InvalidState("welcome has not been fetched")
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(`
			UPDATE welcomes SET state = 'consumed', confirmed_at = $1 WHERE id = $2`,
			now, w.ID); err != nil {
			return errs.Internal(err, "consume welcome")
		}

		res, err := tx.Exec(`
			UPDATE members
			SET leaf_index = $1, needs_rejoin = FALSE, rejoin_requested_at = NULL
			WHERE convo_id = $2 AND user_id = $3 AND device_id = $4 AND left_at IS NULL`,
			leafIndex, convoID, recipient.UserID, recipient.DeviceID)
		if err != nil {
			return errs.Internal(err, "record leaf index")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.InvalidState("recipient is no longer a member")
		}

		ev, err := insertEvent(tx, convoID, models.EventTypeMembershipChange, map[string]any{
			"action": "join_confirmed",
			"member": recipient.Key(),
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

// DeliverWelcome mints replacement join material for a device that lost
// sync. A live predecessor still inside its grace window blocks the
// delivery; past-grace predecessors are marked expired and superseded.
// The accompanying commit advances the epoch like any membership change.
func (s *Store) DeliverWelcome(ctx context.Context, params models.DeliverWelcomeParams) (*models.Welcome, error) {
	if len(params.Welcome) == 0 {
		return nil, errs.InvalidRequest("empty welcome payload")
	}

	var welcome *models.Welcome
	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		epoch, suite, err := lockConversation(tx, params.ConvoID)
		if err != nil {
			return err
		}

		if ok, err := isActiveMemberTx(tx, params.ConvoID, params.Issuer); err != nil {
			return err
		} else if !ok {
			return errs.Unauthorized("issuer is not a member of the conversation")
		}
		if ok, err := isActiveMemberTx(tx, params.ConvoID, params.Target); err != nil {
			return err
		} else if !ok {
			return errs.NotFound("target %s is not a member", params.Target.Key())
		}

		rows, err := tx.Query(`
			SELECT `+welcomeColumns+`
			FROM welcomes
			WHERE convo_id = $1 AND recipient_user_id = $2 AND recipient_device_id = $3
			  AND state IN ('available', 'fetched')
			FOR UPDATE`,
			params.ConvoID, params.Target.UserID, params.Target.DeviceID)
		if err != nil {
			return errs.Internal(err, "load live welcomes")
		}
		var live []*models.Welcome
		for rows.Next() {
			w, err := scanWelcome(rows.Scan)
			if err != nil {
				rows.Close()
				return errs.Internal(err, "scan welcome")
			}
			live = append(live, w)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errs.Internal(err, "iterate welcomes")
		}

		now := time.Now().UTC()
		for _, w := range live {
			if w.InGrace(s.cfg.WelcomeGrace, now) {
				return errs.Conflict("a live welcome for %s is still within its grace window", params.Target.Key())
			}
		}
		for _, w := range live {
			if _, err := tx.Exec(
				`UPDATE welcomes SET state = 'expired' WHERE id = $1`, w.ID); err != nil {
				return errs.Internal(err, "expire superseded welcome")
			}
		}

		hash := params.KeyPackageHash
		if hash == "" {
			hash, err = s.reserveOldestTx(tx, params.Target, suite, params.ConvoID)
			if err != nil {
				return err
			}
		}
		if err := s.consumeReservationTx(tx, params.Target, hash, params.ConvoID); err != nil {
			return err
		}

		w := &models.Welcome{
			ID:                uuid.New().String(),
			ConvoID:           params.ConvoID,
			RecipientUserID:   params.Target.UserID,
			RecipientDeviceID: params.Target.DeviceID,
			WelcomeData:       params.Welcome,
			KeyPackageHash:    hash,
			IssuerUserID:      params.Issuer.UserID,
			IssuerDeviceID:    params.Issuer.DeviceID,
			State:             models.WelcomeStateAvailable,
			CreatedAt:         now,
		}
		_, err = tx.Exec(`
			INSERT INTO welcomes (id, convo_id, recipient_user_id, recipient_device_id, welcome_data, key_package_hash, issuer_user_id, issuer_device_id, state, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'available', $9)`,
			w.ID, w.ConvoID, w.RecipientUserID, w.RecipientDeviceID,
			w.WelcomeData, nullableString(hash), w.IssuerUserID, w.IssuerDeviceID, now)
		if isUniqueViolation(err, "welcomes_unconsumed_unique") {
			return errs.Conflict("unconsumed welcome already exists for %s", params.Target.Key())
		}
		if err != nil {
			return errs.Internal(err, "insert welcome")
		}

		if len(params.Commit) > 0 {
			newEpoch := epoch + 1
			if err := bumpEpochTx(tx, params.ConvoID, newEpoch); err != nil {
				return err
			}
			if err := s.insertCommitEnvelopeTx(tx, params.ConvoID, newEpoch, params.Commit, params.Issuer); err != nil {
				return err
			}
		}

		ev, err := insertEvent(tx, params.ConvoID, models.EventTypeMembershipChange, map[string]any{
			"action": "rejoin_welcome",
			"actor":  params.Issuer.Key(),
			"member": params.Target.Key(),
		})
		if err != nil {
			return err
		}
		event = &ev
		welcome = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(*event)
	return welcome, nil
}

// CompactWelcomes removes terminal welcome records past the retention
// cutoff. Live records are never touched.
func (s *Store) CompactWelcomes(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM welcomes
		WHERE state IN ('consumed', 'expired')
		  AND created_at < NOW() - ($1 * INTERVAL '1 second')`,
		ttlSeconds(olderThan))
	if err != nil {
		return 0, errs.Internal(err, "compact welcomes")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
