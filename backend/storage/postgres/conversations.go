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

func (s *Store) CreateConversation(ctx context.Context, params models.CreateConversationParams) (*models.Conversation, error) {
	if !params.Creator.Valid() {
		return nil, errs.InvalidRequest("invalid creator identity")
	}

	id := params.ID
	if id == "" {
		id = uuid.New().String()
	}
	suite := params.CipherSuite
	if suite == "" {
		suite = models.DefaultCipherSuite
	}
	now := time.Now().UTC()

	convo := &models.Conversation{
		ID:              id,
		CreatorUserID:   params.Creator.UserID,
		CreatorDeviceID: params.Creator.DeviceID,
		Epoch:           1,
		CipherSuite:     suite,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO conversations (id, creator_user_id, creator_device_id, current_epoch, cipher_suite, created_at, updated_at)
			VALUES ($1, $2, $3, 1, $4, $5, $5)`,
			id, params.Creator.UserID, params.Creator.DeviceID, suite, now)
		if isUniqueViolation(err, "") {
			return errs.Conflict("conversation %s already exists", id)
		}
		if err != nil {
			return errs.Internal(err, "insert conversation")
		}

		// The creator's own device built the group, so it is convergent
		// from the start: leaf 0, admin with provenance.
		_, err = tx.Exec(`
			INSERT INTO members (convo_id, user_id, device_id, joined_at, leaf_index, is_admin, promoted_at, promoted_by)
			VALUES ($1, $2, $3, $4, 0, TRUE, $4, $2)`,
			id, params.Creator.UserID, params.Creator.DeviceID, now)
		if err != nil {
			return errs.Internal(err, "insert creator membership")
		}

		added := make([]string, 0, len(params.InitialMembers))
		for _, target := range params.InitialMembers {
			ok, err := s.addMemberTx(tx, id, suite, params.Creator, target, params.Welcome)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, target.Device.Key())
			}
		}

		ev, err := insertEvent(tx, id, models.EventTypeMembershipChange, map[string]any{
			"action":  "create",
			"actor":   params.Creator.Key(),
			"members": added,
			"epoch":   int64(1),
		})
		if err != nil {
			return err
		}
		event = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(*event)
	return convo, nil
}

func (s *Store) GetConversation(ctx context.Context, convoID string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, creator_user_id, creator_device_id, current_epoch, cipher_suite, created_at, updated_at
		FROM conversations WHERE id = $1`, convoID).
		Scan(&c.ID, &c.CreatorUserID, &c.CreatorDeviceID, &c.Epoch, &c.CipherSuite, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("conversation %s not found", convoID)
	}
	if err != nil {
		return nil, errs.Internal(err, "fetch conversation")
	}
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, caller models.DeviceID, limit, offset int) ([]models.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.creator_user_id, c.creator_device_id, c.current_epoch, c.cipher_suite, c.created_at, c.updated_at
		FROM conversations c
		INNER JOIN members m ON c.id = m.convo_id
		WHERE m.user_id = $1 AND m.device_id = $2 AND m.left_at IS NULL
		ORDER BY c.created_at DESC
		LIMIT $3 OFFSET $4`,
		caller.UserID, caller.DeviceID, limit, offset)
	if err != nil {
		return nil, errs.Internal(err, "list conversations")
	}
	defer rows.Close()

	var convos []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.CreatorUserID, &c.CreatorDeviceID, &c.Epoch, &c.CipherSuite, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errs.Internal(err, "scan conversation")
		}
		convos = append(convos, c)
	}
	return convos, rows.Err()
}

func (s *Store) GetEpoch(ctx context.Context, convoID string) (int64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx,
		`SELECT current_epoch FROM conversations WHERE id = $1`, convoID).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.NotFound("conversation %s not found", convoID)
	}
	if err != nil {
		return 0, errs.Internal(err, "get epoch")
	}
	return epoch, nil
}

// AddMembers advances the epoch by exactly one and commits the new
// membership rows, key-package consumption, welcome issuance, commit
// envelope and fan-out event atomically. Targets that are already active
// members are skipped; if every target is already present the call
// short-circuits without bumping the epoch.
func (s *Store) AddMembers(ctx context.Context, params models.AddMembersParams) (int64, error) {
	if len(params.Targets) == 0 {
		return 0, errs.InvalidRequest("empty target list")
	}
	for _, t := range params.Targets {
		if !t.Device.Valid() {
			return 0, errs.InvalidRequest("invalid target identity %q", t.Device.Key())
		}
	}

	var newEpoch int64
	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		epoch, suite, err := lockConversation(tx, params.ConvoID)
		if err != nil {
			return err
		}

		if ok, err := isActiveMemberTx(tx, params.ConvoID, params.Caller); err != nil {
			return err
		} else if !ok {
			return errs.Unauthorized("caller is not a member of the conversation")
		}

		added := make([]string, 0, len(params.Targets))
		for _, target := range params.Targets {
			ok, err := s.addMemberTx(tx, params.ConvoID, suite, params.Caller, target, params.Welcome)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, target.Device.Key())
			}
		}

		if len(added) == 0 {
			// Naturally idempotent shape: everyone is already in.
			newEpoch = epoch
			return nil
		}

		newEpoch = epoch + 1
		if err := bumpEpochTx(tx, params.ConvoID, newEpoch); err != nil {
			return err
		}
		if len(params.Commit) > 0 {
			if err := s.insertCommitEnvelopeTx(tx, params.ConvoID, newEpoch, params.Commit, params.Caller); err != nil {
				return err
			}
		}

		ev, err := insertEvent(tx, params.ConvoID, models.EventTypeMembershipChange, map[string]any{
			"action":  "add",
			"actor":   params.Caller.Key(),
			"members": added,
			"epoch":   newEpoch,
		})
		if err != nil {
			return err
		}
		event = &ev
		return nil
	})
	if err != nil {
		return 0, err
	}

	if event != nil {
		s.pub.Publish(*event)
	}
	return newEpoch, nil
}

// RemoveMember soft-deletes every active device membership of the target
// user. Self-removal must use Leave.
func (s *Store) RemoveMember(ctx context.Context, convoID string, caller models.DeviceID, targetUserID string, commit []byte) (int64, error) {
	if targetUserID == "" {
		return 0, errs.InvalidRequest("empty target user")
	}
	if targetUserID == caller.UserID {
		return 0, errs.InvalidState("self-removal must use leave")
	}

	var newEpoch int64
	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		epoch, _, err := lockConversation(tx, convoID)
		if err != nil {
			return err
		}

		if ok, err := isAdminTx(tx, convoID, caller.UserID); err != nil {
			return err
		} else if !ok {
			return errs.NotAdmin("only admins may remove members")
		}

		if admin, err := isAdminTx(tx, convoID, targetUserID); err != nil {
			return err
		} else if admin {
			others, err := countOtherAdminsTx(tx, convoID, targetUserID)
			if err != nil {
				return err
			}
			if others == 0 {
				return errs.InvalidState("cannot remove the last admin")
			}
		}

		now := time.Now().UTC()
		res, err := tx.Exec(`
			UPDATE members SET left_at = $1
			WHERE convo_id = $2 AND user_id = $3 AND left_at IS NULL`,
			now, convoID, targetUserID)
		if err != nil {
			return errs.Internal(err, "remove member")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFound("user %s is not a member", targetUserID)
		}

		newEpoch = epoch + 1
		if err := bumpEpochTx(tx, convoID, newEpoch); err != nil {
			return err
		}
		if len(commit) > 0 {
			if err := s.insertCommitEnvelopeTx(tx, convoID, newEpoch, commit, caller); err != nil {
				return err
			}
		}

		ev, err := insertEvent(tx, convoID, models.EventTypeMembershipChange, map[string]any{
			"action": "remove",
			"actor":  caller.Key(),
			"member": targetUserID,
			"epoch":  newEpoch,
		})
		if err != nil {
			return err
		}
		event = &ev
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.pub.Publish(*event)
	return newEpoch, nil
}

// Leave ends the caller device's membership. The last remaining member
// may not leave, and the sole admin's last device may not leave while
// other members remain.
func (s *Store) Leave(ctx context.Context, convoID string, caller models.DeviceID, commit []byte) (int64, error) {
	var newEpoch int64
	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		epoch, _, err := lockConversation(tx, convoID)
		if err != nil {
			return err
		}

		active, err := isActiveMemberTx(tx, convoID, caller)
		if err != nil {
			return err
		}
		if !active {
			// Leaving twice short-circuits on state, not on the
			// idempotency cache.
			newEpoch = epoch
			return nil
		}

		var totalActive int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM members WHERE convo_id = $1 AND left_at IS NULL`,
			convoID).Scan(&totalActive); err != nil {
			return errs.Internal(err, "count members")
		}
		if totalActive == 1 {
			return errs.InvalidState("the last member cannot leave the conversation")
		}

		admin, err := isAdminTx(tx, convoID, caller.UserID)
		if err != nil {
			return err
		}
		if admin {
			var userDevices int
			if err := tx.QueryRow(`
				SELECT COUNT(*) FROM members
				WHERE convo_id = $1 AND user_id = $2 AND left_at IS NULL`,
				convoID, caller.UserID).Scan(&userDevices); err != nil {
				return errs.Internal(err, "count user devices")
			}
			if userDevices == 1 {
				others, err := countOtherAdminsTx(tx, convoID, caller.UserID)
				if err != nil {
					return err
				}
				if others == 0 {
					return errs.InvalidState("promote another admin before leaving")
				}
			}
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(`
			UPDATE members SET left_at = $1
			WHERE convo_id = $2 AND user_id = $3 AND device_id = $4 AND left_at IS NULL`,
			now, convoID, caller.UserID, caller.DeviceID); err != nil {
			return errs.Internal(err, "leave conversation")
		}

		newEpoch = epoch + 1
		if err := bumpEpochTx(tx, convoID, newEpoch); err != nil {
			return err
		}
		if len(commit) > 0 {
			if err := s.insertCommitEnvelopeTx(tx, convoID, newEpoch, commit, caller); err != nil {
				return err
			}
		}

		ev, err := insertEvent(tx, convoID, models.EventTypeMembershipChange, map[string]any{
			"action": "leave",
			"actor":  caller.Key(),
			"epoch":  newEpoch,
		})
		if err != nil {
			return err
		}
		event = &ev
		return nil
	})
	if err != nil {
		return 0, err
	}

	if event != nil {
		s.pub.Publish(*event)
	}
	return newEpoch, nil
}

// addMemberTx admits one device: consumes a key-package reservation for
// it, upserts the membership row (leaf_index NULL until the join is
// confirmed) and records the welcome scoped to the consumed hash. Returns
// false without side effects when the device is already an active member.
func (s *Store) addMemberTx(tx *sql.Tx, convoID, cipherSuite string, issuer models.DeviceID, target models.AddTarget, welcome []byte) (bool, error) {
	active, err := isActiveMemberTx(tx, convoID, target.Device)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}

	hash := target.KeyPackageHash
	if hash == "" {
		hash, err = s.reserveOldestTx(tx, target.Device, cipherSuite, convoID)
		if err != nil {
			return false, err
		}
	}
	if err := s.consumeReservationTx(tx, target.Device, hash, convoID); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO members (convo_id, user_id, device_id, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (convo_id, user_id, device_id) DO UPDATE
		SET left_at = NULL, joined_at = $4, leaf_index = NULL,
		    is_admin = FALSE, promoted_at = NULL, promoted_by = NULL,
		    needs_rejoin = FALSE, rejoin_requested_at = NULL, unread_count = 0`,
		convoID, target.Device.UserID, target.Device.DeviceID, now)
	if err != nil {
		return false, errs.Internal(err, "insert membership")
	}

	if len(welcome) > 0 {
		_, err = tx.Exec(`
			INSERT INTO welcomes (id, convo_id, recipient_user_id, recipient_device_id, welcome_data, key_package_hash, issuer_user_id, issuer_device_id, state, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'available', $9)`,
			uuid.New().String(), convoID, target.Device.UserID, target.Device.DeviceID,
			welcome, nullableString(hash), issuer.UserID, issuer.DeviceID, now)
		if isUniqueViolation(err, "welcomes_unconsumed_unique") {
			return false, errs.Conflict("unconsumed welcome already exists for %s", target.Device.Key())
		}
		if err != nil {
			return false, errs.Internal(err, "insert welcome")
		}
	}

	return true, nil
}

func bumpEpochTx(tx *sql.Tx, convoID string, newEpoch int64) error {
	_, err := tx.Exec(`
		UPDATE conversations SET current_epoch = $1, updated_at = $2 WHERE id = $3`,
		newEpoch, time.Now().UTC(), convoID)
	if err != nil {
		return errs.Internal(err, "bump epoch")
	}
	return nil
}

func countOtherAdminsTx(tx *sql.Tx, convoID, excludeUserID string) (int, error) {
	var n int
	err := tx.QueryRow(`
		SELECT COUNT(DISTINCT user_id) FROM members
		WHERE convo_id = $1 AND user_id <> $2 AND left_at IS NULL AND is_admin = TRUE`,
		convoID, excludeUserID).Scan(&n)
	if err != nil {
		return 0, errs.Internal(err, "count admins")
	}
	return n, nil
}

// insertCommitEnvelopeTx stores the commit ciphertext produced by a
// membership mutation at the new epoch, sequenced under the same lock.
func (s *Store) insertCommitEnvelopeTx(tx *sql.Tx, convoID string, epoch int64, ciphertext []byte, sender models.DeviceID) error {
	seq, err := nextEnvelopeSeqTx(tx, convoID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO envelopes (id, convo_id, envelope_type, epoch, seq, ciphertext, sender_user_id, sender_device_id, padded_size, received_bucket_ts, created_at, expires_at)
		VALUES ($1, $2, 'commit', $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.New().String(), convoID, epoch, seq, ciphertext,
		sender.UserID, sender.DeviceID,
		models.PadSize(int64(len(ciphertext))), models.QuantizeReceipt(now),
		now, now.Add(s.cfg.MessageTTL))
	if err != nil {
		return errs.Internal(err, "insert commit envelope")
	}
	return nil
}
