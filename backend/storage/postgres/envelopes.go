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

const envelopeColumns = `
	id, convo_id, envelope_type, epoch, seq, ciphertext, msg_id,
	sender_user_id, sender_device_id, padded_size, received_bucket_ts,
	created_at, expires_at`

func scanEnvelope(scan func(dest ...any) error) (*models.Envelope, error) {
	var e models.Envelope
	var msgID, senderUser, senderDevice sql.NullString
	err := scan(&e.ID, &e.ConvoID, &e.Type, &e.Epoch, &e.Seq, &e.Ciphertext, &msgID,
		&senderUser, &senderDevice, &e.PaddedSize, &e.ReceivedBucket,
		&e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	e.ClientMessageID = msgID.String
	e.SenderUserID = senderUser.String
	e.SenderDeviceID = senderDevice.String
	return &e, nil
}

func nextEnvelopeSeqTx(tx *sql.Tx, convoID string) (int64, error) {
	var seq int64
	err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM envelopes WHERE convo_id = $1`,
		convoID).Scan(&seq)
	if err != nil {
		return 0, errs.Internal(err, "next envelope seq")
	}
	return seq, nil
}

// AppendEnvelope stores one application message at the conversation's
// head. The declared epoch must match the current epoch exactly; the seq
// is assigned under the conversation lock so (epoch, seq) is gapless per
// writer view. A repeated client message id returns the original envelope
// instead of storing a duplicate.
func (s *Store) AppendEnvelope(ctx context.Context, params models.AppendEnvelopeParams) (*models.Envelope, error) {
	if len(params.Ciphertext) == 0 {
		return nil, errs.InvalidRequest("empty ciphertext")
	}

	var envelope *models.Envelope
	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		epoch, _, err := lockConversation(tx, params.ConvoID)
		if err != nil {
			return err
		}

		if ok, err := isActiveMemberTx(tx, params.ConvoID, params.Sender); err != nil {
			return err
		} else if !ok {
			return errs.Unauthorized("sender is not a member of the conversation")
		}
		if params.Epoch != epoch {
			return errs.Conflict("epoch mismatch: declared %d, current %d", params.Epoch, epoch)
		}

		if params.ClientMessageID != "" {
			row := tx.QueryRow(`
				SELECT `+envelopeColumns+`
				FROM envelopes WHERE convo_id = $1 AND msg_id = $2`,
				params.ConvoID, params.ClientMessageID)
			existing, err := scanEnvelope(row.Scan)
			if err == nil {
				envelope = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return errs.Internal(err, "envelope dedup lookup")
			}
		}

		seq, err := nextEnvelopeSeqTx(tx, params.ConvoID)
		if err != nil {
			return err
		}

		declared := params.DeclaredSize
		if declared <= 0 {
			declared = int64(len(params.Ciphertext))
		}
		now := time.Now().UTC()
		e := &models.Envelope{
			ID:              uuid.New().String(),
			ConvoID:         params.ConvoID,
			Type:            models.EnvelopeTypeApplication,
			Epoch:           epoch,
			Seq:             seq,
			Ciphertext:      params.Ciphertext,
			ClientMessageID: params.ClientMessageID,
			SenderUserID:    params.Sender.UserID,
			SenderDeviceID:  params.Sender.DeviceID,
			PaddedSize:      models.PadSize(declared),
			ReceivedBucket:  models.QuantizeReceipt(now),
			CreatedAt:       now,
			ExpiresAt:       now.Add(s.cfg.MessageTTL),
		}
		_, err = tx.Exec(`
			INSERT INTO envelopes (id, convo_id, envelope_type, epoch, seq, ciphertext, msg_id, sender_user_id, sender_device_id, padded_size, received_bucket_ts, idempotency_key, created_at, expires_at)
			VALUES ($1, $2, 'application', $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			e.ID, e.ConvoID, e.Epoch, e.Seq, e.Ciphertext,
			nullableString(e.ClientMessageID), e.SenderUserID, e.SenderDeviceID,
			e.PaddedSize, e.ReceivedBucket, nullableString(params.IdempotencyKey),
			e.CreatedAt, e.ExpiresAt)
		if err != nil {
			return errs.Internal(err, "insert envelope")
		}

		// Everyone but the writing device gets an unread bump.
		if _, err := tx.Exec(`
			UPDATE members SET unread_count = unread_count + 1
			WHERE convo_id = $1 AND left_at IS NULL
			  AND NOT (user_id = $2 AND device_id = $3)`,
			params.ConvoID, params.Sender.UserID, params.Sender.DeviceID); err != nil {
			return errs.Internal(err, "bump unread counters")
		}

		ev, err := insertEvent(tx, params.ConvoID, models.EventTypeMessage, map[string]any{
			"epoch": e.Epoch,
			"seq":   e.Seq,
		})
		if err != nil {
			return err
		}
		event = &ev
		envelope = e
		return nil
	})
	if err != nil {
		// A concurrent writer beat us to the same client message id or
		// idempotency key; the committed row is the answer.
		if isUniqueViolation(err, "envelopes_msg_id_unique") && params.ClientMessageID != "" {
			return s.envelopeByMsgID(ctx, params.ConvoID, params.ClientMessageID)
		}
		if isUniqueViolation(err, "envelopes_idempotency_key_unique") && params.IdempotencyKey != "" {
			return s.envelopeByIdempotencyKey(ctx, params.IdempotencyKey)
		}
		return nil, err
	}

	if event != nil {
		s.pub.Publish(*event)
	}
	return envelope, nil
}

func (s *Store) envelopeByMsgID(ctx context.Context, convoID, msgID string) (*models.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM envelopes WHERE convo_id = $1 AND msg_id = $2`, convoID, msgID)
	e, err := scanEnvelope(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("envelope %s not found", msgID)
	}
	if err != nil {
		return nil, errs.Internal(err, "fetch envelope by msg id")
	}
	return e, nil
}

func (s *Store) envelopeByIdempotencyKey(ctx context.Context, key string) (*models.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM envelopes WHERE idempotency_key = $1`, key)
	e, err := scanEnvelope(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("envelope for idempotency key not found")
	}
	if err != nil {
		return nil, errs.Internal(err, "fetch envelope by idempotency key")
	}
	return e, nil
}

// ListEnvelopes pages forward from an (epoch, seq) cursor in storage
// order. Expired envelopes are invisible even before compaction removes
// them.
func (s *Store) ListEnvelopes(ctx context.Context, convoID string, caller models.DeviceID, sinceEpoch, sinceSeq int64, limit int) ([]models.Envelope, error) {
	if ok, err := s.IsMember(ctx, convoID, caller); err != nil {
		return nil, err
	} else if !ok {
		return nil, errs.Unauthorized("caller is not a member of the conversation")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM envelopes
		WHERE convo_id = $1
		  AND (epoch > $2 OR (epoch = $2 AND seq > $3))
		  AND expires_at > NOW()
		ORDER BY epoch ASC, seq ASC
		LIMIT $4`,
		convoID, sinceEpoch, sinceSeq, limit)
	if err != nil {
		return nil, errs.Internal(err, "list envelopes")
	}
	defer rows.Close()

	var envelopes []models.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows.Scan)
		if err != nil {
			return nil, errs.Internal(err, "scan envelope")
		}
		envelopes = append(envelopes, *e)
	}
	return envelopes, rows.Err()
}

// CompactEnvelopes deletes envelopes past their expiry.
func (s *Store) CompactEnvelopes(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, errs.Internal(err, "compact envelopes")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
