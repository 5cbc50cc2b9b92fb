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

// PublishKeyPackages uploads fresh pre-key material for a device.
// Re-uploading a package with the same content hash is a no-op, so clients
// can retry the whole batch safely. Returns how many packages were new.
func (s *Store) PublishKeyPackages(ctx context.Context, owner models.DeviceID, cipherSuite string, packages [][]byte, expiresAt time.Time) (int, error) {
	if !owner.Valid() {
		return 0, errs.InvalidRequest("invalid owner identity")
	}
	if len(packages) == 0 {
		return 0, errs.InvalidRequest("empty key package batch")
	}
	if cipherSuite == "" {
		cipherSuite = models.DefaultCipherSuite
	}

	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, material := range packages {
			if len(material) == 0 {
				return errs.InvalidRequest("empty key package material")
			}
			res, err := tx.Exec(`
				INSERT INTO key_packages (id, owner_user_id, owner_device_id, cipher_suite, key_hash, key_data, created_at, expires_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT ON CONSTRAINT key_packages_owner_hash_unique DO NOTHING`,
				uuid.New().String(), owner.UserID, owner.DeviceID, cipherSuite,
				models.KeyPackageHash(material), material, now, expiresAt)
			if err != nil {
				return errs.Internal(err, "insert key package")
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimKeyPackage reserves the oldest available package for the caller's
// pending add and hands back the material. The reservation is held for
// the configured window; AddMembers consumes it by hash, and the sweeper
// returns it to the pool if the add never lands.
func (s *Store) ClaimKeyPackage(ctx context.Context, owner models.DeviceID, cipherSuite, convoID string) (*models.ReservationTicket, error) {
	if cipherSuite == "" {
		cipherSuite = models.DefaultCipherSuite
	}

	var ticket *models.ReservationTicket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		hash, err := s.reserveOldestTx(tx, owner, cipherSuite, convoID)
		if err != nil {
			return err
		}
		var data []byte
		var reservedAt time.Time
		err = tx.QueryRow(`
			SELECT key_data, reserved_at FROM key_packages
			WHERE owner_user_id = $1 AND owner_device_id = $2 AND key_hash = $3 AND consumed_at IS NULL`,
			owner.UserID, owner.DeviceID, hash).Scan(&data, &reservedAt)
		if err != nil {
			return errs.Internal(err, "load reserved key package")
		}
		ticket = &models.ReservationTicket{
			Owner:       owner,
			ConvoID:     convoID,
			KeyHash:     hash,
			CipherSuite: cipherSuite,
			KeyData:     data,
			ReservedAt:  reservedAt,
			ExpiresAt:   reservedAt.Add(s.cfg.ReservationTTL),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// reserveOldestTx stamps a reservation on the oldest available package
// for the device, skipping rows other transactions already hold. Expired
// reservations count as available again.
func (s *Store) reserveOldestTx(tx *sql.Tx, owner models.DeviceID, cipherSuite, convoID string) (string, error) {
	var hash string
	err := tx.QueryRow(`
		UPDATE key_packages
		SET reserved_at = NOW(), reserved_by_convo = $4
		WHERE id = (
			SELECT id FROM key_packages
			WHERE owner_user_id = $1 AND owner_device_id = $2 AND cipher_suite = $3
			  AND consumed_at IS NULL AND expires_at > NOW()
			  AND (reserved_at IS NULL OR reserved_at < NOW() - ($5 * INTERVAL '1 second'))
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING key_hash`,
		owner.UserID, owner.DeviceID, cipherSuite, convoID, ttlSeconds(s.cfg.ReservationTTL)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.ResourceExhausted("no key packages available for %s", owner.Key())
	}
	if err != nil {
		return "", errs.Internal(err, "reserve key package")
	}
	return hash, nil
}

// consumeReservationTx finalizes a reservation held by convoID. The
// failure modes are distinguished so callers can tell a stolen ticket
// from a stale one.
func (s *Store) consumeReservationTx(tx *sql.Tx, owner models.DeviceID, hash, convoID string) error {
	res, err := tx.Exec(`
		UPDATE key_packages
		SET consumed_at = NOW(), consumed_by_convo = $4, reserved_at = NULL, reserved_by_convo = NULL
		WHERE owner_user_id = $1 AND owner_device_id = $2 AND key_hash = $3
		  AND consumed_at IS NULL
		  AND reserved_by_convo = $4
		  AND reserved_at >= NOW() - ($5 * INTERVAL '1 second')`,
		owner.UserID, owner.DeviceID, hash, convoID, ttlSeconds(s.cfg.ReservationTTL))
	if err != nil {
		return errs.Internal(err, "consume key package")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var consumedAt, reservedAt sql.NullTime
	var reservedBy sql.NullString
	err = tx.QueryRow(`
		SELECT consumed_at, reserved_at, reserved_by_convo FROM key_packages
		WHERE owner_user_id = $1 AND owner_device_id = $2 AND key_hash = $3`,
		owner.UserID, owner.DeviceID, hash).Scan(&consumedAt, &reservedAt, &reservedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound("key package %s not found for %s", hash, owner.Key())
	}
	if err != nil {
		return errs.Internal(err, "inspect key package")
	}
	switch {
	case consumedAt.Valid:
		return errs.Conflict("key package %s already consumed", hash)
	case reservedBy.Valid && reservedBy.String != convoID:
		return errs.Conflict("key package %s reserved by another conversation", hash)
	case reservedAt.Valid:
		return errs.Expired("reservation for key package %s expired", hash)
	default:
		return errs.Expired("no live reservation for key package %s", hash)
	}
}

// KeyPackageStatus reports per-device inventory counts so clients know
// when to replenish. Unknown devices report zeros rather than erroring.
func (s *Store) KeyPackageStatus(ctx context.Context, owners []models.DeviceID) ([]models.KeyPackageStatus, error) {
	statuses := make([]models.KeyPackageStatus, 0, len(owners))
	for _, owner := range owners {
		var st models.KeyPackageStatus
		st.Owner = owner
		err := s.db.QueryRowContext(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE consumed_at IS NULL AND expires_at > NOW()
					AND (reserved_at IS NULL OR reserved_at < NOW() - ($3 * INTERVAL '1 second'))),
				COUNT(*) FILTER (WHERE consumed_at IS NULL AND expires_at > NOW()
					AND reserved_at IS NOT NULL AND reserved_at >= NOW() - ($3 * INTERVAL '1 second')),
				COUNT(*) FILTER (WHERE consumed_at IS NOT NULL)
			FROM key_packages
			WHERE owner_user_id = $1 AND owner_device_id = $2`,
			owner.UserID, owner.DeviceID, ttlSeconds(s.cfg.ReservationTTL)).
			Scan(&st.Available, &st.Reserved, &st.Consumed)
		if err != nil {
			return nil, errs.Internal(err, "key package status")
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// ReleaseExpiredReservations returns stale reservations to the available
// pool. Run periodically by the sweeper.
func (s *Store) ReleaseExpiredReservations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE key_packages
		SET reserved_at = NULL, reserved_by_convo = NULL
		WHERE consumed_at IS NULL
		  AND reserved_at IS NOT NULL
		  AND reserved_at < NOW() - ($1 * INTERVAL '1 second')`,
		ttlSeconds(s.cfg.ReservationTTL))
	if err != nil {
		return 0, errs.Internal(err, "release expired reservations")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredKeyPackages drops unconsumed packages past their client
// declared expiry. Consumed rows are kept for audit until compaction.
func (s *Store) DeleteExpiredKeyPackages(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM key_packages
		WHERE consumed_at IS NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, errs.Internal(err, "delete expired key packages")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EnforceKeyPackageLimit trims each device's available inventory to the
// newest maxPerDevice packages, dropping the oldest surplus.
func (s *Store) EnforceKeyPackageLimit(ctx context.Context, maxPerDevice int) (int64, error) {
	if maxPerDevice <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM key_packages WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY owner_user_id, owner_device_id
					ORDER BY created_at DESC
				) AS rank
				FROM key_packages
				WHERE consumed_at IS NULL AND reserved_at IS NULL
			) ranked
			WHERE ranked.rank > $1
		)`, maxPerDevice)
	if err != nil {
		return 0, errs.Internal(err, "enforce key package limit")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
