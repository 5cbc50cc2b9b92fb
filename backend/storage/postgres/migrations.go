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

func (s *Store) Migrate() error {
	migrations := []string{
		// Conversations: the epoch counter lives here and is only ever
		// advanced under the row lock.
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(255) PRIMARY KEY,
			creator_user_id VARCHAR(255) NOT NULL,
			creator_device_id VARCHAR(255) NOT NULL,
			current_epoch BIGINT NOT NULL DEFAULT 1,
			cipher_suite VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Memberships, one row per (conversation, device). leaf_index is
		// NULL until the device confirms its join material.
		`CREATE TABLE IF NOT EXISTS members (
			convo_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			device_id VARCHAR(255) NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			left_at TIMESTAMPTZ,
			leaf_index INTEGER,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			promoted_at TIMESTAMPTZ,
			promoted_by VARCHAR(255),
			needs_rejoin BOOLEAN NOT NULL DEFAULT FALSE,
			rejoin_requested_at TIMESTAMPTZ,
			unread_count INTEGER NOT NULL DEFAULT 0,
			last_read_at TIMESTAMPTZ,
			PRIMARY KEY (convo_id, user_id, device_id),
			FOREIGN KEY (convo_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_members_user
		ON members(user_id) WHERE left_at IS NULL`,

		// Key packages: re-publish is idempotent per owner content hash.
		// Reservation columns are transient; consumption is terminal.
		`CREATE TABLE IF NOT EXISTS key_packages (
			id VARCHAR(255) PRIMARY KEY,
			owner_user_id VARCHAR(255) NOT NULL,
			owner_device_id VARCHAR(255) NOT NULL,
			cipher_suite VARCHAR(255) NOT NULL,
			key_data BYTEA NOT NULL,
			key_hash VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMPTZ NOT NULL,
			reserved_at TIMESTAMPTZ,
			reserved_by_convo VARCHAR(255),
			consumed_at TIMESTAMPTZ,
			consumed_by_convo VARCHAR(255),
			CONSTRAINT key_packages_owner_hash_unique
				UNIQUE (owner_user_id, owner_device_id, key_hash)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_key_packages_available
		ON key_packages(owner_user_id, owner_device_id, created_at)
		WHERE consumed_at IS NULL`,

		// Welcomes: at most one unconsumed record per (conversation,
		// recipient device, key-package hash).
		`CREATE TABLE IF NOT EXISTS welcomes (
			id VARCHAR(255) PRIMARY KEY,
			convo_id VARCHAR(255) NOT NULL,
			recipient_user_id VARCHAR(255) NOT NULL,
			recipient_device_id VARCHAR(255) NOT NULL,
			welcome_data BYTEA NOT NULL,
			key_package_hash VARCHAR(64),
			issuer_user_id VARCHAR(255) NOT NULL,
			issuer_device_id VARCHAR(255) NOT NULL,
			state VARCHAR(16) NOT NULL DEFAULT 'available'
				CHECK (state IN ('available', 'fetched', 'consumed', 'expired')),
			fetched_at TIMESTAMPTZ,
			confirmed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (convo_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS welcomes_unconsumed_unique
		ON welcomes(convo_id, recipient_user_id, recipient_device_id, COALESCE(key_package_hash, ''))
		WHERE state IN ('available', 'fetched')`,

		// Envelopes: ordered by (epoch, seq), deduplicated by client
		// message id, privacy-transformed size and receipt metadata.
		`CREATE TABLE IF NOT EXISTS envelopes (
			id VARCHAR(255) PRIMARY KEY,
			convo_id VARCHAR(255) NOT NULL,
			envelope_type VARCHAR(16) NOT NULL
				CHECK (envelope_type IN ('application', 'commit')),
			epoch BIGINT NOT NULL,
			seq BIGINT NOT NULL,
			ciphertext BYTEA NOT NULL,
			msg_id VARCHAR(255),
			sender_user_id VARCHAR(255),
			sender_device_id VARCHAR(255),
			padded_size BIGINT NOT NULL,
			received_bucket_ts BIGINT NOT NULL,
			idempotency_key VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT envelopes_convo_seq_unique UNIQUE (convo_id, epoch, seq),
			FOREIGN KEY (convo_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS envelopes_msg_id_unique
		ON envelopes(convo_id, msg_id) WHERE msg_id IS NOT NULL`,

		`CREATE UNIQUE INDEX IF NOT EXISTS envelopes_idempotency_key_unique
		ON envelopes(idempotency_key) WHERE idempotency_key IS NOT NULL`,

		`CREATE INDEX IF NOT EXISTS idx_envelopes_order
		ON envelopes(convo_id, epoch, seq)`,

		// Reports: opaque encrypted complaints with admin-only review.
		`CREATE TABLE IF NOT EXISTS reports (
			id VARCHAR(255) PRIMARY KEY,
			convo_id VARCHAR(255) NOT NULL,
			reporter_user_id VARCHAR(255) NOT NULL,
			reporter_device_id VARCHAR(255) NOT NULL,
			ciphertext BYTEA NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'resolved', 'dismissed')),
			resolved_by VARCHAR(255),
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (convo_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_reports_convo
		ON reports(convo_id, status, created_at)`,

		// Event stream: durable fan-out record; seq is the resume cursor.
		`CREATE TABLE IF NOT EXISTS event_stream (
			convo_id VARCHAR(255) NOT NULL,
			seq BIGINT NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			payload JSONB NOT NULL,
			emitted_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (convo_id, seq),
			FOREIGN KEY (convo_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
