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
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/coterie-chat/coterie/backend/errs"
	"github.com/coterie-chat/coterie/backend/models"
)

// Publisher receives one event per successful state-changing commit.
// Delivery is best-effort and happens after the transaction commits; the
// event_stream table is the durable record.
type Publisher interface {
	Publish(event models.Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(models.Event) {}

// Config holds the store's time-window knobs.
type Config struct {
	ReservationTTL time.Duration
	WelcomeGrace   time.Duration
	MessageTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 5 * time.Minute
	}
	if c.WelcomeGrace <= 0 {
		c.WelcomeGrace = 5 * time.Minute
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 30 * 24 * time.Hour
	}
	return c
}

type Store struct {
	db  *sql.DB
	pub Publisher
	cfg Config
}

func NewStore(db *sql.DB, pub Publisher, cfg Config) *Store {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Store{db: db, pub: pub, cfg: cfg.withDefaults()}
}

// Ping reports database health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside one transaction. Cross-request coordination is the
// database's serialization, never an application mutex: a caller
// disconnecting mid-request rolls everything back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Internal(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Internal(err, "commit transaction")
	}
	return nil
}

// lockConversation takes the per-conversation row lock that serializes
// every epoch-bumping and sequence-assigning mutation.
func lockConversation(tx *sql.Tx, convoID string) (epoch int64, cipherSuite string, err error) {
	err = tx.QueryRow(`
		SELECT current_epoch, cipher_suite FROM conversations
		WHERE id = $1
		FOR UPDATE`, convoID).Scan(&epoch, &cipherSuite)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", errs.NotFound("conversation %s not found", convoID)
	}
	if err != nil {
		return 0, "", errs.Internal(err, "lock conversation")
	}
	return epoch, cipherSuite, nil
}

func isActiveMemberTx(tx *sql.Tx, convoID string, device models.DeviceID) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM members
			WHERE convo_id = $1 AND user_id = $2 AND device_id = $3 AND left_at IS NULL
		)`, convoID, device.UserID, device.DeviceID).Scan(&exists)
	if err != nil {
		return false, errs.Internal(err, "check membership")
	}
	return exists, nil
}

func isAdminTx(tx *sql.Tx, convoID, userID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM members
			WHERE convo_id = $1 AND user_id = $2 AND left_at IS NULL AND is_admin = TRUE
		)`, convoID, userID).Scan(&exists)
	if err != nil {
		return false, errs.Internal(err, "check admin")
	}
	return exists, nil
}

// insertEvent appends one fan-out event row under the conversation lock.
// The per-conversation sequence doubles as the stream resume cursor.
func insertEvent(tx *sql.Tx, convoID, eventType string, payload map[string]any) (models.Event, error) {
	var seq int64
	err := tx.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM event_stream WHERE convo_id = $1`,
		convoID).Scan(&seq)
	if err != nil {
		return models.Event{}, errs.Internal(err, "next event seq")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, errs.Internal(err, "encode event payload")
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO event_stream (convo_id, seq, event_type, payload, emitted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		convoID, seq, eventType, raw, now)
	if err != nil {
		return models.Event{}, errs.Internal(err, "insert event")
	}

	return models.Event{
		ConvoID:   convoID,
		Seq:       seq,
		Type:      eventType,
		Payload:   raw,
		EmittedAt: now,
	}, nil
}

// isUniqueViolation reports whether err is SQLSTATE 23505 on the named
// constraint (any constraint when name is empty).
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ttlSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
