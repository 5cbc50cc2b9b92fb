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

package storage

import (
	"context"
	"time"

	"github.com/coterie-chat/coterie/backend/models"
)

// ConversationStore is the authoritative record of which devices belong to
// a conversation at which epoch. Every mutating method commits its epoch
// bump, membership rows, reservation consumption, welcome issuance and
// fan-out event as one atomic unit; partial application never survives a
// failure.
type ConversationStore interface {
	CreateConversation(ctx context.Context, params models.CreateConversationParams) (*models.Conversation, error)
	GetConversation(ctx context.Context, convoID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, caller models.DeviceID, limit, offset int) ([]models.Conversation, error)
	GetEpoch(ctx context.Context, convoID string) (int64, error)

	AddMembers(ctx context.Context, params models.AddMembersParams) (int64, error)
	RemoveMember(ctx context.Context, convoID string, caller models.DeviceID, targetUserID string, commit []byte) (int64, error)
	Leave(ctx context.Context, convoID string, caller models.DeviceID, commit []byte) (int64, error)

	ListMembers(ctx context.Context, convoID string) ([]models.Membership, error)
	GetMembership(ctx context.Context, convoID string, device models.DeviceID) (*models.Membership, error)
	IsMember(ctx context.Context, convoID string, device models.DeviceID) (bool, error)

	IsAdmin(ctx context.Context, convoID, userID string) (bool, error)
	PromoteAdmin(ctx context.Context, convoID string, caller models.DeviceID, targetUserID string) error
	DemoteAdmin(ctx context.Context, convoID string, caller models.DeviceID, targetUserID string) error

	MarkNeedsRejoin(ctx context.Context, convoID string, device models.DeviceID) error
	ResetUnread(ctx context.Context, convoID string, device models.DeviceID) error
}

// KeyPackageStore holds the pre-key inventory with reservation semantics.
type KeyPackageStore interface {
	PublishKeyPackages(ctx context.Context, owner models.DeviceID, cipherSuite string, packages [][]byte, expiresAt time.Time) (int, error)
	ClaimKeyPackage(ctx context.Context, owner models.DeviceID, cipherSuite, convoID string) (*models.ReservationTicket, error)
	KeyPackageStatus(ctx context.Context, owners []models.DeviceID) ([]models.KeyPackageStatus, error)

	ReleaseExpiredReservations(ctx context.Context) (int64, error)
	DeleteExpiredKeyPackages(ctx context.Context) (int64, error)
	EnforceKeyPackageLimit(ctx context.Context, maxPerDevice int) (int64, error)
}

// WelcomeStore orchestrates the two-phase join handoff.
type WelcomeStore interface {
	FetchWelcome(ctx context.Context, convoID string, recipient models.DeviceID) (*models.Welcome, error)
	ConfirmWelcome(ctx context.Context, convoID string, recipient models.DeviceID, leafIndex int32) error
	DeliverWelcome(ctx context.Context, params models.DeliverWelcomeParams) (*models.Welcome, error)
	CompactWelcomes(ctx context.Context, olderThan time.Duration) (int64, error)
}

// EnvelopeStore is the durable, ordered, deduplicated message store.
type EnvelopeStore interface {
	AppendEnvelope(ctx context.Context, params models.AppendEnvelopeParams) (*models.Envelope, error)
	ListEnvelopes(ctx context.Context, convoID string, caller models.DeviceID, sinceEpoch, sinceSeq int64, limit int) ([]models.Envelope, error)
	CompactEnvelopes(ctx context.Context) (int64, error)
}

type ReportStore interface {
	CreateReport(ctx context.Context, convoID string, reporter models.DeviceID, ciphertext []byte) (*models.Report, error)
	ListReports(ctx context.Context, convoID, status string, limit int) ([]models.Report, error)
	ResolveReport(ctx context.Context, reportID string, resolver models.DeviceID, status string) (*models.Report, error)
}

// EventStore exposes the durable side of fan-out: cursor-ordered backfill
// and retention trimming. Live delivery is best-effort and separate.
type EventStore interface {
	ListEventsAfter(ctx context.Context, convoID string, afterSeq int64, limit int) ([]models.Event, error)
	TrimEvents(ctx context.Context, retention time.Duration) (int64, error)
}

type Store interface {
	ConversationStore
	KeyPackageStore
	WelcomeStore
	EnvelopeStore
	ReportStore
	EventStore
}
