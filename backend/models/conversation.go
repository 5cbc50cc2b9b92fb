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
	"time"
)

// DefaultCipherSuite is assumed when a client registers no preference.
const DefaultCipherSuite = "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"

type Conversation struct {
	ID              string    `json:"id" db:"id"`
	CreatorUserID   string    `json:"creator_user_id" db:"creator_user_id"`
	CreatorDeviceID string    `json:"creator_device_id" db:"creator_device_id"`
	Epoch           int64     `json:"epoch" db:"current_epoch"`
	CipherSuite     string    `json:"cipher_suite" db:"cipher_suite"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Membership is one (conversation, device) row. LeafIndex stays NULL until
// the device has confirmed its join material: authorized but not yet
// convergent is a distinct state from membership existence.
type Membership struct {
	ConvoID           string     `json:"convo_id" db:"convo_id"`
	UserID            string     `json:"user_id" db:"user_id"`
	DeviceID          string     `json:"device_id" db:"device_id"`
	JoinedAt          time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt            *time.Time `json:"left_at,omitempty" db:"left_at"`
	LeafIndex         *int32     `json:"leaf_index,omitempty" db:"leaf_index"`
	IsAdmin           bool       `json:"is_admin" db:"is_admin"`
	PromotedAt        *time.Time `json:"promoted_at,omitempty" db:"promoted_at"`
	PromotedBy        string     `json:"promoted_by,omitempty" db:"promoted_by"`
	NeedsRejoin       bool       `json:"needs_rejoin" db:"needs_rejoin"`
	RejoinRequestedAt *time.Time `json:"rejoin_requested_at,omitempty" db:"rejoin_requested_at"`
	UnreadCount       int        `json:"unread_count" db:"unread_count"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty" db:"last_read_at"`
}

func (m *Membership) Device() DeviceID {
	return DeviceID{UserID: m.UserID, DeviceID: m.DeviceID}
}

func (m *Membership) IsActive() bool {
	return m.LeftAt == nil
}

// Convergent reports whether the device has processed its join material.
func (m *Membership) Convergent() bool {
	return m.LeftAt == nil && m.LeafIndex != nil
}

// AddTarget names one device to add to a conversation. KeyPackageHash is
// optional: when set, the add consumes a reservation made earlier by a
// claim call for the same conversation; when empty, the add reserves the
// oldest available package itself.
type AddTarget struct {
	Device         DeviceID `json:"device"`
	KeyPackageHash string   `json:"key_package_hash,omitempty"`
}

// CreateConversationParams carries everything the create operation commits
// atomically: the conversation row, the creator's admin membership, and the
// initial member adds with their welcome material.
type CreateConversationParams struct {
	ID             string
	Creator        DeviceID
	CipherSuite    string
	InitialMembers []AddTarget
	Welcome        []byte
	IdempotencyKey string
}

// AddMembersParams carries one epoch-advancing add operation. Commit is the
// opaque commit ciphertext stored as a commit envelope at the new epoch;
// Welcome is the opaque join payload stored once per target, scoped to the
// key-package hash consumed for that target.
type AddMembersParams struct {
	ConvoID string
	Caller  DeviceID
	Targets []AddTarget
	Commit  []byte
	Welcome []byte
}
