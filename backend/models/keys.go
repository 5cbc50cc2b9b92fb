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
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// KeyPackage is a single-use join ticket a device publishes so others can
// add it to a conversation. The material is opaque to the server; only
// hash, suite and expiry metadata are inspected.
//
// Lifecycle: published -> available -> reserved (exclusive, time-bounded)
// -> consumed (terminal), with expired reservations returning to available.
type KeyPackage struct {
	ID              string     `json:"id" db:"id"`
	OwnerUserID     string     `json:"owner_user_id" db:"owner_user_id"`
	OwnerDeviceID   string     `json:"owner_device_id" db:"owner_device_id"`
	CipherSuite     string     `json:"cipher_suite" db:"cipher_suite"`
	KeyData         []byte     `json:"key_data" db:"key_data"`
	KeyHash         string     `json:"key_hash" db:"key_hash"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at" db:"expires_at"`
	ReservedAt      *time.Time `json:"reserved_at,omitempty" db:"reserved_at"`
	ReservedByConvo string     `json:"reserved_by_convo,omitempty" db:"reserved_by_convo"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	ConsumedByConvo string     `json:"consumed_by_convo,omitempty" db:"consumed_by_convo"`
}

func (k *KeyPackage) Owner() DeviceID {
	return DeviceID{UserID: k.OwnerUserID, DeviceID: k.OwnerDeviceID}
}

// KeyPackageHash returns the hex SHA-256 content hash used for re-publish
// idempotency and for scoping welcome records to the consumed package.
func KeyPackageHash(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

// KeyPackageStatus summarizes inventory for one device, returned by the
// list-key-packages-for read so adders can tell whether a target is
// addable before attempting a reservation.
type KeyPackageStatus struct {
	Owner     DeviceID `json:"owner"`
	Available int      `json:"available"`
	Reserved  int      `json:"reserved"`
	Consumed  int      `json:"consumed"`
}

// ReservationTicket is the result of a claim: the package material the
// adder needs to build commit/welcome, plus the hash that the eventual
// consume must present for the same conversation.
type ReservationTicket struct {
	Owner       DeviceID  `json:"owner"`
	ConvoID     string    `json:"convo_id"`
	KeyHash     string    `json:"key_hash"`
	CipherSuite string    `json:"cipher_suite"`
	KeyData     []byte    `json:"key_data"`
	ReservedAt  time.Time `json:"reserved_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
