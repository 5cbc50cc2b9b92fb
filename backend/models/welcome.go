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

// Welcome delivery states. Fetching transitions available -> fetched
// without deleting the record; confirm transitions fetched -> consumed.
// Expired marks a welcome abandoned past its grace window and superseded
// by fresh join material.
const (
	WelcomeStateAvailable = "available"
	WelcomeStateFetched   = "fetched"
	WelcomeStateConsumed  = "consumed"
	WelcomeStateExpired   = "expired"
)

// Welcome is opaque join material addressed to one device. At most one
// unconsumed welcome may exist per (conversation, recipient device,
// key-package hash); redelivery inside the grace window always returns the
// identical payload.
type Welcome struct {
	ID                string     `json:"id" db:"id"`
	ConvoID           string     `json:"convo_id" db:"convo_id"`
	RecipientUserID   string     `json:"recipient_user_id" db:"recipient_user_id"`
	RecipientDeviceID string     `json:"recipient_device_id" db:"recipient_device_id"`
	WelcomeData       []byte     `json:"welcome_data" db:"welcome_data"`
	KeyPackageHash    string     `json:"key_package_hash,omitempty" db:"key_package_hash"`
	IssuerUserID      string     `json:"issuer_user_id" db:"issuer_user_id"`
	IssuerDeviceID    string     `json:"issuer_device_id" db:"issuer_device_id"`
	State             string     `json:"state" db:"state"`
	FetchedAt         *time.Time `json:"fetched_at,omitempty" db:"fetched_at"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

func (w *Welcome) Recipient() DeviceID {
	return DeviceID{UserID: w.RecipientUserID, DeviceID: w.RecipientDeviceID}
}

// Unconsumed reports whether the welcome is still live in the delivery
// protocol: not yet confirmed and not superseded.
func (w *Welcome) Unconsumed() bool {
	return w.State == WelcomeStateAvailable || w.State == WelcomeStateFetched
}

// InGrace reports whether a live welcome is still inside the window that
// must not be superseded or swept. Fetched welcomes count from the fetch,
// covering a client that crashed mid-application. An available welcome
// counts from creation: a recipient that never fetched it may have lost
// the matching key-package secret entirely, and holding it forever would
// block the rejoin that replaces it.
func (w *Welcome) InGrace(grace time.Duration, now time.Time) bool {
	switch w.State {
	case WelcomeStateAvailable:
		return now.Sub(w.CreatedAt) < grace
	case WelcomeStateFetched:
		return w.FetchedAt != nil && now.Sub(*w.FetchedAt) < grace
	}
	return false
}

// DeliverWelcomeParams carries fresh join material minted by an online
// member device for a rejoining target.
type DeliverWelcomeParams struct {
	ConvoID        string
	Issuer         DeviceID
	Target         DeviceID
	Welcome        []byte
	Commit         []byte
	KeyPackageHash string
}
