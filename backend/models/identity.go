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
	"fmt"
	"strings"
)

// DeviceID identifies one device belonging to one user. A user may hold
// several simultaneous device memberships, each with independent leaf
// state, so the two fields are kept explicit rather than packed into a
// suffixed string.
type DeviceID struct {
	UserID   string `json:"user_id" db:"user_id"`
	DeviceID string `json:"device_id" db:"device_id"`
}

// Key returns the derived compound key used wherever a single string
// identifier is needed (rate-limit buckets, cache keys, log fields).
func (d DeviceID) Key() string {
	return d.UserID + "#" + d.DeviceID
}

func (d DeviceID) String() string {
	return d.Key()
}

// Valid reports whether both components are present and free of the
// separator character.
func (d DeviceID) Valid() bool {
	return d.UserID != "" && d.DeviceID != "" &&
		!strings.Contains(d.UserID, "#") && !strings.Contains(d.DeviceID, "#")
}

// ParseDeviceKey splits a compound key back into its two components.
func ParseDeviceKey(key string) (DeviceID, error) {
	user, device, ok := strings.Cut(key, "#")
	if !ok || user == "" || device == "" {
		return DeviceID{}, fmt.Errorf("invalid device key %q", key)
	}
	return DeviceID{UserID: user, DeviceID: device}, nil
}
