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

const (
	ReportStatusPending   = "pending"
	ReportStatusResolved  = "resolved"
	ReportStatusDismissed = "dismissed"
)

// Report is an encrypted member-to-admin complaint. The server stores and
// routes the ciphertext without decrypting; only admins of the
// conversation may enumerate or resolve.
type Report struct {
	ID               string     `json:"id" db:"id"`
	ConvoID          string     `json:"convo_id" db:"convo_id"`
	ReporterUserID   string     `json:"reporter_user_id" db:"reporter_user_id"`
	ReporterDeviceID string     `json:"reporter_device_id" db:"reporter_device_id"`
	Ciphertext       []byte     `json:"ciphertext" db:"ciphertext"`
	Status           string     `json:"status" db:"status"`
	ResolvedBy       string     `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// ValidReportResolution reports whether a status is a terminal resolution.
func ValidReportResolution(status string) bool {
	return status == ReportStatusResolved || status == ReportStatusDismissed
}
