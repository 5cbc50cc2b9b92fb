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

func (s *Store) CreateReport(ctx context.Context, convoID string, reporter models.DeviceID, ciphertext []byte) (*models.Report, error) {
	if len(ciphertext) == 0 {
		return nil, errs.InvalidRequest("empty report ciphertext")
	}
	if ok, err := s.IsMember(ctx, convoID, reporter); err != nil {
		return nil, err
	} else if !ok {
		return nil, errs.Unauthorized("reporter is not a member of the conversation")
	}

	r := &models.Report{
		ID:               uuid.New().String(),
		ConvoID:          convoID,
		ReporterUserID:   reporter.UserID,
		ReporterDeviceID: reporter.DeviceID,
		Ciphertext:       ciphertext,
		Status:           models.ReportStatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, convo_id, reporter_user_id, reporter_device_id, ciphertext, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ConvoID, r.ReporterUserID, r.ReporterDeviceID, r.Ciphertext, r.Status, r.CreatedAt)
	if err != nil {
		return nil, errs.Internal(err, "insert report")
	}
	return r, nil
}

func (s *Store) ListReports(ctx context.Context, convoID, status string, limit int) ([]models.Report, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, convo_id, reporter_user_id, reporter_device_id, ciphertext, status, resolved_by, resolved_at, created_at
			FROM reports WHERE convo_id = $1 AND status = $2
			ORDER BY created_at DESC LIMIT $3`, convoID, status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, convo_id, reporter_user_id, reporter_device_id, ciphertext, status, resolved_by, resolved_at, created_at
			FROM reports WHERE convo_id = $1
			ORDER BY created_at DESC LIMIT $2`, convoID, limit)
	}
	if err != nil {
		return nil, errs.Internal(err, "list reports")
	}
	defer rows.Close()

	var reports []models.Report
	for rows.Next() {
		var r models.Report
		var resolvedBy sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ConvoID, &r.ReporterUserID, &r.ReporterDeviceID,
			&r.Ciphertext, &r.Status, &resolvedBy, &resolvedAt, &r.CreatedAt); err != nil {
			return nil, errs.Internal(err, "scan report")
		}
		r.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			r.ResolvedAt = &resolvedAt.Time
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// ResolveReport moves a pending report to a terminal status. Re-resolving
// with the same status is a no-op; changing a terminal status is refused.
func (s *Store) ResolveReport(ctx context.Context, reportID string, resolver models.DeviceID, status string) (*models.Report, error) {
	if !models.ValidReportResolution(status) {
		return nil, errs.InvalidRequest("invalid resolution %q", status)
	}

	var report *models.Report
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var r models.Report
		var resolvedBy sql.NullString
		var resolvedAt sql.NullTime
		err := tx.QueryRow(`
			SELECT id, convo_id, reporter_user_id, reporter_device_id, ciphertext, status, resolved_by, resolved_at, created_at
			FROM reports WHERE id = $1
			FOR UPDATE`, reportID).
			Scan(&r.ID, &r.ConvoID, &r.ReporterUserID, &r.ReporterDeviceID,
				&r.Ciphertext, &r.Status, &resolvedBy, &resolvedAt, &r.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("report %s not found", reportID)
		}
		if err != nil {
			return errs.Internal(err, "load report")
		}
		r.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			r.ResolvedAt = &resolvedAt.Time
		}

		if admin, err := isAdminTx(tx, r.ConvoID, resolver.UserID); err != nil {
			return err
		} else if !admin {
			return errs.NotAdmin("only admins may resolve reports")
		}

		if r.Status != models.ReportStatusPending {
			if r.Status == status {
				report = &r
				return nil
			}
			return errs.InvalidState("report already %s", r.Status)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(`
			UPDATE reports SET status = $1, resolved_by = $2, resolved_at = $3 WHERE id = $4`,
			status, resolver.UserID, now, reportID); err != nil {
			return errs.Internal(err, "resolve report")
		}
		r.Status = status
		r.ResolvedBy = resolver.UserID
		r.ResolvedAt = &now
		report = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
