package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"marketsync/internal/models"
)

// UpsertPendingReport records a submitted report, keyed by report_id so at
// most one row exists per report. An already-tracked id is left alone, with
// one exception: a row the sweep expired is reopened as PENDING with a
// fresh created_at. The platform deduplicates onto reports it still
// considers outstanding, so an adopted id must be pollable again or the
// report stalls until the dedup window lapses.
func (s *Store) UpsertPendingReport(ctx context.Context, r models.PendingReport) error {
	if r.Status == "" {
		r.Status = models.ReportPending
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_reports (report_id, report_type, status, date_range, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (report_id) DO UPDATE
		SET status = EXCLUDED.status, date_range = EXCLUDED.date_range,
		    created_at = EXCLUDED.created_at, failure_reason = NULL, completed_at = NULL
		WHERE pending_reports.status = $6
	`, r.ReportID, r.ReportType, r.Status, r.DateRange, created, models.ReportExpired)
	if err != nil {
		return fmt.Errorf("upsert pending report %s: %w", r.ReportID, err)
	}
	return nil
}

// PendingReports lists PENDING rows, optionally filtered by report type.
func (s *Store) PendingReports(ctx context.Context, reportType string) ([]models.PendingReport, error) {
	query := `
		SELECT report_id, report_type, status, date_range, failure_reason, created_at, completed_at
		FROM pending_reports WHERE status = $1`
	args := []any{models.ReportPending}
	if reportType != "" {
		query += ` AND report_type = $2`
		args = append(args, reportType)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending reports: %w", err)
	}
	defer rows.Close()

	var out []models.PendingReport
	for rows.Next() {
		r, err := scanPendingReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReportCompleted transitions a report to COMPLETED. Guarded on PENDING;
// terminal states are never overwritten.
func (s *Store) MarkReportCompleted(ctx context.Context, reportID string) error {
	return s.transitionReport(ctx, reportID, models.ReportCompleted, nil)
}

// MarkReportFailed transitions a report to FAILED with the reason.
func (s *Store) MarkReportFailed(ctx context.Context, reportID, reason string) error {
	return s.transitionReport(ctx, reportID, models.ReportFailed, &reason)
}

// MarkReportExpired transitions a report to EXPIRED. Only the recovery sweep
// calls this.
func (s *Store) MarkReportExpired(ctx context.Context, reportID string) error {
	reason := "expired by recovery sweep"
	return s.transitionReport(ctx, reportID, models.ReportExpired, &reason)
}

func (s *Store) transitionReport(ctx context.Context, reportID, status string, reason *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pending_reports
		SET status = $2, failure_reason = $3, completed_at = NOW()
		WHERE report_id = $1 AND status = $4
	`, reportID, status, reason, models.ReportPending)
	if err != nil {
		return fmt.Errorf("transition report %s to %s: %w", reportID, status, err)
	}
	return nil
}

// PurgeTerminalReports deletes non-PENDING rows whose run finished before
// the cutoff, returning how many were removed.
func (s *Store) PurgeTerminalReports(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pending_reports
		WHERE status <> $1 AND COALESCE(completed_at, created_at) < $2
	`, models.ReportPending, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge terminal reports: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReportStatusCount is one (type, status) bucket for the status endpoint.
type ReportStatusCount struct {
	ReportType string `json:"report_type"`
	Status     string `json:"status"`
	Count      int    `json:"count"`
}

// CountReports groups pending_reports by type and status.
func (s *Store) CountReports(ctx context.Context) ([]ReportStatusCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT report_type, status, COUNT(*)
		FROM pending_reports
		GROUP BY report_type, status
		ORDER BY report_type, status
	`)
	if err != nil {
		return nil, fmt.Errorf("count reports: %w", err)
	}
	defer rows.Close()

	var out []ReportStatusCount
	for rows.Next() {
		var c ReportStatusCount
		if err := rows.Scan(&c.ReportType, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan report count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanPendingReport(row rowScanner) (models.PendingReport, error) {
	var r models.PendingReport
	var reason pgtype.Text
	var completed pgtype.Timestamptz
	if err := row.Scan(&r.ReportID, &r.ReportType, &r.Status, &r.DateRange, &reason, &r.CreatedAt, &completed); err != nil {
		return models.PendingReport{}, fmt.Errorf("scan pending report: %w", err)
	}
	if reason.Valid {
		r.FailureReason = &reason.String
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}
