// Package report drives asynchronous platform reports from submission
// through polling to download, parse, and ingest. Lifecycle state lives in
// the durable pending-report tracker, never in worker memory, so a restart
// resumes polling whatever is still outstanding.
package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"marketsync/internal/gateway"
	"marketsync/internal/models"
	"marketsync/internal/telemetry"
)

// Tracker is the durable record of submitted reports. *store.Store satisfies it.
type Tracker interface {
	UpsertPendingReport(ctx context.Context, r models.PendingReport) error
	PendingReports(ctx context.Context, reportType string) ([]models.PendingReport, error)
	MarkReportCompleted(ctx context.Context, reportID string) error
	MarkReportFailed(ctx context.Context, reportID, reason string) error
	MarkReportExpired(ctx context.Context, reportID string) error
	PurgeTerminalReports(ctx context.Context, olderThan time.Time) (int, error)
}

// Ingester consumes the parsed rows of one completed report and returns
// aggregate counts. Rows with unresolvable keys are counted skipped, not
// failed.
type Ingester func(ctx context.Context, rows []Row) (models.Counts, error)

// Manager owns every pending_reports status transition.
type Manager struct {
	gw         gateway.Client
	tracker    Tracker
	stuckAfter time.Duration
	retention  time.Duration
	now        func() time.Time
}

// NewManager builds a lifecycle manager. stuckAfter is the age past which a
// PENDING report is considered stuck; retention is how long terminal rows
// are kept before the sweep purges them.
func NewManager(gw gateway.Client, tracker Tracker, stuckAfter, retention time.Duration) *Manager {
	if stuckAfter == 0 {
		stuckAfter = 2 * time.Hour
	}
	if retention == 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Manager{
		gw:         gw,
		tracker:    tracker,
		stuckAfter: stuckAfter,
		retention:  retention,
		now:        time.Now,
	}
}

// Submit requests a report from the platform and tracks it. A duplicate
// rejection is recovered transparently: the existing report id from the
// platform's response is adopted as canonical and tracked as if the
// submission had succeeded. The tracker insert is idempotent, so submitting
// a report that resolves to an already-tracked id never creates a second
// row; if the sweep had already expired that row, tracking reopens it as
// PENDING so polling resumes instead of stalling until the platform's
// dedup window lapses. Any other submission failure is returned for the
// queue's retry policy to handle on the next scheduled run.
func (m *Manager) Submit(ctx context.Context, reportType string, req gateway.ReportRequest) (string, bool, error) {
	reportID, err := m.gw.CreateReport(ctx, req)
	reused := false
	if err != nil {
		var dup *gateway.DuplicateReportError
		if !errors.As(err, &dup) {
			return "", false, fmt.Errorf("submit %s: %w", reportType, err)
		}
		reportID = dup.ReportID
		reused = true
		telemetry.ReportsReused.Inc()
		log.Printf("report: %s submission is duplicate, reusing %s", reportType, reportID)
	} else {
		telemetry.ReportsSubmitted.Inc()
	}

	err = m.tracker.UpsertPendingReport(ctx, models.PendingReport{
		ReportID:   reportID,
		ReportType: reportType,
		Status:     models.ReportPending,
		DateRange:  fmt.Sprintf("%s - %s", req.StartDate, req.EndDate),
		CreatedAt:  m.now().UTC(),
	})
	if err != nil {
		return "", false, fmt.Errorf("track report %s: %w", reportID, err)
	}
	return reportID, reused, nil
}

// PollPending advances every PENDING report of the given type: completed
// reports are downloaded, parsed per their declared format, and handed to
// ingest; failed reports are finalized with the platform's reason; anything
// still in flight is left untouched for the next sweep. A report is only
// marked COMPLETED after its rows ingested successfully, so an ingest
// failure leaves it PENDING and the idempotent upserts make the reprocess
// safe.
func (m *Manager) PollPending(ctx context.Context, reportType, format string, ingest Ingester) (models.Counts, error) {
	pending, err := m.tracker.PendingReports(ctx, reportType)
	if err != nil {
		return models.Counts{}, fmt.Errorf("list pending reports: %w", err)
	}

	var total models.Counts
	var firstErr error
	for _, pr := range pending {
		status, err := m.gw.GetReportStatus(ctx, pr.ReportID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("poll %s: %w", pr.ReportID, err)
			}
			continue
		}
		switch NormalizeStatus(status.Status) {
		case models.ReportCompleted:
			counts, err := m.ingestCompleted(ctx, pr, status, format, ingest)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			total.Add(counts)
		case models.ReportFailed:
			reason := status.FailureReason
			if reason == "" {
				reason = fmt.Sprintf("platform status %s", status.Status)
			}
			if err := m.tracker.MarkReportFailed(ctx, pr.ReportID, reason); err != nil && firstErr == nil {
				firstErr = err
			}
			log.Printf("report: %s failed on platform: %s", pr.ReportID, reason)
		default:
			// Still in flight; next sweep will look again.
		}
	}
	return total, firstErr
}

func (m *Manager) ingestCompleted(ctx context.Context, pr models.PendingReport, status gateway.ReportStatus, format string, ingest Ingester) (models.Counts, error) {
	location := status.DownloadLocation()
	if location == "" {
		reason := "completed report has no download location"
		_ = m.tracker.MarkReportFailed(ctx, pr.ReportID, reason)
		return models.Counts{}, fmt.Errorf("report %s: %s", pr.ReportID, reason)
	}

	data, err := m.gw.DownloadReport(ctx, location, format)
	if err != nil {
		// Download may succeed on the next poll; leave PENDING.
		return models.Counts{}, fmt.Errorf("download %s: %w", pr.ReportID, err)
	}

	rows, err := ParseRows(data, format)
	if err != nil {
		// A malformed body will not fix itself; record the reason.
		reason := fmt.Sprintf("parse: %v", err)
		_ = m.tracker.MarkReportFailed(ctx, pr.ReportID, reason)
		return models.Counts{}, fmt.Errorf("report %s: %s", pr.ReportID, reason)
	}

	counts, err := ingest(ctx, rows)
	if err != nil {
		return models.Counts{}, fmt.Errorf("ingest %s: %w", pr.ReportID, err)
	}
	if err := m.tracker.MarkReportCompleted(ctx, pr.ReportID); err != nil {
		return models.Counts{}, fmt.Errorf("complete %s: %w", pr.ReportID, err)
	}
	log.Printf("report: %s ingested (processed=%d created=%d updated=%d skipped=%d)",
		pr.ReportID, counts.Processed, counts.Created, counts.Updated, counts.Skipped)
	return counts, nil
}

// Sweep expires PENDING reports older than the stuck threshold, so the
// owning processor submits a fresh report on its next run instead of
// polling one that will never complete, and purges terminal rows past the
// retention window. The sweep is the only writer of the EXPIRED state.
func (m *Manager) Sweep(ctx context.Context) (expired, purged int, err error) {
	now := m.now()
	pending, err := m.tracker.PendingReports(ctx, "")
	if err != nil {
		return 0, 0, fmt.Errorf("list pending reports: %w", err)
	}
	for _, pr := range pending {
		if !pr.Stuck(now, m.stuckAfter) {
			continue
		}
		if err := m.tracker.MarkReportExpired(ctx, pr.ReportID); err != nil {
			return expired, 0, fmt.Errorf("expire %s: %w", pr.ReportID, err)
		}
		telemetry.ReportsExpired.Inc()
		log.Printf("report: expired %s (age %s)", pr.ReportID, pr.Age(now).Round(time.Minute))
		expired++
	}
	purged, err = m.tracker.PurgeTerminalReports(ctx, now.Add(-m.retention))
	if err != nil {
		return expired, 0, fmt.Errorf("purge terminal reports: %w", err)
	}
	return expired, purged, nil
}

// NormalizeStatus maps the platform's report-status vocabulary, which varies
// between report families, onto the tracker's three-state model. Unknown
// values map to PENDING so a vocabulary drift never terminalizes a report
// that may still complete.
func NormalizeStatus(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DONE", "COMPLETED", "SUCCESS":
		return models.ReportCompleted
	case "FAILED", "CANCELLED", "FATAL":
		return models.ReportFailed
	default:
		return models.ReportPending
	}
}
