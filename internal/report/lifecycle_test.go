package report

import (
	"context"
	"fmt"
	"testing"
	"time"

	"marketsync/internal/gateway"
	"marketsync/internal/models"
)

type fakeTracker struct {
	rows map[string]*models.PendingReport
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{rows: make(map[string]*models.PendingReport)}
}

func (f *fakeTracker) UpsertPendingReport(_ context.Context, r models.PendingReport) error {
	if existing, ok := f.rows[r.ReportID]; ok {
		// Expired rows are reopened; any other tracked row is left alone.
		if existing.Status == models.ReportExpired {
			existing.Status = models.ReportPending
			existing.DateRange = r.DateRange
			existing.CreatedAt = r.CreatedAt
			existing.FailureReason = nil
			existing.CompletedAt = nil
		}
		return nil
	}
	copied := r
	f.rows[r.ReportID] = &copied
	return nil
}

func (f *fakeTracker) PendingReports(_ context.Context, reportType string) ([]models.PendingReport, error) {
	var out []models.PendingReport
	for _, r := range f.rows {
		if r.Status != models.ReportPending {
			continue
		}
		if reportType != "" && r.ReportType != reportType {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeTracker) transition(reportID, status string, reason *string) error {
	r, ok := f.rows[reportID]
	if !ok || r.Status != models.ReportPending {
		return nil
	}
	r.Status = status
	r.FailureReason = reason
	now := time.Now()
	r.CompletedAt = &now
	return nil
}

func (f *fakeTracker) MarkReportCompleted(_ context.Context, reportID string) error {
	return f.transition(reportID, models.ReportCompleted, nil)
}

func (f *fakeTracker) MarkReportFailed(_ context.Context, reportID, reason string) error {
	return f.transition(reportID, models.ReportFailed, &reason)
}

func (f *fakeTracker) MarkReportExpired(_ context.Context, reportID string) error {
	reason := "expired by recovery sweep"
	return f.transition(reportID, models.ReportExpired, &reason)
}

func (f *fakeTracker) PurgeTerminalReports(_ context.Context, olderThan time.Time) (int, error) {
	purged := 0
	for id, r := range f.rows {
		if r.Status == models.ReportPending {
			continue
		}
		finished := r.CreatedAt
		if r.CompletedAt != nil {
			finished = *r.CompletedAt
		}
		if finished.Before(olderThan) {
			delete(f.rows, id)
			purged++
		}
	}
	return purged, nil
}

type fakeGateway struct {
	gateway.Client

	createErr error
	createID  string
	statuses  map[string]gateway.ReportStatus
	bodies    map[string][]byte
}

func (f *fakeGateway) CreateReport(context.Context, gateway.ReportRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createID, nil
}

func (f *fakeGateway) GetReportStatus(_ context.Context, reportID string) (gateway.ReportStatus, error) {
	s, ok := f.statuses[reportID]
	if !ok {
		return gateway.ReportStatus{}, fmt.Errorf("unknown report %s", reportID)
	}
	return s, nil
}

func (f *fakeGateway) DownloadReport(_ context.Context, location, _ string) ([]byte, error) {
	body, ok := f.bodies[location]
	if !ok {
		return nil, fmt.Errorf("unknown location %s", location)
	}
	return body, nil
}

func TestSubmit_DuplicateConvergesToOnePendingRow(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	gw := &fakeGateway{createErr: &gateway.DuplicateReportError{ReportID: "R1"}}
	m := NewManager(gw, tracker, 2*time.Hour, 7*24*time.Hour)

	for i := 0; i < 3; i++ {
		id, reused, err := m.Submit(ctx, models.ReportTypeAdsCampaign, gateway.ReportRequest{
			StartDate: "2026-08-01", EndDate: "2026-08-01",
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if id != "R1" || !reused {
			t.Fatalf("submit %d: expected reused R1, got id=%s reused=%v", i, id, reused)
		}
	}

	pending, _ := tracker.PendingReports(ctx, "")
	if len(pending) != 1 || pending[0].ReportID != "R1" {
		t.Fatalf("expected exactly one PENDING row for R1, got %+v", pending)
	}
}

func TestSubmit_DuplicateReopensExpiredRow(t *testing.T) {
	// The sweep expired R1 locally, but the platform still considers it
	// outstanding and answers the next submission with a duplicate of R1.
	// Adopting the id must bring the row back to PENDING, or no poll would
	// ever look at it again.
	ctx := context.Background()
	tracker := newFakeTracker()
	stale := time.Now().Add(-3 * time.Hour)
	done := time.Now().Add(-time.Hour)
	tracker.rows["R1"] = &models.PendingReport{
		ReportID:    "R1",
		ReportType:  models.ReportTypeAdsCampaign,
		Status:      models.ReportExpired,
		CreatedAt:   stale,
		CompletedAt: &done,
	}
	gw := &fakeGateway{createErr: &gateway.DuplicateReportError{ReportID: "R1"}}
	m := NewManager(gw, tracker, 2*time.Hour, 7*24*time.Hour)

	id, reused, err := m.Submit(ctx, models.ReportTypeAdsCampaign, gateway.ReportRequest{
		StartDate: "2026-08-02", EndDate: "2026-08-02",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "R1" || !reused {
		t.Fatalf("expected reused R1, got id=%s reused=%v", id, reused)
	}

	row := tracker.rows["R1"]
	if row.Status != models.ReportPending {
		t.Fatalf("expired row should be reopened as PENDING, got %s", row.Status)
	}
	if !row.CreatedAt.After(stale) {
		t.Fatalf("reopened row should restart the stuck clock, created_at still %v", row.CreatedAt)
	}
	if row.CompletedAt != nil {
		t.Fatalf("reopened row should clear completed_at, got %v", row.CompletedAt)
	}
	pending, _ := tracker.PendingReports(ctx, models.ReportTypeAdsCampaign)
	if len(pending) != 1 || pending[0].ReportID != "R1" {
		t.Fatalf("poll should see the reopened report, got %+v", pending)
	}
}

func TestSubmit_FreshReportTracked(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	gw := &fakeGateway{createID: "R9"}
	m := NewManager(gw, tracker, 0, 0)

	id, reused, err := m.Submit(ctx, models.ReportTypeAdsCampaign, gateway.ReportRequest{StartDate: "a", EndDate: "b"})
	if err != nil || id != "R9" || reused {
		t.Fatalf("unexpected submit result id=%s reused=%v err=%v", id, reused, err)
	}
	if tracker.rows["R9"] == nil || tracker.rows["R9"].DateRange != "a - b" {
		t.Fatalf("report not tracked: %+v", tracker.rows)
	}
}

func TestPollPending_EndToEnd(t *testing.T) {
	// Full scenario: duplicate submission resolves to R1, the poll reports
	// DONE with a location, the body parses into 3 rows of which one has no
	// resolvable key, ingestion reports created=2 skipped=1, and the tracker
	// row transitions to COMPLETED.
	ctx := context.Background()
	tracker := newFakeTracker()
	gw := &fakeGateway{
		createErr: &gateway.DuplicateReportError{ReportID: "R1"},
		statuses: map[string]gateway.ReportStatus{
			"R1": {Status: "DONE", Location: "loc-1"},
		},
		bodies: map[string][]byte{
			"loc-1": []byte(`[{"campaignId":"c1"},{"campaignId":"c2"},{"campaignId":""}]`),
		},
	}
	m := NewManager(gw, tracker, 2*time.Hour, 7*24*time.Hour)

	if _, _, err := m.Submit(ctx, models.ReportTypeAdsCampaign, gateway.ReportRequest{}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	counts, err := m.PollPending(ctx, models.ReportTypeAdsCampaign, gateway.FormatJSON,
		func(_ context.Context, rows []Row) (models.Counts, error) {
			var c models.Counts
			for _, row := range rows {
				c.Processed++
				if row.String("campaignId") == "" {
					c.Skipped++
					continue
				}
				c.Created++
			}
			return c, nil
		})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if counts.Created != 2 || counts.Skipped != 1 || counts.Processed != 3 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if got := tracker.rows["R1"].Status; got != models.ReportCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
}

func TestPollPending_PlatformFailureRecorded(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	_ = tracker.UpsertPendingReport(ctx, models.PendingReport{
		ReportID: "R2", ReportType: models.ReportTypeAdsCampaign,
		Status: models.ReportPending, CreatedAt: time.Now(),
	})
	gw := &fakeGateway{statuses: map[string]gateway.ReportStatus{
		"R2": {Status: "CANCELLED", FailureReason: "cancelled by platform"},
	}}
	m := NewManager(gw, tracker, 0, 0)

	if _, err := m.PollPending(ctx, models.ReportTypeAdsCampaign, gateway.FormatJSON, nil); err != nil {
		t.Fatalf("poll: %v", err)
	}
	row := tracker.rows["R2"]
	if row.Status != models.ReportFailed || row.FailureReason == nil || *row.FailureReason != "cancelled by platform" {
		t.Fatalf("failure not recorded: %+v", row)
	}
}

func TestPollPending_InProgressUntouched(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	_ = tracker.UpsertPendingReport(ctx, models.PendingReport{
		ReportID: "R3", ReportType: models.ReportTypeAdsCampaign,
		Status: models.ReportPending, CreatedAt: time.Now(),
	})
	gw := &fakeGateway{statuses: map[string]gateway.ReportStatus{
		"R3": {Status: "IN_PROGRESS"},
	}}
	m := NewManager(gw, tracker, 0, 0)

	if _, err := m.PollPending(ctx, models.ReportTypeAdsCampaign, gateway.FormatJSON, nil); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if tracker.rows["R3"].Status != models.ReportPending {
		t.Fatalf("in-progress report must stay PENDING, got %s", tracker.rows["R3"].Status)
	}
}

func TestPollPending_ParseFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	_ = tracker.UpsertPendingReport(ctx, models.PendingReport{
		ReportID: "R4", ReportType: models.ReportTypeAdsCampaign,
		Status: models.ReportPending, CreatedAt: time.Now(),
	})
	gw := &fakeGateway{
		statuses: map[string]gateway.ReportStatus{"R4": {Status: "DONE", URL: "loc-4"}},
		bodies:   map[string][]byte{"loc-4": []byte(`{not json array`)},
	}
	m := NewManager(gw, tracker, 0, 0)

	_, err := m.PollPending(ctx, models.ReportTypeAdsCampaign, gateway.FormatJSON, nil)
	if err == nil {
		t.Fatal("expected parse error surfaced")
	}
	row := tracker.rows["R4"]
	if row.Status != models.ReportFailed || row.FailureReason == nil {
		t.Fatalf("parse failure not recorded: %+v", row)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	now := time.Now()

	stale := models.PendingReport{ReportID: "old", ReportType: "t", Status: models.ReportPending, CreatedAt: now.Add(-3 * time.Hour)}
	fresh := models.PendingReport{ReportID: "new", ReportType: "t", Status: models.ReportPending, CreatedAt: now.Add(-1 * time.Hour)}
	_ = tracker.UpsertPendingReport(ctx, stale)
	_ = tracker.UpsertPendingReport(ctx, fresh)

	eightDays := now.Add(-8 * 24 * time.Hour)
	sixDays := now.Add(-6 * 24 * time.Hour)
	tracker.rows["done-old"] = &models.PendingReport{ReportID: "done-old", Status: models.ReportCompleted, CreatedAt: eightDays, CompletedAt: &eightDays}
	tracker.rows["done-new"] = &models.PendingReport{ReportID: "done-new", Status: models.ReportCompleted, CreatedAt: sixDays, CompletedAt: &sixDays}

	m := NewManager(&fakeGateway{}, tracker, 2*time.Hour, 7*24*time.Hour)
	expired, purged, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired, got %d", expired)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if tracker.rows["old"].Status != models.ReportExpired {
		t.Fatalf("3h-old PENDING report should be EXPIRED, got %s", tracker.rows["old"].Status)
	}
	if tracker.rows["new"].Status != models.ReportPending {
		t.Fatalf("1h-old PENDING report should be untouched, got %s", tracker.rows["new"].Status)
	}
	if _, ok := tracker.rows["done-old"]; ok {
		t.Fatal("8-day-old COMPLETED report should be purged")
	}
	if _, ok := tracker.rows["done-new"]; !ok {
		t.Fatal("6-day-old COMPLETED report should be kept")
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"DONE":        models.ReportCompleted,
		"COMPLETED":   models.ReportCompleted,
		"done":        models.ReportCompleted,
		"FAILED":      models.ReportFailed,
		"CANCELLED":   models.ReportFailed,
		"FATAL":       models.ReportFailed,
		"PENDING":     models.ReportPending,
		"IN_PROGRESS": models.ReportPending,
		"QUEUED":      models.ReportPending,
		"":            models.ReportPending,
		"SOMETHING":   models.ReportPending,
	}
	for in, want := range cases {
		if got := NormalizeStatus(in); got != want {
			t.Fatalf("NormalizeStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
