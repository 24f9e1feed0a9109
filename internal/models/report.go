package models

import (
	"time"
)

// ReportState enumerates pending-report lifecycle states persisted in Postgres.
// PENDING is the only non-terminal state.
const (
	ReportPending   = "PENDING"
	ReportCompleted = "COMPLETED"
	ReportFailed    = "FAILED"
	ReportExpired   = "EXPIRED"
)

// Report type tags, one per report family.
const (
	ReportTypeAdsCampaign   = "ads-campaign-report"
	ReportTypeOrderCampaign = "order-campaign-report"
)

// PendingReport tracks one submitted asynchronous report on the platform.
// It is the single source of truth for "is this report still outstanding";
// worker restarts resume polling whatever is still PENDING.
type PendingReport struct {
	ReportID      string     `json:"report_id"`
	ReportType    string     `json:"report_type"`
	Status        string     `json:"status"`
	DateRange     string     `json:"date_range"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Age reports how long the report has been outstanding.
func (r PendingReport) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Stuck reports whether a PENDING report has outlived the given threshold and
// will likely never complete.
func (r PendingReport) Stuck(now time.Time, threshold time.Duration) bool {
	return r.Status == ReportPending && r.Age(now) > threshold
}

// SyncStatus enumerates sync-log states.
const (
	SyncRunning   = "running"
	SyncSuccess   = "success"
	SyncFailed    = "failed"
	SyncCancelled = "cancelled"
)

// SyncLog is one row per job execution.
type SyncLog struct {
	ID               int64          `json:"id"`
	SyncType         string         `json:"sync_type"`
	Status           string         `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	RecordsProcessed int            `json:"records_processed"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// RunLease is a persisted claim on a long-running sync. A lease with a stale
// heartbeat is reclaimable, so a crashed run never blocks new runs forever.
type RunLease struct {
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}
