package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SyncSuccess      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_runs_success_total", Help: "Sync runs that completed successfully"}, []string{"sync_type"})
	SyncFailures     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_runs_failed_total", Help: "Sync runs that failed"}, []string{"sync_type"})
	RecordsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_records_processed_total", Help: "Records processed across sync runs"}, []string{"sync_type"})
	RecordsSkipped   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_records_skipped_total", Help: "Records skipped for unresolvable references"}, []string{"sync_type"})
	ReportsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_reports_submitted_total", Help: "Fresh report submissions accepted by the platform"})
	ReportsReused    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_reports_reused_total", Help: "Report submissions recovered via the platform's duplicate response"})
	ReportsExpired   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_reports_expired_total", Help: "Stuck reports expired by the recovery sweep"})
	TriggerRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_trigger_rejects_total", Help: "Manual triggers rejected by rate limiting or an active run lease"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sync_queue_depth", Help: "Ready jobs per queue"}, []string{"queue"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SyncSuccess,
			SyncFailures,
			RecordsProcessed,
			RecordsSkipped,
			ReportsSubmitted,
			ReportsReused,
			ReportsExpired,
			TriggerRejects,
			QueueDepth,
		)
	})
	return promhttp.Handler()
}
