// Package api exposes the operator-facing HTTP surface: manual sync
// triggers, run status, pending-report visibility, and the stop-all switch.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"marketsync/internal/config"
	"marketsync/internal/models"
	"marketsync/internal/queue"
	"marketsync/internal/ratelimit"
	"marketsync/internal/store"
	"marketsync/internal/syncer"
	"marketsync/internal/telemetry"
)

// stopTTL bounds how long the advisory stop flag suppresses new page fetches.
const stopTTL = 5 * time.Minute

// StatusStore is the read/control surface the API needs from the store.
// *store.Store satisfies it.
type StatusStore interface {
	LastSyncLog(ctx context.Context, syncType string) (models.SyncLog, bool, error)
	CancelRunningSyncLogs(ctx context.Context) (int, error)
	ResetConnectionStatus(ctx context.Context) error
	LeaseHeld(ctx context.Context, name string, staleAfter time.Duration) (bool, error)
	CountReports(ctx context.Context) ([]store.ReportStatusCount, error)
	PendingReports(ctx context.Context, reportType string) ([]models.PendingReport, error)
}

// Sweeper forces a report recovery sweep. *report.Manager satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (expired, purged int, err error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg     config.Config
	store   StatusStore
	queues  *queue.Redis
	limiter *ratelimit.TriggerLimiter
	sweeper Sweeper
}

// New constructs the API server.
func New(cfg config.Config, st StatusStore, queues *queue.Redis, limiter *ratelimit.TriggerLimiter, sweeper Sweeper) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queues:  queues,
		limiter: limiter,
		sweeper: sweeper,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/sync/trigger", s.handleTrigger)
	r.Get("/sync/status", s.handleStatus)
	r.Get("/sync/reports/pending", s.handlePendingReports)
	r.Post("/sync/reports/sweep", s.handleSweep)
	r.Post("/sync/stop", s.handleStop)
	return r
}

type triggerResponse struct {
	Jobs    map[string]string `json:"jobs"`
	Skipped []string          `json:"skipped,omitempty"`
}

// handleTrigger enqueues a one-shot run for one domain, or for every domain
// with type=all. Domains whose run lease is currently held are skipped: they
// are already in flight.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	if typ == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), sourceFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.TriggerRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var domains []syncer.Domain
	if typ == "all" {
		domains = syncer.AllDomains()
	} else {
		d, err := syncer.ParseDomain(typ)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		domains = []syncer.Domain{d}
	}

	resp := triggerResponse{Jobs: map[string]string{}}
	for _, d := range domains {
		held, err := s.store.LeaseHeld(r.Context(), "run:"+string(d), s.cfg.LeaseStaleAfter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if held {
			if len(domains) == 1 {
				telemetry.TriggerRejects.Inc()
				http.Error(w, "sync already in progress", http.StatusConflict)
				return
			}
			resp.Skipped = append(resp.Skipped, string(d))
			continue
		}
		id, err := s.queues.Queue(string(d)).Enqueue(r.Context(), string(d), map[string]any{"trigger": "manual"})
		if err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		resp.Jobs[string(d)] = id
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type domainStatus struct {
	LastRun        *models.SyncLog     `json:"last_run,omitempty"`
	Ready          int64               `json:"ready"`
	Scheduled      int64               `json:"scheduled"`
	RecentOutcomes []models.JobOutcome `json:"recent_outcomes,omitempty"`
}

type statusResponse struct {
	Domains map[string]domainStatus   `json:"domains"`
	Reports []store.ReportStatusCount `json:"reports,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Domains: map[string]domainStatus{}}
	for _, d := range syncer.AllDomains() {
		var ds domainStatus
		if entry, ok, err := s.store.LastSyncLog(r.Context(), string(d)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		} else if ok {
			ds.LastRun = &entry
		}
		q := s.queues.Queue(string(d))
		ready, scheduled, err := q.Depth(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ds.Ready = ready
		ds.Scheduled = scheduled
		if outcomes, err := q.RecentOutcomes(r.Context(), 10); err == nil {
			ds.RecentOutcomes = outcomes
		}
		resp.Domains[string(d)] = ds
	}
	counts, err := s.store.CountReports(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.Reports = counts
	writeJSON(w, http.StatusOK, resp)
}

type pendingReportView struct {
	models.PendingReport
	AgeSeconds int64 `json:"age_seconds"`
	Stuck      bool  `json:"stuck"`
}

func (s *Server) handlePendingReports(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.PendingReports(r.Context(), r.URL.Query().Get("report_type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	now := time.Now()
	views := make([]pendingReportView, 0, len(pending))
	for _, pr := range pending {
		views = append(views, pendingReportView{
			PendingReport: pr,
			AgeSeconds:    int64(pr.Age(now).Seconds()),
			Stuck:         pr.Stuck(now, s.cfg.ReportStuckAfter),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": views})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	expired, purged, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired, "purged": purged})
}

// handleStop raises the advisory stop flag, cancels every running sync log,
// and clears connection error flags so the next scheduled runs start clean.
// In-flight platform calls are not killed; their late results are discarded
// by the guarded sync-log updates.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.queues.SignalStop(r.Context(), stopTTL); err != nil {
		http.Error(w, "failed to raise stop flag", http.StatusInternalServerError)
		return
	}
	cancelled, err := s.store.CancelRunningSyncLogs(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.ResetConnectionStatus(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopping", "cancelled_runs": cancelled})
}

func sourceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
