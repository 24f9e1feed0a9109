package syncer

import (
	"context"
	"log"
	"time"

	"marketsync/internal/models"
	"marketsync/internal/report"
)

// MaintenanceStore is the housekeeping surface of the persistence layer.
type MaintenanceStore interface {
	PurgeSyncLogs(ctx context.Context, olderThan time.Time) (int, error)
	ReleaseStaleLeases(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Maintenance runs the recovery sweeps: expiring stuck reports, purging old
// terminal reports and sync logs, and reclaiming stale run leases.
type Maintenance struct {
	mgr          *report.Manager
	store        MaintenanceStore
	logRetention time.Duration
	leaseStale   time.Duration
	now          func() time.Time
}

// NewMaintenance builds the maintenance processor.
func NewMaintenance(mgr *report.Manager, store MaintenanceStore, logRetention, leaseStale time.Duration) *Maintenance {
	if logRetention == 0 {
		logRetention = 30 * 24 * time.Hour
	}
	if leaseStale == 0 {
		leaseStale = 15 * time.Minute
	}
	return &Maintenance{mgr: mgr, store: store, logRetention: logRetention, leaseStale: leaseStale, now: time.Now}
}

func (p *Maintenance) Domain() Domain { return DomainMaintenance }

func (p *Maintenance) Run(ctx context.Context, _ *models.Job) (models.Counts, error) {
	expired, purgedReports, err := p.mgr.Sweep(ctx)
	if err != nil {
		return models.Counts{}, err
	}
	purgedLogs, err := p.store.PurgeSyncLogs(ctx, p.now().Add(-p.logRetention))
	if err != nil {
		return models.Counts{}, err
	}
	leases, err := p.store.ReleaseStaleLeases(ctx, p.leaseStale)
	if err != nil {
		return models.Counts{}, err
	}
	if expired+purgedReports+purgedLogs+leases > 0 {
		log.Printf("maintenance: expired=%d purged_reports=%d purged_logs=%d released_leases=%d",
			expired, purgedReports, purgedLogs, leases)
	}
	return models.Counts{Processed: expired + purgedReports + purgedLogs + leases}, nil
}
