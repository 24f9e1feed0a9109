package syncer

import (
	"context"
	"time"

	"marketsync/internal/models"
)

// RollupStore recomputes derived daily aggregates inside Postgres.
type RollupStore interface {
	RebuildDailyRollups(ctx context.Context, from, to time.Time) (int, error)
}

// Aggregation recomputes (date, SKU) rollups over a trailing window from
// raw ingested facts. It is the compaction step of the pipeline and has no
// external I/O; re-running it converges because each key is upserted.
type Aggregation struct {
	store      RollupStore
	windowDays int
	now        func() time.Time
}

// NewAggregation builds the aggregation processor.
func NewAggregation(store RollupStore, windowDays int) *Aggregation {
	if windowDays == 0 {
		windowDays = 30
	}
	return &Aggregation{store: store, windowDays: windowDays, now: time.Now}
}

func (p *Aggregation) Domain() Domain { return DomainAggregation }

func (p *Aggregation) Run(ctx context.Context, _ *models.Job) (models.Counts, error) {
	now := p.now().UTC()
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -p.windowDays)
	n, err := p.store.RebuildDailyRollups(ctx, from, to)
	if err != nil {
		return models.Counts{}, err
	}
	return models.Counts{Processed: n, Updated: n}, nil
}
