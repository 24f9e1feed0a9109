package syncer

import (
	"context"
	"time"

	"marketsync/internal/gateway"
	"marketsync/internal/models"
)

// financesOverlap re-reads a slice of the previous window so events posted
// while the last run was finishing are not missed. Upserts make the overlap
// harmless.
const financesOverlap = time.Hour

// FinanceStore is the persistence surface the finances processor writes
// through.
type FinanceStore interface {
	UpsertFinancialEvents(ctx context.Context, events []models.FinancialEvent) (created, updated int, err error)
	KnownOrders(ctx context.Context, externalIDs []string) (map[string]bool, error)
}

// Finances pulls settlement events incrementally and upserts them by event id.
type Finances struct {
	gw    gateway.Client
	store FinanceStore
	clock SyncClock
	opts  Options
}

// NewFinances builds the financial-events processor.
func NewFinances(gw gateway.Client, store FinanceStore, clock SyncClock, opts Options) *Finances {
	return &Finances{gw: gw, store: store, clock: clock, opts: opts}
}

func (p *Finances) Domain() Domain { return DomainFinances }

// Run walks financial-event pages since the last successful run, landing
// them in sub-batches. Events referencing orders not yet ingested locally
// are counted skipped; a later run picks them up once the order sync has
// caught up.
func (p *Finances) Run(ctx context.Context, _ *models.Job) (models.Counts, error) {
	since, err := p.clock.LastSuccessfulSyncAt(ctx, string(DomainFinances))
	if err != nil {
		return models.Counts{}, err
	}
	if since.IsZero() {
		since = time.Now().Add(-defaultLookback)
	} else {
		since = since.Add(-financesOverlap)
	}

	var counts models.Counts
	batch := newBatcher(p.opts.BatchSize, func(ctx context.Context, events []models.FinancialEvent) error {
		var ids []string
		for _, e := range events {
			if e.OrderExternalID != "" {
				ids = append(ids, e.OrderExternalID)
			}
		}
		known, err := p.store.KnownOrders(ctx, ids)
		if err != nil {
			return err
		}
		kept := events[:0]
		for _, e := range events {
			if e.OrderExternalID != "" && !known[e.OrderExternalID] {
				counts.Skipped++
				continue
			}
			kept = append(kept, e)
		}
		created, updated, err := p.store.UpsertFinancialEvents(ctx, kept)
		counts.Created += created
		counts.Updated += updated
		return err
	})

	err = paginate(ctx, p.opts, func(ctx context.Context, token string) (string, error) {
		page, err := p.gw.ListFinancialEvents(ctx, since, token)
		if err != nil {
			return "", err
		}
		for _, event := range page.Events {
			counts.Processed++
			if err := batch.add(ctx, event); err != nil {
				return "", err
			}
		}
		return page.NextToken, nil
	})
	if err != nil {
		return counts, err
	}
	return counts, batch.finish(ctx)
}
