package syncer

import (
	"context"
	"time"

	"marketsync/internal/gateway"
	"marketsync/internal/models"
)

// defaultLookback bounds the first sync of a domain that has never succeeded.
const defaultLookback = 30 * 24 * time.Hour

// SyncClock reads when a domain last synced successfully, to derive
// incremental windows.
type SyncClock interface {
	LastSuccessfulSyncAt(ctx context.Context, syncType string) (time.Time, error)
}

// OrderStore is the persistence surface the orders processor writes through.
// Writes take whole sub-batches; SKU existence is resolved once per
// sub-batch.
type OrderStore interface {
	UpsertOrders(ctx context.Context, orders []models.Order) (created, updated int, err error)
	KnownSKUs(ctx context.Context, skus []string) (map[string]bool, error)
}

// Orders pulls marketplace orders incrementally and upserts them by
// external order id.
type Orders struct {
	gw    gateway.Client
	store OrderStore
	clock SyncClock
	opts  Options
}

// NewOrders builds the orders processor.
func NewOrders(gw gateway.Client, store OrderStore, clock SyncClock, opts Options) *Orders {
	return &Orders{gw: gw, store: store, clock: clock, opts: opts}
}

func (p *Orders) Domain() Domain { return DomainOrders }

// Run walks order pages since the last successful run, landing them in
// sub-batches. Items referencing SKUs unknown to the catalog are dropped
// from the order and counted as skipped; the order row itself still lands.
func (p *Orders) Run(ctx context.Context, _ *models.Job) (models.Counts, error) {
	since, err := p.clock.LastSuccessfulSyncAt(ctx, string(DomainOrders))
	if err != nil {
		return models.Counts{}, err
	}
	if since.IsZero() {
		since = time.Now().Add(-defaultLookback)
	}

	var counts models.Counts
	batch := newBatcher(p.opts.BatchSize, func(ctx context.Context, orders []models.Order) error {
		var skus []string
		for _, o := range orders {
			for _, item := range o.Items {
				skus = append(skus, item.SKU)
			}
		}
		known, err := p.store.KnownSKUs(ctx, skus)
		if err != nil {
			return err
		}
		for i := range orders {
			kept := make([]models.OrderItem, 0, len(orders[i].Items))
			for _, item := range orders[i].Items {
				if !known[item.SKU] {
					counts.Skipped++
					continue
				}
				kept = append(kept, item)
			}
			orders[i].Items = kept
		}
		created, updated, err := p.store.UpsertOrders(ctx, orders)
		counts.Created += created
		counts.Updated += updated
		return err
	})

	err = paginate(ctx, p.opts, func(ctx context.Context, token string) (string, error) {
		page, err := p.gw.ListOrders(ctx, since, token)
		if err != nil {
			return "", err
		}
		for _, o := range page.Orders {
			counts.Processed++
			if err := batch.add(ctx, o); err != nil {
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
