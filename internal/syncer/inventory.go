package syncer

import (
	"context"

	"marketsync/internal/gateway"
	"marketsync/internal/models"
)

// InventoryStore is the persistence surface the inventory processor writes
// through.
type InventoryStore interface {
	UpsertInventoryLevels(ctx context.Context, levels []models.InventoryLevel) (created, updated int, err error)
	KnownSKUs(ctx context.Context, skus []string) (map[string]bool, error)
}

// Inventory pulls marketplace stock positions and upserts them by SKU.
type Inventory struct {
	gw    gateway.Client
	store InventoryStore
	opts  Options
}

// NewInventory builds the inventory processor.
func NewInventory(gw gateway.Client, store InventoryStore, opts Options) *Inventory {
	return &Inventory{gw: gw, store: store, opts: opts}
}

func (p *Inventory) Domain() Domain { return DomainInventory }

// Run walks inventory pages, landing levels in sub-batches. Levels for SKUs
// missing from the local catalog are counted skipped rather than failing
// the batch.
func (p *Inventory) Run(ctx context.Context, _ *models.Job) (models.Counts, error) {
	var counts models.Counts
	batch := newBatcher(p.opts.BatchSize, func(ctx context.Context, levels []models.InventoryLevel) error {
		skus := make([]string, len(levels))
		for i, l := range levels {
			skus[i] = l.SKU
		}
		known, err := p.store.KnownSKUs(ctx, skus)
		if err != nil {
			return err
		}
		kept := levels[:0]
		for _, l := range levels {
			if !known[l.SKU] {
				counts.Skipped++
				continue
			}
			kept = append(kept, l)
		}
		created, updated, err := p.store.UpsertInventoryLevels(ctx, kept)
		counts.Created += created
		counts.Updated += updated
		return err
	})

	err := paginate(ctx, p.opts, func(ctx context.Context, token string) (string, error) {
		page, err := p.gw.ListInventory(ctx, token)
		if err != nil {
			return "", err
		}
		for _, level := range page.Levels {
			counts.Processed++
			if err := batch.add(ctx, level); err != nil {
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
