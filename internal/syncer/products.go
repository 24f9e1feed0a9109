package syncer

import (
	"context"

	"marketsync/internal/gateway"
	"marketsync/internal/models"
)

// ProductStore is the persistence surface the catalog processor writes
// through.
type ProductStore interface {
	UpsertProducts(ctx context.Context, products []models.Product) (created, updated int, err error)
}

// Products pulls the full marketplace catalog and upserts entries by SKU.
type Products struct {
	gw    gateway.Client
	store ProductStore
	opts  Options
}

// NewProducts builds the product-catalog processor.
func NewProducts(gw gateway.Client, store ProductStore, opts Options) *Products {
	return &Products{gw: gw, store: store, opts: opts}
}

func (p *Products) Domain() Domain { return DomainProducts }

// Run walks catalog pages, landing entries in sub-batches. Entries without
// a SKU cannot be keyed and are counted skipped.
func (p *Products) Run(ctx context.Context, _ *models.Job) (models.Counts, error) {
	var counts models.Counts
	batch := newBatcher(p.opts.BatchSize, func(ctx context.Context, products []models.Product) error {
		created, updated, err := p.store.UpsertProducts(ctx, products)
		counts.Created += created
		counts.Updated += updated
		return err
	})

	err := paginate(ctx, p.opts, func(ctx context.Context, token string) (string, error) {
		page, err := p.gw.ListProducts(ctx, token)
		if err != nil {
			return "", err
		}
		for _, product := range page.Products {
			counts.Processed++
			if product.SKU == "" {
				counts.Skipped++
				continue
			}
			if err := batch.add(ctx, product); err != nil {
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
