package syncer

import (
	"context"
	"fmt"
	"time"

	"marketsync/internal/models"
)

// AlertStore is the persistence surface the alert processor uses.
type AlertStore interface {
	LowStockSKUs(ctx context.Context, threshold int) ([]models.InventoryLevel, error)
	UpsertAlert(ctx context.Context, a models.Alert) (bool, error)
	ClearStaleAlerts(ctx context.Context, alertType string, notSeenSince time.Time) (int, error)
	LastSuccessfulSyncAt(ctx context.Context, syncType string) (time.Time, error)
}

// Alerts derives operator alerts from ingested state: low stock on active
// SKUs and sync domains that have not succeeded recently. It has no
// external I/O.
type Alerts struct {
	store          AlertStore
	lowStockLevel  int
	staleSyncAfter time.Duration
	now            func() time.Time
}

// NewAlerts builds the alert processor.
func NewAlerts(store AlertStore, lowStockLevel int, staleSyncAfter time.Duration) *Alerts {
	if lowStockLevel == 0 {
		lowStockLevel = 5
	}
	if staleSyncAfter == 0 {
		staleSyncAfter = 24 * time.Hour
	}
	return &Alerts{store: store, lowStockLevel: lowStockLevel, staleSyncAfter: staleSyncAfter, now: time.Now}
}

func (p *Alerts) Domain() Domain { return DomainAlerts }

// Run regenerates the alert set. Alerts are keyed by (type, key) so each
// pass converges; conditions that no longer hold are cleared by the
// not-seen-since sweep at the end.
func (p *Alerts) Run(ctx context.Context, _ *models.Job) (models.Counts, error) {
	started := p.now()
	var counts models.Counts

	low, err := p.store.LowStockSKUs(ctx, p.lowStockLevel)
	if err != nil {
		return counts, err
	}
	for _, level := range low {
		counts.Processed++
		created, err := p.store.UpsertAlert(ctx, models.Alert{
			Type:    models.AlertLowStock,
			Key:     level.SKU,
			Message: fmt.Sprintf("SKU %s has %d units available", level.SKU, level.Available),
		})
		if err != nil {
			return counts, err
		}
		if created {
			counts.Created++
		} else {
			counts.Updated++
		}
	}

	for _, d := range []Domain{DomainOrders, DomainInventory, DomainFinances, DomainProducts} {
		counts.Processed++
		last, err := p.store.LastSuccessfulSyncAt(ctx, string(d))
		if err != nil {
			return counts, err
		}
		if !last.IsZero() && started.Sub(last) <= p.staleSyncAfter {
			counts.Skipped++
			continue
		}
		msg := fmt.Sprintf("%s sync has not succeeded since %s", d, last.Format(time.RFC3339))
		if last.IsZero() {
			msg = fmt.Sprintf("%s sync has never succeeded", d)
		}
		created, err := p.store.UpsertAlert(ctx, models.Alert{
			Type:    models.AlertStaleSync,
			Key:     string(d),
			Message: msg,
		})
		if err != nil {
			return counts, err
		}
		if created {
			counts.Created++
		} else {
			counts.Updated++
		}
	}

	for _, alertType := range []string{models.AlertLowStock, models.AlertStaleSync} {
		if _, err := p.store.ClearStaleAlerts(ctx, alertType, started); err != nil {
			return counts, err
		}
	}
	return counts, nil
}
