package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"marketsync/internal/models"
)

// Upserts below key on natural external identifiers (order id, SKU, event
// id), never on surrogate ids, so redelivery of the same record from retries
// or overlapping schedules converges to the same stored state. Writes are
// batched: each method takes one sub-batch, queues one statement per record
// into a pgx.Batch, and drains the per-row created-vs-updated results read
// back via the xmax = 0 trick, so a page of records costs one round trip
// instead of one per record.

// UpsertOrders writes a sub-batch of orders and their items in one
// pipelined transaction.
func (s *Store) UpsertOrders(ctx context.Context, orders []models.Order) (created, updated int, err error) {
	if len(orders) == 0 {
		return 0, 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	b := &pgx.Batch{}
	for _, o := range orders {
		b.Queue(`
			INSERT INTO orders (external_id, status, purchased_at, currency, total, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (external_id) DO UPDATE
			SET status = EXCLUDED.status, purchased_at = EXCLUDED.purchased_at,
			    currency = EXCLUDED.currency, total = EXCLUDED.total, updated_at = NOW()
			RETURNING (xmax = 0)
		`, o.ExternalID, o.Status, o.PurchasedAt, o.Currency, o.Total)
		for _, item := range o.Items {
			b.Queue(`
				INSERT INTO order_items (order_external_id, item_id, sku, quantity, unit_price)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (order_external_id, item_id) DO UPDATE
				SET sku = EXCLUDED.sku, quantity = EXCLUDED.quantity, unit_price = EXCLUDED.unit_price
			`, o.ExternalID, item.ItemID, item.SKU, item.Quantity, item.UnitPrice)
		}
	}

	br := tx.SendBatch(ctx, b)
	// Results come back in queue order: one created flag per order, then one
	// exec result per item of that order.
	for _, o := range orders {
		var isNew bool
		if err := br.QueryRow().Scan(&isNew); err != nil {
			_ = br.Close()
			return created, updated, fmt.Errorf("upsert order %s: %w", o.ExternalID, err)
		}
		if isNew {
			created++
		} else {
			updated++
		}
		for _, item := range o.Items {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return created, updated, fmt.Errorf("upsert order item %s/%s: %w", o.ExternalID, item.ItemID, err)
			}
		}
	}
	if err := br.Close(); err != nil {
		return created, updated, fmt.Errorf("close order batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return created, updated, fmt.Errorf("commit order batch: %w", err)
	}
	return created, updated, nil
}

// UpsertProducts writes a sub-batch of catalog entries keyed by SKU.
func (s *Store) UpsertProducts(ctx context.Context, products []models.Product) (created, updated int, err error) {
	if len(products) == 0 {
		return 0, 0, nil
	}
	b := &pgx.Batch{}
	for _, p := range products {
		b.Queue(`
			INSERT INTO products (sku, title, price, cost, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (sku) DO UPDATE
			SET title = EXCLUDED.title, price = EXCLUDED.price, cost = EXCLUDED.cost,
			    active = EXCLUDED.active, updated_at = NOW()
			RETURNING (xmax = 0)
		`, p.SKU, p.Title, p.Price, p.Cost, p.Active)
	}
	return s.drainCreated(ctx, b, len(products), "products")
}

// UpsertInventoryLevels writes a sub-batch of stock positions keyed by SKU.
func (s *Store) UpsertInventoryLevels(ctx context.Context, levels []models.InventoryLevel) (created, updated int, err error) {
	if len(levels) == 0 {
		return 0, 0, nil
	}
	b := &pgx.Batch{}
	for _, l := range levels {
		b.Queue(`
			INSERT INTO inventory_levels (sku, available, reserved, inbound, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (sku) DO UPDATE
			SET available = EXCLUDED.available, reserved = EXCLUDED.reserved,
			    inbound = EXCLUDED.inbound, updated_at = NOW()
			RETURNING (xmax = 0)
		`, l.SKU, l.Available, l.Reserved, l.Inbound)
	}
	return s.drainCreated(ctx, b, len(levels), "inventory levels")
}

// UpsertFinancialEvents writes a sub-batch of settlement facts keyed by
// event id.
func (s *Store) UpsertFinancialEvents(ctx context.Context, events []models.FinancialEvent) (created, updated int, err error) {
	if len(events) == 0 {
		return 0, 0, nil
	}
	b := &pgx.Batch{}
	for _, e := range events {
		b.Queue(`
			INSERT INTO financial_events (event_id, event_type, order_external_id, amount, fee, posted_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
			ON CONFLICT (event_id) DO UPDATE
			SET event_type = EXCLUDED.event_type, order_external_id = EXCLUDED.order_external_id,
			    amount = EXCLUDED.amount, fee = EXCLUDED.fee, posted_at = EXCLUDED.posted_at
			RETURNING (xmax = 0)
		`, e.EventID, e.EventType, e.OrderExternalID, e.Amount, e.Fee, e.PostedAt)
	}
	return s.drainCreated(ctx, b, len(events), "financial events")
}

// UpsertCampaignStats writes a sub-batch of daily campaign performance rows.
func (s *Store) UpsertCampaignStats(ctx context.Context, stats []models.CampaignStat) (created, updated int, err error) {
	if len(stats) == 0 {
		return 0, 0, nil
	}
	b := &pgx.Batch{}
	for _, c := range stats {
		b.Queue(`
			INSERT INTO campaign_stats (campaign_id, date, impressions, clicks, spend, sales, orders)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (campaign_id, date) DO UPDATE
			SET impressions = EXCLUDED.impressions, clicks = EXCLUDED.clicks,
			    spend = EXCLUDED.spend, sales = EXCLUDED.sales, orders = EXCLUDED.orders
			RETURNING (xmax = 0)
		`, c.CampaignID, c.Date, c.Impressions, c.Clicks, c.Spend, c.Sales, c.Orders)
	}
	return s.drainCreated(ctx, b, len(stats), "campaign stats")
}

// drainCreated sends a homogeneous batch of upserts and tallies the per-row
// created flags.
func (s *Store) drainCreated(ctx context.Context, b *pgx.Batch, n int, what string) (created, updated int, err error) {
	br := s.pool.SendBatch(ctx, b)
	for i := 0; i < n; i++ {
		var isNew bool
		if err := br.QueryRow().Scan(&isNew); err != nil {
			_ = br.Close()
			return created, updated, fmt.Errorf("upsert %s: %w", what, err)
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	if err := br.Close(); err != nil {
		return created, updated, fmt.Errorf("close %s batch: %w", what, err)
	}
	return created, updated, nil
}

// KnownSKUs reports which of the given SKUs exist in the local catalog, one
// query per sub-batch. Processors use it to count records referencing
// unknown SKUs as skipped.
func (s *Store) KnownSKUs(ctx context.Context, skus []string) (map[string]bool, error) {
	out := make(map[string]bool, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT sku FROM products WHERE sku = ANY($1)`, skus)
	if err != nil {
		return nil, fmt.Errorf("check skus: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			return nil, fmt.Errorf("scan sku: %w", err)
		}
		out[sku] = true
	}
	return out, rows.Err()
}

// KnownOrders reports which of the given external order ids are already
// ingested locally.
func (s *Store) KnownOrders(ctx context.Context, externalIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT external_id FROM orders WHERE external_id = ANY($1)`, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("check orders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// UpsertAlert opens or refreshes an alert keyed by (type, key).
func (s *Store) UpsertAlert(ctx context.Context, a models.Alert) (bool, error) {
	var created bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (type, key, message, created_at, seen_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (type, key) DO UPDATE
		SET message = EXCLUDED.message, seen_at = NOW(), cleared_at = NULL
		RETURNING (xmax = 0)
	`, a.Type, a.Key, a.Message).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert alert %s/%s: %w", a.Type, a.Key, err)
	}
	return created, nil
}

// ClearStaleAlerts closes alerts of a type that were not refreshed in the
// current generation pass.
func (s *Store) ClearStaleAlerts(ctx context.Context, alertType string, notSeenSince time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET cleared_at = NOW()
		WHERE type = $1 AND cleared_at IS NULL AND seen_at < $2
	`, alertType, notSeenSince)
	if err != nil {
		return 0, fmt.Errorf("clear stale alerts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LowStockSKUs lists SKUs of active products whose available stock is at or
// below the threshold.
func (s *Store) LowStockSKUs(ctx context.Context, threshold int) ([]models.InventoryLevel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.sku, l.available, l.reserved, l.inbound, l.updated_at
		FROM inventory_levels l
		JOIN products p ON p.sku = l.sku AND p.active
		WHERE l.available <= $1
		ORDER BY l.available, l.sku
	`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query low stock: %w", err)
	}
	defer rows.Close()

	var out []models.InventoryLevel
	for rows.Next() {
		var l models.InventoryLevel
		if err := rows.Scan(&l.SKU, &l.Available, &l.Reserved, &l.Inbound, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan inventory level: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// RebuildDailyRollups recomputes derived (date, sku) aggregates over the
// window from raw order, fee, and cost facts, upserting one row per key.
// Runs entirely inside Postgres; the aggregation processor only orchestrates.
func (s *Store) RebuildDailyRollups(ctx context.Context, from, to time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO daily_rollups (date, sku, units, revenue, fees, cogs, margin)
		SELECT d.date, d.sku, d.units, d.revenue, d.fees, d.cogs, d.revenue - d.fees - d.cogs
		FROM (
			SELECT o.purchased_at::date AS date,
			       i.sku,
			       SUM(i.quantity) AS units,
			       SUM(i.quantity * i.unit_price) AS revenue,
			       -- order-level fees spread evenly across the order's item lines
			       COALESCE(SUM(f.fees / cnt.n), 0) AS fees,
			       SUM(i.quantity * COALESCE(p.cost, 0)) AS cogs
			FROM orders o
			JOIN order_items i ON i.order_external_id = o.external_id
			JOIN (
				SELECT order_external_id, COUNT(*) AS n
				FROM order_items GROUP BY order_external_id
			) cnt ON cnt.order_external_id = o.external_id
			LEFT JOIN products p ON p.sku = i.sku
			LEFT JOIN (
				SELECT order_external_id, SUM(fee) AS fees
				FROM financial_events
				WHERE order_external_id IS NOT NULL
				GROUP BY order_external_id
			) f ON f.order_external_id = o.external_id
			WHERE o.purchased_at >= $1 AND o.purchased_at < $2
			GROUP BY o.purchased_at::date, i.sku
		) d
		ON CONFLICT (date, sku) DO UPDATE
		SET units = EXCLUDED.units, revenue = EXCLUDED.revenue, fees = EXCLUDED.fees,
		    cogs = EXCLUDED.cogs, margin = EXCLUDED.margin
	`, from, to)
	if err != nil {
		return 0, fmt.Errorf("rebuild daily rollups: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
