package models

import (
	"time"
)

// Order is a marketplace order keyed by its external identifier.
type Order struct {
	ExternalID  string      `json:"external_id"`
	Status      string      `json:"status"`
	PurchasedAt time.Time   `json:"purchased_at"`
	Currency    string      `json:"currency"`
	Total       float64     `json:"total"`
	Items       []OrderItem `json:"items,omitempty"`
}

// OrderItem is one line of an order. The natural key is (order, item id).
type OrderItem struct {
	ItemID    string  `json:"item_id"`
	SKU       string  `json:"sku"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// InventoryLevel is the marketplace-side stock position for a SKU.
type InventoryLevel struct {
	SKU       string    `json:"sku"`
	Available int       `json:"available"`
	Reserved  int       `json:"reserved"`
	Inbound   int       `json:"inbound"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FinancialEvent is a settlement-level fact (fee, refund, payout item) keyed
// by the platform's event id.
type FinancialEvent struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	OrderExternalID string    `json:"order_external_id,omitempty"`
	Amount          float64   `json:"amount"`
	Fee             float64   `json:"fee"`
	PostedAt        time.Time `json:"posted_at"`
}

// Product is a catalog entry keyed by SKU.
type Product struct {
	SKU    string  `json:"sku"`
	Title  string  `json:"title"`
	Price  float64 `json:"price"`
	Cost   float64 `json:"cost"`
	Active bool    `json:"active"`
}

// CampaignStat is one day of advertising performance for a campaign,
// derived from a downloaded report.
type CampaignStat struct {
	CampaignID  string    `json:"campaign_id"`
	Date        time.Time `json:"date"`
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
	Spend       float64   `json:"spend"`
	Sales       float64   `json:"sales"`
	Orders      int       `json:"orders"`
}

// DailyRollup is the derived per-day, per-SKU aggregate recomputed by the
// aggregation processor.
type DailyRollup struct {
	Date    time.Time `json:"date"`
	SKU     string    `json:"sku"`
	Units   int       `json:"units"`
	Revenue float64   `json:"revenue"`
	Fees    float64   `json:"fees"`
	COGS    float64   `json:"cogs"`
	Margin  float64   `json:"margin"`
}

// Alert kinds generated by the alert processor.
const (
	AlertLowStock  = "low_stock"
	AlertStaleSync = "stale_sync"
)

// Alert is an operator-facing condition keyed by (type, key) so repeated
// generation converges to a single open row.
type Alert struct {
	Type      string     `json:"type"`
	Key       string     `json:"key"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
	SeenAt    time.Time  `json:"seen_at"`
	ClearedAt *time.Time `json:"cleared_at,omitempty"`
}
