package syncer

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"marketsync/internal/gateway"
	"marketsync/internal/models"
)

type fakeOrderGateway struct {
	gateway.Client
	pages []gateway.OrdersPage
	since []time.Time
	call  int
}

func (f *fakeOrderGateway) ListOrders(_ context.Context, updatedAfter time.Time, _ string) (gateway.OrdersPage, error) {
	f.since = append(f.since, updatedAfter)
	if f.call >= len(f.pages) {
		return gateway.OrdersPage{}, nil
	}
	page := f.pages[f.call]
	f.call++
	return page, nil
}

type fakeOrderStore struct {
	orders   map[string]models.Order
	products map[string]bool
	batches  []int
	lookups  int
}

func newFakeOrderStore(skus ...string) *fakeOrderStore {
	s := &fakeOrderStore{orders: map[string]models.Order{}, products: map[string]bool{}}
	for _, sku := range skus {
		s.products[sku] = true
	}
	return s
}

func (s *fakeOrderStore) UpsertOrders(_ context.Context, orders []models.Order) (created, updated int, err error) {
	s.batches = append(s.batches, len(orders))
	for _, o := range orders {
		if _, exists := s.orders[o.ExternalID]; exists {
			updated++
		} else {
			created++
		}
		s.orders[o.ExternalID] = o
	}
	return created, updated, nil
}

func (s *fakeOrderStore) KnownSKUs(_ context.Context, skus []string) (map[string]bool, error) {
	s.lookups++
	out := map[string]bool{}
	for _, sku := range skus {
		if s.products[sku] {
			out[sku] = true
		}
	}
	return out, nil
}

type fakeClock struct {
	last time.Time
}

func (c *fakeClock) LastSuccessfulSyncAt(context.Context, string) (time.Time, error) {
	return c.last, nil
}

func TestOrders_UpsertIdempotent(t *testing.T) {
	order := models.Order{
		ExternalID:  "ord-1",
		Status:      "SHIPPED",
		PurchasedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Currency:    "USD",
		Total:       19.99,
		Items:       []models.OrderItem{{ItemID: "li-1", SKU: "SKU-A", Quantity: 1, UnitPrice: 19.99}},
	}
	gw := &fakeOrderGateway{pages: []gateway.OrdersPage{{Orders: []models.Order{order}}}}
	store := newFakeOrderStore("SKU-A")
	p := NewOrders(gw, store, &fakeClock{last: time.Now()}, Options{PageDelay: time.Microsecond})

	counts, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if counts.Created != 1 || counts.Updated != 0 {
		t.Fatalf("first run counts: %+v", counts)
	}

	// Second delivery of the same record with changed fields updates the
	// single row rather than creating another.
	order.Status = "DELIVERED"
	order.Total = 24.99
	gw.pages = []gateway.OrdersPage{{Orders: []models.Order{order}}}
	gw.call = 0
	counts, err = p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if counts.Created != 0 || counts.Updated != 1 {
		t.Fatalf("second run counts: %+v", counts)
	}
	if len(store.orders) != 1 {
		t.Fatalf("expected one order row, got %d", len(store.orders))
	}
	got := store.orders["ord-1"]
	if got.Status != "DELIVERED" || got.Total != 24.99 {
		t.Fatalf("row not updated to latest values: %+v", got)
	}
}

func TestOrders_DropsItemsWithUnknownSKU(t *testing.T) {
	order := models.Order{
		ExternalID: "ord-2",
		Items: []models.OrderItem{
			{ItemID: "li-1", SKU: "SKU-A", Quantity: 1},
			{ItemID: "li-2", SKU: "SKU-MISSING", Quantity: 2},
		},
	}
	gw := &fakeOrderGateway{pages: []gateway.OrdersPage{{Orders: []models.Order{order}}}}
	store := newFakeOrderStore("SKU-A")
	p := NewOrders(gw, store, &fakeClock{last: time.Now()}, Options{PageDelay: time.Microsecond})

	counts, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts.Processed != 1 || counts.Skipped != 1 {
		t.Fatalf("counts: %+v", counts)
	}
	got := store.orders["ord-2"]
	if len(got.Items) != 1 || got.Items[0].SKU != "SKU-A" {
		t.Fatalf("expected only the known-SKU item kept: %+v", got.Items)
	}
}

func TestOrders_FlushesInSubBatches(t *testing.T) {
	// Seven orders arrive as a page of four and a page of three. With a
	// sub-batch size of three the writes must land as 3, 3, and 1: batches
	// fill across the page boundary and the remainder flushes at the end of
	// the run. Each flush resolves SKUs with a single lookup.
	mkOrder := func(n int) models.Order {
		return models.Order{
			ExternalID: fmt.Sprintf("ord-%d", n),
			Items:      []models.OrderItem{{ItemID: "li-1", SKU: "SKU-A", Quantity: 1}},
		}
	}
	gw := &fakeOrderGateway{pages: []gateway.OrdersPage{
		{Orders: []models.Order{mkOrder(1), mkOrder(2), mkOrder(3), mkOrder(4)}, NextToken: "p2"},
		{Orders: []models.Order{mkOrder(5), mkOrder(6), mkOrder(7)}},
	}}
	store := newFakeOrderStore("SKU-A")
	p := NewOrders(gw, store, &fakeClock{last: time.Now()}, Options{PageDelay: time.Microsecond, BatchSize: 3})

	counts, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := []int{3, 3, 1}; !reflect.DeepEqual(store.batches, want) {
		t.Fatalf("expected sub-batch sizes %v, got %v", want, store.batches)
	}
	if store.lookups != 3 {
		t.Fatalf("expected one SKU lookup per flush, got %d", store.lookups)
	}
	if counts.Processed != 7 || counts.Created != 7 {
		t.Fatalf("counts: %+v", counts)
	}
}

func TestOrders_FirstRunUsesLookbackWindow(t *testing.T) {
	gw := &fakeOrderGateway{}
	p := NewOrders(gw, newFakeOrderStore(), &fakeClock{}, Options{PageDelay: time.Microsecond})

	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(gw.since) != 1 {
		t.Fatalf("expected one page fetch, got %d", len(gw.since))
	}
	want := time.Now().Add(-defaultLookback)
	if diff := gw.since[0].Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("never-synced window should fall back to the default lookback, got %v", gw.since[0])
	}
}

func TestOrders_IncrementalWindowFromLastSuccess(t *testing.T) {
	last := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	gw := &fakeOrderGateway{}
	p := NewOrders(gw, newFakeOrderStore(), &fakeClock{last: last}, Options{PageDelay: time.Microsecond})

	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !gw.since[0].Equal(last) {
		t.Fatalf("expected window since %v, got %v", last, gw.since[0])
	}
}
