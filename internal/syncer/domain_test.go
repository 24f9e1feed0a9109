package syncer

import (
	"context"
	"testing"

	"marketsync/internal/models"
)

type stubProcessor struct {
	domain Domain
}

func (s stubProcessor) Domain() Domain { return s.domain }
func (s stubProcessor) Run(context.Context, *models.Job) (models.Counts, error) {
	return models.Counts{}, nil
}

func TestParseDomain(t *testing.T) {
	for _, d := range AllDomains() {
		got, err := ParseDomain(string(d))
		if err != nil {
			t.Fatalf("ParseDomain(%s): %v", d, err)
		}
		if got != d {
			t.Fatalf("ParseDomain(%s) = %s", d, got)
		}
	}
	for _, bad := range []string{"", "ordersx", "Orders", "report-poll"} {
		if _, err := ParseDomain(bad); err == nil {
			t.Fatalf("ParseDomain(%q) accepted an unknown domain", bad)
		}
	}
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(stubProcessor{DomainOrders}, stubProcessor{DomainOrders})
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestNewRegistry_RejectsUnknownDomain(t *testing.T) {
	_, err := NewRegistry(stubProcessor{Domain("bogus")})
	if err == nil {
		t.Fatal("expected unknown domain to fail")
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r, err := NewRegistry(stubProcessor{DomainOrders}, stubProcessor{DomainAlerts})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := r.Lookup(DomainOrders); !ok {
		t.Fatal("registered domain not found")
	}
	if _, ok := r.Lookup(DomainProducts); ok {
		t.Fatal("unregistered domain should not resolve")
	}
}
