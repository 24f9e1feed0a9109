// Package syncer holds the per-domain sync processors and the shared
// pagination/idempotency discipline they follow.
package syncer

import (
	"context"
	"fmt"

	"marketsync/internal/models"
)

// Domain is the closed set of sync domains. Dispatch from job name to
// processor goes through ParseDomain and the registry, so a typo cannot
// silently no-op.
type Domain string

const (
	DomainOrders      Domain = "orders"
	DomainInventory   Domain = "inventory"
	DomainFinances    Domain = "finances"
	DomainProducts    Domain = "products"
	DomainReports     Domain = "reports"
	DomainAggregation Domain = "aggregation"
	DomainAlerts      Domain = "alerts"
	DomainMaintenance Domain = "maintenance"
)

// AllDomains lists every domain in registration order.
func AllDomains() []Domain {
	return []Domain{
		DomainOrders,
		DomainInventory,
		DomainFinances,
		DomainProducts,
		DomainReports,
		DomainAggregation,
		DomainAlerts,
		DomainMaintenance,
	}
}

// ParseDomain validates a free-form name against the closed set.
func ParseDomain(s string) (Domain, error) {
	for _, d := range AllDomains() {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown sync domain %q", s)
}

// Processor is one domain's sync implementation. Run performs the sync for
// a job's payload and returns aggregate counts; a returned error is judged
// by the worker against the queue's retry policy.
type Processor interface {
	Domain() Domain
	Run(ctx context.Context, job *models.Job) (models.Counts, error)
}

// Registry is the exhaustive domain-to-processor binding handed to the worker.
type Registry struct {
	procs map[Domain]Processor
}

// NewRegistry builds a registry, rejecting duplicate or unparseable domains.
func NewRegistry(procs ...Processor) (*Registry, error) {
	r := &Registry{procs: make(map[Domain]Processor, len(procs))}
	for _, p := range procs {
		d := p.Domain()
		if _, err := ParseDomain(string(d)); err != nil {
			return nil, err
		}
		if _, dup := r.procs[d]; dup {
			return nil, fmt.Errorf("duplicate processor for domain %s", d)
		}
		r.procs[d] = p
	}
	return r, nil
}

// Lookup resolves a domain's processor.
func (r *Registry) Lookup(d Domain) (Processor, bool) {
	p, ok := r.procs[d]
	return p, ok
}
