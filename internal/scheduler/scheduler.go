// Package scheduler registers the cron-to-queue bindings at process start.
package scheduler

import (
	"context"
	"log"
)

// Entry binds a repeating job on a queue to a cron expression.
type Entry struct {
	Queue    string
	JobName  string
	CronExpr string
}

// Registrar is the queue capability the scheduler needs. *queue.Redis
// satisfies it.
type Registrar interface {
	RemoveRepeating(ctx context.Context, queue, jobName string) error
	RegisterRepeating(ctx context.Context, queue, jobName, cronExpr string) error
}

// RegisterSchedules applies the schedule table idempotently: for each entry
// the stale registration is removed before the current one is added, so
// re-running on every process restart never accumulates duplicate recurring
// jobs. A single failed entry is logged and skipped; the rest register.
// Returns how many entries registered successfully.
func RegisterSchedules(ctx context.Context, reg Registrar, table []Entry) int {
	registered := 0
	for _, e := range table {
		if err := reg.RemoveRepeating(ctx, e.Queue, e.JobName); err != nil {
			log.Printf("scheduler: remove %s/%s: %v", e.Queue, e.JobName, err)
			continue
		}
		if err := reg.RegisterRepeating(ctx, e.Queue, e.JobName, e.CronExpr); err != nil {
			log.Printf("scheduler: register %s/%s (%s): %v", e.Queue, e.JobName, e.CronExpr, err)
			continue
		}
		log.Printf("scheduler: registered %s/%s at %q", e.Queue, e.JobName, e.CronExpr)
		registered++
	}
	return registered
}

// DefaultTable is the production cron schedule: orders every 15 minutes,
// inventory hourly, financial events every 2 hours, catalog and reports
// daily, aggregation daily shortly after reports, plus the poll and
// maintenance sweeps.
func DefaultTable() []Entry {
	return []Entry{
		{Queue: "orders", JobName: "orders", CronExpr: "*/15 * * * *"},
		{Queue: "inventory", JobName: "inventory", CronExpr: "0 * * * *"},
		{Queue: "finances", JobName: "finances", CronExpr: "0 */2 * * *"},
		{Queue: "products", JobName: "products", CronExpr: "30 1 * * *"},
		{Queue: "reports", JobName: "reports", CronExpr: "*/30 * * * *"},
		{Queue: "aggregation", JobName: "aggregation", CronExpr: "30 3 * * *"},
		{Queue: "alerts", JobName: "alerts", CronExpr: "15 * * * *"},
		{Queue: "maintenance", JobName: "maintenance", CronExpr: "45 * * * *"},
	}
}
