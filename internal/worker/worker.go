// Package worker drives the sync execution loop: it drains each domain queue
// sequentially, dispatches jobs to the registered processors, and records
// every run in the sync log.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketsync/internal/gateway"
	"marketsync/internal/models"
	"marketsync/internal/syncer"
	"marketsync/internal/telemetry"
)

// JobQueue is the queue surface the worker consumes. Handles are injected so
// the loop can be exercised against fakes without a broker.
type JobQueue interface {
	Name() string
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	Dequeue(ctx context.Context) (*models.Job, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Complete(ctx context.Context, job *models.Job, counts models.Counts) error
	Retry(ctx context.Context, job *models.Job, reason string) (bool, error)
	Discard(ctx context.Context, job *models.Job, reason string) error
	Depth(ctx context.Context) (ready, scheduled int64, err error)
}

// RunStore is the persistence surface for recording runs and holding the
// per-domain run lease.
type RunStore interface {
	StartSyncLog(ctx context.Context, syncType string) (int64, error)
	CompleteSyncLog(ctx context.Context, id int64, counts models.Counts, metadata map[string]any) error
	FailSyncLog(ctx context.Context, id int64, reason string) error
	AcquireLease(ctx context.Context, name, owner string, staleAfter time.Duration) (bool, error)
	HeartbeatLease(ctx context.Context, name, owner string) error
	ReleaseLease(ctx context.Context, name, owner string) error
	SetConnectionStatus(ctx context.Context, name string, connected bool, detail string) error
}

// Options tunes the worker loop.
type Options struct {
	// PollInterval is the sleep between polls of an empty queue.
	PollInterval time.Duration
	// JobTimeout bounds one processor run.
	JobTimeout time.Duration
	// ReportJobTimeout bounds report-domain runs, which wait on the
	// platform's asynchronous report generation.
	ReportJobTimeout time.Duration
	// LeaseStaleAfter is how old a run lease heartbeat may be before another
	// worker may steal the lease.
	LeaseStaleAfter time.Duration
	// WorkerID identifies this worker as a lease owner.
	WorkerID string
}

func (o Options) withDefaults() Options {
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.JobTimeout == 0 {
		o.JobTimeout = 2 * time.Minute
	}
	if o.ReportJobTimeout == 0 {
		o.ReportJobTimeout = 10 * time.Minute
	}
	if o.LeaseStaleAfter == 0 {
		o.LeaseStaleAfter = 15 * time.Minute
	}
	if o.WorkerID == "" {
		o.WorkerID = "worker-" + uuid.New().String()[:8]
	}
	return o
}

// Worker runs one goroutine per queue. Within a queue jobs execute strictly
// one at a time; distinct queues run concurrently.
type Worker struct {
	queues   []JobQueue
	store    RunStore
	registry *syncer.Registry
	opts     Options
}

// New builds a worker over the injected queue handles.
func New(queues []JobQueue, store RunStore, registry *syncer.Registry, opts Options) *Worker {
	return &Worker{
		queues:   queues,
		store:    store,
		registry: registry,
		opts:     opts.withDefaults(),
	}
}

// Run starts the per-queue loops and blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, q := range w.queues {
		wg.Add(1)
		go func(q JobQueue) {
			defer wg.Done()
			w.runQueue(ctx, q)
		}(q)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) runQueue(ctx context.Context, q JobQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		if _, err := q.PromoteDue(ctx, now); err != nil {
			log.Printf("worker: promote due on %s: %v", q.Name(), err)
		}
		if reclaimed, err := q.RequeueExpired(ctx, now); err != nil {
			log.Printf("worker: requeue expired on %s: %v", q.Name(), err)
		} else if reclaimed > 0 {
			log.Printf("worker: reclaimed %d expired leases on %s", reclaimed, q.Name())
		}
		if ready, _, err := q.Depth(ctx); err == nil {
			telemetry.QueueDepth.WithLabelValues(q.Name()).Set(float64(ready))
		}

		job, err := q.Dequeue(ctx)
		if err != nil {
			log.Printf("worker: dequeue on %s: %v", q.Name(), err)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}
		w.process(ctx, q, job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.opts.PollInterval):
	}
}

// process runs a single job end-to-end: resolve its domain, take the run
// lease, open a sync log, dispatch, and settle the job per the error class.
func (w *Worker) process(ctx context.Context, q JobQueue, job *models.Job) {
	domain, err := syncer.ParseDomain(job.Name)
	if err != nil {
		log.Printf("worker: discarding job %s: %v", job.ID, err)
		_ = q.Discard(ctx, job, err.Error())
		return
	}
	proc, ok := w.registry.Lookup(domain)
	if !ok {
		log.Printf("worker: no processor for domain %s, discarding job %s", domain, job.ID)
		_ = q.Discard(ctx, job, "no processor registered for "+string(domain))
		return
	}

	leaseName := "run:" + string(domain)
	held, err := w.store.AcquireLease(ctx, leaseName, w.opts.WorkerID, w.opts.LeaseStaleAfter)
	if err != nil {
		log.Printf("worker: acquire lease %s: %v", leaseName, err)
		if _, rerr := q.Retry(ctx, job, err.Error()); rerr != nil {
			log.Printf("worker: retry job %s: %v", job.ID, rerr)
		}
		return
	}
	if !held {
		// Another run of this domain is in flight. The job is redundant,
		// not failed: drop it and let the schedule fire again.
		log.Printf("worker: lease %s held elsewhere, discarding job %s", leaseName, job.ID)
		_ = q.Discard(ctx, job, "run already in progress")
		return
	}
	defer func() {
		if err := w.store.ReleaseLease(context.WithoutCancel(ctx), leaseName, w.opts.WorkerID); err != nil {
			log.Printf("worker: release lease %s: %v", leaseName, err)
		}
	}()

	logID, err := w.store.StartSyncLog(ctx, string(domain))
	if err != nil {
		log.Printf("worker: start sync log for %s: %v", domain, err)
		_, _ = q.Retry(ctx, job, err.Error())
		return
	}

	timeout := w.opts.JobTimeout
	if domain == syncer.DomainReports {
		timeout = w.opts.ReportJobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stopBeat := w.keepAlive(runCtx, q, job, leaseName, timeout)

	log.Printf("worker: running %s job %s (attempt %d/%d)", domain, job.ID, job.Attempts+1, job.MaxAttempts)
	counts, runErr := proc.Run(runCtx, job)
	stopBeat()

	if runErr == nil {
		if err := w.store.CompleteSyncLog(ctx, logID, counts, map[string]any{
			"created": counts.Created,
			"updated": counts.Updated,
			"skipped": counts.Skipped,
		}); err != nil {
			log.Printf("worker: complete sync log %d: %v", logID, err)
		}
		if err := q.Complete(ctx, job, counts); err != nil {
			log.Printf("worker: complete job %s: %v", job.ID, err)
		}
		telemetry.SyncSuccess.WithLabelValues(string(domain)).Inc()
		telemetry.RecordsProcessed.WithLabelValues(string(domain)).Add(float64(counts.Processed))
		telemetry.RecordsSkipped.WithLabelValues(string(domain)).Add(float64(counts.Skipped))
		log.Printf("worker: %s job %s done: processed=%d created=%d updated=%d skipped=%d",
			domain, job.ID, counts.Processed, counts.Created, counts.Updated, counts.Skipped)
		return
	}

	// The guarded update keeps a log cancelled by stop-all as cancelled.
	if err := w.store.FailSyncLog(ctx, logID, runErr.Error()); err != nil {
		log.Printf("worker: fail sync log %d: %v", logID, err)
	}

	switch {
	case errors.Is(runErr, syncer.ErrStopped):
		log.Printf("worker: %s job %s stopped by request", domain, job.ID)
		_ = q.Discard(ctx, job, runErr.Error())
	case errors.Is(runErr, gateway.ErrNotAuthorized):
		// Credentials are broken; retrying cannot fix this run. Flag the
		// connection so the UI surfaces "not connected".
		log.Printf("worker: %s job %s not authorized: %v", domain, job.ID, runErr)
		if err := w.store.SetConnectionStatus(ctx, "marketplace", false, runErr.Error()); err != nil {
			log.Printf("worker: set connection status: %v", err)
		}
		_ = q.Discard(ctx, job, runErr.Error())
		telemetry.SyncFailures.WithLabelValues(string(domain)).Inc()
	default:
		retried, err := q.Retry(ctx, job, runErr.Error())
		if err != nil {
			log.Printf("worker: retry job %s: %v", job.ID, err)
		}
		if retried {
			log.Printf("worker: %s job %s failed, retry scheduled: %v", domain, job.ID, runErr)
		} else {
			log.Printf("worker: %s job %s failed permanently: %v", domain, job.ID, runErr)
		}
		telemetry.SyncFailures.WithLabelValues(string(domain)).Inc()
	}
}

// keepAlive heartbeats the run lease and extends the job's visibility lease
// while a long run is in flight. visibility is the job's queue visibility
// window, which matches its run timeout. The returned func stops the
// heartbeat.
func (w *Worker) keepAlive(ctx context.Context, q JobQueue, job *models.Job, leaseName string, visibility time.Duration) func() {
	interval := heartbeatInterval(w.opts.LeaseStaleAfter, visibility)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.store.HeartbeatLease(ctx, leaseName, w.opts.WorkerID); err != nil {
					log.Printf("worker: heartbeat lease %s: %v", leaseName, err)
				}
				if err := q.ExtendLease(ctx, job.ID, visibility); err != nil {
					log.Printf("worker: extend lease for job %s: %v", job.ID, err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// heartbeatInterval spaces renewals off the tighter of the two deadlines,
// so the job is re-leased before the queue would redeliver it and the run
// lease before another worker could steal it.
func heartbeatInterval(leaseStale, visibility time.Duration) time.Duration {
	interval := leaseStale
	if visibility < interval {
		interval = visibility
	}
	interval /= 3
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
