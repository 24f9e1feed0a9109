package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"marketsync/internal/config"
	"marketsync/internal/gateway"
	"marketsync/internal/queue"
	"marketsync/internal/report"
	"marketsync/internal/scheduler"
	"marketsync/internal/store"
	"marketsync/internal/syncer"
	"marketsync/internal/telemetry"
	"marketsync/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	queues := queue.New(client, queue.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffInitial,
		BackoffMax:  cfg.BackoffMax,
		Visibility:  cfg.JobTimeout,
		Retention:   cfg.OutcomeRetention,
	})
	// Report jobs wait on the platform's asynchronous generation and need a
	// longer lease than the page-walk domains.
	queues.SetPolicy(string(syncer.DomainReports), queue.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffInitial,
		BackoffMax:  cfg.BackoffMax,
		Visibility:  cfg.ReportJobTimeout,
		Retention:   cfg.OutcomeRetention,
	})

	scheduler.RegisterSchedules(ctx, queues, scheduler.DefaultTable())

	gw := gateway.NewHTTPClient(cfg.MarketplaceBaseURL, cfg.MarketplaceToken, cfg.MarketplaceTimeout)
	mgr := report.NewManager(gw, st, cfg.ReportStuckAfter, cfg.ReportRetention)

	opts := syncer.Options{
		PageDelay: cfg.PageDelay,
		MaxPages:  cfg.MaxPages,
		Stop:      queues.StopRequested,
		BatchSize: cfg.UpsertBatchSize,
	}
	registry, err := syncer.NewRegistry(
		syncer.NewOrders(gw, st, st, opts),
		syncer.NewInventory(gw, st, opts),
		syncer.NewFinances(gw, st, st, opts),
		syncer.NewProducts(gw, st, opts),
		syncer.NewAdsReports(mgr, st, cfg.UpsertBatchSize),
		syncer.NewAggregation(st, cfg.RollupWindowDays),
		syncer.NewAlerts(st, cfg.LowStockLevel, cfg.StaleSyncAfter),
		syncer.NewMaintenance(mgr, st, cfg.SyncLogRetention, cfg.LeaseStaleAfter),
	)
	if err != nil {
		log.Fatalf("build registry: %v", err)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	handles := make([]worker.JobQueue, 0, len(syncer.AllDomains()))
	for _, d := range syncer.AllDomains() {
		handles = append(handles, queues.Queue(string(d)))
	}
	w := worker.New(handles, st, registry, worker.Options{
		PollInterval:     cfg.WorkerPollInterval,
		JobTimeout:       cfg.JobTimeout,
		ReportJobTimeout: cfg.ReportJobTimeout,
		LeaseStaleAfter:  cfg.LeaseStaleAfter,
		WorkerID:         workerID,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	// A worker that crashed mid-run leaves its lease behind; reclaim anything
	// stale so the first scheduled runs are not blocked.
	if _, err := st.ReleaseStaleLeases(ctx, cfg.LeaseStaleAfter); err != nil {
		log.Printf("release stale leases: %v", err)
	}

	log.Printf("worker %s started: domains=%d poll=%s job_timeout=%s", workerID, len(handles), cfg.WorkerPollInterval, cfg.JobTimeout)
	if err := w.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
