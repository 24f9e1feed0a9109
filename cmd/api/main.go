package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"marketsync/internal/api"
	"marketsync/internal/config"
	"marketsync/internal/gateway"
	"marketsync/internal/queue"
	"marketsync/internal/ratelimit"
	"marketsync/internal/report"
	"marketsync/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	limiter := ratelimit.NewTriggerLimiter(client, cfg.TriggerRateLimit, cfg.TriggerRefillPerSec, time.Hour)

	gw := gateway.NewHTTPClient(cfg.MarketplaceBaseURL, cfg.MarketplaceToken, cfg.MarketplaceTimeout)
	mgr := report.NewManager(gw, st, cfg.ReportStuckAfter, cfg.ReportRetention)

	server := api.New(cfg, st, queues, limiter, mgr)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
