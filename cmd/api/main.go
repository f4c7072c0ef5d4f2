package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"pos-loyalty-sync/internal/api"
	"pos-loyalty-sync/internal/config"
	"pos-loyalty-sync/internal/ratelimit"
	"pos-loyalty-sync/internal/store"
	"pos-loyalty-sync/internal/worker"
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

	policy, err := store.ParsePolicy(cfg.TerminalPolicy, cfg.RequeueDelay)
	if err != nil {
		log.Fatalf("terminal policy: %v", err)
	}

	st, err := store.New(ctx, cfg.PostgresDSN, store.Options{
		LockTimeout: cfg.LockTimeout,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffMax,
		ProbeTTL:    cfg.ProbeTTL,
		Policy:      policy,
	})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	// The drain endpoint makes this binary a short-lived worker too,
	// so it carries the same handler registry.
	handlers, err := worker.DefaultHandlers(ctx, cfg)
	if err != nil {
		log.Fatalf("init handlers: %v", err)
	}
	runner, err := worker.NewRunner(st, handlers, worker.Options{
		PollInterval: cfg.PollInterval,
		DrainBudget:  cfg.DrainBudget,
		ErrorLimit:   cfg.DrainErrorLimit,
	})
	if err != nil {
		log.Fatalf("init runner: %v", err)
	}

	server := api.New(cfg, st, runner, limiter)
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
