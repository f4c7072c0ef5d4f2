package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"pos-loyalty-sync/internal/config"
	"pos-loyalty-sync/internal/store"
	"pos-loyalty-sync/internal/telemetry"
	"pos-loyalty-sync/internal/worker"
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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with lock_timeout=%s backoff_base=%s policy=%s",
		workerID, cfg.LockTimeout, cfg.BackoffBase, policy.Name())
	if err := runner.Run(ctx, workerID); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker stopped: %v", err)
	}
}
