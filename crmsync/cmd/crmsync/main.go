package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/onai-academy/platform/common/logging"
	"github.com/onai-academy/platform/crmsync/internal/amocrm"
	"github.com/onai-academy/platform/crmsync/internal/breaker"
	"github.com/onai-academy/platform/crmsync/internal/config"
	"github.com/onai-academy/platform/crmsync/internal/handlers"
	"github.com/onai-academy/platform/crmsync/internal/reconcile"
	"github.com/onai-academy/platform/crmsync/internal/routing"
	"github.com/onai-academy/platform/crmsync/internal/server"
	"github.com/onai-academy/platform/crmsync/internal/service"
	"github.com/onai-academy/platform/crmsync/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("crmsync"))
	logging.SetDefault(logger)

	slog.Info("Starting CRM sync service",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.String("lock_backend", cfg.Lock.Backend),
		slog.String("database_backend", cfg.Database.Backend),
		slog.String("reconcile_backend", cfg.Reconcile.Backend),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := newBackends(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize backends", logging.Error(err))
		os.Exit(1)
	}
	defer b.Close()

	// Sync pipeline
	breakers := breaker.NewSet(cfg.Breaker.Default(), cfg.Breaker.Dependencies, logger)
	crm := amocrm.NewClient(cfg.AmoCRM)

	w, err := worker.New(cfg.WorkerConfig(), worker.Deps{
		Locker:   b.locker,
		Limiters: b.limiters,
		Breakers: breakers,
		Audit:    b.audit,
		Clients:  map[string]worker.CrmClient{cfg.AmoCRM.Dependency: crm},
		Sink:     b.sink,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize worker: %v", err)
	}

	rules, err := cfg.RoutingRules()
	if err != nil {
		log.Fatalf("Failed to load routing rules: %v", err)
	}
	router, err := routing.NewRouter(rules, b.audit, logger)
	if err != nil {
		log.Fatalf("Failed to initialize router: %v", err)
	}
	slog.Info("Routing rules loaded", slog.Int("rules", len(router.Rules())))

	svc, err := service.New(service.Config{
		ProcessTimeout: cfg.Worker.ProcessTimeout,
		Accept:         cfg.Webhook.Accept,
		MaxReplays:     cfg.Reconcile.MaxReplays,
	}, service.Deps{
		Queue:     b.queue,
		Router:    router,
		Worker:    w,
		Audit:     b.audit,
		Locker:    b.locker,
		Breakers:  breakers,
		Reconcile: b.reconcile,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize sync service: %v", err)
	}

	// Workers run on their own context so queued events can drain after a
	// shutdown signal.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	if err := b.queue.Start(workCtx, svc.Handle); err != nil {
		log.Fatalf("Failed to start queue consumers: %v", err)
	}
	if b.reconcile != nil {
		sweeper := reconcile.NewSweeper(b.reconcile, svc.Replay, cfg.Reconcile.SweepInterval, cfg.Reconcile.Batch, logger)
		go sweeper.Run(ctx)
	}

	// Initialize HTTP handlers
	handler := handlers.NewSyncHandler(svc, handlers.Options{
		MaxBodyBytes:     cfg.Webhook.MaxBodyBytes,
		DeliveryIDHeader: cfg.Webhook.DeliveryIDHeader,
		IgnoreFields:     cfg.Dedup.IgnoreFields,
		Ready:            b.ready,
		Logger:           logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("CRM sync service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("Server error", logging.Error(err))
	}
	stop()

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}

	// Stop taking events off the queue, then let in-flight work finish.
	done := make(chan error, 1)
	go func() { done <- b.queue.Close() }()
	select {
	case err := <-done:
		if err != nil {
			slog.Warn("Queue closed with pending events", logging.Error(err))
		}
	case <-shutdownCtx.Done():
		slog.Warn("Timed out waiting for in-flight events", slog.Duration("timeout", cfg.Server.ShutdownTimeout))
		cancelWork()
	}

	slog.Info("Server stopped")
}
