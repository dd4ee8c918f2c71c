package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cepservice "leafletcep/contexts/event-integration/cep-service"
	"leafletcep/contexts/event-integration/cep-service/adapters/memory"
	"leafletcep/contexts/event-integration/cep-service/adapters/postgres"
	"leafletcep/contexts/event-integration/cep-service/domain/entities"
	"leafletcep/internal/platform/broker"
	"leafletcep/internal/platform/config"
	"leafletcep/internal/platform/db"

	"golang.org/x/sync/errgroup"
)

// correlationRules is the fixed rule set this worker evaluates; spec §9
// leaves rule provisioning out of scope, so these ship hardcoded rather
// than reading from a store. Each rule's window defaults to
// correlationWindow (CORRELATION_WINDOW_SECONDS, spec.md:221) unless it
// needs a wider one to converge, per spec.md's rule-specific override
// allowance.
func correlationRules(correlationWindow time.Duration) []entities.CorrelationRule {
	return []entities.CorrelationRule{
		{
			Name:           "type_A_and_B_within_window",
			WindowDuration: correlationWindow,
			RequiredEventTypes: map[entities.EventType]struct{}{
				entities.EventTypeA: {},
				entities.EventTypeB: {},
			},
			MinEvents: 2,
		},
		{
			Name:           "type_A_B_C_convergence",
			WindowDuration: correlationWindow + 3*time.Second,
			RequiredEventTypes: map[entities.EventType]struct{}{
				entities.EventTypeA: {},
				entities.EventTypeB: {},
				entities.EventTypeC: {},
			},
			MinEvents: 3,
		},
	}
}

// Worker process entrypoint.
// Data flow:
// 1) Load config.
// 2) Connect Redis + Postgres.
// 3) Build the cep-service module.
// 4) Run the CEP worker and Archiver as sibling goroutines until shutdown.
func main() {
	logger := slog.Default()
	logger.Info("cep worker starting", "event", "cep_worker_process_starting")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "event", "cep_worker_config_failed", "error", err.Error())
		os.Exit(1)
	}

	redisClient, err := broker.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("redis connect failed", "event", "cep_worker_redis_connect_failed", "error", err.Error())
		os.Exit(1)
	}

	gormDB, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		logger.Error("postgres connect failed", "event", "cep_worker_postgres_connect_failed", "error", err.Error())
		os.Exit(1)
	}

	store := postgres.NewStore(gormDB, logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.AutoMigrate(ctx); err != nil {
		logger.Error("schema migration failed", "event", "cep_worker_migrate_failed", "error", err.Error())
		os.Exit(1)
	}

	module := cepservice.NewModule(cepservice.Dependencies{
		Broker:           redisClient,
		Store:            store,
		Clock:            memory.SystemClock{},
		IDGen:            memory.UUIDGenerator{},
		Logger:           logger,
		Rules:            correlationRules(cfg.CorrelationWindow),
		InputStreams:     cfg.InputStreams,
		IntegratedStream: cfg.IntegratedStream,
		ConsumerGroup:    cfg.ConsumerGroup,
		ConsumerName:     cfg.ConsumerName,
		BatchSize:        cfg.BatchSize,
		BlockDuration:    cfg.BlockDuration,
		WindowBufferCap:  cfg.MaxPendingEvents,
		ArchivalInterval: cfg.ArchivalInterval,
		ArchivalBatch:    cfg.ArchivalBatch,
		RetentionTTL:     cfg.RedisTTL,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return module.Worker.Run(groupCtx) })
	group.Go(func() error { return module.Archiver.Run(groupCtx) })

	if err := group.Wait(); err != nil {
		logger.Error("worker exited with error", "event", "cep_worker_exited_with_error", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("cep worker stopped", "event", "cep_worker_stopped")
}
