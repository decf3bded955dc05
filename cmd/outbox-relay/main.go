// Package main provides the outbox relay service entry point.
// Publishes committed case events from the outbox table to Kafka.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/internal/config"
	"github.com/medcore/surgiflow/internal/infrastructure/postgres"
	"github.com/medcore/surgiflow/internal/infrastructure/redpanda"
	"github.com/medcore/surgiflow/internal/observability/logging"
	"github.com/medcore/surgiflow/internal/observability/metrics"
	"github.com/medcore/surgiflow/internal/observability/tracing"
)

var version = "dev"

// cleanupInterval is how often processed entries past retention are purged.
const cleanupInterval = time.Hour

func main() {
	cfg, err := config.Load("outbox-relay")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if cfg.Migrate {
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("schema migration failed", zap.Error(err))
		}
	}
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx, int16(cfg.TopicReplication)); err != nil {
		logger.Fatal("topic bootstrap failed", zap.Error(err))
	}
	admin.Close()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	// Create outbox processor
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPoll
	outboxCfg.MaxRetries = cfg.OutboxMaxRetries
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, m, outboxCfg, logger)

	outbox.Start()
	go cleanupLoop(ctx, outbox, cfg.OutboxRetention, logger)

	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]any{
			"status":   "healthy",
			"service":  cfg.ServiceName,
			"version":  version,
			"producer": producer.Stats(),
		}
		status := http.StatusOK
		stats, err := outbox.GetStats(r.Context())
		if err != nil {
			health["status"] = "degraded"
			health["outbox_error"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			health["outbox"] = stats
		}
		if err := producer.Ping(r.Context()); err != nil {
			health["status"] = "degraded"
			health["broker_error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	logger.Info("outbox relay started")

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	outbox.Stop()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Error("producer flush failed", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

func cleanupLoop(ctx context.Context, outbox *postgres.Outbox, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := outbox.CleanupProcessed(ctx, retention)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("outbox entries purged", zap.Int64("count", n))
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
