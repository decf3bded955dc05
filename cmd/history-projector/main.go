// Package main provides the history projector entry point.
// Consumes case events and appends transitions to the transition log.
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
	"github.com/medcore/surgiflow/internal/projection"
	"github.com/medcore/surgiflow/pkg/circuitbreaker"
	"github.com/medcore/surgiflow/pkg/workerpool"
)

var version = "dev"

func main() {
	cfg, err := config.Load("history-projector")
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

	m := metrics.New(prometheus.DefaultRegisterer)

	breakers := circuitbreaker.NewManager(logger, func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	})
	breaker, err := breakers.GetOrCreate("transition-log", circuitbreaker.DefaultConfig("transition-log"))
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	projector := projection.NewHistoryProjector(postgres.NewTransitionLog(pool, logger), breaker, m, logger)

	// Create worker pool
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.ProjectorWorkers
	poolCfg.Retryable = func(err error) bool {
		return !errors.Is(err, projection.ErrUndecodable) && !errors.Is(err, circuitbreaker.ErrOpen)
	}

	workers, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		result, err := projector.Project(ctx, task.Payload.([]byte))
		return &workerpool.Result{TaskID: task.ID, Success: err == nil, Error: err, Data: result}
	}, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workers.Start()

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ProjectorGroupID
	consumerCfg.Topics = []string{redpanda.TopicCaseEvents}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		res, err := workers.SubmitWait(ctx, &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Payload: msg.Value,
		})
		if err != nil {
			return err
		}
		if res.Success {
			return nil
		}
		if errors.Is(res.Error, projection.ErrUndecodable) {
			logger.Error("dropping undecodable case event",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(res.Error))
			return nil
		}
		return res.Error
	}, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
		logger.Fatal("broker unreachable", zap.Error(err))
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	consumer.Start()
	logger.Info("history projector started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group_id", cfg.ProjectorGroupID),
		zap.Int("workers", cfg.ProjectorWorkers))

	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]any{
			"status":           "healthy",
			"service":          cfg.ServiceName,
			"version":          version,
			"consumer":         consumer.Stats(),
			"workers":          workers.Stats(),
			"circuit_breakers": breakers.GetHealthStatus(),
		}
		status := http.StatusOK
		if lag, err := admin.GroupLag(r.Context(), cfg.ProjectorGroupID); err == nil {
			health["lag"] = lag
		} else {
			health["lag_error"] = err.Error()
		}
		if !workers.IsHealthy() || breaker.IsOpen() {
			health["status"] = "degraded"
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

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := workers.Stop(); err != nil {
		logger.Error("worker pool stop failed", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("history projector stopped")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
