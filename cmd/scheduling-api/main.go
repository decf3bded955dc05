// Package main provides the scheduling API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/internal/api"
	"github.com/medcore/surgiflow/internal/api/handlers"
	"github.com/medcore/surgiflow/internal/config"
	"github.com/medcore/surgiflow/internal/domain/appointment"
	"github.com/medcore/surgiflow/internal/domain/surgery"
	"github.com/medcore/surgiflow/internal/engine"
	"github.com/medcore/surgiflow/internal/infrastructure/memory"
	"github.com/medcore/surgiflow/internal/infrastructure/postgres"
	"github.com/medcore/surgiflow/internal/infrastructure/redis"
	"github.com/medcore/surgiflow/internal/observability/logging"
	"github.com/medcore/surgiflow/internal/observability/metrics"
	"github.com/medcore/surgiflow/internal/observability/tracing"
	"github.com/medcore/surgiflow/pkg/circuitbreaker"
	"github.com/medcore/surgiflow/pkg/idempotency"
	"github.com/medcore/surgiflow/pkg/lock"
)

var version = "dev"

// backends are the storage collaborators selected by STORE_DRIVER.
type backends struct {
	cases        surgery.RecordStore
	appointments appointment.Store
	inbox        idempotency.Processor
	history      handlers.TransitionReader
	checks       []func(context.Context) error
	closers      []func()
}

func main() {
	cfg, err := config.Load("scheduling-api")
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

	m := metrics.New(prometheus.DefaultRegisterer)
	m.Classify = handlers.ErrorKind

	breakers := circuitbreaker.NewManager(logger, func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	})

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer b.close()

	locker, err := openLocker(ctx, cfg, b, logger)
	if err != nil {
		logger.Fatal("locker init failed", zap.Error(err))
	}

	storeBreaker, err := breakers.GetOrCreate("case-store", engine.StoreBreakerConfig("case-store"))
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	eng := engine.New(engine.NewGuardedStore(b.cases, storeBreaker), surgery.DefaultTemplates(), locker, m,
		engine.Config{MaxRetries: cfg.SchedulingMaxRetries}, logger)
	scheduler := appointment.NewScheduler(b.appointments, locker, m,
		appointment.Config{MaxRetries: cfg.SchedulingMaxRetries}, logger)

	router := api.NewRouter(api.Deps{
		ServiceName:  cfg.ServiceName,
		Version:      version,
		Engine:       eng,
		Appointments: scheduler,
		Inbox:        b.inbox,
		History:      b.history,
		Breakers:     breakers,
		Metrics:      m.Handler(),
		Ready:        b.ready,
		APIKeys:      cfg.APIKeys,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting scheduling API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("locker", cfg.LockDriver))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.DefaultTTL = cfg.IdempotencyTTL

	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		return &backends{
			cases:        memory.NewCaseStore(),
			appointments: memory.NewAppointmentStore(),
			inbox:        idempotency.NewMemoryInbox(inboxCfg, nil),
		}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to database")

	if cfg.Migrate {
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	inbox := idempotency.NewInbox(pool, inboxCfg, logger)
	inbox.StartCleanup()

	return &backends{
		cases:        postgres.NewCaseStore(pool, postgres.DefaultCaseStoreConfig(), logger),
		appointments: postgres.NewAppointmentStore(pool, logger),
		inbox:        inbox,
		history:      postgres.NewTransitionLog(pool, logger),
		checks:       []func(context.Context) error{pool.Ping},
		closers:      []func(){inbox.Stop, pool.Close},
	}, nil
}

// openLocker builds the advisory locker and registers its health check and
// shutdown with b.
func openLocker(ctx context.Context, cfg *config.Config, b *backends, logger *zap.Logger) (lock.Locker, error) {
	if cfg.LockDriver == config.DriverLocal {
		return lock.NewLocal(cfg.LockWait), nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	lockCfg := redis.DefaultLockerConfig()
	lockCfg.TTL = cfg.LockTTL
	lockCfg.Wait = cfg.LockWait
	b.checks = append(b.checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	b.closers = append(b.closers, func() { _ = client.Close() })
	return redis.NewLocker(client, lockCfg, logger), nil
}

func (b *backends) ready(ctx context.Context) error {
	for _, check := range b.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *backends) close() {
	for _, c := range b.closers {
		c()
	}
}
