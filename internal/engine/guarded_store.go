package engine

import (
	"context"
	"errors"
	"time"

	"github.com/medcore/surgiflow/internal/domain/surgery"
	"github.com/medcore/surgiflow/pkg/circuitbreaker"
)

// GuardedStore routes every record store call through a circuit breaker so a
// failing database sheds load instead of stacking timeouts.
type GuardedStore struct {
	inner   surgery.RecordStore
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedStore wraps inner with breaker.
func NewGuardedStore(inner surgery.RecordStore, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: breaker}
}

// StoreBreakerConfig returns a breaker config that ignores domain outcomes
// such as version conflicts and missing cases.
func StoreBreakerConfig(name string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsSuccessful = IsInfrastructureHealthy
	return cfg
}

// IsInfrastructureHealthy reports whether err leaves the backing store healthy.
func IsInfrastructureHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, surgery.ErrVersionConflict) ||
		errors.Is(err, surgery.ErrCaseNotFound) ||
		errors.Is(err, context.Canceled)
}

func (g *GuardedStore) Load(ctx context.Context, id string) (*surgery.Case, error) {
	return circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) (*surgery.Case, error) {
		return g.inner.Load(ctx, id)
	})
}

func (g *GuardedStore) Save(ctx context.Context, c *surgery.Case, expectedVersion int) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Save(ctx, c, expectedVersion)
	})
}

func (g *GuardedStore) QueryByDateRange(ctx context.Context, start, end time.Time) ([]*surgery.Case, error) {
	return circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) ([]*surgery.Case, error) {
		return g.inner.QueryByDateRange(ctx, start, end)
	})
}

func (g *GuardedStore) QueryActiveByPerson(ctx context.Context, personID string) ([]*surgery.Case, error) {
	return circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) ([]*surgery.Case, error) {
		return g.inner.QueryActiveByPerson(ctx, personID)
	})
}
