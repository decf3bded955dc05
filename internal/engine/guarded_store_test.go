package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medcore/surgiflow/internal/domain/surgery"
	"github.com/medcore/surgiflow/internal/infrastructure/memory"
	"github.com/medcore/surgiflow/pkg/circuitbreaker"
)

type brokenStore struct {
	surgery.RecordStore
	err error
}

func (b *brokenStore) Load(context.Context, string) (*surgery.Case, error) { return nil, b.err }

func newBreaker(t *testing.T) *circuitbreaker.CircuitBreaker {
	t.Helper()
	cfg := StoreBreakerConfig("record-store")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)
	return cb
}

func TestGuardedStoreIgnoresDomainErrors(t *testing.T) {
	ctx := context.Background()
	cb := newBreaker(t)
	store := NewGuardedStore(memory.NewCaseStore(), cb)

	for i := 0; i < 5; i++ {
		_, err := store.Load(ctx, "missing")
		assert.ErrorIs(t, err, surgery.ErrCaseNotFound)
	}
	assert.False(t, cb.IsOpen())
}

func TestGuardedStoreOpensOnInfrastructureErrors(t *testing.T) {
	ctx := context.Background()
	cb := newBreaker(t)
	down := errors.New("connection reset by peer")
	store := NewGuardedStore(&brokenStore{RecordStore: memory.NewCaseStore(), err: down}, cb)

	for i := 0; i < 3; i++ {
		_, err := store.Load(ctx, "C1")
		assert.ErrorIs(t, err, down)
	}
	assert.True(t, cb.IsOpen())

	_, err := store.QueryByDateRange(ctx, day, day.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestGuardedStoreDrivesEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewGuardedStore(memory.NewCaseStore(), newBreaker(t)))
	id := f.approvedCase(t, team("S1", "A1"))

	res, err := f.engine.Schedule(ctx, id, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
	require.NoError(t, err)
	assert.Equal(t, surgery.StateScheduled, res.Case.State)
}

func TestIsInfrastructureHealthy(t *testing.T) {
	assert.True(t, IsInfrastructureHealthy(nil))
	assert.True(t, IsInfrastructureHealthy(surgery.ErrVersionConflict))
	assert.True(t, IsInfrastructureHealthy(errors.Join(errors.New("x"), surgery.ErrCaseNotFound)))
	assert.False(t, IsInfrastructureHealthy(errors.New("timeout")))
}
