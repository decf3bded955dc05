package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errBackend  = errors.New("connection refused")
	errRejected = errors.New("version conflict")
)

func testConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errRejected) }
	return cfg
}

func TestDoReturnsValue(t *testing.T) {
	cb, err := New(testConfig("store"), nil)
	require.NoError(t, err)

	v, err := Do(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDomainErrorsDoNotTrip(t *testing.T) {
	cb, err := New(testConfig("store"), nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return errRejected })
		assert.ErrorIs(t, err, errRejected)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestOpensAfterFailures(t *testing.T) {
	var mu sync.Mutex
	var changes []State
	cfg := testConfig("store")
	cfg.OnStateChange = func(name string, to State) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, to)
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return errBackend })
		assert.ErrorIs(t, err, errBackend)
	}
	assert.True(t, cb.IsOpen())

	called := false
	err = cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, changes)
	assert.Equal(t, 1, StateOpen.Gauge())
}

func TestManager(t *testing.T) {
	m := NewManager(nil, nil)
	a, err := m.GetOrCreate("record-store", testConfig(""))
	require.NoError(t, err)
	b, err := m.GetOrCreate("record-store", testConfig(""))
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "record-store", a.Name())

	_, err = m.GetOrCreate("transition-log", testConfig(""))
	require.NoError(t, err)

	status := m.GetHealthStatus()
	require.Len(t, status, 2)
	assert.Equal(t, "record-store", status[0].Name)
	assert.True(t, status[0].Healthy)
}
