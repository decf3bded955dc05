package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock { return &clock{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)} }

func TestKeyIsStableAndScoped(t *testing.T) {
	assert.Equal(t, Key("alice", "POST /cases", "k1"), Key("alice", "POST /cases", "k1"))
	assert.NotEqual(t, Key("alice", "POST /cases", "k1"), Key("bob", "POST /cases", "k1"))
	assert.Len(t, Key("x"), 64)
}

func TestMemoryInboxReplaysFirstResult(t *testing.T) {
	ctx := context.Background()
	inbox := NewMemoryInbox(DefaultInboxConfig(), newClock().Now)

	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"id":"C1"}`), nil
	}

	first, err := inbox.Process(ctx, "k", "create_case", nil, fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := inbox.Process(ctx, "k", "create_case", nil, fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, `{"id":"C1"}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestMemoryInboxRetriesRecoverableErrors(t *testing.T) {
	ctx := context.Background()
	inbox := NewMemoryInbox(DefaultInboxConfig(), newClock().Now)
	down := errors.New("database unavailable")

	_, err := inbox.Process(ctx, "k", "schedule", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, down
	})
	require.ErrorIs(t, err, down)

	res, err := inbox.Process(ctx, "k", "schedule", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestMemoryInboxTerminalErrors(t *testing.T) {
	ctx := context.Background()
	invalid := errors.New("invalid body")
	cfg := DefaultInboxConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, invalid) }
	inbox := NewMemoryInbox(cfg, newClock().Now)

	_, err := inbox.Process(ctx, "k", "create_case", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, invalid
	})
	require.ErrorIs(t, err, invalid)

	_, err = inbox.Process(ctx, "k", "create_case", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run again")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestMemoryInboxInProgressAndStaleRecovery(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	inbox := NewMemoryInbox(DefaultInboxConfig(), clk.Now)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = inbox.Process(ctx, "k", "start_case", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`{"first":true}`), nil
		})
	}()
	<-started

	_, err := inbox.Process(ctx, "k", "start_case", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)

	clk.Advance(DefaultInboxConfig().RecoveryTimeout + time.Second)
	res, err := inbox.Process(ctx, "k", "start_case", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"second":true}`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"second":true}`, string(res.Result))

	close(release)
	<-done
}

func TestMemoryInboxExpiry(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	cfg := DefaultInboxConfig()
	cfg.DefaultTTL = time.Hour
	inbox := NewMemoryInbox(cfg, clk.Now)

	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{}`), nil
	}
	_, err := inbox.Process(ctx, "k", "h", nil, fn)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	res, err := inbox.Process(ctx, "k", "h", nil, fn)
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, 2, calls)
}
