// Package redis provides a distributed lock.Locker for running several
// scheduling API replicas against one database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/pkg/lock"
)

// releaseScript deletes a key only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockerConfig holds locker configuration.
type LockerConfig struct {
	// Prefix namespaces lock keys.
	Prefix string
	// TTL bounds how long a crashed holder can block a resource.
	TTL time.Duration
	// Wait bounds how long Acquire polls for a held key.
	Wait time.Duration
	// Poll is the delay between attempts on a held key.
	Poll time.Duration
}

// DefaultLockerConfig returns default configuration.
func DefaultLockerConfig() LockerConfig {
	return LockerConfig{
		Prefix: "surgiflow:lock:",
		TTL:    30 * time.Second,
		Wait:   5 * time.Second,
		Poll:   25 * time.Millisecond,
	}
}

// Locker takes SET NX PX locks with an owner token per acquisition.
type Locker struct {
	client goredis.UniversalClient
	cfg    LockerConfig
	logger *zap.Logger
}

// NewLocker creates a Locker on client.
func NewLocker(client goredis.UniversalClient, cfg LockerConfig, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultLockerConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Wait <= 0 {
		cfg.Wait = def.Wait
	}
	if cfg.Poll <= 0 {
		cfg.Poll = def.Poll
	}
	return &Locker{client: client, cfg: cfg, logger: logger}
}

// Acquire implements lock.Locker. Keys are taken in sorted order; on failure
// the keys already held are released.
func (l *Locker) Acquire(ctx context.Context, keys []string) (func(), error) {
	keys = lock.Normalize(keys)
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Wait)
	defer cancel()

	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := l.take(ctx, l.cfg.Prefix+key, token); err != nil {
			l.release(held, token)
			l.logger.Warn("resource lock not acquired",
				zap.String("key", key),
				zap.Strings("keys", keys),
				zap.Error(err))
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		held = append(held, l.cfg.Prefix+key)
	}

	l.logger.Debug("resource locks acquired", zap.Strings("keys", keys))
	return releaseOnce(func() { l.release(held, token) }), nil
}

// releaseOnce makes release idempotent and safe to call from several goroutines.
func releaseOnce(release func()) func() {
	var once sync.Once
	return func() { once.Do(release) }
}

func (l *Locker) take(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(l.cfg.Poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.cfg.TTL).Result()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return lock.ErrNotAcquired
			}
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return lock.ErrNotAcquired
		case <-ticker.C:
		}
	}
}

// release runs detached from the caller's context so a cancelled request
// still frees its keys.
func (l *Locker) release(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := len(keys) - 1; i >= 0; i-- {
		if err := releaseScript.Run(ctx, l.client, []string{keys[i]}, token).Err(); err != nil {
			l.logger.Error("release resource lock",
				zap.String("key", keys[i]),
				zap.Error(err))
		}
	}
}
