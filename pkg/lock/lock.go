// Package lock provides advisory locks keyed by resource name. Schedulers hold
// them across a read-check-write so two commands cannot book the same room or
// person from the same stale read.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotAcquired is returned when a lock could not be taken within the wait bound.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires a set of keys atomically. The returned release func must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// RoomKey returns the lock key for an operating room.
func RoomKey(roomID string) string { return "room:" + roomID }

// PersonKey returns the lock key for a staff member.
func PersonKey(personID string) string { return "person:" + personID }

// ClinicianKey returns the lock key for an appointment clinician.
func ClinicianKey(clinicianID string) string { return "clinician:" + clinicianID }

// Normalize sorts and de-duplicates keys. Acquiring in a global order keeps
// two overlapping key sets from deadlocking.
func Normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewLocal creates a Local locker. wait bounds how long Acquire blocks per key.
func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Local{wait: wait, slots: make(map[string]*slot)}
}

// Acquire takes every key in sorted order, releasing any already held on failure.
func (l *Local) Acquire(ctx context.Context, keys []string) (func(), error) {
	keys = Normalize(keys)
	held := make([]string, 0, len(keys))

	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	for _, key := range keys {
		s := l.ref(key)
		select {
		case s.sem <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			releaseAll()
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

func (l *Local) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.slots[key]; ok {
		s.refs--
		if s.refs == 0 {
			delete(l.slots, key)
		}
	}
}

func (l *Local) unlock(key string) {
	l.mu.Lock()
	s, ok := l.slots[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-s.sem
	l.unref(key)
}
