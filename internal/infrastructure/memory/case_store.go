// Package memory provides in-process record stores. They back the
// scheduling API when STORE_DRIVER=memory and serve as fakes in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medcore/surgiflow/internal/domain/surgery"
	"github.com/medcore/surgiflow/pkg/interval"
)

// CaseStore keeps case snapshots in a map. Every read and write copies, so
// callers never share memory with the store.
type CaseStore struct {
	mu     sync.RWMutex
	cases  map[string]*surgery.Case
	events []*surgery.Event
}

// NewCaseStore creates an empty store.
func NewCaseStore() *CaseStore {
	return &CaseStore{cases: make(map[string]*surgery.Case)}
}

// Load implements surgery.RecordStore.
func (s *CaseStore) Load(_ context.Context, id string) (*surgery.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", surgery.ErrCaseNotFound, id)
	}
	return c.Clone(), nil
}

// Save implements surgery.RecordStore.
func (s *CaseStore) Save(_ context.Context, c *surgery.Case, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := 0
	if existing, ok := s.cases[c.ID]; ok {
		current = existing.Version
	} else if expectedVersion != 0 {
		return fmt.Errorf("%w: %s", surgery.ErrCaseNotFound, c.ID)
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: case %s at version %d, expected %d",
			surgery.ErrVersionConflict, c.ID, current, expectedVersion)
	}

	c.Version = expectedVersion + 1
	for _, e := range c.Changes() {
		e.Version = c.Version
		s.events = append(s.events, e)
	}
	c.ClearChanges()

	s.cases[c.ID] = c.Clone()
	return nil
}

// QueryByDateRange implements surgery.RecordStore.
func (s *CaseStore) QueryByDateRange(_ context.Context, start, end time.Time) ([]*surgery.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*surgery.Case
	for _, c := range s.cases {
		if c.Schedule == nil || !interval.Overlaps(start, end, c.Schedule.Start, c.Schedule.End) {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Schedule.Start.Equal(out[j].Schedule.Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Schedule.Start.Before(out[j].Schedule.Start)
	})
	return out, nil
}

// QueryActiveByPerson implements surgery.RecordStore.
func (s *CaseStore) QueryActiveByPerson(_ context.Context, personID string) ([]*surgery.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*surgery.Case
	for _, c := range s.cases {
		if c.State.Terminal() || !c.AssignsPerson(personID) {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Events returns every event committed so far, oldest first.
func (s *CaseStore) Events() []*surgery.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*surgery.Event(nil), s.events...)
}
