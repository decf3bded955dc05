package surgery

import (
	"context"
	"time"
)

// RecordStore persists case snapshots. The engine only talks to this
// interface.
//
// Save writes c if the stored version equals expectedVersion (0 creates a new
// record) and fails with ErrVersionConflict otherwise. On success c.Version is
// expectedVersion+1 and c's uncommitted events have been handed to the store.
//
// QueryByDateRange returns cases whose schedule overlaps [start, end).
// QueryActiveByPerson returns non-terminal cases that assign personID.
type RecordStore interface {
	Load(ctx context.Context, id string) (*Case, error)
	Save(ctx context.Context, c *Case, expectedVersion int) error
	QueryByDateRange(ctx context.Context, start, end time.Time) ([]*Case, error)
	QueryActiveByPerson(ctx context.Context, personID string) ([]*Case, error)
}

// AssignsPerson reports whether personID is on the case's staff.
func (c *Case) AssignsPerson(personID string) bool {
	for _, p := range c.Personnel {
		if p.PersonID == personID {
			return true
		}
	}
	return false
}
