package surgery

import (
	"context"
	"fmt"
	"time"

	"github.com/medcore/surgiflow/pkg/interval"
)

// CaseQuerier is the part of the record store the availability check reads.
type CaseQuerier interface {
	QueryByDateRange(ctx context.Context, start, end time.Time) ([]*Case, error)
}

// AvailabilityQuery is a proposed booking. ExcludeCaseID lets a case be
// rescheduled without colliding with its own current slot.
type AvailabilityQuery struct {
	Start         time.Time
	End           time.Time
	RoomID        string
	PersonIDs     []string
	ExcludeCaseID string
}

// Availability reports room and personnel conflicts independently.
type Availability struct {
	RoomAvailable      bool                `json:"room_available"`
	UnavailablePersons []UnavailablePerson `json:"unavailable_persons,omitempty"`
	ConflictingCaseIDs []string            `json:"conflicting_case_ids,omitempty"`
}

// Available is true only when neither the room nor any person is booked.
func (a Availability) Available() bool {
	return a.RoomAvailable && len(a.UnavailablePersons) == 0
}

// Conflict converts an unavailable result into a SchedulingConflictError.
func (a Availability) Conflict(roomID string) error {
	if a.Available() {
		return nil
	}
	err := &SchedulingConflictError{
		Persons:            append([]UnavailablePerson(nil), a.UnavailablePersons...),
		ConflictingCaseIDs: append([]string(nil), a.ConflictingCaseIDs...),
	}
	if !a.RoomAvailable {
		err.Room = roomID
	}
	return err
}

// AvailabilityChecker scans committed bookings for room and personnel overlaps.
type AvailabilityChecker struct {
	cases CaseQuerier
}

// NewAvailabilityChecker creates a checker over cases.
func NewAvailabilityChecker(cases CaseQuerier) *AvailabilityChecker {
	return &AvailabilityChecker{cases: cases}
}

// Check evaluates q against every non-cancelled scheduled case on the
// calendar days the window touches.
func (ch *AvailabilityChecker) Check(ctx context.Context, q AvailabilityQuery) (Availability, error) {
	proposed := interval.Window{Start: q.Start, End: q.End}
	if err := proposed.Validate(); err != nil {
		return Availability{}, err
	}

	from, to := interval.DayRange(q.Start, q.End)
	candidates, err := ch.cases.QueryByDateRange(ctx, from, to)
	if err != nil {
		return Availability{}, fmt.Errorf("query bookings: %w", err)
	}

	wanted := make(map[string]bool, len(q.PersonIDs))
	for _, id := range q.PersonIDs {
		wanted[id] = true
	}

	result := Availability{RoomAvailable: true}
	blocked := make(map[string]bool)
	for _, c := range candidates {
		if c.ID == q.ExcludeCaseID {
			continue
		}

		conflicting := false
		for _, b := range c.Bookings() {
			if !b.Overlaps(proposed) {
				continue
			}
			switch b.Kind {
			case BookingRoom:
				if q.RoomID != "" && b.ResourceID == q.RoomID {
					result.RoomAvailable = false
					conflicting = true
				}
			case BookingPerson:
				if !wanted[b.ResourceID] {
					continue
				}
				conflicting = true
				if blocked[b.ResourceID] {
					continue
				}
				blocked[b.ResourceID] = true
				result.UnavailablePersons = append(result.UnavailablePersons, UnavailablePerson{
					PersonID: b.ResourceID,
					Name:     b.Name,
				})
			}
		}
		if conflicting {
			result.ConflictingCaseIDs = append(result.ConflictingCaseIDs, c.ID)
		}
	}
	return result, nil
}
