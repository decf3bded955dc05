package surgery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	cases    []*Case
	from, to time.Time
	err      error
}

func (f *fakeQuerier) QueryByDateRange(_ context.Context, start, end time.Time) ([]*Case, error) {
	f.from, f.to = start, end
	return f.cases, f.err
}

func booked(id, room string, start, end time.Time, state State, staff ...Personnel) *Case {
	return &Case{
		ID:        id,
		State:     state,
		Personnel: staff,
		Schedule:  &Schedule{Start: start, End: end, Room: room},
	}
}

func TestAvailabilityRoomConflict(t *testing.T) {
	q := &fakeQuerier{cases: []*Case{
		booked("C1", "OR-1", hm(10, 0), hm(12, 0), StateScheduled, Personnel{PersonID: "S1", Role: RoleSurgeon}),
	}}
	checker := NewAvailabilityChecker(q)

	got, err := checker.Check(context.Background(), AvailabilityQuery{
		Start: hm(11, 0), End: hm(13, 0), RoomID: "OR-1", PersonIDs: []string{"S2"},
	})
	require.NoError(t, err)
	assert.False(t, got.RoomAvailable)
	assert.Empty(t, got.UnavailablePersons)
	assert.Equal(t, []string{"C1"}, got.ConflictingCaseIDs)
	assert.False(t, got.Available())
	assert.Equal(t, day, q.from)
	assert.Equal(t, day.AddDate(0, 0, 1), q.to)

	err = got.Conflict("OR-1")
	assert.ErrorIs(t, err, ErrSchedulingConflict)
	var sce *SchedulingConflictError
	require.True(t, errors.As(err, &sce))
	assert.Equal(t, "OR-1", sce.Room)
}

func TestAvailabilityPersonConflict(t *testing.T) {
	q := &fakeQuerier{cases: []*Case{
		booked("C1", "OR-1", hm(10, 0), hm(12, 0), StateInProgress,
			Personnel{PersonID: "S1", Role: RoleSurgeon, DisplayName: "Dr. Grey"},
			Personnel{PersonID: "A1", Role: RoleAnesthesiologist}),
		booked("C2", "OR-3", hm(11, 30), hm(13, 0), StateApproved,
			Personnel{PersonID: "S1", Role: RoleSurgeon, DisplayName: "Dr. Grey"}),
	}}

	got, err := NewAvailabilityChecker(q).Check(context.Background(), AvailabilityQuery{
		Start: hm(11, 0), End: hm(14, 0), RoomID: "OR-2", PersonIDs: []string{"S1", "N1"},
	})
	require.NoError(t, err)
	assert.True(t, got.RoomAvailable)
	require.Len(t, got.UnavailablePersons, 1)
	assert.Equal(t, UnavailablePerson{PersonID: "S1", Name: "Dr. Grey"}, got.UnavailablePersons[0])
	assert.Equal(t, []string{"C1", "C2"}, got.ConflictingCaseIDs)

	var sce *SchedulingConflictError
	require.True(t, errors.As(got.Conflict("OR-2"), &sce))
	assert.Empty(t, sce.Room)
	assert.Len(t, sce.Persons, 1)
}

func TestAvailabilityIgnoresNonBlocking(t *testing.T) {
	unscheduled := &Case{ID: "C3", State: StateApproved, Personnel: []Personnel{{PersonID: "S1"}}}
	q := &fakeQuerier{cases: []*Case{
		booked("C1", "OR-1", hm(10, 0), hm(12, 0), StateCancelled, Personnel{PersonID: "S1"}),
		booked("C2", "OR-1", hm(12, 0), hm(13, 0), StateScheduled, Personnel{PersonID: "S1"}),
		booked("C4", "OR-1", hm(9, 0), hm(10, 0), StateFinalized, Personnel{PersonID: "S1"}),
		unscheduled,
	}}

	got, err := NewAvailabilityChecker(q).Check(context.Background(), AvailabilityQuery{
		Start: hm(10, 0), End: hm(12, 0), RoomID: "OR-1", PersonIDs: []string{"S1"},
	})
	require.NoError(t, err)
	assert.True(t, got.Available())
	assert.Nil(t, got.Conflict("OR-1"))
}

func TestAvailabilityExcludesOwnCase(t *testing.T) {
	q := &fakeQuerier{cases: []*Case{
		booked("C1", "OR-1", hm(10, 0), hm(12, 0), StateScheduled, Personnel{PersonID: "S1"}),
	}}
	checker := NewAvailabilityChecker(q)
	query := AvailabilityQuery{Start: hm(11, 0), End: hm(13, 0), RoomID: "OR-1", PersonIDs: []string{"S1"}}

	got, err := checker.Check(context.Background(), query)
	require.NoError(t, err)
	assert.False(t, got.Available())

	query.ExcludeCaseID = "C1"
	got, err = checker.Check(context.Background(), query)
	require.NoError(t, err)
	assert.True(t, got.Available())
}

func TestAvailabilityErrors(t *testing.T) {
	checker := NewAvailabilityChecker(&fakeQuerier{})
	_, err := checker.Check(context.Background(), AvailabilityQuery{Start: hm(12, 0), End: hm(11, 0), RoomID: "OR-1"})
	assert.ErrorIs(t, err, ErrInvalidTimeWindow)

	boom := errors.New("db down")
	_, err = NewAvailabilityChecker(&fakeQuerier{err: boom}).Check(context.Background(), AvailabilityQuery{
		Start: hm(10, 0), End: hm(11, 0), RoomID: "OR-1",
	})
	assert.ErrorIs(t, err, boom)
}

func TestAvailabilityKeepsRoomsAndPersonsApart(t *testing.T) {
	q := &fakeQuerier{cases: []*Case{
		booked("C1", "OR-1", hm(10, 0), hm(12, 0), StateScheduled,
			Personnel{PersonID: "OR-9", Role: RoleSurgeon, DisplayName: "Dr. Nine"}),
	}}

	got, err := NewAvailabilityChecker(q).Check(context.Background(), AvailabilityQuery{
		Start: hm(11, 0), End: hm(12, 0), RoomID: "OR-9",
	})
	require.NoError(t, err)
	assert.True(t, got.Available())
	assert.Empty(t, got.ConflictingCaseIDs)
}
