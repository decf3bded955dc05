package surgery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCase(t *testing.T) {
	c := newTestCase(t, "C1")

	assert.Equal(t, StatePendingApproval, c.State)
	assert.Equal(t, PriorityNormal, c.Priority)
	require.Len(t, c.History, 1)
	assert.Equal(t, State(""), c.History[0].From)
	assert.Equal(t, StatePendingApproval, c.History[0].To)
	assert.Equal(t, "coordinator", c.History[0].Actor)
	assert.Len(t, c.Checklist, 5)

	require.Len(t, c.Changes(), 1)
	e := c.Changes()[0]
	assert.Equal(t, EventCaseCreated, e.EventType)
	assert.Equal(t, AggregateType, e.AggregateType)

	var data TransitionedData
	require.NoError(t, json.Unmarshal(e.EventData, &data))
	assert.Equal(t, "P1", data.PatientID)

	c.ClearChanges()
	assert.Empty(t, c.Changes())
}

func TestNewCaseValidation(t *testing.T) {
	valid := NewCaseParams{ID: "C1", PatientID: "P1", ProcedureType: "cardiac", Personnel: staff()}

	tests := []struct {
		name   string
		mutate func(p *NewCaseParams)
	}{
		{"no id", func(p *NewCaseParams) { p.ID = "" }},
		{"no patient", func(p *NewCaseParams) { p.PatientID = " " }},
		{"no procedure", func(p *NewCaseParams) { p.ProcedureType = "" }},
		{"bad priority", func(p *NewCaseParams) { p.Priority = "asap" }},
		{"no surgeon", func(p *NewCaseParams) { p.Personnel = []Personnel{{PersonID: "N1", Role: RoleNurse}} }},
		{"two surgeons", func(p *NewCaseParams) {
			p.Personnel = []Personnel{{PersonID: "S1", Role: RoleSurgeon}, {PersonID: "S2", Role: RoleSurgeon}}
		}},
		{"duplicate person", func(p *NewCaseParams) {
			p.Personnel = []Personnel{{PersonID: "S1", Role: RoleSurgeon}, {PersonID: "S1", Role: RoleNurse}}
		}},
		{"unknown role", func(p *NewCaseParams) {
			p.Personnel = []Personnel{{PersonID: "S1", Role: RoleSurgeon}, {PersonID: "X", Role: "porter"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			p.Personnel = staff()
			tt.mutate(&p)
			_, err := NewCase(p, nil, "coordinator", hm(7, 0))
			assert.ErrorIs(t, err, ErrInvalidCase)
		})
	}

	_, err := NewCase(valid, nil, "", hm(7, 0))
	assert.ErrorIs(t, err, ErrActorRequired)
}

func TestCaseCloneIsDeep(t *testing.T) {
	c := newTestCase(t, "C1")
	c.Schedule = &Schedule{Start: hm(10, 0), End: hm(11, 0), Room: "OR-1"}

	cp := c.Clone()
	cp.Checklist[0].State = ItemCompleted
	cp.Personnel[0].DisplayName = "changed"
	cp.Schedule.Room = "OR-9"
	cp.History = append(cp.History, StateTransition{To: StateCancelled})

	assert.Equal(t, ItemPending, c.Checklist[0].State)
	assert.Equal(t, "Dr. Grey", c.Personnel[0].DisplayName)
	assert.Equal(t, "OR-1", c.Schedule.Room)
	assert.Len(t, c.History, 1)
}

func TestWithChecklist(t *testing.T) {
	c := newTestCase(t, "C1")
	c.ClearChanges()

	items, item, err := UpdateChecklistItem(c.Checklist, ItemUpdate{ID: "ecg", State: ItemCompleted}, "nurse", hm(8, 0))
	require.NoError(t, err)

	next, err := c.WithChecklist(items, item, EventChecklistItemUpdated, "nurse", hm(8, 0))
	require.NoError(t, err)
	require.Len(t, next.Changes(), 1)
	assert.Equal(t, EventChecklistItemUpdated, next.Changes()[0].EventType)
	assert.Empty(t, c.Changes())

	c.State = StateInProgress
	_, err = c.WithChecklist(items, item, EventChecklistItemUpdated, "nurse", hm(8, 0))
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestBookings(t *testing.T) {
	c := newTestCase(t, "C1")
	assert.Nil(t, c.Bookings())

	c.State = StateScheduled
	c.Schedule = &Schedule{Start: hm(10, 0), End: hm(12, 0), Room: "OR-1"}
	bookings := c.Bookings()
	require.Len(t, bookings, 3)
	assert.Equal(t, BookingRoom, bookings[0].Kind)
	assert.Equal(t, "OR-1", bookings[0].ResourceID)
	assert.Equal(t, BookingPerson, bookings[1].Kind)
	assert.Equal(t, "S1", bookings[1].ResourceID)
	assert.Equal(t, "Dr. Grey", bookings[1].Name)
	assert.Equal(t, 2*time.Hour, bookings[2].Duration())
	assert.True(t, c.AssignsPerson("A1"))
	assert.False(t, c.AssignsPerson("N9"))

	c.State = StateCancelled
	assert.Nil(t, c.Bookings())
}
