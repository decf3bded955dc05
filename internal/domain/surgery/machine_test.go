package surgery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireConsistent(t *testing.T, c *Case) {
	t.Helper()
	require.NotEmpty(t, c.History)
	assert.Equal(t, c.State, c.LastTransition().To)
}

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine(func() time.Time { return hm(7, 30) })
	c := completeChecklist(t, newTestCase(t, "C1"), hm(7, 10))
	requireConsistent(t, c)

	approved, warnings, err := m.Transition(c, TransitionRequest{To: StateApproved, Actor: "dr-lead"})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, StatePendingApproval, c.State, "input snapshot must not change")
	requireConsistent(t, approved)

	scheduled, _, err := m.Transition(approved, TransitionRequest{
		To:       StateScheduled,
		Actor:    "coordinator",
		Schedule: &Schedule{Start: hm(10, 0), End: hm(12, 0), Room: "OR-1"},
	})
	require.NoError(t, err)
	require.NotNil(t, scheduled.Schedule)
	assert.Equal(t, "OR-1", scheduled.Schedule.Room)
	assert.Nil(t, approved.Schedule)

	started, _, err := m.Transition(scheduled, TransitionRequest{To: StateInProgress, Actor: "S1", At: hm(10, 5)})
	require.NoError(t, err)
	require.NotNil(t, started.Execution.ActualStart)
	assert.Equal(t, hm(10, 5), *started.Execution.ActualStart)

	finished, warnings, err := m.Transition(started, TransitionRequest{To: StatePendingNotes, Actor: "S1", At: hm(11, 35)})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.NotNil(t, finished.Execution.ActualDurationMinutes)
	assert.Equal(t, 90, *finished.Execution.ActualDurationMinutes)

	final, _, err := m.Transition(finished, TransitionRequest{To: StateFinalized, Actor: "S1", Outcome: validOutcome(), At: hm(13, 0)})
	require.NoError(t, err)
	requireConsistent(t, final)
	require.NotNil(t, final.Outcome)
	assert.Equal(t, "S1", final.Outcome.RecordedBy)
	assert.Equal(t, hm(13, 0), final.Outcome.RecordedAt)
	assert.True(t, final.State.Terminal())

	// creation + five transitions
	assert.Len(t, final.History, 6)
	for i := 1; i < len(final.History); i++ {
		assert.Equal(t, final.History[i-1].To, final.History[i].From)
	}

	var transitions int
	for _, e := range final.Changes() {
		if e.EventType == EventCaseTransitioned {
			transitions++
		}
	}
	assert.Equal(t, 5, transitions)
}

func TestMachineApproveBlockedByPendingItem(t *testing.T) {
	m := NewMachine(nil)
	c := completeChecklist(t, newTestCase(t, "C1"), time.Now())

	items, _, err := UpdateChecklistItem(c.Checklist, ItemUpdate{ID: "informed-consent", State: ItemPending}, "nurse", time.Now())
	require.NoError(t, err)
	c.Checklist = items

	_, _, err = m.Transition(c, TransitionRequest{To: StateApproved, Actor: "dr-lead"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGateNotSatisfied))

	var gate *GateError
	require.True(t, errors.As(err, &gate))
	require.Len(t, gate.BlockingItems, 1)
	assert.Equal(t, "informed-consent", gate.BlockingItems[0].ID)
	assert.Equal(t, StatePendingApproval, c.State)
}

func TestMachineApproveBlockedByExpiredItem(t *testing.T) {
	c := completeChecklist(t, newTestCase(t, "C1"), hm(8, 0))
	m := NewMachine(func() time.Time { return hm(8, 0).AddDate(0, 0, 31) })

	_, _, err := m.Transition(c, TransitionRequest{To: StateApproved, Actor: "dr-lead"})
	var gate *GateError
	require.True(t, errors.As(err, &gate))

	var ids []string
	for _, it := range gate.BlockingItems {
		ids = append(ids, it.ID)
	}
	assert.ElementsMatch(t, []string{"blood-panel", "coagulation-panel"}, ids)
}

func TestMachineNotApplicableSatisfiesGate(t *testing.T) {
	m := NewMachine(nil)
	c := newTestCase(t, "C1")
	items := c.Checklist
	for _, it := range c.Checklist {
		var err error
		items, _, err = UpdateChecklistItem(items, ItemUpdate{ID: it.ID, State: ItemNotApplicable}, "nurse", time.Now())
		require.NoError(t, err)
	}
	c.Checklist = items

	next, _, err := m.Transition(c, TransitionRequest{To: StateApproved, Actor: "dr-lead"})
	require.NoError(t, err)
	assert.Equal(t, StateApproved, next.State)
}

func TestMachineIllegalTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{StatePendingApproval, StateScheduled},
		{StatePendingApproval, StateInProgress},
		{StateApproved, StateApproved},
		{StateInProgress, StateScheduled},
		{StatePendingNotes, StateCancelled},
		{StateFinalized, StateCancelled},
		{StateCancelled, StateApproved},
		{StateCancelled, StateCancelled},
	}

	m := NewMachine(nil)
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			c := &Case{ID: "C1", State: tt.from, History: []StateTransition{{To: tt.from}}}
			_, _, err := m.Transition(c, TransitionRequest{
				To:       tt.to,
				Actor:    "someone",
				Reason:   "because",
				Schedule: &Schedule{Start: hm(10, 0), End: hm(11, 0), Room: "OR-1"},
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIllegalTransition))

			var ite *IllegalTransitionError
			require.True(t, errors.As(err, &ite))
			assert.Equal(t, tt.from, ite.From)
			assert.Equal(t, tt.to, ite.To)
			assert.Len(t, c.History, 1)
		})
	}
}

func TestMachineCancel(t *testing.T) {
	m := NewMachine(nil)
	c := newTestCase(t, "C1")

	_, _, err := m.Transition(c, TransitionRequest{To: StateCancelled, Actor: "coordinator", Reason: "  "})
	assert.ErrorIs(t, err, ErrReasonRequired)

	cancelled, _, err := m.Transition(c, TransitionRequest{To: StateCancelled, Actor: "coordinator", Reason: "patient declined"})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Equal(t, "patient declined", cancelled.LastTransition().Reason)
	assert.Equal(t, StatePendingApproval, cancelled.LastTransition().From)
	assert.False(t, cancelled.HoldsBooking())

	_, _, err = m.Transition(cancelled, TransitionRequest{To: StateCancelled, Actor: "coordinator", Reason: "again"})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestMachineReschedule(t *testing.T) {
	m := NewMachine(nil)
	c := &Case{
		ID:        "C1",
		State:     StateScheduled,
		Personnel: staff(),
		Schedule:  &Schedule{Start: hm(10, 0), End: hm(12, 0), Room: "OR-1"},
		History:   []StateTransition{{From: StateApproved, To: StateScheduled}},
	}

	moved, _, err := m.Transition(c, TransitionRequest{
		To:       StateScheduled,
		Actor:    "coordinator",
		Schedule: &Schedule{Start: hm(14, 0), End: hm(16, 0), Room: "OR-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "rescheduled", moved.LastTransition().Reason)
	assert.Equal(t, "OR-2", moved.Schedule.Room)
	assert.Equal(t, "OR-1", c.Schedule.Room)

	moved, _, err = m.Transition(moved, TransitionRequest{
		To:       StateScheduled,
		Actor:    "coordinator",
		Reason:   "room maintenance",
		Schedule: &Schedule{Start: hm(15, 0), End: hm(17, 0), Room: "OR-3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "rescheduled: room maintenance", moved.LastTransition().Reason)
	assert.Len(t, moved.History, 3)
}

func TestMachineScheduleValidation(t *testing.T) {
	m := NewMachine(nil)
	c := &Case{ID: "C1", State: StateApproved, Personnel: staff(), History: []StateTransition{{To: StateApproved}}}

	tests := []struct {
		name      string
		schedule  *Schedule
		personnel []Personnel
		wantErr   error
	}{
		{"missing schedule", nil, nil, ErrInvalidCase},
		{"end before start", &Schedule{Start: hm(12, 0), End: hm(10, 0), Room: "OR-1"}, nil, ErrInvalidTimeWindow},
		{"empty window", &Schedule{Start: hm(10, 0), End: hm(10, 0), Room: "OR-1"}, nil, ErrInvalidTimeWindow},
		{"no room", &Schedule{Start: hm(10, 0), End: hm(11, 0)}, nil, ErrInvalidCase},
		{"no surgeon", &Schedule{Start: hm(10, 0), End: hm(11, 0), Room: "OR-1"},
			[]Personnel{{PersonID: "N1", Role: RoleNurse}}, ErrInvalidCase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := m.Transition(c, TransitionRequest{To: StateScheduled, Actor: "coordinator", Schedule: tt.schedule, Personnel: tt.personnel})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMachineScheduleReplacesPersonnel(t *testing.T) {
	m := NewMachine(nil)
	c := &Case{ID: "C1", State: StateApproved, Personnel: staff(), History: []StateTransition{{To: StateApproved}}}
	crew := []Personnel{{PersonID: "S2", Role: RoleSurgeon}, {PersonID: "N1", Role: RoleNurse}}

	next, _, err := m.Transition(c, TransitionRequest{
		To:        StateScheduled,
		Actor:     "coordinator",
		Schedule:  &Schedule{Start: hm(10, 0), End: hm(11, 0), Room: "OR-1"},
		Personnel: crew,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"S2", "N1"}, next.PersonIDs())
	assert.Equal(t, []string{"S1", "A1"}, c.PersonIDs())
}

func TestMachineFinishWarnings(t *testing.T) {
	m := NewMachine(nil)

	t.Run("missing start", func(t *testing.T) {
		c := &Case{ID: "C1", State: StateInProgress, History: []StateTransition{{To: StateInProgress}}}
		next, warnings, err := m.Transition(c, TransitionRequest{To: StatePendingNotes, Actor: "S1", At: hm(11, 0)})
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, WarningDataIntegrity, warnings[0].Code)
		assert.Nil(t, next.Execution.ActualDurationMinutes)
		assert.Equal(t, hm(11, 0), *next.Execution.ActualEnd)
	})

	t.Run("end before start", func(t *testing.T) {
		start := hm(11, 0)
		c := &Case{
			ID:        "C1",
			State:     StateInProgress,
			Execution: &ExecutionTimes{ActualStart: &start},
			History:   []StateTransition{{To: StateInProgress}},
		}
		next, warnings, err := m.Transition(c, TransitionRequest{To: StatePendingNotes, Actor: "S1", At: hm(10, 0)})
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, 0, *next.Execution.ActualDurationMinutes)
		assert.Nil(t, c.Execution.ActualEnd)
	})

	t.Run("partial minutes floor", func(t *testing.T) {
		start := hm(10, 0)
		c := &Case{
			ID:        "C1",
			State:     StateInProgress,
			Execution: &ExecutionTimes{ActualStart: &start},
			History:   []StateTransition{{To: StateInProgress}},
		}
		next, warnings, err := m.Transition(c, TransitionRequest{To: StatePendingNotes, Actor: "S1", At: hm(10, 45).Add(59 * time.Second)})
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Equal(t, 45, *next.Execution.ActualDurationMinutes)
	})
}

func TestMachineFinalizeValidation(t *testing.T) {
	m := NewMachine(nil)
	c := &Case{ID: "C1", State: StatePendingNotes, History: []StateTransition{{To: StatePendingNotes}}}

	tests := []struct {
		name   string
		mutate func(o *OutcomeNotes)
		ok     bool
	}{
		{"valid", func(o *OutcomeNotes) {}, true},
		{"missing summary", func(o *OutcomeNotes) { o.Summary = "" }, false},
		{"unknown level", func(o *OutcomeNotes) { o.ComplicationLevel = "catastrophic" }, false},
		{"complication without detail", func(o *OutcomeNotes) { o.ComplicationLevel = ComplicationMinor }, false},
		{"complication with detail", func(o *OutcomeNotes) {
			o.ComplicationLevel = ComplicationMinor
			o.ComplicationDetail = "superficial wound infection"
		}, true},
		{"no follow-up", func(o *OutcomeNotes) { o.FollowUpVisitsRequired = 0 }, false},
		{"prescription without medication", func(o *OutcomeNotes) { o.Prescriptions = []Prescription{{Dosage: "5mg"}} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOutcome()
			tt.mutate(o)
			next, _, err := m.Transition(c, TransitionRequest{To: StateFinalized, Actor: "S1", Outcome: o})
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, StateFinalized, next.State)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidOutcome)
			assert.Nil(t, next)
		})
	}

	_, _, err := m.Transition(c, TransitionRequest{To: StateFinalized, Actor: "S1"})
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestMachineRequiresActor(t *testing.T) {
	m := NewMachine(nil)
	_, _, err := m.Transition(newTestCase(t, "C1"), TransitionRequest{To: StateCancelled, Reason: "x"})
	assert.ErrorIs(t, err, ErrActorRequired)
}
