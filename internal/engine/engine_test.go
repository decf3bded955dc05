package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medcore/surgiflow/internal/domain/surgery"
	"github.com/medcore/surgiflow/internal/infrastructure/memory"
	"github.com/medcore/surgiflow/internal/observability/metrics"
	"github.com/medcore/surgiflow/pkg/lock"
)

var day = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func hm(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	engine  *Engine
	store   *memory.CaseStore
	clock   *clock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, store surgery.RecordStore) *fixture {
	t.Helper()
	mem := memory.NewCaseStore()
	if store == nil {
		store = mem
	}
	clk := &clock{now: hm(7, 0)}
	m := metrics.New(prometheus.NewRegistry())

	var mu sync.Mutex
	n := 0
	e := New(store, surgery.DefaultTemplates(), lock.NewLocal(time.Second), m, Config{
		Now: clk.Now,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		},
	}, nil)
	return &fixture{engine: e, store: mem, clock: clk, metrics: m}
}

func team(surgeon, anesthesiologist string) []surgery.Personnel {
	return []surgery.Personnel{
		{PersonID: surgeon, Role: surgery.RoleSurgeon, DisplayName: "Dr. " + surgeon},
		{PersonID: anesthesiologist, Role: surgery.RoleAnesthesiologist, DisplayName: "Dr. " + anesthesiologist},
	}
}

// approvedCase creates a case, completes its checklist and approves it.
func (f *fixture) approvedCase(t *testing.T, staff []surgery.Personnel) string {
	t.Helper()
	ctx := context.Background()

	c, err := f.engine.CreateCase(ctx, CreateCaseCommand{
		PatientID:     "P1",
		ProcedureType: "orthopedic",
		Personnel:     staff,
		Actor:         "coordinator",
	})
	require.NoError(t, err)

	for _, it := range c.Checklist {
		_, err := f.engine.UpdateChecklistItem(ctx, c.ID, surgery.ItemUpdate{ID: it.ID, State: surgery.ItemCompleted}, "nurse")
		require.NoError(t, err)
	}
	_, err = f.engine.Approve(ctx, c.ID, "dr-lead")
	require.NoError(t, err)
	return c.ID
}

func scheduleCmd(room string, start, end time.Time) ScheduleCommand {
	return ScheduleCommand{
		Schedule: surgery.Schedule{Start: start, End: end, Room: room},
		Actor:    "coordinator",
	}
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	id := f.approvedCase(t, team("S1", "A1"))

	res, err := f.engine.Schedule(ctx, id, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
	require.NoError(t, err)
	assert.Equal(t, surgery.StateScheduled, res.Case.State)
	assert.Equal(t, surgery.StateApproved, res.Transition.From)

	f.clock.Set(hm(10, 0))
	_, err = f.engine.Start(ctx, id, "S1")
	require.NoError(t, err)

	f.clock.Set(hm(11, 30))
	res, err = f.engine.Finish(ctx, id, "S1")
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 90, *res.Case.Execution.ActualDurationMinutes)

	res, err = f.engine.RecordOutcome(ctx, id, surgery.OutcomeNotes{
		ComplicationLevel:      surgery.ComplicationNone,
		FollowUpVisitsRequired: 2,
		Summary:                "Uneventful",
	}, "S1")
	require.NoError(t, err)
	assert.Equal(t, surgery.StateFinalized, res.Case.State)

	stored, err := f.engine.GetCase(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, res.Case.Version, stored.Version)
	assert.Equal(t, surgery.StateFinalized, stored.LastTransition().To)
	assert.Len(t, stored.History, 6)

	_, err = f.engine.Cancel(ctx, id, "coordinator", "too late")
	assert.ErrorIs(t, err, surgery.ErrIllegalTransition)

	var transitions int
	for _, e := range f.store.Events() {
		if e.EventType == surgery.EventCaseTransitioned {
			transitions++
		}
	}
	assert.Equal(t, 5, transitions)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TransitionsTotal.WithLabelValues("SCHEDULED", "IN_PROGRESS")))
}

func TestScheduleRoomConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c1 := f.approvedCase(t, team("S1", "A1"))
	c2 := f.approvedCase(t, team("S2", "A2"))

	_, err := f.engine.Schedule(ctx, c1, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
	require.NoError(t, err)

	_, err = f.engine.Schedule(ctx, c2, scheduleCmd("OR-1", hm(11, 0), hm(13, 0)))
	require.Error(t, err)
	assert.ErrorIs(t, err, surgery.ErrSchedulingConflict)

	var sce *surgery.SchedulingConflictError
	require.True(t, errors.As(err, &sce))
	assert.Equal(t, "OR-1", sce.Room)
	assert.Empty(t, sce.Persons)
	assert.Equal(t, []string{c1}, sce.ConflictingCaseIDs)

	stored, err := f.engine.GetCase(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, surgery.StateApproved, stored.State)
	assert.Nil(t, stored.Schedule)

	// adjacent window and another room both work
	_, err = f.engine.Schedule(ctx, c2, scheduleCmd("OR-1", hm(12, 0), hm(13, 0)))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SchedulingConflicts.WithLabelValues("room")))
}

func TestSchedulePersonConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c1 := f.approvedCase(t, team("S1", "A1"))
	c2 := f.approvedCase(t, team("S1", "A2"))
	c3 := f.approvedCase(t, team("S3", "A3"))

	_, err := f.engine.Schedule(ctx, c1, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
	require.NoError(t, err)

	_, err = f.engine.Schedule(ctx, c2, scheduleCmd("OR-2", hm(11, 0), hm(13, 0)))
	var sce *surgery.SchedulingConflictError
	require.True(t, errors.As(err, &sce))
	assert.Empty(t, sce.Room)
	require.Len(t, sce.Persons, 1)
	assert.Equal(t, "S1", sce.Persons[0].PersonID)

	_, err = f.engine.Schedule(ctx, c3, scheduleCmd("OR-2", hm(11, 0), hm(13, 0)))
	require.NoError(t, err)

	// swapping in a free surgeon resolves the conflict
	cmd := scheduleCmd("OR-3", hm(11, 0), hm(13, 0))
	cmd.Personnel = team("S4", "A2")
	res, err := f.engine.Schedule(ctx, c2, cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{"S4", "A2"}, res.Case.PersonIDs())
}

func TestRescheduleIgnoresOwnSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c1 := f.approvedCase(t, team("S1", "A1"))

	_, err := f.engine.Reschedule(ctx, c1, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
	assert.ErrorIs(t, err, surgery.ErrIllegalTransition)

	_, err = f.engine.Schedule(ctx, c1, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
	require.NoError(t, err)

	_, err = f.engine.Schedule(ctx, c1, scheduleCmd("OR-1", hm(14, 0), hm(15, 0)))
	assert.ErrorIs(t, err, surgery.ErrIllegalTransition)

	cmd := scheduleCmd("OR-1", hm(11, 0), hm(13, 0))
	cmd.Reason = "surgeon request"
	res, err := f.engine.Reschedule(ctx, c1, cmd)
	require.NoError(t, err)
	assert.Equal(t, "rescheduled: surgeon request", res.Transition.Reason)
	assert.Equal(t, hm(11, 0), res.Case.Schedule.Start)
}

func TestRescheduleConflictsWithThirdCase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c1 := f.approvedCase(t, team("S1", "A1"))
	c3 := f.approvedCase(t, team("S3", "A3"))

	_, err := f.engine.Schedule(ctx, c1, scheduleCmd("OR-1", hm(8, 0), hm(10, 0)))
	require.NoError(t, err)
	_, err = f.engine.Schedule(ctx, c3, scheduleCmd("OR-1", hm(12, 0), hm(14, 0)))
	require.NoError(t, err)

	_, err = f.engine.Reschedule(ctx, c1, scheduleCmd("OR-1", hm(13, 0), hm(15, 0)))
	require.ErrorIs(t, err, surgery.ErrSchedulingConflict)
	var sce *surgery.SchedulingConflictError
	require.True(t, errors.As(err, &sce))
	assert.Equal(t, "OR-1", sce.Room)
	assert.Contains(t, sce.ConflictingCaseIDs, c3)

	got, err := f.engine.GetCase(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, hm(8, 0), got.Schedule.Start)
}

func TestCancelledCaseReleasesRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c1 := f.approvedCase(t, team("S1", "A1"))
	c2 := f.approvedCase(t, team("S2", "A2"))

	_, err := f.engine.Schedule(ctx, c1, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, c1, "coordinator", "")
	assert.ErrorIs(t, err, surgery.ErrReasonRequired)
	_, err = f.engine.Cancel(ctx, c1, "coordinator", "patient unwell")
	require.NoError(t, err)

	_, err = f.engine.Schedule(ctx, c2, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
	require.NoError(t, err)
}

func TestApproveGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c, err := f.engine.CreateCase(ctx, CreateCaseCommand{
		PatientID:     "P1",
		ProcedureType: "cardiac",
		RiskFlags:     []surgery.RiskFlag{surgery.FlagDiabetic},
		Personnel:     team("S1", "A1"),
		Actor:         "coordinator",
	})
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, c.ID, "dr-lead")
	var gate *surgery.GateError
	require.True(t, errors.As(err, &gate))
	// glucose-plan is optional
	assert.Len(t, gate.BlockingItems, len(c.Checklist)-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GateRejections))

	for _, it := range gate.BlockingItems {
		_, err := f.engine.UpdateChecklistItem(ctx, c.ID, surgery.ItemUpdate{ID: it.ID, State: surgery.ItemNotApplicable}, "nurse")
		require.NoError(t, err)
	}
	res, err := f.engine.Approve(ctx, c.ID, "dr-lead")
	require.NoError(t, err)
	assert.Equal(t, surgery.StateApproved, res.Case.State)
}

func TestChecklistCommands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c, err := f.engine.CreateCase(ctx, CreateCaseCommand{
		PatientID: "P1", ProcedureType: "general", Personnel: team("S1", "A1"), Actor: "coordinator",
	})
	require.NoError(t, err)

	updated, err := f.engine.AppendChecklistItem(ctx, c.ID, "Latex allergy check", "", true, "nurse")
	require.NoError(t, err)
	assert.Len(t, updated.Checklist, len(c.Checklist)+1)

	_, err = f.engine.UpdateChecklistItem(ctx, c.ID, surgery.ItemUpdate{ID: "nope", State: surgery.ItemCompleted}, "nurse")
	assert.ErrorIs(t, err, surgery.ErrItemNotFound)

	_, err = f.engine.UpdateChecklistItem(ctx, c.ID, surgery.ItemUpdate{ID: "ecg", State: surgery.ItemCompleted}, "")
	assert.ErrorIs(t, err, surgery.ErrActorRequired)
	_, err = f.engine.UpdateChecklistItem(ctx, c.ID, surgery.ItemUpdate{ID: "ecg", State: surgery.ItemCompleted}, "   ")
	assert.ErrorIs(t, err, surgery.ErrActorRequired)
	_, err = f.engine.AppendChecklistItem(ctx, c.ID, "Latex allergy check", "", true, "\t")
	assert.ErrorIs(t, err, surgery.ErrActorRequired)

	_, err = f.engine.Cancel(ctx, c.ID, "coordinator", "duplicate request")
	require.NoError(t, err)
	_, err = f.engine.UpdateChecklistItem(ctx, c.ID, surgery.ItemUpdate{ID: "ecg", State: surgery.ItemCompleted}, "nurse")
	assert.ErrorIs(t, err, surgery.ErrIllegalTransition)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c1 := f.approvedCase(t, team("S1", "A1"))
	c2 := f.approvedCase(t, team("S2", "A1"))

	_, err := f.engine.Schedule(ctx, c1, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
	require.NoError(t, err)

	got, err := f.engine.ListByDateRange(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c1, got[0].ID)

	_, err = f.engine.ListByDateRange(ctx, day, day)
	assert.ErrorIs(t, err, surgery.ErrInvalidTimeWindow)

	active, err := f.engine.ListActiveByPerson(ctx, "A1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	avail, err := f.engine.CheckAvailability(ctx, surgery.AvailabilityQuery{
		Start: hm(11, 0), End: hm(12, 30), RoomID: "OR-2", PersonIDs: []string{"S2", "A1"}, ExcludeCaseID: c2,
	})
	require.NoError(t, err)
	assert.True(t, avail.RoomAvailable)
	require.Len(t, avail.UnavailablePersons, 1)
	assert.Equal(t, "A1", avail.UnavailablePersons[0].PersonID)
}

// flakyStore reports a version conflict on the next n updates.
type flakyStore struct {
	surgery.RecordStore
	mu sync.Mutex
	n  int
}

func (s *flakyStore) fail(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = n
}

func (s *flakyStore) Save(ctx context.Context, c *surgery.Case, expected int) error {
	s.mu.Lock()
	if expected > 0 && s.n > 0 {
		s.n--
		s.mu.Unlock()
		return fmt.Errorf("%w: injected", surgery.ErrVersionConflict)
	}
	s.mu.Unlock()
	return s.RecordStore.Save(ctx, c, expected)
}

func TestRetriesOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewCaseStore()
	flaky := &flakyStore{RecordStore: mem}
	f := newFixture(t, flaky)
	id := f.approvedCase(t, team("S1", "A1"))

	flaky.fail(2)
	res, err := f.engine.Schedule(ctx, id, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
	require.NoError(t, err)
	assert.Equal(t, surgery.StateScheduled, res.Case.State)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.VersionRetries.WithLabelValues("case")))

	flaky.fail(3)
	_, err = f.engine.Reschedule(ctx, id, scheduleCmd("OR-2", hm(10, 0), hm(12, 0)))
	assert.ErrorIs(t, err, surgery.ErrSchedulingConflict)
	assert.ErrorIs(t, err, surgery.ErrConcurrentModification)

	flaky.fail(3)
	_, err = f.engine.Start(ctx, id, "S1")
	assert.ErrorIs(t, err, surgery.ErrConcurrentModification)
	assert.NotErrorIs(t, err, surgery.ErrSchedulingConflict)

	stored, err := mem.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, surgery.StateScheduled, stored.State)
	assert.Equal(t, "OR-1", stored.Schedule.Room)
}

func TestConcurrentSchedulingSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = f.approvedCase(t, team(fmt.Sprintf("S%d", i), fmt.Sprintf("A%d", i)))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.engine.Schedule(ctx, id, scheduleCmd("OR-1", hm(10, 0), hm(12, 0)))
		}(i, id)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, surgery.ErrSchedulingConflict)
	}
	assert.Equal(t, 1, ok)

	booked, err := f.engine.ListByDateRange(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, booked, 1)
}

func TestCreateCaseValidation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.CreateCase(context.Background(), CreateCaseCommand{
		PatientID: "P1", ProcedureType: "general", Personnel: team("S1", "A1"),
		RiskFlags: []surgery.RiskFlag{"vampire"}, Actor: "coordinator",
	})
	assert.ErrorIs(t, err, surgery.ErrInvalidCase)

	_, err = f.engine.GetCase(context.Background(), "missing")
	assert.ErrorIs(t, err, surgery.ErrCaseNotFound)
}
