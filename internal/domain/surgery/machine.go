package surgery

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/medcore/surgiflow/pkg/interval"
)

// RescheduledReason prefixes the history reason of a SCHEDULED -> SCHEDULED move.
const RescheduledReason = "rescheduled"

type edge struct {
	from State
	to   State
}

var allowedTransitions = map[edge]bool{
	{StatePendingApproval, StateApproved}: true,
	{StateApproved, StateScheduled}:       true,
	{StateScheduled, StateScheduled}:      true,
	{StateScheduled, StateInProgress}:     true,
	{StateInProgress, StatePendingNotes}:  true,
	{StatePendingNotes, StateFinalized}:   true,

	{StatePendingApproval, StateCancelled}: true,
	{StateApproved, StateCancelled}:        true,
	{StateScheduled, StateCancelled}:       true,
	{StateInProgress, StateCancelled}:      true,
}

// CanTransition reports whether from -> to is in the lifecycle table.
func CanTransition(from, to State) bool {
	return allowedTransitions[edge{from, to}]
}

// TransitionRequest is a command to move a case to To. Schedule is required
// for SCHEDULED targets and Outcome for FINALIZED. A non-nil Personnel
// replaces the assigned staff when scheduling. A zero At means now.
type TransitionRequest struct {
	To        State
	Actor     string
	Reason    string
	Schedule  *Schedule
	Personnel []Personnel
	Outcome   *OutcomeNotes
	At        time.Time
}

// Machine validates and applies case transitions. It holds no case state.
type Machine struct {
	now func() time.Time
}

// NewMachine creates a Machine; now defaults to time.Now in UTC.
func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{now: now}
}

// Transition validates req against c and returns the next snapshot. c is
// never modified. On error no snapshot is returned.
func (m *Machine) Transition(c *Case, req TransitionRequest) (*Case, []Warning, error) {
	if c == nil {
		return nil, nil, ErrCaseNotFound
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, nil, ErrActorRequired
	}
	if !CanTransition(c.State, req.To) {
		return nil, nil, &IllegalTransitionError{From: c.State, To: req.To}
	}

	at := req.At
	if at.IsZero() {
		at = m.now()
	}

	reason := strings.TrimSpace(req.Reason)
	if err := m.guard(c, req, reason, at); err != nil {
		return nil, nil, err
	}

	next := c.Clone()
	var warnings []Warning

	switch {
	case req.To == StateScheduled && c.State == StateScheduled:
		if reason == "" {
			reason = RescheduledReason
		} else {
			reason = RescheduledReason + ": " + reason
		}
		applySchedule(next, req)

	case req.To == StateScheduled:
		applySchedule(next, req)

	case req.To == StateInProgress:
		start := at
		next.Execution = &ExecutionTimes{ActualStart: &start}

	case req.To == StatePendingNotes:
		warnings = stampFinish(next, at)

	case req.To == StateFinalized:
		o := *req.Outcome
		o.Prescriptions = append([]Prescription(nil), req.Outcome.Prescriptions...)
		o.RecordedBy = req.Actor
		o.RecordedAt = at
		next.Outcome = &o
	}

	tr := StateTransition{
		From:      c.State,
		To:        req.To,
		Timestamp: at,
		Actor:     req.Actor,
		Reason:    reason,
	}
	next.State = req.To
	next.History = append(next.History, tr)
	next.UpdatedAt = at

	event, err := NewEvent(next.ID, EventCaseTransitioned, req.Actor, at, &TransitionedData{
		CaseID:     next.ID,
		PatientID:  next.PatientID,
		Transition: tr,
		Schedule:   next.Schedule,
		Personnel:  next.Personnel,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build transition event: %w", err)
	}
	next.record(event)

	return next, warnings, nil
}

func (m *Machine) guard(c *Case, req TransitionRequest, reason string, at time.Time) error {
	switch req.To {
	case StateApproved:
		gate := EvaluateChecklist(c.Checklist, at)
		if !gate.Passes {
			return &GateError{BlockingItems: gate.BlockingItems}
		}
	case StateScheduled:
		if err := ValidateSchedule(req.Schedule); err != nil {
			return err
		}
		if req.Personnel != nil {
			return ValidatePersonnel(req.Personnel)
		}
	case StateFinalized:
		return ValidateOutcome(req.Outcome)
	case StateCancelled:
		if reason == "" {
			return ErrReasonRequired
		}
	}
	return nil
}

func applySchedule(c *Case, req TransitionRequest) {
	s := *req.Schedule
	c.Schedule = &s
	if req.Personnel != nil {
		c.Personnel = append([]Personnel(nil), req.Personnel...)
	}
}

// stampFinish records the actual end and duration. A missing start or a
// non-positive duration is flagged, not rejected.
func stampFinish(c *Case, at time.Time) []Warning {
	end := at
	if c.Execution == nil {
		c.Execution = &ExecutionTimes{}
	}
	c.Execution.ActualEnd = &end

	if c.Execution.ActualStart == nil {
		return []Warning{{
			Code:    WarningDataIntegrity,
			Message: "case finished without a recorded actual start",
		}}
	}

	ran := interval.Window{Start: *c.Execution.ActualStart, End: end}
	minutes := int(math.Floor(ran.Duration().Minutes()))
	var warnings []Warning
	if minutes <= 0 {
		warnings = append(warnings, Warning{
			Code:    WarningDataIntegrity,
			Message: fmt.Sprintf("computed actual duration is %d minutes", minutes),
		})
		if minutes < 0 {
			minutes = 0
		}
	}
	c.Execution.ActualDurationMinutes = &minutes
	return warnings
}

// ValidateSchedule checks the window and room of a proposed schedule.
func ValidateSchedule(s *Schedule) error {
	if s == nil {
		return fmt.Errorf("%w: schedule is required", ErrInvalidCase)
	}
	if err := interval.Validate(s.Start, s.End); err != nil {
		return err
	}
	if strings.TrimSpace(s.Room) == "" {
		return fmt.Errorf("%w: room is required", ErrInvalidCase)
	}
	return nil
}

// ValidateOutcome checks that outcome notes are complete enough to finalize.
func ValidateOutcome(o *OutcomeNotes) error {
	if o == nil {
		return fmt.Errorf("%w: outcome notes are required", ErrInvalidOutcome)
	}
	if strings.TrimSpace(o.Summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrInvalidOutcome)
	}
	if !o.ComplicationLevel.Valid() {
		return fmt.Errorf("%w: unknown complication level %q", ErrInvalidOutcome, o.ComplicationLevel)
	}
	if o.ComplicationLevel != ComplicationNone && strings.TrimSpace(o.ComplicationDetail) == "" {
		return fmt.Errorf("%w: complication detail is required for level %s", ErrInvalidOutcome, o.ComplicationLevel)
	}
	if o.FollowUpVisitsRequired < 1 {
		return fmt.Errorf("%w: at least one follow-up visit is required", ErrInvalidOutcome)
	}
	for i, p := range o.Prescriptions {
		if strings.TrimSpace(p.Medication) == "" {
			return fmt.Errorf("%w: prescription %d has no medication", ErrInvalidOutcome, i)
		}
	}
	return nil
}
