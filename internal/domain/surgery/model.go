// Package surgery implements the surgical case aggregate: its lifecycle state
// machine, the pre-operative checklist gate and operating room availability.
package surgery

import (
	"time"

	"github.com/medcore/surgiflow/pkg/interval"
)

// State is the lifecycle state of a surgical case.
type State string

const (
	StatePendingApproval State = "PENDING_APPROVAL"
	StateApproved        State = "APPROVED"
	StateScheduled       State = "SCHEDULED"
	StateInProgress      State = "IN_PROGRESS"
	StatePendingNotes    State = "PENDING_NOTES"
	StateFinalized       State = "FINALIZED"
	StateCancelled       State = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePendingApproval, StateApproved, StateScheduled, StateInProgress,
		StatePendingNotes, StateFinalized, StateCancelled:
		return true
	}
	return false
}

// Role of a clinician assigned to a case.
type Role string

const (
	RoleSurgeon          Role = "surgeon"
	RoleAnesthesiologist Role = "anesthesiologist"
	RoleNurse            Role = "nurse"
)

// Priority is informational and never reorders scheduling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Personnel is a clinician assigned to a case.
type Personnel struct {
	PersonID    string `json:"person_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
}

// Schedule is the booked operating window of a case.
type Schedule struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Room  string    `json:"room"`
	Notes string    `json:"notes,omitempty"`
}

// ExecutionTimes are stamped when a case starts and finishes.
type ExecutionTimes struct {
	ActualStart           *time.Time `json:"actual_start,omitempty"`
	ActualEnd             *time.Time `json:"actual_end,omitempty"`
	ActualDurationMinutes *int       `json:"actual_duration_minutes,omitempty"`
}

// ComplicationLevel grades post-operative complications.
type ComplicationLevel string

const (
	ComplicationNone     ComplicationLevel = "none"
	ComplicationMinor    ComplicationLevel = "minor"
	ComplicationModerate ComplicationLevel = "moderate"
	ComplicationSevere   ComplicationLevel = "severe"
)

// Valid reports whether l is a known complication level.
func (l ComplicationLevel) Valid() bool {
	switch l {
	case ComplicationNone, ComplicationMinor, ComplicationModerate, ComplicationSevere:
		return true
	}
	return false
}

// Prescription is a discharge medication recorded with the outcome.
type Prescription struct {
	Medication   string `json:"medication"`
	Dosage       string `json:"dosage,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// OutcomeNotes are attached when a case is finalized.
type OutcomeNotes struct {
	ComplicationLevel      ComplicationLevel `json:"complication_level"`
	ComplicationDetail     string            `json:"complication_detail,omitempty"`
	FollowUpVisitsRequired int               `json:"follow_up_visits_required"`
	Summary                string            `json:"summary"`
	Prescriptions          []Prescription    `json:"prescriptions,omitempty"`
	RecordedBy             string            `json:"recorded_by"`
	RecordedAt             time.Time         `json:"recorded_at"`
}

// StateTransition is an immutable history entry. The creation entry has an
// empty From.
type StateTransition struct {
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
}

// Case is a snapshot of one planned or executed surgical procedure.
// Snapshots are values: every operation returns a new one.
type Case struct {
	ID            string            `json:"id"`
	PatientID     string            `json:"patient_id"`
	ProcedureType string            `json:"procedure_type"`
	RiskFlags     []RiskFlag        `json:"risk_flags,omitempty"`
	Personnel     []Personnel       `json:"personnel"`
	State         State             `json:"state"`
	Priority      Priority          `json:"priority"`
	Checklist     []ChecklistItem   `json:"checklist"`
	Schedule      *Schedule         `json:"schedule,omitempty"`
	Execution     *ExecutionTimes   `json:"execution,omitempty"`
	Outcome       *OutcomeNotes     `json:"outcome,omitempty"`
	History       []StateTransition `json:"history"`
	Version       int               `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`

	changes []*Event
}

// PersonIDs returns the ids of all assigned personnel.
func (c *Case) PersonIDs() []string {
	ids := make([]string, 0, len(c.Personnel))
	for _, p := range c.Personnel {
		ids = append(ids, p.PersonID)
	}
	return ids
}

// LastTransition returns the most recent history entry.
func (c *Case) LastTransition() StateTransition {
	if len(c.History) == 0 {
		return StateTransition{}
	}
	return c.History[len(c.History)-1]
}

// Changes returns uncommitted events.
func (c *Case) Changes() []*Event { return c.changes }

// ClearChanges drops uncommitted events once they are persisted.
func (c *Case) ClearChanges() { c.changes = nil }

func (c *Case) record(e *Event) { c.changes = append(c.changes, e) }

// Clone returns a deep copy of c, including uncommitted events.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.RiskFlags = append([]RiskFlag(nil), c.RiskFlags...)
	out.Personnel = append([]Personnel(nil), c.Personnel...)
	out.Checklist = cloneChecklist(c.Checklist)
	out.History = append([]StateTransition(nil), c.History...)
	out.changes = append([]*Event(nil), c.changes...)
	if c.Schedule != nil {
		s := *c.Schedule
		out.Schedule = &s
	}
	if c.Execution != nil {
		out.Execution = c.Execution.clone()
	}
	if c.Outcome != nil {
		o := *c.Outcome
		o.Prescriptions = append([]Prescription(nil), c.Outcome.Prescriptions...)
		out.Outcome = &o
	}
	return &out
}

func (e *ExecutionTimes) clone() *ExecutionTimes {
	out := &ExecutionTimes{}
	if e.ActualStart != nil {
		t := *e.ActualStart
		out.ActualStart = &t
	}
	if e.ActualEnd != nil {
		t := *e.ActualEnd
		out.ActualEnd = &t
	}
	if e.ActualDurationMinutes != nil {
		d := *e.ActualDurationMinutes
		out.ActualDurationMinutes = &d
	}
	return out
}

// HoldsBooking reports whether the case still occupies its scheduled room
// and personnel.
func (c *Case) HoldsBooking() bool {
	return c.Schedule != nil && c.State != StateCancelled
}

// BookingKind distinguishes room reservations from personnel reservations.
type BookingKind string

const (
	BookingRoom   BookingKind = "room"
	BookingPerson BookingKind = "person"
)

// Booking is a derived reservation of a room or person. It is never stored.
type Booking struct {
	Kind       BookingKind `json:"kind"`
	ResourceID string      `json:"resource_id"`
	Name       string      `json:"name,omitempty"`
	CaseID     string      `json:"case_id"`
	interval.Window
}

// Bookings derives the room and personnel reservations held by c.
func (c *Case) Bookings() []Booking {
	if !c.HoldsBooking() {
		return nil
	}
	w := interval.Window{Start: c.Schedule.Start, End: c.Schedule.End}
	out := make([]Booking, 0, len(c.Personnel)+1)
	out = append(out, Booking{Kind: BookingRoom, ResourceID: c.Schedule.Room, CaseID: c.ID, Window: w})
	for _, p := range c.Personnel {
		out = append(out, Booking{
			Kind:       BookingPerson,
			ResourceID: p.PersonID,
			Name:       p.DisplayName,
			CaseID:     c.ID,
			Window:     w,
		})
	}
	return out
}
