// Package appointment implements clinic appointment booking: a flat
// lifecycle with a single-clinician time conflict check.
package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medcore/surgiflow/pkg/interval"
)

// State of an appointment.
type State string

const (
	StateConfirmed  State = "CONFIRMED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateCancelled  State = "CANCELLED"
	StateNoShow     State = "NO_SHOW"
)

// Appointment is one clinical visit with a single clinician.
type Appointment struct {
	ID           string    `json:"id"`
	PatientID    string    `json:"patient_id"`
	ClinicianID  string    `json:"clinician_id"`
	Type         string    `json:"type"`
	Reason       string    `json:"reason,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	State        State     `json:"state"`
	CancelReason string    `json:"cancel_reason,omitempty"`
	Version      int       `json:"version"`
	CreatedBy    string    `json:"created_by"`
	UpdatedBy    string    `json:"updated_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Date is the calendar date of the appointment.
func (a *Appointment) Date() string { return a.Start.Format("2006-01-02") }

// Blocking reports whether the appointment occupies its clinician's time.
func (a *Appointment) Blocking() bool {
	return a.State == StateConfirmed || a.State == StateInProgress
}

// Clone returns a copy of a.
func (a *Appointment) Clone() *Appointment {
	out := *a
	return &out
}

var (
	ErrSlotUnavailable        = errors.New("slot unavailable")
	ErrIllegalTransition      = errors.New("illegal appointment transition")
	ErrAppointmentNotFound    = errors.New("appointment not found")
	ErrInvalidAppointment     = errors.New("invalid appointment")
	ErrInvalidTimeWindow      = interval.ErrInvalidTimeWindow
	ErrVersionConflict        = errors.New("version conflict")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrReasonRequired         = errors.New("reason is required")
	ErrActorRequired          = errors.New("actor is required")
)

// SlotUnavailableError names the appointment occupying the requested slot.
type SlotUnavailableError struct {
	ConflictingID string
	Start         time.Time
	End           time.Time
}

func (e *SlotUnavailableError) Error() string {
	return fmt.Sprintf("slot unavailable: clinician already booked %s-%s (appointment %s)",
		e.Start.Format("15:04"), e.End.Format("15:04"), e.ConflictingID)
}

func (e *SlotUnavailableError) Is(target error) bool { return target == ErrSlotUnavailable }

// IllegalTransitionError names the rejected edge.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal appointment transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// Store persists appointments with optimistic versioning. Save with
// expectedVersion 0 creates; on success a.Version is expectedVersion+1.
type Store interface {
	Get(ctx context.Context, id string) (*Appointment, error)
	Save(ctx context.Context, a *Appointment, expectedVersion int) error
	ListByClinicianDay(ctx context.Context, clinicianID string, day time.Time) ([]*Appointment, error)
}
