package surgery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/medcore/surgiflow/pkg/interval"
)

var (
	ErrIllegalTransition      = errors.New("illegal transition")
	ErrGateNotSatisfied       = errors.New("checklist gate not satisfied")
	ErrInvalidTimeWindow      = interval.ErrInvalidTimeWindow
	ErrSchedulingConflict     = errors.New("scheduling conflict")
	ErrVersionConflict        = errors.New("version conflict")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrCaseNotFound           = errors.New("case not found")
	ErrItemNotFound           = errors.New("checklist item not found")
	ErrInvalidCase            = errors.New("invalid case")
	ErrInvalidOutcome         = errors.New("invalid outcome notes")
	ErrReasonRequired         = errors.New("reason is required")
	ErrActorRequired          = errors.New("actor is required")
)

// IllegalTransitionError names the rejected edge.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// GateError carries the checklist items blocking approval.
type GateError struct {
	BlockingItems []ChecklistItem
}

func (e *GateError) Error() string {
	names := make([]string, 0, len(e.BlockingItems))
	for _, it := range e.BlockingItems {
		names = append(names, it.Name)
	}
	return fmt.Sprintf("checklist gate not satisfied: %d blocking item(s): %s",
		len(e.BlockingItems), strings.Join(names, ", "))
}

func (e *GateError) Is(target error) bool { return target == ErrGateNotSatisfied }

// UnavailablePerson is a requested staff member already booked in the window.
type UnavailablePerson struct {
	PersonID string `json:"person_id"`
	Name     string `json:"name"`
}

// SchedulingConflictError lists the contended resources. Room is empty when
// the room was free. Cause is set when the conflict comes from exhausted
// optimistic retries rather than an existing booking.
type SchedulingConflictError struct {
	Room               string
	Persons            []UnavailablePerson
	ConflictingCaseIDs []string
	Cause              error
}

func (e *SchedulingConflictError) Error() string {
	var parts []string
	if e.Room != "" {
		parts = append(parts, "room "+e.Room+" unavailable")
	}
	for _, p := range e.Persons {
		parts = append(parts, "person "+p.PersonID+" unavailable")
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return "scheduling conflict: " + strings.Join(parts, "; ")
}

func (e *SchedulingConflictError) Is(target error) bool { return target == ErrSchedulingConflict }

func (e *SchedulingConflictError) Unwrap() error { return e.Cause }

// WarningCode classifies non-fatal findings.
type WarningCode string

const WarningDataIntegrity WarningCode = "DATA_INTEGRITY"

// Warning is surfaced alongside a successful transition and never blocks it.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}
