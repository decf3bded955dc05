package surgery

import (
	"fmt"
	"strings"
	"time"
)

// NewCaseParams describes a case at creation time.
type NewCaseParams struct {
	ID            string
	PatientID     string
	ProcedureType string
	RiskFlags     []RiskFlag
	Personnel     []Personnel
	Priority      Priority
}

// NewCase builds a PENDING_APPROVAL case with its templated checklist and
// the creation history entry.
func NewCase(p NewCaseParams, defs []ItemDefinition, actor string, at time.Time) (*Case, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrActorRequired
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidCase)
	}
	if strings.TrimSpace(p.PatientID) == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidCase)
	}
	if strings.TrimSpace(p.ProcedureType) == "" {
		return nil, fmt.Errorf("%w: procedure_type is required", ErrInvalidCase)
	}
	if err := ValidatePersonnel(p.Personnel); err != nil {
		return nil, err
	}
	priority := p.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidCase, priority)
	}

	c := &Case{
		ID:            p.ID,
		PatientID:     p.PatientID,
		ProcedureType: p.ProcedureType,
		RiskFlags:     NormalizeFlags(p.RiskFlags),
		Personnel:     append([]Personnel(nil), p.Personnel...),
		State:         StatePendingApproval,
		Priority:      priority,
		Checklist:     Instantiate(defs),
		History: []StateTransition{{
			To:        StatePendingApproval,
			Timestamp: at,
			Actor:     actor,
			Reason:    "created",
		}},
		CreatedAt: at,
		UpdatedAt: at,
	}

	event, err := NewEvent(c.ID, EventCaseCreated, actor, at, &TransitionedData{
		CaseID:     c.ID,
		PatientID:  c.PatientID,
		Transition: c.History[0],
		Personnel:  c.Personnel,
	})
	if err != nil {
		return nil, fmt.Errorf("build created event: %w", err)
	}
	c.record(event)
	return c, nil
}

// ValidatePersonnel requires exactly one surgeon, known roles and unique ids.
func ValidatePersonnel(staff []Personnel) error {
	surgeons := 0
	seen := make(map[string]bool, len(staff))
	for _, p := range staff {
		if strings.TrimSpace(p.PersonID) == "" {
			return fmt.Errorf("%w: personnel entry without person_id", ErrInvalidCase)
		}
		if seen[p.PersonID] {
			return fmt.Errorf("%w: person %s assigned twice", ErrInvalidCase, p.PersonID)
		}
		seen[p.PersonID] = true
		switch p.Role {
		case RoleSurgeon:
			surgeons++
		case RoleAnesthesiologist, RoleNurse:
		default:
			return fmt.Errorf("%w: unknown role %q for %s", ErrInvalidCase, p.Role, p.PersonID)
		}
	}
	if surgeons != 1 {
		return fmt.Errorf("%w: exactly one surgeon required, got %d", ErrInvalidCase, surgeons)
	}
	return nil
}

// WithChecklist returns a copy of c carrying items and an event for the
// changed item. Checklist edits are only allowed before the case starts.
func (c *Case) WithChecklist(items []ChecklistItem, changed ChecklistItem, eventType EventType, actor string, at time.Time) (*Case, error) {
	switch c.State {
	case StatePendingApproval, StateApproved, StateScheduled:
	default:
		return nil, &IllegalTransitionError{From: c.State, To: c.State}
	}
	next := c.Clone()
	next.Checklist = items
	next.UpdatedAt = at

	event, err := NewEvent(c.ID, eventType, actor, at, &ChecklistData{CaseID: c.ID, Item: changed})
	if err != nil {
		return nil, fmt.Errorf("build checklist event: %w", err)
	}
	next.record(event)
	return next, nil
}
