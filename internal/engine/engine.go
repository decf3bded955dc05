// Package engine orchestrates surgical case commands: it loads a snapshot,
// runs the state machine and availability checks, and persists the result
// with optimistic concurrency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/internal/domain/surgery"
	"github.com/medcore/surgiflow/internal/observability/metrics"
	"github.com/medcore/surgiflow/internal/observability/tracing"
	"github.com/medcore/surgiflow/pkg/interval"
	"github.com/medcore/surgiflow/pkg/lock"
)

// Config tunes the engine.
type Config struct {
	// MaxRetries bounds attempts after a version conflict.
	MaxRetries int
	Now        func() time.Time
	NewID      func() string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      uuid.NewString,
	}
}

// Engine is the surgical scheduling engine.
type Engine struct {
	store     surgery.RecordStore
	checker   *surgery.AvailabilityChecker
	machine   *surgery.Machine
	templates surgery.TemplateProvider
	locker    lock.Locker
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
	cfg       Config
}

// New creates an engine. m may be nil.
func New(store surgery.RecordStore, templates surgery.TemplateProvider, locker lock.Locker, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if templates == nil {
		templates = surgery.DefaultTemplates()
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = def.NewID
	}
	return &Engine{
		store:     store,
		checker:   surgery.NewAvailabilityChecker(store),
		machine:   surgery.NewMachine(cfg.Now),
		templates: templates,
		locker:    locker,
		metrics:   m,
		tracer:    tracing.Tracer("surgiflow/engine"),
		logger:    logger,
		cfg:       cfg,
	}
}

// Result is the outcome of a committed transition.
type Result struct {
	Case       *surgery.Case           `json:"case"`
	Transition surgery.StateTransition `json:"transition"`
	Warnings   []surgery.Warning       `json:"warnings,omitempty"`
}

// CreateCaseCommand registers a new case.
type CreateCaseCommand struct {
	PatientID     string
	ProcedureType string
	RiskFlags     []surgery.RiskFlag
	Personnel     []surgery.Personnel
	Priority      surgery.Priority
	Actor         string
}

// ScheduleCommand books or moves a case. A nil Personnel keeps the current staff.
type ScheduleCommand struct {
	Schedule  surgery.Schedule
	Personnel []surgery.Personnel
	Reason    string
	Actor     string
}

// CreateCase builds a PENDING_APPROVAL case with its templated checklist.
func (e *Engine) CreateCase(ctx context.Context, cmd CreateCaseCommand) (c *surgery.Case, err error) {
	ctx, done := e.begin(ctx, "create", "")
	defer done(&err)

	defs, err := e.templates.Template(cmd.ProcedureType, cmd.RiskFlags)
	if err != nil {
		return nil, err
	}
	c, err = surgery.NewCase(surgery.NewCaseParams{
		ID:            e.cfg.NewID(),
		PatientID:     cmd.PatientID,
		ProcedureType: cmd.ProcedureType,
		RiskFlags:     cmd.RiskFlags,
		Personnel:     cmd.Personnel,
		Priority:      cmd.Priority,
	}, defs, cmd.Actor, e.cfg.Now())
	if err != nil {
		return nil, err
	}
	if err := e.store.Save(ctx, c, 0); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}

	e.logger.Info("case created",
		zap.String("case_id", c.ID),
		zap.String("patient_id", c.PatientID),
		zap.String("procedure_type", c.ProcedureType),
		zap.Int("checklist_items", len(c.Checklist)),
		zap.String("actor", cmd.Actor))
	return c, nil
}

// UpdateChecklistItem replaces one checklist item by value.
func (e *Engine) UpdateChecklistItem(ctx context.Context, caseID string, u surgery.ItemUpdate, actor string) (c *surgery.Case, err error) {
	ctx, done := e.begin(ctx, "update_checklist_item", caseID)
	defer done(&err)

	return e.mutateChecklist(ctx, caseID, actor, func(cur *surgery.Case, now time.Time) (*surgery.Case, error) {
		items, item, err := surgery.UpdateChecklistItem(cur.Checklist, u, actor, now)
		if err != nil {
			return nil, err
		}
		return cur.WithChecklist(items, item, surgery.EventChecklistItemUpdated, actor, now)
	})
}

// AppendChecklistItem adds an ad-hoc PENDING item to the checklist.
func (e *Engine) AppendChecklistItem(ctx context.Context, caseID, name, description string, mandatory bool, actor string) (c *surgery.Case, err error) {
	ctx, done := e.begin(ctx, "append_checklist_item", caseID)
	defer done(&err)

	id := e.cfg.NewID()
	return e.mutateChecklist(ctx, caseID, actor, func(cur *surgery.Case, now time.Time) (*surgery.Case, error) {
		items, item, err := surgery.AppendCustomItem(cur.Checklist, id, name, description, mandatory)
		if err != nil {
			return nil, err
		}
		return cur.WithChecklist(items, item, surgery.EventChecklistItemAdded, actor, now)
	})
}

// Approve moves a case to APPROVED once the checklist gate passes.
func (e *Engine) Approve(ctx context.Context, caseID, actor string) (res *Result, err error) {
	ctx, done := e.begin(ctx, "approve", caseID)
	defer done(&err)

	res, err = e.transition(ctx, caseID, surgery.TransitionRequest{To: surgery.StateApproved, Actor: actor})
	if errors.Is(err, surgery.ErrGateNotSatisfied) {
		e.metrics.ObserveGateRejection()
	}
	return res, err
}

// Schedule books an APPROVED case into a room and window.
func (e *Engine) Schedule(ctx context.Context, caseID string, cmd ScheduleCommand) (res *Result, err error) {
	ctx, done := e.begin(ctx, "schedule", caseID)
	defer done(&err)
	return e.book(ctx, caseID, surgery.StateApproved, cmd)
}

// Reschedule moves a SCHEDULED case. Its current slot never conflicts with
// the new one.
func (e *Engine) Reschedule(ctx context.Context, caseID string, cmd ScheduleCommand) (res *Result, err error) {
	ctx, done := e.begin(ctx, "reschedule", caseID)
	defer done(&err)
	return e.book(ctx, caseID, surgery.StateScheduled, cmd)
}

// Start records the actual start of a SCHEDULED case.
func (e *Engine) Start(ctx context.Context, caseID, actor string) (res *Result, err error) {
	ctx, done := e.begin(ctx, "start", caseID)
	defer done(&err)
	return e.transition(ctx, caseID, surgery.TransitionRequest{To: surgery.StateInProgress, Actor: actor})
}

// Finish records the actual end and duration of an IN_PROGRESS case.
func (e *Engine) Finish(ctx context.Context, caseID, actor string) (res *Result, err error) {
	ctx, done := e.begin(ctx, "finish", caseID)
	defer done(&err)
	return e.transition(ctx, caseID, surgery.TransitionRequest{To: surgery.StatePendingNotes, Actor: actor})
}

// RecordOutcome attaches outcome notes and finalizes the case.
func (e *Engine) RecordOutcome(ctx context.Context, caseID string, outcome surgery.OutcomeNotes, actor string) (res *Result, err error) {
	ctx, done := e.begin(ctx, "record_outcome", caseID)
	defer done(&err)
	return e.transition(ctx, caseID, surgery.TransitionRequest{To: surgery.StateFinalized, Actor: actor, Outcome: &outcome})
}

// Cancel cancels a case that has not reached PENDING_NOTES.
func (e *Engine) Cancel(ctx context.Context, caseID, actor, reason string) (res *Result, err error) {
	ctx, done := e.begin(ctx, "cancel", caseID)
	defer done(&err)
	return e.transition(ctx, caseID, surgery.TransitionRequest{To: surgery.StateCancelled, Actor: actor, Reason: reason})
}

// CheckAvailability previews a booking without reserving anything.
func (e *Engine) CheckAvailability(ctx context.Context, q surgery.AvailabilityQuery) (surgery.Availability, error) {
	return e.checker.Check(ctx, q)
}

// GetCase returns the current snapshot of a case.
func (e *Engine) GetCase(ctx context.Context, caseID string) (*surgery.Case, error) {
	return e.store.Load(ctx, caseID)
}

// ListByDateRange returns cases whose schedule overlaps [start, end).
func (e *Engine) ListByDateRange(ctx context.Context, start, end time.Time) ([]*surgery.Case, error) {
	if err := interval.Validate(start, end); err != nil {
		return nil, err
	}
	return e.store.QueryByDateRange(ctx, start, end)
}

// ListActiveByPerson returns the non-terminal cases staffed by personID.
func (e *Engine) ListActiveByPerson(ctx context.Context, personID string) ([]*surgery.Case, error) {
	return e.store.QueryActiveByPerson(ctx, personID)
}

// transition runs a lock-free command with optimistic retries.
func (e *Engine) transition(ctx context.Context, caseID string, req surgery.TransitionRequest) (*Result, error) {
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		current, err := e.store.Load(ctx, caseID)
		if err != nil {
			return nil, err
		}
		next, warnings, err := e.machine.Transition(current, req)
		if err != nil {
			return nil, err
		}

		err = e.store.Save(ctx, next, current.Version)
		if errors.Is(err, surgery.ErrVersionConflict) {
			e.retrying(caseID, attempt, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save case: %w", err)
		}
		return e.committed(next, warnings), nil
	}
	return nil, fmt.Errorf("%w: case %s after %d attempts", surgery.ErrConcurrentModification, caseID, e.cfg.MaxRetries)
}

// book schedules or reschedules under room and personnel locks. from is the
// state the command applies to.
func (e *Engine) book(ctx context.Context, caseID string, from surgery.State, cmd ScheduleCommand) (*Result, error) {
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		res, err := e.bookOnce(ctx, caseID, from, cmd)
		if !errors.Is(err, surgery.ErrVersionConflict) {
			return res, err
		}
		e.retrying(caseID, attempt, err)
	}
	e.metrics.ObserveConflict("concurrency")
	return nil, &surgery.SchedulingConflictError{Cause: surgery.ErrConcurrentModification}
}

func (e *Engine) bookOnce(ctx context.Context, caseID string, from surgery.State, cmd ScheduleCommand) (*Result, error) {
	current, err := e.store.Load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if current.State != from {
		return nil, &surgery.IllegalTransitionError{From: current.State, To: surgery.StateScheduled}
	}

	staff := cmd.Personnel
	if staff == nil {
		staff = current.Personnel
	}
	keys := []string{lock.RoomKey(cmd.Schedule.Room)}
	for _, p := range staff {
		keys = append(keys, lock.PersonKey(p.PersonID))
	}

	release, err := e.locker.Acquire(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", surgery.ErrConcurrentModification, err)
	}
	defer release()

	sched := cmd.Schedule
	next, warnings, err := e.machine.Transition(current, surgery.TransitionRequest{
		To:        surgery.StateScheduled,
		Actor:     cmd.Actor,
		Reason:    cmd.Reason,
		Schedule:  &sched,
		Personnel: cmd.Personnel,
	})
	if err != nil {
		return nil, err
	}

	avail, err := e.checker.Check(ctx, surgery.AvailabilityQuery{
		Start:         next.Schedule.Start,
		End:           next.Schedule.End,
		RoomID:        next.Schedule.Room,
		PersonIDs:     next.PersonIDs(),
		ExcludeCaseID: next.ID,
	})
	if err != nil {
		return nil, err
	}
	if !avail.Available() {
		if !avail.RoomAvailable {
			e.metrics.ObserveConflict("room")
		}
		if len(avail.UnavailablePersons) > 0 {
			e.metrics.ObserveConflict("person")
		}
		e.logger.Info("scheduling conflict",
			zap.String("case_id", caseID),
			zap.String("room", next.Schedule.Room),
			zap.Bool("room_available", avail.RoomAvailable),
			zap.Strings("conflicting_case_ids", avail.ConflictingCaseIDs))
		return nil, avail.Conflict(next.Schedule.Room)
	}

	if err := e.store.Save(ctx, next, current.Version); err != nil {
		if errors.Is(err, surgery.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("save case: %w", err)
	}
	return e.committed(next, warnings), nil
}

func (e *Engine) mutateChecklist(ctx context.Context, caseID, actor string, apply func(*surgery.Case, time.Time) (*surgery.Case, error)) (*surgery.Case, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, surgery.ErrActorRequired
	}
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		current, err := e.store.Load(ctx, caseID)
		if err != nil {
			return nil, err
		}
		next, err := apply(current, e.cfg.Now())
		if err != nil {
			return nil, err
		}

		err = e.store.Save(ctx, next, current.Version)
		if errors.Is(err, surgery.ErrVersionConflict) {
			e.retrying(caseID, attempt, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save case: %w", err)
		}
		e.logger.Info("checklist updated",
			zap.String("case_id", caseID),
			zap.String("actor", actor))
		return next, nil
	}
	return nil, fmt.Errorf("%w: case %s after %d attempts", surgery.ErrConcurrentModification, caseID, e.cfg.MaxRetries)
}

func (e *Engine) committed(c *surgery.Case, warnings []surgery.Warning) *Result {
	tr := c.LastTransition()
	e.metrics.ObserveTransition(string(tr.From), string(tr.To))
	e.metrics.ObserveWarnings(len(warnings))

	e.logger.Info("case transitioned",
		zap.String("case_id", c.ID),
		zap.String("from_state", string(tr.From)),
		zap.String("to_state", string(tr.To)),
		zap.String("actor", tr.Actor),
		zap.String("reason", tr.Reason),
		zap.Int("version", c.Version))
	for _, w := range warnings {
		e.logger.Warn("data integrity warning",
			zap.String("case_id", c.ID),
			zap.String("code", string(w.Code)),
			zap.String("message", w.Message))
	}
	return &Result{Case: c, Transition: tr, Warnings: warnings}
}

func (e *Engine) retrying(caseID string, attempt int, err error) {
	e.metrics.ObserveRetry("case")
	e.logger.Debug("version conflict, retrying",
		zap.String("case_id", caseID),
		zap.Int("attempt", attempt),
		zap.Error(err))
}

// begin opens a span for command and returns a func that closes it and
// records the command outcome.
func (e *Engine) begin(ctx context.Context, command, caseID string) (context.Context, func(*error)) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "case."+command,
		trace.WithAttributes(attribute.String("case_id", caseID)))
	return ctx, func(errp *error) {
		if err := *errp; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.ObserveCommand("case", command, *errp, time.Since(started))
	}
}
