package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/pkg/interval"
	"github.com/medcore/surgiflow/pkg/lock"
)

// CommandObserver receives the outcome of every command.
type CommandObserver interface {
	ObserveCommand(scope, command string, err error, d time.Duration)
}

// Config tunes the scheduler.
type Config struct {
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

// Scheduler books and moves appointments through their lifecycle.
type Scheduler struct {
	store    Store
	locker   lock.Locker
	observer CommandObserver
	logger   *zap.Logger
	cfg      Config
}

// NewScheduler creates a scheduler. observer may be nil.
func NewScheduler(store Store, locker lock.Locker, observer CommandObserver, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
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
	return &Scheduler{store: store, locker: locker, observer: observer, logger: logger, cfg: cfg}
}

// BookRequest describes a new appointment.
type BookRequest struct {
	PatientID   string
	ClinicianID string
	Type        string
	Reason      string
	Start       time.Time
	End         time.Time
}

// Book creates a CONFIRMED appointment if the clinician is free.
func (s *Scheduler) Book(ctx context.Context, req BookRequest, actor string) (a *Appointment, err error) {
	defer s.observe("book", time.Now(), &err)

	if strings.TrimSpace(actor) == "" {
		return nil, ErrActorRequired
	}
	if req.PatientID == "" || req.ClinicianID == "" {
		return nil, fmt.Errorf("%w: patient_id and clinician_id are required", ErrInvalidAppointment)
	}
	if err := validateWindow(req.Start, req.End); err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, []string{lock.ClinicianKey(req.ClinicianID)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	defer release()

	if err := s.checkSlot(ctx, req.ClinicianID, req.Start, req.End, ""); err != nil {
		return nil, err
	}

	now := s.cfg.Now()
	a = &Appointment{
		ID:          s.cfg.NewID(),
		PatientID:   req.PatientID,
		ClinicianID: req.ClinicianID,
		Type:        req.Type,
		Reason:      req.Reason,
		Start:       req.Start,
		End:         req.End,
		State:       StateConfirmed,
		CreatedBy:   actor,
		UpdatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Save(ctx, a, 0); err != nil {
		return nil, fmt.Errorf("save appointment: %w", err)
	}

	s.logger.Info("appointment booked",
		zap.String("appointment_id", a.ID),
		zap.String("clinician_id", a.ClinicianID),
		zap.Time("start", a.Start),
		zap.String("actor", actor))
	return a, nil
}

// Start moves a CONFIRMED appointment to IN_PROGRESS.
func (s *Scheduler) Start(ctx context.Context, id, actor string) (a *Appointment, err error) {
	defer s.observe("start", time.Now(), &err)
	return s.transition(ctx, id, actor, StateInProgress, func(a *Appointment) error {
		return requireState(a, StateInProgress, StateConfirmed)
	})
}

// Complete moves an IN_PROGRESS appointment to COMPLETED.
func (s *Scheduler) Complete(ctx context.Context, id, actor string) (a *Appointment, err error) {
	defer s.observe("complete", time.Now(), &err)
	return s.transition(ctx, id, actor, StateCompleted, func(a *Appointment) error {
		return requireState(a, StateCompleted, StateInProgress)
	})
}

// Cancel cancels a CONFIRMED appointment. A reason is required.
func (s *Scheduler) Cancel(ctx context.Context, id, actor, reason string) (a *Appointment, err error) {
	defer s.observe("cancel", time.Now(), &err)
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, id, actor, StateCancelled, func(a *Appointment) error {
		if err := requireState(a, StateCancelled, StateConfirmed); err != nil {
			return err
		}
		if reason == "" {
			return ErrReasonRequired
		}
		a.CancelReason = reason
		return nil
	})
}

// MarkNoShow records that the patient did not attend a CONFIRMED appointment.
func (s *Scheduler) MarkNoShow(ctx context.Context, id, actor string) (a *Appointment, err error) {
	defer s.observe("no_show", time.Now(), &err)
	return s.transition(ctx, id, actor, StateNoShow, func(a *Appointment) error {
		return requireState(a, StateNoShow, StateConfirmed)
	})
}

// Reschedule moves a CONFIRMED appointment to a new window on any date,
// checking the clinician's other appointments on that date.
func (s *Scheduler) Reschedule(ctx context.Context, id string, start, end time.Time, actor string) (a *Appointment, err error) {
	defer s.observe("reschedule", time.Now(), &err)

	if err := validateWindow(start, end); err != nil {
		return nil, err
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, []string{lock.ClinicianKey(current.ClinicianID)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	defer release()

	return s.transition(ctx, id, actor, StateConfirmed, func(a *Appointment) error {
		if err := requireState(a, StateConfirmed, StateConfirmed); err != nil {
			return err
		}
		if err := s.checkSlot(ctx, a.ClinicianID, start, end, a.ID); err != nil {
			return err
		}
		a.Start = start
		a.End = end
		return nil
	})
}

// Get returns one appointment.
func (s *Scheduler) Get(ctx context.Context, id string) (*Appointment, error) {
	return s.store.Get(ctx, id)
}

// ListByClinicianDay returns the clinician's appointments on day.
func (s *Scheduler) ListByClinicianDay(ctx context.Context, clinicianID string, day time.Time) ([]*Appointment, error) {
	return s.store.ListByClinicianDay(ctx, clinicianID, day)
}

// checkSlot rejects [start, end) if it overlaps any CONFIRMED or IN_PROGRESS
// appointment of the clinician on the same date, other than excludeID.
func (s *Scheduler) checkSlot(ctx context.Context, clinicianID string, start, end time.Time, excludeID string) error {
	existing, err := s.store.ListByClinicianDay(ctx, clinicianID, start)
	if err != nil {
		return fmt.Errorf("list clinician appointments: %w", err)
	}
	for _, other := range existing {
		if other.ID == excludeID || !other.Blocking() {
			continue
		}
		if interval.Overlaps(start, end, other.Start, other.End) {
			return &SlotUnavailableError{ConflictingID: other.ID, Start: other.Start, End: other.End}
		}
	}
	return nil
}

// transition loads, mutates and saves with optimistic retries.
func (s *Scheduler) transition(ctx context.Context, id, actor string, to State, mutate func(*Appointment) error) (*Appointment, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrActorRequired
	}

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		from := current.State
		next.State = to
		next.UpdatedBy = actor
		next.UpdatedAt = s.cfg.Now()

		err = s.store.Save(ctx, next, current.Version)
		if errors.Is(err, ErrVersionConflict) {
			s.logger.Debug("appointment version conflict, retrying",
				zap.String("appointment_id", id),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save appointment: %w", err)
		}

		s.logger.Info("appointment transitioned",
			zap.String("appointment_id", id),
			zap.String("from_state", string(from)),
			zap.String("to_state", string(to)),
			zap.String("actor", actor))
		return next, nil
	}
	return nil, fmt.Errorf("%w: appointment %s after %d attempts", ErrConcurrentModification, id, s.cfg.MaxRetries)
}

func (s *Scheduler) observe(command string, started time.Time, err *error) {
	if s.observer != nil {
		s.observer.ObserveCommand("appointment", command, *err, time.Since(started))
	}
}

func requireState(a *Appointment, to State, from State) error {
	if a.State != from {
		return &IllegalTransitionError{From: a.State, To: to}
	}
	return nil
}

func validateWindow(start, end time.Time) error {
	if err := interval.Validate(start, end); err != nil {
		return err
	}
	if !interval.SameDay(start, end) {
		return fmt.Errorf("%w: appointment must start and end on the same date", ErrInvalidTimeWindow)
	}
	return nil
}
