package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/internal/domain/appointment"
	"github.com/medcore/surgiflow/pkg/interval"
)

// AppointmentStore implements appointment.Store with one row per appointment.
type AppointmentStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAppointmentStore creates an appointment store on pool.
func NewAppointmentStore(pool *pgxpool.Pool, logger *zap.Logger) *AppointmentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppointmentStore{pool: pool, logger: logger, tracer: otel.Tracer("appointment-store")}
}

const selectAppointment = `
	SELECT id, version, patient_id, clinician_id, type, reason, starts_at, ends_at,
	       state, cancel_reason, created_by, updated_by, created_at, updated_at
	FROM appointments`

// Get implements appointment.Store.
func (s *AppointmentStore) Get(ctx context.Context, id string) (*appointment.Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "appointment_store.get",
		trace.WithAttributes(attribute.String("appointment_id", id)))
	defer span.End()

	a, err := scanAppointment(s.pool.QueryRow(ctx, selectAppointment+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", appointment.ErrAppointmentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %s: %w", id, err)
	}
	return a, nil
}

// Save implements appointment.Store.
func (s *AppointmentStore) Save(ctx context.Context, a *appointment.Appointment, expectedVersion int) error {
	ctx, span := s.tracer.Start(ctx, "appointment_store.save",
		trace.WithAttributes(
			attribute.String("appointment_id", a.ID),
			attribute.Int("expected_version", expectedVersion),
		))
	defer span.End()

	next := expectedVersion + 1
	if expectedVersion == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO appointments
				(id, version, patient_id, clinician_id, type, reason, starts_at, ends_at,
				 state, cancel_reason, created_by, updated_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING`,
			a.ID, next, a.PatientID, a.ClinicianID, a.Type, a.Reason, a.Start, a.End,
			a.State, a.CancelReason, a.CreatedBy, a.UpdatedBy, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert appointment %s: %w", a.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: appointment %s already exists", appointment.ErrVersionConflict, a.ID)
		}
		a.Version = next
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE appointments
		SET version = $3, starts_at = $4, ends_at = $5, state = $6, cancel_reason = $7,
		    updated_by = $8, updated_at = $9
		WHERE id = $1 AND version = $2`,
		a.ID, expectedVersion, next, a.Start, a.End, a.State, a.CancelReason, a.UpdatedBy, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update appointment %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var current int
		err := s.pool.QueryRow(ctx, `SELECT version FROM appointments WHERE id = $1`, a.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", appointment.ErrAppointmentNotFound, a.ID)
		}
		if err != nil {
			return fmt.Errorf("read version of appointment %s: %w", a.ID, err)
		}
		return fmt.Errorf("%w: appointment %s at version %d, expected %d",
			appointment.ErrVersionConflict, a.ID, current, expectedVersion)
	}

	a.Version = next
	s.logger.Debug("appointment saved",
		zap.String("appointment_id", a.ID),
		zap.String("state", string(a.State)),
		zap.Int("version", next))
	return nil
}

// ListByClinicianDay implements appointment.Store.
func (s *AppointmentStore) ListByClinicianDay(ctx context.Context, clinicianID string, day time.Time) ([]*appointment.Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "appointment_store.list_by_clinician_day",
		trace.WithAttributes(attribute.String("clinician_id", clinicianID)))
	defer span.End()

	from, to := interval.DayRange(day, day)
	rows, err := s.pool.Query(ctx, selectAppointment+`
		WHERE clinician_id = $1 AND starts_at >= $2 AND starts_at < $3
		ORDER BY starts_at, id`, clinicianID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list appointments for %s: %w", clinicianID, err)
	}
	defer rows.Close()

	var out []*appointment.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAppointment(row pgx.Row) (*appointment.Appointment, error) {
	a := &appointment.Appointment{}
	err := row.Scan(
		&a.ID, &a.Version, &a.PatientID, &a.ClinicianID, &a.Type, &a.Reason, &a.Start, &a.End,
		&a.State, &a.CancelReason, &a.CreatedBy, &a.UpdatedBy, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Start, a.End = a.Start.UTC(), a.End.UTC()
	return a, nil
}
