package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TransitionRecord is one row of the flat transition log read model.
type TransitionRecord struct {
	EventID    string    `json:"event_id"`
	CaseID     string    `json:"case_id"`
	PatientID  string    `json:"patient_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Version    int       `json:"version"`
}

// TransitionLog appends projected case transitions. Rows are keyed by event
// id, so redelivered events are ignored.
type TransitionLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewTransitionLog creates a transition log on pool.
func NewTransitionLog(pool *pgxpool.Pool, logger *zap.Logger) *TransitionLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransitionLog{pool: pool, logger: logger, tracer: otel.Tracer("transition-log")}
}

// Append stores r and reports whether it was new.
func (l *TransitionLog) Append(ctx context.Context, r TransitionRecord) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "transition_log.append",
		trace.WithAttributes(
			attribute.String("event_id", r.EventID),
			attribute.String("case_id", r.CaseID),
		))
	defer span.End()

	tag, err := l.pool.Exec(ctx, `
		INSERT INTO case_transition_log
			(event_id, case_id, patient_id, from_state, to_state, actor, reason, occurred_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING`,
		r.EventID, r.CaseID, r.PatientID, r.FromState, r.ToState, r.Actor, r.Reason, r.OccurredAt, r.Version)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("append transition %s: %w", r.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ForCase returns the projected transitions of caseID, oldest first.
func (l *TransitionLog) ForCase(ctx context.Context, caseID string) ([]TransitionRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT event_id, case_id, patient_id, from_state, to_state, actor, reason, occurred_at, version
		FROM case_transition_log
		WHERE case_id = $1
		ORDER BY occurred_at, version`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query transitions of %s: %w", caseID, err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var r TransitionRecord
		if err := rows.Scan(&r.EventID, &r.CaseID, &r.PatientID, &r.FromState, &r.ToState,
			&r.Actor, &r.Reason, &r.OccurredAt, &r.Version); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
