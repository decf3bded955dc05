// Package postgres provides PostgreSQL infrastructure components: the case and
// appointment record stores, the transactional outbox that relays case events
// to Kafka and the transition log read model.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/internal/domain/surgery"
)

// CaseStoreConfig routes committed case events to outbox topics.
type CaseStoreConfig struct {
	// EventsTopic receives every case event.
	EventsTopic string
	// NotificationsTopic additionally receives transitions into FINALIZED
	// or CANCELLED. Empty disables the copy.
	NotificationsTopic string
}

// DefaultCaseStoreConfig returns the default topic routing.
func DefaultCaseStoreConfig() CaseStoreConfig {
	return CaseStoreConfig{
		EventsTopic:        "surgery.case.events",
		NotificationsTopic: "surgery.case.notifications",
	}
}

// CaseStore implements surgery.RecordStore. Each case is one row holding the
// JSON snapshot plus the columns the range and person queries filter on.
type CaseStore struct {
	pool   *pgxpool.Pool
	cfg    CaseStoreConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewCaseStore creates a case store on pool.
func NewCaseStore(pool *pgxpool.Pool, cfg CaseStoreConfig, logger *zap.Logger) *CaseStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = DefaultCaseStoreConfig().EventsTopic
	}
	return &CaseStore{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("case-store"),
	}
}

const selectCase = `SELECT document, version FROM surgical_cases`

// Load implements surgery.RecordStore.
func (s *CaseStore) Load(ctx context.Context, id string) (*surgery.Case, error) {
	ctx, span := s.tracer.Start(ctx, "case_store.load",
		trace.WithAttributes(attribute.String("case_id", id)))
	defer span.End()

	c, err := scanCase(s.pool.QueryRow(ctx, selectCase+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", surgery.ErrCaseNotFound, id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load case %s: %w", id, err)
	}
	return c, nil
}

// Save implements surgery.RecordStore. The snapshot and its outbox entries
// commit in one transaction.
func (s *CaseStore) Save(ctx context.Context, c *surgery.Case, expectedVersion int) error {
	ctx, span := s.tracer.Start(ctx, "case_store.save",
		trace.WithAttributes(
			attribute.String("case_id", c.ID),
			attribute.Int("expected_version", expectedVersion),
			attribute.Int("events", len(c.Changes())),
		))
	defer span.End()

	next := expectedVersion + 1
	snapshot := c.Clone()
	snapshot.Version = next
	doc, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal case %s: %w", c.ID, err)
	}

	var room *string
	var start, end *time.Time
	if c.Schedule != nil {
		room, start, end = &c.Schedule.Room, &c.Schedule.Start, &c.Schedule.End
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if expectedVersion == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO surgical_cases
				(id, version, state, patient_id, room, sched_start, sched_end, document, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			c.ID, next, c.State, c.PatientID, room, start, end, doc, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert case %s: %w", c.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: case %s already exists", surgery.ErrVersionConflict, c.ID)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE surgical_cases
			SET version = $3, state = $4, room = $5, sched_start = $6, sched_end = $7,
			    document = $8, updated_at = $9
			WHERE id = $1 AND version = $2`,
			c.ID, expectedVersion, next, c.State, room, start, end, doc, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update case %s: %w", c.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return s.staleWrite(ctx, tx, c.ID, expectedVersion)
		}
	}

	for _, e := range c.Changes() {
		e.Version = next
		if err := s.writeEvent(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, "commit failed")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.Version = next
	c.ClearChanges()

	s.logger.Debug("case saved",
		zap.String("case_id", c.ID),
		zap.String("state", string(c.State)),
		zap.Int("version", next))
	return nil
}

// staleWrite explains why a versioned update matched no row.
func (s *CaseStore) staleWrite(ctx context.Context, tx pgx.Tx, id string, expectedVersion int) error {
	var current int
	err := tx.QueryRow(ctx, `SELECT version FROM surgical_cases WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", surgery.ErrCaseNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("read version of case %s: %w", id, err)
	}
	return fmt.Errorf("%w: case %s at version %d, expected %d",
		surgery.ErrVersionConflict, id, current, expectedVersion)
}

func (s *CaseStore) writeEvent(ctx context.Context, tx pgx.Tx, e *surgery.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	topics, err := s.topicsFor(e)
	if err != nil {
		return err
	}
	for _, topic := range topics {
		entry := &OutboxEntry{
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     string(e.EventType),
			Payload:       payload,
			KafkaTopic:    topic,
			KafkaKey:      e.AggregateID,
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *CaseStore) topicsFor(e *surgery.Event) ([]string, error) {
	topics := []string{s.cfg.EventsTopic}
	if e.EventType != surgery.EventCaseTransitioned || s.cfg.NotificationsTopic == "" {
		return topics, nil
	}
	var data surgery.TransitionedData
	if err := json.Unmarshal(e.EventData, &data); err != nil {
		return nil, fmt.Errorf("decode transition event %s: %w", e.ID, err)
	}
	if surgery.Notifiable(data.Transition.To) {
		topics = append(topics, s.cfg.NotificationsTopic)
	}
	return topics, nil
}

// QueryByDateRange implements surgery.RecordStore.
func (s *CaseStore) QueryByDateRange(ctx context.Context, start, end time.Time) ([]*surgery.Case, error) {
	ctx, span := s.tracer.Start(ctx, "case_store.query_by_date_range")
	defer span.End()

	rows, err := s.pool.Query(ctx, selectCase+`
		WHERE sched_start IS NOT NULL AND sched_start < $2 AND sched_end > $1
		ORDER BY sched_start, id`, start, end)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query cases by date range: %w", err)
	}
	return collectCases(rows)
}

// QueryActiveByPerson implements surgery.RecordStore.
func (s *CaseStore) QueryActiveByPerson(ctx context.Context, personID string) ([]*surgery.Case, error) {
	ctx, span := s.tracer.Start(ctx, "case_store.query_active_by_person",
		trace.WithAttributes(attribute.String("person_id", personID)))
	defer span.End()

	match, err := json.Marshal([]map[string]string{{"person_id": personID}})
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, selectCase+`
		WHERE state NOT IN ($1, $2) AND document->'personnel' @> $3::jsonb
		ORDER BY created_at, id`,
		surgery.StateFinalized, surgery.StateCancelled, string(match))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query active cases for %s: %w", personID, err)
	}
	return collectCases(rows)
}

func scanCase(row pgx.Row) (*surgery.Case, error) {
	var doc []byte
	var version int
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	c := &surgery.Case{}
	if err := json.Unmarshal(doc, c); err != nil {
		return nil, fmt.Errorf("decode case document: %w", err)
	}
	c.Version = version
	return c, nil
}

func collectCases(rows pgx.Rows) ([]*surgery.Case, error) {
	defer rows.Close()

	var out []*surgery.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
