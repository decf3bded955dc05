// Package projection builds read models from the case event stream.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/internal/domain/surgery"
	"github.com/medcore/surgiflow/internal/infrastructure/postgres"
	"github.com/medcore/surgiflow/pkg/circuitbreaker"
)

// ErrUndecodable marks payloads that will never project and must not be
// retried.
var ErrUndecodable = errors.New("undecodable case event")

// Projection results.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

// TransitionAppender stores transition records idempotently by event id.
type TransitionAppender interface {
	Append(ctx context.Context, r postgres.TransitionRecord) (bool, error)
}

// Observer counts projection results. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveProjection(result string)
}

// HistoryProjector appends every CaseTransitioned event to the flat
// transition log. Other event types are skipped.
type HistoryProjector struct {
	log      TransitionAppender
	breaker  *circuitbreaker.CircuitBreaker
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewHistoryProjector creates a projector. breaker and observer may be nil.
func NewHistoryProjector(log TransitionAppender, breaker *circuitbreaker.CircuitBreaker, observer Observer, logger *zap.Logger) *HistoryProjector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryProjector{
		log:      log,
		breaker:  breaker,
		observer: observer,
		logger:   logger,
		tracer:   otel.Tracer("history-projector"),
	}
}

// Project decodes one case event and applies it. It returns the projection
// result; errors wrapping ErrUndecodable are permanent.
func (p *HistoryProjector) Project(ctx context.Context, payload []byte) (result string, err error) {
	ctx, span := p.tracer.Start(ctx, "history.project")
	defer func() {
		if err != nil {
			result = ResultFailed
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("result", result))
		span.End()
		if p.observer != nil {
			p.observer.ObserveProjection(result)
		}
	}()

	record, ok, err := decodeTransition(payload)
	if err != nil {
		return "", err
	}
	if !ok {
		return ResultSkipped, nil
	}
	span.SetAttributes(
		attribute.String("case_id", record.CaseID),
		attribute.String("event_id", record.EventID))

	created, err := p.append(ctx, record)
	if err != nil {
		return "", fmt.Errorf("append transition %s: %w", record.EventID, err)
	}
	if !created {
		p.logger.Debug("duplicate transition ignored",
			zap.String("event_id", record.EventID),
			zap.String("case_id", record.CaseID))
		return ResultDuplicate, nil
	}

	p.logger.Info("transition projected",
		zap.String("case_id", record.CaseID),
		zap.String("from_state", record.FromState),
		zap.String("to_state", record.ToState),
		zap.String("actor", record.Actor),
		zap.Int("version", record.Version))
	return ResultApplied, nil
}

func (p *HistoryProjector) append(ctx context.Context, r postgres.TransitionRecord) (bool, error) {
	if p.breaker == nil {
		return p.log.Append(ctx, r)
	}
	return circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (bool, error) {
		return p.log.Append(ctx, r)
	})
}

// decodeTransition returns ok=false for events that are not transitions.
func decodeTransition(payload []byte) (postgres.TransitionRecord, bool, error) {
	var e surgery.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return postgres.TransitionRecord{}, false, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if e.EventType != surgery.EventCaseTransitioned {
		return postgres.TransitionRecord{}, false, nil
	}
	if e.ID == "" || e.AggregateID == "" {
		return postgres.TransitionRecord{}, false, fmt.Errorf("%w: missing event or case id", ErrUndecodable)
	}

	var data surgery.TransitionedData
	if err := json.Unmarshal(e.EventData, &data); err != nil {
		return postgres.TransitionRecord{}, false, fmt.Errorf("%w: event %s: %v", ErrUndecodable, e.ID, err)
	}
	return postgres.TransitionRecord{
		EventID:    e.ID,
		CaseID:     e.AggregateID,
		PatientID:  data.PatientID,
		FromState:  string(data.Transition.From),
		ToState:    string(data.Transition.To),
		Actor:      data.Transition.Actor,
		Reason:     data.Transition.Reason,
		OccurredAt: data.Transition.Timestamp,
		Version:    e.Version,
	}, true, nil
}
