package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/internal/domain/surgery"
	"github.com/medcore/surgiflow/internal/engine"
	"github.com/medcore/surgiflow/internal/infrastructure/postgres"
	"github.com/medcore/surgiflow/pkg/idempotency"
)

// TransitionReader serves the projected transition log of a case.
type TransitionReader interface {
	ForCase(ctx context.Context, caseID string) ([]postgres.TransitionRecord, error)
}

// CaseHandler exposes the surgical scheduling engine.
type CaseHandler struct {
	engine   *engine.Engine
	history  TransitionReader
	commands commands
	logger   *zap.Logger
}

// NewCaseHandler creates a handler. inbox may be nil to disable
// Idempotency-Key support.
func NewCaseHandler(e *engine.Engine, inbox idempotency.Processor, logger *zap.Logger) *CaseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaseHandler{
		engine:   e,
		commands: commands{inbox: inbox, logger: logger},
		logger:   logger,
	}
}

// WithHistory enables GET /cases/{id}/transitions.
func (h *CaseHandler) WithHistory(r TransitionReader) *CaseHandler {
	h.history = r
	return h
}

// Routes returns the handler routes
func (h *CaseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/availability", h.Availability)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		if h.history != nil {
			r.Get("/transitions", h.Transitions)
		}
		r.Post("/checklist", h.AppendItem)
		r.Patch("/checklist/{itemID}", h.UpdateItem)
		r.Post("/approve", h.Approve)
		r.Post("/schedule", h.Schedule)
		r.Post("/reschedule", h.Reschedule)
		r.Post("/start", h.Start)
		r.Post("/finish", h.Finish)
		r.Post("/outcome", h.RecordOutcome)
		r.Post("/cancel", h.Cancel)
	})
	return r
}

// Create handles POST /cases
func (h *CaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.commands.run(w, r, "create_case", func(ctx context.Context, actor string) (int, any, error) {
		c, err := h.engine.CreateCase(ctx, engine.CreateCaseCommand{
			PatientID:     req.PatientID,
			ProcedureType: req.ProcedureType,
			RiskFlags:     req.riskFlags(),
			Personnel:     toPersonnel(req.Personnel),
			Priority:      surgery.Priority(req.Priority),
			Actor:         actor,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, c, nil
	})
}

// Get handles GET /cases/{id}
func (h *CaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.GetCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Transitions handles GET /cases/{id}/transitions. The log is fed
// asynchronously from the event stream and may trail the case history.
func (h *CaseHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	records, err := h.history.ForCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("transition log query failed", zap.Error(err))
		writeError(w, err)
		return
	}
	if records == nil {
		records = []postgres.TransitionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// List handles GET /cases. With person_id it returns that person's active
// cases; otherwise start and end select scheduled cases overlapping the range.
func (h *CaseHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if personID := q.Get("person_id"); personID != "" {
		cases, err := h.engine.ListActiveByPerson(r.Context(), personID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, casesOrEmpty(cases))
		return
	}

	start, err := queryTime(q, "start")
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := queryTime(q, "end")
	if err != nil {
		writeError(w, err)
		return
	}
	cases, err := h.engine.ListByDateRange(r.Context(), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, casesOrEmpty(cases))
}

// Availability handles GET /cases/availability
func (h *CaseHandler) Availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := queryTime(q, "start")
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := queryTime(q, "end")
	if err != nil {
		writeError(w, err)
		return
	}
	avail, err := h.engine.CheckAvailability(r.Context(), surgery.AvailabilityQuery{
		Start:         start,
		End:           end,
		RoomID:        q.Get("room"),
		PersonIDs:     q["person_id"],
		ExcludeCaseID: q.Get("exclude_case_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Available bool `json:"available"`
		surgery.Availability
	}{avail.Available(), avail})
}

// AppendItem handles POST /cases/{id}/checklist
func (h *CaseHandler) AppendItem(w http.ResponseWriter, r *http.Request) {
	var req AppendItemRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caseID := chi.URLParam(r, "id")
	h.commands.run(w, r, "append_checklist_item", func(ctx context.Context, actor string) (int, any, error) {
		c, err := h.engine.AppendChecklistItem(ctx, caseID, req.Name, req.Description, req.Mandatory, actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, c, nil
	})
}

// UpdateItem handles PATCH /cases/{id}/checklist/{itemID}
func (h *CaseHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caseID := chi.URLParam(r, "id")
	update := surgery.ItemUpdate{
		ID:        chi.URLParam(r, "itemID"),
		State:     surgery.ItemState(req.State),
		Notes:     req.Notes,
		FileRef:   req.FileRef,
		ExpiresAt: req.ExpiresAt,
	}
	h.commands.run(w, r, "update_checklist_item", func(ctx context.Context, actor string) (int, any, error) {
		c, err := h.engine.UpdateChecklistItem(ctx, caseID, update, actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, c, nil
	})
}

// Approve handles POST /cases/{id}/approve
func (h *CaseHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "approve", h.engine.Approve)
}

// Start handles POST /cases/{id}/start
func (h *CaseHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "start", h.engine.Start)
}

// Finish handles POST /cases/{id}/finish
func (h *CaseHandler) Finish(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "finish", h.engine.Finish)
}

// Schedule handles POST /cases/{id}/schedule
func (h *CaseHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	h.book(w, r, "schedule", h.engine.Schedule)
}

// Reschedule handles POST /cases/{id}/reschedule
func (h *CaseHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	h.book(w, r, "reschedule", h.engine.Reschedule)
}

// RecordOutcome handles POST /cases/{id}/outcome
func (h *CaseHandler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caseID := chi.URLParam(r, "id")
	h.commands.run(w, r, "record_outcome", func(ctx context.Context, actor string) (int, any, error) {
		res, err := h.engine.RecordOutcome(ctx, caseID, req.notes(), actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, res, nil
	})
}

// Cancel handles POST /cases/{id}/cancel
func (h *CaseHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caseID := chi.URLParam(r, "id")
	h.commands.run(w, r, "cancel_case", func(ctx context.Context, actor string) (int, any, error) {
		res, err := h.engine.Cancel(ctx, caseID, actor, req.Reason)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, res, nil
	})
}

func (h *CaseHandler) transition(w http.ResponseWriter, r *http.Request, name string,
	fn func(ctx context.Context, caseID, actor string) (*engine.Result, error)) {
	caseID := chi.URLParam(r, "id")
	h.commands.run(w, r, name+"_case", func(ctx context.Context, actor string) (int, any, error) {
		res, err := fn(ctx, caseID, actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, res, nil
	})
}

func (h *CaseHandler) book(w http.ResponseWriter, r *http.Request, name string,
	fn func(ctx context.Context, caseID string, cmd engine.ScheduleCommand) (*engine.Result, error)) {
	var req ScheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caseID := chi.URLParam(r, "id")
	h.commands.run(w, r, name+"_case", func(ctx context.Context, actor string) (int, any, error) {
		res, err := fn(ctx, caseID, engine.ScheduleCommand{
			Schedule: surgery.Schedule{
				Start: req.Start.UTC(),
				End:   req.End.UTC(),
				Room:  req.Room,
				Notes: req.Notes,
			},
			Personnel: toPersonnel(req.Personnel),
			Reason:    req.Reason,
			Actor:     actor,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, res, nil
	})
}

func casesOrEmpty(cases []*surgery.Case) []*surgery.Case {
	if cases == nil {
		return []*surgery.Case{}
	}
	return cases
}
