package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/internal/domain/appointment"
	"github.com/medcore/surgiflow/pkg/idempotency"
)

// AppointmentHandler exposes clinic appointment booking.
type AppointmentHandler struct {
	scheduler *appointment.Scheduler
	commands  commands
}

// NewAppointmentHandler creates a handler. inbox may be nil.
func NewAppointmentHandler(s *appointment.Scheduler, inbox idempotency.Processor, logger *zap.Logger) *AppointmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppointmentHandler{scheduler: s, commands: commands{inbox: inbox, logger: logger}}
}

// Routes returns the handler routes
func (h *AppointmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Book)
	r.Get("/", h.ListByClinicianDay)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/start", h.lifecycle("start_appointment", h.scheduler.Start))
		r.Post("/complete", h.lifecycle("complete_appointment", h.scheduler.Complete))
		r.Post("/no-show", h.lifecycle("no_show_appointment", h.scheduler.MarkNoShow))
		r.Post("/cancel", h.Cancel)
		r.Post("/reschedule", h.Reschedule)
	})
	return r
}

// Book handles POST /appointments
func (h *AppointmentHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.commands.run(w, r, "book_appointment", func(ctx context.Context, actor string) (int, any, error) {
		a, err := h.scheduler.Book(ctx, appointment.BookRequest{
			PatientID:   req.PatientID,
			ClinicianID: req.ClinicianID,
			Type:        req.Type,
			Reason:      req.Reason,
			Start:       req.Start.UTC(),
			End:         req.End.UTC(),
		}, actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, a, nil
	})
}

// Get handles GET /appointments/{id}
func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.scheduler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListByClinicianDay handles GET /appointments?clinician_id=&date=
func (h *AppointmentHandler) ListByClinicianDay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clinicianID := q.Get("clinician_id")
	if clinicianID == "" {
		writeError(w, queryRequired("clinician_id"))
		return
	}
	day, err := queryDate(q, "date")
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := h.scheduler.ListByClinicianDay(r.Context(), clinicianID, day)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*appointment.Appointment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Cancel handles POST /appointments/{id}/cancel
func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	h.commands.run(w, r, "cancel_appointment", func(ctx context.Context, actor string) (int, any, error) {
		a, err := h.scheduler.Cancel(ctx, id, actor, req.Reason)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, a, nil
	})
}

// Reschedule handles POST /appointments/{id}/reschedule
func (h *AppointmentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req WindowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	h.commands.run(w, r, "reschedule_appointment", func(ctx context.Context, actor string) (int, any, error) {
		a, err := h.scheduler.Reschedule(ctx, id, req.Start.UTC(), req.End.UTC(), actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, a, nil
	})
}

func (h *AppointmentHandler) lifecycle(name string,
	fn func(ctx context.Context, id, actor string) (*appointment.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		h.commands.run(w, r, name, func(ctx context.Context, actor string) (int, any, error) {
			a, err := fn(ctx, id, actor)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusOK, a, nil
		})
	}
}
