package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medcore/surgiflow/internal/domain/appointment"
	"github.com/medcore/surgiflow/internal/domain/surgery"
	"github.com/medcore/surgiflow/pkg/circuitbreaker"
	"github.com/medcore/surgiflow/pkg/idempotency"
	"github.com/medcore/surgiflow/pkg/lock"
)

// Error kinds reported in the "kind" field of error bodies and used as the
// outcome label of command metrics.
const (
	KindIllegalTransition      = "illegal_transition"
	KindGateNotSatisfied       = "gate_not_satisfied"
	KindInvalidTimeWindow      = "invalid_time_window"
	KindSchedulingConflict     = "scheduling_conflict"
	KindSlotUnavailable        = "slot_unavailable"
	KindVersionConflict        = "version_conflict"
	KindConcurrentModification = "concurrent_modification"
	KindNotFound               = "not_found"
	KindInvalidRequest         = "invalid_request"
	KindInvalidOutcome         = "invalid_outcome"
	KindUnauthorized           = "unauthorized"
	KindRequestInProgress      = "request_in_progress"
	KindUnavailable            = "unavailable"
	KindInternal               = "internal"
)

// errInvalidBody marks request bodies and query strings that fail decoding
// or validation.
var errInvalidBody = errors.New("invalid request")

// ErrorKind classifies err. Order matters: a SchedulingConflictError caused
// by exhausted retries also matches ErrConcurrentModification.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, surgery.ErrSchedulingConflict):
		return KindSchedulingConflict
	case errors.Is(err, appointment.ErrSlotUnavailable):
		return KindSlotUnavailable
	case errors.Is(err, surgery.ErrIllegalTransition), errors.Is(err, appointment.ErrIllegalTransition):
		return KindIllegalTransition
	case errors.Is(err, surgery.ErrGateNotSatisfied):
		return KindGateNotSatisfied
	case errors.Is(err, surgery.ErrInvalidTimeWindow):
		return KindInvalidTimeWindow
	case errors.Is(err, surgery.ErrVersionConflict), errors.Is(err, appointment.ErrVersionConflict):
		return KindVersionConflict
	case errors.Is(err, surgery.ErrConcurrentModification),
		errors.Is(err, appointment.ErrConcurrentModification),
		errors.Is(err, lock.ErrNotAcquired):
		return KindConcurrentModification
	case errors.Is(err, surgery.ErrCaseNotFound),
		errors.Is(err, surgery.ErrItemNotFound),
		errors.Is(err, appointment.ErrAppointmentNotFound):
		return KindNotFound
	case errors.Is(err, surgery.ErrInvalidOutcome):
		return KindInvalidOutcome
	case errors.Is(err, surgery.ErrInvalidCase),
		errors.Is(err, surgery.ErrReasonRequired),
		errors.Is(err, appointment.ErrInvalidAppointment),
		errors.Is(err, appointment.ErrReasonRequired),
		errors.Is(err, errInvalidBody):
		return KindInvalidRequest
	case errors.Is(err, surgery.ErrActorRequired), errors.Is(err, appointment.ErrActorRequired):
		return KindUnauthorized
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrPreviouslyFailed):
		return KindRequestInProgress
	case errors.Is(err, circuitbreaker.ErrOpen):
		return KindUnavailable
	}
	return KindInternal
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind string) int {
	switch kind {
	case KindIllegalTransition, KindSchedulingConflict, KindSlotUnavailable,
		KindVersionConflict, KindConcurrentModification, KindRequestInProgress:
		return http.StatusConflict
	case KindGateNotSatisfied, KindInvalidOutcome:
		return http.StatusUnprocessableEntity
	case KindInvalidTimeWindow, KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details any    `json:"details,omitempty"`
}

type gateDetails struct {
	BlockingItems []surgery.ChecklistItem `json:"blocking_items"`
}

type conflictDetails struct {
	Room               string                      `json:"room,omitempty"`
	Persons            []surgery.UnavailablePerson `json:"persons,omitempty"`
	ConflictingCaseIDs []string                    `json:"conflicting_case_ids,omitempty"`
}

type transitionDetails struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type slotDetails struct {
	ConflictingAppointmentID string `json:"conflicting_appointment_id"`
	Start                    string `json:"start"`
	End                      string `json:"end"`
}

// NewErrorBody builds the response body and status for err. Internal error
// text is not echoed to clients.
func NewErrorBody(err error) (int, ErrorBody) {
	kind := ErrorKind(err)
	status := StatusFor(kind)
	body := ErrorBody{Error: err.Error(), Kind: kind}
	if status == http.StatusInternalServerError {
		body.Error = "internal server error"
		return status, body
	}

	var (
		gate     *surgery.GateError
		conflict *surgery.SchedulingConflictError
		illegal  *surgery.IllegalTransitionError
		apptEdge *appointment.IllegalTransitionError
		slot     *appointment.SlotUnavailableError
	)
	switch {
	case errors.As(err, &gate):
		body.Details = gateDetails{BlockingItems: gate.BlockingItems}
	case errors.As(err, &conflict):
		if conflict.Room != "" || len(conflict.Persons) > 0 {
			body.Details = conflictDetails{
				Room:               conflict.Room,
				Persons:            conflict.Persons,
				ConflictingCaseIDs: conflict.ConflictingCaseIDs,
			}
		}
	case errors.As(err, &illegal):
		body.Details = transitionDetails{From: string(illegal.From), To: string(illegal.To)}
	case errors.As(err, &apptEdge):
		body.Details = transitionDetails{From: string(apptEdge.From), To: string(apptEdge.To)}
	case errors.As(err, &slot):
		body.Details = slotDetails{
			ConflictingAppointmentID: slot.ConflictingID,
			Start:                    slot.Start.Format(timeLayout),
			End:                      slot.End.Format(timeLayout),
		}
	}
	return status, body
}

func writeError(w http.ResponseWriter, err error) {
	status, body := NewErrorBody(err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
