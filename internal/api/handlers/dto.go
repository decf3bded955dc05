package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/medcore/surgiflow/internal/domain/surgery"
)

const (
	timeLayout = time.RFC3339
	dateLayout = "2006-01-02"

	maxBodyBytes = 1 << 20
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body: %v", errInvalidBody, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", errInvalidBody, formatValidationErrors(err))
	}
	return nil
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), strings.SplitN(fe.Namespace(), ".", 2)[0]+".")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, field+" must be one of: "+strings.Join(strings.Fields(fe.Param()), ", "))
		case "gte":
			msgs = append(msgs, field+" must be at least "+fe.Param())
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}

type personnelRequest struct {
	PersonID    string `json:"person_id" validate:"required"`
	Role        string `json:"role" validate:"required,oneof=surgeon anesthesiologist nurse"`
	DisplayName string `json:"display_name"`
}

func toPersonnel(in []personnelRequest) []surgery.Personnel {
	if in == nil {
		return nil
	}
	out := make([]surgery.Personnel, 0, len(in))
	for _, p := range in {
		out = append(out, surgery.Personnel{
			PersonID:    p.PersonID,
			Role:        surgery.Role(p.Role),
			DisplayName: p.DisplayName,
		})
	}
	return out
}

// CreateCaseRequest is the body of POST /cases.
type CreateCaseRequest struct {
	PatientID     string             `json:"patient_id" validate:"required"`
	ProcedureType string             `json:"procedure_type" validate:"required"`
	RiskFlags     []string           `json:"risk_flags"`
	Personnel     []personnelRequest `json:"personnel" validate:"dive"`
	Priority      string             `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

func (r CreateCaseRequest) riskFlags() []surgery.RiskFlag {
	out := make([]surgery.RiskFlag, 0, len(r.RiskFlags))
	for _, f := range r.RiskFlags {
		out = append(out, surgery.RiskFlag(f))
	}
	return out
}

// UpdateItemRequest is the body of PATCH /cases/{id}/checklist/{itemID}.
type UpdateItemRequest struct {
	State     string     `json:"state" validate:"required,oneof=PENDING IN_PROGRESS COMPLETED NOT_APPLICABLE"`
	Notes     string     `json:"notes"`
	FileRef   string     `json:"file_ref"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// AppendItemRequest is the body of POST /cases/{id}/checklist.
type AppendItemRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Mandatory   bool   `json:"mandatory"`
}

// ScheduleRequest is the body of the schedule and reschedule commands. An
// omitted personnel list keeps the current staff.
type ScheduleRequest struct {
	Start     time.Time          `json:"start" validate:"required"`
	End       time.Time          `json:"end" validate:"required"`
	Room      string             `json:"room" validate:"required"`
	Notes     string             `json:"notes"`
	Personnel []personnelRequest `json:"personnel" validate:"omitempty,dive"`
	Reason    string             `json:"reason"`
}

// ReasonRequest carries a mandatory reason.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type prescriptionRequest struct {
	Medication   string `json:"medication" validate:"required"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions"`
}

// OutcomeRequest is the body of POST /cases/{id}/outcome.
type OutcomeRequest struct {
	ComplicationLevel      string                `json:"complication_level" validate:"required,oneof=none minor moderate severe"`
	ComplicationDetail     string                `json:"complication_detail"`
	FollowUpVisitsRequired int                   `json:"follow_up_visits_required" validate:"gte=0"`
	Summary                string                `json:"summary" validate:"required"`
	Prescriptions          []prescriptionRequest `json:"prescriptions" validate:"dive"`
}

func (r OutcomeRequest) notes() surgery.OutcomeNotes {
	out := surgery.OutcomeNotes{
		ComplicationLevel:      surgery.ComplicationLevel(r.ComplicationLevel),
		ComplicationDetail:     r.ComplicationDetail,
		FollowUpVisitsRequired: r.FollowUpVisitsRequired,
		Summary:                r.Summary,
	}
	for _, p := range r.Prescriptions {
		out.Prescriptions = append(out.Prescriptions, surgery.Prescription(p))
	}
	return out
}

// BookAppointmentRequest is the body of POST /appointments.
type BookAppointmentRequest struct {
	PatientID   string    `json:"patient_id" validate:"required"`
	ClinicianID string    `json:"clinician_id" validate:"required"`
	Type        string    `json:"type" validate:"required"`
	Reason      string    `json:"reason"`
	Start       time.Time `json:"start" validate:"required"`
	End         time.Time `json:"end" validate:"required"`
}

// WindowRequest moves an appointment.
type WindowRequest struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required"`
}

func queryTime(q url.Values, key string) (time.Time, error) {
	raw := q.Get(key)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", errInvalidBody, key)
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339", errInvalidBody, key)
	}
	return t, nil
}

func queryDate(q url.Values, key string) (time.Time, error) {
	raw := q.Get(key)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", errInvalidBody, key)
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", errInvalidBody, key)
	}
	return t, nil
}

func queryRequired(key string) error {
	return fmt.Errorf("%w: %s is required", errInvalidBody, key)
}
