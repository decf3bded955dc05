package surgery

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventCaseCreated          EventType = "CaseCreated"
	EventCaseTransitioned     EventType = "CaseTransitioned"
	EventChecklistItemUpdated EventType = "ChecklistItemUpdated"
	EventChecklistItemAdded   EventType = "ChecklistItemAdded"
)

// AggregateType is stamped on every surgical case event.
const AggregateType = "SurgicalCase"

// Event represents a domain event waiting to be published through the outbox.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, actor string, at time.Time, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
		Actor:         actor,
	}, nil
}

// TransitionedData is the payload of CaseTransitioned. Notification consumers
// key off To == FINALIZED or CANCELLED.
type TransitionedData struct {
	CaseID     string          `json:"case_id"`
	PatientID  string          `json:"patient_id"`
	Transition StateTransition `json:"transition"`
	Schedule   *Schedule       `json:"schedule,omitempty"`
	Personnel  []Personnel     `json:"personnel,omitempty"`
}

// ChecklistData is the payload of checklist events.
type ChecklistData struct {
	CaseID string        `json:"case_id"`
	Item   ChecklistItem `json:"item"`
}

// Notifiable reports whether a transition into to should reach the
// notifications collaborator.
func Notifiable(to State) bool {
	return to == StateFinalized || to == StateCancelled
}
