package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medcore/surgiflow/internal/domain/appointment"
	"github.com/medcore/surgiflow/pkg/interval"
)

// AppointmentStore keeps appointments in a map.
type AppointmentStore struct {
	mu           sync.RWMutex
	appointments map[string]*appointment.Appointment
}

// NewAppointmentStore creates an empty store.
func NewAppointmentStore() *AppointmentStore {
	return &AppointmentStore{appointments: make(map[string]*appointment.Appointment)}
}

// Get implements appointment.Store.
func (s *AppointmentStore) Get(_ context.Context, id string) (*appointment.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.appointments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", appointment.ErrAppointmentNotFound, id)
	}
	return a.Clone(), nil
}

// Save implements appointment.Store.
func (s *AppointmentStore) Save(_ context.Context, a *appointment.Appointment, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := 0
	if existing, ok := s.appointments[a.ID]; ok {
		current = existing.Version
	} else if expectedVersion != 0 {
		return fmt.Errorf("%w: %s", appointment.ErrAppointmentNotFound, a.ID)
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: appointment %s at version %d, expected %d",
			appointment.ErrVersionConflict, a.ID, current, expectedVersion)
	}

	a.Version = expectedVersion + 1
	s.appointments[a.ID] = a.Clone()
	return nil
}

// ListByClinicianDay implements appointment.Store.
func (s *AppointmentStore) ListByClinicianDay(_ context.Context, clinicianID string, day time.Time) ([]*appointment.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*appointment.Appointment
	for _, a := range s.appointments {
		if a.ClinicianID == clinicianID && interval.SameDay(a.Start, day) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
