package surgery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func hm(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func staff() []Personnel {
	return []Personnel{
		{PersonID: "S1", Role: RoleSurgeon, DisplayName: "Dr. Grey"},
		{PersonID: "A1", Role: RoleAnesthesiologist, DisplayName: "Dr. Shepherd"},
	}
}

func newTestCase(t *testing.T, id string) *Case {
	t.Helper()
	defs, err := DefaultTemplates().Template("orthopedic", nil)
	require.NoError(t, err)
	c, err := NewCase(NewCaseParams{
		ID:            id,
		PatientID:     "P1",
		ProcedureType: "orthopedic",
		Personnel:     staff(),
	}, defs, "coordinator", hm(7, 0))
	require.NoError(t, err)
	return c
}

func completeChecklist(t *testing.T, c *Case, at time.Time) *Case {
	t.Helper()
	items := c.Checklist
	for _, it := range c.Checklist {
		var err error
		items, _, err = UpdateChecklistItem(items, ItemUpdate{ID: it.ID, State: ItemCompleted}, "nurse", at)
		require.NoError(t, err)
	}
	out := c.Clone()
	out.Checklist = items
	return out
}

func validOutcome() *OutcomeNotes {
	return &OutcomeNotes{
		ComplicationLevel:      ComplicationNone,
		FollowUpVisitsRequired: 1,
		Summary:                "Uneventful arthroscopy",
		Prescriptions:          []Prescription{{Medication: "Paracetamol", Dosage: "1g"}},
	}
}
