package surgery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateChecklistItemExpiry(t *testing.T) {
	items := Instantiate([]ItemDefinition{
		{Code: "blood-panel", Name: "Blood panel", Mandatory: true, ValidityDays: 30},
		{Code: "consent", Name: "Consent", Mandatory: true},
	})
	now := hm(9, 0)

	out, item, err := UpdateChecklistItem(items, ItemUpdate{ID: "blood-panel", State: ItemCompleted, FileRef: "lab/123.pdf"}, "nurse", now)
	require.NoError(t, err)
	require.NotNil(t, item.ExpiresAt)
	assert.Equal(t, now.AddDate(0, 0, 30), *item.ExpiresAt)
	assert.Equal(t, "lab/123.pdf", item.FileRef)
	assert.Equal(t, "nurse", item.UpdatedBy)
	assert.Equal(t, item, out[0])

	// input untouched
	assert.Equal(t, ItemPending, items[0].State)
	assert.Nil(t, items[0].ExpiresAt)

	explicit := now.Add(48 * time.Hour)
	_, item, err = UpdateChecklistItem(out, ItemUpdate{ID: "blood-panel", State: ItemCompleted, ExpiresAt: &explicit}, "nurse", now)
	require.NoError(t, err)
	assert.Equal(t, explicit, *item.ExpiresAt)

	reopened, item, err := UpdateChecklistItem(out, ItemUpdate{ID: "blood-panel", State: ItemInProgress}, "nurse", now)
	require.NoError(t, err)
	assert.Nil(t, item.ExpiresAt)
	assert.Equal(t, "lab/123.pdf", reopened[0].FileRef)
	assert.NotNil(t, out[0].ExpiresAt)

	_, item, err = UpdateChecklistItem(items, ItemUpdate{ID: "consent", State: ItemCompleted}, "nurse", now)
	require.NoError(t, err)
	assert.Nil(t, item.ExpiresAt)
}

func TestUpdateChecklistItemErrors(t *testing.T) {
	items := Instantiate([]ItemDefinition{{Code: "ecg", Name: "ECG", Mandatory: true}})

	_, _, err := UpdateChecklistItem(items, ItemUpdate{ID: "missing", State: ItemCompleted}, "nurse", hm(9, 0))
	assert.ErrorIs(t, err, ErrItemNotFound)

	_, _, err = UpdateChecklistItem(items, ItemUpdate{ID: "ecg", State: "DONE"}, "nurse", hm(9, 0))
	assert.ErrorIs(t, err, ErrInvalidCase)
}

func TestEvaluateChecklist(t *testing.T) {
	now := hm(9, 0)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		items    []ChecklistItem
		passes   bool
		blocking int
	}{
		{"empty", nil, true, 0},
		{"optional pending", []ChecklistItem{{ID: "a", Mandatory: false, State: ItemPending}}, true, 0},
		{"mandatory pending", []ChecklistItem{{ID: "a", Mandatory: true, State: ItemPending}}, false, 1},
		{"mandatory in progress", []ChecklistItem{{ID: "a", Mandatory: true, State: ItemInProgress}}, false, 1},
		{"not applicable", []ChecklistItem{{ID: "a", Mandatory: true, State: ItemNotApplicable}}, true, 0},
		{"completed valid", []ChecklistItem{{ID: "a", Mandatory: true, State: ItemCompleted, ExpiresAt: &future}}, true, 0},
		{"completed expired", []ChecklistItem{{ID: "a", Mandatory: true, State: ItemCompleted, ExpiresAt: &past}}, false, 1},
		{"expires exactly now", []ChecklistItem{{ID: "a", Mandatory: true, State: ItemCompleted, ExpiresAt: &now}}, true, 0},
		{"mixed", []ChecklistItem{
			{ID: "a", Mandatory: true, State: ItemCompleted},
			{ID: "b", Mandatory: true, State: ItemPending},
			{ID: "c", Mandatory: true, State: ItemCompleted, ExpiresAt: &past},
		}, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateChecklist(tt.items, now)
			assert.Equal(t, tt.passes, got.Passes)
			assert.Len(t, got.BlockingItems, tt.blocking)
		})
	}
}

func TestAppendCustomItem(t *testing.T) {
	items := Instantiate([]ItemDefinition{{Code: "ecg", Name: "ECG", Mandatory: true}})

	out, item, err := AppendCustomItem(items, "x-ray", "Chest X-ray", "PA and lateral", true)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Len(t, items, 1)
	assert.Equal(t, ItemPending, item.State)
	assert.True(t, item.Mandatory)

	_, _, err = AppendCustomItem(items, "blank", "", "", false)
	assert.ErrorIs(t, err, ErrInvalidCase)
}
