package surgery

import (
	"fmt"
	"time"
)

// ItemState is the progress of a checklist item.
type ItemState string

const (
	ItemPending       ItemState = "PENDING"
	ItemInProgress    ItemState = "IN_PROGRESS"
	ItemCompleted     ItemState = "COMPLETED"
	ItemNotApplicable ItemState = "NOT_APPLICABLE"
)

// Valid reports whether s is a known item state.
func (s ItemState) Valid() bool {
	switch s {
	case ItemPending, ItemInProgress, ItemCompleted, ItemNotApplicable:
		return true
	}
	return false
}

// ChecklistItem is one pre-operative requirement. Items are replaced by
// value, never edited in place and never removed.
type ChecklistItem struct {
	ID           string     `json:"id"`
	Code         string     `json:"code,omitempty"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Mandatory    bool       `json:"mandatory"`
	State        ItemState  `json:"state"`
	ValidityDays int        `json:"validity_days,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	FileRef      string     `json:"file_ref,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	UpdatedBy    string     `json:"updated_by,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// Satisfied reports whether the item no longer blocks approval at now.
func (it ChecklistItem) Satisfied(now time.Time) bool {
	switch it.State {
	case ItemNotApplicable:
		return true
	case ItemCompleted:
		return !it.Stale(now)
	}
	return false
}

// Stale reports whether a completed item has expired at now.
func (it ChecklistItem) Stale(now time.Time) bool {
	return it.State == ItemCompleted && it.ExpiresAt != nil && it.ExpiresAt.Before(now)
}

// GateResult is the outcome of evaluating a checklist.
type GateResult struct {
	Passes        bool            `json:"passes"`
	BlockingItems []ChecklistItem `json:"blocking_items,omitempty"`
}

// EvaluateChecklist passes iff every mandatory item is COMPLETED (and not
// expired at now) or NOT_APPLICABLE.
func EvaluateChecklist(items []ChecklistItem, now time.Time) GateResult {
	var blocking []ChecklistItem
	for _, it := range items {
		if !it.Mandatory {
			continue
		}
		if !it.Satisfied(now) {
			blocking = append(blocking, it)
		}
	}
	return GateResult{Passes: len(blocking) == 0, BlockingItems: blocking}
}

// ItemUpdate describes a change to one checklist item. Empty Notes/FileRef
// keep the current values.
type ItemUpdate struct {
	ID        string
	State     ItemState
	Notes     string
	FileRef   string
	ExpiresAt *time.Time
}

// UpdateChecklistItem returns a new checklist with the item identified by
// u.ID replaced. The input slice is not modified.
func UpdateChecklistItem(items []ChecklistItem, u ItemUpdate, actor string, now time.Time) ([]ChecklistItem, ChecklistItem, error) {
	if !u.State.Valid() {
		return nil, ChecklistItem{}, fmt.Errorf("%w: unknown item state %q", ErrInvalidCase, u.State)
	}

	idx := -1
	for i, it := range items {
		if it.ID == u.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ChecklistItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, u.ID)
	}

	item := cloneItem(items[idx])
	item.State = u.State
	if u.Notes != "" {
		item.Notes = u.Notes
	}
	if u.FileRef != "" {
		item.FileRef = u.FileRef
	}

	switch {
	case u.ExpiresAt != nil:
		exp := *u.ExpiresAt
		item.ExpiresAt = &exp
	case u.State == ItemCompleted && item.ValidityDays > 0:
		exp := now.AddDate(0, 0, item.ValidityDays)
		item.ExpiresAt = &exp
	case u.State != ItemCompleted:
		item.ExpiresAt = nil
	}

	ts := now
	item.UpdatedAt = &ts
	item.UpdatedBy = actor

	out := cloneChecklist(items)
	out[idx] = item
	return out, item, nil
}

// AppendCustomItem returns a new checklist with an ad-hoc PENDING item added.
func AppendCustomItem(items []ChecklistItem, id, name, description string, mandatory bool) ([]ChecklistItem, ChecklistItem, error) {
	if name == "" {
		return nil, ChecklistItem{}, fmt.Errorf("%w: checklist item name is required", ErrInvalidCase)
	}
	item := ChecklistItem{
		ID:          id,
		Name:        name,
		Description: description,
		Mandatory:   mandatory,
		State:       ItemPending,
	}
	out := make([]ChecklistItem, 0, len(items)+1)
	out = append(out, cloneChecklist(items)...)
	out = append(out, item)
	return out, item, nil
}

func cloneItem(it ChecklistItem) ChecklistItem {
	if it.ExpiresAt != nil {
		t := *it.ExpiresAt
		it.ExpiresAt = &t
	}
	if it.UpdatedAt != nil {
		t := *it.UpdatedAt
		it.UpdatedAt = &t
	}
	return it
}

func cloneChecklist(items []ChecklistItem) []ChecklistItem {
	if items == nil {
		return nil
	}
	out := make([]ChecklistItem, len(items))
	for i, it := range items {
		out[i] = cloneItem(it)
	}
	return out
}
