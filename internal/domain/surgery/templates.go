package surgery

import (
	"fmt"
	"sort"
	"strings"
)

// RiskFlag is a patient risk factor that adds checklist requirements.
type RiskFlag string

const (
	FlagCardiovascular    RiskFlag = "cardiovascular"
	FlagDiabetic          RiskFlag = "diabetic"
	FlagGeneralAnesthesia RiskFlag = "general-anesthesia-required"
	FlagAnticoagulated    RiskFlag = "anticoagulated"
)

// ItemDefinition is a checklist requirement before it is instantiated on a case.
type ItemDefinition struct {
	Code         string
	Name         string
	Description  string
	Mandatory    bool
	ValidityDays int
}

// TemplateProvider builds the initial checklist of a case.
type TemplateProvider interface {
	Template(procedureType string, flags []RiskFlag) ([]ItemDefinition, error)
}

// StaticTemplates is the built-in provider: base items, then procedure-type
// items, then flag items in canonical flag order. The output depends only on
// its arguments.
type StaticTemplates struct {
	Base       []ItemDefinition
	Procedures map[string][]ItemDefinition
	Flags      map[RiskFlag][]ItemDefinition
}

// flagOrder fixes the position of flag items regardless of input order.
var flagOrder = []RiskFlag{FlagCardiovascular, FlagDiabetic, FlagGeneralAnesthesia, FlagAnticoagulated}

// DefaultTemplates returns the standard pre-operative requirements.
func DefaultTemplates() *StaticTemplates {
	return &StaticTemplates{
		Base: []ItemDefinition{
			{Code: "blood-panel", Name: "Blood panel", Description: "Complete blood count and metabolic panel", Mandatory: true, ValidityDays: 30},
			{Code: "coagulation-panel", Name: "Coagulation panel", Description: "PT/INR and aPTT", Mandatory: true, ValidityDays: 30},
			{Code: "ecg", Name: "ECG", Description: "12-lead electrocardiogram", Mandatory: true, ValidityDays: 90},
			{Code: "informed-consent", Name: "Informed consent", Description: "Signed surgical consent form", Mandatory: true},
		},
		Procedures: map[string][]ItemDefinition{
			"orthopedic": {
				{Code: "imaging-review", Name: "Imaging review", Description: "Pre-operative imaging reviewed by surgeon", Mandatory: true, ValidityDays: 180},
			},
			"cardiac": {
				{Code: "cardiology-consult", Name: "Cardiology consult", Description: "Cardiology sign-off for cardiac procedure", Mandatory: true, ValidityDays: 30},
				{Code: "blood-type-crossmatch", Name: "Type and crossmatch", Description: "Blood products reserved", Mandatory: true, ValidityDays: 3},
			},
			"ophthalmic": {
				{Code: "biometry", Name: "Ocular biometry", Description: "Lens power calculation", Mandatory: true, ValidityDays: 180},
			},
		},
		Flags: map[RiskFlag][]ItemDefinition{
			FlagCardiovascular: {
				{Code: "echocardiogram", Name: "Echocardiogram", Description: "Transthoracic echocardiogram", Mandatory: true, ValidityDays: 90},
				{Code: "cardiology-clearance", Name: "Cardiology clearance", Description: "Cardiac risk assessment", Mandatory: true, ValidityDays: 90},
			},
			FlagDiabetic: {
				{Code: "hba1c", Name: "HbA1c", Description: "Glycated hemoglobin within target", Mandatory: true, ValidityDays: 90},
				{Code: "glucose-plan", Name: "Peri-operative glucose plan", Description: "Insulin and glucose monitoring plan", Mandatory: false},
			},
			FlagGeneralAnesthesia: {
				{Code: "anesthesia-assessment", Name: "Anesthesia assessment", Description: "Pre-anesthetic evaluation", Mandatory: true, ValidityDays: 30},
				{Code: "fasting-confirmation", Name: "Fasting confirmation", Description: "Patient confirmed nil by mouth", Mandatory: true},
			},
			FlagAnticoagulated: {
				{Code: "anticoagulation-plan", Name: "Anticoagulation bridging plan", Description: "Hold/bridge schedule agreed", Mandatory: true, ValidityDays: 14},
			},
		},
	}
}

// Template implements TemplateProvider.
func (t *StaticTemplates) Template(procedureType string, flags []RiskFlag) ([]ItemDefinition, error) {
	set := make(map[RiskFlag]bool, len(flags))
	for _, f := range flags {
		if _, ok := t.Flags[f]; !ok {
			return nil, fmt.Errorf("%w: unknown risk flag %q", ErrInvalidCase, f)
		}
		set[f] = true
	}

	defs := make([]ItemDefinition, 0, len(t.Base)+4)
	defs = append(defs, t.Base...)
	defs = append(defs, t.Procedures[strings.ToLower(procedureType)]...)
	for _, f := range flagOrder {
		if set[f] {
			defs = append(defs, t.Flags[f]...)
		}
	}
	return dedupeDefinitions(defs), nil
}

func dedupeDefinitions(defs []ItemDefinition) []ItemDefinition {
	seen := make(map[string]bool, len(defs))
	out := defs[:0:0]
	for _, d := range defs {
		if seen[d.Code] {
			continue
		}
		seen[d.Code] = true
		out = append(out, d)
	}
	return out
}

// NormalizeFlags de-duplicates flags and sorts them by canonical order.
func NormalizeFlags(flags []RiskFlag) []RiskFlag {
	rank := make(map[RiskFlag]int, len(flagOrder))
	for i, f := range flagOrder {
		rank[f] = i
	}
	seen := make(map[RiskFlag]bool, len(flags))
	out := make([]RiskFlag, 0, len(flags))
	for _, f := range flags {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}

// Instantiate turns definitions into PENDING checklist items. Item ids are the
// definition codes, so the result is fully determined by defs.
func Instantiate(defs []ItemDefinition) []ChecklistItem {
	items := make([]ChecklistItem, 0, len(defs))
	for _, d := range defs {
		items = append(items, ChecklistItem{
			ID:           d.Code,
			Code:         d.Code,
			Name:         d.Name,
			Description:  d.Description,
			Mandatory:    d.Mandatory,
			State:        ItemPending,
			ValidityDays: d.ValidityDays,
		})
	}
	return items
}
