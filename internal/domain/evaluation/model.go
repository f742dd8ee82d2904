package evaluation

import (
	"time"

	"github.com/google/uuid"
)

// HookType is the category of clinical workflow event that triggers an
// evaluation. The names follow the CDS Hooks convention.
type HookType string

const (
	HookPatientView         HookType = "patient-view"
	HookMedicationPrescribe HookType = "medication-prescribe"
	HookOrderSelect         HookType = "order-select"
	HookOrderSign           HookType = "order-sign"
	HookEncounterStart      HookType = "encounter-start"
	HookEncounterDischarge  HookType = "encounter-discharge"
)

// AllHookTypes lists every supported hook type.
func AllHookTypes() []HookType {
	return []HookType{
		HookPatientView,
		HookMedicationPrescribe,
		HookOrderSelect,
		HookOrderSign,
		HookEncounterStart,
		HookEncounterDischarge,
	}
}

// Valid reports whether h is a known hook type.
func (h HookType) Valid() bool {
	for _, known := range AllHookTypes() {
		if h == known {
			return true
		}
	}
	return false
}

// Medication is one active medication on the patient's list.
type Medication struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Code      *string   `json:"code,omitempty"`
	Dose      *string   `json:"dose,omitempty"`
	Route     *string   `json:"route,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// Allergy is one active allergy or intolerance.
type Allergy struct {
	ID        uuid.UUID `json:"id"`
	Substance string    `json:"substance"`
	Reaction  *string   `json:"reaction,omitempty"`
	Severity  *string   `json:"severity,omitempty"`
	Status    string    `json:"status"`
}

// Condition is one active diagnosis.
type Condition struct {
	ID          uuid.UUID  `json:"id"`
	Code        *string    `json:"code,omitempty"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	OnsetAt     *time.Time `json:"onset_at,omitempty"`
}

// LabResult is one recent laboratory result within the lookback window.
type LabResult struct {
	ID          uuid.UUID `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Value       float64   `json:"value"`
	Unit        *string   `json:"unit,omitempty"`
	Abnormal    bool      `json:"abnormal"`
	EffectiveAt time.Time `json:"effective_at"`
}

// EncounterMeta carries metadata about the current encounter, when one is
// open. Not all hooks have rules that read it, so it is excluded from most
// fingerprints.
type EncounterMeta struct {
	ID        *uuid.UUID `json:"id,omitempty"`
	Class     *string    `json:"class,omitempty"`
	Location  *string    `json:"location,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// EvaluationContext is the immutable input to one evaluation: everything a
// rule may read about the patient. Built once per request by the context
// provider and never mutated afterward; rules must treat it as read-only.
// It is owned by the request that created it and never persisted.
type EvaluationContext struct {
	PatientID   uuid.UUID     `json:"patient_id"`
	Hook        HookType      `json:"hook"`
	Medications []Medication  `json:"medications"`
	Allergies   []Allergy     `json:"allergies"`
	Conditions  []Condition   `json:"conditions"`
	Labs        []LabResult   `json:"labs"`
	Encounter   EncounterMeta `json:"encounter"`
}

// Severity grades an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Evidence is a structured reference to the datum that triggered an alert.
type Evidence struct {
	Type    string    `json:"type"` // medication | allergy | condition | lab
	ID      uuid.UUID `json:"id"`
	Display string    `json:"display"`
}

// Alert is the advisory result of a rule firing. Alerts are transient: the
// engine returns them to the calling workflow and persists nothing.
type Alert struct {
	RuleID   string     `json:"rule_id"`
	Severity Severity   `json:"severity"`
	Category string     `json:"category,omitempty"`
	Summary  string     `json:"summary"`
	Detail   *string    `json:"detail,omitempty"`
	Evidence []Evidence `json:"evidence,omitempty"`
}

// RuleOutcome classifies how one rule task settled.
type RuleOutcome string

const (
	OutcomeSuccess RuleOutcome = "success"
	OutcomeFailed  RuleOutcome = "failed"
	OutcomeTimeout RuleOutcome = "timeout"
)

// RuleTiming is the per-rule diagnostic record emitted by the evaluator.
// Attribution is deterministic even though completion order is not.
type RuleTiming struct {
	RuleID     string      `json:"rule_id"`
	DurationMs int64       `json:"duration_ms"`
	Outcome    RuleOutcome `json:"outcome"`
	Error      string      `json:"error,omitempty"`
}
