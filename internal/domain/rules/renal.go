package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/cds/cds/internal/domain/evaluation"
)

// Serum creatinine above this (mg/dL) suggests impaired clearance.
const creatinineThreshold = 1.5

// Medications that need dose adjustment when renal function is impaired.
// Matched by normalized name prefix.
var renallyCleared = []string{
	"metformin",
	"gabapentin",
	"enoxaparin",
	"vancomycin",
	"lisinopril",
	"digoxin",
}

// RenalDosingRule flags renally cleared medications when the most recent
// creatinine in the lookback window is elevated. No creatinine on file
// means no alert; the rule does not speculate.
type RenalDosingRule struct{}

func NewRenalDosingRule() *RenalDosingRule { return &RenalDosingRule{} }

func (r *RenalDosingRule) ID() string { return "renal-dosing" }

func (r *RenalDosingRule) Applicable(ec *evaluation.EvaluationContext) bool {
	switch ec.Hook {
	case evaluation.HookMedicationPrescribe, evaluation.HookOrderSign, evaluation.HookEncounterStart:
		return len(ec.Medications) > 0 && len(ec.Labs) > 0
	}
	return false
}

func (r *RenalDosingRule) Evaluate(_ context.Context, ec *evaluation.EvaluationContext) (*evaluation.Alert, error) {
	creatinine := latestCreatinine(ec.Labs)
	if creatinine == nil || creatinine.Value <= creatinineThreshold {
		return nil, nil
	}

	for _, med := range ec.Medications {
		name := strings.ToLower(med.Name)
		for _, drug := range renallyCleared {
			if !strings.HasPrefix(name, drug) {
				continue
			}
			detail := fmt.Sprintf(
				"Most recent serum creatinine is %.2f mg/dL (threshold %.1f). Consider dose adjustment or an alternative.",
				creatinine.Value, creatinineThreshold)
			return &evaluation.Alert{
				RuleID:   r.ID(),
				Severity: evaluation.SeverityWarning,
				Category: "renal-dosing",
				Summary:  fmt.Sprintf("%s may need renal dose adjustment", med.Name),
				Detail:   &detail,
				Evidence: []evaluation.Evidence{
					{Type: "medication", ID: med.ID, Display: med.Name},
					{Type: "lab", ID: creatinine.ID, Display: creatinine.Name},
				},
			}, nil
		}
	}
	return nil, nil
}

// latestCreatinine relies on labs being ordered newest first.
func latestCreatinine(labs []evaluation.LabResult) *evaluation.LabResult {
	for i := range labs {
		code := strings.ToLower(labs[i].Code)
		if code == "2160-0" || strings.Contains(strings.ToLower(labs[i].Name), "creatinine") {
			return &labs[i]
		}
	}
	return nil
}
