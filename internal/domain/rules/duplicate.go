package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/cds/cds/internal/domain/evaluation"
)

// DuplicateTherapyRule flags two active medications with the same code, or
// the same normalized name when either lacks a code.
type DuplicateTherapyRule struct{}

func NewDuplicateTherapyRule() *DuplicateTherapyRule { return &DuplicateTherapyRule{} }

func (r *DuplicateTherapyRule) ID() string { return "duplicate-therapy" }

func (r *DuplicateTherapyRule) Applicable(ec *evaluation.EvaluationContext) bool {
	switch ec.Hook {
	case evaluation.HookMedicationPrescribe, evaluation.HookOrderSelect, evaluation.HookOrderSign:
		return len(ec.Medications) >= 2
	}
	return false
}

func (r *DuplicateTherapyRule) Evaluate(_ context.Context, ec *evaluation.EvaluationContext) (*evaluation.Alert, error) {
	seen := make(map[string]evaluation.Medication, len(ec.Medications))
	for _, med := range ec.Medications {
		key := medKey(med)
		prior, dup := seen[key]
		if !dup {
			seen[key] = med
			continue
		}
		detail := "Two active orders for the same therapy; review whether one should be discontinued."
		return &evaluation.Alert{
			RuleID:   r.ID(),
			Severity: evaluation.SeverityWarning,
			Category: "duplicate-therapy",
			Summary:  fmt.Sprintf("Duplicate active orders for %s", med.Name),
			Detail:   &detail,
			Evidence: []evaluation.Evidence{
				{Type: "medication", ID: prior.ID, Display: prior.Name},
				{Type: "medication", ID: med.ID, Display: med.Name},
			},
		}, nil
	}
	return nil, nil
}

func medKey(m evaluation.Medication) string {
	if m.Code != nil && *m.Code != "" {
		return "code:" + *m.Code
	}
	return "name:" + strings.ToLower(strings.TrimSpace(m.Name))
}
