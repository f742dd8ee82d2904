package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/cds/cds/internal/domain/evaluation"
)

// AllergyConflictRule flags an active medication whose name contains a
// substance the patient is allergic to. Substring match on normalized
// names; coded cross-sensitivity mapping is out of scope for this rule.
type AllergyConflictRule struct{}

func NewAllergyConflictRule() *AllergyConflictRule { return &AllergyConflictRule{} }

func (r *AllergyConflictRule) ID() string { return "allergy-conflict" }

func (r *AllergyConflictRule) Applicable(ec *evaluation.EvaluationContext) bool {
	switch ec.Hook {
	case evaluation.HookMedicationPrescribe, evaluation.HookOrderSelect, evaluation.HookOrderSign:
		return len(ec.Medications) > 0 && len(ec.Allergies) > 0
	}
	return false
}

func (r *AllergyConflictRule) Evaluate(_ context.Context, ec *evaluation.EvaluationContext) (*evaluation.Alert, error) {
	for _, med := range ec.Medications {
		medName := strings.ToLower(med.Name)
		for _, allergy := range ec.Allergies {
			substance := strings.ToLower(strings.TrimSpace(allergy.Substance))
			if substance == "" || !strings.Contains(medName, substance) {
				continue
			}
			detail := fmt.Sprintf("Patient has a documented allergy to %s.", allergy.Substance)
			if allergy.Reaction != nil {
				detail = fmt.Sprintf("%s Documented reaction: %s.", detail, *allergy.Reaction)
			}
			return &evaluation.Alert{
				RuleID:   r.ID(),
				Severity: evaluation.SeverityCritical,
				Category: "allergy",
				Summary:  fmt.Sprintf("%s conflicts with documented %s allergy", med.Name, allergy.Substance),
				Detail:   &detail,
				Evidence: []evaluation.Evidence{
					{Type: "medication", ID: med.ID, Display: med.Name},
					{Type: "allergy", ID: allergy.ID, Display: allergy.Substance},
				},
			}, nil
		}
	}
	return nil, nil
}
