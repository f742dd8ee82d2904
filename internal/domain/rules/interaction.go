package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/cds/cds/internal/domain/evaluation"
)

// DrugInteractionRule flags pairs of active medications known to interact.
// The knowledge base is loaded once at construction and indexed by
// normalized name pair, so evaluation is a map lookup per pair.
type DrugInteractionRule struct {
	pairs map[[2]string]InteractionPair
}

func NewDrugInteractionRule(pairs []InteractionPair) *DrugInteractionRule {
	indexed := make(map[[2]string]InteractionPair, len(pairs))
	for _, p := range pairs {
		indexed[pairKey(p.DrugA, p.DrugB)] = p
	}
	return &DrugInteractionRule{pairs: indexed}
}

func (r *DrugInteractionRule) ID() string { return "drug-interaction" }

func (r *DrugInteractionRule) Applicable(ec *evaluation.EvaluationContext) bool {
	switch ec.Hook {
	case evaluation.HookMedicationPrescribe, evaluation.HookOrderSelect, evaluation.HookOrderSign:
		return len(ec.Medications) >= 2
	}
	return false
}

func (r *DrugInteractionRule) Evaluate(_ context.Context, ec *evaluation.EvaluationContext) (*evaluation.Alert, error) {
	meds := ec.Medications
	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			pair, ok := r.pairs[pairKey(meds[i].Name, meds[j].Name)]
			if !ok {
				continue
			}
			detail := pair.Description
			return &evaluation.Alert{
				RuleID:   r.ID(),
				Severity: severityFrom(pair.Severity),
				Category: "drug-interaction",
				Summary:  fmt.Sprintf("%s interacts with %s", meds[i].Name, meds[j].Name),
				Detail:   &detail,
				Evidence: []evaluation.Evidence{
					{Type: "medication", ID: meds[i].ID, Display: meds[i].Name},
					{Type: "medication", ID: meds[j].ID, Display: meds[j].Name},
				},
			}, nil
		}
	}
	return nil, nil
}

// pairKey normalizes drug names and orders the pair so (a,b) and (b,a)
// index the same entry.
func pairKey(a, b string) [2]string {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func severityFrom(s string) evaluation.Severity {
	switch strings.ToLower(s) {
	case "critical", "contraindicated", "major":
		return evaluation.SeverityCritical
	case "warning", "moderate":
		return evaluation.SeverityWarning
	default:
		return evaluation.SeverityInfo
	}
}
