package rules

import (
	"context"
	"fmt"

	"github.com/cds/cds/internal/domain/evaluation"
)

const polypharmacyThreshold = 10

// PolypharmacyRule raises an informational alert when the active medication
// list is long enough to warrant a review. Runs on chart-open and encounter
// hooks rather than at prescribing time.
type PolypharmacyRule struct{}

func NewPolypharmacyRule() *PolypharmacyRule { return &PolypharmacyRule{} }

func (r *PolypharmacyRule) ID() string { return "polypharmacy" }

func (r *PolypharmacyRule) Applicable(ec *evaluation.EvaluationContext) bool {
	switch ec.Hook {
	case evaluation.HookPatientView, evaluation.HookEncounterStart, evaluation.HookEncounterDischarge:
		return len(ec.Medications) >= polypharmacyThreshold
	}
	return false
}

func (r *PolypharmacyRule) Evaluate(_ context.Context, ec *evaluation.EvaluationContext) (*evaluation.Alert, error) {
	detail := fmt.Sprintf(
		"Patient has %d active medications (review threshold %d). Consider a medication reconciliation.",
		len(ec.Medications), polypharmacyThreshold)
	return &evaluation.Alert{
		RuleID:   r.ID(),
		Severity: evaluation.SeverityInfo,
		Category: "polypharmacy",
		Summary:  fmt.Sprintf("%d active medications on file", len(ec.Medications)),
		Detail:   &detail,
	}, nil
}
