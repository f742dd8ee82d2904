package rules

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cds/cds/internal/domain/evaluation"
)

func med(name string) evaluation.Medication {
	return evaluation.Medication{ID: uuid.New(), Name: name, Status: "active", StartedAt: time.Now()}
}

func medWithCode(name, code string) evaluation.Medication {
	m := med(name)
	m.Code = &code
	return m
}

func prescribeContext(meds ...evaluation.Medication) *evaluation.EvaluationContext {
	return &evaluation.EvaluationContext{
		PatientID:   uuid.New(),
		Hook:        evaluation.HookMedicationPrescribe,
		Medications: meds,
	}
}

// ── Drug interaction ──

func warfarinAspirin() []InteractionPair {
	return []InteractionPair{{
		ID:          uuid.New(),
		DrugA:       "Warfarin",
		DrugB:       "Aspirin",
		Severity:    "critical",
		Description: "Concurrent use increases bleeding risk.",
	}}
}

func TestDrugInteractionFires(t *testing.T) {
	rule := NewDrugInteractionRule(warfarinAspirin())
	ec := prescribeContext(med("warfarin"), med("aspirin"))

	if !rule.Applicable(ec) {
		t.Fatal("rule not applicable to prescribe with two medications")
	}
	alert, err := rule.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if alert == nil {
		t.Fatal("known interacting pair produced no alert")
	}
	if alert.Severity != evaluation.SeverityCritical {
		t.Errorf("severity = %s, want critical", alert.Severity)
	}
	if len(alert.Evidence) != 2 {
		t.Errorf("evidence = %d entries, want both medications", len(alert.Evidence))
	}
}

func TestDrugInteractionOrderInsensitive(t *testing.T) {
	rule := NewDrugInteractionRule(warfarinAspirin())
	ec := prescribeContext(med("Aspirin"), med("Warfarin"))

	alert, err := rule.Evaluate(context.Background(), ec)
	if err != nil || alert == nil {
		t.Fatalf("reversed pair: alert = %v, err = %v; want alert", alert, err)
	}
}

func TestDrugInteractionNoPair(t *testing.T) {
	rule := NewDrugInteractionRule(warfarinAspirin())
	ec := prescribeContext(med("warfarin"), med("metformin"))

	alert, err := rule.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if alert != nil {
		t.Fatalf("non-interacting pair produced alert %+v", alert)
	}
}

func TestDrugInteractionNotApplicableOnPatientView(t *testing.T) {
	rule := NewDrugInteractionRule(warfarinAspirin())
	ec := prescribeContext(med("warfarin"), med("aspirin"))
	ec.Hook = evaluation.HookPatientView
	if rule.Applicable(ec) {
		t.Error("interaction rule applicable on patient-view, want prescribe hooks only")
	}
}

// ── Allergy conflict ──

func TestAllergyConflictFires(t *testing.T) {
	rule := NewAllergyConflictRule()
	reaction := "anaphylaxis"
	ec := prescribeContext(med("Penicillin V"))
	ec.Allergies = []evaluation.Allergy{
		{ID: uuid.New(), Substance: "penicillin", Reaction: &reaction, Status: "active"},
	}

	if !rule.Applicable(ec) {
		t.Fatal("rule not applicable with medication and allergy present")
	}
	alert, err := rule.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if alert == nil {
		t.Fatal("allergy match produced no alert")
	}
	if alert.Severity != evaluation.SeverityCritical {
		t.Errorf("severity = %s, want critical", alert.Severity)
	}
}

func TestAllergyConflictNoMatch(t *testing.T) {
	rule := NewAllergyConflictRule()
	ec := prescribeContext(med("Metformin"))
	ec.Allergies = []evaluation.Allergy{
		{ID: uuid.New(), Substance: "latex", Status: "active"},
	}
	alert, _ := rule.Evaluate(context.Background(), ec)
	if alert != nil {
		t.Fatalf("unrelated allergy produced alert %+v", alert)
	}
}

// ── Duplicate therapy ──

func TestDuplicateTherapyByCode(t *testing.T) {
	rule := NewDuplicateTherapyRule()
	ec := prescribeContext(
		medWithCode("Metformin 500mg", "6809"),
		medWithCode("Metformin ER 750mg", "6809"),
	)
	alert, err := rule.Evaluate(context.Background(), ec)
	if err != nil || alert == nil {
		t.Fatalf("same-code medications: alert = %v, err = %v; want alert", alert, err)
	}
	if len(alert.Evidence) != 2 {
		t.Errorf("evidence = %d entries, want 2", len(alert.Evidence))
	}
}

func TestDuplicateTherapyByName(t *testing.T) {
	rule := NewDuplicateTherapyRule()
	ec := prescribeContext(med("Lisinopril"), med("lisinopril"))
	alert, _ := rule.Evaluate(context.Background(), ec)
	if alert == nil {
		t.Fatal("case-insensitive duplicate name produced no alert")
	}
}

func TestDuplicateTherapyDistinctMedications(t *testing.T) {
	rule := NewDuplicateTherapyRule()
	ec := prescribeContext(med("Lisinopril"), med("Metformin"))
	alert, _ := rule.Evaluate(context.Background(), ec)
	if alert != nil {
		t.Fatalf("distinct medications produced alert %+v", alert)
	}
}

// ── Renal dosing ──

func creatinine(value float64, effective time.Time) evaluation.LabResult {
	return evaluation.LabResult{
		ID:          uuid.New(),
		Code:        "2160-0",
		Name:        "Creatinine [Mass/volume] in Serum or Plasma",
		Value:       value,
		Abnormal:    value > creatinineThreshold,
		EffectiveAt: effective,
	}
}

func TestRenalDosingFires(t *testing.T) {
	rule := NewRenalDosingRule()
	ec := prescribeContext(med("Metformin 500mg"))
	ec.Labs = []evaluation.LabResult{creatinine(2.1, time.Now())}

	if !rule.Applicable(ec) {
		t.Fatal("rule not applicable with medication and lab present")
	}
	alert, err := rule.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if alert == nil {
		t.Fatal("elevated creatinine with metformin produced no alert")
	}
}

func TestRenalDosingUsesLatestCreatinine(t *testing.T) {
	rule := NewRenalDosingRule()
	ec := prescribeContext(med("Metformin 500mg"))
	// Labs arrive newest first; the recovered value wins.
	ec.Labs = []evaluation.LabResult{
		creatinine(1.0, time.Now()),
		creatinine(2.5, time.Now().Add(-30*24*time.Hour)),
	}
	alert, _ := rule.Evaluate(context.Background(), ec)
	if alert != nil {
		t.Fatalf("normal latest creatinine produced alert %+v", alert)
	}
}

func TestRenalDosingNoCreatinineNoAlert(t *testing.T) {
	rule := NewRenalDosingRule()
	ec := prescribeContext(med("Metformin 500mg"))
	ec.Labs = []evaluation.LabResult{{
		ID: uuid.New(), Code: "718-7", Name: "Hemoglobin", Value: 14, EffectiveAt: time.Now(),
	}}
	alert, _ := rule.Evaluate(context.Background(), ec)
	if alert != nil {
		t.Fatalf("missing creatinine produced alert %+v", alert)
	}
}

// ── Polypharmacy ──

func TestPolypharmacy(t *testing.T) {
	rule := NewPolypharmacyRule()

	few := &evaluation.EvaluationContext{Hook: evaluation.HookPatientView}
	for i := 0; i < polypharmacyThreshold-1; i++ {
		few.Medications = append(few.Medications, med("drug"))
	}
	if rule.Applicable(few) {
		t.Error("rule applicable below the medication threshold")
	}

	many := &evaluation.EvaluationContext{Hook: evaluation.HookPatientView}
	for i := 0; i < polypharmacyThreshold; i++ {
		many.Medications = append(many.Medications, med("drug"))
	}
	if !rule.Applicable(many) {
		t.Fatal("rule not applicable at the medication threshold")
	}
	alert, err := rule.Evaluate(context.Background(), many)
	if err != nil || alert == nil {
		t.Fatalf("alert = %v, err = %v; want info alert", alert, err)
	}
	if alert.Severity != evaluation.SeverityInfo {
		t.Errorf("severity = %s, want info", alert.Severity)
	}

	many.Hook = evaluation.HookMedicationPrescribe
	if rule.Applicable(many) {
		t.Error("rule applicable at prescribe time, want chart and encounter hooks only")
	}
}
