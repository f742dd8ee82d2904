package evaluation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PatientDataRepository reads the clinical source-of-truth tables that feed
// an evaluation context. Implementations are read-only; the engine never
// writes patient data.
type PatientDataRepository interface {
	PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error)
	ActiveMedications(ctx context.Context, patientID uuid.UUID) ([]Medication, error)
	ActiveAllergies(ctx context.Context, patientID uuid.UUID) ([]Allergy, error)
	ActiveConditions(ctx context.Context, patientID uuid.UUID) ([]Condition, error)
	// RecentLabs returns results with effective_at >= since, newest first,
	// capped at limit rows.
	RecentLabs(ctx context.Context, patientID uuid.UUID, since time.Time, limit int) ([]LabResult, error)
	// CurrentEncounter returns the open encounter, or nil when none is open.
	CurrentEncounter(ctx context.Context, patientID uuid.UUID) (*EncounterMeta, error)
}
