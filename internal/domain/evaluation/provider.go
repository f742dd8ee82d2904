package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPatientNotFound means the patient identifier resolves to nothing.
	// Surfaced to the caller; evaluation cannot proceed.
	ErrPatientNotFound = errors.New("patient not found")

	// ErrDataSourceUnavailable means the clinical store could not be read.
	// Surfaced to the caller rather than evaluating against partial data.
	ErrDataSourceUnavailable = errors.New("clinical data source unavailable")

	// ErrUnknownHook means the request named a hook type the engine does
	// not recognize.
	ErrUnknownHook = errors.New("unknown hook type")
)

// ContextProvider assembles a fresh EvaluationContext for each request from
// the clinical store. All-or-nothing: any read failure aborts the build so
// rules never see a partially loaded patient.
type ContextProvider struct {
	repo        PatientDataRepository
	labLookback time.Duration
	labLimit    int
	now         func() time.Time
}

func NewContextProvider(repo PatientDataRepository, labLookback time.Duration) *ContextProvider {
	return &ContextProvider{
		repo:        repo,
		labLookback: labLookback,
		labLimit:    200,
		now:         time.Now,
	}
}

// Build fetches the patient's clinical data and returns a context for hook.
// Returns ErrPatientNotFound or ErrDataSourceUnavailable (wrapped) on
// failure; never a partial context.
func (p *ContextProvider) Build(ctx context.Context, patientID uuid.UUID, hook HookType) (*EvaluationContext, error) {
	exists, err := p.repo.PatientExists(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("%w: checking patient: %v", ErrDataSourceUnavailable, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
	}

	ec := &EvaluationContext{PatientID: patientID, Hook: hook}

	if ec.Medications, err = p.repo.ActiveMedications(ctx, patientID); err != nil {
		return nil, fmt.Errorf("%w: medications: %v", ErrDataSourceUnavailable, err)
	}
	if ec.Allergies, err = p.repo.ActiveAllergies(ctx, patientID); err != nil {
		return nil, fmt.Errorf("%w: allergies: %v", ErrDataSourceUnavailable, err)
	}
	if ec.Conditions, err = p.repo.ActiveConditions(ctx, patientID); err != nil {
		return nil, fmt.Errorf("%w: conditions: %v", ErrDataSourceUnavailable, err)
	}
	since := p.now().Add(-p.labLookback)
	if ec.Labs, err = p.repo.RecentLabs(ctx, patientID, since, p.labLimit); err != nil {
		return nil, fmt.Errorf("%w: labs: %v", ErrDataSourceUnavailable, err)
	}
	enc, err := p.repo.CurrentEncounter(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("%w: encounter: %v", ErrDataSourceUnavailable, err)
	}
	if enc != nil {
		ec.Encounter = *enc
	}

	return ec, nil
}
