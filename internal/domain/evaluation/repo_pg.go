package evaluation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type patientDataRepoPG struct{ pool *pgxpool.Pool }

func NewPatientDataRepoPG(pool *pgxpool.Pool) PatientDataRepository {
	return &patientDataRepoPG{pool: pool}
}

func (r *patientDataRepoPG) PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patient WHERE id = $1)`, patientID).Scan(&exists)
	return exists, err
}

const medicationCols = `id, name, code, dose, route, status, started_at`

func scanMedication(row pgx.Row) (Medication, error) {
	var m Medication
	err := row.Scan(&m.ID, &m.Name, &m.Code, &m.Dose, &m.Route, &m.Status, &m.StartedAt)
	return m, err
}

func (r *patientDataRepoPG) ActiveMedications(ctx context.Context, patientID uuid.UUID) ([]Medication, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+medicationCols+` FROM patient_medication
		WHERE patient_id = $1 AND status = 'active'
		ORDER BY started_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meds []Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

func (r *patientDataRepoPG) ActiveAllergies(ctx context.Context, patientID uuid.UUID) ([]Allergy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, substance, reaction, severity, status FROM patient_allergy
		WHERE patient_id = $1 AND status = 'active'
		ORDER BY substance`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allergies []Allergy
	for rows.Next() {
		var a Allergy
		if err := rows.Scan(&a.ID, &a.Substance, &a.Reaction, &a.Severity, &a.Status); err != nil {
			return nil, err
		}
		allergies = append(allergies, a)
	}
	return allergies, rows.Err()
}

func (r *patientDataRepoPG) ActiveConditions(ctx context.Context, patientID uuid.UUID) ([]Condition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, description, status, onset_at FROM patient_condition
		WHERE patient_id = $1 AND status = 'active'
		ORDER BY onset_at DESC NULLS LAST`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conditions []Condition
	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.ID, &c.Code, &c.Description, &c.Status, &c.OnsetAt); err != nil {
			return nil, err
		}
		conditions = append(conditions, c)
	}
	return conditions, rows.Err()
}

func (r *patientDataRepoPG) RecentLabs(ctx context.Context, patientID uuid.UUID, since time.Time, limit int) ([]LabResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, name, value, unit, abnormal, effective_at FROM patient_lab_result
		WHERE patient_id = $1 AND effective_at >= $2
		ORDER BY effective_at DESC
		LIMIT $3`, patientID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labs []LabResult
	for rows.Next() {
		var l LabResult
		if err := rows.Scan(&l.ID, &l.Code, &l.Name, &l.Value, &l.Unit, &l.Abnormal, &l.EffectiveAt); err != nil {
			return nil, err
		}
		labs = append(labs, l)
	}
	return labs, rows.Err()
}

func (r *patientDataRepoPG) CurrentEncounter(ctx context.Context, patientID uuid.UUID) (*EncounterMeta, error) {
	var e EncounterMeta
	err := r.pool.QueryRow(ctx, `
		SELECT id, class, location, started_at FROM patient_encounter
		WHERE patient_id = $1 AND ended_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1`, patientID).Scan(&e.ID, &e.Class, &e.Location, &e.StartedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
