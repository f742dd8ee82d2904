package rules

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type interactionRepoPG struct{ pool *pgxpool.Pool }

func NewInteractionRepoPG(pool *pgxpool.Pool) InteractionRepository {
	return &interactionRepoPG{pool: pool}
}

func (r *interactionRepoPG) ListActive(ctx context.Context) ([]InteractionPair, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, drug_a, drug_b, severity, description FROM drug_interaction
		WHERE active = true
		ORDER BY drug_a, drug_b`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []InteractionPair
	for rows.Next() {
		var p InteractionPair
		if err := rows.Scan(&p.ID, &p.DrugA, &p.DrugB, &p.Severity, &p.Description); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
