package rules

import (
	"context"

	"github.com/google/uuid"
)

// InteractionPair is one entry in the drug interaction knowledge base.
// Drug names are matched case-insensitively against the medication list.
type InteractionPair struct {
	ID          uuid.UUID `json:"id"`
	DrugA       string    `json:"drug_a"`
	DrugB       string    `json:"drug_b"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
}

// InteractionRepository reads the interaction knowledge base. Loaded once
// at startup; the table changes through out-of-band curation, not through
// this service.
type InteractionRepository interface {
	ListActive(ctx context.Context) ([]InteractionPair, error)
}
