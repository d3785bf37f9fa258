package intervention

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence boundary for intervention templates.
type Repository interface {
	Create(ctx context.Context, t *InterventionTemplate) error

	// GetByID loads one template. Returns ErrNotFound when the id is unknown.
	GetByID(ctx context.Context, id uuid.UUID) (*InterventionTemplate, error)

	// List filters on exact-match params (risk_category, risk_level, active)
	// and returns a page plus the total.
	List(ctx context.Context, params map[string]string, limit, offset int) ([]*InterventionTemplate, int, error)

	Update(ctx context.Context, t *InterventionTemplate) error

	// Deactivate retires a template without losing its usage history.
	Deactivate(ctx context.Context, id uuid.UUID) error

	// ListActiveMatching returns active templates whose category and level
	// either match exactly or are wildcards, ordered oldest first with the id
	// as tiebreak so matching stays deterministic.
	ListActiveMatching(ctx context.Context, category, level string) ([]*InterventionTemplate, error)

	// IncrementUsage atomically bumps usage_count.
	IncrementUsage(ctx context.Context, id uuid.UUID) error
}
