package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence boundary for alerts and their workflow steps.
// Steps ride along with the alert because every step write is coupled to an
// alert write in the same transaction.
type Repository interface {
	// Create persists a new alert together with its alert_created step.
	Create(ctx context.Context, a *ClinicalAlert, initial *WorkflowStep) error

	// GetByID loads one alert. Returns ErrNotFound when the id is unknown.
	GetByID(ctx context.Context, id uuid.UUID) (*ClinicalAlert, error)

	// Search filters on exact-match params (status, priority, category,
	// assigned_to, subject_id, breached) and returns a page plus the total.
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ClinicalAlert, int, error)

	// ApplyTransition writes the updated alert row and appends the step in
	// one transaction, guarded by the expected version. Returns ErrConflict
	// when another writer got there first.
	ApplyTransition(ctx context.Context, a *ClinicalAlert, step *WorkflowStep, expectedVersion int) error

	// UpdateAssignee changes assigned_to under the same version guard.
	UpdateAssignee(ctx context.Context, id uuid.UUID, assignee *uuid.UUID, expectedVersion int) error

	// ListOverdueUnbreached returns open alerts whose deadline has passed but
	// whose breach flag is still clear, oldest deadline first.
	ListOverdueUnbreached(ctx context.Context, asOf time.Time, limit int) ([]*ClinicalAlert, error)

	// MarkBreached flips sla_breached and appends the marker step in one
	// transaction. The flip is conditional on the flag still being clear;
	// the boolean reports whether this call won the flip.
	MarkBreached(ctx context.Context, id uuid.UUID, step *WorkflowStep) (bool, error)

	// ListUnattended returns alerts still pending since before the cutoff.
	ListUnattended(ctx context.Context, before time.Time, limit int) ([]*ClinicalAlert, error)

	// ListSteps returns an alert's workflow steps, oldest first.
	ListSteps(ctx context.Context, alertID uuid.UUID) ([]*WorkflowStep, error)

	// CountOpen counts alerts not yet in a terminal status.
	CountOpen(ctx context.Context) (int64, error)
}
