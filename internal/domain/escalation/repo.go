package escalation

import (
	"context"

	"github.com/google/uuid"
)

// Repository covers escalation rules, the escalation ledger, and the care
// team directory. The ledger insert is the concurrency-critical path: it must
// report whether the row was actually written so callers can distinguish a
// first fire from a replay.
type Repository interface {
	CreateRule(ctx context.Context, r *EscalationRule) error
	GetRule(ctx context.Context, id uuid.UUID) (*EscalationRule, error)
	ListRules(ctx context.Context, params map[string]string, limit, offset int) ([]*EscalationRule, int, error)
	ListActiveRulesByTrigger(ctx context.Context, triggerType string) ([]*EscalationRule, error)
	UpdateRule(ctx context.Context, r *EscalationRule) error
	DeactivateRule(ctx context.Context, id uuid.UUID) error
	IncrementTriggerCount(ctx context.Context, id uuid.UUID) error

	// InsertEscalation writes one ledger row. It returns false with a nil
	// error when an identical (alert, rule, trigger key) row already exists.
	InsertEscalation(ctx context.Context, e *Escalation) (bool, error)
	ListEscalationsByAlert(ctx context.Context, alertID uuid.UUID) ([]*Escalation, error)

	CreateMember(ctx context.Context, m *CareTeamMember) error
	GetMember(ctx context.Context, id uuid.UUID) (*CareTeamMember, error)
	UpdateMember(ctx context.Context, m *CareTeamMember) error
	ListMembers(ctx context.Context, params map[string]string, limit, offset int) ([]*CareTeamMember, int, error)
	ListActiveMembersByRoles(ctx context.Context, roles []string) ([]*CareTeamMember, error)
}
