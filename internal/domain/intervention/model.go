package intervention

import (
	"time"

	"github.com/google/uuid"
)

// InterventionTemplate is a reusable care playbook matched to alerts by
// clinical category and risk level. An empty risk_category or risk_level acts
// as a wildcard.
type InterventionTemplate struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	Name                string    `db:"name" json:"name"`
	RiskCategory        string    `db:"risk_category" json:"risk_category"`
	RiskLevel           string    `db:"risk_level" json:"risk_level"`
	RecommendedActions  []string  `db:"recommended_actions" json:"recommended_actions"`
	Resources           []string  `db:"resources" json:"resources"`
	ExpectedOutcome     string    `db:"expected_outcome" json:"expected_outcome"`
	TypicalDurationDays int       `db:"typical_duration_days" json:"typical_duration_days"`
	UsageCount          int       `db:"usage_count" json:"usage_count"`
	Active              bool      `db:"active" json:"active"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// Specificity counts the template's non-wildcard match fields. A template
// pinned to both category and level beats a category-only one, which beats a
// catch-all.
func (t *InterventionTemplate) Specificity() int {
	n := 0
	if t.RiskCategory != "" {
		n++
	}
	if t.RiskLevel != "" {
		n++
	}
	return n
}
