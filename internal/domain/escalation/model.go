package escalation

import (
	"time"

	"github.com/google/uuid"
)

// Trigger types an escalation rule can listen for.
const (
	TriggerSLABreach         = "sla_breach"
	TriggerRiskScoreIncrease = "risk_score_increase"
	TriggerNoResponse        = "no_response"
	TriggerCriticalFinding   = "critical_finding"
	TriggerManual            = "manual_escalation"
)

// Escalation levels, in increasing order of urgency.
const (
	LevelTeamLead          = "team_lead"
	LevelDepartmentHead    = "department_head"
	LevelMedicalDirector   = "medical_director"
	LevelEmergencyResponse = "emergency_response"
)

// Notification channels a rule can request. Webhook delivery rides the
// dispatcher; the other channels go to the configured Sink.
const (
	ChannelWebhook = "webhook"
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelPush    = "push"
)

// RuleConditions is the typed predicate stored in the conditions column.
// Empty fields are wildcards. min_hours_without_response only applies to
// no_response rules and sets their response window.
type RuleConditions struct {
	MinRiskScore            *int     `json:"min_risk_score,omitempty"`
	Priorities              []string `json:"priorities,omitempty"`
	Categories              []string `json:"categories,omitempty"`
	AlertTypes              []string `json:"alert_types,omitempty"`
	MinHoursWithoutResponse int      `json:"min_hours_without_response,omitempty"`
}

// Match evaluates the predicate against an alert's coordinates. The risk
// score is passed separately because a risk_score_increase trigger is judged
// on the signal's new score, not the stored one.
func (c RuleConditions) Match(alertType, category, priority string, riskScore int) bool {
	if c.MinRiskScore != nil && riskScore < *c.MinRiskScore {
		return false
	}
	if len(c.Priorities) > 0 && !containsString(c.Priorities, priority) {
		return false
	}
	if len(c.Categories) > 0 && !containsString(c.Categories, category) {
		return false
	}
	if len(c.AlertTypes) > 0 && !containsString(c.AlertTypes, alertType) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// EscalationRule maps to the escalation_rule table. Rules are configured by
// operators and evaluated read-only by the engine; trigger_count is the only
// field the engine writes.
type EscalationRule struct {
	ID                   uuid.UUID      `db:"id" json:"id"`
	Name                 string         `db:"name" json:"name"`
	TriggerType          string         `db:"trigger_type" json:"trigger_type"`
	Conditions           RuleConditions `db:"conditions" json:"conditions"`
	EscalationLevel      string         `db:"escalation_level" json:"escalation_level"`
	NotificationChannels []string       `db:"notification_channels" json:"notification_channels"`
	RecipientRoles       []string       `db:"recipient_roles" json:"recipient_roles"`
	Active               bool           `db:"active" json:"active"`
	TriggerCount         int            `db:"trigger_count" json:"trigger_count"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// Escalation is one ledger row: rule X fired for alert Y on trigger instance
// Z. The (alert_id, rule_id, trigger_key) uniqueness of this table is what
// makes escalation idempotent per trigger occurrence. rule_id is nil for
// operator-driven escalations.
type Escalation struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	AlertID         uuid.UUID  `db:"alert_id" json:"alert_id"`
	RuleID          *uuid.UUID `db:"rule_id" json:"rule_id,omitempty"`
	TriggerType     string     `db:"trigger_type" json:"trigger_type"`
	TriggerKey      string     `db:"trigger_key" json:"trigger_key"`
	EscalationLevel string     `db:"escalation_level" json:"escalation_level"`
	Recipients      []string   `db:"recipients" json:"recipients"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// CareTeamMember is the recipient directory for role-based escalation.
type CareTeamMember struct {
	ID          uuid.UUID `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Role        string    `db:"role" json:"role"`
	Contact     string    `db:"contact" json:"contact"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ruleTriggerTypes are the triggers a rule can listen for. Manual
// escalations are operator decisions and never rule-driven.
var ruleTriggerTypes = map[string]bool{
	TriggerSLABreach:         true,
	TriggerRiskScoreIncrease: true,
	TriggerNoResponse:        true,
	TriggerCriticalFinding:   true,
}

var validLevels = map[string]bool{
	LevelTeamLead:          true,
	LevelDepartmentHead:    true,
	LevelMedicalDirector:   true,
	LevelEmergencyResponse: true,
}

var validChannels = map[string]bool{
	ChannelWebhook: true,
	ChannelEmail:   true,
	ChannelSMS:     true,
	ChannelPush:    true,
}
