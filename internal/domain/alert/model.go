package alert

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lifecycle statuses for a clinical alert.
const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusInProgress   = "in_progress"
	StatusEscalated    = "escalated"
	StatusResolved     = "resolved"
	StatusDismissed    = "dismissed"
)

// Priorities, lowest to highest.
const (
	PriorityLow       = "low"
	PriorityMedium    = "medium"
	PriorityHigh      = "high"
	PriorityUrgent    = "urgent"
	PriorityEmergency = "emergency"
)

// Alert types describe what the risk engine observed.
const (
	TypeRiskThreshold     = "risk_threshold"
	TypeRiskTrend         = "risk_trend"
	TypePopulationOutlier = "population_outlier"
	TypeCombinedFactors   = "combined_factors"
	TypeFollowUpDue       = "follow_up_due"
)

// Clinical categories.
const (
	CategoryCardiovascular      = "cardiovascular"
	CategoryMentalHealth        = "mental_health"
	CategoryRespiratory         = "respiratory"
	CategoryMetabolic           = "metabolic"
	CategoryOncology            = "oncology"
	CategoryMaternalCare        = "maternal_care"
	CategoryMedicationAdherence = "medication_adherence"
	CategoryPreventiveCare      = "preventive_care"
)

// Workflow step actions.
const (
	ActionAlertCreated        = "alert_created"
	ActionAcknowledged        = "acknowledged"
	ActionAssessmentScheduled = "assessment_scheduled"
	ActionInterventionPlanned = "intervention_planned"
	ActionPatientContacted    = "patient_contacted"
	ActionFollowUpScheduled   = "follow_up_scheduled"
	ActionEscalated           = "escalated_to_specialist"
	ActionResolved            = "resolved"
	ActionClosedNoAction      = "closed_no_action"
	ActionSLABreachDetected   = "sla_breach_detected"
)

// Workflow step outcomes.
const (
	OutcomePending             = "pending"
	OutcomeSuccessful          = "successful"
	OutcomePartiallySuccessful = "partially_successful"
	OutcomeUnsuccessful        = "unsuccessful"
	OutcomePatientDeclined     = "patient_declined"
	OutcomeNotApplicable       = "not_applicable"
)

// Risk scores are normalized to this band by the risk engine.
const (
	MinRiskScore = 0
	MaxRiskScore = 100
)

// RiskFactorSchemaVersion is the envelope version this build reads and writes.
const RiskFactorSchemaVersion = 1

// RiskFactor is one contributing factor from the risk engine.
type RiskFactor struct {
	Code        string  `json:"code"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight"`
}

// RiskFactorSet is the versioned envelope stored in the risk_factors column.
// The envelope is validated whenever it crosses the storage boundary so a
// schema bump can never be misread silently.
type RiskFactorSet struct {
	SchemaVersion int          `json:"schema_version"`
	Factors       []RiskFactor `json:"factors"`
}

// Validate checks the envelope version and factor codes.
func (s RiskFactorSet) Validate() error {
	if s.SchemaVersion != RiskFactorSchemaVersion {
		return fmt.Errorf("unsupported risk factor schema version %d", s.SchemaVersion)
	}
	for i, f := range s.Factors {
		if f.Code == "" {
			return fmt.Errorf("risk factor %d: code is required", i)
		}
	}
	return nil
}

// ClinicalAlert maps to the clinical_alert table. Alerts are never physically
// deleted; a terminal status is the tombstone.
type ClinicalAlert struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	SubjectID      uuid.UUID     `db:"subject_id" json:"subject_id"`
	SourceID       uuid.UUID     `db:"source_id" json:"source_id"`
	AlertType      string        `db:"alert_type" json:"alert_type"`
	Category       string        `db:"category" json:"category"`
	Priority       string        `db:"priority" json:"priority"`
	RiskScore      int           `db:"risk_score" json:"risk_score"`
	RiskFactors    RiskFactorSet `db:"risk_factors" json:"risk_factors"`
	Status         string        `db:"status" json:"status"`
	SLAHours       int           `db:"sla_hours" json:"sla_hours"`
	SLADeadline    time.Time     `db:"sla_deadline" json:"sla_deadline"`
	SLABreached    bool          `db:"sla_breached" json:"sla_breached"`
	AssignedTo     *uuid.UUID    `db:"assigned_to" json:"assigned_to,omitempty"`
	Version        int           `db:"version" json:"version"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
	AcknowledgedAt *time.Time    `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	StartedAt      *time.Time    `db:"started_at" json:"started_at,omitempty"`
	ResolvedAt     *time.Time    `db:"resolved_at" json:"resolved_at,omitempty"`
	EscalatedAt    *time.Time    `db:"escalated_at" json:"escalated_at,omitempty"`
}

// IsTerminal reports whether the alert's lifecycle is closed.
func (a *ClinicalAlert) IsTerminal() bool { return IsTerminalStatus(a.Status) }

// GetVersion returns the current version.
func (a *ClinicalAlert) GetVersion() int { return a.Version }

// SetVersion sets the current version.
func (a *ClinicalAlert) SetVersion(v int) { a.Version = v }

// WorkflowStep maps to the workflow_step table. Steps are append-only and
// immutable; alert_status holds the alert status in force after the step, so
// the current status is always readable from the latest step.
type WorkflowStep struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	AlertID     uuid.UUID         `db:"alert_id" json:"alert_id"`
	ActionType  string            `db:"action_type" json:"action_type"`
	Actor       string            `db:"actor" json:"actor"`
	AlertStatus string            `db:"alert_status" json:"alert_status"`
	Outcome     string            `db:"outcome" json:"outcome"`
	Notes       *string           `db:"notes" json:"notes,omitempty"`
	Metadata    map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
}

// MetadataTemplateKey is the workflow step metadata key carrying an
// intervention template reference.
const MetadataTemplateKey = "template_id"

// transitions is the explicit state machine table: current status → set of
// reachable statuses. Resolution requires work to have started, so pending
// never reaches resolved directly.
var transitions = map[string]map[string]bool{
	StatusPending:      {StatusAcknowledged: true, StatusEscalated: true, StatusDismissed: true},
	StatusAcknowledged: {StatusInProgress: true, StatusEscalated: true, StatusDismissed: true},
	StatusInProgress:   {StatusResolved: true, StatusEscalated: true, StatusDismissed: true},
	StatusEscalated:    {StatusInProgress: true, StatusResolved: true, StatusDismissed: true},
}

// CanTransition reports whether the state machine allows moving from one
// status to another. Terminal statuses have no outgoing edges.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}

// IsTerminalStatus reports whether a status closes the lifecycle.
func IsTerminalStatus(status string) bool {
	return status == StatusResolved || status == StatusDismissed
}

// actionTargets maps caller-driven workflow actions to the status each one
// puts the alert in. alert_created and sla_breach_detected are absent: the
// first is factory-only, the second never changes status.
var actionTargets = map[string]string{
	ActionAcknowledged:        StatusAcknowledged,
	ActionAssessmentScheduled: StatusInProgress,
	ActionInterventionPlanned: StatusInProgress,
	ActionPatientContacted:    StatusInProgress,
	ActionFollowUpScheduled:   StatusInProgress,
	ActionEscalated:           StatusEscalated,
	ActionResolved:            StatusResolved,
	ActionClosedNoAction:      StatusDismissed,
}

// TargetStatus returns the status a workflow action drives the alert to.
func TargetStatus(action string) (string, bool) {
	s, ok := actionTargets[action]
	return s, ok
}

// repeatableStatuses can absorb another step targeting the same status:
// multiple progress actions while in_progress, or a second escalation while
// already escalated. Other self-moves (double acknowledge) are invalid.
var repeatableStatuses = map[string]bool{
	StatusInProgress: true,
	StatusEscalated:  true,
}

var validAlertTypes = map[string]bool{
	TypeRiskThreshold:     true,
	TypeRiskTrend:         true,
	TypePopulationOutlier: true,
	TypeCombinedFactors:   true,
	TypeFollowUpDue:       true,
}

var validCategories = map[string]bool{
	CategoryCardiovascular:      true,
	CategoryMentalHealth:        true,
	CategoryRespiratory:         true,
	CategoryMetabolic:           true,
	CategoryOncology:            true,
	CategoryMaternalCare:        true,
	CategoryMedicationAdherence: true,
	CategoryPreventiveCare:      true,
}

var validPriorities = map[string]bool{
	PriorityLow:       true,
	PriorityMedium:    true,
	PriorityHigh:      true,
	PriorityUrgent:    true,
	PriorityEmergency: true,
}

var validOutcomes = map[string]bool{
	OutcomePending:             true,
	OutcomeSuccessful:          true,
	OutcomePartiallySuccessful: true,
	OutcomeUnsuccessful:        true,
	OutcomePatientDeclined:     true,
	OutcomeNotApplicable:       true,
}

// ValidAlertType reports whether s is a recognized alert type.
func ValidAlertType(s string) bool { return validAlertTypes[s] }

// ValidCategory reports whether s is a recognized clinical category.
func ValidCategory(s string) bool { return validCategories[s] }

// ValidPriority reports whether s is a recognized priority.
func ValidPriority(s string) bool { return validPriorities[s] }

// ValidOutcome reports whether s is a recognized step outcome.
func ValidOutcome(s string) bool { return validOutcomes[s] }
