package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caresignal/caresignal/internal/platform/events"
)

// Sentinel errors for alert operations. Handlers map them onto HTTP status
// codes with errors.Is, so wrap them rather than replacing them.
var (
	ErrInvalidInput      = errors.New("invalid alert input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("version conflict")
	ErrNotFound          = errors.New("not found")
)

// Publisher pushes lifecycle events onto the internal stream.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// UsageRecorder counts intervention template usage. Wired in after
// construction; nil means template usage is not tracked.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, templateID uuid.UUID) error
}

// priorityRank orders priorities for the category bump.
var priorityRank = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent, PriorityEmergency}

// PriorityForScore derives priority from the risk score band, then bumps one
// level for mental_health. The same inputs always yield the same priority;
// whatever the caller put in the priority field is ignored.
func PriorityForScore(score int, category string) string {
	var p string
	switch {
	case score >= 90:
		p = PriorityUrgent
	case score >= 70:
		p = PriorityHigh
	case score >= 40:
		p = PriorityMedium
	default:
		p = PriorityLow
	}
	if category == CategoryMentalHealth {
		for i, r := range priorityRank {
			if r == p && i < len(priorityRank)-1 {
				p = priorityRank[i+1]
				break
			}
		}
	}
	return p
}

// slaDefaults is the response budget per priority, in hours.
var slaDefaults = map[string]int{
	PriorityEmergency: 1,
	PriorityUrgent:    4,
	PriorityHigh:      24,
	PriorityMedium:    72,
	PriorityLow:       168,
}

// slaOverrides tightens budgets for categories that cannot wait.
var slaOverrides = map[string]map[string]int{
	CategoryMentalHealth: {
		PriorityEmergency: 1,
		PriorityUrgent:    2,
		PriorityHigh:      12,
		PriorityMedium:    48,
		PriorityLow:       72,
	},
}

// SLAHoursFor returns the response budget for a category and priority. The
// category table wins; unknown combinations fall back to the priority row.
func SLAHoursFor(category, priority string) int {
	if byPriority, ok := slaOverrides[category]; ok {
		if h, ok := byPriority[priority]; ok {
			return h
		}
	}
	if h, ok := slaDefaults[priority]; ok {
		return h
	}
	return slaDefaults[PriorityLow]
}

// statusEvents maps a reached status to the event published for it.
var statusEvents = map[string]string{
	StatusAcknowledged: events.AlertAcknowledged,
	StatusInProgress:   events.AlertStarted,
	StatusEscalated:    events.AlertEscalated,
	StatusResolved:     events.AlertResolved,
	StatusDismissed:    events.AlertDismissed,
}

// Service coordinates the alert lifecycle: creation, workflow transitions,
// assignment and risk-engine signals.
type Service struct {
	repo      Repository
	publisher Publisher
	usage     UsageRecorder
}

// NewService creates an alert service. publisher may be nil in tests.
func NewService(repo Repository, publisher Publisher) *Service {
	return &Service{repo: repo, publisher: publisher}
}

// SetUsageRecorder wires the intervention template usage counter.
func (s *Service) SetUsageRecorder(u UsageRecorder) {
	s.usage = u
}

func (s *Service) publish(ctx context.Context, eventType string, a *ClinicalAlert, triggerKey string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, events.New(eventType, a.ID.String(), triggerKey, events.AlertSnapshot{
		Priority:  a.Priority,
		Category:  a.Category,
		Status:    a.Status,
		RiskScore: a.RiskScore,
	}))
}

// Create validates risk-engine input, derives priority and the SLA deadline,
// and persists the alert in status pending together with its alert_created
// step. Priority is always derived; sla_hours may be supplied explicitly.
func (s *Service) Create(ctx context.Context, a *ClinicalAlert, actor string) error {
	if a.SubjectID == uuid.Nil {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidInput)
	}
	if a.SourceID == uuid.Nil {
		return fmt.Errorf("%w: source_id is required", ErrInvalidInput)
	}
	if !validAlertTypes[a.AlertType] {
		return fmt.Errorf("%w: unknown alert_type %q", ErrInvalidInput, a.AlertType)
	}
	if !validCategories[a.Category] {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, a.Category)
	}
	if a.RiskScore < MinRiskScore || a.RiskScore > MaxRiskScore {
		return fmt.Errorf("%w: risk_score %d outside [%d, %d]", ErrInvalidInput, a.RiskScore, MinRiskScore, MaxRiskScore)
	}
	if a.SLAHours < 0 {
		return fmt.Errorf("%w: sla_hours must be positive", ErrInvalidInput)
	}
	if a.RiskFactors.SchemaVersion == 0 && len(a.RiskFactors.Factors) == 0 {
		a.RiskFactors.SchemaVersion = RiskFactorSchemaVersion
	}
	if a.RiskFactors.Factors == nil {
		a.RiskFactors.Factors = []RiskFactor{}
	}
	if err := a.RiskFactors.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	now := time.Now().UTC()
	a.ID = uuid.New()
	a.Priority = PriorityForScore(a.RiskScore, a.Category)
	a.Status = StatusPending
	if a.SLAHours == 0 {
		a.SLAHours = SLAHoursFor(a.Category, a.Priority)
	}
	a.SLADeadline = now.Add(time.Duration(a.SLAHours) * time.Hour)
	a.SLABreached = false
	a.AssignedTo = nil
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	a.AcknowledgedAt, a.StartedAt, a.ResolvedAt, a.EscalatedAt = nil, nil, nil, nil

	step := &WorkflowStep{
		AlertID:     a.ID,
		ActionType:  ActionAlertCreated,
		Actor:       actor,
		AlertStatus: StatusPending,
		Outcome:     OutcomeNotApplicable,
		Metadata:    map[string]string{},
		CreatedAt:   now,
	}
	if err := s.repo.Create(ctx, a, step); err != nil {
		return err
	}
	s.publish(ctx, events.AlertCreated, a, "created:"+a.ID.String())
	return nil
}

// TransitionInput carries one workflow action against an alert. Actor comes
// from the request headers, never the body.
type TransitionInput struct {
	Action          string            `json:"action"`
	ExpectedVersion int               `json:"version"`
	Actor           string            `json:"-"`
	Outcome         string            `json:"outcome"`
	Notes           *string           `json:"notes"`
	Metadata        map[string]string `json:"metadata"`
	AssignTo        *uuid.UUID        `json:"assign_to"`
}

// Transition applies one workflow action: checks the state machine, appends
// the step and updates derived fields in a single guarded write, then
// publishes the lifecycle event. Repeated progress or escalation steps are
// recorded without republishing.
func (s *Service) Transition(ctx context.Context, alertID uuid.UUID, in TransitionInput) (*ClinicalAlert, error) {
	target, ok := TargetStatus(in.Action)
	if !ok {
		return nil, fmt.Errorf("%w: unknown workflow action %q", ErrInvalidInput, in.Action)
	}
	if in.ExpectedVersion <= 0 {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidInput)
	}
	if in.Outcome == "" {
		in.Outcome = OutcomeNotApplicable
	}
	if !validOutcomes[in.Outcome] {
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, in.Outcome)
	}

	a, err := s.repo.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}

	repeat := a.Status == target && repeatableStatuses[target]
	if !repeat && !CanTransition(a.Status, target) {
		return nil, fmt.Errorf("%w: cannot move from %s to %s via %s", ErrInvalidTransition, a.Status, target, in.Action)
	}

	now := time.Now().UTC()
	updated := *a
	updated.Status = target
	updated.UpdatedAt = now
	if in.AssignTo != nil {
		updated.AssignedTo = in.AssignTo
	}
	switch target {
	case StatusAcknowledged:
		updated.AcknowledgedAt = &now
	case StatusInProgress:
		if updated.StartedAt == nil {
			updated.StartedAt = &now
		}
	case StatusEscalated:
		updated.EscalatedAt = &now
	case StatusResolved, StatusDismissed:
		updated.ResolvedAt = &now
	}

	step := &WorkflowStep{
		AlertID:     alertID,
		ActionType:  in.Action,
		Actor:       in.Actor,
		AlertStatus: target,
		Outcome:     in.Outcome,
		Notes:       in.Notes,
		Metadata:    in.Metadata,
		CreatedAt:   now,
	}
	if err := s.repo.ApplyTransition(ctx, &updated, step, in.ExpectedVersion); err != nil {
		return nil, err
	}
	updated.Version = in.ExpectedVersion + 1

	if s.usage != nil && in.Action == ActionInterventionPlanned {
		if raw, ok := step.Metadata[MetadataTemplateKey]; ok {
			if tid, err := uuid.Parse(raw); err == nil {
				// usage counting is best-effort relative to the transition
				_ = s.usage.RecordUsage(ctx, tid)
			}
		}
	}

	if !repeat {
		s.publish(ctx, statusEvents[target], &updated,
			fmt.Sprintf("%s:%s:%d", in.Action, alertID, updated.Version))
	}
	return &updated, nil
}

// Acknowledge marks the alert as seen by a clinician.
func (s *Service) Acknowledge(ctx context.Context, alertID uuid.UUID, in TransitionInput) (*ClinicalAlert, error) {
	in.Action = ActionAcknowledged
	return s.Transition(ctx, alertID, in)
}

// Start moves the alert into in_progress. The concrete progress action
// defaults to assessment_scheduled when the caller does not pick one.
func (s *Service) Start(ctx context.Context, alertID uuid.UUID, in TransitionInput) (*ClinicalAlert, error) {
	if in.Action == "" {
		in.Action = ActionAssessmentScheduled
	}
	if st, ok := TargetStatus(in.Action); !ok || st != StatusInProgress {
		return nil, fmt.Errorf("%w: %q is not a progress action", ErrInvalidInput, in.Action)
	}
	return s.Transition(ctx, alertID, in)
}

// Resolve closes the alert successfully.
func (s *Service) Resolve(ctx context.Context, alertID uuid.UUID, in TransitionInput) (*ClinicalAlert, error) {
	in.Action = ActionResolved
	return s.Transition(ctx, alertID, in)
}

// Dismiss closes the alert without clinical action.
func (s *Service) Dismiss(ctx context.Context, alertID uuid.UUID, in TransitionInput) (*ClinicalAlert, error) {
	in.Action = ActionClosedNoAction
	return s.Transition(ctx, alertID, in)
}

// Assign hands the alert to a care team member. Assignment is not a workflow
// step; it only moves the assigned_to pointer under the version guard.
func (s *Service) Assign(ctx context.Context, alertID, assignee uuid.UUID, expectedVersion int) (*ClinicalAlert, error) {
	if assignee == uuid.Nil {
		return nil, fmt.Errorf("%w: assignee is required", ErrInvalidInput)
	}
	if expectedVersion <= 0 {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidInput)
	}
	a, err := s.repo.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.IsTerminal() {
		return nil, fmt.Errorf("%w: alert is %s", ErrInvalidTransition, a.Status)
	}
	if err := s.repo.UpdateAssignee(ctx, alertID, &assignee, expectedVersion); err != nil {
		return nil, err
	}
	a.AssignedTo = &assignee
	a.Version = expectedVersion + 1
	return a, nil
}

// Signal types accepted from the risk engine after an alert exists.
const (
	SignalRiskScoreIncrease = "risk_score_increase"
	SignalCriticalFinding   = "critical_finding"
)

// SignalInput is a follow-up observation from the risk engine about an
// existing alert. signal_id identifies the trigger occurrence, so replaying
// the same signal does not escalate twice.
type SignalInput struct {
	SignalType  string `json:"signal_type"`
	SignalID    string `json:"signal_id"`
	RiskScore   *int   `json:"risk_score,omitempty"`
	FindingCode string `json:"finding_code,omitempty"`
}

// ApplySignal publishes a risk-engine signal as an internal event. The alert
// row itself is untouched; a risk_score_increase carries the new score only
// in the event snapshot.
func (s *Service) ApplySignal(ctx context.Context, alertID uuid.UUID, in SignalInput) error {
	if in.SignalID == "" {
		return fmt.Errorf("%w: signal_id is required", ErrInvalidInput)
	}
	a, err := s.repo.GetByID(ctx, alertID)
	if err != nil {
		return err
	}
	if a.IsTerminal() {
		return fmt.Errorf("%w: alert is %s", ErrInvalidTransition, a.Status)
	}

	snap := events.AlertSnapshot{Priority: a.Priority, Category: a.Category, Status: a.Status, RiskScore: a.RiskScore}
	var eventType string
	switch in.SignalType {
	case SignalRiskScoreIncrease:
		if in.RiskScore == nil {
			return fmt.Errorf("%w: risk_score is required for %s", ErrInvalidInput, SignalRiskScoreIncrease)
		}
		if *in.RiskScore < MinRiskScore || *in.RiskScore > MaxRiskScore {
			return fmt.Errorf("%w: risk_score %d outside [%d, %d]", ErrInvalidInput, *in.RiskScore, MinRiskScore, MaxRiskScore)
		}
		snap.RiskScore = *in.RiskScore
		eventType = events.RiskScoreIncreased
	case SignalCriticalFinding:
		if in.FindingCode == "" {
			return fmt.Errorf("%w: finding_code is required for %s", ErrInvalidInput, SignalCriticalFinding)
		}
		eventType = events.CriticalFinding
	default:
		return fmt.Errorf("%w: unknown signal_type %q", ErrInvalidInput, in.SignalType)
	}

	if s.publisher != nil {
		s.publisher.Publish(ctx, events.New(eventType, a.ID.String(), in.SignalType+":"+in.SignalID, snap))
	}
	return nil
}

// Get loads one alert.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ClinicalAlert, error) {
	return s.repo.GetByID(ctx, id)
}

// Steps returns the alert's workflow trail, oldest first.
func (s *Service) Steps(ctx context.Context, alertID uuid.UUID) ([]*WorkflowStep, error) {
	if _, err := s.repo.GetByID(ctx, alertID); err != nil {
		return nil, err
	}
	return s.repo.ListSteps(ctx, alertID)
}

// Search lists alerts matching the filter params.
func (s *Service) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ClinicalAlert, int, error) {
	for _, key := range []string{"subject_id", "assigned_to"} {
		if v := params[key]; v != "" {
			if _, err := uuid.Parse(v); err != nil {
				return nil, 0, fmt.Errorf("%w: %s must be a uuid", ErrInvalidInput, key)
			}
		}
	}
	return s.repo.Search(ctx, params, limit, offset)
}

// ListUnattended returns alerts still pending since before the cutoff. Used
// by the escalation sweep for response-window rules.
func (s *Service) ListUnattended(ctx context.Context, before time.Time, limit int) ([]*ClinicalAlert, error) {
	return s.repo.ListUnattended(ctx, before, limit)
}

// CountOpen counts alerts not yet in a terminal status.
func (s *Service) CountOpen(ctx context.Context) (int64, error) {
	return s.repo.CountOpen(ctx)
}
