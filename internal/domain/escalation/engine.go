package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caresignal/caresignal/internal/domain/alert"
	"github.com/caresignal/caresignal/internal/platform/events"
)

// AlertService is the slice of the alert lifecycle the engine needs.
type AlertService interface {
	Get(ctx context.Context, id uuid.UUID) (*alert.ClinicalAlert, error)
	Transition(ctx context.Context, alertID uuid.UUID, in alert.TransitionInput) (*alert.ClinicalAlert, error)
	ListUnattended(ctx context.Context, before time.Time, limit int) ([]*alert.ClinicalAlert, error)
}

// Sink receives fired escalations for the non-webhook channels. Webhook
// delivery rides the alert.escalated event through the dispatcher instead.
type Sink interface {
	Notify(ctx context.Context, channel string, e *Escalation, recipients []*CareTeamMember) error
}

// LogSink is the default Sink. It records each hand-off in the log; paging
// and messaging transports replace it in deployments that have them.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Notify(_ context.Context, channel string, e *Escalation, recipients []*CareTeamMember) error {
	names := make([]string, 0, len(recipients))
	for _, m := range recipients {
		names = append(names, m.DisplayName)
	}
	s.Logger.Info().
		Str("channel", channel).
		Str("alert", e.AlertID.String()).
		Str("level", e.EscalationLevel).
		Strs("recipients", names).
		Msg("escalation notification handed off")
	return nil
}

// eventTriggers maps bus event types to the rule trigger types they feed.
var eventTriggers = map[string]string{
	events.AlertSLABreached:   TriggerSLABreach,
	events.RiskScoreIncreased: TriggerRiskScoreIncrease,
	events.CriticalFinding:    TriggerCriticalFinding,
}

// Engine evaluates escalation rules against alert events and the no-response
// sweep. The escalation ledger's uniqueness guard makes each trigger
// occurrence fire a rule at most once, no matter how often the engine sees it.
type Engine struct {
	repo   Repository
	alerts AlertService
	sink   Sink
	logger zerolog.Logger

	// DefaultRole is the recipient fallback when a rule's roles resolve nobody.
	DefaultRole string
	// SweepInterval controls how often no_response rules are evaluated.
	SweepInterval time.Duration
	// SweepBatch is the max number of unattended alerts examined per rule.
	SweepBatch int
	// Now is the clock used for response windows. Tests override it.
	Now func() time.Time
}

// NewEngine creates an engine with default tuning.
func NewEngine(repo Repository, alerts AlertService, sink Sink, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:          repo,
		alerts:        alerts,
		sink:          sink,
		logger:        logger,
		DefaultRole:   "charge_nurse",
		SweepInterval: time.Minute,
		SweepBatch:    100,
		Now:           time.Now,
	}
}

// HandleEvent is the bus subscription entry point. Event types without a
// trigger mapping are not the engine's business.
func (e *Engine) HandleEvent(ctx context.Context, ev events.Event) {
	trigger, ok := eventTriggers[ev.Type]
	if !ok {
		return
	}
	alertID, err := uuid.Parse(ev.AlertID)
	if err != nil {
		e.logger.Error().Err(err).Str("event_id", ev.ID).Msg("event carries malformed alert id")
		return
	}
	e.Evaluate(ctx, trigger, alertID, ev.TriggerKey, ev.Alert.RiskScore)
}

// Evaluate runs every active rule of the trigger type against one alert. The
// risk score is taken from the triggering event so a risk_score_increase is
// judged on its new score. Rule failures are isolated from each other.
func (e *Engine) Evaluate(ctx context.Context, trigger string, alertID uuid.UUID, triggerKey string, riskScore int) {
	a, err := e.alerts.Get(ctx, alertID)
	if err != nil {
		e.logger.Error().Err(err).Str("alert", alertID.String()).Msg("failed to load alert for escalation")
		return
	}
	if a.IsTerminal() {
		return
	}

	rules, err := e.repo.ListActiveRulesByTrigger(ctx, trigger)
	if err != nil {
		e.logger.Error().Err(err).Str("trigger", trigger).Msg("failed to list escalation rules")
		return
	}
	for _, rule := range rules {
		if !rule.Conditions.Match(a.AlertType, a.Category, a.Priority, riskScore) {
			continue
		}
		if _, err := e.fire(ctx, rule, a, trigger, triggerKey); err != nil {
			e.logger.Error().Err(err).
				Str("rule", rule.ID.String()).
				Str("alert", a.ID.String()).
				Msg("escalation rule failed")
		}
	}
}

// fire records one rule firing: resolve recipients, claim the ledger row,
// then escalate the alert and fan out notifications. The ledger insert is the
// idempotency gate; everything after it runs once per trigger occurrence.
// It reports whether this call inserted the ledger row.
func (e *Engine) fire(ctx context.Context, rule *EscalationRule, a *alert.ClinicalAlert, trigger, triggerKey string) (bool, error) {
	recipients := e.resolveRecipients(ctx, rule.RecipientRoles, a.ID)

	ruleID := rule.ID
	esc := &Escalation{
		ID:              uuid.New(),
		AlertID:         a.ID,
		RuleID:          &ruleID,
		TriggerType:     trigger,
		TriggerKey:      triggerKey,
		EscalationLevel: rule.EscalationLevel,
		Recipients:      memberNames(recipients),
		CreatedAt:       e.Now().UTC(),
	}
	inserted, err := e.repo.InsertEscalation(ctx, esc)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	if err := e.escalateAlert(ctx, a, rule, trigger); err != nil {
		// the ledger row stands as the audit record of the fire
		return true, err
	}
	if err := e.repo.IncrementTriggerCount(ctx, rule.ID); err != nil {
		e.logger.Error().Err(err).Str("rule", rule.ID.String()).Msg("failed to bump rule trigger count")
	}
	e.notify(ctx, rule.NotificationChannels, esc, recipients)

	e.logger.Warn().
		Str("alert", a.ID.String()).
		Str("rule", rule.Name).
		Str("trigger", trigger).
		Str("level", rule.EscalationLevel).
		Msg("alert escalated")
	return true, nil
}

// escalateAlert moves the alert to escalated, tolerating version races with
// clinicians and other rules. An alert that closed during the race is left
// alone; the ledger row already records that the rule fired.
func (e *Engine) escalateAlert(ctx context.Context, a *alert.ClinicalAlert, rule *EscalationRule, trigger string) error {
	current := a
	for attempt := 0; attempt < 3; attempt++ {
		if current.IsTerminal() {
			return nil
		}
		_, err := e.alerts.Transition(ctx, current.ID, alert.TransitionInput{
			Action:          alert.ActionEscalated,
			ExpectedVersion: current.Version,
			Actor:           "system",
			Metadata: map[string]string{
				"rule_id":          rule.ID.String(),
				"trigger_type":     trigger,
				"escalation_level": rule.EscalationLevel,
			},
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, alert.ErrInvalidTransition) {
			return nil
		}
		if !errors.Is(err, alert.ErrConflict) {
			return err
		}
		current, err = e.alerts.Get(ctx, current.ID)
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("alert %s: %w", a.ID, alert.ErrConflict)
}

// resolveRecipients looks up active members for the given roles, falling back
// to the default role. Resolving nobody is logged, never fatal: the
// escalation still fires with an empty recipient snapshot.
func (e *Engine) resolveRecipients(ctx context.Context, roles []string, alertID uuid.UUID) []*CareTeamMember {
	if len(roles) == 0 {
		roles = []string{e.DefaultRole}
	}
	members, err := e.repo.ListActiveMembersByRoles(ctx, roles)
	if err != nil {
		e.logger.Error().Err(err).Strs("roles", roles).Msg("failed to resolve care team recipients")
		return nil
	}
	if len(members) == 0 && !containsString(roles, e.DefaultRole) {
		members, err = e.repo.ListActiveMembersByRoles(ctx, []string{e.DefaultRole})
		if err != nil {
			e.logger.Error().Err(err).Str("role", e.DefaultRole).Msg("failed to resolve fallback recipients")
			return nil
		}
	}
	if len(members) == 0 {
		e.logger.Warn().Err(ErrTargetUnresolved).
			Strs("roles", roles).
			Str("alert", alertID.String()).
			Msg("escalation has no reachable recipients")
	}
	return members
}

// notify hands non-webhook channels to the sink. The webhook channel is
// served by the dispatcher reacting to alert.escalated.
func (e *Engine) notify(ctx context.Context, channels []string, esc *Escalation, recipients []*CareTeamMember) {
	if e.sink == nil {
		return
	}
	for _, ch := range channels {
		if ch == ChannelWebhook {
			continue
		}
		if err := e.sink.Notify(ctx, ch, esc, recipients); err != nil {
			e.logger.Error().Err(err).
				Str("channel", ch).
				Str("alert", esc.AlertID.String()).
				Msg("failed to hand off escalation notification")
		}
	}
}

func memberNames(members []*CareTeamMember) []string {
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.DisplayName)
	}
	return names
}

// Start runs the no-response sweep loop. It blocks until ctx is cancelled;
// event-driven triggers arrive through HandleEvent instead.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepNoResponse(ctx)
		}
	}
}

// SweepNoResponse evaluates response-window rules against alerts still
// pending past each rule's window, and returns how many escalations this
// call inserted. The trigger key is stable per alert, so later sweeps of the
// same unattended alert are no-ops.
func (e *Engine) SweepNoResponse(ctx context.Context) int {
	rules, err := e.repo.ListActiveRulesByTrigger(ctx, TriggerNoResponse)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list no_response rules")
		return 0
	}

	fired := 0
	now := e.Now().UTC()
	for _, rule := range rules {
		window := rule.Conditions.MinHoursWithoutResponse
		if window <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(window) * time.Hour)
		unattended, err := e.alerts.ListUnattended(ctx, cutoff, e.SweepBatch)
		if err != nil {
			e.logger.Error().Err(err).Str("rule", rule.ID.String()).Msg("failed to list unattended alerts")
			continue
		}
		for _, a := range unattended {
			if !rule.Conditions.Match(a.AlertType, a.Category, a.Priority, a.RiskScore) {
				continue
			}
			inserted, err := e.fire(ctx, rule, a, TriggerNoResponse, "no_response:"+a.ID.String())
			if inserted {
				fired++
			}
			if err != nil {
				e.logger.Error().Err(err).
					Str("rule", rule.ID.String()).
					Str("alert", a.ID.String()).
					Msg("no_response escalation failed")
			}
		}
	}
	return fired
}

// ManualEscalationInput is an operator-initiated escalation. Actor comes from
// the request headers, never the body.
type ManualEscalationInput struct {
	Level           string   `json:"escalation_level"`
	Roles           []string `json:"recipient_roles"`
	Reason          string   `json:"reason"`
	ExpectedVersion int      `json:"version"`
	Actor           string   `json:"-"`
}

// EscalateManual escalates one alert on an operator's say-so. The workflow
// transition runs first so taxonomy and version errors come back to the
// operator synchronously; the ledger row then records the fire with a fresh
// trigger key, since each operator decision is its own occurrence.
func (e *Engine) EscalateManual(ctx context.Context, alertID uuid.UUID, in ManualEscalationInput) (*Escalation, error) {
	if in.Level == "" {
		in.Level = LevelTeamLead
	}
	if !validLevels[in.Level] {
		return nil, fmt.Errorf("%w: unknown escalation_level %q", ErrInvalidInput, in.Level)
	}

	var notes *string
	if in.Reason != "" {
		notes = &in.Reason
	}
	if _, err := e.alerts.Transition(ctx, alertID, alert.TransitionInput{
		Action:          alert.ActionEscalated,
		ExpectedVersion: in.ExpectedVersion,
		Actor:           in.Actor,
		Notes:           notes,
		Metadata: map[string]string{
			"trigger_type":     TriggerManual,
			"escalation_level": in.Level,
		},
	}); err != nil {
		return nil, err
	}

	recipients := e.resolveRecipients(ctx, in.Roles, alertID)
	esc := &Escalation{
		ID:              uuid.New(),
		AlertID:         alertID,
		RuleID:          nil,
		TriggerType:     TriggerManual,
		TriggerKey:      "manual:" + uuid.New().String(),
		EscalationLevel: in.Level,
		Recipients:      memberNames(recipients),
		CreatedAt:       e.Now().UTC(),
	}
	if _, err := e.repo.InsertEscalation(ctx, esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// ListForAlert returns the alert's escalation history, oldest first.
func (e *Engine) ListForAlert(ctx context.Context, alertID uuid.UUID) ([]*Escalation, error) {
	if _, err := e.alerts.Get(ctx, alertID); err != nil {
		return nil, err
	}
	return e.repo.ListEscalationsByAlert(ctx, alertID)
}
