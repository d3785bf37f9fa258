package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caresignal/caresignal/internal/domain/alert"
)

// Sentinel errors for escalation operations. ErrTargetUnresolved is logged
// by the engine when recipient resolution comes up empty; a fire is never
// dropped over it.
var (
	ErrInvalidInput     = errors.New("invalid escalation input")
	ErrNotFound         = errors.New("not found")
	ErrTargetUnresolved = errors.New("no active care team member for the requested roles")
)

// Service manages escalation rules and the care team directory. Rule
// evaluation itself lives on the Engine.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func validateRule(r *EscalationRule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !ruleTriggerTypes[r.TriggerType] {
		return fmt.Errorf("%w: trigger_type %q cannot drive a rule", ErrInvalidInput, r.TriggerType)
	}
	if !validLevels[r.EscalationLevel] {
		return fmt.Errorf("%w: unknown escalation_level %q", ErrInvalidInput, r.EscalationLevel)
	}
	for _, ch := range r.NotificationChannels {
		if !validChannels[ch] {
			return fmt.Errorf("%w: unknown notification channel %q", ErrInvalidInput, ch)
		}
	}

	c := r.Conditions
	if c.MinRiskScore != nil && (*c.MinRiskScore < alert.MinRiskScore || *c.MinRiskScore > alert.MaxRiskScore) {
		return fmt.Errorf("%w: min_risk_score %d outside [%d, %d]", ErrInvalidInput,
			*c.MinRiskScore, alert.MinRiskScore, alert.MaxRiskScore)
	}
	for _, p := range c.Priorities {
		if !alert.ValidPriority(p) {
			return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, p)
		}
	}
	for _, cat := range c.Categories {
		if !alert.ValidCategory(cat) {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, cat)
		}
	}
	for _, at := range c.AlertTypes {
		if !alert.ValidAlertType(at) {
			return fmt.Errorf("%w: unknown alert_type %q", ErrInvalidInput, at)
		}
	}
	if c.MinHoursWithoutResponse < 0 {
		return fmt.Errorf("%w: min_hours_without_response must not be negative", ErrInvalidInput)
	}
	if r.TriggerType == TriggerNoResponse && c.MinHoursWithoutResponse == 0 {
		return fmt.Errorf("%w: no_response rules need min_hours_without_response", ErrInvalidInput)
	}
	if r.TriggerType != TriggerNoResponse && c.MinHoursWithoutResponse > 0 {
		return fmt.Errorf("%w: min_hours_without_response only applies to no_response rules", ErrInvalidInput)
	}
	return nil
}

// CreateRule persists a new rule. Rules start active with a zero trigger
// counter regardless of the input.
func (s *Service) CreateRule(ctx context.Context, r *EscalationRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if r.NotificationChannels == nil {
		r.NotificationChannels = []string{}
	}
	if r.RecipientRoles == nil {
		r.RecipientRoles = []string{}
	}
	now := time.Now().UTC()
	r.ID = uuid.New()
	r.Active = true
	r.TriggerCount = 0
	r.CreatedAt = now
	r.UpdatedAt = now
	return s.repo.CreateRule(ctx, r)
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*EscalationRule, error) {
	return s.repo.GetRule(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, params map[string]string, limit, offset int) ([]*EscalationRule, int, error) {
	return s.repo.ListRules(ctx, params, limit, offset)
}

// UpdateRule replaces the rule's editable fields. trigger_count and
// created_at are never touched by an update.
func (s *Service) UpdateRule(ctx context.Context, id uuid.UUID, r *EscalationRule) (*EscalationRule, error) {
	if err := validateRule(r); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	existing.Name = r.Name
	existing.TriggerType = r.TriggerType
	existing.Conditions = r.Conditions
	existing.EscalationLevel = r.EscalationLevel
	existing.NotificationChannels = r.NotificationChannels
	existing.RecipientRoles = r.RecipientRoles
	existing.Active = r.Active
	existing.UpdatedAt = time.Now().UTC()
	if existing.NotificationChannels == nil {
		existing.NotificationChannels = []string{}
	}
	if existing.RecipientRoles == nil {
		existing.RecipientRoles = []string{}
	}
	if err := s.repo.UpdateRule(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// DeactivateRule retires a rule. The escalation ledger keeps referencing it,
// so rules are never hard-deleted.
func (s *Service) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeactivateRule(ctx, id)
}

func validateMember(m *CareTeamMember) error {
	if m.DisplayName == "" {
		return fmt.Errorf("%w: display_name is required", ErrInvalidInput)
	}
	if m.Role == "" {
		return fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	return nil
}

// CreateMember adds a care team member to the recipient directory.
func (s *Service) CreateMember(ctx context.Context, m *CareTeamMember) error {
	if err := validateMember(m); err != nil {
		return err
	}
	now := time.Now().UTC()
	m.ID = uuid.New()
	m.Active = true
	m.CreatedAt = now
	m.UpdatedAt = now
	return s.repo.CreateMember(ctx, m)
}

func (s *Service) GetMember(ctx context.Context, id uuid.UUID) (*CareTeamMember, error) {
	return s.repo.GetMember(ctx, id)
}

// UpdateMember replaces the member's editable fields, including active, so
// departures are handled by flipping the flag rather than deleting history.
func (s *Service) UpdateMember(ctx context.Context, id uuid.UUID, m *CareTeamMember) (*CareTeamMember, error) {
	if err := validateMember(m); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	existing.DisplayName = m.DisplayName
	existing.Role = m.Role
	existing.Contact = m.Contact
	existing.Active = m.Active
	existing.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateMember(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *Service) ListMembers(ctx context.Context, params map[string]string, limit, offset int) ([]*CareTeamMember, int, error) {
	return s.repo.ListMembers(ctx, params, limit, offset)
}
