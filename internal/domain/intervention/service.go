package intervention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caresignal/caresignal/internal/domain/alert"
)

// Sentinel errors for template operations.
var (
	ErrInvalidInput = errors.New("invalid template input")
	ErrNotFound     = errors.New("not found")
)

// Service manages intervention templates and the category/level matcher.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func validate(t *InterventionTemplate) error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if t.RiskCategory != "" && !alert.ValidCategory(t.RiskCategory) {
		return fmt.Errorf("%w: unknown risk_category %q", ErrInvalidInput, t.RiskCategory)
	}
	if t.RiskLevel != "" && !alert.ValidPriority(t.RiskLevel) {
		return fmt.Errorf("%w: unknown risk_level %q", ErrInvalidInput, t.RiskLevel)
	}
	if t.TypicalDurationDays < 0 {
		return fmt.Errorf("%w: typical_duration_days must not be negative", ErrInvalidInput)
	}
	return nil
}

// Create persists a new template. Templates start active with a zero usage
// counter regardless of the input.
func (s *Service) Create(ctx context.Context, t *InterventionTemplate) error {
	if err := validate(t); err != nil {
		return err
	}
	if t.RecommendedActions == nil {
		t.RecommendedActions = []string{}
	}
	if t.Resources == nil {
		t.Resources = []string{}
	}
	now := time.Now().UTC()
	t.ID = uuid.New()
	t.UsageCount = 0
	t.Active = true
	t.CreatedAt = now
	t.UpdatedAt = now
	return s.repo.Create(ctx, t)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*InterventionTemplate, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, params map[string]string, limit, offset int) ([]*InterventionTemplate, int, error) {
	return s.repo.List(ctx, params, limit, offset)
}

// Update replaces the template's editable fields. usage_count and created_at
// are never touched by an update.
func (s *Service) Update(ctx context.Context, id uuid.UUID, t *InterventionTemplate) (*InterventionTemplate, error) {
	if err := validate(t); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	existing.Name = t.Name
	existing.RiskCategory = t.RiskCategory
	existing.RiskLevel = t.RiskLevel
	existing.RecommendedActions = t.RecommendedActions
	existing.Resources = t.Resources
	existing.ExpectedOutcome = t.ExpectedOutcome
	existing.TypicalDurationDays = t.TypicalDurationDays
	existing.Active = t.Active
	existing.UpdatedAt = time.Now().UTC()
	if existing.RecommendedActions == nil {
		existing.RecommendedActions = []string{}
	}
	if existing.Resources == nil {
		existing.Resources = []string{}
	}
	if err := s.repo.Update(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// Deactivate retires a template. Deactivated templates stop matching but keep
// their usage history.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	return s.repo.Deactivate(ctx, id)
}

// Match returns the best active template for a category and level: highest
// specificity wins, ties go to the earliest created (then lowest id). No
// match returns (nil, nil); absence is not an error.
func (s *Service) Match(ctx context.Context, category, level string) (*InterventionTemplate, error) {
	candidates, err := s.repo.ListActiveMatching(ctx, category, level)
	if err != nil {
		return nil, err
	}
	var best *InterventionTemplate
	for _, t := range candidates {
		// candidates arrive oldest first, so a strict improvement is the
		// only reason to move off an earlier template
		if best == nil || t.Specificity() > best.Specificity() {
			best = t
		}
	}
	return best, nil
}

// RecordUsage bumps a template's usage counter. Satisfies the alert service's
// usage recorder hook.
func (s *Service) RecordUsage(ctx context.Context, templateID uuid.UUID) error {
	return s.repo.IncrementUsage(ctx, templateID)
}
