package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for webhook operations.
var (
	ErrInvalidInput = errors.New("invalid webhook input")
	ErrNotFound     = errors.New("not found")
	ErrNotRetryable = errors.New("notification is not retryable")
)

// Service manages webhook configurations and the operator view of the
// notification queue. Delivery itself lives in the dispatcher.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// ConfigInput is the request body for configuration writes. It exists
// because the secret is write-only: it binds here but never serializes out
// of the model.
type ConfigInput struct {
	Name        string       `json:"name"`
	Endpoint    string       `json:"endpoint"`
	Secret      string       `json:"secret"`
	Events      []string     `json:"events"`
	RetryPolicy *RetryPolicy `json:"retry_policy"`
	Status      string       `json:"status"`
}

func validateConfigInput(in *ConfigInput) error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if err := validateEndpoint(in.Endpoint); err != nil {
		return err
	}
	if len(in.Events) == 0 {
		return fmt.Errorf("%w: at least one event subscription is required", ErrInvalidInput)
	}
	for _, ev := range in.Events {
		if !validEventPattern(ev) {
			return fmt.Errorf("%w: unknown event %q", ErrInvalidInput, ev)
		}
	}
	if p := in.RetryPolicy; p != nil {
		if p.MaxAttempts < 0 || p.BaseDelayMS < 0 || p.MaxDelayMS < 0 {
			return fmt.Errorf("%w: retry_policy values must not be negative", ErrInvalidInput)
		}
	}
	if in.Status != "" && !validStatuses[in.Status] {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, in.Status)
	}
	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid endpoint: %v", ErrInvalidInput, err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("%w: endpoint scheme must be http or https, got %q", ErrInvalidInput, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: endpoint host is required", ErrInvalidInput)
	}
	return nil
}

// generateSecret produces a cryptographically random 32-byte hex string.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateConfig registers a new webhook. A missing secret is generated;
// configurations always start active with zero counters.
func (s *Service) CreateConfig(ctx context.Context, in *ConfigInput) (*WebhookConfiguration, error) {
	if err := validateConfigInput(in); err != nil {
		return nil, err
	}
	secret := in.Secret
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = generated
	}
	policy := DefaultRetryPolicy
	if in.RetryPolicy != nil {
		policy = in.RetryPolicy.Normalize()
	}

	now := time.Now().UTC()
	cfg := &WebhookConfiguration{
		ID:          uuid.New(),
		Name:        in.Name,
		Endpoint:    in.Endpoint,
		Secret:      secret,
		Events:      in.Events,
		RetryPolicy: policy,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Service) GetConfig(ctx context.Context, id uuid.UUID) (*WebhookConfiguration, error) {
	return s.repo.GetConfig(ctx, id)
}

func (s *Service) ListConfigs(ctx context.Context, params map[string]string, limit, offset int) ([]*WebhookConfiguration, int, error) {
	return s.repo.ListConfigs(ctx, params, limit, offset)
}

// UpdateConfig replaces the configuration's editable fields. An empty secret
// keeps the existing one (the stored secret is never echoed back, so clients
// cannot round-trip it); a non-empty secret rotates it. Counters and
// created_at are never touched.
func (s *Service) UpdateConfig(ctx context.Context, id uuid.UUID, in *ConfigInput) (*WebhookConfiguration, error) {
	if err := validateConfigInput(in); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	existing.Name = in.Name
	existing.Endpoint = in.Endpoint
	existing.Events = in.Events
	if in.Secret != "" {
		existing.Secret = in.Secret
	}
	if in.RetryPolicy != nil {
		existing.RetryPolicy = in.RetryPolicy.Normalize()
	}
	if in.Status != "" {
		existing.Status = in.Status
	}
	existing.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateConfig(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// DeleteConfig retires a configuration. Notification and delivery history
// keeps referencing it, so configurations are never hard-deleted.
func (s *Service) DeleteConfig(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeactivateConfig(ctx, id)
}

func (s *Service) ListNotifications(ctx context.Context, params map[string]string, limit, offset int) ([]*WebhookNotification, int, error) {
	if v, ok := params["status"]; ok && v != "" && !validNotificationStatuses[v] {
		return nil, 0, fmt.Errorf("%w: unknown notification status %q", ErrInvalidInput, v)
	}
	return s.repo.ListNotifications(ctx, params, limit, offset)
}

func (s *Service) GetNotification(ctx context.Context, id uuid.UUID) (*WebhookNotification, error) {
	return s.repo.GetNotification(ctx, id)
}

// RetryNotification reopens a failed_permanently notification for one more
// delivery attempt, picked up by the next dispatcher poll.
func (s *Service) RetryNotification(ctx context.Context, id uuid.UUID) (*WebhookNotification, error) {
	n, err := s.repo.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.repo.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("notification %s is %s: %w", id, n.Status, ErrNotRetryable)
	}
	return s.repo.GetNotification(ctx, id)
}

// ListDeliveries returns the attempt log for one webhook, newest first.
func (s *Service) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]*WebhookDelivery, int, error) {
	if _, err := s.repo.GetConfig(ctx, webhookID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListDeliveriesByWebhook(ctx, webhookID, limit, offset)
}
