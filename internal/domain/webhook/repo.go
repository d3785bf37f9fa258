package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence boundary for webhook configurations, the
// notification queue, and the per-attempt delivery log.
type Repository interface {
	// Configurations.
	CreateConfig(ctx context.Context, cfg *WebhookConfiguration) error
	GetConfig(ctx context.Context, id uuid.UUID) (*WebhookConfiguration, error)
	ListConfigs(ctx context.Context, params map[string]string, limit, offset int) ([]*WebhookConfiguration, int, error)
	// ListActiveConfigs returns every configuration eligible to receive new
	// notifications.
	ListActiveConfigs(ctx context.Context) ([]*WebhookConfiguration, error)
	UpdateConfig(ctx context.Context, cfg *WebhookConfiguration) error
	// DeactivateConfig retires a configuration. Its notification and
	// delivery history stays queryable.
	DeactivateConfig(ctx context.Context, id uuid.UUID) error
	IncrementTriggerCount(ctx context.Context, id uuid.UUID) error
	IncrementFailureCount(ctx context.Context, id uuid.UUID) error

	// Notification queue.
	EnqueueNotification(ctx context.Context, n *WebhookNotification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*WebhookNotification, error)
	ListNotifications(ctx context.Context, params map[string]string, limit, offset int) ([]*WebhookNotification, int, error)
	// ClaimDue atomically claims up to limit pending notifications whose
	// next_attempt_at has passed, pushing next_attempt_at forward by the
	// lease so concurrent dispatchers never work the same row. A claimed row
	// a worker never finishes becomes due again when the lease expires.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*WebhookNotification, error)
	// MarkDelivered finalizes a pending notification. false means the row
	// was no longer pending and the caller's result was discarded.
	MarkDelivered(ctx context.Context, id uuid.UUID, attemptCount int, at time.Time) (bool, error)
	MarkFailedPermanently(ctx context.Context, id uuid.UUID, attemptCount int, lastError string) (bool, error)
	// Reschedule records a transient failure and the next attempt time.
	Reschedule(ctx context.Context, id uuid.UUID, attemptCount int, lastError string, nextAttemptAt time.Time) (bool, error)
	// Requeue reopens a failed_permanently notification for exactly one more
	// attempt. false means the notification was not in that state.
	Requeue(ctx context.Context, id uuid.UUID) (bool, error)

	// Delivery log.
	InsertDelivery(ctx context.Context, d *WebhookDelivery) error
	ListDeliveriesByWebhook(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]*WebhookDelivery, int, error)
	ListDeliveriesByNotification(ctx context.Context, notificationID uuid.UUID) ([]*WebhookDelivery, error)
	// HasSuccessfulDelivery reports whether any attempt for the notification
	// already succeeded. Success is terminal per notification.
	HasSuccessfulDelivery(ctx context.Context, notificationID uuid.UUID) (bool, error)
}
