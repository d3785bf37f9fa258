package webhook

import (
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caresignal/caresignal/internal/platform/events"
)

// Configuration statuses. Only active configurations receive new
// notifications; suspended and inactive ones keep their history.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusInactive  = "inactive"
)

// Notification queue states. pending rows are claimed and retried by the
// dispatcher until they reach one of the two terminal states.
const (
	NotificationPending           = "pending"
	NotificationDelivered         = "delivered"
	NotificationFailedPermanently = "failed_permanently"
)

// EventPing is the synthetic event type sent by the connectivity test
// endpoint. Consumers can subscribe to it like any alert event.
const EventPing = "webhook.ping"

// DefaultRetryPolicy backs configurations that do not set their own policy:
// five attempts, 30s first backoff, one hour cap.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelayMS: 30_000,
	MaxDelayMS:  3_600_000,
}

// RetryPolicy is the typed retry_policy column. Delays double per failed
// attempt from base_delay_ms up to max_delay_ms.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMS int `json:"base_delay_ms"`
	MaxDelayMS  int `json:"max_delay_ms"`
}

// Normalize fills zero fields from DefaultRetryPolicy and raises the cap to
// at least the base delay.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelayMS == 0 {
		p.BaseDelayMS = DefaultRetryPolicy.BaseDelayMS
	}
	if p.MaxDelayMS == 0 {
		p.MaxDelayMS = DefaultRetryPolicy.MaxDelayMS
	}
	if p.MaxDelayMS < p.BaseDelayMS {
		p.MaxDelayMS = p.BaseDelayMS
	}
	return p
}

// Delay returns the wait before the next attempt after `failed` failed
// attempts (1-indexed): base doubled per failure beyond the first, capped at
// max, plus up to 10% jitter so synchronized retries spread out.
func (p RetryPolicy) Delay(failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	base := time.Duration(p.BaseDelayMS) * time.Millisecond
	maxDelay := time.Duration(p.MaxDelayMS) * time.Millisecond

	d := base
	for i := 1; i < failed; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			d = maxDelay
			break
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

// WebhookConfiguration maps to the webhook_configuration table. The secret
// is write-only: it signs outgoing payloads and never appears in responses
// or logs.
type WebhookConfiguration struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	Name         string      `db:"name" json:"name"`
	Endpoint     string      `db:"endpoint" json:"endpoint"`
	Secret       string      `db:"secret" json:"-"`
	Events       []string    `db:"events" json:"events"`
	RetryPolicy  RetryPolicy `db:"retry_policy" json:"retry_policy"`
	Status       string      `db:"status" json:"status"`
	TriggerCount int         `db:"trigger_count" json:"trigger_count"`
	FailureCount int         `db:"failure_count" json:"failure_count"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

// Matches reports whether the configuration subscribes to the event type,
// honoring wildcard patterns.
func (w *WebhookConfiguration) Matches(eventType string) bool {
	for _, pat := range w.Events {
		if EventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// EventMatches checks one subscription pattern against an event type.
// Patterns are exact names ("alert.escalated"), prefix wildcards
// ("alert.*"), suffix wildcards ("*.escalated"), or "*" for everything.
func EventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

// WebhookNotification is one queued delivery obligation: this payload to
// this webhook, retried per the policy captured in max_attempts. Maps to the
// webhook_notification table.
type WebhookNotification struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	WebhookID     uuid.UUID       `db:"webhook_id" json:"webhook_id"`
	AlertID       uuid.UUID       `db:"alert_id" json:"alert_id"`
	EventType     string          `db:"event_type" json:"event_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        string          `db:"status" json:"status"`
	AttemptCount  int             `db:"attempt_count" json:"attempt_count"`
	MaxAttempts   int             `db:"max_attempts" json:"max_attempts"`
	NextAttemptAt time.Time       `db:"next_attempt_at" json:"next_attempt_at"`
	LastError     *string         `db:"last_error" json:"last_error,omitempty"`
	DeliveredAt   *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// WebhookDelivery records one HTTP attempt for a notification. Attempt
// numbers are strictly increasing per notification, enforced by a unique
// (notification_id, attempt_number) constraint.
type WebhookDelivery struct {
	ID             uuid.UUID `db:"id" json:"id"`
	NotificationID uuid.UUID `db:"notification_id" json:"notification_id"`
	WebhookID      uuid.UUID `db:"webhook_id" json:"webhook_id"`
	AlertID        uuid.UUID `db:"alert_id" json:"alert_id"`
	EventType      string    `db:"event_type" json:"event_type"`
	Endpoint       string    `db:"endpoint" json:"endpoint"`
	AttemptNumber  int       `db:"attempt_number" json:"attempt_number"`
	StatusCode     int       `db:"status_code" json:"status_code"`
	Success        bool      `db:"success" json:"success"`
	ResponseBody   string    `db:"response_body" json:"response_body,omitempty"`
	Error          string    `db:"error" json:"error,omitempty"`
	DurationMS     int64     `db:"duration_ms" json:"duration_ms"`
	DeliveredAt    time.Time `db:"delivered_at" json:"delivered_at"`
}

// EventPayload is the signed JSON body POSTed to consumer endpoints. Pings
// carry the same shape with the alert fields zeroed.
type EventPayload struct {
	Event      string    `json:"event"`
	AlertID    string    `json:"alert_id"`
	Priority   string    `json:"priority"`
	Category   string    `json:"category"`
	Status     string    `json:"status"`
	RiskScore  int       `json:"risk_score"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PingResult is the outcome of a connectivity test. Pings are ephemeral and
// never recorded as delivery rows.
type PingResult struct {
	StatusCode int    `json:"status_code"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

var validStatuses = map[string]bool{
	StatusActive:    true,
	StatusSuspended: true,
	StatusInactive:  true,
}

var validNotificationStatuses = map[string]bool{
	NotificationPending:           true,
	NotificationDelivered:         true,
	NotificationFailedPermanently: true,
}

// knownEvents are the exact event names a configuration can subscribe to.
var knownEvents = map[string]bool{
	events.AlertCreated:      true,
	events.AlertAcknowledged: true,
	events.AlertStarted:      true,
	events.AlertEscalated:    true,
	events.AlertResolved:     true,
	events.AlertDismissed:    true,
	events.AlertSLABreached:  true,
	EventPing:                true,
}

// validEventPattern allows exact known event names and wildcard patterns.
func validEventPattern(p string) bool {
	if p == "*" || strings.HasPrefix(p, "*.") || strings.HasSuffix(p, ".*") {
		return true
	}
	return knownEvents[p]
}
