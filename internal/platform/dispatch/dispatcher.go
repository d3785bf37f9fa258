package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caresignal/caresignal/internal/domain/webhook"
	"github.com/caresignal/caresignal/internal/platform/events"
)

// maxResponseBytes caps how much of a consumer's response body is kept on
// the delivery row.
const maxResponseBytes = 1024

// Store is the subset of the webhook repository the dispatcher needs.
type Store interface {
	ListActiveConfigs(ctx context.Context) ([]*webhook.WebhookConfiguration, error)
	GetConfig(ctx context.Context, id uuid.UUID) (*webhook.WebhookConfiguration, error)
	IncrementTriggerCount(ctx context.Context, id uuid.UUID) error
	IncrementFailureCount(ctx context.Context, id uuid.UUID) error
	EnqueueNotification(ctx context.Context, n *webhook.WebhookNotification) error
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*webhook.WebhookNotification, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, attemptCount int, at time.Time) (bool, error)
	MarkFailedPermanently(ctx context.Context, id uuid.UUID, attemptCount int, lastError string) (bool, error)
	Reschedule(ctx context.Context, id uuid.UUID, attemptCount int, lastError string, nextAttemptAt time.Time) (bool, error)
	InsertDelivery(ctx context.Context, d *webhook.WebhookDelivery) error
	HasSuccessfulDelivery(ctx context.Context, notificationID uuid.UUID) (bool, error)
}

// externalEvents is the alert lifecycle vocabulary consumers can receive.
// Internal risk signals never leave the process, whatever a configuration
// subscribes to.
var externalEvents = map[string]bool{
	events.AlertCreated:      true,
	events.AlertAcknowledged: true,
	events.AlertStarted:      true,
	events.AlertEscalated:    true,
	events.AlertResolved:     true,
	events.AlertDismissed:    true,
	events.AlertSLABreached:  true,
}

// Dispatcher fans alert events out to webhook consumers. Enqueueing is
// synchronous on the event path; delivery runs on the poll loop so a slow
// or failing consumer never holds up the workflow that raised the event.
type Dispatcher struct {
	store  Store
	logger zerolog.Logger

	// Client performs the deliveries. Replace it to change the timeout.
	Client *http.Client
	// PollInterval controls how often due notifications are claimed.
	PollInterval time.Duration
	// BatchSize is the max number of notifications claimed per poll.
	BatchSize int
	// Workers is the delivery concurrency per batch.
	Workers int
	// ClaimLease is how long a claimed notification stays invisible to
	// other pollers. A worker that dies mid-delivery forfeits its rows when
	// the lease expires.
	ClaimLease time.Duration
	// Now is the clock, injectable for tests.
	Now func() time.Time
	// Observer, when set, receives the outcome of every delivery attempt
	// (delivered, retried, failed_permanently). Metrics hook.
	Observer func(eventType, outcome string)
}

// NewDispatcher creates a dispatcher with production defaults.
func NewDispatcher(store Store, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
		Client:       &http.Client{Timeout: 10 * time.Second},
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		Workers:      4,
		ClaimLease:   time.Minute,
		Now:          time.Now,
	}
}

// HandleEvent is the bus subscriber. For every active configuration whose
// subscription matches, it enqueues one durable notification row and bumps
// the configuration's trigger counter.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev events.Event) {
	if !externalEvents[ev.Type] {
		return
	}
	configs, err := d.store.ListActiveConfigs(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list webhook configurations")
		return
	}
	if len(configs) == 0 {
		return
	}
	alertID, err := uuid.Parse(ev.AlertID)
	if err != nil {
		d.logger.Error().Err(err).
			Str("event_type", ev.Type).
			Str("alert_id", ev.AlertID).
			Msg("event with malformed alert id")
		return
	}

	payload, err := json.Marshal(webhook.EventPayload{
		Event:      ev.Type,
		AlertID:    ev.AlertID,
		Priority:   ev.Alert.Priority,
		Category:   ev.Alert.Category,
		Status:     ev.Alert.Status,
		RiskScore:  ev.Alert.RiskScore,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", ev.Type).Msg("failed to marshal payload")
		return
	}

	now := d.Now().UTC()
	for _, cfg := range configs {
		if !cfg.Matches(ev.Type) {
			continue
		}
		n := &webhook.WebhookNotification{
			WebhookID:     cfg.ID,
			AlertID:       alertID,
			EventType:     ev.Type,
			Payload:       payload,
			Status:        webhook.NotificationPending,
			MaxAttempts:   cfg.RetryPolicy.MaxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		if err := d.store.EnqueueNotification(ctx, n); err != nil {
			d.logger.Error().Err(err).
				Str("webhook_id", cfg.ID.String()).
				Str("event_type", ev.Type).
				Msg("failed to enqueue notification")
			continue
		}
		if err := d.store.IncrementTriggerCount(ctx, cfg.ID); err != nil {
			d.logger.Error().Err(err).Str("webhook_id", cfg.ID.String()).Msg("failed to bump trigger count")
		}
	}
}

// Start runs the delivery poll loop. It blocks until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DeliverDue(ctx)
		}
	}
}

// DeliverDue claims one batch of due notifications and works it with the
// worker pool, returning the number of notifications processed.
func (d *Dispatcher) DeliverDue(ctx context.Context) int {
	claimed, err := d.store.ClaimDue(ctx, d.Now().UTC(), d.ClaimLease, d.BatchSize)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to claim due notifications")
		return 0
	}
	if len(claimed) == 0 {
		return 0
	}

	workers := d.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(claimed) {
		workers = len(claimed)
	}

	jobs := make(chan *webhook.WebhookNotification)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				d.deliverOne(ctx, n)
			}
		}()
	}
	for _, n := range claimed {
		jobs <- n
	}
	close(jobs)
	wg.Wait()
	return len(claimed)
}

func (d *Dispatcher) deliverOne(ctx context.Context, n *webhook.WebhookNotification) {
	// Success is terminal per notification. A row with a winning attempt but
	// non-terminal status (worker died between POST and finalize) is just
	// finalized, never re-sent.
	done, err := d.store.HasSuccessfulDelivery(ctx, n.ID)
	if err != nil {
		d.logger.Error().Err(err).Str("notification", n.ID.String()).Msg("failed to check delivery history")
		return
	}
	if done {
		if _, err := d.store.MarkDelivered(ctx, n.ID, n.AttemptCount, d.Now().UTC()); err != nil {
			d.logger.Error().Err(err).Str("notification", n.ID.String()).Msg("failed to finalize delivered notification")
		}
		return
	}

	cfg, err := d.store.GetConfig(ctx, n.WebhookID)
	if err != nil {
		// Configurations are soft-deleted, so a missing row is repository
		// trouble; leave the claim to expire and retry.
		d.logger.Error().Err(err).Str("notification", n.ID.String()).Msg("failed to load webhook configuration")
		return
	}
	if cfg.Status != webhook.StatusActive {
		// The consumer opted out after this was enqueued. Close the row out
		// rather than letting it spin against a muted endpoint.
		if _, err := d.store.MarkFailedPermanently(ctx, n.ID, n.AttemptCount, "webhook is "+cfg.Status); err != nil {
			d.logger.Error().Err(err).Str("notification", n.ID.String()).Msg("failed to close notification for inactive webhook")
		}
		return
	}

	attempt := n.AttemptCount + 1
	del, permanent := d.post(ctx, cfg, n, attempt)
	if err := d.store.InsertDelivery(ctx, del); err != nil {
		d.logger.Error().Err(err).
			Str("notification", n.ID.String()).
			Int("attempt", attempt).
			Msg("failed to record delivery attempt")
	}

	switch {
	case del.Success:
		if _, err := d.store.MarkDelivered(ctx, n.ID, attempt, del.DeliveredAt); err != nil {
			d.logger.Error().Err(err).Str("notification", n.ID.String()).Msg("failed to mark delivered")
		}
		d.observe(n.EventType, "delivered")
	case permanent:
		d.failPermanently(ctx, n, cfg.ID, attempt, del.Error)
		d.observe(n.EventType, "failed_permanently")
	case attempt >= n.MaxAttempts:
		d.failPermanently(ctx, n, cfg.ID, attempt, fmt.Sprintf("max delivery attempts reached: %s", del.Error))
		d.observe(n.EventType, "failed_permanently")
	default:
		next := d.Now().UTC().Add(cfg.RetryPolicy.Delay(attempt))
		if _, err := d.store.Reschedule(ctx, n.ID, attempt, del.Error, next); err != nil {
			d.logger.Error().Err(err).Str("notification", n.ID.String()).Msg("failed to reschedule notification")
		}
		d.observe(n.EventType, "retried")
	}
}

func (d *Dispatcher) observe(eventType, outcome string) {
	if d.Observer != nil {
		d.Observer(eventType, outcome)
	}
}

func (d *Dispatcher) failPermanently(ctx context.Context, n *webhook.WebhookNotification, webhookID uuid.UUID, attempt int, reason string) {
	if _, err := d.store.MarkFailedPermanently(ctx, n.ID, attempt, reason); err != nil {
		d.logger.Error().Err(err).Str("notification", n.ID.String()).Msg("failed to mark notification failed")
		return
	}
	if err := d.store.IncrementFailureCount(ctx, webhookID); err != nil {
		d.logger.Error().Err(err).Str("webhook_id", webhookID.String()).Msg("failed to bump failure count")
	}
	d.logger.Warn().
		Str("notification", n.ID.String()).
		Str("webhook_id", webhookID.String()).
		Str("event_type", n.EventType).
		Int("attempts", attempt).
		Str("reason", reason).
		Msg("webhook delivery failed permanently")
}

// post signs and sends the payload, returning the recorded attempt and
// whether a failure is permanent. 2xx succeeds; 4xx other than 429 never
// retries; everything else (429, 5xx, timeouts, refused connections) is
// transient.
func (d *Dispatcher) post(ctx context.Context, cfg *webhook.WebhookConfiguration, n *webhook.WebhookNotification, attempt int) (*webhook.WebhookDelivery, bool) {
	del := &webhook.WebhookDelivery{
		ID:             uuid.New(),
		NotificationID: n.ID,
		WebhookID:      cfg.ID,
		AlertID:        n.AlertID,
		EventType:      n.EventType,
		Endpoint:       cfg.Endpoint,
		AttemptNumber:  attempt,
		DeliveredAt:    d.Now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(n.Payload))
	if err != nil {
		del.Error = "build request: " + err.Error()
		return del, true
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(n.Payload, cfg.Secret))
	req.Header.Set(HeaderEvent, n.EventType)
	req.Header.Set(HeaderDelivery, del.ID.String())
	req.Header.Set(HeaderTimestamp, del.DeliveredAt.Format(time.RFC3339))

	start := time.Now()
	resp, err := d.Client.Do(req)
	del.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		del.Error = err.Error()
		return del, false
	}
	defer resp.Body.Close()

	del.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	del.ResponseBody = string(body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		del.Success = true
		return del, false
	case resp.StatusCode == http.StatusTooManyRequests:
		del.Error = fmt.Sprintf("rate limited: %d", resp.StatusCode)
		return del, false
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		del.Error = fmt.Sprintf("endpoint rejected delivery: %d", resp.StatusCode)
		return del, true
	default:
		del.Error = fmt.Sprintf("http status %d", resp.StatusCode)
		return del, false
	}
}

// Ping implements webhook.Pinger: a signed synthetic webhook.ping POSTed to
// the endpoint, succeeding on any 2xx. Pings never touch the queue or the
// delivery log.
func (d *Dispatcher) Ping(ctx context.Context, cfg *webhook.WebhookConfiguration) (*webhook.PingResult, error) {
	payload, err := json.Marshal(webhook.EventPayload{
		Event:      webhook.EventPing,
		OccurredAt: d.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, cfg.Secret))
	req.Header.Set(HeaderEvent, webhook.EventPing)
	req.Header.Set(HeaderDelivery, uuid.New().String())
	req.Header.Set(HeaderTimestamp, d.Now().UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := d.Client.Do(req)
	if err != nil {
		return &webhook.PingResult{
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}, nil
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused; the ping response body is noise.
	_, _ = io.Copy(io.Discard, resp.Body)

	return &webhook.PingResult{
		StatusCode: resp.StatusCode,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}
