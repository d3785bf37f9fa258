package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Alert lifecycle event types. These are the names external consumers
// subscribe to, so they are part of the wire vocabulary.
const (
	AlertCreated      = "alert.created"
	AlertAcknowledged = "alert.acknowledged"
	AlertStarted      = "alert.started"
	AlertEscalated    = "alert.escalated"
	AlertResolved     = "alert.resolved"
	AlertDismissed    = "alert.dismissed"
	AlertSLABreached  = "alert.sla_breached"

	// Signals forwarded from the risk-scoring collaborator.
	RiskScoreIncreased = "risk.score_increased"
	CriticalFinding    = "risk.critical_finding"
)

// AlertSnapshot carries the alert fields consumers need without forcing a
// read back through the repository.
type AlertSnapshot struct {
	Priority  string
	Category  string
	Status    string
	RiskScore int
}

// Event is one occurrence on the internal stream connecting the SLA sweep,
// the escalation engine, and the webhook dispatcher.
type Event struct {
	ID         string
	Type       string
	AlertID    string
	TriggerKey string // deterministic fingerprint of the trigger instance
	OccurredAt time.Time
	Alert      AlertSnapshot
}

// New builds an event with a fresh occurrence ID.
func New(eventType, alertID, triggerKey string, snap AlertSnapshot) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		AlertID:    alertID,
		TriggerKey: triggerKey,
		OccurredAt: time.Now().UTC(),
		Alert:      snap,
	}
}

// HandlerFunc consumes one event. Handlers own their error handling; a
// failed handler must not poison the stream for other subscribers.
type HandlerFunc func(ctx context.Context, ev Event)

type subscription struct {
	name string
	fn   HandlerFunc
	ch   chan Event
}

// Bus is an in-process publish/subscribe stream. Each subscriber gets its
// own buffered channel and worker goroutine, so a slow consumer never blocks
// the others and publishers return as soon as the event is queued.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	buffer int
	logger zerolog.Logger
}

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 1024

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int, logger zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		buffer: buffer,
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a named handler. Must be called before Start.
func (b *Bus) Subscribe(name string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, &subscription{
		name: name,
		fn:   fn,
		ch:   make(chan Event, b.buffer),
	})
}

// Start runs one worker per subscription and blocks until ctx is cancelled.
func (b *Bus) Start(ctx context.Context) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			b.run(ctx, s)
		}(s)
	}
	wg.Wait()
}

func (b *Bus) run(ctx context.Context, s *subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.ch:
			b.dispatch(ctx, s, ev)
		}
	}
}

// dispatch invokes the handler, isolating panics so one bad consumer cannot
// take down the stream.
func (b *Bus) dispatch(ctx context.Context, s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subscriber", s.name).
				Str("event_id", ev.ID).
				Str("event_type", ev.Type).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	s.fn(ctx, ev)
}

// Publish queues the event for every subscriber. It blocks only when a
// subscriber's buffer is full, and gives up on that subscriber if ctx is
// cancelled first (the drop is logged; breach and escalation state lives in
// the database, so a dropped event is observable, not silent corruption).
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			b.logger.Warn().
				Str("subscriber", s.name).
				Str("event_id", ev.ID).
				Str("event_type", ev.Type).
				Str("alert_id", ev.AlertID).
				Msg("event dropped: context cancelled while queue full")
		}
	}
}
