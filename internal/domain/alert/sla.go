package alert

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/caresignal/caresignal/internal/platform/events"
)

// SLATracker periodically sweeps for alerts past their deadline and marks
// each breach exactly once. The conditional flip of sla_breached is the
// synchronization primitive, so any number of concurrent sweeps stay safe.
type SLATracker struct {
	repo      Repository
	publisher Publisher
	logger    zerolog.Logger

	// Interval controls how often the sweep runs.
	Interval time.Duration
	// BatchSize is the max number of overdue alerts handled per sweep.
	BatchSize int
	// Now is the clock used for deadline comparison. Tests override it.
	Now func() time.Time
}

// NewSLATracker creates a tracker with default tuning.
func NewSLATracker(repo Repository, publisher Publisher, logger zerolog.Logger) *SLATracker {
	return &SLATracker{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		Interval:  30 * time.Second,
		BatchSize: 100,
		Now:       time.Now,
	}
}

// Start runs the sweep loop. It blocks until ctx is cancelled.
func (t *SLATracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single breach sweep and returns how many alerts this call
// breached. Per-alert failures are logged and skipped so one bad row never
// stalls the rest of the batch.
func (t *SLATracker) SweepOnce(ctx context.Context) int {
	now := t.Now().UTC()
	overdue, err := t.repo.ListOverdueUnbreached(ctx, now, t.BatchSize)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to list overdue alerts")
		return 0
	}

	breached := 0
	for _, a := range overdue {
		step := &WorkflowStep{
			AlertID:     a.ID,
			ActionType:  ActionSLABreachDetected,
			Actor:       "system",
			AlertStatus: a.Status,
			Outcome:     OutcomeNotApplicable,
			Metadata:    map[string]string{"sla_deadline": a.SLADeadline.Format(time.RFC3339)},
			CreatedAt:   now,
		}
		flipped, err := t.repo.MarkBreached(ctx, a.ID, step)
		if err != nil {
			t.logger.Error().Err(err).Str("alert", a.ID.String()).Msg("failed to mark sla breach")
			continue
		}
		if !flipped {
			// another sweep won the flip, or the alert closed meanwhile
			continue
		}
		breached++
		t.logger.Warn().
			Str("alert", a.ID.String()).
			Str("priority", a.Priority).
			Time("deadline", a.SLADeadline).
			Msg("sla breached")

		if t.publisher != nil {
			t.publisher.Publish(ctx, events.New(events.AlertSLABreached, a.ID.String(),
				"sla_breach:"+a.ID.String(), events.AlertSnapshot{
					Priority:  a.Priority,
					Category:  a.Category,
					Status:    a.Status,
					RiskScore: a.RiskScore,
				}))
		}
	}
	return breached
}
