package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caresignal/caresignal/internal/domain/alert"
)

// Most workflow actions carry no notes. The alert_created step written by the
// factory and every transition where the caller omits notes must still insert
// against the real schema, with the nil surviving the round trip.
func TestCreatePersistsInitialStepWithoutNotes(t *testing.T) {
	ctx := context.Background()
	svc, repo := newAlertService(nil)

	a := createTestAlert(t, ctx, svc)

	steps, err := repo.ListSteps(ctx, a.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
	if steps[0].ActionType != alert.ActionAlertCreated {
		t.Errorf("expected %s step, got %s", alert.ActionAlertCreated, steps[0].ActionType)
	}
	if steps[0].Notes != nil {
		t.Errorf("expected nil notes, got %q", *steps[0].Notes)
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if got.Status != alert.StatusPending {
		t.Errorf("expected status %s, got %s", alert.StatusPending, got.Status)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
}

func TestTransitionRoundTripsOptionalNotes(t *testing.T) {
	ctx := context.Background()
	svc, repo := newAlertService(nil)
	a := createTestAlert(t, ctx, svc)

	// Acknowledge without notes.
	acked, err := svc.Acknowledge(ctx, a.ID, alert.TransitionInput{
		ExpectedVersion: a.Version,
		Actor:           "nurse-ramirez",
	})
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != alert.StatusAcknowledged {
		t.Errorf("expected status %s, got %s", alert.StatusAcknowledged, acked.Status)
	}
	if acked.Version != a.Version+1 {
		t.Errorf("expected version %d, got %d", a.Version+1, acked.Version)
	}

	// Start with notes.
	notes := "scheduled cardiology assessment for tomorrow"
	started, err := svc.Start(ctx, a.ID, alert.TransitionInput{
		ExpectedVersion: acked.Version,
		Actor:           "nurse-ramirez",
		Notes:           &notes,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != alert.StatusInProgress {
		t.Errorf("expected status %s, got %s", alert.StatusInProgress, started.Status)
	}

	steps, err := repo.ListSteps(ctx, a.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if steps[1].ActionType != alert.ActionAcknowledged {
		t.Errorf("expected %s step, got %s", alert.ActionAcknowledged, steps[1].ActionType)
	}
	if steps[1].Notes != nil {
		t.Errorf("expected nil notes on acknowledge, got %q", *steps[1].Notes)
	}
	if steps[2].Notes == nil || *steps[2].Notes != notes {
		t.Errorf("expected notes %q on start, got %v", notes, steps[2].Notes)
	}
}

// A writer whose loaded version is stale by the time it writes must lose the
// version guard instead of clobbering the concurrent update.
func TestApplyTransitionStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	svc, repo := newAlertService(nil)
	a := createTestAlert(t, ctx, svc)

	if _, err := svc.Acknowledge(ctx, a.ID, alert.TransitionInput{
		ExpectedVersion: a.Version,
		Actor:           "nurse-chen",
	}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	// Replay against the pre-acknowledge version.
	now := time.Now().UTC()
	stale := *a
	stale.Status = alert.StatusAcknowledged
	stale.UpdatedAt = now
	step := &alert.WorkflowStep{
		AlertID:     a.ID,
		ActionType:  alert.ActionAcknowledged,
		Actor:       "nurse-okafor",
		AlertStatus: alert.StatusAcknowledged,
		Outcome:     alert.OutcomeNotApplicable,
		CreatedAt:   now,
	}
	err := repo.ApplyTransition(ctx, &stale, step, a.Version)
	if !errors.Is(err, alert.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The losing write must not have appended its step.
	steps, err := repo.ListSteps(ctx, a.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Errorf("expected 2 steps after rejected replay, got %d", len(steps))
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if got.Version != a.Version+1 {
		t.Errorf("expected version %d, got %d", a.Version+1, got.Version)
	}
}
