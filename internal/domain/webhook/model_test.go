package webhook

import (
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelayMS: 100, MaxDelayMS: 1000}

	cases := []struct {
		failed int
		min    time.Duration
		max    time.Duration
	}{
		{0, 100 * time.Millisecond, 110 * time.Millisecond},
		{1, 100 * time.Millisecond, 110 * time.Millisecond},
		{2, 200 * time.Millisecond, 220 * time.Millisecond},
		{3, 400 * time.Millisecond, 440 * time.Millisecond},
		{4, 800 * time.Millisecond, 880 * time.Millisecond},
		{5, 1000 * time.Millisecond, 1100 * time.Millisecond},
		{40, 1000 * time.Millisecond, 1100 * time.Millisecond},
	}
	for _, tc := range cases {
		d := p.Delay(tc.failed)
		if d < tc.min || d > tc.max {
			t.Errorf("Delay(%d) = %v, want within [%v, %v]", tc.failed, d, tc.min, tc.max)
		}
	}
}

func TestRetryPolicy_Normalize(t *testing.T) {
	if got := (RetryPolicy{}).Normalize(); got != DefaultRetryPolicy {
		t.Errorf("zero policy = %+v, want defaults %+v", got, DefaultRetryPolicy)
	}

	partial := (RetryPolicy{MaxAttempts: 2}).Normalize()
	if partial.MaxAttempts != 2 || partial.BaseDelayMS != DefaultRetryPolicy.BaseDelayMS {
		t.Errorf("partial policy = %+v, want base filled from defaults", partial)
	}

	inverted := (RetryPolicy{MaxAttempts: 3, BaseDelayMS: 60_000, MaxDelayMS: 10}).Normalize()
	if inverted.MaxDelayMS != 60_000 {
		t.Errorf("MaxDelayMS = %d, want raised to the base delay", inverted.MaxDelayMS)
	}
}

func TestEventMatches(t *testing.T) {
	cases := []struct {
		pattern, event string
		want           bool
	}{
		{"alert.created", "alert.created", true},
		{"alert.created", "alert.resolved", false},
		{"alert.*", "alert.escalated", true},
		{"alert.*", "webhook.ping", false},
		{"*.escalated", "alert.escalated", true},
		{"*.escalated", "alert.created", false},
		{"*", "alert.sla_breached", true},
	}
	for _, tc := range cases {
		if got := EventMatches(tc.pattern, tc.event); got != tc.want {
			t.Errorf("EventMatches(%q, %q) = %v, want %v", tc.pattern, tc.event, got, tc.want)
		}
	}
}

func TestConfigurationMatches(t *testing.T) {
	pinned := &WebhookConfiguration{Events: []string{"alert.escalated", "alert.sla_breached"}}
	if !pinned.Matches("alert.sla_breached") {
		t.Error("subscribed event did not match")
	}
	if pinned.Matches("alert.created") {
		t.Error("unsubscribed event matched")
	}

	wildcard := &WebhookConfiguration{Events: []string{"alert.*"}}
	if !wildcard.Matches("alert.created") {
		t.Error("wildcard did not match alert event")
	}
	if wildcard.Matches("webhook.ping") {
		t.Error("alert wildcard matched a ping")
	}
}
