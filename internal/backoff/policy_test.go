package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayForAttemptGrowth(t *testing.T) {
	policy := Policy{
		Initial:    100 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0, // deterministic
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, 10 * time.Second}, // clamped at max
	}

	for _, tt := range tests {
		got := DelayForAttempt(policy, tt.attempt)
		if got != tt.want {
			t.Errorf("attempt %d: delay = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayNeverExceedsJitteredMax(t *testing.T) {
	policy := Policy{
		Initial:    50 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
	}
	ceiling := time.Duration(float64(policy.Max) * (1 + policy.Jitter))

	for attempt := 0; attempt < 30; attempt++ {
		for _, rv := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
			got := DelayForAttemptWithRand(policy, attempt, rv)
			if got < 0 {
				t.Errorf("attempt %d rand %v: negative delay %v", attempt, rv, got)
			}
			if got > ceiling {
				t.Errorf("attempt %d rand %v: delay %v exceeds ceiling %v", attempt, rv, got, ceiling)
			}
		}
	}
}

func TestJitterIsSymmetric(t *testing.T) {
	policy := Policy{
		Initial:    1 * time.Second,
		Max:        time.Minute,
		Multiplier: 2,
		Jitter:     0.5,
	}

	// randomValue 0 maps to the low edge, 1 would map to the high edge.
	low := DelayForAttemptWithRand(policy, 0, 0)
	if low != 500*time.Millisecond {
		t.Errorf("low edge = %v, want 500ms", low)
	}
	mid := DelayForAttemptWithRand(policy, 0, 0.5)
	if mid != time.Second {
		t.Errorf("midpoint = %v, want 1s", mid)
	}
}

func TestSleepRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, 5*time.Second)
	if err == nil {
		t.Fatal("expected context error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sleep did not return promptly on cancel: %v", elapsed)
	}
}

func TestSleepZeroDuration(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("zero duration sleep should succeed, got %v", err)
	}
}
