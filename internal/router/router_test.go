package router

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/classify"
)

func testTiers() []Tier {
	return []Tier{
		{
			Name: "free", Min: 0, Max: 0.3, Escalate: true,
			Candidates: []Candidate{
				{Provider: "openai", Model: "gpt-4o-mini", InputCostPerMTok: 0.15, OutputCostPerMTok: 0.6},
			},
		},
		{
			Name: "standard", Min: 0.3, Max: 0.7, Escalate: true,
			Candidates: []Candidate{
				{Provider: "anthropic", Model: "claude-sonnet", InputCostPerMTok: 3, OutputCostPerMTok: 15},
				{Provider: "openai", Model: "gpt-4o", InputCostPerMTok: 2.5, OutputCostPerMTok: 10},
			},
		},
		{
			Name: "premium", Min: 0.7, Max: 1,
			Candidates: []Candidate{
				{Provider: "anthropic", Model: "claude-opus", InputCostPerMTok: 15, OutputCostPerMTok: 75},
			},
		},
	}
}

func TestValidateTiers(t *testing.T) {
	tests := []struct {
		name    string
		tiers   []Tier
		wantErr bool
	}{
		{"valid", testTiers(), false},
		{"empty", nil, true},
		{
			"overlap",
			[]Tier{
				{Name: "a", Min: 0, Max: 0.5, Candidates: []Candidate{{Provider: "p", Model: "m"}}},
				{Name: "b", Min: 0.4, Max: 1, Candidates: []Candidate{{Provider: "p", Model: "m"}}},
			},
			true,
		},
		{
			"gap",
			[]Tier{
				{Name: "a", Min: 0, Max: 0.4, Candidates: []Candidate{{Provider: "p", Model: "m"}}},
				{Name: "b", Min: 0.6, Max: 1, Candidates: []Candidate{{Provider: "p", Model: "m"}}},
			},
			true,
		},
		{
			"no candidates",
			[]Tier{{Name: "a", Min: 0, Max: 1}},
			true,
		},
		{
			"inverted range",
			[]Tier{{Name: "a", Min: 0.8, Max: 0.2, Candidates: []Candidate{{Provider: "p", Model: "m"}}}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTiers(tt.tiers)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTiers() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSelectByScore(t *testing.T) {
	r := New(testTiers(), Config{}, nil)
	ctx := context.Background()

	tests := []struct {
		score    float64
		wantTier string
	}{
		{0.0, "free"},
		{0.1, "free"},
		{0.3, "standard"},
		{0.5, "standard"},
		{0.7, "premium"},
		{0.9, "premium"},
		{1.0, "premium"}, // top tier upper bound is inclusive
	}

	for _, tt := range tests {
		d := r.Select(ctx, classify.Score{Value: tt.score})
		if d.Tier != tt.wantTier {
			t.Errorf("Select(%v) tier = %q, want %q", tt.score, d.Tier, tt.wantTier)
		}
		if len(d.Candidates) == 0 {
			t.Errorf("Select(%v) returned empty candidate chain", tt.score)
		}
	}
}

func TestSelectOutOfRangeFallsToHighestTier(t *testing.T) {
	r := New(testTiers(), Config{}, nil)
	d := r.Select(context.Background(), classify.Score{Value: 1.5})
	if d.Tier != "premium" {
		t.Errorf("out-of-range score routed to %q, want premium", d.Tier)
	}
}

func TestRoundRobinRotates(t *testing.T) {
	r := New(testTiers(), Config{}, nil)
	ctx := context.Background()

	first := r.Select(ctx, classify.Score{Value: 0.5})
	second := r.Select(ctx, classify.Score{Value: 0.5})
	if first.Model == second.Model {
		t.Errorf("round robin returned %q twice in a row", first.Model)
	}
}

func TestLeastCostOrdering(t *testing.T) {
	tiers := testTiers()
	tiers[1].Strategy = StrategyLeastCost
	r := New(tiers, Config{}, nil)

	d := r.Select(context.Background(), classify.Score{Value: 0.5})
	if d.Model != "gpt-4o" {
		t.Errorf("least cost selected %q, want gpt-4o", d.Model)
	}
	d2 := r.Select(context.Background(), classify.Score{Value: 0.5})
	if d2.Model != "gpt-4o" {
		t.Errorf("least cost should be stable, got %q on second call", d2.Model)
	}
}

func TestConsecutiveFailuresTripUnhealthy(t *testing.T) {
	r := New(testTiers(), Config{FailureThreshold: 3, Cooldown: time.Minute}, nil)
	ctx := context.Background()

	d := r.Select(ctx, classify.Score{Value: 0.1})
	for i := 0; i < 3; i++ {
		r.Update(ctx, d, Outcome{Success: false})
	}

	// The only free-tier candidate is in cooldown; selection must
	// escalate, never downgrade.
	next := r.Select(ctx, classify.Score{Value: 0.1})
	if next.Tier != "standard" {
		t.Errorf("after cooldown trip, tier = %q, want standard", next.Tier)
	}
	if !next.Escalated {
		t.Error("decision should be marked escalated")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	r := New(testTiers(), Config{FailureThreshold: 3, Cooldown: time.Minute}, nil)
	ctx := context.Background()

	d := r.Select(ctx, classify.Score{Value: 0.1})
	r.Update(ctx, d, Outcome{Success: false})
	r.Update(ctx, d, Outcome{Success: false})
	r.Update(ctx, d, Outcome{Success: true, Quality: 0.9})
	r.Update(ctx, d, Outcome{Success: false})
	r.Update(ctx, d, Outcome{Success: false})

	next := r.Select(ctx, classify.Score{Value: 0.1})
	if next.Tier != "free" {
		t.Errorf("streak should have reset on success, got tier %q", next.Tier)
	}
}

func TestCooldownExpiryRestoresCandidate(t *testing.T) {
	r := New(testTiers(), Config{FailureThreshold: 1, Cooldown: time.Minute}, nil)
	ctx := context.Background()

	now := time.Now()
	r.now = func() time.Time { return now }

	d := r.Select(ctx, classify.Score{Value: 0.1})
	r.Update(ctx, d, Outcome{Success: false})

	if got := r.Select(ctx, classify.Score{Value: 0.1}); got.Tier != "standard" {
		t.Fatalf("expected escalation during cooldown, got %q", got.Tier)
	}

	r.now = func() time.Time { return now.Add(2 * time.Minute) }
	if got := r.Select(ctx, classify.Score{Value: 0.1}); got.Tier != "free" {
		t.Errorf("expected candidate back after cooldown, got %q", got.Tier)
	}
}

func TestAllUnhealthyInHighestTierStillRoutes(t *testing.T) {
	r := New(testTiers(), Config{FailureThreshold: 1, Cooldown: time.Minute}, nil)
	ctx := context.Background()

	d := r.Select(ctx, classify.Score{Value: 0.9})
	r.Update(ctx, d, Outcome{Success: false})

	next := r.Select(ctx, classify.Score{Value: 0.9})
	if next.Tier != "premium" || len(next.Candidates) == 0 {
		t.Errorf("highest tier must still route when unhealthy, got %+v", next)
	}
}

func TestQualityFeedbackEscalates(t *testing.T) {
	r := New(testTiers(), Config{QualityFloor: 0.5}, nil)
	ctx := context.Background()

	d := r.Select(ctx, classify.Score{Value: 0.1})
	for i := 0; i < 5; i++ {
		r.Update(ctx, d, Outcome{Success: true, Quality: 0.1})
	}

	next := r.Select(ctx, classify.Score{Value: 0.1})
	if next.Tier != "standard" {
		t.Errorf("degraded quality should bias one tier up, got %q", next.Tier)
	}

	// Good outcomes in the tier clear the bias again.
	for i := 0; i < 10; i++ {
		r.Update(ctx, d, Outcome{Success: true, Quality: 0.95})
	}
	after := r.Select(ctx, classify.Score{Value: 0.1})
	if after.Tier != "free" {
		t.Errorf("recovered quality should clear escalation, got %q", after.Tier)
	}
}

func TestCostTracker(t *testing.T) {
	tracker := NewCostTracker()
	c := Candidate{Provider: "anthropic", Model: "claude-sonnet", InputCostPerMTok: 3, OutputCostPerMTok: 15}

	rec := tracker.Record("user-1", "standard", c, 1000, 500)
	wantCost := (1000*3.0 + 500*15.0) / 1_000_000
	if diff := rec.CostUSD - wantCost; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", rec.CostUSD, wantCost)
	}

	tracker.Record("user-1", "standard", c, 100, 100)
	totals := tracker.SenderTotals("user-1")
	if totals.Requests != 2 || totals.InputTokens != 1100 || totals.OutputTokens != 600 {
		t.Errorf("unexpected sender totals: %+v", totals)
	}
	if tracker.SenderTotals("user-2").Requests != 0 {
		t.Error("unknown sender should have zero totals")
	}
}
