package router

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/relay/internal/classify"
	"github.com/haasonsaas/relay/internal/observability"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count after
	// which a candidate is marked unhealthy.
	DefaultFailureThreshold = 3

	// DefaultCooldown is how long an unhealthy candidate sits out
	// before it is eligible again.
	DefaultCooldown = 30 * time.Second

	// DefaultQualityFloor is the EWMA quality below which a tier starts
	// biasing similar requests one tier up.
	DefaultQualityFloor = 0.5

	// qualityAlpha is the EWMA smoothing factor for quality feedback.
	qualityAlpha = 0.3
)

// Config tunes routing behavior beyond the tier table itself.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	QualityFloor     float64
}

func (c Config) sanitized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.QualityFloor <= 0 || c.QualityFloor > 1 {
		c.QualityFloor = DefaultQualityFloor
	}
	return c
}

// Decision is the routing output for one request: a chosen candidate
// plus the ordered failover chain behind it. The chain is what the
// transport walks when the first candidate cannot complete.
type Decision struct {
	Tier      string
	Provider  string
	Model     string
	Escalated bool

	// Candidates is the full ordered chain; Candidates[0] is the
	// selection above.
	Candidates []Candidate
}

// Outcome is the feedback for a completed (or failed) request.
type Outcome struct {
	Success bool

	// Quality is a [0,1] signal for successful completions; ignored on
	// failure.
	Quality float64

	LatencyMS    int64
	InputTokens  int
	OutputTokens int
}

// candidateState holds per-candidate health and quality. Guarded by its
// own mutex so feedback on one candidate never blocks selection on
// another.
type candidateState struct {
	mu sync.Mutex

	consecutiveFailures int
	unhealthyUntil      time.Time

	qualityEWMA float64
	hasQuality  bool

	successes atomic.Int64
	failures  atomic.Int64
}

func (s *candidateState) healthy(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.unhealthyUntil)
}

// tierState is the per-tier rotation counter and escalation bias.
type tierState struct {
	rr       atomic.Uint64
	escalate atomic.Bool
}

// Router maps complexity scores to candidates and folds outcome
// feedback back into selection. Safe for concurrent use.
type Router struct {
	tiers  []Tier // sorted ascending by Min
	cfg    Config
	logger *observability.Logger

	states     map[string]*candidateState
	tierStates map[string]*tierState

	// now is swappable for tests.
	now func() time.Time
}

// New builds a Router from validated tier definitions. Call
// ValidateTiers first; New assumes the table is well formed.
func New(tiers []Tier, cfg Config, logger *observability.Logger) *Router {
	if logger == nil {
		logger = observability.NopLogger()
	}

	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	r := &Router{
		tiers:      sorted,
		cfg:        cfg.sanitized(),
		logger:     logger,
		states:     make(map[string]*candidateState),
		tierStates: make(map[string]*tierState),
		now:        time.Now,
	}
	for _, t := range sorted {
		r.tierStates[t.Name] = &tierState{}
		for _, c := range t.Candidates {
			r.states[t.Name+"|"+c.key()] = &candidateState{}
		}
	}
	return r
}

// Select routes a scored request to a candidate chain. Scores outside
// every tier's range fall to the highest tier rather than failing the
// request. When every candidate in the matched tier is unhealthy,
// selection escalates upward tier by tier; it never downgrades below
// the matched tier.
func (r *Router) Select(ctx context.Context, score classify.Score) Decision {
	idx := r.tierIndex(score.Value)
	if idx < 0 {
		idx = len(r.tiers) - 1
		r.logger.Warn(ctx, "score outside configured tier ranges, using highest tier",
			"score", score.Value,
			"tier", r.tiers[idx].Name)
	}

	escalated := false

	// Quality-driven bias: degraded recent outcomes in this tier push
	// similar requests one tier up, when the tier permits it.
	if idx < len(r.tiers)-1 && r.tiers[idx].Escalate {
		if ts := r.tierStates[r.tiers[idx].Name]; ts.escalate.Load() {
			r.logger.Debug(ctx, "escalating tier on quality feedback",
				"from", r.tiers[idx].Name,
				"to", r.tiers[idx+1].Name)
			idx++
			escalated = true
		}
	}

	now := r.now()
	for {
		tier := r.tiers[idx]
		chain := r.orderCandidates(tier)
		healthyChain := r.filterHealthy(tier, chain, now)
		if len(healthyChain) > 0 {
			return Decision{
				Tier:       tier.Name,
				Provider:   healthyChain[0].Provider,
				Model:      healthyChain[0].Model,
				Escalated:  escalated,
				Candidates: healthyChain,
			}
		}
		if idx == len(r.tiers)-1 {
			// Nowhere left to escalate. Use the full chain anyway and
			// let per-attempt failures surface.
			r.logger.Warn(ctx, "all candidates unhealthy in highest tier, routing anyway",
				"tier", tier.Name)
			return Decision{
				Tier:       tier.Name,
				Provider:   chain[0].Provider,
				Model:      chain[0].Model,
				Escalated:  escalated,
				Candidates: chain,
			}
		}
		r.logger.Warn(ctx, "all candidates unhealthy, escalating tier",
			"from", tier.Name,
			"to", r.tiers[idx+1].Name)
		idx++
		escalated = true
	}
}

// Update feeds one request's outcome back into candidate health and
// tier quality. The decision must be one previously returned by Select.
func (r *Router) Update(ctx context.Context, decision Decision, outcome Outcome) {
	key := decision.Tier + "|" + decision.Provider + "/" + decision.Model
	state, ok := r.states[key]
	if !ok {
		// Decision for a candidate that no longer exists (config
		// reload). Nothing to record.
		return
	}

	if outcome.Success {
		state.successes.Add(1)
		state.mu.Lock()
		state.consecutiveFailures = 0
		state.unhealthyUntil = time.Time{}
		if state.hasQuality {
			state.qualityEWMA = qualityAlpha*outcome.Quality + (1-qualityAlpha)*state.qualityEWMA
		} else {
			state.qualityEWMA = outcome.Quality
			state.hasQuality = true
		}
		ewma := state.qualityEWMA
		state.mu.Unlock()

		if ts := r.tierStates[decision.Tier]; ts != nil {
			ts.escalate.Store(ewma < r.cfg.QualityFloor)
		}
		return
	}

	state.failures.Add(1)
	state.mu.Lock()
	state.consecutiveFailures++
	tripped := state.consecutiveFailures >= r.cfg.FailureThreshold
	if tripped {
		state.unhealthyUntil = r.now().Add(r.cfg.Cooldown)
	}
	state.mu.Unlock()

	if tripped {
		r.logger.Warn(ctx, "candidate marked unhealthy",
			"tier", decision.Tier,
			"provider", decision.Provider,
			"model", decision.Model,
			"cooldown", r.cfg.Cooldown.String())
	}
}

// tierIndex returns the index of the tier containing score, or -1.
func (r *Router) tierIndex(score float64) int {
	for i, t := range r.tiers {
		if t.contains(score, i == len(r.tiers)-1) {
			return i
		}
	}
	return -1
}

// orderCandidates applies the tier's strategy to produce the full
// ordered chain, healthy or not.
func (r *Router) orderCandidates(tier Tier) []Candidate {
	out := make([]Candidate, len(tier.Candidates))
	copy(out, tier.Candidates)

	switch tier.Strategy {
	case StrategyLeastCost:
		sort.SliceStable(out, func(i, j int) bool { return out[i].unitCost() < out[j].unitCost() })
	default:
		ts := r.tierStates[tier.Name]
		offset := int(ts.rr.Add(1)-1) % len(out)
		rotated := make([]Candidate, 0, len(out))
		rotated = append(rotated, out[offset:]...)
		rotated = append(rotated, out[:offset]...)
		out = rotated
	}
	return out
}

// filterHealthy keeps chain order but drops candidates in cooldown.
func (r *Router) filterHealthy(tier Tier, chain []Candidate, now time.Time) []Candidate {
	out := make([]Candidate, 0, len(chain))
	for _, c := range chain {
		if r.states[tier.Name+"|"+c.key()].healthy(now) {
			out = append(out, c)
		}
	}
	return out
}

// CandidateStats is a health snapshot for one candidate, for status
// surfaces.
type CandidateStats struct {
	Tier      string
	Provider  string
	Model     string
	Healthy   bool
	Successes int64
	Failures  int64
	Quality   float64
}

// Stats snapshots every candidate's current health and counters.
func (r *Router) Stats() []CandidateStats {
	now := r.now()
	out := make([]CandidateStats, 0, len(r.states))
	for _, t := range r.tiers {
		for _, c := range t.Candidates {
			state := r.states[t.Name+"|"+c.key()]
			state.mu.Lock()
			quality := state.qualityEWMA
			state.mu.Unlock()
			out = append(out, CandidateStats{
				Tier:      t.Name,
				Provider:  c.Provider,
				Model:     c.Model,
				Healthy:   state.healthy(now),
				Successes: state.successes.Load(),
				Failures:  state.failures.Load(),
				Quality:   quality,
			})
		}
	}
	return out
}
