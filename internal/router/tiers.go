// Package router selects a (tier, provider, model) for each request based
// on its complexity score, and adapts future selections from outcome
// feedback. Tier definitions are configuration-owned and read-only at
// request time.
package router

import (
	"fmt"
	"sort"
)

// Strategy selects among a tier's healthy candidates.
type Strategy string

const (
	// StrategyRoundRobin rotates through candidates per request.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyLeastCost prefers the cheapest candidate by summed
	// per-million-token pricing.
	StrategyLeastCost Strategy = "least_cost"
)

// Candidate is one (provider, model) pair inside a tier.
type Candidate struct {
	Provider string
	Model    string

	// InputCostPerMTok and OutputCostPerMTok are USD per million tokens,
	// used for least-cost ordering and cost attribution.
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// key identifies the candidate for health and counter state.
func (c Candidate) key() string {
	return c.Provider + "/" + c.Model
}

// unitCost is the ordering key for least-cost selection.
func (c Candidate) unitCost() float64 {
	return c.InputCostPerMTok + c.OutputCostPerMTok
}

// Estimate returns the USD cost of a call with the given token counts.
func (c Candidate) Estimate(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*c.InputCostPerMTok +
		float64(outputTokens)*c.OutputCostPerMTok) / 1_000_000
}

// Tier is a named complexity bucket with an ordered candidate list.
// A score routes to the tier whose [Min,Max) range contains it; the
// highest tier's range is inclusive of Max.
type Tier struct {
	Name string

	Min float64
	Max float64

	// Strategy orders candidates within the tier. Default round-robin.
	Strategy Strategy

	// Escalate permits adaptive escalation of future similar-complexity
	// requests out of this tier when quality feedback degrades.
	Escalate bool

	Candidates []Candidate
}

// contains reports whether score falls in this tier's range. highest
// makes the upper bound inclusive.
func (t Tier) contains(score float64, highest bool) bool {
	if score < t.Min {
		return false
	}
	if highest {
		return score <= t.Max
	}
	return score < t.Max
}

// ValidateTiers checks tier definitions at load time: every tier needs a
// candidate and a sane range, and ranges must neither overlap nor leave
// gaps between consecutive tiers. Overlap is a configuration error, not
// something to resolve per request.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("router: no tiers configured")
	}

	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	for _, t := range sorted {
		if t.Name == "" {
			return fmt.Errorf("router: tier with range [%v,%v] has no name", t.Min, t.Max)
		}
		if len(t.Candidates) == 0 {
			return fmt.Errorf("router: tier %q has no candidates", t.Name)
		}
		if t.Min < 0 || t.Max > 1 || t.Min >= t.Max {
			return fmt.Errorf("router: tier %q has invalid range [%v,%v]", t.Name, t.Min, t.Max)
		}
		for _, c := range t.Candidates {
			if c.Provider == "" || c.Model == "" {
				return fmt.Errorf("router: tier %q has a candidate missing provider or model", t.Name)
			}
		}
	}

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.Min < prev.Max {
			return fmt.Errorf("router: tiers %q and %q have overlapping ranges", prev.Name, cur.Name)
		}
		if cur.Min > prev.Max {
			return fmt.Errorf("router: gap between tiers %q and %q (%v to %v)", prev.Name, cur.Name, prev.Max, cur.Min)
		}
	}

	return nil
}
