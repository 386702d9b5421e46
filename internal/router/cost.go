package router

import (
	"sort"
	"sync"
	"time"
)

// CostTotals accumulates spend for one attribution key.
type CostTotals struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// CostRecord is one completed call's attribution.
type CostRecord struct {
	Sender       string
	Provider     string
	Model        string
	Tier         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	At           time.Time
}

// CostTracker accumulates per-sender and per-model spend in memory.
// Records can also be forwarded to a persistent sink by the caller.
type CostTracker struct {
	mu       sync.Mutex
	bySender map[string]*CostTotals
	byModel  map[string]*CostTotals
	total    CostTotals
}

func NewCostTracker() *CostTracker {
	return &CostTracker{
		bySender: make(map[string]*CostTotals),
		byModel:  make(map[string]*CostTotals),
	}
}

// Record attributes one call's tokens and cost. Returns the record with
// the computed USD cost filled in, for persistence.
func (t *CostTracker) Record(sender string, tier string, c Candidate, inputTokens, outputTokens int) CostRecord {
	cost := c.Estimate(inputTokens, outputTokens)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, totals := range []*CostTotals{t.bucketLocked(t.bySender, sender), t.bucketLocked(t.byModel, c.key()), &t.total} {
		totals.Requests++
		totals.InputTokens += int64(inputTokens)
		totals.OutputTokens += int64(outputTokens)
		totals.CostUSD += cost
	}

	return CostRecord{
		Sender:       sender,
		Provider:     c.Provider,
		Model:        c.Model,
		Tier:         tier,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		At:           time.Now(),
	}
}

func (t *CostTracker) bucketLocked(m map[string]*CostTotals, key string) *CostTotals {
	if key == "" {
		key = "unknown"
	}
	b, ok := m[key]
	if !ok {
		b = &CostTotals{}
		m[key] = b
	}
	return b
}

// SenderTotals returns the accumulated spend for one sender.
func (t *CostTracker) SenderTotals(sender string) CostTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bySender[sender]; ok {
		return *b
	}
	return CostTotals{}
}

// Total returns the global accumulated spend.
func (t *CostTracker) Total() CostTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ModelTotals pairs a model name with its accumulated spend.
type ModelTotals struct {
	Model  string
	Totals CostTotals
}

// ModelBreakdown lists per-model totals sorted by descending cost.
func (t *CostTracker) ModelBreakdown() []ModelTotals {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ModelTotals, 0, len(t.byModel))
	for k, v := range t.byModel {
		out = append(out, ModelTotals{Model: k, Totals: *v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Totals.CostUSD > out[j].Totals.CostUSD })
	return out
}
