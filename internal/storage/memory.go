package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory CompletionStore. State is lost on
// restart; intended for tests and single-process deployments that do
// not need durable history.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*CompletionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(ctx context.Context, rec *CompletionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	cp := *rec
	s.mu.Lock()
	s.records = append(s.records, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListBySender(ctx context.Context, sender string, limit int) ([]*CompletionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*CompletionRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].Sender == sender {
			cp := *s.records[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) TotalsBySender(ctx context.Context, sender string) (SenderTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals SenderTotals
	for _, rec := range s.records {
		if rec.Sender != sender {
			continue
		}
		totals.Requests++
		totals.InputTokens += int64(rec.InputTokens)
		totals.OutputTokens += int64(rec.OutputTokens)
		totals.CostUSD += rec.CostUSD
	}
	return totals, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
