// Package storage persists completion outcomes for cost attribution
// and routing history. Two backends ship: an in-memory store for tests
// and single-process use, and a SQLite store for durable local state.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// CompletionRecord is one finished request's outcome as persisted.
type CompletionRecord struct {
	ID       string
	RunID    string
	Sender   string
	Channel  string
	Tier     string
	Provider string
	Model    string

	Score     float64
	Success   bool
	Attempts  int
	Failovers int

	LatencyMS    int64
	InputTokens  int
	OutputTokens int
	CostUSD      float64

	CreatedAt time.Time
}

// SenderTotals aggregates a sender's recorded usage.
type SenderTotals struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// CompletionStore persists and queries completion records.
type CompletionStore interface {
	// Record inserts one completion record.
	Record(ctx context.Context, rec *CompletionRecord) error

	// ListBySender returns a sender's most recent records, newest
	// first, up to limit.
	ListBySender(ctx context.Context, sender string, limit int) ([]*CompletionRecord, error)

	// TotalsBySender aggregates a sender's usage.
	TotalsBySender(ctx context.Context, sender string) (SenderTotals, error)

	// Close releases underlying resources.
	Close() error
}
