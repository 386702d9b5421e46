package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS completions (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	sender        TEXT NOT NULL,
	channel       TEXT NOT NULL DEFAULT '',
	tier          TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	score         REAL NOT NULL DEFAULT 0,
	success       INTEGER NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	failovers     INTEGER NOT NULL DEFAULT 0,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_completions_sender ON completions (sender, created_at DESC);
`

// SQLiteStore is a CompletionStore backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage: sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, rec *CompletionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completions
		 (id, run_id, sender, channel, tier, provider, model, score, success,
		  attempts, failovers, latency_ms, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.RunID, rec.Sender, rec.Channel, rec.Tier, rec.Provider, rec.Model,
		rec.Score, boolToInt(rec.Success), rec.Attempts, rec.Failovers,
		rec.LatencyMS, rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert completion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListBySender(ctx context.Context, sender string, limit int) ([]*CompletionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sender, channel, tier, provider, model, score, success,
		        attempts, failovers, latency_ms, input_tokens, output_tokens, cost_usd, created_at
		 FROM completions
		 WHERE sender = ?
		 ORDER BY created_at DESC
		 LIMIT ?`, sender, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list completions: %w", err)
	}
	defer rows.Close()

	var out []*CompletionRecord
	for rows.Next() {
		var rec CompletionRecord
		var success int
		if err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.Sender, &rec.Channel, &rec.Tier, &rec.Provider, &rec.Model,
			&rec.Score, &success, &rec.Attempts, &rec.Failovers,
			&rec.LatencyMS, &rec.InputTokens, &rec.OutputTokens, &rec.CostUSD, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan completion: %w", err)
		}
		rec.Success = success != 0
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TotalsBySender(ctx context.Context, sender string) (SenderTotals, error) {
	var totals SenderTotals
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM completions WHERE sender = ?`, sender).
		Scan(&totals.Requests, &totals.InputTokens, &totals.OutputTokens, &totals.CostUSD)
	if err != nil {
		return SenderTotals{}, fmt.Errorf("storage: sender totals: %w", err)
	}
	return totals, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
