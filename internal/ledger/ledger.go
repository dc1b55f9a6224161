// Package ledger keeps a durable per-run record of execution attempts
// in an embedded sqlite database. The journal remains the ordered
// timeline; the ledger is the structured record operators query after
// a run.
package ledger

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one execution attempt against a coder agent.
type Record struct {
	ExecutionID     string    `json:"execution_id"`
	Fingerprint     string    `json:"fingerprint"`
	HostIP          string    `json:"host_ip"`
	Attempt         int       `json:"attempt"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationMS      int64     `json:"duration_ms"`
	ToolInvocations int       `json:"tool_invocations"`
	TokensIn        int       `json:"tokens_in"`
	TokensOut       int       `json:"tokens_out"`
	Cost            float64   `json:"cost"`
	SessionID       string    `json:"session_id,omitempty"`
}

// Ledger wraps the sqlite database. Safe for concurrent use; sqlite
// serialises writers internally.
type Ledger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id     TEXT NOT NULL,
	fingerprint      TEXT NOT NULL,
	host_ip          TEXT NOT NULL,
	attempt          INTEGER NOT NULL,
	status           TEXT NOT NULL,
	started_at       TIMESTAMP NOT NULL,
	finished_at      TIMESTAMP NOT NULL,
	duration_ms      INTEGER NOT NULL,
	tool_invocations INTEGER NOT NULL DEFAULT 0,
	tokens_in        INTEGER NOT NULL DEFAULT 0,
	tokens_out       INTEGER NOT NULL DEFAULT 0,
	cost             REAL NOT NULL DEFAULT 0,
	session_id       TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_fingerprint ON executions(fingerprint);
`

// Open creates (or reopens) the ledger database and applies the schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Insert records one finished execution attempt.
func (l *Ledger) Insert(ctx context.Context, rec Record) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO executions (
			execution_id, fingerprint, host_ip, attempt, status,
			started_at, finished_at, duration_ms,
			tool_invocations, tokens_in, tokens_out, cost, session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.Fingerprint, rec.HostIP, rec.Attempt, rec.Status,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.DurationMS,
		rec.ToolInvocations, rec.TokensIn, rec.TokensOut, rec.Cost, rec.SessionID,
	)
	return err
}

// List returns the most recent attempts, newest first, up to limit.
func (l *Ledger) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT execution_id, fingerprint, host_ip, attempt, status,
		       started_at, finished_at, duration_ms,
		       tool_invocations, tokens_in, tokens_out, cost, COALESCE(session_id, '')
		FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ExecutionID, &rec.Fingerprint, &rec.HostIP, &rec.Attempt, &rec.Status,
			&rec.StartedAt, &rec.FinishedAt, &rec.DurationMS,
			&rec.ToolInvocations, &rec.TokensIn, &rec.TokensOut, &rec.Cost, &rec.SessionID,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByStatus aggregates terminal outcomes for the run summary.
func (l *Ledger) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
