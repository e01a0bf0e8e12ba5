package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const auditSchema = `CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	ray_id TEXT NOT NULL,
	user TEXT,
	method TEXT,
	endpoint TEXT,
	model TEXT,
	key_id TEXT,
	upstream_status INTEGER,
	outcome TEXT NOT NULL,
	prompt_tokens INTEGER,
	completion_tokens INTEGER,
	total_tokens INTEGER,
	tokens_estimated INTEGER,
	latency_ms INTEGER,
	request_body TEXT
)`

const auditInsert = `INSERT INTO audit_log (
	timestamp, ray_id, user, method, endpoint, model, key_id,
	upstream_status, outcome, prompt_tokens, completion_tokens,
	total_tokens, tokens_estimated, latency_ms, request_body
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteBackend persists records to a local SQLite database. Each batch
// goes in one transaction.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// The writer goroutine is the only user; a second connection would
	// just contend on SQLite's file lock.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) WriteBatch(ctx context.Context, records []Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, auditInsert)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.RayID,
			rec.User,
			rec.Method,
			rec.Endpoint,
			rec.Model,
			rec.KeyID,
			rec.UpstreamStatus,
			string(rec.Outcome),
			rec.PromptTokens,
			rec.CompletionTokens,
			rec.TotalTokens,
			rec.TokensEstimated,
			rec.LatencyMS,
			rec.RequestBody,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert audit record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
