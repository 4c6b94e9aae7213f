// Package store persists blueprints, context locks, conversation threads,
// the transcript archive, the continuity ledger and drift records in one
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the persistent persona store.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the persona database at path.
func Open(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("open store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS constructs (
			construct_key TEXT PRIMARY KEY,
			construct_id TEXT NOT NULL,
			callsign TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			aliases_json TEXT NOT NULL DEFAULT '[]',
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS blueprints (
			id TEXT PRIMARY KEY,
			construct_key TEXT NOT NULL,
			construct_id TEXT NOT NULL,
			callsign TEXT NOT NULL,
			revision INTEGER NOT NULL,
			confidence REAL NOT NULL,
			blueprint_json TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			UNIQUE(construct_key, revision)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_blueprints_key ON blueprints(construct_key, revision DESC);`,
		`CREATE TABLE IF NOT EXISTS context_locks (
			session_id TEXT PRIMARY KEY,
			lock_id TEXT NOT NULL,
			construct_key TEXT NOT NULL,
			lock_json TEXT NOT NULL,
			established_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_threads_subject ON threads(subject_id, updated_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			construct_id TEXT NOT NULL,
			callsign TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_subject ON transcripts(subject_id, updated_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			construct_id TEXT NOT NULL DEFAULT '',
			callsign TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			significance REAL NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_subject ON ledger_entries(subject_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS drift_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			construct_key TEXT NOT NULL,
			severity TEXT NOT NULL,
			detected INTEGER NOT NULL,
			corrected INTEGER NOT NULL,
			detection_json TEXT NOT NULL,
			response TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_drift_construct ON drift_records(construct_key, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS persona_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init store (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

// AddMetric appends one metric sample.
func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO persona_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// MetricTotal sums every sample of metric recorded since sinceMS.
func (s *SQLiteStore) MetricTotal(ctx context.Context, metric string, sinceMS int64) (float64, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(value), 0) FROM persona_metrics
WHERE metric = ? AND created_at_ms >= ?`, metric, sinceMS)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("metric total: %w", err)
	}
	return total, nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func encodeStrings(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
