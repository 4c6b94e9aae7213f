package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotpersona/pkg/detector"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

// UpsertTranscript records an archived transcript attributed to a construct.
func (s *SQLiteStore) UpsertTranscript(ctx context.Context, t detector.Transcript) error {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.ConstructID) == "" {
		return fmt.Errorf("upsert transcript: missing id/construct_id")
	}
	if t.UpdatedAtMS == 0 {
		t.UpdatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transcripts(id, subject_id, construct_id, callsign, message_count, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	subject_id = excluded.subject_id,
	construct_id = excluded.construct_id,
	callsign = excluded.callsign,
	message_count = excluded.message_count,
	updated_at_ms = excluded.updated_at_ms`,
		t.ID, t.SubjectID, t.ConstructID, t.Callsign, t.MessageCount, t.UpdatedAtMS)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// Transcripts returns the subject's archived transcripts, newest first.
func (s *SQLiteStore) Transcripts(ctx context.Context, subjectID string, limit int) ([]detector.Transcript, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject_id, construct_id, callsign, message_count, updated_at_ms
FROM transcripts
WHERE subject_id = ?
ORDER BY updated_at_ms DESC
LIMIT ?`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	out := make([]detector.Transcript, 0, limit)
	for rows.Next() {
		var t detector.Transcript
		if err := rows.Scan(&t.ID, &t.SubjectID, &t.ConstructID, &t.Callsign, &t.MessageCount, &t.UpdatedAtMS); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}

// AddLedgerEntry appends a continuity note or relationship anchor and
// returns its id.
func (s *SQLiteStore) AddLedgerEntry(ctx context.Context, e detector.LedgerEntry) (string, error) {
	if strings.TrimSpace(e.SubjectID) == "" {
		return "", fmt.Errorf("add ledger entry: empty subject id")
	}
	if strings.TrimSpace(e.Text) == "" {
		return "", fmt.Errorf("add ledger entry: empty text")
	}
	switch e.Kind {
	case detector.LedgerContinuity, detector.LedgerAnchor:
	case "":
		e.Kind = detector.LedgerContinuity
	default:
		return "", fmt.Errorf("add ledger entry: unknown kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = "led-" + uuid.NewString()
	}
	if e.CreatedAtMS == 0 {
		e.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ledger_entries(id, subject_id, construct_id, callsign, kind, text, significance, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubjectID, e.ConstructID, e.Callsign, string(e.Kind), e.Text, persona.Clamp01(e.Significance), e.CreatedAtMS)
	if err != nil {
		return "", fmt.Errorf("add ledger entry: %w", err)
	}
	return e.ID, nil
}

// LedgerEntries returns the subject's ledger, newest first.
func (s *SQLiteStore) LedgerEntries(ctx context.Context, subjectID string, limit int) ([]detector.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject_id, construct_id, callsign, kind, text, significance, created_at_ms
FROM ledger_entries
WHERE subject_id = ?
ORDER BY created_at_ms DESC
LIMIT ?`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	out := make([]detector.LedgerEntry, 0, limit)
	for rows.Next() {
		var e detector.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.ConstructID, &e.Callsign, &kind, &e.Text, &e.Significance, &e.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = detector.LedgerKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return out, nil
}

// DriftRecord is one persisted drift detection.
type DriftRecord struct {
	ID           string                 `json:"id"`
	SessionID    string                 `json:"session_id"`
	ConstructKey string                 `json:"construct_key"`
	Detection    persona.DriftDetection `json:"detection"`
	Response     string                 `json:"response"`
	CreatedAtMS  int64                  `json:"created_at_ms"`
}

// RecordDrift persists a detection and returns its id.
func (s *SQLiteStore) RecordDrift(ctx context.Context, rec DriftRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = "drf-" + uuid.NewString()
	}
	if rec.CreatedAtMS == 0 {
		rec.CreatedAtMS = nowMS()
	}
	raw, err := json.Marshal(rec.Detection)
	if err != nil {
		return "", fmt.Errorf("encode drift detection: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO drift_records(id, session_id, construct_key, severity, detected, corrected, detection_json, response, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.ConstructKey, string(rec.Detection.Severity),
		boolInt(rec.Detection.Detected), boolInt(rec.Detection.Corrected), string(raw), rec.Response, rec.CreatedAtMS)
	if err != nil {
		return "", fmt.Errorf("record drift: %w", err)
	}
	return rec.ID, nil
}

// ListDrift returns drift records for a construct key, newest first. An
// empty key lists every construct.
func (s *SQLiteStore) ListDrift(ctx context.Context, constructKey string, limit int) ([]DriftRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, construct_key, detection_json, response, created_at_ms
FROM drift_records
WHERE (? = '' OR construct_key = ?)
ORDER BY created_at_ms DESC
LIMIT ?`, constructKey, constructKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list drift records: %w", err)
	}
	defer rows.Close()

	out := make([]DriftRecord, 0, limit)
	for rows.Next() {
		var rec DriftRecord
		var raw string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ConstructKey, &raw, &rec.Response, &rec.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan drift record: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &rec.Detection); err != nil {
			return nil, fmt.Errorf("decode drift record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drift records: %w", err)
	}
	return out, nil
}
