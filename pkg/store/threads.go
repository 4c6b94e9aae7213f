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

// messagesPerThread bounds how many messages RecentThreads loads per thread.
const messagesPerThread = 50

// AppendMessage adds one message to a thread, creating the thread on first
// use.
func (s *SQLiteStore) AppendMessage(ctx context.Context, threadID, subjectID string, msg detector.Message) error {
	if strings.TrimSpace(threadID) == "" {
		return fmt.Errorf("append message: empty thread id")
	}
	if strings.TrimSpace(msg.Role) == "" {
		return fmt.Errorf("append message: empty role")
	}
	if msg.TimestampMS == 0 {
		msg.TimestampMS = nowMS()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO threads(id, subject_id, created_at_ms, updated_at_ms, message_count)
VALUES(?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	subject_id = CASE WHEN threads.subject_id = '' THEN excluded.subject_id ELSE threads.subject_id END`,
		threadID, subjectID, msg.TimestampMS, msg.TimestampMS); err != nil {
		return fmt.Errorf("append message ensure thread: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT message_count FROM threads WHERE id = ?`, threadID).Scan(&seq); err != nil {
		return fmt.Errorf("append message seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, thread_id, seq, role, content, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, "msg-"+uuid.NewString(), threadID, seq+1, msg.Role, msg.Content, msg.TimestampMS); err != nil {
		return fmt.Errorf("append message insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE threads
SET message_count = message_count + 1,
	updated_at_ms = MAX(updated_at_ms, ?)
WHERE id = ?`, msg.TimestampMS, threadID); err != nil {
		return fmt.Errorf("append message update thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append message commit: %w", err)
	}
	return nil
}

// ThreadMessages returns the latest limit messages of a thread, oldest first.
func (s *SQLiteStore) ThreadMessages(ctx context.Context, threadID string, limit int) ([]detector.Message, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT role, content, created_at_ms FROM messages
WHERE thread_id = ?
ORDER BY seq DESC
LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list thread messages: %w", err)
	}
	defer rows.Close()

	out := make([]detector.Message, 0, limit)
	for rows.Next() {
		var m detector.Message
		if err := rows.Scan(&m.Role, &m.Content, &m.TimestampMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecentThreads returns the subject's most recently updated threads other
// than excludeThreadID, each with its latest messages.
func (s *SQLiteStore) RecentThreads(ctx context.Context, subjectID, excludeThreadID string, limit int) ([]detector.Thread, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject_id, updated_at_ms FROM threads
WHERE subject_id = ? AND id <> ?
ORDER BY updated_at_ms DESC
LIMIT ?`, subjectID, excludeThreadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent threads: %w", err)
	}
	var out []detector.Thread
	for rows.Next() {
		var th detector.Thread
		if err := rows.Scan(&th.ID, &th.SubjectID, &th.UpdatedAtMS); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, th)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}

	// Messages are loaded after the cursor is closed; the pool holds a
	// single connection.
	for i := range out {
		msgs, err := s.ThreadMessages(ctx, out[i].ID, messagesPerThread)
		if err != nil {
			return nil, err
		}
		out[i].Messages = msgs
	}
	return out, nil
}

// SaveContextLock writes or replaces the lock held by a session.
func (s *SQLiteStore) SaveContextLock(ctx context.Context, l persona.ContextLock) error {
	if strings.TrimSpace(l.SessionID) == "" {
		return fmt.Errorf("save context lock: empty session id")
	}
	// The attached blueprint is reloaded from the blueprints table.
	l.Signal.Blueprint = nil
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode context lock: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO context_locks(session_id, lock_id, construct_key, lock_json, established_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	lock_id = excluded.lock_id,
	construct_key = excluded.construct_key,
	lock_json = excluded.lock_json,
	established_at_ms = excluded.established_at_ms`,
		l.SessionID, l.ID, l.Signal.Key(), string(raw), l.EstablishedAtMS)
	if err != nil {
		return fmt.Errorf("save context lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteContextLock(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM context_locks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete context lock: %w", err)
	}
	return nil
}

// ListContextLocks returns every persisted lock, oldest first.
func (s *SQLiteStore) ListContextLocks(ctx context.Context) ([]persona.ContextLock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lock_json FROM context_locks ORDER BY established_at_ms ASC`)
	if err != nil {
		return nil, fmt.Errorf("list context locks: %w", err)
	}
	defer rows.Close()

	var out []persona.ContextLock
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan context lock: %w", err)
		}
		var l persona.ContextLock
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("decode context lock: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context locks: %w", err)
	}
	return out, nil
}
