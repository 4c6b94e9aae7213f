package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

// BlueprintRevision is one stored blueprint row.
type BlueprintRevision struct {
	ID          string  `json:"id"`
	ConstructID string  `json:"construct_id"`
	Callsign    string  `json:"callsign"`
	Revision    int64   `json:"revision"`
	Confidence  float64 `json:"confidence"`
	CreatedAtMS int64   `json:"created_at_ms"`
}

// SaveBlueprint stores bp as the next revision of its construct and returns
// that revision number. Older revisions are kept; bp itself is not modified.
func (s *SQLiteStore) SaveBlueprint(ctx context.Context, bp *persona.Blueprint) (int64, error) {
	if bp == nil || strings.TrimSpace(bp.ConstructID) == "" {
		return 0, fmt.Errorf("save blueprint: missing construct id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save blueprint begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := bp.Key()
	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision), 0) FROM blueprints WHERE construct_key = ?`, key).Scan(&current); err != nil {
		return 0, fmt.Errorf("save blueprint revision: %w", err)
	}
	stored := bp.Clone()
	stored.Metadata.Revision = current + 1
	raw, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("encode blueprint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO blueprints(id, construct_key, construct_id, callsign, revision, confidence, blueprint_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		"bp-"+uuid.NewString(), key, stored.ConstructID, stored.Callsign, stored.Metadata.Revision,
		stored.Metadata.Confidence, string(raw), nowMS()); err != nil {
		return 0, fmt.Errorf("insert blueprint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save blueprint commit: %w", err)
	}
	return stored.Metadata.Revision, nil
}

// LatestBlueprint returns the newest revision for a construct, or
// persona.ErrBlueprintNotFound.
func (s *SQLiteStore) LatestBlueprint(ctx context.Context, constructID, callsign string) (*persona.Blueprint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT blueprint_json FROM blueprints
WHERE construct_key = ?
ORDER BY revision DESC
LIMIT 1`, persona.ConstructKey(constructID, callsign))
	return scanBlueprint(row)
}

// BlueprintAt returns one specific revision.
func (s *SQLiteStore) BlueprintAt(ctx context.Context, constructID, callsign string, revision int64) (*persona.Blueprint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT blueprint_json FROM blueprints
WHERE construct_key = ? AND revision = ?`, persona.ConstructKey(constructID, callsign), revision)
	return scanBlueprint(row)
}

func scanBlueprint(row *sql.Row) (*persona.Blueprint, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persona.ErrBlueprintNotFound
		}
		return nil, fmt.Errorf("get blueprint: %w", err)
	}
	var bp persona.Blueprint
	if err := json.Unmarshal([]byte(raw), &bp); err != nil {
		return nil, fmt.Errorf("decode blueprint: %w", err)
	}
	return &bp, nil
}

// BlueprintHistory lists revisions newest first.
func (s *SQLiteStore) BlueprintHistory(ctx context.Context, constructID, callsign string, limit int) ([]BlueprintRevision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, construct_id, callsign, revision, confidence, created_at_ms
FROM blueprints
WHERE construct_key = ?
ORDER BY revision DESC
LIMIT ?`, persona.ConstructKey(constructID, callsign), limit)
	if err != nil {
		return nil, fmt.Errorf("list blueprint history: %w", err)
	}
	defer rows.Close()

	out := make([]BlueprintRevision, 0, limit)
	for rows.Next() {
		var r BlueprintRevision
		if err := rows.Scan(&r.ID, &r.ConstructID, &r.Callsign, &r.Revision, &r.Confidence, &r.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan blueprint revision: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blueprint history: %w", err)
	}
	return out, nil
}

// RegisterConstruct adds or updates a construct in the registry.
func (s *SQLiteStore) RegisterConstruct(ctx context.Context, ref persona.ConstructRef) error {
	if strings.TrimSpace(ref.ConstructID) == "" {
		return fmt.Errorf("register construct: empty construct id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO constructs(construct_key, construct_id, callsign, name, aliases_json, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(construct_key) DO UPDATE SET
	name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE constructs.name END,
	aliases_json = excluded.aliases_json,
	updated_at_ms = excluded.updated_at_ms`,
		ref.Key(), ref.ConstructID, ref.Callsign, ref.Name, encodeStrings(ref.Aliases), nowMS())
	if err != nil {
		return fmt.Errorf("register construct: %w", err)
	}
	return nil
}

// KnownConstructs lists registered constructs plus any construct that only
// has a stored blueprint.
func (s *SQLiteStore) KnownConstructs(ctx context.Context) ([]persona.ConstructRef, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT construct_id, callsign, name, aliases_json FROM constructs
UNION
SELECT DISTINCT b.construct_id, b.callsign, '', '[]' FROM blueprints b
WHERE b.construct_key NOT IN (SELECT construct_key FROM constructs)
ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("list constructs: %w", err)
	}
	defer rows.Close()

	var out []persona.ConstructRef
	for rows.Next() {
		var ref persona.ConstructRef
		var aliases string
		if err := rows.Scan(&ref.ConstructID, &ref.Callsign, &ref.Name, &aliases); err != nil {
			return nil, fmt.Errorf("scan construct: %w", err)
		}
		ref.Aliases = decodeStrings(aliases)
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate constructs: %w", err)
	}
	return out, nil
}
