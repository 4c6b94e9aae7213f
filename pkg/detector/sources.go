package detector

import (
	"context"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

type Message struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type Thread struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subject_id"`
	UpdatedAtMS int64     `json:"updated_at_ms"`
	Messages    []Message `json:"messages"`
}

// Transcript is an archived conversation already attributed to a construct.
type Transcript struct {
	ID           string `json:"id"`
	SubjectID    string `json:"subject_id"`
	ConstructID  string `json:"construct_id"`
	Callsign     string `json:"callsign"`
	MessageCount int    `json:"message_count"`
	UpdatedAtMS  int64  `json:"updated_at_ms"`
}

type LedgerKind string

const (
	LedgerContinuity LedgerKind = "continuity"
	LedgerAnchor     LedgerKind = "anchor"
)

// LedgerEntry is one long-term continuity note or relationship anchor.
type LedgerEntry struct {
	ID           string     `json:"id"`
	SubjectID    string     `json:"subject_id"`
	ConstructID  string     `json:"construct_id,omitempty"`
	Callsign     string     `json:"callsign,omitempty"`
	Kind         LedgerKind `json:"kind"`
	Text         string     `json:"text"`
	Significance float64    `json:"significance"`
	CreatedAtMS  int64      `json:"created_at_ms"`
}

// ThreadSource reads live conversation threads.
type ThreadSource interface {
	ThreadMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
	RecentThreads(ctx context.Context, subjectID, excludeThreadID string, limit int) ([]Thread, error)
}

// ArchiveSource reads the per-persona transcript archive.
type ArchiveSource interface {
	Transcripts(ctx context.Context, subjectID string, limit int) ([]Transcript, error)
}

type LedgerSource interface {
	LedgerEntries(ctx context.Context, subjectID string, limit int) ([]LedgerEntry, error)
}

// Registry lists the constructs that can be detected.
type Registry interface {
	KnownConstructs(ctx context.Context) ([]persona.ConstructRef, error)
}

type BlueprintSource interface {
	LatestBlueprint(ctx context.Context, constructID, callsign string) (*persona.Blueprint, error)
}

// Sources groups the collaborators a detector scans. Any of them may be nil.
type Sources struct {
	Threads    ThreadSource
	Archive    ArchiveSource
	Ledger     LedgerSource
	Registry   Registry
	Blueprints BlueprintSource
}
