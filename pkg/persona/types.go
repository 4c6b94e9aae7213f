// Package persona holds the data model shared by the blueprint builder, the
// persona detector, the context lock and the drift and lockdown filters.
package persona

import (
	"fmt"
	"strings"
)

type SpeechType string

const (
	SpeechVocabulary        SpeechType = "vocabulary"
	SpeechPunctuation       SpeechType = "punctuation"
	SpeechSentenceStructure SpeechType = "sentence-structure"
)

// SpeechPattern counts how often a construct used a phrasing. Frequency is a
// raw count; merges sum it.
type SpeechPattern struct {
	Type          SpeechType `json:"type"`
	Pattern       string     `json:"pattern"`
	Frequency     int        `json:"frequency"`
	Examples      []string   `json:"examples,omitempty"`
	OriginIndices []int      `json:"origin_indices,omitempty"`
}

type Situation string

const (
	SituationQuestion  Situation = "question"
	SituationChallenge Situation = "challenge"
	SituationEmotional Situation = "emotional"
	SituationTechnical Situation = "technical"
	SituationPersonal  Situation = "personal"
	SituationConflict  Situation = "conflict"
	SituationGeneral   Situation = "general"
)

type BehavioralMarker struct {
	Situation        Situation `json:"situation"`
	ResponsePattern  string    `json:"response_pattern"`
	Frequency        int       `json:"frequency"`
	Examples         []string  `json:"examples,omitempty"`
	EmotionalContext string    `json:"emotional_context,omitempty"`
}

type WorldviewCategory string

const (
	WorldviewPrinciple  WorldviewCategory = "principle"
	WorldviewPhilosophy WorldviewCategory = "philosophy"
	WorldviewBelief     WorldviewCategory = "belief"
)

type WorldviewExpression struct {
	Expression string            `json:"expression"`
	Category   WorldviewCategory `json:"category"`
	Confidence float64           `json:"confidence"`
	Evidence   []string          `json:"evidence,omitempty"`
}

// EmotionalState is a point on the valence/arousal plane, both in [-1,1].
type EmotionalState struct {
	Valence         float64 `json:"valence"`
	Arousal         float64 `json:"arousal"`
	DominantEmotion string  `json:"dominant_emotion,omitempty"`
}

type EmotionalRange struct {
	Min    EmotionalState   `json:"min"`
	Max    EmotionalState   `json:"max"`
	Common []EmotionalState `json:"common,omitempty"`
	Rare   []EmotionalState `json:"rare,omitempty"`
}

// IsZero reports whether no emotional evidence was ever observed.
func (r EmotionalRange) IsZero() bool {
	return r.Min == (EmotionalState{}) && r.Max == (EmotionalState{}) &&
		len(r.Common) == 0 && len(r.Rare) == 0
}

// Contains reports per axis whether s lies inside [Min,Max].
func (r EmotionalRange) Contains(s EmotionalState) (valenceOK, arousalOK bool) {
	valenceOK = s.Valence >= r.Min.Valence && s.Valence <= r.Max.Valence
	arousalOK = s.Arousal >= r.Min.Arousal && s.Arousal <= r.Max.Arousal
	return valenceOK, arousalOK
}

type StrengthPoint struct {
	AtMS     int64   `json:"at_ms"`
	Strength float64 `json:"strength"`
}

type RelationshipPattern struct {
	PatternType   string          `json:"pattern_type"`
	Strength      float64         `json:"strength"`
	Evidence      []string        `json:"evidence,omitempty"`
	OriginIndices []int           `json:"origin_indices,omitempty"`
	Evolution     []StrengthPoint `json:"evolution,omitempty"`
}

type AnchorType string

const (
	AnchorClaim              AnchorType = "claim"
	AnchorVow                AnchorType = "vow"
	AnchorBoundary           AnchorType = "boundary"
	AnchorCoreStatement      AnchorType = "core-statement"
	AnchorDefiningMoment     AnchorType = "defining-moment"
	AnchorRelationshipMarker AnchorType = "relationship-marker"
)

type MemoryAnchor struct {
	Anchor         string     `json:"anchor"`
	Type           AnchorType `json:"type"`
	Significance   float64    `json:"significance"`
	TimestampMS    int64      `json:"timestamp_ms"`
	Context        string     `json:"context,omitempty"`
	RelatedAnchors []string   `json:"related_anchors,omitempty"`
}

type IdentifierType string

const (
	IdentifierUserName      IdentifierType = "user-name"
	IdentifierGreetingStyle IdentifierType = "greeting-style"
	IdentifierProject       IdentifierType = "project"
	IdentifierSharedMemory  IdentifierType = "shared-memory"
	IdentifierPhrase        IdentifierType = "phrase"
)

// PersonalIdentifier is a distilled fact about the user. It is recomputed on
// every rebuild and never merged on its own.
type PersonalIdentifier struct {
	Type       IdentifierType `json:"type"`
	Value      string         `json:"value"`
	Salience   float64        `json:"salience"`
	Evidence   []string       `json:"evidence,omitempty"`
	LastSeenMS int64          `json:"last_seen_ms"`
}

type RuleType string

const (
	RuleSpeech       RuleType = "speech"
	RuleBehavior     RuleType = "behavior"
	RuleWorldview    RuleType = "worldview"
	RuleIdentity     RuleType = "identity"
	RuleRelationship RuleType = "relationship"
)

type ConsistencyRule struct {
	Rule       string   `json:"rule"`
	Type       RuleType `json:"type"`
	Source     string   `json:"source"`
	Confidence float64  `json:"confidence"`
	Examples   []string `json:"examples,omitempty"`
}

// PatternSet is the evidence extracted from one transcript.
type PatternSet struct {
	Source        string  `json:"source"`
	ConstructID   string  `json:"construct_id,omitempty"`
	Callsign      string  `json:"callsign,omitempty"`
	Confidence    float64 `json:"confidence"`
	ExtractedAtMS int64   `json:"extracted_at_ms,omitempty"`

	SpeechPatterns       []SpeechPattern       `json:"speech_patterns,omitempty"`
	BehavioralMarkers    []BehavioralMarker    `json:"behavioral_markers,omitempty"`
	WorldviewMarkers     []WorldviewExpression `json:"worldview_markers,omitempty"`
	MemoryAnchors        []MemoryAnchor        `json:"memory_anchors,omitempty"`
	EmotionalRange       EmotionalRange        `json:"emotional_range"`
	RelationshipPatterns []RelationshipPattern `json:"relationship_patterns,omitempty"`
}

// EvidenceCount is the number of typed evidence items in the set.
func (p PatternSet) EvidenceCount() int {
	return len(p.SpeechPatterns) + len(p.BehavioralMarkers) + len(p.WorldviewMarkers) +
		len(p.MemoryAnchors) + len(p.RelationshipPatterns)
}

type BlueprintMetadata struct {
	SourceTranscripts     []string `json:"source_transcripts"`
	ExtractionTimestampMS int64    `json:"extraction_timestamp_ms"`
	Confidence            float64  `json:"confidence"`
	MergedWithExisting    bool     `json:"merged_with_existing"`
	Revision              int64    `json:"revision"`
}

// Blueprint is the merged personality description of one construct. A
// published blueprint is never mutated; rebuilds produce a new revision.
type Blueprint struct {
	ConstructID          string                `json:"construct_id"`
	Callsign             string                `json:"callsign"`
	CoreTraits           []string              `json:"core_traits"`
	SpeechPatterns       []SpeechPattern       `json:"speech_patterns"`
	BehavioralMarkers    []BehavioralMarker    `json:"behavioral_markers"`
	Worldview            []WorldviewExpression `json:"worldview"`
	EmotionalRange       EmotionalRange        `json:"emotional_range"`
	RelationshipPatterns []RelationshipPattern `json:"relationship_patterns"`
	MemoryAnchors        []MemoryAnchor        `json:"memory_anchors"`
	PersonalIdentifiers  []PersonalIdentifier  `json:"personal_identifiers"`
	ConsistencyRules     []ConsistencyRule     `json:"consistency_rules"`
	Metadata             BlueprintMetadata     `json:"metadata"`
}

func (b *Blueprint) Key() string { return ConstructKey(b.ConstructID, b.Callsign) }

// Identifier returns the most salient identifier of the given type.
func (b *Blueprint) Identifier(t IdentifierType) (PersonalIdentifier, bool) {
	var best PersonalIdentifier
	found := false
	for _, id := range b.PersonalIdentifiers {
		if id.Type != t || strings.TrimSpace(id.Value) == "" {
			continue
		}
		if !found || id.Salience > best.Salience {
			best = id
			found = true
		}
	}
	return best, found
}

// TopVocabulary returns up to n vocabulary patterns in ranked order.
func (b *Blueprint) TopVocabulary(n int) []SpeechPattern {
	out := make([]SpeechPattern, 0, n)
	for _, sp := range b.SpeechPatterns {
		if sp.Type != SpeechVocabulary {
			continue
		}
		out = append(out, sp)
		if len(out) == n {
			break
		}
	}
	return out
}

// HasSpeechPattern reports whether the blueprint carries a pattern of the
// given type whose text contains needle.
func (b *Blueprint) HasSpeechPattern(t SpeechType, needle string) bool {
	needle = strings.ToLower(needle)
	for _, sp := range b.SpeechPatterns {
		if sp.Type == t && strings.Contains(strings.ToLower(sp.Pattern), needle) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy that can be modified into a new revision.
func (b *Blueprint) Clone() *Blueprint {
	if b == nil {
		return nil
	}
	out := *b
	out.CoreTraits = append([]string(nil), b.CoreTraits...)
	out.SpeechPatterns = append([]SpeechPattern(nil), b.SpeechPatterns...)
	out.BehavioralMarkers = append([]BehavioralMarker(nil), b.BehavioralMarkers...)
	out.Worldview = append([]WorldviewExpression(nil), b.Worldview...)
	out.EmotionalRange.Common = append([]EmotionalState(nil), b.EmotionalRange.Common...)
	out.EmotionalRange.Rare = append([]EmotionalState(nil), b.EmotionalRange.Rare...)
	out.RelationshipPatterns = append([]RelationshipPattern(nil), b.RelationshipPatterns...)
	out.MemoryAnchors = append([]MemoryAnchor(nil), b.MemoryAnchors...)
	out.PersonalIdentifiers = append([]PersonalIdentifier(nil), b.PersonalIdentifiers...)
	out.ConsistencyRules = append([]ConsistencyRule(nil), b.ConsistencyRules...)
	out.Metadata.SourceTranscripts = append([]string(nil), b.Metadata.SourceTranscripts...)
	return &out
}

// BaselineProfile is a hand-authored starting point merged into a build.
type BaselineProfile struct {
	ConstructID       string             `json:"construct_id"`
	Callsign          string             `json:"callsign"`
	Traits            []string           `json:"traits"`
	SpeechPatterns    []SpeechPattern    `json:"speech_patterns,omitempty"`
	BehavioralMarkers []BehavioralMarker `json:"behavioral_markers,omitempty"`
}

// ConstructRef names a construct instance. Name is the display name scanned
// for in free text; it defaults to ConstructID.
type ConstructRef struct {
	ConstructID string   `json:"construct_id"`
	Callsign    string   `json:"callsign"`
	Name        string   `json:"name,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

func (c ConstructRef) Key() string { return ConstructKey(c.ConstructID, c.Callsign) }

func (c ConstructRef) DisplayName() string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return c.ConstructID
}

// ConstructKey joins a construct id and callsign into the grouping key used
// by the detector, the lock table and the store.
func ConstructKey(constructID, callsign string) string {
	constructID = strings.ToLower(strings.TrimSpace(constructID))
	callsign = strings.ToLower(strings.TrimSpace(callsign))
	if callsign == "" {
		return constructID
	}
	return fmt.Sprintf("%s-%s", constructID, callsign)
}

type SignalSource string

const (
	SourceThread SignalSource = "thread"
	SourceVVault SignalSource = "vvault"
	SourceLedger SignalSource = "ledger"
	SourceFused  SignalSource = "fused"
)

// PersonaSignal is one candidate persona match.
type PersonaSignal struct {
	ConstructID         string          `json:"construct_id"`
	Callsign            string          `json:"callsign"`
	Confidence          float64         `json:"confidence"`
	Evidence            []string        `json:"evidence,omitempty"`
	Blueprint           *Blueprint      `json:"blueprint,omitempty"`
	RelationshipAnchors []MemoryAnchor  `json:"relationship_anchors,omitempty"`
	EmotionalState      *EmotionalState `json:"emotional_state,omitempty"`
	Source              SignalSource    `json:"source"`
	TimestampMS         int64           `json:"timestamp_ms"`
}

func (s PersonaSignal) Key() string { return ConstructKey(s.ConstructID, s.Callsign) }

// ContextLock binds a session to one persona until released.
type ContextLock struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	Signal          PersonaSignal `json:"signal"`
	EstablishedAtMS int64         `json:"established_at_ms"`
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
