// Package blueprint merges per-transcript pattern sets into a single
// weighted personality blueprint for one construct.
package blueprint

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

const (
	maxSpeechPatterns    = 20
	maxBehavioralMarkers = 15
	maxWorldview         = 10
	maxMemoryAnchors     = 20
	maxRelationships     = 10
	maxIdentifiers       = 12
	maxRules             = 30
	maxExamples          = 5
	maxEvidence          = 5
)

// Weights tunes how evidence contributes to an item's rank.
type Weights struct {
	Frequency        float64 `json:"frequency"`
	Recency          float64 `json:"recency"`
	Confidence       float64 `json:"confidence"`
	Significance     float64 `json:"significance"`
	Strength         float64 `json:"strength"`
	IdentifierBoost  float64 `json:"identifier_boost"`
	ForeignConstruct float64 `json:"foreign_construct"`
}

func DefaultWeights() Weights {
	return Weights{
		Frequency:        0.6,
		Recency:          0.4,
		Confidence:       0.3,
		Significance:     0.4,
		Strength:         0.3,
		IdentifierBoost:  1.0,
		ForeignConstruct: 0.25,
	}
}

type Builder struct {
	rules rules.Provider
	now   func() time.Time
}

// NewBuilder returns a builder. now may be nil to use the wall clock.
func NewBuilder(rp rules.Provider, now func() time.Time) *Builder {
	if rp == nil {
		rp = rules.Static(nil)
	}
	if now == nil {
		now = time.Now
	}
	return &Builder{rules: rp, now: now}
}

// Recency returns the recency factor of the set at position pos (0 = oldest)
// among n sets. The newest set scores 1 and the oldest never drops below 0.1.
func Recency(pos, n int) float64 {
	if n <= 0 {
		return 0
	}
	i := n - 1 - pos
	return 0.1 + 0.9*float64(n-i)/float64(n)
}

// Build merges sets, ordered oldest first, into a blueprint for target. A
// non-nil baseline is merged in without overwriting learned entries.
func (b *Builder) Build(target persona.ConstructRef, sets []persona.PatternSet, w Weights, baseline *persona.BaselineProfile) (*persona.Blueprint, error) {
	if len(sets) == 0 {
		return nil, persona.ErrNoPatternSets
	}
	rs := b.rules.Current()

	m := newMerger(target, len(sets), w, rs)
	m.prime(sets)
	for pos, set := range sets {
		m.add(pos, set)
	}

	bp := &persona.Blueprint{
		ConstructID:          target.ConstructID,
		Callsign:             target.Callsign,
		SpeechPatterns:       m.speechList(),
		BehavioralMarkers:    m.behaviorList(),
		Worldview:            m.worldviewList(),
		EmotionalRange:       m.emotionalRange(),
		RelationshipPatterns: m.relationshipList(),
		MemoryAnchors:        m.anchorList(),
	}
	bp.CoreTraits = deriveTraits(bp, rs)
	bp.PersonalIdentifiers = deriveIdentifiers(target, bp, rs)

	if baseline != nil {
		mergeBaseline(bp, baseline)
	}
	bp.ConsistencyRules = projectRules(bp, m)

	bp.Metadata = persona.BlueprintMetadata{
		SourceTranscripts:     sourceTranscripts(sets),
		ExtractionTimestampMS: b.now().UnixMilli(),
		Confidence:            confidence(sets),
		MergedWithExisting:    baseline != nil,
	}
	return bp, nil
}

func confidence(sets []persona.PatternSet) float64 {
	var sum float64
	evidence := 0
	for _, s := range sets {
		sum += persona.Clamp01(s.Confidence)
		evidence += s.EvidenceCount()
	}
	avg := sum / float64(len(sets))
	volume := math.Min(float64(evidence)/100, 0.95)
	return persona.Clamp01((avg + volume) / 2)
}

func sourceTranscripts(sets []persona.PatternSet) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(sets))
	for _, s := range sets {
		src := strings.TrimSpace(s.Source)
		if src == "" {
			continue
		}
		if _, ok := seen[src]; ok {
			continue
		}
		seen[src] = struct{}{}
		out = append(out, src)
	}
	return out
}

// mergeBaseline unions traits and appends unseen baseline entries up to the
// category caps. Learned entries are never replaced.
func mergeBaseline(bp *persona.Blueprint, base *persona.BaselineProfile) {
	bp.CoreTraits = unionStrings(bp.CoreTraits, base.Traits, 0)

	have := map[string]struct{}{}
	for _, sp := range bp.SpeechPatterns {
		have[speechKey(sp)] = struct{}{}
	}
	for _, sp := range base.SpeechPatterns {
		if len(bp.SpeechPatterns) >= maxSpeechPatterns {
			break
		}
		if _, ok := have[speechKey(sp)]; ok {
			continue
		}
		have[speechKey(sp)] = struct{}{}
		bp.SpeechPatterns = append(bp.SpeechPatterns, sp)
	}

	have = map[string]struct{}{}
	for _, bm := range bp.BehavioralMarkers {
		have[behaviorKey(bm)] = struct{}{}
	}
	for _, bm := range base.BehavioralMarkers {
		if len(bp.BehavioralMarkers) >= maxBehavioralMarkers {
			break
		}
		if _, ok := have[behaviorKey(bm)]; ok {
			continue
		}
		have[behaviorKey(bm)] = struct{}{}
		bp.BehavioralMarkers = append(bp.BehavioralMarkers, bm)
	}
}

// Reinforce returns a new revision of bp whose rule list starts with identity
// rules for the topN most significant anchors. The total list stays capped.
func Reinforce(bp *persona.Blueprint, topN int, now time.Time) *persona.Blueprint {
	out := bp.Clone()
	anchors := append([]persona.MemoryAnchor(nil), bp.MemoryAnchors...)
	sort.SliceStable(anchors, func(i, j int) bool {
		if anchors[i].Significance != anchors[j].Significance {
			return anchors[i].Significance > anchors[j].Significance
		}
		return anchors[i].Anchor < anchors[j].Anchor
	})
	if len(anchors) > topN {
		anchors = anchors[:topN]
	}

	existing := map[string]struct{}{}
	for _, r := range out.ConsistencyRules {
		existing[strings.ToLower(r.Rule)] = struct{}{}
	}
	var added []persona.ConsistencyRule
	for _, a := range anchors {
		r := anchorRule(a, "reinforcement")
		if _, ok := existing[strings.ToLower(r.Rule)]; ok {
			continue
		}
		added = append(added, r)
	}
	out.ConsistencyRules = append(added, out.ConsistencyRules...)
	if len(out.ConsistencyRules) > maxRules {
		out.ConsistencyRules = out.ConsistencyRules[:maxRules]
	}
	out.Metadata.ExtractionTimestampMS = now.UnixMilli()
	return out
}

func unionStrings(a, b []string, limit int) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			k := strings.ToLower(s)
			if s == "" {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, s)
			if limit > 0 && len(out) == limit {
				return out
			}
		}
	}
	return out
}

func unionInts(a, b []int) []int {
	seen := map[int]struct{}{}
	out := make([]int, 0, len(a)+len(b))
	for _, list := range [][]int{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
