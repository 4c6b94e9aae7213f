package detector

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

const (
	maxFusedEvidence = 10
	maxFusedAnchors  = 10
	fusedCap         = 0.95
	diversityBonus   = 0.1
)

// Freshness decays from 1 at now by half every halfLife.
func Freshness(timestampMS int64, now time.Time, halfLife time.Duration) float64 {
	if timestampMS <= 0 || halfLife <= 0 {
		return 0
	}
	age := now.Sub(time.UnixMilli(timestampMS))
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

type group struct {
	key     string
	signals []persona.PersonaSignal
	sources map[persona.SignalSource]struct{}
	boosted float64
}

// Fuse groups signals by construct and returns the dominant one. Within a
// group the blended confidence starts at the mean source confidence and
// closes up to blend of the remaining gap to 1 in proportion to the freshest
// mention, so stale or undated signals never score below their mean. Every
// distinct source adds 10%, capped at 0.95. ok is false when signals is
// empty.
func Fuse(signals []persona.PersonaSignal, blend float64, now time.Time, halfLife time.Duration) (persona.PersonaSignal, bool) {
	groups := map[string]*group{}
	for _, s := range signals {
		key := s.Key()
		if key == "" {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, sources: map[persona.SignalSource]struct{}{}}
			groups[key] = g
		}
		g.signals = append(g.signals, s)
		g.sources[s.Source] = struct{}{}
	}
	if len(groups) == 0 {
		return persona.PersonaSignal{}, false
	}

	ranked := make([]*group, 0, len(groups))
	for _, g := range groups {
		var sum, fresh float64
		for _, s := range g.signals {
			sum += persona.Clamp01(s.Confidence)
			fresh = math.Max(fresh, Freshness(s.TimestampMS, now, halfLife))
		}
		mean := sum / float64(len(g.signals))
		blended := mean + persona.Clamp01(blend)*fresh*(1-mean)
		g.boosted = math.Min(blended*(1+diversityBonus*float64(len(g.sources))), fusedCap)
		ranked = append(ranked, g)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].boosted != ranked[j].boosted {
			return ranked[i].boosted > ranked[j].boosted
		}
		if len(ranked[i].sources) != len(ranked[j].sources) {
			return len(ranked[i].sources) > len(ranked[j].sources)
		}
		return ranked[i].key < ranked[j].key
	})
	return merge(ranked[0]), true
}

func merge(g *group) persona.PersonaSignal {
	// freshest first so evidence caps keep recent material
	sigs := append([]persona.PersonaSignal(nil), g.signals...)
	sort.SliceStable(sigs, func(i, j int) bool { return sigs[i].TimestampMS > sigs[j].TimestampMS })

	out := persona.PersonaSignal{
		ConstructID: sigs[0].ConstructID,
		Callsign:    sigs[0].Callsign,
		Confidence:  g.boosted,
		Source:      persona.SourceFused,
		TimestampMS: sigs[0].TimestampMS,
	}
	seenEvidence := map[string]struct{}{}
	anchors := map[string]int{}
	for _, s := range sigs {
		if out.Blueprint == nil && s.Blueprint != nil {
			out.Blueprint = s.Blueprint
		}
		if out.EmotionalState == nil && s.EmotionalState != nil {
			st := *s.EmotionalState
			out.EmotionalState = &st
		}
		for _, ev := range s.Evidence {
			if len(out.Evidence) >= maxFusedEvidence {
				break
			}
			if _, ok := seenEvidence[ev]; ok {
				continue
			}
			seenEvidence[ev] = struct{}{}
			out.Evidence = append(out.Evidence, ev)
		}
		for _, a := range s.RelationshipAnchors {
			k := strings.ToLower(strings.TrimSpace(a.Anchor))
			if i, ok := anchors[k]; ok {
				if a.Significance > out.RelationshipAnchors[i].Significance {
					out.RelationshipAnchors[i] = a
				}
				continue
			}
			if len(out.RelationshipAnchors) >= maxFusedAnchors {
				continue
			}
			anchors[k] = len(out.RelationshipAnchors)
			out.RelationshipAnchors = append(out.RelationshipAnchors, a)
		}
	}
	return out
}
