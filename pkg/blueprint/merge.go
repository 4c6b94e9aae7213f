package blueprint

import (
	"math"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

type ranked[T any] struct {
	key    string
	item   T
	weight float64
	pinned bool
}

func sortRanked[T any](m map[string]*ranked[T]) []*ranked[T] {
	out := make([]*ranked[T], 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].weight != out[j].weight {
			return out[i].weight > out[j].weight
		}
		return out[i].key < out[j].key
	})
	return out
}

func speechKey(sp persona.SpeechPattern) string {
	return string(sp.Type) + "|" + strings.ToLower(strings.TrimSpace(sp.Pattern))
}

func behaviorKey(bm persona.BehavioralMarker) string {
	return string(bm.Situation) + "|" + strings.ToLower(strings.TrimSpace(bm.ResponsePattern))
}

func textKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

type emotionObs struct {
	state  persona.EmotionalState
	weight float64
}

// merger accumulates one weighted map per category over a single build.
type merger struct {
	target persona.ConstructRef
	n      int
	w      Weights
	rules  *rules.Set

	maxSpeechFreq   float64
	maxBehaviorFreq float64

	speech        map[string]*ranked[persona.SpeechPattern]
	behavior      map[string]*ranked[persona.BehavioralMarker]
	worldview     map[string]*ranked[persona.WorldviewExpression]
	anchors       map[string]*ranked[persona.MemoryAnchor]
	relationships map[string]*ranked[persona.RelationshipPattern]

	rangeSeen bool
	rangeMin  persona.EmotionalState
	rangeMax  persona.EmotionalState
	emotions  []emotionObs
}

func newMerger(target persona.ConstructRef, n int, w Weights, rs *rules.Set) *merger {
	return &merger{
		target:        target,
		n:             n,
		w:             w,
		rules:         rs,
		speech:        map[string]*ranked[persona.SpeechPattern]{},
		behavior:      map[string]*ranked[persona.BehavioralMarker]{},
		worldview:     map[string]*ranked[persona.WorldviewExpression]{},
		anchors:       map[string]*ranked[persona.MemoryAnchor]{},
		relationships: map[string]*ranked[persona.RelationshipPattern]{},
	}
}

// scale is the multiplier applied to every contribution of one set.
func (m *merger) scale(set persona.PatternSet) float64 {
	id := strings.TrimSpace(set.ConstructID)
	if id == "" || strings.EqualFold(id, m.target.ConstructID) {
		return 1
	}
	return m.w.ForeignConstruct
}

func (m *merger) add(pos int, set persona.PatternSet) {
	recency := Recency(pos, m.n)
	scale := m.scale(set)

	m.addSpeech(set, recency, scale)
	m.addBehavior(set, recency, scale)
	m.addWorldview(set, recency, scale)
	m.addAnchors(set, recency, scale)
	m.addRelationships(pos, set, recency, scale)
	m.addEmotion(set, recency*scale)
}

func (m *merger) freqNorm(freq int, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return float64(freq) / max
}

func (m *merger) addSpeech(set persona.PatternSet, recency, scale float64) {
	for _, sp := range set.SpeechPatterns {
		if strings.TrimSpace(sp.Pattern) == "" {
			continue
		}
		contribution := (m.w.Frequency*m.freqNorm(sp.Frequency, m.maxSpeechFreq) + m.w.Recency*recency) * scale
		key := speechKey(sp)
		cur, ok := m.speech[key]
		if !ok {
			item := sp
			item.Examples = unionStrings(nil, sp.Examples, maxExamples)
			item.OriginIndices = unionInts(nil, sp.OriginIndices)
			m.speech[key] = &ranked[persona.SpeechPattern]{key: key, item: item, weight: contribution}
			continue
		}
		cur.item.Frequency += sp.Frequency
		cur.item.Examples = unionStrings(cur.item.Examples, sp.Examples, maxExamples)
		cur.item.OriginIndices = unionInts(cur.item.OriginIndices, sp.OriginIndices)
		cur.weight += contribution
	}
}

func (m *merger) addBehavior(set persona.PatternSet, recency, scale float64) {
	for _, bm := range set.BehavioralMarkers {
		if strings.TrimSpace(bm.ResponsePattern) == "" {
			continue
		}
		if bm.Situation == "" {
			bm.Situation = persona.SituationGeneral
		}
		contribution := (m.w.Frequency*m.freqNorm(bm.Frequency, m.maxBehaviorFreq) + m.w.Recency*recency) * scale
		key := behaviorKey(bm)
		cur, ok := m.behavior[key]
		if !ok {
			item := bm
			item.Examples = unionStrings(nil, bm.Examples, maxExamples)
			m.behavior[key] = &ranked[persona.BehavioralMarker]{key: key, item: item, weight: contribution}
			continue
		}
		cur.item.Frequency += bm.Frequency
		cur.item.Examples = unionStrings(cur.item.Examples, bm.Examples, maxExamples)
		if bm.EmotionalContext != "" {
			cur.item.EmotionalContext = bm.EmotionalContext
		}
		cur.weight += contribution
	}
}

func (m *merger) addWorldview(set persona.PatternSet, recency, scale float64) {
	for _, wv := range set.WorldviewMarkers {
		key := textKey(wv.Expression)
		if key == "" {
			continue
		}
		conf := persona.Clamp01(wv.Confidence)
		contribution := (m.w.Frequency + m.w.Recency*recency + m.w.Confidence*conf) * scale
		cur, ok := m.worldview[key]
		if !ok {
			item := wv
			item.Confidence = conf
			item.Evidence = unionStrings(nil, wv.Evidence, maxEvidence)
			m.worldview[key] = &ranked[persona.WorldviewExpression]{key: key, item: item, weight: contribution}
			continue
		}
		cur.item.Confidence = math.Max(cur.item.Confidence, conf)
		cur.item.Evidence = unionStrings(cur.item.Evidence, wv.Evidence, maxEvidence)
		if wv.Category != "" {
			cur.item.Category = wv.Category
		}
		cur.weight += contribution
	}
}

// namesUser reports whether an anchor carries a user-name or greeting-style
// identifier.
func (m *merger) namesUser(text string) bool {
	for _, r := range m.rules.Identifiers {
		if r.Type != persona.IdentifierUserName && r.Type != persona.IdentifierGreetingStyle {
			continue
		}
		match := r.Re.FindStringSubmatch(text)
		if len(match) > 1 && !isConstructName(m.target, match[1]) {
			return true
		}
	}
	return false
}

func (m *merger) addAnchors(set persona.PatternSet, recency, scale float64) {
	for _, a := range set.MemoryAnchors {
		key := textKey(a.Anchor)
		if key == "" {
			continue
		}
		sig := persona.Clamp01(a.Significance)
		pinned := m.namesUser(a.Anchor)
		contribution := m.w.Frequency + m.w.Recency*recency + m.w.Significance*sig
		if pinned {
			contribution += m.w.IdentifierBoost
		}
		contribution *= scale
		cur, ok := m.anchors[key]
		if !ok {
			item := a
			item.Significance = sig
			item.RelatedAnchors = unionStrings(nil, a.RelatedAnchors, 0)
			m.anchors[key] = &ranked[persona.MemoryAnchor]{key: key, item: item, weight: contribution, pinned: pinned}
			continue
		}
		cur.item.Significance = math.Max(cur.item.Significance, sig)
		if a.TimestampMS > cur.item.TimestampMS {
			cur.item.TimestampMS = a.TimestampMS
		}
		if a.Context != "" {
			cur.item.Context = a.Context
		}
		cur.item.RelatedAnchors = unionStrings(cur.item.RelatedAnchors, a.RelatedAnchors, 0)
		cur.weight += contribution
		cur.pinned = cur.pinned || pinned
	}
}

func (m *merger) addRelationships(pos int, set persona.PatternSet, recency, scale float64) {
	for _, rp := range set.RelationshipPatterns {
		key := textKey(rp.PatternType)
		if key == "" {
			continue
		}
		strength := persona.Clamp01(rp.Strength)
		contribution := (m.w.Frequency + m.w.Recency*recency + m.w.Strength*strength) * scale
		at := set.ExtractedAtMS
		if at == 0 {
			at = int64(pos)
		}
		cur, ok := m.relationships[key]
		if !ok {
			item := rp
			item.Strength = strength
			item.Evidence = unionStrings(nil, rp.Evidence, maxEvidence)
			item.OriginIndices = unionInts(nil, rp.OriginIndices)
			item.Evolution = append(append([]persona.StrengthPoint(nil), rp.Evolution...),
				persona.StrengthPoint{AtMS: at, Strength: strength})
			m.relationships[key] = &ranked[persona.RelationshipPattern]{key: key, item: item, weight: contribution}
			continue
		}
		// sets arrive oldest first, so the latest strength wins
		cur.item.Strength = strength
		cur.item.Evidence = unionStrings(cur.item.Evidence, rp.Evidence, maxEvidence)
		cur.item.OriginIndices = unionInts(cur.item.OriginIndices, rp.OriginIndices)
		cur.item.Evolution = append(cur.item.Evolution, persona.StrengthPoint{AtMS: at, Strength: strength})
		cur.weight += contribution
	}
}

func (m *merger) addEmotion(set persona.PatternSet, weight float64) {
	r := set.EmotionalRange
	if r.IsZero() {
		return
	}
	if !m.rangeSeen {
		m.rangeMin, m.rangeMax = r.Min, r.Max
		m.rangeSeen = true
	} else {
		if r.Min.Valence < m.rangeMin.Valence {
			m.rangeMin.Valence = r.Min.Valence
			m.rangeMin.DominantEmotion = r.Min.DominantEmotion
		}
		m.rangeMin.Arousal = math.Min(m.rangeMin.Arousal, r.Min.Arousal)
		if r.Max.Valence > m.rangeMax.Valence {
			m.rangeMax.Valence = r.Max.Valence
			m.rangeMax.DominantEmotion = r.Max.DominantEmotion
		}
		m.rangeMax.Arousal = math.Max(m.rangeMax.Arousal, r.Max.Arousal)
	}
	for _, s := range r.Common {
		m.emotions = append(m.emotions, emotionObs{state: s, weight: weight})
	}
	for _, s := range r.Rare {
		m.emotions = append(m.emotions, emotionObs{state: s, weight: weight * 0.1})
	}
}

// prime records the per-category frequency maxima over all sets. It must
// run before the first add.
func (m *merger) prime(sets []persona.PatternSet) {
	for _, set := range sets {
		for _, sp := range set.SpeechPatterns {
			m.maxSpeechFreq = math.Max(m.maxSpeechFreq, float64(sp.Frequency))
		}
		for _, bm := range set.BehavioralMarkers {
			m.maxBehaviorFreq = math.Max(m.maxBehaviorFreq, float64(bm.Frequency))
		}
	}
}

func (m *merger) speechList() []persona.SpeechPattern {
	return truncate(sortRanked(m.speech), maxSpeechPatterns)
}

func (m *merger) behaviorList() []persona.BehavioralMarker {
	return truncate(sortRanked(m.behavior), maxBehavioralMarkers)
}

func (m *merger) worldviewList() []persona.WorldviewExpression {
	return truncate(sortRanked(m.worldview), maxWorldview)
}

func (m *merger) relationshipList() []persona.RelationshipPattern {
	return truncate(sortRanked(m.relationships), maxRelationships)
}

// anchorList keeps every pinned anchor even when its weight would have cut
// it, displacing the lowest unpinned ones.
func (m *merger) anchorList() []persona.MemoryAnchor {
	all := sortRanked(m.anchors)
	if len(all) <= maxMemoryAnchors {
		return truncate(all, maxMemoryAnchors)
	}
	kept := append([]*ranked[persona.MemoryAnchor](nil), all[:maxMemoryAnchors]...)
	for _, r := range all[maxMemoryAnchors:] {
		if !r.pinned {
			continue
		}
		for i := len(kept) - 1; i >= 0; i-- {
			if !kept[i].pinned {
				kept[i] = r
				break
			}
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].weight != kept[j].weight {
			return kept[i].weight > kept[j].weight
		}
		return kept[i].key < kept[j].key
	})
	return truncate(kept, maxMemoryAnchors)
}

func truncate[T any](list []*ranked[T], limit int) []T {
	if len(list) > limit {
		list = list[:limit]
	}
	out := make([]T, len(list))
	for i, r := range list {
		out[i] = r.item
	}
	return out
}

func (m *merger) weightOf(category, key string) float64 {
	switch category {
	case "speech":
		if r, ok := m.speech[key]; ok {
			return r.weight
		}
	case "behavior":
		if r, ok := m.behavior[key]; ok {
			return r.weight
		}
	}
	return 0
}

// emotionalRange reports the extremes seen plus the states whose weighted
// share crosses the common (20%) or rare (5%) threshold.
func (m *merger) emotionalRange() persona.EmotionalRange {
	if !m.rangeSeen {
		return persona.EmotionalRange{}
	}
	out := persona.EmotionalRange{Min: m.rangeMin, Max: m.rangeMax}

	type agg struct {
		name             string
		weight           float64
		valence, arousal float64
	}
	groups := map[string]*agg{}
	var total float64
	for _, obs := range m.emotions {
		name := strings.ToLower(strings.TrimSpace(obs.state.DominantEmotion))
		if name == "" || obs.weight <= 0 {
			continue
		}
		g, ok := groups[name]
		if !ok {
			g = &agg{name: name}
			groups[name] = g
		}
		g.weight += obs.weight
		g.valence += obs.state.Valence * obs.weight
		g.arousal += obs.state.Arousal * obs.weight
		total += obs.weight
	}
	if total == 0 {
		return out
	}
	list := make([]*agg, 0, len(groups))
	for _, g := range groups {
		list = append(list, g)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].weight != list[j].weight {
			return list[i].weight > list[j].weight
		}
		return list[i].name < list[j].name
	})
	for _, g := range list {
		share := g.weight / total
		state := persona.EmotionalState{
			Valence:         g.valence / g.weight,
			Arousal:         g.arousal / g.weight,
			DominantEmotion: g.name,
		}
		switch {
		case share >= 0.20:
			out.Common = append(out.Common, state)
		case share <= 0.05:
			out.Rare = append(out.Rare, state)
		}
	}
	return out
}
