package blueprint

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

func isConstructName(target persona.ConstructRef, value string) bool {
	v := strings.TrimSpace(value)
	if strings.EqualFold(v, target.ConstructID) || strings.EqualFold(v, target.Name) {
		return true
	}
	for _, a := range target.Aliases {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

func deriveTraits(bp *persona.Blueprint, rs *rules.Set) []string {
	var traits []string
	for _, rule := range rs.Traits {
		if traitApplies(rule, bp) {
			traits = append(traits, rule.Trait)
		}
	}
	return unionStrings(nil, traits, 0)
}

func traitApplies(rule rules.TraitRule, bp *persona.Blueprint) bool {
	if strings.TrimSpace(rule.Trait) == "" {
		return false
	}
	conditions := 0

	if rule.SpeechType != "" || rule.Contains != "" {
		conditions++
		limit := rule.TopN
		if limit <= 0 || limit > len(bp.SpeechPatterns) {
			limit = len(bp.SpeechPatterns)
		}
		found := false
		for _, sp := range bp.SpeechPatterns[:limit] {
			if rule.SpeechType != "" && sp.Type != rule.SpeechType {
				continue
			}
			if rule.Contains != "" && !strings.Contains(strings.ToLower(sp.Pattern), strings.ToLower(rule.Contains)) {
				continue
			}
			found = true
			break
		}
		if !found {
			return false
		}
	}
	if rule.MinArousal > 0 {
		conditions++
		if bp.EmotionalRange.IsZero() || bp.EmotionalRange.Max.Arousal < rule.MinArousal {
			return false
		}
	}
	if rule.Relationship != "" {
		conditions++
		found := false
		for _, rp := range bp.RelationshipPatterns {
			if strings.EqualFold(rp.PatternType, rule.Relationship) && rp.Strength >= rule.MinStrength {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if rule.AnchorType != "" {
		conditions++
		found := false
		for _, a := range bp.MemoryAnchors {
			if a.Type == rule.AnchorType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return conditions > 0
}

type identifierEvidence struct {
	text     string
	weight   float64
	lastSeen int64
}

// deriveIdentifiers scans merged anchors and relationship evidence with the
// identifier rule table.
func deriveIdentifiers(target persona.ConstructRef, bp *persona.Blueprint, rs *rules.Set) []persona.PersonalIdentifier {
	var sources []identifierEvidence
	for _, a := range bp.MemoryAnchors {
		sources = append(sources, identifierEvidence{text: a.Anchor, weight: a.Significance, lastSeen: a.TimestampMS})
		if a.Context != "" {
			sources = append(sources, identifierEvidence{text: a.Context, weight: a.Significance * 0.8, lastSeen: a.TimestampMS})
		}
	}
	for _, rp := range bp.RelationshipPatterns {
		var last int64
		if n := len(rp.Evolution); n > 0 {
			last = rp.Evolution[n-1].AtMS
		}
		for _, ev := range rp.Evidence {
			sources = append(sources, identifierEvidence{text: ev, weight: rp.Strength, lastSeen: last})
		}
	}

	byKey := map[string]*persona.PersonalIdentifier{}
	for _, src := range sources {
		for _, rule := range rs.Identifiers {
			for _, match := range rule.Re.FindAllStringSubmatch(src.text, -1) {
				value := strings.Trim(strings.TrimSpace(match[1]), `"'.,!`)
				if value == "" {
					continue
				}
				if rule.Type == persona.IdentifierUserName && isConstructName(target, value) {
					continue
				}
				salience := persona.Clamp01(rule.Salience * (0.5 + 0.5*persona.Clamp01(src.weight)))
				key := string(rule.Type) + "|" + strings.ToLower(value)
				cur, ok := byKey[key]
				if !ok {
					byKey[key] = &persona.PersonalIdentifier{
						Type:       rule.Type,
						Value:      value,
						Salience:   salience,
						Evidence:   []string{src.text},
						LastSeenMS: src.lastSeen,
					}
					continue
				}
				if salience > cur.Salience {
					cur.Salience = salience
				}
				if src.lastSeen > cur.LastSeenMS {
					cur.LastSeenMS = src.lastSeen
				}
				cur.Evidence = unionStrings(cur.Evidence, []string{src.text}, 3)
			}
		}
	}

	out := make([]persona.PersonalIdentifier, 0, len(byKey))
	for _, id := range byKey {
		out = append(out, *id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Salience != out[j].Salience {
			return out[i].Salience > out[j].Salience
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > maxIdentifiers {
		out = out[:maxIdentifiers]
	}
	templateGreetings(out)
	return out
}

// templateGreetings swaps the learned user name inside greeting styles for a
// {name} placeholder so the style survives a name change.
func templateGreetings(ids []persona.PersonalIdentifier) {
	var name string
	for _, id := range ids {
		if id.Type == persona.IdentifierUserName {
			name = id.Value
			break
		}
	}
	if name == "" {
		return
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
	for i := range ids {
		if ids[i].Type == persona.IdentifierGreetingStyle {
			ids[i].Value = re.ReplaceAllString(ids[i].Value, "{name}")
		}
	}
}

func anchorRule(a persona.MemoryAnchor, source string) persona.ConsistencyRule {
	return persona.ConsistencyRule{
		Rule:       fmt.Sprintf("Stay true to this %s: %s", strings.ReplaceAll(string(a.Type), "-", " "), a.Anchor),
		Type:       persona.RuleIdentity,
		Source:     source,
		Confidence: a.Significance,
	}
}

// projectRules turns the top of each merged category into prompt
// directives. It adds no information of its own.
func projectRules(bp *persona.Blueprint, m *merger) []persona.ConsistencyRule {
	var out []persona.ConsistencyRule

	if id, ok := bp.Identifier(persona.IdentifierUserName); ok {
		out = append(out, persona.ConsistencyRule{
			Rule:       fmt.Sprintf("The user's name is %s. Use it naturally.", id.Value),
			Type:       persona.RuleIdentity,
			Source:     "identifier:user-name",
			Confidence: id.Salience,
			Examples:   id.Evidence,
		})
	}
	for _, a := range topN(bp.MemoryAnchors, 5) {
		out = append(out, anchorRule(a, "anchor"))
	}

	speech := topN(bp.SpeechPatterns, 5)
	weights := make([]float64, len(speech))
	for i, sp := range speech {
		weights[i] = m.weightOf("speech", speechKey(sp))
	}
	for i, sp := range speech {
		conf := relativeConfidence(weights[i], weights)
		out = append(out, persona.ConsistencyRule{
			Rule:       fmt.Sprintf("Keep the %s pattern %q (seen %d times).", sp.Type, sp.Pattern, sp.Frequency),
			Type:       persona.RuleSpeech,
			Source:     "speech",
			Confidence: conf,
			Examples:   topN(sp.Examples, 2),
		})
	}

	behavior := topN(bp.BehavioralMarkers, 5)
	weights = make([]float64, len(behavior))
	for i, bm := range behavior {
		weights[i] = m.weightOf("behavior", behaviorKey(bm))
	}
	for i, bm := range behavior {
		conf := relativeConfidence(weights[i], weights)
		out = append(out, persona.ConsistencyRule{
			Rule:       fmt.Sprintf("In %s situations, respond like this: %s", bm.Situation, bm.ResponsePattern),
			Type:       persona.RuleBehavior,
			Source:     "behavior",
			Confidence: conf,
			Examples:   topN(bm.Examples, 2),
		})
	}

	for _, wv := range topN(bp.Worldview, 3) {
		category := wv.Category
		if category == "" {
			category = persona.WorldviewBelief
		}
		out = append(out, persona.ConsistencyRule{
			Rule:       fmt.Sprintf("Hold this %s: %s", category, wv.Expression),
			Type:       persona.RuleWorldview,
			Source:     "worldview",
			Confidence: wv.Confidence,
			Examples:   topN(wv.Evidence, 2),
		})
	}

	for _, rp := range topN(bp.RelationshipPatterns, 3) {
		out = append(out, persona.ConsistencyRule{
			Rule:       fmt.Sprintf("Maintain the %s dynamic with the user (strength %.2f).", rp.PatternType, rp.Strength),
			Type:       persona.RuleRelationship,
			Source:     "relationship",
			Confidence: rp.Strength,
			Examples:   topN(rp.Evidence, 2),
		})
	}

	if len(out) > maxRules {
		out = out[:maxRules]
	}
	return out
}

// neutralConfidence is given to entries the merger never weighed, such as
// those carried in from a baseline profile.
const neutralConfidence = 0.5

// relativeConfidence scales w against the heaviest weight in its category.
func relativeConfidence(w float64, all []float64) float64 {
	var top float64
	for _, x := range all {
		top = math.Max(top, x)
	}
	if w <= 0 || top <= 0 {
		return neutralConfidence
	}
	return persona.Clamp01(w / top)
}

func topN[T any](list []T, n int) []T {
	if len(list) > n {
		return list[:n]
	}
	return list
}
