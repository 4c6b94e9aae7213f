package rules

import (
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

// IdentityBreaks returns the identity-break phrases found in text.
func (s *Set) IdentityBreaks(text string) []PhraseRule {
	lower := strings.ToLower(NormalizeQuotes(text))
	var hits []PhraseRule
	for _, r := range s.IdentityBreak {
		if strings.Contains(lower, r.Phrase) {
			hits = append(hits, r)
		}
	}
	return hits
}

// IsIdentityChallenge reports whether a user message questions what the
// persona is.
func (s *Set) IsIdentityChallenge(msg string) bool {
	msg = NormalizeQuotes(msg)
	for _, re := range s.IdentityChallenges {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// InferSituation classifies a user message by keyword hits. Ties go to the
// class listed first in the table.
func (s *Set) InferSituation(msg string) persona.Situation {
	lower := strings.ToLower(NormalizeQuotes(msg))
	if strings.TrimSpace(lower) == "" {
		return persona.SituationGeneral
	}
	words := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	}) {
		words[w] = struct{}{}
	}

	best := persona.SituationGeneral
	bestHits := 0
	for _, rule := range s.Situations {
		hits := 0
		for _, kw := range rule.Keywords {
			kw = strings.ToLower(kw)
			if strings.ContainsAny(kw, " ?") || strings.Contains(kw, "'") {
				if strings.Contains(lower, kw) {
					hits++
				}
				continue
			}
			if _, ok := words[kw]; ok {
				hits++
			}
		}
		if hits > bestHits {
			best = rule.Situation
			bestHits = hits
		}
	}
	return best
}

// IsGreeting reports whether text starts with a greeting word.
func (s *Set) IsGreeting(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, g := range s.Greetings {
		if lower == g || strings.HasPrefix(lower, g+" ") || strings.HasPrefix(lower, g+",") ||
			strings.HasPrefix(lower, g+"!") || strings.HasPrefix(lower, g+".") {
			return true
		}
	}
	return false
}

// LeakHit is one meta-leak match.
type LeakHit struct {
	Family string
	Match  string
}

// FindMetaLeaks returns every meta-AI or non-existence phrase found in text.
func (s *Set) FindMetaLeaks(text string) []LeakHit {
	text = NormalizeQuotes(text)
	var hits []LeakHit
	for _, l := range s.MetaLeaks {
		for _, m := range l.Re.FindAllString(text, -1) {
			hits = append(hits, LeakHit{Family: l.Family, Match: m})
		}
	}
	return hits
}

// NormalizeQuotes folds typographic apostrophes to ASCII so rule patterns
// written with ' also match model output.
func NormalizeQuotes(s string) string {
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}
