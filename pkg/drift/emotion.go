package drift

import (
	"math"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

const (
	exclamationArousal = 0.15
	maxExclamationLift = 0.45
)

// AnalyzeEmotion scores text on the valence/arousal plane using the rule-set
// lexicon. Exclamation marks lift arousal. Text with no lexicon hits is
// neutral.
func AnalyzeEmotion(text string, set *rules.Set) persona.EmotionalState {
	state, _ := analyze(text, set)
	return state
}

// analyze also returns how many signals (lexicon words and exclamations)
// contributed, so callers can tell "neutral" from "no evidence".
func analyze(text string, set *rules.Set) (persona.EmotionalState, int) {
	state := persona.EmotionalState{DominantEmotion: "neutral"}
	if set == nil || strings.TrimSpace(text) == "" {
		return state, 0
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	})
	var valence, arousal float64
	hits := 0
	counts := map[string]int{}
	for _, w := range words {
		e, ok := set.Emotions[w]
		if !ok {
			continue
		}
		valence += e.Valence
		arousal += e.Arousal
		counts[e.Emotion]++
		hits++
	}
	if hits > 0 {
		state.Valence = valence / float64(hits)
		state.Arousal = arousal / float64(hits)
		state.DominantEmotion = dominant(counts)
	}

	bangs := strings.Count(text, "!")
	if bangs > 0 {
		state.Arousal += math.Min(float64(bangs)*exclamationArousal, maxExclamationLift)
		if hits == 0 {
			state.DominantEmotion = "excitement"
		}
	}
	state.Valence = clampAxis(state.Valence)
	state.Arousal = clampAxis(state.Arousal)
	return state, hits + bangs
}

func dominant(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for k := range counts {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	return names[0]
}

func clampAxis(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
