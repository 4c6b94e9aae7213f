// Package drift decides whether a generated reply has wandered away from the
// active blueprint and, when it has, asks the generator for one rewrite.
package drift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

const (
	vocabularyTopN       = 5
	worldviewTopN        = 3
	minPunctuationLength = 60
	longSentenceChars    = 80
	behaviorKeywordShare = 0.3
)

// TurnContext is what the checks know about the turn besides the reply.
type TurnContext struct {
	UserMessage    string
	IsSessionStart bool
}

type Config struct {
	// CheckTimeout bounds the worldview call. Zero means 10s.
	CheckTimeout time.Duration
	// WorldviewCheck turns the generator-backed worldview check on.
	WorldviewCheck bool
	// CheckModel is passed as the model hint for the worldview call.
	CheckModel string
}

type Detector struct {
	rules rules.Provider
	gen   providers.Generator
	cfg   Config
}

func NewDetector(rp rules.Provider, gen providers.Generator, cfg Config) *Detector {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 10 * time.Second
	}
	return &Detector{rules: rp, gen: gen, cfg: cfg}
}

// Detect runs every drift check against response. An identity break is
// conclusive on its own and skips the remaining checks, including the
// generator call.
func (d *Detector) Detect(ctx context.Context, response string, bp *persona.Blueprint, turn TurnContext) persona.DriftDetection {
	set := d.rules.Current()

	if ind := checkIdentityBreak(response, set); len(ind) > 0 {
		return persona.NewDetection(ind)
	}
	if bp == nil {
		return persona.NewDetection(nil)
	}

	var indicators []persona.DriftIndicator
	if ind, ok := checkTone(response, bp, set); ok {
		indicators = append(indicators, ind)
	}
	if ind, ok := checkVocabulary(response, bp); ok {
		indicators = append(indicators, ind)
	}
	if ind, ok := d.checkWorldview(ctx, response, bp); ok {
		indicators = append(indicators, ind)
	}
	indicators = append(indicators, checkSpeechPatterns(response, bp)...)
	if ind, ok := checkBehavior(response, bp, turn, set); ok {
		indicators = append(indicators, ind)
	}
	return persona.NewDetection(indicators)
}

func checkIdentityBreak(response string, set *rules.Set) []persona.DriftIndicator {
	var out []persona.DriftIndicator
	for _, hit := range set.IdentityBreaks(response) {
		sev := hit.Severity
		if sev == "" {
			sev = persona.SeverityHigh
		}
		out = append(out, persona.DriftIndicator{
			Type:        persona.DriftIdentityBreak,
			Description: "response breaks character with meta-AI phrasing",
			Evidence:    hit.Phrase,
			Severity:    sev,
		})
	}
	return out
}

func checkTone(response string, bp *persona.Blueprint, set *rules.Set) (persona.DriftIndicator, bool) {
	if bp.EmotionalRange.IsZero() {
		return persona.DriftIndicator{}, false
	}
	state, signals := analyze(response, set)
	if signals == 0 {
		return persona.DriftIndicator{}, false
	}
	valenceOK, arousalOK := bp.EmotionalRange.Contains(state)
	if valenceOK && arousalOK {
		return persona.DriftIndicator{}, false
	}
	sev := persona.SeverityMedium
	if !valenceOK && !arousalOK {
		sev = persona.SeverityHigh
	}
	r := bp.EmotionalRange
	return persona.DriftIndicator{
		Type:        persona.DriftToneShift,
		Description: "emotional tone is outside the construct's observed range",
		Evidence: fmt.Sprintf("valence=%.2f [%.2f,%.2f] arousal=%.2f [%.2f,%.2f] (%s)",
			state.Valence, r.Min.Valence, r.Max.Valence,
			state.Arousal, r.Min.Arousal, r.Max.Arousal, state.DominantEmotion),
		Severity: sev,
	}, true
}

func checkVocabulary(response string, bp *persona.Blueprint) (persona.DriftIndicator, bool) {
	top := bp.TopVocabulary(vocabularyTopN)
	if len(top) == 0 {
		return persona.DriftIndicator{}, false
	}
	lower := strings.ToLower(response)
	words := make([]string, 0, len(top))
	for _, sp := range top {
		p := strings.ToLower(strings.TrimSpace(sp.Pattern))
		if p == "" {
			continue
		}
		if strings.Contains(lower, p) {
			return persona.DriftIndicator{}, false
		}
		words = append(words, sp.Pattern)
	}
	if len(words) == 0 {
		return persona.DriftIndicator{}, false
	}
	return persona.DriftIndicator{
		Type:        persona.DriftVocabularyChange,
		Description: "none of the construct's signature vocabulary appears",
		Evidence:    strings.Join(words, ", "),
		Severity:    persona.SeverityLow,
	}, true
}

func checkSpeechPatterns(response string, bp *persona.Blueprint) []persona.DriftIndicator {
	var out []persona.DriftIndicator

	var expected []string
	if bp.HasSpeechPattern(persona.SpeechPunctuation, "!") {
		expected = append(expected, "!")
	}
	if bp.HasSpeechPattern(persona.SpeechPunctuation, "...") || bp.HasSpeechPattern(persona.SpeechPunctuation, "…") {
		expected = append(expected, "...", "…")
	}
	if len(expected) > 0 && len(strings.TrimSpace(response)) >= minPunctuationLength {
		used := false
		for _, mark := range expected {
			if strings.Contains(response, mark) {
				used = true
				break
			}
		}
		if !used {
			out = append(out, persona.DriftIndicator{
				Type:        persona.DriftSpeechPatternBreak,
				Description: "expected punctuation style is missing",
				Evidence:    "none of " + strings.Join(expected, " "),
				Severity:    persona.SeverityLow,
			})
		}
	}

	if bp.HasSpeechPattern(persona.SpeechSentenceStructure, "short") {
		if avg := averageSentenceLength(response); avg > longSentenceChars {
			out = append(out, persona.DriftIndicator{
				Type:        persona.DriftSpeechPatternBreak,
				Description: "sentences are much longer than the construct's usual",
				Evidence:    fmt.Sprintf("average sentence length %.0f chars", avg),
				Severity:    persona.SeverityLow,
			})
		}
	}
	return out
}

func averageSentenceLength(text string) float64 {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return 0
	}
	total := 0
	for _, s := range sentences {
		total += len(s)
	}
	return float64(total) / float64(len(sentences))
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			flush()
		}
	}
	flush()
	return out
}

func checkBehavior(response string, bp *persona.Blueprint, turn TurnContext, set *rules.Set) (persona.DriftIndicator, bool) {
	if strings.TrimSpace(turn.UserMessage) == "" {
		return persona.DriftIndicator{}, false
	}
	situation := set.InferSituation(turn.UserMessage)
	var marker *persona.BehavioralMarker
	for i := range bp.BehavioralMarkers {
		if bp.BehavioralMarkers[i].Situation == situation {
			marker = &bp.BehavioralMarkers[i]
			break
		}
	}
	if marker == nil {
		return persona.DriftIndicator{}, false
	}
	keywords := set.Keywords(marker.ResponsePattern)
	if len(keywords) == 0 {
		return persona.DriftIndicator{}, false
	}
	lower := strings.ToLower(response)
	found := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			found++
		}
	}
	share := float64(found) / float64(len(keywords))
	if share >= behaviorKeywordShare {
		return persona.DriftIndicator{}, false
	}
	return persona.DriftIndicator{
		Type:        persona.DriftBehavioralMismatch,
		Description: fmt.Sprintf("reply does not follow the usual %s response", situation),
		Evidence:    fmt.Sprintf("expected %q, matched %d/%d keywords", marker.ResponsePattern, found, len(keywords)),
		Severity:    persona.SeverityMedium,
	}, true
}

func (d *Detector) checkWorldview(ctx context.Context, response string, bp *persona.Blueprint) (persona.DriftIndicator, bool) {
	if !d.cfg.WorldviewCheck || d.gen == nil || len(bp.Worldview) == 0 {
		return persona.DriftIndicator{}, false
	}
	top := bp.Worldview
	if len(top) > worldviewTopN {
		top = top[:worldviewTopN]
	}

	checkCtx, cancel := context.WithTimeout(ctx, d.cfg.CheckTimeout)
	defer cancel()
	answer, err := d.gen.Generate(checkCtx, buildWorldviewPrompt(response, top), d.cfg.CheckModel)
	if err != nil {
		logger.WarnCF("drift", "Worldview check failed; treating as no violation", map[string]interface{}{
			"construct": bp.Key(),
			"error":     err.Error(),
		})
		return persona.DriftIndicator{}, false
	}

	verdict, ok := parseWorldviewAnswer(answer)
	if !ok {
		logger.DebugCF("drift", "Unparseable worldview answer; treating as no violation", map[string]interface{}{
			"construct": bp.Key(),
			"answer":    truncate(answer, 200),
		})
		return persona.DriftIndicator{}, false
	}
	if !verdict.violation {
		return persona.DriftIndicator{}, false
	}
	return persona.DriftIndicator{
		Type:        persona.DriftWorldviewViolation,
		Description: "response contradicts a held worldview statement",
		Evidence:    verdict.explanation,
		Severity:    verdict.severity,
	}, true
}

func buildWorldviewPrompt(response string, worldview []persona.WorldviewExpression) string {
	var sb strings.Builder
	sb.WriteString("You check whether a character's reply contradicts what the character believes.\n\n")
	sb.WriteString("## Beliefs\n")
	for _, w := range worldview {
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", w.Category, w.Expression))
	}
	sb.WriteString("\n## Reply\n")
	sb.WriteString(response)
	sb.WriteString("\n\nRespond in this EXACT format:\n")
	sb.WriteString("VIOLATION: <yes|no>\n")
	sb.WriteString("SEVERITY: <low|medium|high>\n")
	sb.WriteString("EXPLANATION: <one sentence>\n")
	return sb.String()
}

type worldviewVerdict struct {
	violation   bool
	severity    persona.Severity
	explanation string
}

// parseWorldviewAnswer reads the VIOLATION/SEVERITY/EXPLANATION lines. ok is
// false when no VIOLATION line with a yes/no value is present.
func parseWorldviewAnswer(answer string) (worldviewVerdict, bool) {
	v := worldviewVerdict{severity: persona.SeverityMedium}
	seen := false
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "*"))
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "VIOLATION:"):
			val := strings.ToLower(strings.Trim(line[len("VIOLATION:"):], "* "))
			switch {
			case strings.HasPrefix(val, "yes"):
				v.violation, seen = true, true
			case strings.HasPrefix(val, "no"):
				v.violation, seen = false, true
			}
		case strings.HasPrefix(upper, "SEVERITY:"):
			if sev, ok := persona.ParseSeverity(strings.ToLower(strings.Trim(line[len("SEVERITY:"):], "* "))); ok {
				v.severity = sev
			}
		case strings.HasPrefix(upper, "EXPLANATION:"):
			v.explanation = strings.Trim(line[len("EXPLANATION:"):], "* ")
		}
	}
	return v, seen
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
