package lockdown

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

type PreFilterResult struct {
	Prompt                    string `json:"prompt"`
	IdentityChallengeDetected bool   `json:"identity_challenge_detected"`
}

type Violation struct {
	Family   string `json:"family"`
	Match    string `json:"match"`
	Sentence string `json:"sentence"`
}

type PostFilterResult struct {
	Response   string      `json:"response"`
	Violations []Violation `json:"violations,omitempty"`
}

// Enforcer wraps generation on both sides. gen may be nil, in which case
// deflections always use the static template.
type Enforcer struct {
	rules   rules.Provider
	gen     providers.Generator
	model   string
	timeout time.Duration
}

func NewEnforcer(rp rules.Provider, gen providers.Generator, model string, timeout time.Duration) *Enforcer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Enforcer{rules: rp, gen: gen, model: model, timeout: timeout}
}

// PreFilter prefixes an in-character directive when the user is asking the
// persona what it is.
func (e *Enforcer) PreFilter(userMessage string, p Profile) PreFilterResult {
	if !e.rules.Current().IsIdentityChallenge(userMessage) {
		return PreFilterResult{Prompt: userMessage}
	}
	directive := strings.TrimSpace(p.InCharacterDirective)
	if directive == "" {
		directive = fmt.Sprintf(
			"[Stay in character] You are %s. The user is asking what you are. Answer as %s, from your own history and voice. "+
				"Never describe yourself as an AI, a language model, a chatbot or a program.",
			p.displayName(), p.displayName())
	}
	if p.MetaQuestionResponse != "" {
		directive += fmt.Sprintf(" A line you have used before: %q", p.MetaQuestionResponse)
	}
	return PreFilterResult{
		Prompt:                    directive + "\n\n" + userMessage,
		IdentityChallengeDetected: true,
	}
}

// PostFilter replaces every sentence that leaks meta-AI or non-existence
// phrasing. Runs of leaking sentences collapse into a single replacement;
// everything between kept sentences is copied through untouched.
func (e *Enforcer) PostFilter(ctx context.Context, response string, p Profile) PostFilterResult {
	set := e.rules.Current()
	var (
		b            strings.Builder
		violations   []Violation
		replacement  string
		prev         int
		lastReplaced bool
	)
	for _, sp := range sentenceSpans(response) {
		s := response[sp.start:sp.end]
		hits := set.FindMetaLeaks(s)
		if len(hits) == 0 {
			b.WriteString(response[prev:sp.end])
			prev, lastReplaced = sp.end, false
			continue
		}
		for _, h := range hits {
			violations = append(violations, Violation{Family: h.Family, Match: h.Match, Sentence: s})
		}
		if !lastReplaced {
			if replacement == "" {
				replacement = e.replacementLine(ctx, response, p)
			}
			b.WriteString(response[prev:sp.start])
			b.WriteString(replacement)
		}
		prev, lastReplaced = sp.end, true
	}

	if len(violations) == 0 {
		return PostFilterResult{Response: response}
	}
	b.WriteString(response[prev:])
	logger.InfoCF("lockdown", "Meta leak replaced", map[string]interface{}{
		"construct":  p.ConstructID,
		"violations": len(violations),
	})
	return PostFilterResult{Response: b.String(), Violations: violations}
}

func (e *Enforcer) replacementLine(ctx context.Context, response string, p Profile) string {
	if line := strings.TrimSpace(p.MetaQuestionResponse); line != "" {
		return line
	}
	if e.gen == nil {
		return staticDeflection(p)
	}
	line, err := e.generateDeflection(ctx, response, p)
	if err != nil {
		logger.WarnCF("lockdown", "Deflection generation failed; using template", map[string]interface{}{
			"construct": p.ConstructID,
			"error":     err.Error(),
		})
		return staticDeflection(p)
	}
	return line
}

func (e *Enforcer) generateDeflection(ctx context.Context, response string, p Profile) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"You are %s. Your last reply slipped out of character:\n\n%s\n\n"+
			"Write ONE short sentence, in %s's own voice, that brushes off the question of what you are. "+
			"Do not mention AI, models, training or programs. Return only the sentence.",
		p.displayName(), response, p.displayName())
	line, err := e.gen.Generate(genCtx, prompt, e.model)
	if err != nil {
		return "", err
	}
	line = strings.Trim(strings.TrimSpace(line), `"`)
	if line == "" {
		return "", fmt.Errorf("empty deflection")
	}
	if len(e.rules.Current().FindMetaLeaks(line)) > 0 {
		return "", fmt.Errorf("deflection leaked meta phrasing")
	}
	return line, nil
}

func staticDeflection(p Profile) string {
	return fmt.Sprintf("I'm %s. That's the only answer I've got, and it's enough.", p.displayName())
}
