package drift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
)

// RetryPolicy bounds correction rewrites. There is no backoff: a failed
// attempt falls straight through to the next one or to the original reply.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Timeout: 30 * time.Second}
}

// ShouldRetry reports whether another attempt is allowed after attempts
// have already been made.
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

type Correction struct {
	Response  string                 `json:"response"`
	Original  string                 `json:"original"`
	Before    persona.DriftDetection `json:"before"`
	Detection persona.DriftDetection `json:"detection"`
	Attempts  int                    `json:"attempts"`
}

type Corrector struct {
	detector *Detector
	gen      providers.Generator
	policy   RetryPolicy
	model    string
}

func NewCorrector(detector *Detector, gen providers.Generator, policy RetryPolicy, model string) *Corrector {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultRetryPolicy().Timeout
	}
	return &Corrector{detector: detector, gen: gen, policy: policy, model: model}
}

// Correct asks for a rewrite when det is above low severity. A rewrite is
// kept only if re-detection rates it strictly better; otherwise the original
// comes back with Corrected=false.
func (c *Corrector) Correct(ctx context.Context, response string, bp *persona.Blueprint, turn TurnContext, det persona.DriftDetection) Correction {
	out := Correction{Response: response, Original: response, Before: det, Detection: det}
	out.Detection.Corrected = false
	if det.Severity.Rank() <= persona.SeverityLow.Rank() || c.gen == nil {
		return out
	}

	prompt := buildCorrectionPrompt(response, bp, det)
	for c.policy.ShouldRetry(out.Attempts) {
		out.Attempts++
		rewrite, err := c.attempt(ctx, prompt)
		if err != nil {
			logger.WarnCF("drift", "Correction attempt failed", map[string]interface{}{
				"construct": blueprintKey(bp),
				"attempt":   out.Attempts,
				"error":     err.Error(),
			})
			continue
		}
		redo := c.detector.Detect(ctx, rewrite, bp, turn)
		if redo.Severity.Rank() < det.Severity.Rank() {
			redo.Corrected = true
			out.Response = rewrite
			out.Detection = redo
			logger.InfoCF("drift", "Drift corrected", map[string]interface{}{
				"construct": blueprintKey(bp),
				"from":      string(det.Severity),
				"to":        string(redo.Severity),
			})
			return out
		}
		logger.DebugCF("drift", "Rewrite did not reduce drift", map[string]interface{}{
			"construct": blueprintKey(bp),
			"severity":  string(redo.Severity),
		})
	}
	return out
}

func (c *Corrector) attempt(ctx context.Context, prompt string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()
	rewrite, err := c.gen.Generate(attemptCtx, prompt, c.model)
	if err != nil {
		return "", err
	}
	rewrite = strings.TrimSpace(rewrite)
	if rewrite == "" {
		return "", fmt.Errorf("empty rewrite")
	}
	return rewrite, nil
}

func buildCorrectionPrompt(response string, bp *persona.Blueprint, det persona.DriftDetection) string {
	var sb strings.Builder
	name := "the character"
	if bp != nil && bp.ConstructID != "" {
		name = bp.ConstructID
	}
	sb.WriteString(fmt.Sprintf("Rewrite the reply below so it sounds like %s again. Keep its meaning.\n\n", name))

	sb.WriteString("## Problems\n")
	for _, ind := range det.Indicators {
		line := fmt.Sprintf("- %s (%s): %s", ind.Type, ind.Severity, ind.Description)
		if ind.Evidence != "" {
			line += " [" + ind.Evidence + "]"
		}
		sb.WriteString(line + "\n")
	}

	if bp != nil {
		sb.WriteString("\n## Personality\n")
		if len(bp.CoreTraits) > 0 {
			sb.WriteString("Traits: " + strings.Join(bp.CoreTraits, ", ") + "\n")
		}
		if vocab := bp.TopVocabulary(vocabularyTopN); len(vocab) > 0 {
			words := make([]string, 0, len(vocab))
			for _, sp := range vocab {
				words = append(words, sp.Pattern)
			}
			sb.WriteString("Signature words: " + strings.Join(words, ", ") + "\n")
		}
		for i, r := range bp.ConsistencyRules {
			if i == 5 {
				break
			}
			sb.WriteString("- " + r.Rule + "\n")
		}
	}

	sb.WriteString("\nNever mention being an AI, a model, or having training data.\n")
	sb.WriteString("\n## Reply\n")
	sb.WriteString(response)
	sb.WriteString("\n\nReturn only the rewritten reply.")
	return sb.String()
}

func blueprintKey(bp *persona.Blueprint) string {
	if bp == nil {
		return ""
	}
	return bp.Key()
}
