package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/detector"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

const (
	defaultFragmentTokens = 1200
	historyTokens         = 1500
	maxHistoryMessages    = 24
	sectionSeparator      = "\n\n---\n\n"
)

// estimateTokens is a rough rune-based token count.
func estimateTokens(content string) int {
	runes := len([]rune(content))
	if runes == 0 {
		return 0
	}
	tokens := runes * 2 / 5
	if tokens < 8 {
		return 8
	}
	return tokens
}

// renderFragment renders the consistency rules, the identity anchors and the
// greeting directive as ordered sections. The directive is always kept; rules
// and then anchors are added line by line until maxTokens is spent.
func renderFragment(bp *persona.Blueprint, directive string, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = defaultFragmentTokens
	}
	directive = strings.TrimSpace(directive)
	used := 0
	if directive != "" {
		used = estimateTokens(directive)
	}

	var ruleLines, anchorLines []string
	if bp != nil {
		for _, r := range bp.ConsistencyRules {
			line := "- " + strings.TrimSpace(r.Rule)
			tokens := estimateTokens(line)
			if used+tokens > maxTokens {
				break
			}
			ruleLines = append(ruleLines, line)
			used += tokens
		}
		for _, a := range identityAnchors(bp) {
			line := fmt.Sprintf("- [%s] %s", a.Type, strings.TrimSpace(a.Anchor))
			tokens := estimateTokens(line)
			if used+tokens > maxTokens {
				break
			}
			anchorLines = append(anchorLines, line)
			used += tokens
		}
	}

	parts := make([]string, 0, 3)
	if len(ruleLines) > 0 {
		parts = append(parts, "## Consistency Rules\n"+strings.Join(ruleLines, "\n"))
	}
	if len(anchorLines) > 0 {
		parts = append(parts, "## Identity Anchors\n"+strings.Join(anchorLines, "\n"))
	}
	if directive != "" {
		parts = append(parts, "## Greeting\n"+directive)
	}
	return strings.Join(parts, sectionSeparator)
}

// identityAnchors orders memory anchors by significance, strongest first.
func identityAnchors(bp *persona.Blueprint) []persona.MemoryAnchor {
	out := make([]persona.MemoryAnchor, 0, len(bp.MemoryAnchors))
	for _, a := range bp.MemoryAnchors {
		if strings.TrimSpace(a.Anchor) == "" {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Significance > out[j].Significance
	})
	return out
}

// selectHistory keeps the newest messages that fit in budget, oldest first.
func selectHistory(msgs []detector.Message, budget int) []detector.Message {
	if budget <= 0 {
		return nil
	}
	var selected []detector.Message
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == "system" {
			continue
		}
		tokens := estimateTokens(m.Content)
		if used+tokens > budget && len(selected) > 0 {
			break
		}
		selected = append(selected, m)
		used += tokens
		if len(selected) >= maxHistoryMessages {
			break
		}
	}
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected
}

// buildPrompt assembles the generation prompt from the persona fragment, the
// recent conversation and the (possibly pre-filtered) user turn.
func buildPrompt(fragment string, history []detector.Message, userTurn, name string) string {
	var sb strings.Builder
	if fragment != "" {
		sb.WriteString(fragment)
		sb.WriteString(sectionSeparator)
	}
	if len(history) > 0 {
		sb.WriteString("## Conversation\n")
		for _, m := range history {
			sb.WriteString(speaker(m.Role, name))
			sb.WriteString(": ")
			sb.WriteString(strings.TrimSpace(m.Content))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("User: ")
	sb.WriteString(strings.TrimSpace(userTurn))
	sb.WriteString("\n")
	sb.WriteString(name)
	sb.WriteString(":")
	return sb.String()
}

func speaker(role, name string) string {
	if role == "assistant" {
		return name
	}
	return "User"
}
