// Package greeting personalises the first turn of a session with what the
// blueprint knows about the user.
package greeting

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

const (
	maxOpenerWords    = 6
	maxDirectiveMemos = 2
)

type Synthesizer struct {
	rules rules.Provider
}

func New(rp rules.Provider) *Synthesizer {
	return &Synthesizer{rules: rp}
}

// IsOpener reports whether msg is a short greeting such as "hey" or
// "good morning!".
func (s *Synthesizer) IsOpener(msg string) bool {
	msg = strings.TrimSpace(msg)
	if msg == "" || len(strings.Fields(msg)) > maxOpenerWords {
		return false
	}
	return s.rules.Current().IsGreeting(msg)
}

// BuildDirective returns the greeting section of the system fragment. It is
// empty outside session starts.
func (s *Synthesizer) BuildDirective(bp *persona.Blueprint, memories []string, isSessionStart bool) string {
	if !isSessionStart || bp == nil {
		return ""
	}
	set := s.rules.Current()

	var sb strings.Builder
	sb.WriteString("This is the first message of a new session.")
	name, hasName := bp.Identifier(persona.IdentifierUserName)
	if hasName {
		sb.WriteString(fmt.Sprintf(" You MUST greet %s by name in your first sentence.", name.Value))
		if len(set.GenericGreetings) > 0 {
			quoted := make([]string, 0, len(set.GenericGreetings))
			for _, g := range set.GenericGreetings {
				quoted = append(quoted, fmt.Sprintf("%q", g))
			}
			sb.WriteString(" Do not open with generic greetings such as " + strings.Join(quoted, ", ") + ".")
		}
		sb.WriteString(fmt.Sprintf(" Preferred opener: %q.", s.stem(bp, name.Value)))
	} else {
		sb.WriteString(" Open in your own voice, not with a generic assistant greeting.")
	}

	if mem, ok := bp.Identifier(persona.IdentifierSharedMemory); ok {
		memories = append([]string{mem.Value}, memories...)
	}
	var picked []string
	seen := map[string]struct{}{}
	for _, m := range memories {
		m = strings.TrimSpace(m)
		k := strings.ToLower(m)
		if m == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		picked = append(picked, m)
		if len(picked) == maxDirectiveMemos {
			break
		}
	}
	if len(picked) > 0 {
		sb.WriteString(" If it fits, touch on something you share: " + strings.Join(picked, "; ") + ".")
	}
	return sb.String()
}

// NeedsCorrection flags a session-start reply that opens with a greeting but
// never uses the user's name.
func (s *Synthesizer) NeedsCorrection(response string, bp *persona.Blueprint, isSessionStart bool) bool {
	if !isSessionStart || bp == nil {
		return false
	}
	name, ok := bp.Identifier(persona.IdentifierUserName)
	if !ok || strings.TrimSpace(name.Value) == "" {
		return false
	}
	if strings.Contains(strings.ToLower(response), strings.ToLower(name.Value)) {
		return false
	}
	return s.greetingPrefix(response) > 0
}

// SuggestCorrection swaps the reply's greeting stem for the learned greeting
// style with the user's name filled in. Without a known name the reply is
// returned unchanged.
func (s *Synthesizer) SuggestCorrection(response string, bp *persona.Blueprint) string {
	if bp == nil {
		return response
	}
	name, ok := bp.Identifier(persona.IdentifierUserName)
	if !ok || strings.TrimSpace(name.Value) == "" {
		return response
	}
	stem := s.stem(bp, name.Value)
	trimmed := strings.TrimLeft(response, " \t\n")
	if n := s.greetingPrefix(trimmed); n > 0 {
		return stem + trimmed[n:]
	}
	return stem + ". " + trimmed
}

// stem renders the learned greeting style, or the rule set's default stem
// when the style does not carry the name.
func (s *Synthesizer) stem(bp *persona.Blueprint, name string) string {
	if style, ok := bp.Identifier(persona.IdentifierGreetingStyle); ok && strings.Contains(style.Value, "{name}") {
		return strings.ReplaceAll(style.Value, "{name}", name)
	}
	return strings.ReplaceAll(s.rules.Current().DefaultStem, "{name}", name)
}

// greetingPrefix returns the byte length of the greeting word or phrase that
// opens text, or 0. The longest known greeting wins so "hello there" beats
// "hello".
func (s *Synthesizer) greetingPrefix(text string) int {
	set := s.rules.Current()
	lower := strings.ToLower(strings.TrimSpace(text))
	best := 0
	for _, list := range [][]string{set.GenericGreetings, set.Greetings} {
		for _, g := range list {
			if len(g) <= best || !strings.HasPrefix(lower, g) {
				continue
			}
			if len(lower) > len(g) && isWordByte(lower[len(g)]) {
				continue
			}
			best = len(g)
		}
	}
	return best
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '\''
}
