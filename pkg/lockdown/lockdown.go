package lockdown

import (
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

type SignatureHit struct {
	Signature string `json:"signature"`
	Trigger   string `json:"trigger"`
	Response  string `json:"response"`
}

// Lockdown holds the deterministic reply layer: signature matches, the
// drift-phrase scrubber and brevity limits. None of it calls the generator.
type Lockdown struct {
	rules rules.Provider

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewLockdown uses src for picking signature responses; nil seeds from the
// runtime.
func NewLockdown(rp rules.Provider, src rand.Source) *Lockdown {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Lockdown{rules: rp, rnd: rand.New(src)}
}

// MatchSignature checks signatures from highest priority down. The first
// trigger found as a case-insensitive substring wins.
func (l *Lockdown) MatchSignature(userMessage string, p Profile) (SignatureHit, bool) {
	lower := strings.ToLower(rules.NormalizeQuotes(userMessage))
	if strings.TrimSpace(lower) == "" {
		return SignatureHit{}, false
	}
	for _, sig := range sortedSignatures(p.Signatures) {
		if len(sig.Responses) == 0 {
			continue
		}
		for _, trigger := range sig.Triggers {
			t := strings.ToLower(strings.TrimSpace(rules.NormalizeQuotes(trigger)))
			if t == "" || !strings.Contains(lower, t) {
				continue
			}
			l.mu.Lock()
			resp := sig.Responses[l.rnd.IntN(len(sig.Responses))]
			l.mu.Unlock()
			logger.DebugCF("lockdown", "Signature response", map[string]interface{}{
				"construct": p.ConstructID,
				"signature": sig.Name,
				"trigger":   trigger,
			})
			return SignatureHit{Signature: sig.Name, Trigger: trigger, Response: resp}, true
		}
	}
	return SignatureHit{}, false
}

var spaceRun = regexp.MustCompile(`[ \t]{2,}`)

// Enforce scrubs meta-commentary and hedging, then applies the profile's word
// limit. If nothing survives, the profile's apology line is returned.
func (l *Lockdown) Enforce(response string, p Profile) string {
	out := Scrub(response, l.rules.Current())
	if p.MaxWords > 0 {
		out = truncateWords(out, p.MaxWords)
	}
	if strings.TrimSpace(out) == "" {
		logger.WarnCF("lockdown", "Scrubber emptied response; using apology line", map[string]interface{}{
			"construct": p.ConstructID,
		})
		return p.apology()
	}
	return out
}

// Scrub drops sentences matched by sentence-scope scrubbers and rewrites
// matches of the others. Text no scrubber touches comes back unchanged.
func Scrub(text string, set *rules.Set) string {
	sentences := splitSentences(rules.NormalizeQuotes(text))
	kept := make([]string, 0, len(sentences))
	changed := false
sentenceLoop:
	for _, orig := range sentences {
		for _, sc := range set.Scrubbers {
			if sc.Scope == rules.ScrubSentence && sc.Re.MatchString(orig) {
				changed = true
				continue sentenceLoop
			}
		}
		s := orig
		for _, sc := range set.Scrubbers {
			if sc.Scope == rules.ScrubMatch {
				s = sc.Re.ReplaceAllString(s, sc.Replace)
			}
		}
		if s == orig {
			kept = append(kept, s)
			continue
		}
		changed = true
		s = strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
		if s == "" || strings.Trim(s, ".,;:!?… ") == "" {
			continue
		}
		kept = append(kept, capitalizeFirst(s))
	}
	if !changed {
		return text
	}
	return strings.Join(kept, " ")
}

func capitalizeFirst(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	if r[0] >= 'a' && r[0] <= 'z' {
		r[0] = r[0] - 'a' + 'A'
	}
	return string(r)
}
