// Package rules loads the heuristic rule tables used by the persona
// detector, the drift detector, the lockdown filter and the greeting
// synthesizer. Tables are data: defaults are embedded and a rules file can
// extend or replace them without touching the code that consumes them.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

//go:embed default.yaml
var defaultYAML []byte

// File is the on-disk shape of a rule table file.
type File struct {
	Replace            bool              `yaml:"replace"`
	IdentityBreak      []PhraseRule      `yaml:"identity_break"`
	IdentityChallenges []string          `yaml:"identity_challenges"`
	MetaLeaks          []LeakEntry       `yaml:"meta_leaks"`
	Scrubbers          []ScrubEntry      `yaml:"scrubbers"`
	Situations         []SituationRule   `yaml:"situations"`
	Emotions           []EmotionWord     `yaml:"emotions"`
	Greetings          []string          `yaml:"greetings"`
	GenericGreetings   []string          `yaml:"generic_greetings"`
	DefaultStem        string            `yaml:"default_greeting_stem"`
	PersonaMarkers     []MarkerEntry     `yaml:"persona_markers"`
	Traits             []TraitRule       `yaml:"traits"`
	Identifiers        []IdentifierEntry `yaml:"identifiers"`
	Stopwords          []string          `yaml:"stopwords"`
}

type PhraseRule struct {
	Phrase   string           `yaml:"phrase"`
	Severity persona.Severity `yaml:"severity"`
}

type LeakEntry struct {
	Family  string `yaml:"family"`
	Pattern string `yaml:"pattern"`
}

type ScrubEntry struct {
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`
	Scope   string `yaml:"scope"`
}

type SituationRule struct {
	Situation persona.Situation `yaml:"situation"`
	Keywords  []string          `yaml:"keywords"`
}

type EmotionWord struct {
	Word    string  `yaml:"word"`
	Valence float64 `yaml:"valence"`
	Arousal float64 `yaml:"arousal"`
	Emotion string  `yaml:"emotion"`
}

type MarkerEntry struct {
	Kind    string  `yaml:"kind"`
	Pattern string  `yaml:"pattern"`
	Weight  float64 `yaml:"weight"`
}

// TraitRule fires when every condition it sets holds for a merged blueprint.
type TraitRule struct {
	Trait        string             `yaml:"trait"`
	SpeechType   persona.SpeechType `yaml:"speech_type"`
	Contains     string             `yaml:"contains"`
	TopN         int                `yaml:"top_n"`
	MinArousal   float64            `yaml:"min_arousal"`
	Relationship string             `yaml:"relationship"`
	MinStrength  float64            `yaml:"min_strength"`
	AnchorType   persona.AnchorType `yaml:"anchor_type"`
}

type IdentifierEntry struct {
	Type     persona.IdentifierType `yaml:"type"`
	Pattern  string                 `yaml:"pattern"`
	Salience float64                `yaml:"salience"`
}

type LeakRule struct {
	Family string
	Re     *regexp.Regexp
}

type ScrubScope string

const (
	ScrubSentence ScrubScope = "sentence"
	ScrubMatch    ScrubScope = "match"
)

type ScrubRule struct {
	Re      *regexp.Regexp
	Replace string
	Scope   ScrubScope
}

type IdentifierRule struct {
	Type     persona.IdentifierType
	Re       *regexp.Regexp
	Salience float64
}

// Marker is a persona marker compiled for one construct name.
type Marker struct {
	Kind   string
	Re     *regexp.Regexp
	Weight float64
}

// Set is a validated, compiled rule table. It is immutable once built.
type Set struct {
	IdentityBreak      []PhraseRule
	IdentityChallenges []*regexp.Regexp
	MetaLeaks          []LeakRule
	Scrubbers          []ScrubRule
	Situations         []SituationRule
	Emotions           map[string]EmotionWord
	Greetings          []string
	GenericGreetings   []string
	DefaultStem        string
	Traits             []TraitRule
	Identifiers        []IdentifierRule

	markerTemplates []MarkerEntry
	stopwords       map[string]struct{}

	markerMu    sync.Mutex
	markerCache map[string][]Marker
}

// Default returns the embedded rule tables.
func Default() *Set {
	set, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded rules invalid: %v", err))
	}
	return set
}

// Parse compiles a rule file on its own, without defaults.
func Parse(data []byte) (*Set, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return compile(f)
}

// Load reads path and merges it over the embedded defaults. An empty path
// yields the defaults.
func Load(path string) (*Set, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var overlay File
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if overlay.Replace {
		return compile(overlay)
	}
	var base File
	if err := yaml.Unmarshal(defaultYAML, &base); err != nil {
		return nil, fmt.Errorf("parse embedded rules: %w", err)
	}
	return compile(mergeFiles(base, overlay))
}

func mergeFiles(base, overlay File) File {
	out := base
	out.IdentityBreak = append(out.IdentityBreak, overlay.IdentityBreak...)
	out.IdentityChallenges = append(out.IdentityChallenges, overlay.IdentityChallenges...)
	out.MetaLeaks = append(out.MetaLeaks, overlay.MetaLeaks...)
	out.Scrubbers = append(out.Scrubbers, overlay.Scrubbers...)
	out.Emotions = append(out.Emotions, overlay.Emotions...)
	out.Greetings = append(out.Greetings, overlay.Greetings...)
	out.GenericGreetings = append(out.GenericGreetings, overlay.GenericGreetings...)
	out.PersonaMarkers = append(out.PersonaMarkers, overlay.PersonaMarkers...)
	out.Traits = append(out.Traits, overlay.Traits...)
	out.Identifiers = append(out.Identifiers, overlay.Identifiers...)
	out.Stopwords = append(out.Stopwords, overlay.Stopwords...)
	if strings.TrimSpace(overlay.DefaultStem) != "" {
		out.DefaultStem = overlay.DefaultStem
	}

	// situations merge keyword lists per class, keeping base order
	index := map[persona.Situation]int{}
	for i, s := range out.Situations {
		index[s.Situation] = i
	}
	for _, s := range overlay.Situations {
		if i, ok := index[s.Situation]; ok {
			merged := out.Situations[i]
			merged.Keywords = append(append([]string{}, merged.Keywords...), s.Keywords...)
			out.Situations[i] = merged
			continue
		}
		index[s.Situation] = len(out.Situations)
		out.Situations = append(out.Situations, s)
	}
	return out
}

func compile(f File) (*Set, error) {
	set := &Set{
		Emotions:         map[string]EmotionWord{},
		Greetings:        lowerAll(f.Greetings),
		GenericGreetings: lowerAll(f.GenericGreetings),
		DefaultStem:      strings.TrimSpace(f.DefaultStem),
		Situations:       f.Situations,
		Traits:           f.Traits,
		markerTemplates:  f.PersonaMarkers,
		stopwords:        map[string]struct{}{},
		markerCache:      map[string][]Marker{},
	}
	if set.DefaultStem == "" {
		set.DefaultStem = "Hey {name}"
	}

	for _, r := range f.IdentityBreak {
		phrase := strings.ToLower(strings.TrimSpace(r.Phrase))
		if phrase == "" {
			return nil, fmt.Errorf("identity_break: empty phrase")
		}
		sev := r.Severity
		if sev == "" {
			sev = persona.SeverityHigh
		}
		if _, ok := persona.ParseSeverity(string(sev)); !ok {
			return nil, fmt.Errorf("identity_break %q: invalid severity %q", phrase, sev)
		}
		set.IdentityBreak = append(set.IdentityBreak, PhraseRule{Phrase: phrase, Severity: sev})
	}
	for _, p := range f.IdentityChallenges {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("identity_challenges %q: %w", p, err)
		}
		set.IdentityChallenges = append(set.IdentityChallenges, re)
	}
	for _, l := range f.MetaLeaks {
		re, err := regexp.Compile("(?i)" + l.Pattern)
		if err != nil {
			return nil, fmt.Errorf("meta_leaks %q: %w", l.Pattern, err)
		}
		set.MetaLeaks = append(set.MetaLeaks, LeakRule{Family: l.Family, Re: re})
	}
	for _, s := range f.Scrubbers {
		re, err := regexp.Compile("(?i)" + s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("scrubbers %q: %w", s.Pattern, err)
		}
		scope := ScrubScope(strings.ToLower(strings.TrimSpace(s.Scope)))
		if scope != ScrubSentence {
			scope = ScrubMatch
		}
		set.Scrubbers = append(set.Scrubbers, ScrubRule{Re: re, Replace: s.Replace, Scope: scope})
	}
	for _, e := range f.Emotions {
		w := strings.ToLower(strings.TrimSpace(e.Word))
		if w == "" {
			continue
		}
		set.Emotions[w] = e
	}
	for _, m := range f.PersonaMarkers {
		if !strings.Contains(m.Pattern, "{name}") {
			return nil, fmt.Errorf("persona_markers %q: pattern must contain {name}", m.Kind)
		}
		if _, err := regexp.Compile("(?i)" + strings.ReplaceAll(m.Pattern, "{name}", "x")); err != nil {
			return nil, fmt.Errorf("persona_markers %q: %w", m.Kind, err)
		}
	}
	for _, id := range f.Identifiers {
		re, err := regexp.Compile(id.Pattern)
		if err != nil {
			return nil, fmt.Errorf("identifiers %q: %w", id.Pattern, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("identifiers %q: pattern needs a capture group", id.Pattern)
		}
		set.Identifiers = append(set.Identifiers, IdentifierRule{Type: id.Type, Re: re, Salience: id.Salience})
	}
	for _, w := range f.Stopwords {
		set.stopwords[strings.ToLower(w)] = struct{}{}
	}
	return set, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// MarkersFor compiles the persona marker templates for one construct name.
func (s *Set) MarkersFor(name string) []Marker {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil
	}
	s.markerMu.Lock()
	defer s.markerMu.Unlock()
	if cached, ok := s.markerCache[key]; ok {
		return cached
	}
	quoted := regexp.QuoteMeta(key)
	markers := make([]Marker, 0, len(s.markerTemplates))
	for _, t := range s.markerTemplates {
		re := regexp.MustCompile("(?i)" + strings.ReplaceAll(t.Pattern, "{name}", quoted))
		markers = append(markers, Marker{Kind: t.Kind, Re: re, Weight: t.Weight})
	}
	s.markerCache[key] = markers
	return markers
}

// IsStopword reports whether w carries no stylistic signal.
func (s *Set) IsStopword(w string) bool {
	_, ok := s.stopwords[strings.ToLower(w)]
	return ok
}

// Keywords splits text into lowercase content words.
func (s *Set) Keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' || r == '-')
	})
	seen := map[string]struct{}{}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'-")
		if len(f) < 3 || s.IsStopword(f) {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
