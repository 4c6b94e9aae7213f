// Package lockdown is the deterministic filter layer around generation:
// identity-challenge directives before the call, leak replacement, signature
// replies, scrubbing and brevity after it.
package lockdown

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

const DefaultApologyLine = "Sorry, I lost my train of thought. Say that again?"

// Signature is a fixed reply set that bypasses generation when any trigger
// appears in the user's message.
type Signature struct {
	Name      string   `yaml:"name" json:"name"`
	Triggers  []string `yaml:"triggers" json:"triggers"`
	Responses []string `yaml:"responses" json:"responses"`
	Priority  int      `yaml:"priority" json:"priority"`
}

// Profile is the per-construct lockdown configuration.
type Profile struct {
	ConstructID          string      `yaml:"construct_id" json:"construct_id"`
	Name                 string      `yaml:"name" json:"name"`
	MetaQuestionResponse string      `yaml:"meta_question_response" json:"meta_question_response,omitempty"`
	InCharacterDirective string      `yaml:"in_character_directive" json:"in_character_directive,omitempty"`
	Signatures           []Signature `yaml:"signatures" json:"signatures,omitempty"`
	MaxWords             int         `yaml:"max_words" json:"max_words,omitempty"`
	ApologyLine          string      `yaml:"apology_line" json:"apology_line,omitempty"`
}

func (p Profile) displayName() string {
	if n := strings.TrimSpace(p.Name); n != "" {
		return n
	}
	if p.ConstructID == "" {
		return "yourself"
	}
	r, size := utf8.DecodeRuneInString(p.ConstructID)
	return string(unicode.ToUpper(r)) + p.ConstructID[size:]
}

func (p Profile) apology() string {
	if line := strings.TrimSpace(p.ApologyLine); line != "" {
		return line
	}
	return DefaultApologyLine
}

type profilesFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Profiles indexes lockdown profiles by lowercase construct id.
type Profiles map[string]Profile

// LoadProfiles reads a YAML file of the form `profiles: [...]`. A missing
// file yields an empty set.
func LoadProfiles(path string) (Profiles, error) {
	out := Profiles{}
	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse lockdown profiles %s: %w", path, err)
	}
	for i, p := range f.Profiles {
		id := strings.ToLower(strings.TrimSpace(p.ConstructID))
		if id == "" {
			return nil, fmt.Errorf("lockdown profile %d: construct_id is required", i)
		}
		for _, sig := range p.Signatures {
			if len(sig.Triggers) == 0 || len(sig.Responses) == 0 {
				return nil, fmt.Errorf("lockdown profile %s: signature %q needs triggers and responses", id, sig.Name)
			}
		}
		if p.MaxWords < 0 {
			return nil, fmt.Errorf("lockdown profile %s: max_words must not be negative", id)
		}
		out[id] = p
	}
	return out, nil
}

// For returns the profile for constructID, or a bare profile carrying only
// the id and the given fallback name.
func (ps Profiles) For(constructID, name string) Profile {
	if p, ok := ps[strings.ToLower(strings.TrimSpace(constructID))]; ok {
		if p.Name == "" {
			p.Name = name
		}
		return p
	}
	return Profile{ConstructID: constructID, Name: name}
}

// sortedSignatures orders by priority, highest first, keeping file order on
// ties.
func sortedSignatures(sigs []Signature) []Signature {
	out := append([]Signature(nil), sigs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
