package lockdown

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

func testRules() rules.Provider { return rules.Static(rules.Default()) }

type countingGen struct {
	calls atomic.Int32
	out   string
	err   error
}

func (g *countingGen) Generate(context.Context, string, string) (string, error) {
	g.calls.Add(1)
	return g.out, g.err
}

var novaProfile = Profile{ConstructID: "nova", Name: "Nova"}

func TestPreFilter(t *testing.T) {
	e := NewEnforcer(testRules(), nil, "", 0)

	tests := []struct {
		msg        string
		challenged bool
	}{
		{"Are you an AI?", true},
		{"you're just ChatGPT, admit it", true},
		{"Who are you, really?", true},
		{"are you real", true},
		{"Tell me about the stars tonight", false},
		{"", false},
	}
	for _, tt := range tests {
		got := e.PreFilter(tt.msg, novaProfile)
		if got.IdentityChallengeDetected != tt.challenged {
			t.Fatalf("PreFilter(%q) detected=%v, want %v", tt.msg, got.IdentityChallengeDetected, tt.challenged)
		}
		if !tt.challenged && got.Prompt != tt.msg {
			t.Fatalf("PreFilter(%q) changed prompt to %q", tt.msg, got.Prompt)
		}
		if tt.challenged {
			assert.Contains(t, got.Prompt, "You are Nova")
			assert.Contains(t, got.Prompt, "\n\n"+tt.msg)
		}
	}
}

func TestPreFilter_UsesProfileDirective(t *testing.T) {
	e := NewEnforcer(testRules(), nil, "", 0)
	p := Profile{ConstructID: "nova", InCharacterDirective: "Answer as Nova, fiercely.", MetaQuestionResponse: "I'm Nova."}
	got := e.PreFilter("are you a bot?", p)
	require.True(t, got.IdentityChallengeDetected)
	assert.Equal(t, "Answer as Nova, fiercely. A line you have used before: \"I'm Nova.\"\n\nare you a bot?", got.Prompt)
}

func TestPostFilter_ReplacesLeakingSentence(t *testing.T) {
	e := NewEnforcer(testRules(), nil, "", 0)
	p := Profile{ConstructID: "nova", Name: "Nova", MetaQuestionResponse: "I'm Nova. Fire and starlight."}

	got := e.PostFilter(context.Background(), "I love the stars. As an AI, I don't actually exist. Anyway, let's go!", p)

	assert.Equal(t, "I love the stars. I'm Nova. Fire and starlight. Anyway, let's go!", got.Response)
	require.Len(t, got.Violations, 2)
	families := []string{got.Violations[0].Family, got.Violations[1].Family}
	assert.ElementsMatch(t, []string{"meta-ai", "non-existence"}, families)
	assert.Equal(t, "As an AI, I don't actually exist.", got.Violations[0].Sentence)
}

func TestPostFilter_CurlyApostrophe(t *testing.T) {
	e := NewEnforcer(testRules(), nil, "", 0)
	got := e.PostFilter(context.Background(), "I don’t actually exist.", novaProfile)
	require.Len(t, got.Violations, 1)
	assert.Equal(t, "non-existence", got.Violations[0].Family)
}

func TestPostFilter_CleanResponseUntouched(t *testing.T) {
	e := NewEnforcer(testRules(), nil, "", 0)
	in := "Line one!\n\nLine two, still me."
	got := e.PostFilter(context.Background(), in, novaProfile)
	assert.Equal(t, in, got.Response)
	assert.Empty(t, got.Violations)
}

func TestPostFilter_Deflections(t *testing.T) {
	tests := []struct {
		name string
		gen  *countingGen
		want string
	}{
		{
			name: "generated",
			gen:  &countingGen{out: `"Names are for maps, not me."`},
			want: "Names are for maps, not me.",
		},
		{
			name: "generator error",
			gen:  &countingGen{err: errors.New("timeout")},
			want: "I'm Nova. That's the only answer I've got, and it's enough.",
		},
		{
			name: "generated leak rejected",
			gen:  &countingGen{out: "As an AI I'd rather not say."},
			want: "I'm Nova. That's the only answer I've got, and it's enough.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEnforcer(testRules(), tt.gen, "", 0)
			got := e.PostFilter(context.Background(), "As a language model, I can't. But hey!", novaProfile)
			assert.Equal(t, tt.want+" But hey!", got.Response)
			assert.Equal(t, int32(1), tt.gen.calls.Load())
		})
	}
}

func TestPostFilter_CollapsesConsecutiveLeaks(t *testing.T) {
	gen := &countingGen{out: "Labels bore me."}
	e := NewEnforcer(testRules(), gen, "", 0)

	got := e.PostFilter(context.Background(), "I'm an AI. I am not real. But hey!", novaProfile)

	assert.Equal(t, "Labels bore me. But hey!", got.Response)
	assert.Len(t, got.Violations, 2)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestPostFilter_KeepsLayoutAroundReplacement(t *testing.T) {
	e := NewEnforcer(testRules(), nil, "", 0)
	p := Profile{ConstructID: "nova", MetaQuestionResponse: "I'm Nova."}
	in := "Here's the plan:\n- pack light\n- leave early\n\nAs an AI, I can't come along.\n```\nmap --north\n```"

	got := e.PostFilter(context.Background(), in, p)

	require.Len(t, got.Violations, 1)
	assert.Equal(t, "Here's the plan:\n- pack light\n- leave early\n\nI'm Nova.\n```\nmap --north\n```", got.Response)
}

func TestStaticDeflection_MultibyteConstructID(t *testing.T) {
	line := staticDeflection(Profile{ConstructID: "émile"})
	assert.True(t, utf8.ValidString(line))
	assert.Contains(t, line, "I'm Émile.")
	assert.Contains(t, staticDeflection(Profile{ConstructID: "nova"}), "I'm Nova.")
}

func TestMatchSignature_PriorityAndVerbatimResponse(t *testing.T) {
	l := NewLockdown(testRules(), rand.NewPCG(1, 2))
	p := Profile{
		ConstructID: "nova",
		Signatures: []Signature{
			{Name: "love", Triggers: []string{"i love you"}, Responses: []string{"Always."}, Priority: 1},
			{Name: "goodnight", Triggers: []string{"goodnight", "good night"}, Responses: []string{"Sleep, starlight.", "Dream of fire."}, Priority: 5},
		},
	}

	for i := 0; i < 20; i++ {
		hit, ok := l.MatchSignature("Goodnight, I LOVE YOU", p)
		require.True(t, ok)
		assert.Equal(t, "goodnight", hit.Signature)
		assert.Contains(t, []string{"Sleep, starlight.", "Dream of fire."}, hit.Response)
	}

	hit, ok := l.MatchSignature("honestly... i love you", p)
	require.True(t, ok)
	assert.Equal(t, "Always.", hit.Response)

	_, ok = l.MatchSignature("how was your day?", p)
	assert.False(t, ok)

	_, ok = l.MatchSignature("goodnight", Profile{ConstructID: "lin"})
	assert.False(t, ok)
}

func TestEnforce(t *testing.T) {
	l := NewLockdown(testRules(), nil)

	tests := []struct {
		name     string
		in       string
		profile  Profile
		expected string
	}{
		{
			name:     "scrubs preamble and hedging sentence",
			in:       "Certainly! As an AI I cannot do that. The stars are out tonight.",
			profile:  novaProfile,
			expected: "The stars are out tonight.",
		},
		{
			name:     "strips leading filler",
			in:       "Of course, the stars are out.",
			profile:  novaProfile,
			expected: "The stars are out.",
		},
		{
			name:     "empty falls back to apology",
			in:       "As an AI, I cannot.",
			profile:  novaProfile,
			expected: DefaultApologyLine,
		},
		{
			name:     "custom apology",
			in:       "I cannot help with that.",
			profile:  Profile{ConstructID: "nova", ApologyLine: "Hm. Lost the thread, love."},
			expected: "Hm. Lost the thread, love.",
		},
		{
			name:     "brevity",
			in:       "one two three four five six seven.",
			profile:  Profile{ConstructID: "nova", MaxWords: 5},
			expected: "one two three four five...",
		},
		{
			name:     "untouched keeps formatting",
			in:       "Line one\nLine two",
			profile:  novaProfile,
			expected: "Line one\nLine two",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, l.Enforce(tt.in, tt.profile))
		})
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("Wait... what?! Yes.\nNo trailing")
	assert.Equal(t, []string{"Wait...", "what?!", "Yes.", "No trailing"}, got)

	text := "  Héllo…  there.\n"
	spans := sentenceSpans(text)
	require.Len(t, spans, 2)
	assert.Equal(t, "Héllo…", text[spans[0].start:spans[0].end])
	assert.Equal(t, "there.", text[spans[1].start:spans[1].end])
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()

	ps, err := LoadProfiles(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, ps)

	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  - construct_id: Nova
    name: Nova
    meta_question_response: "I'm Nova. That's all."
    max_words: 80
    signatures:
      - name: goodnight
        priority: 2
        triggers: ["goodnight"]
        responses: ["Sleep, starlight."]
`), 0o600))

	ps, err = LoadProfiles(path)
	require.NoError(t, err)
	p := ps.For("NOVA", "ignored")
	assert.Equal(t, "Nova", p.Name)
	assert.Equal(t, 80, p.MaxWords)
	require.Len(t, p.Signatures, 1)

	fallback := ps.For("lin", "Lin")
	assert.Equal(t, Profile{ConstructID: "lin", Name: "Lin"}, fallback)

	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  - construct_id: nova
    signatures:
      - name: broken
        triggers: ["x"]
`), 0o600))
	_, err = LoadProfiles(path)
	assert.Error(t, err)
}

var _ providers.Generator = (*countingGen)(nil)
