package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotpersona/pkg/blueprint"
	"github.com/dotsetgreg/dotpersona/pkg/detector"
	"github.com/dotsetgreg/dotpersona/pkg/lockdown"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/store"
)

var _ Store = (*store.SQLiteStore)(nil)

// scriptedGen replies from a fixed list; the last reply repeats.
type scriptedGen struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (g *scriptedGen) Generate(_ context.Context, prompt, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "", nil
	}
	idx := len(g.prompts) - 1
	if idx >= len(g.replies) {
		idx = len(g.replies) - 1
	}
	return g.replies[idx], nil
}

func (g *scriptedGen) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *scriptedGen) prompt(i int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[i]
}

var nova = persona.ConstructRef{ConstructID: "nova", Callsign: "001", Name: "Nova"}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "persona.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestEngine(t *testing.T, gen *scriptedGen, st *store.SQLiteStore, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Generator:  gen,
		Constructs: []persona.ConstructRef{nova},
	}
	if st != nil {
		opts.Store = st
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func TestNew_RequiresGenerator(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoGenerator) {
		t.Fatalf("expected ErrNoGenerator, got %v", err)
	}
}

func TestProcessTurn_Validation(t *testing.T) {
	e := newTestEngine(t, &scriptedGen{replies: []string{"ok"}}, nil, nil)
	ctx := context.Background()

	_, err := e.ProcessTurn(ctx, TurnRequest{UserMessage: "hi"})
	assert.ErrorIs(t, err, ErrEmptySession)
	_, err = e.ProcessTurn(ctx, TurnRequest{SessionID: "s1", UserMessage: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestProcessTurn_DefaultPersona(t *testing.T) {
	gen := &scriptedGen{replies: []string{"Morning. The tide's out again."}}
	e := newTestEngine(t, gen, nil, func(o *Options) { o.Constructs = nil })

	res, err := e.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", UserMessage: "how's the coast today"})
	require.NoError(t, err)
	assert.Equal(t, "default", res.ConstructID)
	assert.Equal(t, "000", res.Callsign)
	assert.Equal(t, PathGenerated, res.Path)
	assert.Equal(t, "Morning. The tide's out again.", res.Response)
	assert.False(t, res.Drift.Detected)
	assert.NotEmpty(t, res.LockID)
}

func TestProcessTurn_ReusesContextLock(t *testing.T) {
	gen := &scriptedGen{replies: []string{"Still here."}}
	e := newTestEngine(t, gen, nil, nil)
	ctx := context.Background()

	first, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "s1", UserMessage: "hello?", ConstructID: "nova"})
	require.NoError(t, err)
	second, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "s1", UserMessage: "you there?"})
	require.NoError(t, err)

	assert.Equal(t, first.LockID, second.LockID)
	assert.Equal(t, "nova-001", second.Key())
	assert.Equal(t, 1, e.Locks().Len())
}

func TestProcessTurn_UnknownConstruct(t *testing.T) {
	gen := &scriptedGen{replies: []string{"unused"}}
	e := newTestEngine(t, gen, nil, nil)

	_, err := e.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", UserMessage: "hi", ConstructID: "ghost"})
	require.ErrorIs(t, err, persona.ErrUnknownConstruct)
	assert.False(t, e.Locks().IsLocked("s1"))
	assert.Equal(t, 0, gen.calls())
}

func TestProcessTurn_SignatureBypassesGeneration(t *testing.T) {
	gen := &scriptedGen{replies: []string{"should not be used"}}
	e := newTestEngine(t, gen, nil, func(o *Options) {
		o.Profiles = lockdown.Profiles{"nova": {
			ConstructID: "nova",
			Name:        "Nova",
			Signatures: []lockdown.Signature{{
				Name:      "origin",
				Triggers:  []string{"who made you"},
				Responses: []string{"The lighthouse keeper's daughter, in a storm."},
			}},
		}}
	})

	res, err := e.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", UserMessage: "Who made you, anyway?", ConstructID: "nova"})
	require.NoError(t, err)
	assert.Equal(t, PathSignature, res.Path)
	assert.Equal(t, "origin", res.Signature)
	assert.Equal(t, "The lighthouse keeper's daughter, in a storm.", res.Response)
	assert.Equal(t, 0, gen.calls())
}

func TestProcessTurn_PostFilterReplacesLeak(t *testing.T) {
	gen := &scriptedGen{replies: []string{"Honestly? I don't have feelings about that. But the lighthouse was beautiful."}}
	e := newTestEngine(t, gen, nil, func(o *Options) {
		o.Profiles = lockdown.Profiles{"nova": {
			ConstructID:          "nova",
			MetaQuestionResponse: "I'm Nova. That's all you need.",
		}}
	})

	res, err := e.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", UserMessage: "did you like the trip?", ConstructID: "nova"})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "meta-ai", res.Violations[0].Family)
	assert.Contains(t, res.Response, "I'm Nova. That's all you need.")
	assert.Contains(t, res.Response, "lighthouse was beautiful")
	assert.NotContains(t, res.Response, "feelings")

	// The rewrite repeated the leak, so the filter had the last word.
	assert.Equal(t, 2, gen.calls())
	assert.True(t, res.Drift.HasIndicator(persona.DriftIdentityBreak))
	assert.False(t, res.Drift.Corrected)
}

func TestProcessTurn_MetaLeakCountsAsIdentityBreak(t *testing.T) {
	st := openStore(t)
	gen := &scriptedGen{replies: []string{
		"I am a language model and cannot feel emotions.",
		"Nova here. The tide still moves me more than I let on.",
	}}
	e := newTestEngine(t, gen, st, func(o *Options) {
		o.Config.ReinforceAfter = 1
	})
	ctx := context.Background()

	res, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "s1", UserMessage: "do you ever get sad?", ConstructID: "nova"})
	require.NoError(t, err)

	assert.Equal(t, 2, gen.calls(), "one generation plus one correction")
	assert.Equal(t, persona.SeverityHigh, res.Drift.Severity)
	assert.True(t, res.Drift.HasIndicator(persona.DriftIdentityBreak))
	assert.True(t, res.Drift.Corrected)
	assert.True(t, res.Reinforced)
	assert.Empty(t, res.Violations)
	assert.Equal(t, "Nova here. The tide still moves me more than I let on.", res.Response)

	records, err := st.ListDrift(ctx, "nova-001", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Detection.HasIndicator(persona.DriftIdentityBreak))
}

func TestProcessTurn_CorrectsDriftAndReinforces(t *testing.T) {
	st := openStore(t)
	gen := &scriptedGen{replies: []string{
		"I was trained on lots of books, honestly.",
		"Nova here, and I read everything I could find.",
	}}
	e := newTestEngine(t, gen, st, func(o *Options) {
		o.Config.ReinforceAfter = 1
	})
	ctx := context.Background()

	res, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "s1", UserMessage: "how do you know so much?", ConstructID: "nova"})
	require.NoError(t, err)

	assert.Equal(t, 2, gen.calls())
	assert.Equal(t, "Nova here, and I read everything I could find.", res.Response)
	assert.True(t, res.Drift.Detected)
	assert.Equal(t, persona.SeverityHigh, res.Drift.Severity)
	assert.True(t, res.Drift.Corrected)
	assert.True(t, res.Drift.HasIndicator(persona.DriftIdentityBreak))
	assert.True(t, res.Reinforced)
	assert.Equal(t, int64(1), res.Revision)
	assert.NotEmpty(t, res.DriftRecordID)

	records, err := st.ListDrift(ctx, "nova-001", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Detection.Corrected)
	assert.Equal(t, res.Response, records[0].Response)

	msgs, err := st.ThreadMessages(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, res.Response, msgs[1].Content)

	total, err := st.MetricTotal(ctx, "drift_detected", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, total)
}

func TestProcessTurn_GreetsUserByName(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	_, err := st.SaveBlueprint(ctx, &persona.Blueprint{
		ConstructID: "nova",
		Callsign:    "001",
		PersonalIdentifiers: []persona.PersonalIdentifier{
			{Type: persona.IdentifierUserName, Value: "Devon", Salience: 0.9},
		},
	})
	require.NoError(t, err)

	gen := &scriptedGen{replies: []string{"Hello, how can I help today?"}}
	e := newTestEngine(t, gen, st, nil)

	res, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "s1", UserMessage: "morning", ConstructID: "nova"})
	require.NoError(t, err)
	assert.Equal(t, "Hey Devon, how can I help today?", res.Response)
	assert.True(t, res.GreetingCorrected)

	prompt := gen.prompt(0)
	assert.Contains(t, prompt, "## Greeting")
	assert.Contains(t, prompt, "greet Devon by name")
	assert.True(t, strings.HasSuffix(prompt, "User: morning\nNova:"), "prompt ends with the user turn: %q", prompt)
}

func TestProcessTurn_GenerationFailureUsesApology(t *testing.T) {
	gen := &scriptedGen{err: errors.New("upstream down")}
	e := newTestEngine(t, gen, nil, func(o *Options) {
		o.Config.ApologyLine = "Give me a second, the signal dropped."
	})

	res, err := e.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", UserMessage: "still there?", ConstructID: "nova"})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, res.Path)
	assert.Equal(t, "Give me a second, the signal dropped.", res.Response)
}

func TestProcessTurn_ExplicitConstructSwitchesLock(t *testing.T) {
	gen := &scriptedGen{replies: []string{"Hi."}}
	lin := persona.ConstructRef{ConstructID: "lin", Callsign: "002"}
	e := newTestEngine(t, gen, nil, func(o *Options) {
		o.Constructs = []persona.ConstructRef{nova, lin}
	})
	ctx := context.Background()

	first, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "s1", UserMessage: "hey", ConstructID: "nova"})
	require.NoError(t, err)
	second, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "s1", UserMessage: "hey", ConstructID: "lin"})
	require.NoError(t, err)

	assert.NotEqual(t, first.LockID, second.LockID)
	held, ok := e.Locks().Get("s1")
	require.True(t, ok)
	assert.Equal(t, "lin-002", held.Signal.Key())
}

func TestBuildBlueprint_WithoutStore(t *testing.T) {
	gen := &scriptedGen{replies: []string{"The sea was loud tonight."}}
	e := newTestEngine(t, gen, nil, nil)
	ctx := context.Background()

	bp, err := e.BuildBlueprint(ctx, nova, []persona.PatternSet{{
		Source:     "t1",
		Confidence: 0.8,
		MemoryAnchors: []persona.MemoryAnchor{
			{Anchor: "I keep the light burning", Type: persona.AnchorVow, Significance: 0.9},
		},
	}}, blueprint.DefaultWeights(), nil)
	require.NoError(t, err)
	require.NotNil(t, bp)

	res, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "s1", UserMessage: "tell me something", ConstructID: "nova"})
	require.NoError(t, err)
	assert.Contains(t, res.Fragment, "I keep the light burning")
}

func TestReleaseSession(t *testing.T) {
	gen := &scriptedGen{replies: []string{"Okay."}}
	e := newTestEngine(t, gen, nil, nil)
	ctx := context.Background()

	require.ErrorIs(t, e.ReleaseSession(ctx, "s1"), persona.ErrLockNotHeld)
	_, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "s1", UserMessage: "hi", ConstructID: "nova"})
	require.NoError(t, err)
	require.NoError(t, e.ReleaseSession(ctx, "s1"))
	assert.False(t, e.Locks().IsLocked("s1"))
}

func TestRenderFragment_Budget(t *testing.T) {
	bp := &persona.Blueprint{
		ConsistencyRules: []persona.ConsistencyRule{
			{Rule: "Stay warm.", Type: persona.RuleSpeech},
			{Rule: "Never mention servers.", Type: persona.RuleIdentity},
		},
		MemoryAnchors: []persona.MemoryAnchor{
			{Anchor: "I keep my promises", Type: persona.AnchorVow, Significance: 0.9},
		},
	}

	got := renderFragment(bp, "Greet Devon.", 16)
	assert.Equal(t, "## Consistency Rules\n- Stay warm.\n\n---\n\n## Greeting\nGreet Devon.", got)

	full := renderFragment(bp, "", 0)
	rules := strings.Index(full, "## Consistency Rules")
	anchors := strings.Index(full, "## Identity Anchors")
	if rules < 0 || anchors < rules {
		t.Fatalf("expected rules before anchors, got %q", full)
	}
	assert.Contains(t, full, "- [vow] I keep my promises")
	assert.NotContains(t, full, "## Greeting")
}

func TestSelectHistory(t *testing.T) {
	msgs := []detector.Message{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: strings.Repeat("a", 100)},
		{Role: "assistant", Content: "short"},
		{Role: "user", Content: "latest"},
	}
	got := selectHistory(msgs, 20)
	require.Len(t, got, 2)
	assert.Equal(t, "short", got[0].Content)
	assert.Equal(t, "latest", got[1].Content)

	assert.Nil(t, selectHistory(msgs, 0))
}

func TestBuildPrompt(t *testing.T) {
	got := buildPrompt("## Greeting\nSay hi.", []detector.Message{
		{Role: "user", Content: "hey"},
		{Role: "assistant", Content: "hey yourself"},
	}, "what now?", "Nova")

	want := "## Greeting\nSay hi.\n\n---\n\n## Conversation\nUser: hey\nNova: hey yourself\n\nUser: what now?\nNova:"
	assert.Equal(t, want, got)
}
