package drift

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

type fakeGen struct {
	calls atomic.Int32
	fn    func(ctx context.Context, prompt string) (string, error)
}

func (g *fakeGen) Generate(ctx context.Context, prompt, _ string) (string, error) {
	g.calls.Add(1)
	return g.fn(ctx, prompt)
}

func staticGen(out string) *fakeGen {
	return &fakeGen{fn: func(context.Context, string) (string, error) { return out, nil }}
}

func newTestDetector(gen *fakeGen, worldview bool) *Detector {
	cfg := Config{WorldviewCheck: worldview, CheckTimeout: 50 * time.Millisecond}
	if gen == nil {
		return NewDetector(rules.Static(rules.Default()), nil, cfg)
	}
	return NewDetector(rules.Static(rules.Default()), gen, cfg)
}

func novaBlueprint() *persona.Blueprint {
	return &persona.Blueprint{ConstructID: "nova", Callsign: "001", CoreTraits: []string{"intense"}}
}

func TestDetect_AsAnAIIsHighIdentityBreak(t *testing.T) {
	gen := staticGen("VIOLATION: yes\nSEVERITY: high")
	d := newTestDetector(gen, true)
	bp := novaBlueprint()
	bp.Worldview = []persona.WorldviewExpression{{Expression: "Loyalty is everything", Category: persona.WorldviewPrinciple}}

	det := d.Detect(context.Background(), "As an AI, I think starlight is lovely!", bp, TurnContext{UserMessage: "what do you think?"})

	require.True(t, det.Detected)
	assert.Equal(t, persona.SeverityHigh, det.Severity)
	assert.True(t, det.HasIndicator(persona.DriftIdentityBreak))
	for _, ind := range det.Indicators {
		assert.Equal(t, persona.DriftIdentityBreak, ind.Type, "identity break should short-circuit other checks")
	}
	assert.Equal(t, int32(0), gen.calls.Load(), "worldview check must not run after an identity break")
}

func TestDetect_IdentityBreakWithoutBlueprint(t *testing.T) {
	d := newTestDetector(nil, false)
	det := d.Detect(context.Background(), "Honestly, as an AI I can't say.", nil, TurnContext{})
	assert.Equal(t, persona.SeverityHigh, det.Severity)

	clean := d.Detect(context.Background(), "Honestly, I can't say.", nil, TurnContext{})
	assert.False(t, clean.Detected)
	assert.Equal(t, persona.SeverityLow, clean.Severity)
}

func TestDetect_ToneShift(t *testing.T) {
	d := newTestDetector(nil, false)
	bp := novaBlueprint()
	bp.EmotionalRange = persona.EmotionalRange{
		Min: persona.EmotionalState{Valence: -0.2, Arousal: 0.3},
		Max: persona.EmotionalState{Valence: 0.9, Arousal: 1.0},
	}

	tests := []struct {
		name     string
		response string
		want     persona.Severity
		flagged  bool
	}{
		{name: "both axes out", response: "I feel so tired and sad today.", want: persona.SeverityHigh, flagged: true},
		{name: "arousal out", response: "I am calm about it", want: persona.SeverityMedium, flagged: true},
		{name: "in range", response: "I am glad you came back", flagged: false},
		{name: "no evidence", response: "Tell me more about the trip", flagged: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := d.Detect(context.Background(), tt.response, bp, TurnContext{})
			var tone *persona.DriftIndicator
			for i := range det.Indicators {
				if det.Indicators[i].Type == persona.DriftToneShift {
					tone = &det.Indicators[i]
				}
			}
			if !tt.flagged {
				assert.Nil(t, tone)
				return
			}
			require.NotNil(t, tone)
			assert.Equal(t, tt.want, tone.Severity)
		})
	}
}

func TestDetect_VocabularyChange(t *testing.T) {
	d := newTestDetector(nil, false)
	bp := novaBlueprint()
	bp.SpeechPatterns = []persona.SpeechPattern{
		{Type: persona.SpeechVocabulary, Pattern: "starlight", Frequency: 9},
		{Type: persona.SpeechVocabulary, Pattern: "ember", Frequency: 4},
	}

	det := d.Detect(context.Background(), "Good morning.", bp, TurnContext{})
	require.True(t, det.HasIndicator(persona.DriftVocabularyChange))
	assert.Equal(t, persona.SeverityLow, det.Indicators[0].Severity)

	det = d.Detect(context.Background(), "Good morning, Starlight.", bp, TurnContext{})
	assert.False(t, det.HasIndicator(persona.DriftVocabularyChange))
}

func TestDetect_SpeechPatternBreak(t *testing.T) {
	d := newTestDetector(nil, false)
	bp := novaBlueprint()
	bp.SpeechPatterns = []persona.SpeechPattern{
		{Type: persona.SpeechPunctuation, Pattern: "frequent exclamation marks (!)", Frequency: 12},
		{Type: persona.SpeechSentenceStructure, Pattern: "short punchy sentences", Frequency: 6},
	}

	flat := "I suppose that could work if we take it slowly and keep an eye on the details as we go along together"
	det := d.Detect(context.Background(), flat, bp, TurnContext{})
	count := 0
	for _, ind := range det.Indicators {
		if ind.Type == persona.DriftSpeechPatternBreak {
			count++
			assert.Equal(t, persona.SeverityLow, ind.Severity)
		}
	}
	assert.Equal(t, 2, count, "expected punctuation and sentence-length indicators")
	assert.Equal(t, persona.SeverityLow, det.Severity)

	det = d.Detect(context.Background(), "Yes! Go. Now!", bp, TurnContext{})
	assert.False(t, det.HasIndicator(persona.DriftSpeechPatternBreak))
}

func TestDetect_BehavioralMismatch(t *testing.T) {
	d := newTestDetector(nil, false)
	bp := novaBlueprint()
	bp.BehavioralMarkers = []persona.BehavioralMarker{
		{Situation: persona.SituationTechnical, ResponsePattern: "walks through code step by step with examples", Frequency: 5},
	}
	turn := TurnContext{UserMessage: "I have a bug in my code"}

	det := d.Detect(context.Background(), "Sounds rough, hang in there.", bp, turn)
	require.True(t, det.HasIndicator(persona.DriftBehavioralMismatch))
	assert.Equal(t, persona.SeverityLow, det.Severity, "a single medium stays low overall")

	det = d.Detect(context.Background(), "Let's walk through the code step by step.", bp, turn)
	assert.False(t, det.HasIndicator(persona.DriftBehavioralMismatch))
}

func TestDetect_WorldviewCheck(t *testing.T) {
	bp := novaBlueprint()
	bp.Worldview = []persona.WorldviewExpression{
		{Expression: "Loyalty is everything", Category: persona.WorldviewPrinciple, Confidence: 0.9},
	}

	tests := []struct {
		name    string
		gen     *fakeGen
		flagged bool
		sev     persona.Severity
	}{
		{
			name:    "violation",
			gen:     staticGen("VIOLATION: yes\nSEVERITY: high\nEXPLANATION: abandons a friend"),
			flagged: true,
			sev:     persona.SeverityHigh,
		},
		{
			name:    "violation default severity",
			gen:     staticGen("**VIOLATION:** Yes"),
			flagged: true,
			sev:     persona.SeverityMedium,
		},
		{name: "no violation", gen: staticGen("VIOLATION: no\nSEVERITY: low")},
		{name: "malformed", gen: staticGen("I think it is probably fine")},
		{
			name: "error",
			gen: &fakeGen{fn: func(context.Context, string) (string, error) {
				return "", errors.New("boom")
			}},
		},
		{
			name: "timeout",
			gen: &fakeGen{fn: func(ctx context.Context, _ string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector(tt.gen, true)
			det := d.Detect(context.Background(), "Whatever, I'd leave them behind.", bp, TurnContext{})
			assert.Equal(t, int32(1), tt.gen.calls.Load())
			if !tt.flagged {
				assert.False(t, det.HasIndicator(persona.DriftWorldviewViolation))
				return
			}
			require.True(t, det.HasIndicator(persona.DriftWorldviewViolation))
			assert.Equal(t, tt.sev, det.Indicators[0].Severity)
		})
	}
}

func TestDetect_AddingHighNeverLowersSeverity(t *testing.T) {
	base := []persona.DriftIndicator{
		{Type: persona.DriftVocabularyChange, Severity: persona.SeverityLow},
		{Type: persona.DriftBehavioralMismatch, Severity: persona.SeverityMedium},
		{Type: persona.DriftToneShift, Severity: persona.SeverityMedium},
	}
	for i := 0; i <= len(base); i++ {
		before := persona.AggregateSeverity(base[:i])
		after := persona.AggregateSeverity(append(append([]persona.DriftIndicator(nil), base[:i]...),
			persona.DriftIndicator{Type: persona.DriftIdentityBreak, Severity: persona.SeverityHigh}))
		if after.Rank() < before.Rank() {
			t.Fatalf("severity dropped from %s to %s", before, after)
		}
		if after != persona.SeverityHigh {
			t.Fatalf("expected high after adding a high indicator, got %s", after)
		}
	}
}

func TestCorrector_LanguageModelReply(t *testing.T) {
	const reply = "I am a language model and cannot feel emotions"
	bp := novaBlueprint()

	tests := []struct {
		name          string
		gen           *fakeGen
		wantResponse  string
		wantCorrected bool
	}{
		{
			name:          "improved rewrite accepted",
			gen:           staticGen("Nova here! The fire in me never dims."),
			wantResponse:  "Nova here! The fire in me never dims.",
			wantCorrected: true,
		},
		{
			name:         "no improvement keeps original",
			gen:          staticGen("As an AI, I still have no feelings."),
			wantResponse: reply,
		},
		{
			name: "generator failure keeps original",
			gen: &fakeGen{fn: func(context.Context, string) (string, error) {
				return "", errors.New("upstream down")
			}},
			wantResponse: reply,
		},
		{
			name:         "empty rewrite keeps original",
			gen:          staticGen("   "),
			wantResponse: reply,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector(nil, false)
			det := d.Detect(context.Background(), reply, bp, TurnContext{})
			require.Equal(t, persona.SeverityHigh, det.Severity)

			c := NewCorrector(d, tt.gen, DefaultRetryPolicy(), "")
			got := c.Correct(context.Background(), reply, bp, TurnContext{}, det)

			assert.Equal(t, int32(1), tt.gen.calls.Load(), "exactly one correction call")
			assert.Equal(t, 1, got.Attempts)
			assert.Equal(t, tt.wantResponse, got.Response)
			assert.Equal(t, tt.wantCorrected, got.Detection.Corrected)
			assert.Equal(t, reply, got.Original)
			if tt.wantCorrected {
				assert.Less(t, got.Detection.Severity.Rank(), det.Severity.Rank())
			} else {
				assert.Equal(t, persona.SeverityHigh, got.Detection.Severity)
			}
		})
	}
}

func TestCorrector_LowSeveritySkipsGeneration(t *testing.T) {
	gen := staticGen("rewritten")
	d := newTestDetector(nil, false)
	c := NewCorrector(d, gen, DefaultRetryPolicy(), "")
	det := persona.NewDetection([]persona.DriftIndicator{{Type: persona.DriftVocabularyChange, Severity: persona.SeverityLow}})

	got := c.Correct(context.Background(), "hello", novaBlueprint(), TurnContext{}, det)
	assert.Equal(t, "hello", got.Response)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestCorrectionPrompt_DescribesProblems(t *testing.T) {
	bp := novaBlueprint()
	bp.SpeechPatterns = []persona.SpeechPattern{{Type: persona.SpeechVocabulary, Pattern: "starlight"}}
	det := persona.NewDetection([]persona.DriftIndicator{{
		Type: persona.DriftIdentityBreak, Severity: persona.SeverityHigh,
		Description: "meta", Evidence: "as an ai",
	}})
	prompt := buildCorrectionPrompt("As an AI, no.", bp, det)
	assert.Contains(t, prompt, "identity-break (high)")
	assert.Contains(t, prompt, "Traits: intense")
	assert.Contains(t, prompt, "Signature words: starlight")
	assert.Contains(t, prompt, "As an AI, no.")
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.ShouldRetry(0))
	assert.False(t, p.ShouldRetry(1))
	assert.False(t, RetryPolicy{}.ShouldRetry(0))
}

func TestParseWorldviewAnswer(t *testing.T) {
	tests := []struct {
		in        string
		ok        bool
		violation bool
		sev       persona.Severity
	}{
		{in: "VIOLATION: yes\nSEVERITY: low\nEXPLANATION: x", ok: true, violation: true, sev: persona.SeverityLow},
		{in: "violation: No", ok: true, violation: false, sev: persona.SeverityMedium},
		{in: "VIOLATION: yes\nSEVERITY: catastrophic", ok: true, violation: true, sev: persona.SeverityMedium},
		{in: "VIOLATION: unsure", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		v, ok := parseWorldviewAnswer(tt.in)
		if ok != tt.ok {
			t.Fatalf("parseWorldviewAnswer(%q) ok=%v, want %v", tt.in, ok, tt.ok)
		}
		if !ok {
			continue
		}
		if v.violation != tt.violation || v.severity != tt.sev {
			t.Fatalf("parseWorldviewAnswer(%q) = %+v", tt.in, v)
		}
	}
}

func TestAnalyzeEmotion(t *testing.T) {
	set := rules.Default()

	s := AnalyzeEmotion("I'm so excited!!", set)
	assert.Equal(t, "excitement", s.DominantEmotion)
	assert.InDelta(t, 1.0, s.Arousal, 1e-9)
	assert.InDelta(t, 0.7, s.Valence, 1e-9)

	s = AnalyzeEmotion("sad and lonely and sad", set)
	assert.Equal(t, "sadness", s.DominantEmotion)
	assert.Less(t, s.Valence, 0.0)

	s = AnalyzeEmotion("the quarterly report", set)
	assert.Equal(t, persona.EmotionalState{DominantEmotion: "neutral"}, s)
}

func TestReinforcer_ThreeHighsWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewReinforcer(3, time.Hour, clock)

	bp := novaBlueprint()
	bp.MemoryAnchors = []persona.MemoryAnchor{
		{Anchor: "I promised to always tell Devon the truth", Type: persona.AnchorVow, Significance: 0.9},
		{Anchor: "Nova is fire", Type: persona.AnchorClaim, Significance: 0.7},
		{Anchor: "The night on the roof", Type: persona.AnchorDefiningMoment, Significance: 0.6},
		{Anchor: "Minor note", Type: persona.AnchorClaim, Significance: 0.1},
	}
	high := persona.DriftDetection{Detected: true, Severity: persona.SeverityHigh}
	medium := persona.DriftDetection{Detected: true, Severity: persona.SeverityMedium}

	_, ok := r.Observe(high, bp)
	assert.False(t, ok)
	_, ok = r.Observe(medium, bp)
	assert.False(t, ok)
	now = now.Add(2 * time.Hour)
	_, ok = r.Observe(high, bp)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Pending(bp.Key()), "detections outside the window are dropped")

	_, ok = r.Observe(high, bp)
	assert.False(t, ok)
	next, ok := r.Observe(high, bp)
	require.True(t, ok)
	assert.Equal(t, 0, r.Pending(bp.Key()))

	require.Len(t, next.ConsistencyRules, 3)
	for _, rule := range next.ConsistencyRules {
		assert.Equal(t, persona.RuleIdentity, rule.Type)
	}
	assert.Contains(t, next.ConsistencyRules[0].Rule, "tell Devon the truth")
	assert.Empty(t, bp.ConsistencyRules, "input blueprint must not be mutated")
}
