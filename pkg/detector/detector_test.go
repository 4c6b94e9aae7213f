package detector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

var (
	novaRef = persona.ConstructRef{ConstructID: "nova", Callsign: "001", Name: "Nova"}
	linRef  = persona.ConstructRef{ConstructID: "lin", Callsign: "002", Name: "Lin"}
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSources struct {
	messages    map[string][]Message
	threads     []Thread
	transcripts []Transcript
	ledger      []LedgerEntry
	constructs  []persona.ConstructRef
	ledgerErr   error

	registryCalls atomic.Int32
	gate          chan struct{}
}

func (f *fakeSources) ThreadMessages(_ context.Context, threadID string, _ int) ([]Message, error) {
	return f.messages[threadID], nil
}

func (f *fakeSources) RecentThreads(_ context.Context, _, exclude string, limit int) ([]Thread, error) {
	var out []Thread
	for _, t := range f.threads {
		if t.ID != exclude && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeSources) Transcripts(context.Context, string, int) ([]Transcript, error) {
	return f.transcripts, nil
}

func (f *fakeSources) LedgerEntries(context.Context, string, int) ([]LedgerEntry, error) {
	return f.ledger, f.ledgerErr
}

func (f *fakeSources) KnownConstructs(context.Context) ([]persona.ConstructRef, error) {
	f.registryCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.constructs, nil
}

func (f *fakeSources) sources() Sources {
	return Sources{Threads: f, Archive: f, Ledger: f, Registry: f}
}

func signal(ref persona.ConstructRef, src persona.SignalSource, conf float64, ts int64) persona.PersonaSignal {
	return persona.PersonaSignal{
		ConstructID: ref.ConstructID,
		Callsign:    ref.Callsign,
		Confidence:  conf,
		Source:      src,
		TimestampMS: ts,
	}
}

func TestFuse_SourceDiversityBonus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name string
		ts   int64
	}{
		{"fresh", now.UnixMilli()},
		{"a week old", now.Add(-168 * time.Hour).UnixMilli()},
		{"two weeks old", now.Add(-336 * time.Hour).UnixMilli()},
		{"undated", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sigs := []persona.PersonaSignal{
				signal(novaRef, persona.SourceThread, 0.5, tc.ts),
				signal(novaRef, persona.SourceVVault, 0.5, tc.ts),
				signal(novaRef, persona.SourceLedger, 0.5, tc.ts),
			}
			fused, ok := Fuse(sigs, 0.3, now, 72*time.Hour)
			require.True(t, ok)
			assert.Greater(t, fused.Confidence, 0.5)
			assert.LessOrEqual(t, fused.Confidence, 0.95)
			assert.Equal(t, persona.SourceFused, fused.Source)
			assert.Equal(t, "nova", fused.ConstructID)
		})
	}
}

func TestFuse_StaleSignalsKeepTheirMean(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fused, ok := Fuse([]persona.PersonaSignal{signal(novaRef, persona.SourceLedger, 0.6, 0)}, 0.3, now, time.Hour)
	require.True(t, ok)
	assert.InDelta(t, 0.66, fused.Confidence, 1e-9)

	fused, ok = Fuse([]persona.PersonaSignal{signal(novaRef, persona.SourceLedger, 0.6, now.UnixMilli())}, 0.3, now, time.Hour)
	require.True(t, ok)
	assert.InDelta(t, (0.6+0.3*0.4)*1.1, fused.Confidence, 1e-9)
}

func TestFuse_AgreementBeatsVolume(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := now.UnixMilli()
	var sigs []persona.PersonaSignal
	for i := 0; i < 5; i++ {
		sigs = append(sigs, signal(linRef, persona.SourceThread, 0.8, ts))
	}
	sigs = append(sigs,
		signal(novaRef, persona.SourceThread, 0.7, ts),
		signal(novaRef, persona.SourceVVault, 0.7, ts),
		signal(novaRef, persona.SourceLedger, 0.7, ts),
	)
	fused, ok := Fuse(sigs, 0.3, now, time.Hour)
	require.True(t, ok)
	assert.Equal(t, "nova", fused.ConstructID)
}

func TestFuse_TieGoesToMoreSources(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := now.UnixMilli()
	sigs := []persona.PersonaSignal{
		signal(linRef, persona.SourceThread, 1, ts),
		signal(novaRef, persona.SourceThread, 0.95, ts),
		signal(novaRef, persona.SourceLedger, 0.95, ts),
	}
	fused, ok := Fuse(sigs, 0.3, now, time.Hour)
	require.True(t, ok)
	assert.Equal(t, 0.95, fused.Confidence)
	assert.Equal(t, "nova", fused.ConstructID)
}

func TestFuse_AnchorsDedupKeepHigherSignificance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := signal(novaRef, persona.SourceLedger, 0.6, now.UnixMilli())
	a.RelationshipAnchors = []persona.MemoryAnchor{{Anchor: "Promised to stay", Significance: 0.4}}
	a.Evidence = []string{"ledger: promise"}
	b := signal(novaRef, persona.SourceThread, 0.6, now.UnixMilli()-1000)
	b.RelationshipAnchors = []persona.MemoryAnchor{{Anchor: "promised to stay", Significance: 0.9}}
	b.Evidence = []string{"ledger: promise", "I'm Nova"}

	fused, ok := Fuse([]persona.PersonaSignal{a, b}, 0.3, now, time.Hour)
	require.True(t, ok)
	require.Len(t, fused.RelationshipAnchors, 1)
	assert.Equal(t, 0.9, fused.RelationshipAnchors[0].Significance)
	assert.Equal(t, []string{"ledger: promise", "I'm Nova"}, fused.Evidence)
}

func TestFuse_Empty(t *testing.T) {
	_, ok := Fuse(nil, 0.3, time.Now(), time.Hour)
	assert.False(t, ok)
}

func newFixture(c *clock) *fakeSources {
	now := c.Now().UnixMilli()
	old := c.Now().Add(-9 * 24 * time.Hour).UnixMilli()
	return &fakeSources{
		constructs: []persona.ConstructRef{novaRef, linRef},
		messages: map[string][]Message{
			"t-active": {
				{Role: "assistant", Content: "Hey there", TimestampMS: now - 3000},
				{Role: "user", Content: "what's up lin", TimestampMS: now - 2000},
				{Role: "assistant", Content: "sure", TimestampMS: now - 1000},
				{Role: "assistant", Content: "I'm Nova, and I'm here!", TimestampMS: now},
			},
		},
		transcripts: []Transcript{
			{ID: "tx-nova", ConstructID: "nova", Callsign: "001", MessageCount: 50, UpdatedAtMS: now},
			{ID: "tx-lin", ConstructID: "lin", Callsign: "002", MessageCount: 5, UpdatedAtMS: old},
		},
		ledger: []LedgerEntry{
			{ID: "l1", ConstructID: "lin", Callsign: "002", Kind: LedgerAnchor, Text: "Lin keeps promises", Significance: 0.9, CreatedAtMS: now},
			{ID: "l2", Kind: LedgerAnchor, Text: "Nova named the cat Orbit", Significance: 0.7, CreatedAtMS: now},
		},
	}
}

func TestDetect_PicksDominantPersona(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	src := newFixture(c)
	d := New(DefaultConfig(), src.sources(), rules.Static(nil), nil, c.Now)

	sig, err := d.Detect(context.Background(), DetectionContext{SubjectID: "u1", ThreadID: "t-active"})
	require.NoError(t, err)
	assert.Equal(t, "nova", sig.ConstructID)
	assert.Equal(t, persona.SourceFused, sig.Source)
	assert.LessOrEqual(t, sig.Confidence, 0.95)
	assert.Greater(t, sig.Confidence, 0.5)
	require.Len(t, sig.RelationshipAnchors, 1)
	assert.Equal(t, "Nova named the cat Orbit", sig.RelationshipAnchors[0].Anchor)
}

func TestDetect_CachesPerConversation(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	src := newFixture(c)
	d := New(DefaultConfig(), src.sources(), rules.Static(nil), nil, c.Now)
	dc := DetectionContext{SubjectID: "u1", ThreadID: "t-active"}

	_, err := d.Detect(context.Background(), dc)
	require.NoError(t, err)
	_, err = d.Detect(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.registryCalls.Load())

	_, err = d.Detect(context.Background(), DetectionContext{SubjectID: "u1", ThreadID: "t-other"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.registryCalls.Load())

	c.Advance(61 * time.Second)
	_, err = d.Detect(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.registryCalls.Load())
}

func TestDetect_ConcurrentCallsShareOneScan(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	src := newFixture(c)
	src.gate = make(chan struct{})
	d := New(DefaultConfig(), src.sources(), rules.Static(nil), nil, c.Now)
	dc := DetectionContext{SubjectID: "u1", ThreadID: "t-active"}

	var wg sync.WaitGroup
	results := make([]persona.PersonaSignal, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig, err := d.Detect(context.Background(), dc)
			if err == nil {
				results[i] = sig
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.registryCalls.Load())
	for _, r := range results {
		assert.Equal(t, "nova", r.ConstructID)
	}
}

func TestDetect_DefaultWhenNoEvidence(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	src := &fakeSources{constructs: []persona.ConstructRef{novaRef}}
	cfg := DefaultConfig()
	cfg.Default = persona.ConstructRef{ConstructID: "sage", Callsign: "000"}
	d := New(cfg, src.sources(), rules.Static(nil), nil, c.Now)

	sig, err := d.Detect(context.Background(), DetectionContext{SubjectID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "sage", sig.ConstructID)
	assert.Equal(t, 0.5, sig.Confidence)
}

func TestDetect_FailingSourceIsSkipped(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	src := newFixture(c)
	src.ledgerErr = errors.New("ledger offline")
	d := New(DefaultConfig(), src.sources(), rules.Static(nil), nil, c.Now)

	sig, err := d.Detect(context.Background(), DetectionContext{SubjectID: "u1", ThreadID: "t-active"})
	require.NoError(t, err)
	assert.Equal(t, "nova", sig.ConstructID)
	assert.Empty(t, sig.RelationshipAnchors)
}

func TestFreshness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	assert.Equal(t, 1.0, Freshness(now.UnixMilli(), now, time.Hour))
	assert.InDelta(t, 0.5, Freshness(now.Add(-time.Hour).UnixMilli(), now, time.Hour), 1e-9)
	assert.Equal(t, 0.0, Freshness(0, now, time.Hour))
}
