// Package detector decides which persona dominates the current context by
// scanning independent evidence sources and fusing their signals.
package detector

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dotsetgreg/dotpersona/pkg/cache"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
)

type Config struct {
	CacheTTL       time.Duration
	ThreadTurns    int
	RecentThreads  int
	MaxTranscripts int
	LedgerEntries  int
	RecencyBlend   float64
	HalfLife       time.Duration
	Default        persona.ConstructRef
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:       time.Minute,
		ThreadTurns:    20,
		RecentThreads:  5,
		MaxTranscripts: 10,
		LedgerEntries:  50,
		RecencyBlend:   0.3,
		HalfLife:       72 * time.Hour,
		Default:        persona.ConstructRef{ConstructID: "default", Callsign: "000"},
	}
}

// DetectionContext identifies the conversation being detected for.
type DetectionContext struct {
	SubjectID string
	ThreadID  string
}

func (dc DetectionContext) cacheKey() string {
	return dc.SubjectID + "|" + dc.ThreadID
}

type Detector struct {
	cfg   Config
	src   Sources
	rules rules.Provider
	now   func() time.Time

	cache *cache.TTL[persona.PersonaSignal]
	group singleflight.Group
}

// New builds a detector. A nil cache gets a fresh one with cfg.CacheTTL.
func New(cfg Config, src Sources, rp rules.Provider, c *cache.TTL[persona.PersonaSignal], now func() time.Time) *Detector {
	def := DefaultConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.ThreadTurns <= 0 {
		cfg.ThreadTurns = def.ThreadTurns
	}
	if cfg.RecentThreads <= 0 {
		cfg.RecentThreads = def.RecentThreads
	}
	if cfg.MaxTranscripts <= 0 {
		cfg.MaxTranscripts = def.MaxTranscripts
	}
	if cfg.LedgerEntries <= 0 {
		cfg.LedgerEntries = def.LedgerEntries
	}
	if cfg.RecencyBlend < 0 || cfg.RecencyBlend > 1 {
		cfg.RecencyBlend = def.RecencyBlend
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	if strings.TrimSpace(cfg.Default.ConstructID) == "" {
		cfg.Default = def.Default
	}
	if rp == nil {
		rp = rules.Static(nil)
	}
	if now == nil {
		now = time.Now
	}
	if c == nil {
		c = cache.NewTTL[persona.PersonaSignal](cfg.CacheTTL, now)
	}
	return &Detector{cfg: cfg, src: src, rules: rp, now: now, cache: c}
}

// Cache exposes the result cache so a sweeper can evict from it.
func (d *Detector) Cache() *cache.TTL[persona.PersonaSignal] { return d.cache }

// Invalidate drops the cached result for one conversation.
func (d *Detector) Invalidate(dc DetectionContext) { d.cache.Delete(dc.cacheKey()) }

// Detect returns the dominant persona for a conversation. Results are cached
// per subject and thread; concurrent calls for the same key share one scan.
func (d *Detector) Detect(ctx context.Context, dc DetectionContext) (persona.PersonaSignal, error) {
	key := dc.cacheKey()
	if sig, ok := d.cache.Get(key); ok {
		return sig, nil
	}
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		if sig, ok := d.cache.Get(key); ok {
			return sig, nil
		}
		sig, err := d.detect(ctx, dc)
		if err != nil {
			return persona.PersonaSignal{}, err
		}
		d.cache.Set(key, sig)
		return sig, nil
	})
	if err != nil {
		return persona.PersonaSignal{}, err
	}
	return v.(persona.PersonaSignal), nil
}

func (d *Detector) detect(ctx context.Context, dc DetectionContext) (persona.PersonaSignal, error) {
	constructs, err := d.constructs(ctx)
	if err != nil {
		return persona.PersonaSignal{}, err
	}
	signals := d.Scan(ctx, dc, constructs)

	fused, ok := Fuse(signals, d.cfg.RecencyBlend, d.now(), d.cfg.HalfLife)
	if !ok {
		fused = d.fallback()
	}
	d.attachBlueprint(ctx, &fused)

	logger.DebugCF("detector", "Persona detected", map[string]interface{}{
		"subject":    dc.SubjectID,
		"thread":     dc.ThreadID,
		"construct":  fused.Key(),
		"confidence": fused.Confidence,
		"signals":    len(signals),
	})
	return fused, nil
}

func (d *Detector) fallback() persona.PersonaSignal {
	return persona.PersonaSignal{
		ConstructID: d.cfg.Default.ConstructID,
		Callsign:    d.cfg.Default.Callsign,
		Confidence:  0.5,
		Evidence:    []string{"no persona evidence found; using default"},
		Source:      persona.SourceFused,
		TimestampMS: d.now().UnixMilli(),
	}
}

func (d *Detector) constructs(ctx context.Context) ([]persona.ConstructRef, error) {
	if d.src.Registry == nil {
		return nil, nil
	}
	refs, err := d.src.Registry.KnownConstructs(ctx)
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (d *Detector) attachBlueprint(ctx context.Context, sig *persona.PersonaSignal) {
	if d.src.Blueprints == nil || sig.Blueprint != nil {
		return
	}
	bp, err := d.src.Blueprints.LatestBlueprint(ctx, sig.ConstructID, sig.Callsign)
	if err != nil {
		if !errors.Is(err, persona.ErrBlueprintNotFound) {
			logger.WarnCF("detector", "Blueprint lookup failed", map[string]interface{}{
				"construct": sig.Key(),
				"error":     err.Error(),
			})
		}
		return
	}
	sig.Blueprint = bp
}

// Scan runs every configured source concurrently and returns their raw
// signals. A failing source is logged and skipped.
func (d *Detector) Scan(ctx context.Context, dc DetectionContext, constructs []persona.ConstructRef) []persona.PersonaSignal {
	var (
		mu  sync.Mutex
		out []persona.PersonaSignal
	)
	collect := func(source string, sigs []persona.PersonaSignal, err error) {
		if err != nil {
			logger.WarnCF("detector", "Context source failed", map[string]interface{}{
				"source": source,
				"error":  err.Error(),
			})
			return
		}
		mu.Lock()
		out = append(out, sigs...)
		mu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if d.src.Threads != nil && dc.ThreadID != "" && len(constructs) > 0 {
		eg.Go(func() error {
			sigs, err := d.scanActiveThread(egCtx, dc.ThreadID, constructs)
			collect("thread", sigs, err)
			return nil
		})
	}
	if d.src.Threads != nil && dc.SubjectID != "" && len(constructs) > 0 {
		eg.Go(func() error {
			sigs, err := d.scanRecentThreads(egCtx, dc, constructs)
			collect("recent-threads", sigs, err)
			return nil
		})
	}
	if d.src.Archive != nil && dc.SubjectID != "" {
		eg.Go(func() error {
			sigs, err := d.scanArchive(egCtx, dc.SubjectID, constructs)
			collect("vvault", sigs, err)
			return nil
		})
	}
	if d.src.Ledger != nil && dc.SubjectID != "" {
		eg.Go(func() error {
			sigs, err := d.scanLedger(egCtx, dc.SubjectID, constructs)
			collect("ledger", sigs, err)
			return nil
		})
	}
	_ = eg.Wait()

	// goroutine completion order must not leak into fusion
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

type mention struct {
	weight   float64
	evidence string
}

// identify returns the strongest marker hit per construct in text.
func (d *Detector) identify(text string, constructs []persona.ConstructRef) map[string]mention {
	rs := d.rules.Current()
	hits := map[string]mention{}
	for _, c := range constructs {
		for _, name := range names(c) {
			for _, m := range rs.MarkersFor(name) {
				loc := m.Re.FindStringIndex(text)
				if loc == nil {
					continue
				}
				if cur, ok := hits[c.Key()]; !ok || m.Weight > cur.weight {
					hits[c.Key()] = mention{weight: m.Weight, evidence: snippet(text, loc[0], loc[1])}
				}
				// templates are ordered strongest first
				break
			}
		}
	}
	return hits
}

func names(c persona.ConstructRef) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, n := range append([]string{c.DisplayName(), c.ConstructID}, c.Aliases...) {
		k := strings.ToLower(strings.TrimSpace(n))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, n)
	}
	return out
}

func snippet(text string, start, end int) string {
	const pad = 40
	from := start - pad
	if from < 0 {
		from = 0
	}
	to := end + pad
	if to > len(text) {
		to = len(text)
	}
	return strings.TrimSpace(strings.ToValidUTF8(text[from:to], ""))
}

func refByKey(constructs []persona.ConstructRef) map[string]persona.ConstructRef {
	out := make(map[string]persona.ConstructRef, len(constructs))
	for _, c := range constructs {
		out[c.Key()] = c
	}
	return out
}

// scanActiveThread weighs mentions in the latest assistant turns by their
// position; the newest turn counts fully.
func (d *Detector) scanActiveThread(ctx context.Context, threadID string, constructs []persona.ConstructRef) ([]persona.PersonaSignal, error) {
	msgs, err := d.src.Threads.ThreadMessages(ctx, threadID, d.cfg.ThreadTurns*2)
	if err != nil {
		return nil, err
	}
	turns := assistantTurns(msgs, d.cfg.ThreadTurns)
	if len(turns) == 0 {
		return nil, nil
	}

	type acc struct {
		best     float64
		mentions int
		latestMS int64
		evidence []string
	}
	byKey := map[string]*acc{}
	for pos, m := range turns { // newest first
		posRecency := 1 - float64(pos)/float64(len(turns))
		for key, hit := range d.identify(m.Content, constructs) {
			a, ok := byKey[key]
			if !ok {
				a = &acc{latestMS: m.TimestampMS}
				byKey[key] = a
			}
			a.best = math.Max(a.best, hit.weight*(0.5+0.5*posRecency))
			a.mentions++
			if len(a.evidence) < 3 {
				a.evidence = append(a.evidence, hit.evidence)
			}
		}
	}

	refs := refByKey(constructs)
	var out []persona.PersonaSignal
	for key, a := range byKey {
		share := float64(a.mentions) / float64(len(turns))
		ts := a.latestMS
		if ts == 0 {
			ts = d.now().UnixMilli()
		}
		out = append(out, persona.PersonaSignal{
			ConstructID: refs[key].ConstructID,
			Callsign:    refs[key].Callsign,
			Confidence:  persona.Clamp01(a.best * (0.6 + 0.4*share)),
			Evidence:    a.evidence,
			Source:      persona.SourceThread,
			TimestampMS: ts,
		})
	}
	return out, nil
}

func assistantTurns(msgs []Message, limit int) []Message {
	var out []Message
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if strings.EqualFold(msgs[i].Role, "assistant") {
			out = append(out, msgs[i])
		}
	}
	return out
}

// scanRecentThreads looks at the subject's other threads. Freshness comes
// from thread age; one signal per construct.
func (d *Detector) scanRecentThreads(ctx context.Context, dc DetectionContext, constructs []persona.ConstructRef) ([]persona.PersonaSignal, error) {
	threads, err := d.src.Threads.RecentThreads(ctx, dc.SubjectID, dc.ThreadID, d.cfg.RecentThreads)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return nil, nil
	}
	now := d.now()

	type acc struct {
		best     float64
		threads  int
		latestMS int64
		evidence []string
	}
	byKey := map[string]*acc{}
	for _, th := range threads {
		seen := map[string]mention{}
		for _, m := range assistantTurns(th.Messages, d.cfg.ThreadTurns) {
			for key, hit := range d.identify(m.Content, constructs) {
				if cur, ok := seen[key]; !ok || hit.weight > cur.weight {
					seen[key] = hit
				}
			}
		}
		fresh := Freshness(th.UpdatedAtMS, now, d.cfg.HalfLife)
		for key, hit := range seen {
			a, ok := byKey[key]
			if !ok {
				a = &acc{}
				byKey[key] = a
			}
			a.best = math.Max(a.best, hit.weight*(0.5+0.5*fresh))
			a.threads++
			if th.UpdatedAtMS > a.latestMS {
				a.latestMS = th.UpdatedAtMS
			}
			if len(a.evidence) < 3 {
				a.evidence = append(a.evidence, "thread "+th.ID+": "+hit.evidence)
			}
		}
	}

	refs := refByKey(constructs)
	var out []persona.PersonaSignal
	for key, a := range byKey {
		share := float64(a.threads) / float64(len(threads))
		out = append(out, persona.PersonaSignal{
			ConstructID: refs[key].ConstructID,
			Callsign:    refs[key].Callsign,
			Confidence:  persona.Clamp01(a.best * (0.6 + 0.4*share)),
			Evidence:    a.evidence,
			Source:      persona.SourceThread,
			TimestampMS: a.latestMS,
		})
	}
	return out, nil
}

// scanArchive ranks archived transcripts by freshness times log activity and
// keeps the top MaxTranscripts.
func (d *Detector) scanArchive(ctx context.Context, subjectID string, constructs []persona.ConstructRef) ([]persona.PersonaSignal, error) {
	transcripts, err := d.src.Archive.Transcripts(ctx, subjectID, d.cfg.MaxTranscripts*3)
	if err != nil {
		return nil, err
	}
	if len(transcripts) == 0 {
		return nil, nil
	}
	now := d.now()
	known := refByKey(constructs)

	type scored struct {
		t     Transcript
		score float64
	}
	list := make([]scored, 0, len(transcripts))
	for _, t := range transcripts {
		if strings.TrimSpace(t.ConstructID) == "" {
			continue
		}
		fresh := Freshness(t.UpdatedAtMS, now, d.cfg.HalfLife)
		list = append(list, scored{t: t, score: fresh * math.Log1p(float64(t.MessageCount))})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].t.ID < list[j].t.ID
	})
	if len(list) > d.cfg.MaxTranscripts {
		list = list[:d.cfg.MaxTranscripts]
	}
	if len(list) == 0 || list[0].score <= 0 {
		return nil, nil
	}
	top := list[0].score

	type acc struct {
		ref      persona.ConstructRef
		best     float64
		latestMS int64
		evidence []string
	}
	byKey := map[string]*acc{}
	var order []string
	for _, s := range list {
		ref := persona.ConstructRef{ConstructID: s.t.ConstructID, Callsign: s.t.Callsign}
		key := ref.Key()
		if len(known) > 0 {
			if _, ok := known[key]; !ok {
				continue
			}
		}
		a, ok := byKey[key]
		if !ok {
			a = &acc{ref: ref}
			byKey[key] = a
			order = append(order, key)
		}
		a.best = math.Max(a.best, s.score/top)
		if s.t.UpdatedAtMS > a.latestMS {
			a.latestMS = s.t.UpdatedAtMS
		}
		if len(a.evidence) < 3 {
			a.evidence = append(a.evidence, "transcript "+s.t.ID)
		}
	}

	out := make([]persona.PersonaSignal, 0, len(order))
	for _, key := range order {
		a := byKey[key]
		out = append(out, persona.PersonaSignal{
			ConstructID: a.ref.ConstructID,
			Callsign:    a.ref.Callsign,
			Confidence:  persona.Clamp01(0.4 + 0.5*a.best),
			Evidence:    a.evidence,
			Source:      persona.SourceVVault,
			TimestampMS: a.latestMS,
		})
	}
	return out, nil
}

// scanLedger reads continuity notes and relationship anchors. Entries not
// tagged with a construct are attributed by scanning their text.
func (d *Detector) scanLedger(ctx context.Context, subjectID string, constructs []persona.ConstructRef) ([]persona.PersonaSignal, error) {
	entries, err := d.src.Ledger.LedgerEntries(ctx, subjectID, d.cfg.LedgerEntries)
	if err != nil {
		return nil, err
	}
	refs := refByKey(constructs)

	type acc struct {
		ref      persona.ConstructRef
		best     float64
		latestMS int64
		evidence []string
		anchors  []persona.MemoryAnchor
	}
	byKey := map[string]*acc{}
	var order []string
	touch := func(ref persona.ConstructRef) *acc {
		key := ref.Key()
		a, ok := byKey[key]
		if !ok {
			a = &acc{ref: ref}
			byKey[key] = a
			order = append(order, key)
		}
		return a
	}

	for _, e := range entries {
		var targets []persona.ConstructRef
		if strings.TrimSpace(e.ConstructID) != "" {
			ref := persona.ConstructRef{ConstructID: e.ConstructID, Callsign: e.Callsign}
			if known, ok := refs[ref.Key()]; ok {
				ref = known
			}
			targets = append(targets, ref)
		} else {
			for key := range d.identify(e.Text, constructs) {
				targets = append(targets, refs[key])
			}
			sort.Slice(targets, func(i, j int) bool { return targets[i].Key() < targets[j].Key() })
		}
		sig := persona.Clamp01(e.Significance)
		for _, ref := range targets {
			a := touch(ref)
			a.best = math.Max(a.best, sig)
			if e.CreatedAtMS > a.latestMS {
				a.latestMS = e.CreatedAtMS
			}
			if e.Kind == LedgerAnchor {
				a.anchors = append(a.anchors, persona.MemoryAnchor{
					Anchor:       e.Text,
					Type:         persona.AnchorRelationshipMarker,
					Significance: sig,
					TimestampMS:  e.CreatedAtMS,
				})
			} else if len(a.evidence) < 3 {
				a.evidence = append(a.evidence, "ledger: "+e.Text)
			}
		}
	}

	out := make([]persona.PersonaSignal, 0, len(order))
	for _, key := range order {
		a := byKey[key]
		out = append(out, persona.PersonaSignal{
			ConstructID:         a.ref.ConstructID,
			Callsign:            a.ref.Callsign,
			Confidence:          persona.Clamp01(0.5 + 0.4*a.best),
			Evidence:            a.evidence,
			RelationshipAnchors: a.anchors,
			Source:              persona.SourceLedger,
			TimestampMS:         a.latestMS,
		})
	}
	return out, nil
}
