// Package engine runs one conversational turn through the persona pipeline:
// context lock or detection, blueprint lookup, lockdown filters, generation,
// drift detection and correction, greeting repair and bookkeeping.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/blueprint"
	"github.com/dotsetgreg/dotpersona/pkg/detector"
	"github.com/dotsetgreg/dotpersona/pkg/drift"
	"github.com/dotsetgreg/dotpersona/pkg/greeting"
	"github.com/dotsetgreg/dotpersona/pkg/lock"
	"github.com/dotsetgreg/dotpersona/pkg/lockdown"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
	"github.com/dotsetgreg/dotpersona/pkg/store"
)

var (
	ErrEmptySession = errors.New("empty session id")
	ErrEmptyMessage = errors.New("empty user message")
	ErrNoGenerator  = errors.New("no generator configured")
)

// Store is the persistence the engine writes through. It is optional.
type Store interface {
	LatestBlueprint(ctx context.Context, constructID, callsign string) (*persona.Blueprint, error)
	SaveBlueprint(ctx context.Context, bp *persona.Blueprint) (int64, error)
	RecordDrift(ctx context.Context, rec store.DriftRecord) (string, error)
	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
	AppendMessage(ctx context.Context, threadID, subjectID string, msg detector.Message) error
	ThreadMessages(ctx context.Context, threadID string, limit int) ([]detector.Message, error)
}

type Config struct {
	// Model is the hint passed to the main generation call.
	Model              string
	GenerateTimeout    time.Duration
	DefaultConstruct   persona.ConstructRef
	MaxFragmentTokens  int
	ApologyLine        string
	Drift              drift.Config
	Correction         drift.RetryPolicy
	ReinforceAfter     int
	ReinforceWindow    time.Duration
	DeflectionTimeout  time.Duration
	DisableDeflections bool
}

// Options wires the engine's collaborators. Generator and Rules are
// required; everything else has an in-memory default.
type Options struct {
	Config     Config
	Rules      rules.Provider
	Generator  providers.Generator
	Store      Store
	Detector   *detector.Detector
	Locks      *lock.Table
	Registry   detector.Registry
	Constructs []persona.ConstructRef
	Profiles   lockdown.Profiles
	Rand       rand.Source
	Now        func() time.Time
}

type Engine struct {
	cfg   Config
	rules rules.Provider
	gen   providers.Generator
	store Store
	now   func() time.Time

	detector   *detector.Detector
	locks      *lock.Table
	registry   detector.Registry
	constructs []persona.ConstructRef
	profiles   lockdown.Profiles

	builder    *blueprint.Builder
	drift      *drift.Detector
	corrector  *drift.Corrector
	reinforcer *drift.Reinforcer
	enforcer   *lockdown.Enforcer
	lockdown   *lockdown.Lockdown
	greeting   *greeting.Synthesizer

	// revisions holds reinforced blueprints when there is no store.
	revisions sync.Map // construct key -> *persona.Blueprint
}

func New(opts Options) (*Engine, error) {
	if opts.Generator == nil {
		return nil, ErrNoGenerator
	}
	if opts.Rules == nil {
		opts.Rules = rules.Static(rules.Default())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config
	if strings.TrimSpace(cfg.DefaultConstruct.ConstructID) == "" {
		cfg.DefaultConstruct = detector.DefaultConfig().Default
	}
	if cfg.MaxFragmentTokens <= 0 {
		cfg.MaxFragmentTokens = defaultFragmentTokens
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 60 * time.Second
	}
	if cfg.Correction.MaxAttempts <= 0 {
		cfg.Correction = drift.DefaultRetryPolicy()
	}
	if cfg.ReinforceWindow <= 0 {
		cfg.ReinforceWindow = time.Hour
	}
	if opts.Locks == nil {
		opts.Locks = lock.NewTable(nil, opts.Now)
	}
	if opts.Registry == nil {
		if r, ok := opts.Store.(detector.Registry); ok {
			opts.Registry = r
		}
	}
	if opts.Detector == nil {
		dcfg := detector.DefaultConfig()
		dcfg.Default = cfg.DefaultConstruct
		opts.Detector = detector.New(dcfg, detector.Sources{Registry: registryFunc(func(ctx context.Context) ([]persona.ConstructRef, error) {
			return mergeConstructs(ctx, opts.Registry, opts.Constructs)
		})}, opts.Rules, nil, opts.Now)
	}
	if opts.Profiles == nil {
		opts.Profiles = lockdown.Profiles{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.NewPCG(uint64(opts.Now().UnixNano()), 0x9e3779b97f4a7c15)
	}

	var deflector providers.Generator
	if !cfg.DisableDeflections {
		deflector = opts.Generator
	}
	driftDetector := drift.NewDetector(opts.Rules, opts.Generator, cfg.Drift)

	return &Engine{
		cfg:        cfg,
		rules:      opts.Rules,
		gen:        opts.Generator,
		store:      opts.Store,
		now:        opts.Now,
		detector:   opts.Detector,
		locks:      opts.Locks,
		registry:   opts.Registry,
		constructs: opts.Constructs,
		profiles:   opts.Profiles,
		builder:    blueprint.NewBuilder(opts.Rules, opts.Now),
		drift:      driftDetector,
		corrector:  drift.NewCorrector(driftDetector, opts.Generator, cfg.Correction, cfg.Model),
		reinforcer: drift.NewReinforcer(cfg.ReinforceAfter, cfg.ReinforceWindow, opts.Now),
		enforcer:   lockdown.NewEnforcer(opts.Rules, deflector, cfg.Model, cfg.DeflectionTimeout),
		lockdown:   lockdown.NewLockdown(opts.Rules, opts.Rand),
		greeting:   greeting.New(opts.Rules),
	}, nil
}

type registryFunc func(ctx context.Context) ([]persona.ConstructRef, error)

func (f registryFunc) KnownConstructs(ctx context.Context) ([]persona.ConstructRef, error) {
	return f(ctx)
}

// mergeConstructs unions configured constructs with the registry's. A
// configured entry wins on key collisions.
func mergeConstructs(ctx context.Context, reg detector.Registry, static []persona.ConstructRef) ([]persona.ConstructRef, error) {
	out := append([]persona.ConstructRef(nil), static...)
	if reg == nil {
		return out, nil
	}
	seen := make(map[string]struct{}, len(out))
	for _, ref := range out {
		seen[ref.Key()] = struct{}{}
	}
	refs, err := reg.KnownConstructs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list known constructs: %w", err)
	}
	for _, ref := range refs {
		if _, ok := seen[ref.Key()]; ok {
			continue
		}
		seen[ref.Key()] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}

// Detector exposes the persona detector, mainly for cache sweeping.
func (e *Engine) Detector() *detector.Detector { return e.detector }

func (e *Engine) Locks() *lock.Table { return e.locks }

// TurnRequest is one user message. ConstructID, when set, asks for that
// persona explicitly and replaces whatever the session is locked to.
type TurnRequest struct {
	SessionID      string   `json:"session_id"`
	SubjectID      string   `json:"subject_id"`
	ThreadID       string   `json:"thread_id,omitempty"`
	UserMessage    string   `json:"message"`
	ConstructID    string   `json:"construct_id,omitempty"`
	Callsign       string   `json:"callsign,omitempty"`
	IsSessionStart bool     `json:"is_session_start,omitempty"`
	Memories       []string `json:"memories,omitempty"`
}

type TurnResult struct {
	Response          string                 `json:"response"`
	ConstructID       string                 `json:"construct_id"`
	Callsign          string                 `json:"callsign"`
	LockID            string                 `json:"lock_id"`
	Path              string                 `json:"path"`
	Signature         string                 `json:"signature,omitempty"`
	IdentityChallenge bool                   `json:"identity_challenge"`
	Violations        []lockdown.Violation   `json:"violations,omitempty"`
	Drift             persona.DriftDetection `json:"drift"`
	DriftRecordID     string                 `json:"drift_record_id,omitempty"`
	GreetingCorrected bool                   `json:"greeting_corrected"`
	Reinforced        bool                   `json:"reinforced"`
	Revision          int64                  `json:"revision,omitempty"`
	Fragment          string                 `json:"-"`
}

func (r TurnResult) Key() string { return persona.ConstructKey(r.ConstructID, r.Callsign) }

// ProcessTurn runs the full pipeline for one user message. Generation
// failures never surface as errors: the reply degrades to the profile's
// apology line.
func (e *Engine) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return TurnResult{}, ErrEmptySession
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		return TurnResult{}, ErrEmptyMessage
	}
	if req.SubjectID == "" {
		req.SubjectID = req.SessionID
	}
	if req.ThreadID == "" {
		req.ThreadID = req.SessionID
	}

	held, locked := e.locks.Get(req.SessionID)
	sessionStart := req.IsSessionStart || !locked

	sig, err := e.resolveSignal(ctx, req, held, locked)
	if err != nil {
		return TurnResult{}, err
	}
	ref, err := e.lookup(ctx, sig.ConstructID, sig.Callsign)
	if err != nil {
		return TurnResult{}, err
	}
	sig.ConstructID, sig.Callsign = ref.ConstructID, ref.Callsign
	bp, err := e.loadBlueprint(ctx, ref, sig)
	if err != nil {
		return TurnResult{}, err
	}

	if locked && held.Signal.Key() != sig.Key() {
		if err := e.locks.Release(ctx, held); err != nil && !errors.Is(err, persona.ErrLockNotHeld) {
			return TurnResult{}, fmt.Errorf("release previous persona: %w", err)
		}
		locked = false
		sessionStart = true
	}
	if !locked {
		sig.Blueprint = bp
		held, err = e.locks.Acquire(ctx, req.SessionID, sig)
		if err != nil {
			return TurnResult{}, fmt.Errorf("acquire context lock: %w", err)
		}
		ActiveLocks.Set(float64(e.locks.Len()))
	}

	profile := e.profiles.For(ref.ConstructID, ref.DisplayName())
	if profile.ApologyLine == "" {
		profile.ApologyLine = e.cfg.ApologyLine
	}
	key := ref.Key()
	res := TurnResult{
		ConstructID: ref.ConstructID,
		Callsign:    ref.Callsign,
		LockID:      held.ID,
		Drift:       persona.NewDetection(nil),
	}

	if hit, ok := e.lockdown.MatchSignature(req.UserMessage, profile); ok {
		res.Response = hit.Response
		res.Path = PathSignature
		res.Signature = hit.Signature
		e.finish(ctx, req, key, &res)
		return res, nil
	}

	pre := e.enforcer.PreFilter(req.UserMessage, profile)
	res.IdentityChallenge = pre.IdentityChallengeDetected

	directive := e.greeting.BuildDirective(bp, req.Memories, sessionStart)
	res.Fragment = e.RenderSystemFragment(bp, directive)
	prompt := buildPrompt(res.Fragment, e.history(ctx, req.ThreadID), pre.Prompt, profile.Name)

	raw, err := e.generate(ctx, prompt)
	if err != nil {
		logger.WarnCF("engine", "Generation failed; using apology line", map[string]interface{}{
			"session":   req.SessionID,
			"construct": key,
			"error":     err.Error(),
		})
		res.Response = e.lockdown.Enforce("", profile)
		res.Path = PathFallback
		e.finish(ctx, req, key, &res)
		return res, nil
	}
	res.Path = PathGenerated

	turn := drift.TurnContext{UserMessage: req.UserMessage, IsSessionStart: sessionStart}
	// Drift is judged on the raw generation so leaks the post-filter would
	// mask still count as identity breaks. A successful rewrite only flips
	// Corrected on the recorded detection.
	det := e.drift.Detect(ctx, raw, bp, turn)
	reply := raw
	if det.Severity.Rank() > persona.SeverityLow.Rank() {
		corr := e.corrector.Correct(ctx, reply, bp, turn, det)
		outcome := "kept"
		if corr.Detection.Corrected {
			outcome = "corrected"
		}
		if corr.Attempts > 0 {
			CorrectionCount.WithLabelValues(key, outcome).Inc()
		}
		reply = corr.Response
		det.Corrected = corr.Detection.Corrected
	}
	res.Drift = det
	e.observeReinforcement(ctx, det, bp, &res)

	post := e.enforcer.PostFilter(ctx, reply, profile)
	res.Violations = post.Violations
	for _, v := range post.Violations {
		ViolationCount.WithLabelValues(key, v.Family).Inc()
	}
	reply = post.Response

	if e.greeting.NeedsCorrection(reply, bp, sessionStart) {
		reply = e.greeting.SuggestCorrection(reply, bp)
		res.GreetingCorrected = true
	}

	res.Response = e.lockdown.Enforce(reply, profile)
	e.recordDrift(ctx, req, key, &res)
	e.finish(ctx, req, key, &res)
	return res, nil
}

// RenderSystemFragment renders bp's rules, anchors and directive within the
// configured token budget.
func (e *Engine) RenderSystemFragment(bp *persona.Blueprint, directive string) string {
	return renderFragment(bp, directive, e.cfg.MaxFragmentTokens)
}

// resolveSignal picks the persona for the turn: an explicit request first,
// then the session's lock, then detection.
func (e *Engine) resolveSignal(ctx context.Context, req TurnRequest, held persona.ContextLock, locked bool) (persona.PersonaSignal, error) {
	if id := strings.TrimSpace(req.ConstructID); id != "" {
		return persona.PersonaSignal{
			ConstructID: id,
			Callsign:    strings.TrimSpace(req.Callsign),
			Confidence:  1,
			Evidence:    []string{"requested explicitly"},
			Source:      persona.SourceFused,
			TimestampMS: e.now().UnixMilli(),
		}, nil
	}
	if locked {
		return held.Signal, nil
	}
	sig, err := e.detector.Detect(ctx, detector.DetectionContext{SubjectID: req.SubjectID, ThreadID: req.ThreadID})
	if err != nil {
		return persona.PersonaSignal{}, fmt.Errorf("detect persona: %w", err)
	}
	return sig, nil
}

func (e *Engine) isDefault(constructID, callsign string) bool {
	d := e.cfg.DefaultConstruct
	return persona.ConstructKey(constructID, callsign) == d.Key()
}

// lookup resolves a construct to its registered reference. An empty callsign
// matches the first registered construct with that id. The default persona
// is always known.
func (e *Engine) lookup(ctx context.Context, constructID, callsign string) (persona.ConstructRef, error) {
	if e.isDefault(constructID, callsign) || (callsign == "" && strings.EqualFold(constructID, e.cfg.DefaultConstruct.ConstructID)) {
		return e.cfg.DefaultConstruct, nil
	}
	refs, err := mergeConstructs(ctx, e.registry, e.constructs)
	if err != nil {
		return persona.ConstructRef{}, err
	}
	want := persona.ConstructKey(constructID, callsign)
	for _, ref := range refs {
		if ref.Key() == want {
			return ref, nil
		}
		if callsign == "" && strings.EqualFold(ref.ConstructID, constructID) {
			return ref, nil
		}
	}
	if e.store != nil {
		if _, err := e.store.LatestBlueprint(ctx, constructID, callsign); err == nil {
			return persona.ConstructRef{ConstructID: constructID, Callsign: callsign}, nil
		}
	}
	return persona.ConstructRef{}, fmt.Errorf("%w: %s", persona.ErrUnknownConstruct, want)
}

// loadBlueprint returns the newest blueprint for ref. The default persona and
// registered constructs without a build get an empty blueprint.
func (e *Engine) loadBlueprint(ctx context.Context, ref persona.ConstructRef, sig persona.PersonaSignal) (*persona.Blueprint, error) {
	if e.store != nil {
		bp, err := e.store.LatestBlueprint(ctx, ref.ConstructID, ref.Callsign)
		if err == nil {
			return bp, nil
		}
		if !errors.Is(err, persona.ErrBlueprintNotFound) {
			return nil, fmt.Errorf("load blueprint: %w", err)
		}
	} else if raw, ok := e.revisions.Load(ref.Key()); ok {
		return raw.(*persona.Blueprint), nil
	}
	if sig.Blueprint != nil && sig.Blueprint.Key() == ref.Key() {
		return sig.Blueprint, nil
	}
	return &persona.Blueprint{ConstructID: ref.ConstructID, Callsign: ref.Callsign}, nil
}

func (e *Engine) history(ctx context.Context, threadID string) []detector.Message {
	if e.store == nil {
		return nil
	}
	msgs, err := e.store.ThreadMessages(ctx, threadID, maxHistoryMessages)
	if err != nil {
		logger.WarnCF("engine", "Failed to load thread history", map[string]interface{}{
			"thread": threadID,
			"error":  err.Error(),
		})
		return nil
	}
	return selectHistory(msgs, historyTokens)
}

func (e *Engine) generate(ctx context.Context, prompt string) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerateTimeout)
	defer cancel()
	start := e.now()
	out, err := e.gen.Generate(genCtx, prompt, e.cfg.Model)
	GenerationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("empty generation")
	}
	return out, nil
}

// observeReinforcement feeds high detections to the reinforcer and stores
// the resulting revision.
func (e *Engine) observeReinforcement(ctx context.Context, det persona.DriftDetection, bp *persona.Blueprint, res *TurnResult) {
	next, ok := e.reinforcer.Observe(det, bp)
	if !ok {
		return
	}
	res.Reinforced = true
	ReinforcementCount.WithLabelValues(bp.Key()).Inc()
	if e.store == nil {
		e.revisions.Store(bp.Key(), next)
		return
	}
	rev, err := e.store.SaveBlueprint(ctx, next)
	if err != nil {
		logger.ErrorCF("engine", "Failed to store reinforced blueprint", map[string]interface{}{
			"construct": bp.Key(),
			"error":     err.Error(),
		})
		return
	}
	res.Revision = rev
}

func (e *Engine) recordDrift(ctx context.Context, req TurnRequest, key string, res *TurnResult) {
	if !res.Drift.Detected {
		return
	}
	DriftCount.WithLabelValues(key, string(res.Drift.Severity)).Inc()
	logger.InfoCF("engine", "Drift detected", map[string]interface{}{
		"session":    req.SessionID,
		"construct":  key,
		"severity":   string(res.Drift.Severity),
		"indicators": len(res.Drift.Indicators),
		"corrected":  res.Drift.Corrected,
	})
	if e.store == nil {
		return
	}
	id, err := e.store.RecordDrift(ctx, store.DriftRecord{
		SessionID:    req.SessionID,
		ConstructKey: key,
		Detection:    res.Drift,
		Response:     res.Response,
	})
	if err != nil {
		logger.WarnCF("engine", "Failed to record drift", map[string]interface{}{
			"construct": key,
			"error":     err.Error(),
		})
		return
	}
	res.DriftRecordID = id
	e.addMetric(ctx, "drift_detected", 1, map[string]string{"construct": key, "severity": string(res.Drift.Severity)})
}

// finish counts the turn and appends both sides to the thread.
func (e *Engine) finish(ctx context.Context, req TurnRequest, key string, res *TurnResult) {
	TurnCount.WithLabelValues(key, res.Path).Inc()
	if e.store == nil {
		return
	}
	e.addMetric(ctx, "turn", 1, map[string]string{"construct": key, "path": res.Path})
	if len(res.Violations) > 0 {
		e.addMetric(ctx, "lockdown_violations", float64(len(res.Violations)), map[string]string{"construct": key})
	}
	nowMS := e.now().UnixMilli()
	for _, m := range []detector.Message{
		{Role: "user", Content: req.UserMessage, TimestampMS: nowMS},
		{Role: "assistant", Content: res.Response, TimestampMS: nowMS},
	} {
		if err := e.store.AppendMessage(ctx, req.ThreadID, req.SubjectID, m); err != nil {
			logger.WarnCF("engine", "Failed to append thread message", map[string]interface{}{
				"thread": req.ThreadID,
				"error":  err.Error(),
			})
			return
		}
	}
}

func (e *Engine) addMetric(ctx context.Context, metric string, value float64, labels map[string]string) {
	if err := e.store.AddMetric(ctx, metric, value, labels); err != nil {
		logger.DebugCF("engine", "Failed to add metric", map[string]interface{}{
			"metric": metric,
			"error":  err.Error(),
		})
	}
}

// ReleaseSession drops the session's context lock so the next turn detects
// afresh.
func (e *Engine) ReleaseSession(ctx context.Context, sessionID string) error {
	held, ok := e.locks.Get(strings.TrimSpace(sessionID))
	if !ok {
		return persona.ErrLockNotHeld
	}
	if err := e.locks.Release(ctx, held); err != nil {
		return err
	}
	ActiveLocks.Set(float64(e.locks.Len()))
	return nil
}

// BuildBlueprint merges sets into a blueprint for target and stores it as a
// new revision when a store is configured.
func (e *Engine) BuildBlueprint(ctx context.Context, target persona.ConstructRef, sets []persona.PatternSet, w blueprint.Weights, baseline *persona.BaselineProfile) (*persona.Blueprint, error) {
	bp, err := e.builder.Build(target, sets, w, baseline)
	if err != nil {
		return nil, err
	}
	if e.store == nil {
		e.revisions.Store(bp.Key(), bp)
		return bp, nil
	}
	rev, err := e.store.SaveBlueprint(ctx, bp)
	if err != nil {
		return nil, fmt.Errorf("store blueprint: %w", err)
	}
	bp.Metadata.Revision = rev
	logger.InfoCF("engine", "Blueprint built", map[string]interface{}{
		"construct":  bp.Key(),
		"revision":   rev,
		"confidence": bp.Metadata.Confidence,
		"sources":    len(bp.Metadata.SourceTranscripts),
	})
	return bp, nil
}
