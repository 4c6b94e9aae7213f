package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/detector"
	"github.com/dotsetgreg/dotpersona/pkg/drift"
	"github.com/dotsetgreg/dotpersona/pkg/lock"
	"github.com/dotsetgreg/dotpersona/pkg/lockdown"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
	"github.com/dotsetgreg/dotpersona/pkg/store"
)

// ConstructRefs converts the configured constructs.
func ConstructRefs(cfg *config.Config) []persona.ConstructRef {
	out := make([]persona.ConstructRef, 0, len(cfg.Persona.Constructs))
	for _, c := range cfg.Persona.Constructs {
		out = append(out, persona.ConstructRef{
			ConstructID: c.ConstructID,
			Callsign:    c.Callsign,
			Name:        c.Name,
			Aliases:     c.Aliases,
		})
	}
	return out
}

// DetectorConfig maps the detector section of cfg.
func DetectorConfig(cfg *config.Config) detector.Config {
	return detector.Config{
		CacheTTL:       cfg.CacheTTL(),
		ThreadTurns:    cfg.Detector.ThreadTurns,
		RecentThreads:  cfg.Detector.RecentThreads,
		MaxTranscripts: cfg.Detector.MaxTranscripts,
		RecencyBlend:   cfg.Detector.RecencyBlend,
		HalfLife:       time.Duration(cfg.Detector.HalfLifeHours) * time.Hour,
		Default: persona.ConstructRef{
			ConstructID: cfg.Detector.DefaultConstruct,
			Callsign:    cfg.Detector.DefaultCallsign,
		},
	}
}

// NewDetector builds a detector that scans every source in st and knows both
// the configured constructs and the ones registered in st.
func NewDetector(cfg *config.Config, st *store.SQLiteStore, rp rules.Provider) *detector.Detector {
	constructs := ConstructRefs(cfg)
	return detector.New(DetectorConfig(cfg), detector.Sources{
		Threads: st,
		Archive: st,
		Ledger:  st,
		Registry: registryFunc(func(ctx context.Context) ([]persona.ConstructRef, error) {
			return mergeConstructs(ctx, st, constructs)
		}),
		Blueprints: st,
	}, rp, nil, nil)
}

// NewFromConfig registers the configured constructs in st, restores persisted
// context locks and returns an engine that reads and writes through st.
func NewFromConfig(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, gen providers.Generator, rp rules.Provider) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	constructs := ConstructRefs(cfg)
	for _, ref := range constructs {
		if err := st.RegisterConstruct(ctx, ref); err != nil {
			return nil, err
		}
	}

	profiles, err := lockdown.LoadProfiles(config.ExpandHome(cfg.Lockdown.ProfilesPath))
	if err != nil {
		return nil, fmt.Errorf("load lockdown profiles: %w", err)
	}

	locks := lock.NewTable(st, nil)
	restored, err := locks.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore context locks: %w", err)
	}
	ActiveLocks.Set(float64(restored))

	dcfg := DetectorConfig(cfg)
	det := NewDetector(cfg, st, rp)

	e, err := New(Options{
		Config: Config{
			Model:             cfg.Generation.Model,
			GenerateTimeout:   time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
			DefaultConstruct:  dcfg.Default,
			MaxFragmentTokens: cfg.Prompt.MaxFragmentTokens,
			ApologyLine:       cfg.Lockdown.ApologyLine,
			Drift: drift.Config{
				CheckTimeout:   time.Duration(cfg.Drift.CheckTimeoutSeconds) * time.Second,
				WorldviewCheck: cfg.Drift.WorldviewCheck,
				CheckModel:     cfg.Drift.CheckModel,
			},
			Correction: drift.RetryPolicy{
				MaxAttempts: cfg.Drift.CorrectionAttempts,
				Timeout:     time.Duration(cfg.Drift.CorrectionTimeoutSeconds) * time.Second,
			},
			ReinforceAfter:     cfg.Drift.ReinforceAfter,
			ReinforceWindow:    time.Duration(cfg.Drift.ReinforceWindowMinutes) * time.Minute,
			DeflectionTimeout:  time.Duration(cfg.Drift.CheckTimeoutSeconds) * time.Second,
			DisableDeflections: !cfg.Lockdown.GenerateDeflections,
		},
		Rules:      rp,
		Generator:  gen,
		Store:      st,
		Detector:   det,
		Locks:      locks,
		Registry:   st,
		Constructs: constructs,
		Profiles:   profiles,
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCF("engine", "Engine ready", map[string]interface{}{
		"constructs":     len(constructs),
		"profiles":       len(profiles),
		"restored_locks": restored,
		"default":        dcfg.Default.Key(),
	})
	return e, nil
}
