package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/blueprint"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/detector"
	"github.com/dotsetgreg/dotpersona/pkg/drift"
	"github.com/dotsetgreg/dotpersona/pkg/engine"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/rules"
	"github.com/dotsetgreg/dotpersona/pkg/store"
)

// withStore loads the config and opens the store for commands that do not
// generate.
func withStore(fn func(cfg *config.Config, st *store.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

// constructRef fills in the display name and aliases of a configured
// construct.
func constructRef(cfg *config.Config, constructID, callsign string) persona.ConstructRef {
	ref := persona.ConstructRef{ConstructID: strings.TrimSpace(constructID), Callsign: strings.TrimSpace(callsign)}
	if cc, ok := cfg.Construct(ref.ConstructID); ok {
		ref.ConstructID = cc.ConstructID
		ref.Name = cc.Name
		ref.Aliases = cc.Aliases
		if ref.Callsign == "" {
			ref.Callsign = cc.Callsign
		}
	}
	return ref
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMS(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

// readPatternSets accepts a single pattern set or an array of them.
func readPatternSets(path string) ([]persona.PatternSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var sets []persona.PatternSet
		if err := json.Unmarshal(data, &sets); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return sets, nil
	}
	var set persona.PatternSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return []persona.PatternSet{set}, nil
}

// readBaseline returns nil when an implicit baseline file is absent.
func readBaseline(path string, explicit bool) (*persona.BaselineProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	var b persona.BaselineProfile
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse baseline %s: %w", path, err)
	}
	return &b, nil
}

type blueprintBuildOptions struct {
	ConstructID string
	Callsign    string
	Files       []string
	Baseline    string
	NoBaseline  bool
}

func blueprintBuildCmd(ctx context.Context, w io.Writer, opts blueprintBuildOptions) error {
	return withStore(func(cfg *config.Config, st *store.SQLiteStore) error {
		ref := constructRef(cfg, opts.ConstructID, opts.Callsign)

		var sets []persona.PatternSet
		for _, f := range opts.Files {
			got, err := readPatternSets(f)
			if err != nil {
				return err
			}
			sets = append(sets, got...)
		}

		var baseline *persona.BaselineProfile
		if !opts.NoBaseline {
			path, explicit := opts.Baseline, true
			if path == "" {
				path, explicit = filepath.Join(cfg.BaselineDir(), ref.ConstructID+".json"), false
			}
			b, err := readBaseline(config.ExpandHome(path), explicit)
			if err != nil {
				return err
			}
			baseline = b
		}

		rp, _, err := loadRules(cfg)
		if err != nil {
			return err
		}
		bp, err := blueprint.NewBuilder(rp, nil).Build(ref, sets, blueprint.DefaultWeights(), baseline)
		if err != nil {
			return fmt.Errorf("build blueprint: %w", err)
		}
		if err := st.RegisterConstruct(ctx, ref); err != nil {
			return err
		}
		rev, err := st.SaveBlueprint(ctx, bp)
		if err != nil {
			return fmt.Errorf("store blueprint: %w", err)
		}

		fmt.Fprintf(w, "✓ Built %s revision %d\n", bp.Key(), rev)
		fmt.Fprintf(w, "  Pattern sets: %d\n", len(sets))
		fmt.Fprintf(w, "  Confidence: %.2f\n", bp.Metadata.Confidence)
		fmt.Fprintf(w, "  Core traits: %s\n", valueOr(strings.Join(bp.CoreTraits, ", "), "-"))
		if baseline != nil {
			fmt.Fprintln(w, "  Baseline: merged")
		}
		return nil
	})
}

func blueprintShowCmd(ctx context.Context, w io.Writer, constructID, callsign string, revision int64) error {
	return withStore(func(cfg *config.Config, st *store.SQLiteStore) error {
		ref := constructRef(cfg, constructID, callsign)
		var (
			bp  *persona.Blueprint
			err error
		)
		if revision > 0 {
			bp, err = st.BlueprintAt(ctx, ref.ConstructID, ref.Callsign, revision)
		} else {
			bp, err = st.LatestBlueprint(ctx, ref.ConstructID, ref.Callsign)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", ref.Key(), err)
		}
		return writeJSON(w, bp)
	})
}

func blueprintHistoryCmd(ctx context.Context, w io.Writer, constructID, callsign string, limit int) error {
	return withStore(func(cfg *config.Config, st *store.SQLiteStore) error {
		ref := constructRef(cfg, constructID, callsign)
		revs, err := st.BlueprintHistory(ctx, ref.ConstructID, ref.Callsign, limit)
		if err != nil {
			return err
		}
		if len(revs) == 0 {
			fmt.Fprintf(w, "No blueprints stored for %s.\n", ref.Key())
			return nil
		}
		fmt.Fprintf(w, "Blueprint history for %s:\n", ref.Key())
		for _, r := range revs {
			fmt.Fprintf(w, "  r%-4d confidence %.2f  %s\n", r.Revision, r.Confidence, formatMS(r.CreatedAtMS))
		}
		return nil
	})
}

func detectCmd(ctx context.Context, w io.Writer, subject, thread string) error {
	return withStore(func(cfg *config.Config, st *store.SQLiteStore) error {
		for _, ref := range engine.ConstructRefs(cfg) {
			if err := st.RegisterConstruct(ctx, ref); err != nil {
				return err
			}
		}
		rp, _, err := loadRules(cfg)
		if err != nil {
			return err
		}
		sig, err := engine.NewDetector(cfg, st, rp).Detect(ctx, detector.DetectionContext{
			SubjectID: strings.TrimSpace(subject),
			ThreadID:  strings.TrimSpace(thread),
		})
		if err != nil {
			return fmt.Errorf("detect: %w", err)
		}
		sig.Blueprint = nil
		return writeJSON(w, sig)
	})
}

func driftCheckCmd(ctx context.Context, w io.Writer, constructID, callsign, userMessage, reply string) error {
	return withStore(func(cfg *config.Config, st *store.SQLiteStore) error {
		ref := constructRef(cfg, constructID, callsign)
		bp, err := st.LatestBlueprint(ctx, ref.ConstructID, ref.Callsign)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.Key(), err)
		}
		rp, _, err := loadRules(cfg)
		if err != nil {
			return err
		}
		det := drift.NewDetector(rp, nil, drift.Config{}).Detect(ctx, reply, bp, drift.TurnContext{UserMessage: userMessage})
		return writeJSON(w, det)
	})
}

func driftHistoryCmd(ctx context.Context, w io.Writer, constructKey string, limit int) error {
	return withStore(func(cfg *config.Config, st *store.SQLiteStore) error {
		recs, err := st.ListDrift(ctx, constructKey, limit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(w, "No drift recorded.")
			return nil
		}
		for _, r := range recs {
			status := "uncorrected"
			if r.Detection.Corrected {
				status = "corrected"
			}
			fmt.Fprintf(w, "%s  %-10s %-6s %-11s %d indicator(s)  session %s\n",
				formatMS(r.CreatedAtMS), r.ConstructKey, r.Detection.Severity, status, len(r.Detection.Indicators), r.SessionID)
		}
		return nil
	})
}

type ledgerAddOptions struct {
	SubjectID    string
	ConstructID  string
	Callsign     string
	Kind         string
	Significance float64
	Text         string
}

func ledgerAddCmd(ctx context.Context, w io.Writer, opts ledgerAddOptions) error {
	kind := detector.LedgerKind(strings.ToLower(strings.TrimSpace(opts.Kind)))
	if kind != detector.LedgerContinuity && kind != detector.LedgerAnchor {
		return fmt.Errorf("unknown ledger kind %q (want continuity or anchor)", opts.Kind)
	}
	if opts.Significance < 0 || opts.Significance > 1 {
		return fmt.Errorf("significance must be within [0,1]")
	}
	return withStore(func(cfg *config.Config, st *store.SQLiteStore) error {
		id, err := st.AddLedgerEntry(ctx, detector.LedgerEntry{
			SubjectID:    strings.TrimSpace(opts.SubjectID),
			ConstructID:  strings.TrimSpace(opts.ConstructID),
			Callsign:     strings.TrimSpace(opts.Callsign),
			Kind:         kind,
			Text:         strings.TrimSpace(opts.Text),
			Significance: opts.Significance,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "✓ Ledger entry %s recorded\n", id)
		return nil
	})
}

func ledgerListCmd(ctx context.Context, w io.Writer, subject string, limit int) error {
	return withStore(func(cfg *config.Config, st *store.SQLiteStore) error {
		entries, err := st.LedgerEntries(ctx, subject, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintf(w, "No ledger entries for %s.\n", subject)
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s  %-10s %-10s %.2f  %s\n",
				formatMS(e.CreatedAtMS), e.Kind, valueOr(persona.ConstructKey(e.ConstructID, e.Callsign), "-"), e.Significance, e.Text)
		}
		return nil
	})
}

type transcriptAddOptions struct {
	ID          string
	SubjectID   string
	ConstructID string
	Callsign    string
	Messages    int
}

func transcriptAddCmd(ctx context.Context, w io.Writer, opts transcriptAddOptions) error {
	return withStore(func(cfg *config.Config, st *store.SQLiteStore) error {
		t := detector.Transcript{
			ID:           strings.TrimSpace(opts.ID),
			SubjectID:    strings.TrimSpace(opts.SubjectID),
			ConstructID:  strings.TrimSpace(opts.ConstructID),
			Callsign:     strings.TrimSpace(opts.Callsign),
			MessageCount: opts.Messages,
		}
		if err := st.UpsertTranscript(ctx, t); err != nil {
			return err
		}
		fmt.Fprintf(w, "✓ Transcript %s attributed to %s\n", t.ID, persona.ConstructKey(t.ConstructID, t.Callsign))
		return nil
	})
}

func rulesCheckCmd(w io.Writer, path string) error {
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path = cfg.Lockdown.RulesPath
	}
	path = config.ExpandHome(path)
	set, err := rules.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Rules: %s\n", valueOr(path, "built-in defaults"))
	fmt.Fprintf(w, "  identity break phrases: %d\n", len(set.IdentityBreak))
	fmt.Fprintf(w, "  identity challenges:    %d\n", len(set.IdentityChallenges))
	fmt.Fprintf(w, "  meta-leak patterns:     %d\n", len(set.MetaLeaks))
	fmt.Fprintf(w, "  scrubbers:              %d\n", len(set.Scrubbers))
	fmt.Fprintf(w, "  situations:             %d\n", len(set.Situations))
	fmt.Fprintf(w, "  emotion words:          %d\n", len(set.Emotions))
	fmt.Fprintf(w, "  greetings:              %d\n", len(set.Greetings))
	fmt.Fprintf(w, "  trait rules:            %d\n", len(set.Traits))
	fmt.Fprintf(w, "  identifier rules:       %d\n", len(set.Identifiers))
	return nil
}
