package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/store"
)

type driftLister interface {
	ListDrift(ctx context.Context, constructKey string, limit int) ([]store.DriftRecord, error)
}

// SwitchPersona binds sessionID to the named construct, replacing any
// existing lock.
func (e *Engine) SwitchPersona(ctx context.Context, sessionID, constructID, callsign string) (persona.ContextLock, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return persona.ContextLock{}, ErrEmptySession
	}
	ref, err := e.lookup(ctx, strings.TrimSpace(constructID), strings.TrimSpace(callsign))
	if err != nil {
		return persona.ContextLock{}, err
	}
	sig := persona.PersonaSignal{
		ConstructID: ref.ConstructID,
		Callsign:    ref.Callsign,
		Confidence:  1,
		Evidence:    []string{"switched explicitly"},
		Source:      persona.SourceFused,
		TimestampMS: e.now().UnixMilli(),
	}
	bp, err := e.loadBlueprint(ctx, ref, sig)
	if err != nil {
		return persona.ContextLock{}, err
	}
	sig.Blueprint = bp

	if held, ok := e.locks.Get(sessionID); ok {
		if held.Signal.Key() == sig.Key() {
			return held, nil
		}
		if err := e.locks.Release(ctx, held); err != nil && !errors.Is(err, persona.ErrLockNotHeld) {
			return persona.ContextLock{}, err
		}
	}
	l, err := e.locks.Acquire(ctx, sessionID, sig)
	if err != nil {
		return persona.ContextLock{}, err
	}
	ActiveLocks.Set(float64(e.locks.Len()))
	return l, nil
}

// HandleCommand answers slash commands typed into a chat surface. handled is
// false for anything that is not a known command.
func (e *Engine) HandleCommand(ctx context.Context, sessionID, content string) (string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "/") {
		return "", false
	}
	parts := strings.Fields(content)
	if len(parts) == 0 {
		return "", false
	}
	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "/persona":
		held, ok := e.locks.Get(sessionID)
		if !ok {
			return "No persona is locked for this session yet.", true
		}
		sig := held.Signal
		bp, err := e.loadBlueprint(ctx, persona.ConstructRef{ConstructID: sig.ConstructID, Callsign: sig.Callsign}, sig)
		if err != nil {
			return fmt.Sprintf("Failed to load blueprint: %v", err), true
		}
		return fmt.Sprintf(
			"Persona %s (confidence %.2f)\n- Revision: %d\n- Traits: %s\n- Rules: %d\n- Anchors: %d",
			sig.Key(),
			sig.Confidence,
			bp.Metadata.Revision,
			valueOr(strings.Join(bp.CoreTraits, ", "), "(none)"),
			len(bp.ConsistencyRules),
			len(bp.MemoryAnchors),
		), true

	case "/switch":
		if len(args) < 1 {
			return "Usage: /switch <construct> [callsign]", true
		}
		callsign := ""
		if len(args) > 1 {
			callsign = args[1]
		}
		l, err := e.SwitchPersona(ctx, sessionID, args[0], callsign)
		if err != nil {
			return fmt.Sprintf("Failed to switch persona: %v", err), true
		}
		return fmt.Sprintf("Switched to %s", l.Signal.Key()), true

	case "/release":
		if err := e.ReleaseSession(ctx, sessionID); err != nil {
			if errors.Is(err, persona.ErrLockNotHeld) {
				return "No persona is locked for this session.", true
			}
			return fmt.Sprintf("Failed to release persona: %v", err), true
		}
		return "Persona released; the next message will detect again.", true

	case "/drift":
		lister, ok := e.store.(driftLister)
		if !ok {
			return "Drift history needs a persistent store.", true
		}
		key := ""
		if held, ok := e.locks.Get(sessionID); ok {
			key = held.Signal.Key()
		}
		records, err := lister.ListDrift(ctx, key, 5)
		if err != nil {
			return fmt.Sprintf("Failed to list drift records: %v", err), true
		}
		if len(records) == 0 {
			return "No drift recorded.", true
		}
		lines := []string{"Recent drift:"}
		for _, r := range records {
			lines = append(lines, fmt.Sprintf("- %s %s %d indicator(s) corrected=%t", r.ConstructKey, r.Detection.Severity, len(r.Detection.Indicators), r.Detection.Corrected))
		}
		return strings.Join(lines, "\n"), true
	}
	return "", false
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
