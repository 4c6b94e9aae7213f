// Package lock binds a conversation session to one persona so that later
// detections cannot swap the persona mid-conversation.
package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

// Persister stores locks so they survive a restart.
type Persister interface {
	SaveContextLock(ctx context.Context, l persona.ContextLock) error
	DeleteContextLock(ctx context.Context, sessionID string) error
	ListContextLocks(ctx context.Context) ([]persona.ContextLock, error)
}

type slot struct {
	mu   sync.Mutex
	lock *persona.ContextLock
}

// Table is a single-process lock table with one mutex per session.
type Table struct {
	slots sync.Map // sessionID -> *slot
	store Persister
	now   func() time.Time
}

// NewTable creates a lock table. store may be nil for memory-only locks.
func NewTable(store Persister, now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{store: store, now: now}
}

func (t *Table) slot(sessionID string) *slot {
	if s, ok := t.slots.Load(sessionID); ok {
		return s.(*slot)
	}
	s, _ := t.slots.LoadOrStore(sessionID, &slot{})
	return s.(*slot)
}

// Acquire binds sessionID to the persona in sig. Acquiring the persona a
// session already holds returns the existing lock; a different persona
// fails with ErrSessionLocked.
func (t *Table) Acquire(ctx context.Context, sessionID string, sig persona.PersonaSignal) (persona.ContextLock, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return persona.ContextLock{}, fmt.Errorf("acquire lock: empty session id")
	}
	s := t.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock != nil {
		if s.lock.Signal.Key() == sig.Key() {
			return *s.lock, nil
		}
		return *s.lock, fmt.Errorf("%w: session %s holds %s", persona.ErrSessionLocked, sessionID, s.lock.Signal.Key())
	}

	l := persona.ContextLock{
		ID:              "lck-" + uuid.NewString(),
		SessionID:       sessionID,
		Signal:          sig,
		EstablishedAtMS: t.now().UnixMilli(),
	}
	if t.store != nil {
		if err := t.store.SaveContextLock(ctx, l); err != nil {
			return persona.ContextLock{}, fmt.Errorf("persist lock: %w", err)
		}
	}
	s.lock = &l
	logger.InfoCF("lock", "Context lock acquired", map[string]interface{}{
		"session":    sessionID,
		"construct":  sig.Key(),
		"confidence": sig.Confidence,
	})
	return l, nil
}

// Release drops l. Releasing a lock that is no longer current fails with
// ErrLockNotHeld.
func (t *Table) Release(ctx context.Context, l persona.ContextLock) error {
	raw, ok := t.slots.Load(l.SessionID)
	if !ok {
		return persona.ErrLockNotHeld
	}
	s := raw.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil || s.lock.ID != l.ID {
		return persona.ErrLockNotHeld
	}
	if t.store != nil {
		if err := t.store.DeleteContextLock(ctx, l.SessionID); err != nil {
			return fmt.Errorf("delete persisted lock: %w", err)
		}
	}
	s.lock = nil
	logger.InfoCF("lock", "Context lock released", map[string]interface{}{
		"session":   l.SessionID,
		"construct": l.Signal.Key(),
	})
	return nil
}

// Get returns the lock held by sessionID.
func (t *Table) Get(sessionID string) (persona.ContextLock, bool) {
	raw, ok := t.slots.Load(sessionID)
	if !ok {
		return persona.ContextLock{}, false
	}
	s := raw.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return persona.ContextLock{}, false
	}
	return *s.lock, true
}

func (t *Table) IsLocked(sessionID string) bool {
	_, ok := t.Get(sessionID)
	return ok
}

// Restore loads persisted locks into the table and returns how many were
// restored. Sessions that already hold a lock keep it.
func (t *Table) Restore(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	locks, err := t.store.ListContextLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persisted locks: %w", err)
	}
	restored := 0
	for _, l := range locks {
		l := l
		s := t.slot(l.SessionID)
		s.mu.Lock()
		if s.lock == nil {
			s.lock = &l
			restored++
		}
		s.mu.Unlock()
	}
	return restored, nil
}

// Len counts held locks.
func (t *Table) Len() int {
	n := 0
	t.slots.Range(func(_, raw any) bool {
		s := raw.(*slot)
		s.mu.Lock()
		if s.lock != nil {
			n++
		}
		s.mu.Unlock()
		return true
	})
	return n
}
