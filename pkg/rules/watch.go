package rules

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// Provider hands out the current rule set. Consumers call Current on every
// use so a reload takes effect on the next turn.
type Provider interface {
	Current() *Set
}

type static struct{ set *Set }

func (s static) Current() *Set { return s.set }

// Static wraps a fixed set.
func Static(set *Set) Provider {
	if set == nil {
		set = Default()
	}
	return static{set: set}
}

// Live is a Provider whose set can be swapped at runtime.
type Live struct {
	path string
	cur  atomic.Pointer[Set]
}

// NewLive loads path (or the defaults when empty) into a swappable holder.
func NewLive(path string) (*Live, error) {
	set, err := Load(path)
	if err != nil {
		return nil, err
	}
	l := &Live{path: path}
	l.cur.Store(set)
	return l, nil
}

func (l *Live) Current() *Set { return l.cur.Load() }

// Reload re-reads the rules file. On error the previous set stays active.
func (l *Live) Reload() error {
	set, err := Load(l.path)
	if err != nil {
		return err
	}
	l.cur.Store(set)
	return nil
}

// Watch reloads the rules file whenever it changes until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
func (l *Live) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	target := filepath.Clean(l.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := l.Reload(); err != nil {
				logger.WarnCF("rules", "Rules reload failed, keeping previous set", map[string]interface{}{
					"path":  l.path,
					"error": err.Error(),
				})
				continue
			}
			logger.InfoCF("rules", "Rules reloaded", map[string]interface{}{"path": l.path})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.WarnCF("rules", "Rules watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}
