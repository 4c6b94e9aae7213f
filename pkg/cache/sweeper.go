package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// Sweepable is anything that can drop its expired entries.
type Sweepable interface {
	Sweep() int
}

// Sweeper runs Sweep on its targets on a cron schedule.
type Sweeper struct {
	expr    string
	targets map[string]Sweepable
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper validates the cron expression.
func NewSweeper(expr string, targets map[string]Sweepable) (*Sweeper, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep schedule %q", expr)
	}
	return &Sweeper{expr: expr, targets: targets, now: time.Now}, nil
}

// SweepOnce sweeps every target immediately.
func (s *Sweeper) SweepOnce() map[string]int {
	out := make(map[string]int, len(s.targets))
	for name, t := range s.targets {
		out[name] = t.Sweep()
	}
	return out
}

func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	logger.InfoCF("cache", "Sweeper started", map[string]interface{}{"schedule": s.expr})
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := gronx.NextTickAfter(s.expr, s.now(), false)
		if err != nil {
			logger.ErrorCF("cache", "Sweep schedule failed", map[string]interface{}{"error": err.Error()})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		removed := s.SweepOnce()
		logger.DebugCF("cache", "Swept expired entries", map[string]interface{}{"removed": removed})
	}
}
