package drift

import (
	"sync"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/blueprint"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

const reinforceAnchors = 3

// Reinforcer counts high-severity detections per construct. Once Threshold
// of them land inside Window, the next Observe returns a blueprint revision
// with the strongest anchors restated as identity rules, and the count
// starts over.
type Reinforcer struct {
	threshold int
	window    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	history map[string][]time.Time
}

func NewReinforcer(threshold int, window time.Duration, now func() time.Time) *Reinforcer {
	if threshold <= 0 {
		threshold = 3
	}
	if now == nil {
		now = time.Now
	}
	return &Reinforcer{
		threshold: threshold,
		window:    window,
		now:       now,
		history:   map[string][]time.Time{},
	}
}

func (r *Reinforcer) Observe(det persona.DriftDetection, bp *persona.Blueprint) (*persona.Blueprint, bool) {
	if bp == nil || det.Severity != persona.SeverityHigh {
		return nil, false
	}
	key := bp.Key()
	now := r.now()

	r.mu.Lock()
	recent := r.history[key][:0]
	for _, at := range r.history[key] {
		if r.window <= 0 || now.Sub(at) <= r.window {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	if len(recent) < r.threshold {
		r.history[key] = recent
		r.mu.Unlock()
		return nil, false
	}
	delete(r.history, key)
	r.mu.Unlock()

	next := blueprint.Reinforce(bp, reinforceAnchors, now)
	logger.InfoCF("drift", "Reinforcing identity anchors", map[string]interface{}{
		"construct":  key,
		"detections": len(recent),
		"rules":      len(next.ConsistencyRules),
	})
	return next, true
}

// Pending returns how many recent high detections are counted for key.
func (r *Reinforcer) Pending(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history[key])
}
