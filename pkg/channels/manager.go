package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// Manager owns the enabled channels and routes persona replies to them.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel
	stop     context.CancelFunc
	stopped  chan struct{}
}

// NewManager builds the channels enabled in cfg. With none enabled the
// gateway still serves HTTP.
func NewManager(cfg *config.Config, mb *bus.MessageBus) (*Manager, error) {
	m := &Manager{bus: mb, channels: map[string]Channel{}}
	if cfg == nil || !cfg.Channels.Discord.Enabled {
		logger.InfoC("channels", "Discord channel disabled")
		return m, nil
	}
	discord, err := NewDiscordChannel(cfg.Channels.Discord, mb)
	if err != nil {
		return nil, fmt.Errorf("initialize Discord channel: %w", err)
	}
	m.Register(discord)
	return m, nil
}

// Register adds ch under its own name, replacing any previous one.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
}

// Enabled lists registered channel names in order.
func (m *Manager) Enabled() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// StartAll starts every channel and the outbound dispatcher. If any channel
// fails, the ones already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	all := m.snapshot()
	if len(all) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	var started []Channel
	for _, ch := range all {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
		started = append(started, ch)
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	prevStop, prevDone := m.stop, m.stopped
	m.stop, m.stopped = cancel, done
	m.mu.Unlock()
	if prevStop != nil {
		prevStop()
		<-prevDone
	}

	go func() {
		defer close(done)
		m.dispatch(dispatchCtx)
	}()
	logger.InfoCF("channels", "Channels started", map[string]interface{}{"count": len(started)})
	return nil
}

// StopAll halts the dispatcher first and then every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	stop, done := m.stop, m.stopped
	m.stop, m.stopped = nil, nil
	m.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	var errs []error
	for _, ch := range m.snapshot() {
		if err := ch.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
			errs = append(errs, fmt.Errorf("stop %s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) dispatch(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		m.mu.RLock()
		ch, found := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !found {
			logger.WarnCF("channels", "Unknown channel for outbound message", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Error sending message to channel", map[string]interface{}{
				"channel":   msg.Channel,
				"construct": msg.ConstructKey,
				"error":     err.Error(),
			})
		}
	}
}
