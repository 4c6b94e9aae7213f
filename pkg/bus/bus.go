// Package bus carries chat traffic between channels and the persona gateway.
// Publishing never blocks for long: a full buffer drops the message after a
// short wait and counts the drop.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	publishTimeout    = 100 * time.Millisecond
	defaultBufferSize = 100
)

var droppedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dotpersona_bus_dropped_total",
		Help: "Messages dropped because a bus lane stayed full",
	},
	[]string{"direction"},
)

// lane is one bounded direction of the bus.
type lane[T any] struct {
	ch        chan T
	direction string
	dropped   atomic.Uint64
}

func newLane[T any](direction string, size int) *lane[T] {
	return &lane[T]{ch: make(chan T, size), direction: direction}
}

// offer must be called with the bus read lock held so Close cannot race it.
func (l *lane[T]) offer(v T) bool {
	select {
	case l.ch <- v:
		return true
	default:
	}
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case l.ch <- v:
		return true
	case <-timer.C:
		l.dropped.Add(1)
		droppedTotal.WithLabelValues(l.direction).Inc()
		return false
	}
}

func (l *lane[T]) take(ctx context.Context) (T, bool) {
	var zero T
	select {
	case v, ok := <-l.ch:
		return v, ok
	case <-ctx.Done():
		return zero, false
	}
}

type MessageBus struct {
	mu       sync.RWMutex
	closed   bool
	inbound  *lane[InboundMessage]
	outbound *lane[OutboundMessage]
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBufferSize)
}

// NewMessageBusSize sizes both directions' buffers.
func NewMessageBusSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:  newLane[InboundMessage]("inbound", size),
		outbound: newLane[OutboundMessage]("outbound", size),
	}
}

// PublishInbound queues msg for the gateway. It reports false when the bus
// is closed or the message was dropped.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return !mb.closed && mb.inbound.offer(msg)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return mb.inbound.take(ctx)
}

// PublishOutbound queues a reply for the channel manager.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return !mb.closed && mb.outbound.offer(msg)
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return mb.outbound.take(ctx)
}

// Close ends both lanes. Consumers drain what is buffered and then see ok=false.
func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound.ch)
	close(mb.outbound.ch)
}

func (mb *MessageBus) DroppedInbound() uint64  { return mb.inbound.dropped.Load() }
func (mb *MessageBus) DroppedOutbound() uint64 { return mb.outbound.dropped.Load() }
