// Package channels connects chat surfaces to the message bus.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
)

// Channel is one chat surface. Inbound traffic is published to the bus by
// the channel itself; the Manager delivers outbound replies through Send.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// SessionKey names the persona session for a chat. Every participant of a
// chat shares the chat's persona lock.
func SessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// allowList matches sender ids. Empty means everyone. An entry matches the
// whole id, or either half of a compound "123456|username" id.
type allowList []string

func (a allowList) permits(senderID string) bool {
	if len(a) == 0 {
		return true
	}
	id, user, _ := strings.Cut(senderID, "|")
	for _, entry := range a {
		entry = strings.TrimSpace(strings.TrimPrefix(entry, "@"))
		switch {
		case entry == "":
		case entry == senderID, entry == id, user != "" && entry == user:
			return true
		}
	}
	return false
}

// surface holds what every Channel implementation shares.
type surface struct {
	name    string
	bus     *bus.MessageBus
	allow   allowList
	running atomic.Bool
}

func newSurface(name string, mb *bus.MessageBus, allow []string) *surface {
	return &surface{name: name, bus: mb, allow: allow}
}

func (s *surface) Name() string    { return s.name }
func (s *surface) IsRunning() bool { return s.running.Load() }

// publish hands an allowed message to the gateway. It reports false when the
// sender is not allowed or the bus refused the message.
func (s *surface) publish(senderID, chatID, content string, media []string, metadata map[string]string) bool {
	if !s.allow.permits(senderID) {
		return false
	}
	return s.bus.PublishInbound(bus.InboundMessage{
		Channel:    s.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		Media:      media,
		SessionKey: SessionKey(s.name, chatID),
		Metadata:   metadata,
	})
}

// preview shortens s to at most n runes for logging.
func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
