// Package gateway serves the persona engine to chat channels through the
// message bus and to HTTP clients through a JSON API.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/engine"
	"github.com/dotsetgreg/dotpersona/pkg/lockdown"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// Turner is the slice of the engine the gateway drives.
type Turner interface {
	ProcessTurn(ctx context.Context, req engine.TurnRequest) (engine.TurnResult, error)
	HandleCommand(ctx context.Context, sessionID, content string) (string, bool)
	ReleaseSession(ctx context.Context, sessionID string) error
}

// Loop consumes inbound chat messages, runs each through the engine and
// publishes the reply on the channel it came from.
type Loop struct {
	bus         *bus.MessageBus
	engine      Turner
	apologyLine string
	running     atomic.Bool
}

func NewLoop(messageBus *bus.MessageBus, e Turner, apologyLine string) *Loop {
	if strings.TrimSpace(apologyLine) == "" {
		apologyLine = lockdown.DefaultApologyLine
	}
	return &Loop{bus: messageBus, engine: e, apologyLine: apologyLine}
}

// Run blocks until ctx is cancelled, Stop is called or the bus closes.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	for l.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, ok := l.bus.ConsumeInbound(ctx)
			if !ok {
				return nil
			}

			reply := l.process(ctx, msg)
			if reply.Content == "" {
				continue
			}
			l.bus.PublishOutbound(reply)
		}
	}
	return nil
}

func (l *Loop) Stop() {
	l.running.Store(false)
}

func (l *Loop) process(ctx context.Context, msg bus.InboundMessage) bus.OutboundMessage {
	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID}
	sessionID := msg.SessionKey
	if sessionID == "" {
		sessionID = msg.Channel + ":" + msg.ChatID
	}

	if resp, handled := l.engine.HandleCommand(ctx, sessionID, msg.Content); handled {
		out.Content = resp
		return out
	}

	res, err := l.engine.ProcessTurn(ctx, engine.TurnRequest{
		SessionID:   sessionID,
		SubjectID:   subjectID(msg),
		ThreadID:    sessionID,
		UserMessage: msg.Content,
	})
	if err != nil {
		if errors.Is(err, engine.ErrEmptyMessage) {
			return out
		}
		logger.ErrorCF("gateway", "Turn failed", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
			"session": sessionID,
			"error":   err.Error(),
		})
		out.Content = l.apologyLine
		return out
	}

	logger.DebugCF("gateway", "Turn complete", map[string]interface{}{
		"session":    sessionID,
		"construct":  res.Key(),
		"path":       res.Path,
		"drift":      string(res.Drift.Severity),
		"violations": len(res.Violations),
	})
	out.Content = res.Response
	out.ConstructKey = res.Key()
	return out
}

// subjectID prefers the platform user id so that archive and ledger
// evidence follows the person across chats.
func subjectID(msg bus.InboundMessage) string {
	if id := strings.TrimSpace(msg.Metadata["user_id"]); id != "" {
		return msg.Channel + ":" + id
	}
	if id, _, _ := strings.Cut(msg.SenderID, "|"); strings.TrimSpace(id) != "" {
		return msg.Channel + ":" + id
	}
	return msg.SessionKey
}
