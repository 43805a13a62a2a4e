// Package notify delivers control plane events to external systems.
package notify

import (
	"context"
	"sync"

	"github.com/opswire/opswire/internal/events"
)

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event events.Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors; failures are logged but don't block the caller.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
// Errors are logged but never propagated; notifications must not block
// session or HTTP handling.
func (m *Multi) Notify(ctx context.Context, event events.Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"agent", event.AgentID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}
