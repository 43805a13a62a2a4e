// Package server implements the TCP side of the control plane: the
// listener and accept loop, the per-connection session state machine,
// the in-memory agent registry, and the command completion store.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/events"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/metrics"
	"github.com/opswire/opswire/internal/protocol"
)

// sendBufferSize is the channel buffer for outbound messages to each agent.
// Large enough to absorb short bursts without blocking the server, but small
// enough that a stalled agent surfaces as backpressure rather than consuming
// memory.
const sendBufferSize = 64

// Registry errors surfaced to the HTTP layer.
var (
	// ErrAgentNotFound means no agent with that id is currently registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrBackpressure means the agent's outbound queue is full.
	ErrBackpressure = errors.New("agent send queue full")
)

// agentEntry is the server-side record of one registered agent. The send
// channel is drained by the owning session's writer goroutine; cancel tears
// the owning session down. Entries are replaced wholesale on reconnect.
type agentEntry struct {
	agentID  string
	host     *protocol.HostInfo
	lastSeen time.Time
	send     chan protocol.Message
	cancel   context.CancelFunc
}

// Registry tracks registered agents and routes outbound messages to them.
// An agent appears here after its first host_info and disappears when its
// session closes or the sweeper declares it dead.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*agentEntry
	timeout time.Duration // liveness horizon for Sweep
	clk     clock.Clock
	bus     *events.Bus
	log     *logging.Logger
}

// NewRegistry creates an empty registry. Entries older than timeout are
// removed by Sweep. A nil clock falls back to wall time.
func NewRegistry(timeout time.Duration, clk clock.Clock, bus *events.Bus, log *logging.Logger) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		agents:  make(map[string]*agentEntry),
		timeout: timeout,
		clk:     clk,
		bus:     bus,
		log:     log,
	}
}

// register installs an entry, replacing any existing entry for the same
// agent id. The replaced session is cancelled; its queued messages are
// discarded with it.
func (r *Registry) register(e *agentEntry) {
	r.mu.Lock()
	old, replaced := r.agents[e.agentID]
	r.agents[e.agentID] = e
	metrics.AgentsConnected.Set(float64(len(r.agents)))
	r.mu.Unlock()

	if replaced {
		old.cancel()
		r.log.Warn("replaced stale agent session", "agent_id", e.agentID, "hostname", e.host.Hostname)
		r.bus.Publish(events.Event{
			Type:      events.EventAgentReplaced,
			AgentID:   e.agentID,
			Hostname:  e.host.Hostname,
			Timestamp: r.clk.Now(),
		})
		return
	}

	r.log.Info("agent registered", "agent_id", e.agentID, "hostname", e.host.Hostname)
	r.bus.Publish(events.Event{
		Type:      events.EventAgentRegistered,
		AgentID:   e.agentID,
		Hostname:  e.host.Hostname,
		Timestamp: r.clk.Now(),
	})
}

// remove deletes the entry if the registry still holds this exact pointer.
// A session replaced by a reconnect holds a stale pointer and must not
// remove its successor.
func (r *Registry) remove(e *agentEntry) {
	r.mu.Lock()
	cur, ok := r.agents[e.agentID]
	owned := ok && cur == e
	var hostname string
	if owned {
		hostname = e.host.Hostname
		delete(r.agents, e.agentID)
		metrics.AgentsConnected.Set(float64(len(r.agents)))
	}
	r.mu.Unlock()

	if !owned {
		return
	}
	r.log.Info("agent removed", "agent_id", e.agentID, "hostname", hostname)
	r.bus.Publish(events.Event{
		Type:      events.EventAgentRemoved,
		AgentID:   e.agentID,
		Hostname:  hostname,
		Timestamp: r.clk.Now(),
	})
}

// touch stores the latest host info and refreshes the liveness timestamp.
func (r *Registry) touch(e *agentEntry, host *protocol.HostInfo, seen time.Time) {
	r.mu.Lock()
	e.host = host
	e.lastSeen = seen
	r.mu.Unlock()
}

// hostname reads the entry's reported hostname under the registry lock.
func (r *Registry) hostname(e *agentEntry) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.host.Hostname
}

// Snapshot returns a copy of the registered agents keyed by agent id.
// The HostInfo pointers are the most recent heartbeat payloads; they are
// never mutated after being stored, so the snapshot is safe to read
// after the lock is released.
func (r *Registry) Snapshot() map[string]*protocol.HostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*protocol.HostInfo, len(r.agents))
	for id, e := range r.agents {
		out[id] = e.host
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Send enqueues one message to the named agent without blocking.
// Returns ErrAgentNotFound for unknown ids and ErrBackpressure when the
// agent's queue is full.
func (r *Registry) Send(agentID string, msg protocol.Message) error {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	select {
	case e.send <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrBackpressure, agentID)
	}
}

// Broadcast enqueues the message to every registered agent, skipping any
// whose queue is full. Returns how many agents accepted the message and
// how many dropped it.
func (r *Registry) Broadcast(msg protocol.Message) (sent, failed int) {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		select {
		case e.send <- msg:
			sent++
			metrics.BroadcastsTotal.WithLabelValues("sent").Inc()
		default:
			failed++
			metrics.BroadcastsTotal.WithLabelValues("failed").Inc()
			r.log.Warn("broadcast dropped, send queue full", "agent_id", e.agentID)
		}
	}
	return sent, failed
}

// Sweep removes every agent whose last heartbeat is older than the
// registry timeout, cancelling each one's session. Returns the number of
// agents removed.
func (r *Registry) Sweep(now time.Time) int {
	type swept struct {
		entry    *agentEntry
		hostname string
		lastSeen time.Time
	}

	r.mu.Lock()
	var stale []swept
	for id, e := range r.agents {
		if now.Sub(e.lastSeen) > r.timeout {
			stale = append(stale, swept{entry: e, hostname: e.host.Hostname, lastSeen: e.lastSeen})
			delete(r.agents, id)
		}
	}
	if len(stale) > 0 {
		metrics.AgentsConnected.Set(float64(len(r.agents)))
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.entry.cancel()
		r.log.Warn("swept unresponsive agent",
			"agent_id", s.entry.agentID,
			"hostname", s.hostname,
			"last_seen", s.lastSeen.Format(time.RFC3339),
		)
		r.bus.Publish(events.Event{
			Type:      events.EventAgentRemoved,
			AgentID:   s.entry.agentID,
			Hostname:  s.hostname,
			Reason:    "heartbeat timeout",
			Timestamp: now,
		})
	}
	return len(stale)
}
