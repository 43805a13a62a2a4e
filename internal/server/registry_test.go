package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/events"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/protocol"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func testRegistry(t *testing.T, timeout time.Duration) (*Registry, *events.Bus) {
	t.Helper()
	bus := events.New()
	return NewRegistry(timeout, clock.Real{}, bus, logging.New(false)), bus
}

// testEntry builds a registry entry with its own cancellable context so
// tests can observe session cancellation.
func testEntry(id, hostname string, seen time.Time) (*agentEntry, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &agentEntry{
		agentID:  id,
		host:     &protocol.HostInfo{Type: protocol.TypeHostInfo, AgentID: id, Hostname: hostname},
		lastSeen: seen,
		send:     make(chan protocol.Message, sendBufferSize),
		cancel:   cancel,
	}
	return e, ctx
}

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Registration and replacement
// ---------------------------------------------------------------------------

func TestRegistryRegisterAndSnapshot(t *testing.T) {
	reg, bus := testRegistry(t, time.Minute)
	ch, cancel := bus.Subscribe()
	defer cancel()

	e1, _ := testEntry("agent-1", "web-01", time.Now())
	e2, _ := testEntry("agent-2", "db-01", time.Now())
	reg.register(e1)
	reg.register(e2)

	if got := reg.Count(); got != 2 {
		t.Fatalf("expected 2 agents, got %d", got)
	}

	snap := reg.Snapshot()
	if snap["agent-1"].Hostname != "web-01" {
		t.Errorf("expected hostname web-01, got %q", snap["agent-1"].Hostname)
	}
	if snap["agent-2"].Hostname != "db-01" {
		t.Errorf("expected hostname db-01, got %q", snap["agent-2"].Hostname)
	}

	evt := nextEvent(t, ch)
	if evt.Type != events.EventAgentRegistered || evt.AgentID != "agent-1" {
		t.Errorf("expected agent_registered for agent-1, got %s/%s", evt.Type, evt.AgentID)
	}
}

func TestRegistryReplaceCancelsOldSession(t *testing.T) {
	reg, bus := testRegistry(t, time.Minute)

	e1, ctx1 := testEntry("agent-1", "web-01", time.Now())
	reg.register(e1)

	ch, cancel := bus.Subscribe()
	defer cancel()

	e2, ctx2 := testEntry("agent-1", "web-01-reborn", time.Now())
	reg.register(e2)

	if !cancelled(ctx1) {
		t.Error("replaced entry's session should be cancelled")
	}
	if cancelled(ctx2) {
		t.Error("replacement entry's session should stay live")
	}
	if got := reg.Count(); got != 1 {
		t.Fatalf("expected a single entry after replacement, got %d", got)
	}
	if got := reg.Snapshot()["agent-1"].Hostname; got != "web-01-reborn" {
		t.Errorf("expected replacement host info, got %q", got)
	}

	evt := nextEvent(t, ch)
	if evt.Type != events.EventAgentReplaced {
		t.Errorf("expected agent_replaced event, got %s", evt.Type)
	}
}

func TestRegistryRemoveIsIdentityChecked(t *testing.T) {
	reg, _ := testRegistry(t, time.Minute)

	e1, _ := testEntry("agent-1", "web-01", time.Now())
	reg.register(e1)
	e2, _ := testEntry("agent-1", "web-01", time.Now())
	reg.register(e2)

	// The replaced session cleaning up after itself must not evict its
	// successor.
	reg.remove(e1)
	if got := reg.Count(); got != 1 {
		t.Fatalf("stale remove evicted the live entry, count %d", got)
	}

	reg.remove(e2)
	if got := reg.Count(); got != 0 {
		t.Fatalf("expected empty registry, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Message routing
// ---------------------------------------------------------------------------

func TestRegistrySendUnknownAgent(t *testing.T) {
	reg, _ := testRegistry(t, time.Minute)

	err := reg.Send("nobody", protocol.NewCommand("c1", "ps aux"))
	if !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestRegistrySendBackpressure(t *testing.T) {
	reg, _ := testRegistry(t, time.Minute)
	e, _ := testEntry("agent-1", "web-01", time.Now())
	reg.register(e)

	for i := 0; i < sendBufferSize; i++ {
		if err := reg.Send("agent-1", protocol.NewCommand("c", "ls")); err != nil {
			t.Fatalf("send %d should fit in the queue: %v", i, err)
		}
	}

	err := reg.Send("agent-1", protocol.NewCommand("c", "ls"))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure on full queue, got %v", err)
	}
}

func TestRegistryBroadcastCounts(t *testing.T) {
	reg, _ := testRegistry(t, time.Minute)

	healthy, _ := testEntry("agent-1", "web-01", time.Now())
	stalled, _ := testEntry("agent-2", "db-01", time.Now())
	reg.register(healthy)
	reg.register(stalled)

	for i := 0; i < sendBufferSize; i++ {
		stalled.send <- protocol.NewBroadcast("filler")
	}

	sent, failed := reg.Broadcast(protocol.NewBroadcast("maintenance at noon"))
	if sent != 1 || failed != 1 {
		t.Fatalf("expected 1 sent / 1 failed, got %d / %d", sent, failed)
	}

	select {
	case msg := <-healthy.send:
		b, ok := msg.(*protocol.Broadcast)
		if !ok || b.Message != "maintenance at noon" {
			t.Errorf("unexpected broadcast payload: %+v", msg)
		}
	default:
		t.Error("healthy agent's queue should hold the broadcast")
	}
}

// ---------------------------------------------------------------------------
// Sweeping
// ---------------------------------------------------------------------------

func TestRegistrySweepRemovesStaleEntries(t *testing.T) {
	reg, bus := testRegistry(t, time.Minute)
	now := time.Now()

	stale, staleCtx := testEntry("agent-1", "web-01", now.Add(-10*time.Minute))
	fresh, freshCtx := testEntry("agent-2", "db-01", now)
	reg.register(stale)
	reg.register(fresh)

	ch, cancel := bus.Subscribe()
	defer cancel()

	if n := reg.Sweep(now); n != 1 {
		t.Fatalf("expected 1 swept agent, got %d", n)
	}
	if !cancelled(staleCtx) {
		t.Error("swept entry's session should be cancelled")
	}
	if cancelled(freshCtx) {
		t.Error("fresh entry's session should stay live")
	}
	if _, ok := reg.Snapshot()["agent-1"]; ok {
		t.Error("stale agent should be gone from the snapshot")
	}
	if _, ok := reg.Snapshot()["agent-2"]; !ok {
		t.Error("fresh agent should survive the sweep")
	}

	evt := nextEvent(t, ch)
	if evt.Type != events.EventAgentRemoved || evt.Reason != "heartbeat timeout" {
		t.Errorf("expected agent_removed with heartbeat timeout, got %s/%q", evt.Type, evt.Reason)
	}
}

func TestRegistrySweepExactBoundary(t *testing.T) {
	reg, _ := testRegistry(t, time.Minute)
	now := time.Now()

	// Exactly at the timeout the entry survives; one nanosecond past it
	// does not.
	onEdge, _ := testEntry("agent-1", "web-01", now.Add(-time.Minute))
	past, _ := testEntry("agent-2", "db-01", now.Add(-time.Minute-time.Nanosecond))
	reg.register(onEdge)
	reg.register(past)

	if n := reg.Sweep(now); n != 1 {
		t.Fatalf("expected exactly 1 swept agent, got %d", n)
	}
	if _, ok := reg.Snapshot()["agent-1"]; !ok {
		t.Error("entry at the exact timeout should survive")
	}
}
