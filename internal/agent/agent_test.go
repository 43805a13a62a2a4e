package agent

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opswire/opswire/internal/auth"
	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/config"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/protocol"
)

const testSecret = "agent-test-secret"

// ----------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------

// testAgentConfig points an agent at a local port with fast cadence.
func testAgentConfig(t *testing.T, port int, authEnabled bool) *config.Agent {
	t.Helper()
	dir := t.TempDir()
	return &config.Agent{
		ServerHost:        "127.0.0.1",
		ServerPort:        port,
		HeartbeatInterval: 50 * time.Millisecond,
		RetryMaxAttempts:  4,
		RetryBaseDelay:    10 * time.Millisecond,
		RetryMaxDelay:     40 * time.Millisecond,
		ClientIDFile:      filepath.Join(dir, "client_id.txt"),
		MOTDFile:          filepath.Join(dir, "motd"),
		TCPAuthEnabled:    authEnabled,
		TCPAuthSecret:     testSecret,
	}
}

// acceptAgent takes the next connection and, when wantAuth is set,
// plays the server side of the challenge handshake.
func acceptAgent(t *testing.T, ln net.Listener, wantAuth bool) (net.Conn, *protocol.Codec) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	codec := protocol.NewCodec(conn)

	if wantAuth {
		nonce, err := auth.NewNonce()
		if err != nil {
			t.Fatal(err)
		}
		if err := codec.Send(protocol.NewAuthChallenge(nonce, time.Now().Unix())); err != nil {
			t.Fatalf("send challenge: %v", err)
		}
		msg, err := codec.Receive()
		if err != nil {
			t.Fatalf("receive auth response: %v", err)
		}
		resp, ok := msg.(*protocol.AuthResponse)
		if !ok {
			t.Fatalf("got %T, want *protocol.AuthResponse", msg)
		}
		verifier := auth.NewVerifier(testSecret, clock.Real{})
		if ok, reason := verifier.Verify(resp.AgentID, nonce, resp.Nonce, resp.MAC, resp.TS); !ok {
			t.Fatalf("agent response failed verification: %s", reason)
		}
		if err := codec.Send(protocol.NewAuthResult(true, "")); err != nil {
			t.Fatalf("send auth result: %v", err)
		}
	}
	return conn, codec
}

func awaitHostInfo(t *testing.T, codec *protocol.Codec) *protocol.HostInfo {
	t.Helper()
	msg, err := codec.Receive()
	if err != nil {
		t.Fatalf("receive host info: %v", err)
	}
	hi, ok := msg.(*protocol.HostInfo)
	if !ok {
		t.Fatalf("got %T, want *protocol.HostInfo", msg)
	}
	return hi
}

// awaitResult skips interleaved heartbeats until a result arrives.
func awaitResult(t *testing.T, codec *protocol.Codec) *protocol.CommandResult {
	t.Helper()
	for {
		msg, err := codec.Receive()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		switch m := msg.(type) {
		case *protocol.CommandResult:
			return m
		case *protocol.HostInfo:
		default:
			t.Fatalf("unexpected %T while waiting for a result", msg)
		}
	}
}

func waitForCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ----------------------------------------------------------------------
// tests
// ----------------------------------------------------------------------

func TestAgentSessionEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := testAgentConfig(t, port, true)
	a, err := New(cfg, clock.Real{}, logging.New(false))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	_, codec := acceptAgent(t, ln, true)

	// The first heartbeat doubles as registration.
	hi := awaitHostInfo(t, codec)
	if hi.AgentID != a.ID() {
		t.Errorf("heartbeat AgentID = %q, want %q", hi.AgentID, a.ID())
	}
	if hi.Heartbeat != 1 {
		t.Errorf("first heartbeat sequence = %d, want 1", hi.Heartbeat)
	}
	if hi.Hostname == "" {
		t.Error("expected a hostname in the heartbeat")
	}

	if err := codec.Send(protocol.NewCommand("cmd-1", "pwd")); err != nil {
		t.Fatalf("send command: %v", err)
	}
	res := awaitResult(t, codec)
	if res.CommandID != "cmd-1" || res.ExitCode != 0 {
		t.Fatalf("result = id %q exit %d, want cmd-1 exit 0", res.CommandID, res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		t.Error("expected stdout from pwd")
	}

	if err := codec.Send(protocol.NewBroadcast("disk replacement tonight")); err != nil {
		t.Fatalf("send broadcast: %v", err)
	}
	waitForCond(t, func() bool {
		raw, err := os.ReadFile(cfg.MOTDFile)
		return err == nil && strings.Contains(string(raw), "disk replacement tonight")
	}, "broadcast never reached the motd file")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAgentReconnectsAfterDrop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	a, err := New(testAgentConfig(t, port, false), clock.Real{}, logging.New(false))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	conn, codec := acceptAgent(t, ln, false)
	if hi := awaitHostInfo(t, codec); hi.Heartbeat != 1 {
		t.Fatalf("first heartbeat sequence = %d, want 1", hi.Heartbeat)
	}
	conn.Close()

	// The agent redials; the heartbeat counter spans sessions.
	_, codec = acceptAgent(t, ln, false)
	if hi := awaitHostInfo(t, codec); hi.Heartbeat < 2 {
		t.Errorf("heartbeat sequence after reconnect = %d, want >= 2", hi.Heartbeat)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAgentRetryBudgetExhausted(t *testing.T) {
	// Grab a port with nothing listening behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := testAgentConfig(t, port, false)
	cfg.RetryMaxAttempts = 3
	a, err := New(cfg, clock.Real{}, logging.New(false))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })

	start := time.Now()
	if err := a.Run(context.Background()); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Run returned %v, want ErrRetriesExhausted", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("exhaustion took %s, retry delays are not being honored", elapsed)
	}
}

func TestAgentRunStopsOnEarlyCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	a, err := New(testAgentConfig(t, port, false), clock.Real{}, logging.New(false))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil for a cancelled context", err)
	}
}
