package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/opswire/opswire/internal/auth"
	"github.com/opswire/opswire/internal/events"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/metrics"
	"github.com/opswire/opswire/internal/protocol"
)

// session is one agent connection being served. The session goroutine is
// the only reader of the socket; once the agent registers, a dedicated
// writer goroutine owns outbound frames.
type session struct {
	srv   *Server
	conn  net.Conn
	codec *protocol.Codec
	log   *logging.Logger

	agentID string      // set by the handshake, or by the first host_info when auth is off
	entry   *agentEntry // nil until the agent registers
}

// meteredStream counts outbound frames. The codec writes each frame in a
// single call, so one Write is one frame; the first four bytes are the
// length prefix.
type meteredStream struct {
	net.Conn
}

func (m meteredStream) Write(p []byte) (int, error) {
	n, err := m.Conn.Write(p)
	if err == nil {
		metrics.FramesTotal.WithLabelValues("out").Inc()
		metrics.FrameBytes.WithLabelValues("out").Observe(float64(len(p) - 4))
	}
	return n, err
}

// handleConn owns the connection lifecycle. Cancelling the session
// context, whether by replacement, sweep or shutdown, closes the socket
// and unblocks any read in progress.
func (s *Server) handleConn(parent context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sess := &session{
		srv:   s,
		conn:  conn,
		codec: protocol.NewCodec(meteredStream{conn}),
		log:   s.log.With("remote", conn.RemoteAddr().String()),
	}
	sess.run(ctx, cancel)
}

func (sess *session) run(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		if sess.entry != nil {
			sess.srv.registry.remove(sess.entry)
		}
		sess.log.Info("session closed")
	}()

	if sess.srv.verifier != nil {
		if err := sess.handshake(); err != nil {
			sess.log.Warn("handshake failed", "error", err)
			return
		}
		sess.log = sess.log.With("agent_id", sess.agentID)
		sess.log.Debug("handshake complete")
	}

	for {
		if err := sess.conn.SetReadDeadline(sess.srv.clk.Now().Add(sess.srv.idleTimeout)); err != nil {
			sess.log.Warn("set read deadline failed", "error", err)
			return
		}

		msg, err := sess.receive()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrUnknownType) {
				sess.log.Warn("dropping undecodable frame", "error", err)
				continue
			}
			sess.logClose(ctx, err)
			return
		}

		switch m := msg.(type) {
		case *protocol.HostInfo:
			if err := sess.handleHostInfo(ctx, cancel, m); err != nil {
				sess.log.Warn("closing session", "error", err)
				return
			}
		case *protocol.CommandResult:
			sess.handleResult(m)
		default:
			sess.log.Warn("dropping unexpected message", "kind", msg.Kind())
		}
	}
}

// handshake runs the server half of the challenge/response exchange.
// The whole exchange shares one deadline. During the handshake any
// unexpected or malformed frame is fatal.
func (sess *session) handshake() error {
	if err := sess.conn.SetDeadline(sess.srv.clk.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	defer sess.conn.SetDeadline(time.Time{})

	nonce, err := auth.NewNonce()
	if err != nil {
		return err
	}
	if err := sess.codec.Send(protocol.NewAuthChallenge(nonce, sess.srv.clk.Now().Unix())); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	msg, err := sess.receive()
	if err != nil {
		return fmt.Errorf("read challenge response: %w", err)
	}
	resp, ok := msg.(*protocol.AuthResponse)
	if !ok {
		return fmt.Errorf("expected auth_response, got %s", msg.Kind())
	}

	valid, reason := sess.srv.verifier.Verify(resp.AgentID, nonce, resp.Nonce, resp.MAC, resp.TS)
	if !valid {
		metrics.AuthFailures.WithLabelValues(reason).Inc()
		// Best effort so the agent learns why before the socket closes.
		_ = sess.codec.Send(protocol.NewAuthResult(false, reason))
		return fmt.Errorf("agent %q rejected: %s", resp.AgentID, reason)
	}

	if err := sess.codec.Send(protocol.NewAuthResult(true, "")); err != nil {
		return fmt.Errorf("send auth result: %w", err)
	}
	sess.agentID = resp.AgentID
	return nil
}

// receive reads and decodes one frame, counting it.
func (sess *session) receive() (protocol.Message, error) {
	payload, err := sess.codec.ReceiveRaw()
	if err != nil {
		return nil, err
	}
	metrics.FramesTotal.WithLabelValues("in").Inc()
	metrics.FrameBytes.WithLabelValues("in").Observe(float64(len(payload)))
	return protocol.Decode(payload)
}

// handleHostInfo registers the agent on its first heartbeat and
// refreshes liveness on every later one. After an authenticated
// handshake the reported agent id must match the handshake identity.
func (sess *session) handleHostInfo(ctx context.Context, cancel context.CancelFunc, hi *protocol.HostInfo) error {
	if sess.agentID != "" && hi.AgentID != sess.agentID {
		return fmt.Errorf("host info for %q on a session authenticated as %q", hi.AgentID, sess.agentID)
	}
	if hi.AgentID == "" {
		return errors.New("host info without agent id")
	}

	metrics.HeartbeatsTotal.Inc()
	now := sess.srv.clk.Now()

	if sess.entry != nil {
		sess.srv.registry.touch(sess.entry, hi, now)
		sess.log.Debug("heartbeat", "seq", hi.Heartbeat, "hostname", hi.Hostname)
		return nil
	}

	if sess.agentID == "" {
		// Auth is disabled; the first heartbeat asserts identity.
		sess.agentID = hi.AgentID
		sess.log = sess.log.With("agent_id", sess.agentID)
	}
	sess.entry = &agentEntry{
		agentID:  sess.agentID,
		host:     hi,
		lastSeen: now,
		send:     make(chan protocol.Message, sendBufferSize),
		cancel:   cancel,
	}
	sess.srv.registry.register(sess.entry)
	go sess.writeLoop(ctx, cancel)
	return nil
}

// handleResult applies a command result to the completion store.
// Results that do not match a live record owned by this agent are
// dropped.
func (sess *session) handleResult(res *protocol.CommandResult) {
	rec, ok := sess.srv.store.Complete(sess.agentID, res)
	if !ok {
		sess.log.Warn("dropping result for unknown or foreign command", "command_id", res.CommandID)
		return
	}

	sess.log.Info("command completed",
		"command_id", res.CommandID,
		"exit_code", res.ExitCode,
		"stdout_bytes", len(res.Stdout),
		"stderr_bytes", len(res.Stderr),
	)

	evt := events.Event{
		Type:      events.EventCommandCompleted,
		AgentID:   sess.agentID,
		CommandID: res.CommandID,
		Command:   rec.Command,
		Timestamp: sess.srv.clk.Now(),
	}
	if sess.entry != nil {
		evt.Hostname = sess.srv.registry.hostname(sess.entry)
	}
	if res.ExitCode != 0 {
		evt.Type = events.EventCommandFailed
		evt.Error = strings.TrimSpace(res.Stderr)
	}
	sess.srv.bus.Publish(evt)
}

// writeLoop drains the entry's send channel onto the socket. Each frame
// gets its own write deadline. A failed write cancels the whole session;
// the agent reconnects and registers again.
func (sess *session) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sess.entry.send:
			if err := sess.conn.SetWriteDeadline(sess.srv.clk.Now().Add(writeTimeout)); err != nil {
				cancel()
				return
			}
			if err := sess.codec.Send(msg); err != nil {
				sess.log.Warn("send to agent failed", "kind", msg.Kind(), "error", err)
				cancel()
				return
			}
		}
	}
}

// logClose records why the read loop ended.
func (sess *session) logClose(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		sess.log.Info("session cancelled")
	case errors.Is(err, io.EOF):
		sess.log.Info("agent disconnected")
	case errors.Is(err, os.ErrDeadlineExceeded):
		sess.log.Warn("closing idle session")
	case errors.Is(err, protocol.ErrEmptyFrame), errors.Is(err, protocol.ErrFrameTooLarge):
		sess.log.Warn("protocol violation", "error", err)
	default:
		sess.log.Warn("session read failed", "error", err)
	}
}
