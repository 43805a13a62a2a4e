package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opswire/opswire/internal/auth"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/protocol"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// session is one live connection to the server. The heartbeat loop and
// the receive loop run concurrently; whichever fails first tears the
// session down.
type session struct {
	a      *Agent
	conn   net.Conn
	codec  *protocol.Codec
	log    *logging.Logger
	sendMu sync.Mutex
}

// run drives the session to completion. handshaken reports whether the
// server accepted this connection, which resets the retry budget.
func (s *session) run(parent context.Context) (handshaken bool, err error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.conn.Close()

	// Unblock reads when the context is cancelled.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	if s.a.cfg.TCPAuthEnabled {
		if err := s.handshake(); err != nil {
			return false, err
		}
		s.log.Info("handshake accepted")
	}

	errCh := make(chan error, 2)
	go s.heartbeatLoop(ctx, errCh)
	go s.receiveLoop(errCh)

	err = <-errCh
	cancel()
	if parent.Err() != nil {
		return true, nil
	}
	return true, err
}

// handshake answers the server's challenge. The MAC covers the agent's
// own clock reading, which the server checks against its skew window.
func (s *session) handshake() error {
	s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	msg, err := s.codec.Receive()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	ch, ok := msg.(*protocol.AuthChallenge)
	if !ok {
		return fmt.Errorf("expected auth_challenge, got %s", msg.Kind())
	}

	ts := s.a.clk.Now().Unix()
	mac := auth.ComputeMAC(s.a.cfg.TCPAuthSecret, s.a.id, ch.Nonce, ts)
	if err := s.codec.Send(protocol.NewAuthResponse(s.a.id, ch.Nonce, ts, mac)); err != nil {
		return fmt.Errorf("send auth response: %w", err)
	}

	res, err := s.codec.Receive()
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	ar, ok := res.(*protocol.AuthResult)
	if !ok {
		return fmt.Errorf("expected auth_result, got %s", res.Kind())
	}
	if !ar.OK {
		return fmt.Errorf("server rejected handshake: %s", ar.Reason)
	}
	return nil
}

// heartbeatLoop sends host info immediately, then on every interval.
// The first heartbeat is what registers the agent on the server.
func (s *session) heartbeatLoop(ctx context.Context, errCh chan<- error) {
	for {
		hi := s.a.collector.collect(s.a.id, s.a.heartbeat.Add(1))
		if err := s.send(hi); err != nil {
			errCh <- fmt.Errorf("send heartbeat: %w", err)
			return
		}
		s.log.Debug("heartbeat sent", "seq", hi.Heartbeat)

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case <-s.a.clk.After(s.a.cfg.HeartbeatInterval):
		}
	}
}

// receiveLoop dispatches server messages until the connection fails.
func (s *session) receiveLoop(errCh chan<- error) {
	for {
		msg, err := s.codec.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrUnknownType) {
				s.log.Warn("dropping undecodable frame", "error", err)
				continue
			}
			errCh <- err
			return
		}

		switch m := msg.(type) {
		case *protocol.Command:
			// Execute off the read loop so heartbeats keep flowing
			// while a command runs. The executor serializes actual
			// execution.
			go s.handleCommand(m)
		case *protocol.Broadcast:
			s.handleBroadcast(m)
		default:
			s.log.Warn("dropping unexpected message", "kind", msg.Kind())
		}
	}
}

func (s *session) handleCommand(cmd *protocol.Command) {
	s.log.Info("command received", "command_id", cmd.CommandID, "command", cmd.Command)
	res := s.a.executor.run(context.Background(), cmd)
	if err := s.send(res); err != nil {
		s.log.Warn("send result failed", "command_id", cmd.CommandID, "error", err)
	}
}

func (s *session) handleBroadcast(b *protocol.Broadcast) {
	s.log.Info("broadcast received", "bytes", len(b.Message))
	if err := appendMOTD(s.a.motdPath, b.Message, s.a.clk.Now()); err != nil {
		s.log.Warn("motd append failed", "path", s.a.motdPath, "error", err)
	}
}

// send serializes one frame. Heartbeats and command results share the
// connection, so writes are serialized here.
func (s *session) send(msg protocol.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.codec.Send(msg)
}
