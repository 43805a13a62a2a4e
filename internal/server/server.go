package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opswire/opswire/internal/auth"
	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/config"
	"github.com/opswire/opswire/internal/events"
	"github.com/opswire/opswire/internal/logging"
)

const (
	// handshakeTimeout bounds the whole challenge/response exchange,
	// measured from accept.
	handshakeTimeout = 10 * time.Second

	// writeTimeout applies to each outbound frame individually.
	writeTimeout = 10 * time.Second

	// drainTimeout bounds how long Stop waits for sessions to finish.
	drainTimeout = 5 * time.Second
)

// Server accepts agent connections and runs one session per connection.
// Concurrent sessions are bounded by a semaphore sized from the
// configured connection limit.
type Server struct {
	cfg      *config.Server
	registry *Registry
	store    *CompletionStore
	verifier *auth.Verifier // nil when TCP auth is disabled
	bus      *events.Bus
	clk      clock.Clock
	log      *logging.Logger

	idleTimeout time.Duration

	ln     net.Listener
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup
}

// New wires a TCP server over the given registry and completion store.
// A nil clock falls back to wall time.
func New(cfg *config.Server, reg *Registry, store *CompletionStore, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Server {
	if clk == nil {
		clk = clock.Real{}
	}
	var verifier *auth.Verifier
	if cfg.TCPAuthEnabled {
		verifier = auth.NewVerifier(cfg.TCPAuthSecret, clk)
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	return &Server{
		cfg:         cfg,
		registry:    reg,
		store:       store,
		verifier:    verifier,
		bus:         bus,
		clk:         clk,
		log:         log.With("component", "tcp"),
		idleTimeout: 2 * cfg.ClientTimeout,
		sem:         make(chan struct{}, maxConns),
	}
}

// Start binds the listener and begins accepting connections in the
// background. Cancelling ctx or calling Stop shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	addr := net.JoinHostPort(s.cfg.TCPBindAddr, strconv.Itoa(s.cfg.TCPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln

	if s.verifier == nil {
		s.log.Warn("tcp auth disabled, agent identity is unverified")
	}
	s.log.Info("tcp control plane listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listener address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Stop cancels every session, closes the listener and waits up to
// drainTimeout for the handlers to finish.
func (s *Server) Stop() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("all sessions drained")
	case <-s.clk.After(drainTimeout):
		s.log.Warn("shutdown drain timed out")
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("accept failed", "error", err)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("connection limit reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(ctx, conn)
		}()
	}
}
