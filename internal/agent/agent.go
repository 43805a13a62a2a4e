package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/config"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/policy"
	"github.com/opswire/opswire/internal/protocol"
)

// ErrRetriesExhausted means the agent failed to hold a session for the
// configured number of consecutive attempts.
var ErrRetriesExhausted = errors.New("connection retries exhausted")

// Agent is the long-running fleet process.
type Agent struct {
	cfg       *config.Agent
	id        string
	collector *hostInfoCollector
	executor  *executor
	journal   *Journal
	motdPath  string
	clk       clock.Clock
	log       *logging.Logger

	// heartbeat counts sends across the whole process lifetime, not
	// per session.
	heartbeat atomic.Uint64
}

// New builds an Agent: loads or creates the identity, opens the
// journal when configured, and wires the executor.
func New(cfg *config.Agent, clk clock.Clock, log *logging.Logger) (*Agent, error) {
	if clk == nil {
		clk = clock.Real{}
	}

	id, err := LoadOrCreateID(cfg.ClientIDFile)
	if err != nil {
		return nil, err
	}
	log = log.With("agent_id", id)

	var journal *Journal
	if cfg.JournalFile != "" {
		journal, err = OpenJournal(cfg.JournalFile)
		if err != nil {
			return nil, err
		}
		log.Info("command journal enabled", "path", cfg.JournalFile)
	}

	validator := policy.NewValidator(policy.Rules{
		ScriptDirs:       cfg.AllowedScriptDirs,
		ScriptExtensions: cfg.AllowedScriptExtensions,
	})

	motdPath := cfg.MOTDFile
	if motdPath == "" {
		motdPath = defaultMOTDPath()
	}

	return &Agent{
		cfg:       cfg,
		id:        id,
		collector: newHostInfoCollector(cfg.AppsBaseDir, log),
		executor:  newExecutor(validator, journal, clk, log),
		journal:   journal,
		motdPath:  motdPath,
		clk:       clk,
		log:       log,
	}, nil
}

// ID returns the persistent agent identity.
func (a *Agent) ID() string { return a.id }

// Close releases the agent's local resources.
func (a *Agent) Close() error {
	if a.journal != nil {
		return a.journal.Close()
	}
	return nil
}

// Run connects and reconnects until ctx is cancelled or the retry
// budget is spent. Each failed attempt backs off exponentially with
// jitter; any accepted session resets the budget.
func (a *Agent) Run(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.ServerHost, strconv.Itoa(a.cfg.ServerPort))
	a.log.Info("agent starting", "server", addr,
		"heartbeat_interval", a.cfg.HeartbeatInterval, "auth", a.cfg.TCPAuthEnabled)

	attempt := 0
	for {
		handshaken, err := a.runSession(ctx, addr)
		if ctx.Err() != nil {
			a.log.Info("agent stopping")
			return nil
		}
		if handshaken {
			attempt = 0
		}
		if err != nil {
			a.log.Warn("session ended", "error", err)
		} else {
			a.log.Warn("session ended")
		}

		attempt++
		if attempt >= a.cfg.RetryMaxAttempts {
			a.log.Error("retry budget exhausted", "attempts", attempt)
			return ErrRetriesExhausted
		}

		delay := retryDelay(a.cfg.RetryBaseDelay, a.cfg.RetryMaxDelay, attempt-1)
		a.log.Info("reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			a.log.Info("agent stopping")
			return nil
		case <-a.clk.After(delay):
		}
	}
}

func (a *Agent) runSession(ctx context.Context, addr string) (bool, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", addr, err)
	}

	sess := &session{
		a:     a,
		conn:  conn,
		codec: protocol.NewCodec(conn),
		log:   a.log.With("server", addr),
	}
	return sess.run(ctx)
}

// retryDelay computes min(maxDelay, base·2^attempt) spread by ±25%
// jitter so a restarted fleet does not reconnect in lockstep.
func retryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}
