package server

import (
	"sync"
	"time"

	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/metrics"
	"github.com/opswire/opswire/internal/protocol"
)

// Command record states. A record is created pending, moves to running
// once the command is on the agent's queue, and ends completed or
// rejected. Rejected records never pass through pending.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateRejected  = "rejected"
)

// CommandRecord is the lifecycle record of one submitted command.
// Exit code, output and finish time are only present once the record
// reaches a terminal state.
type CommandRecord struct {
	CommandID   string     `json:"command_id"`
	AgentID     string     `json:"agent_id"`
	Command     string     `json:"command"`
	State       string     `json:"state"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// CompletionStore holds command records for result polling and per-agent
// history. Records are bounded two ways: a per-agent history cap evicts
// the oldest records, and the TTL sweep removes everything older than
// the retention window.
type CompletionStore struct {
	mu      sync.RWMutex
	records map[string]*CommandRecord
	byAgent map[string][]string // command ids, newest last
	limit   int
	ttl     time.Duration
	clk     clock.Clock
	log     *logging.Logger
}

// NewCompletionStore creates a store keeping at most limit records per
// agent and retaining records for ttl. A nil clock falls back to wall
// time.
func NewCompletionStore(limit int, ttl time.Duration, clk clock.Clock, log *logging.Logger) *CompletionStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &CompletionStore{
		records: make(map[string]*CommandRecord),
		byAgent: make(map[string][]string),
		limit:   limit,
		ttl:     ttl,
		clk:     clk,
		log:     log,
	}
}

// Insert records a freshly accepted command as pending.
func (s *CompletionStore) Insert(commandID, agentID, command string) {
	rec := &CommandRecord{
		CommandID:   commandID,
		AgentID:     agentID,
		Command:     command,
		State:       StatePending,
		SubmittedAt: s.clk.Now(),
	}

	s.mu.Lock()
	s.records[commandID] = rec
	s.appendToHistory(agentID, commandID)
	s.mu.Unlock()
}

// Reject records a command the validator refused. Rejected commands
// never reach an agent but stay visible in history so operators can see
// what was attempted.
func (s *CompletionStore) Reject(commandID, agentID, command, reason string) {
	now := s.clk.Now()
	rec := &CommandRecord{
		CommandID:   commandID,
		AgentID:     agentID,
		Command:     command,
		State:       StateRejected,
		SubmittedAt: now,
		FinishedAt:  &now,
		Error:       reason,
	}

	s.mu.Lock()
	s.records[commandID] = rec
	s.appendToHistory(agentID, commandID)
	s.mu.Unlock()

	metrics.CommandsTotal.WithLabelValues("rejected").Inc()
}

// MarkRunning moves a pending record to running after the command has
// been enqueued to its agent.
func (s *CompletionStore) MarkRunning(commandID string) {
	s.mu.Lock()
	if rec, ok := s.records[commandID]; ok && rec.State == StatePending {
		rec.State = StateRunning
	}
	s.mu.Unlock()

	metrics.CommandsTotal.WithLabelValues("dispatched").Inc()
}

// Delete removes a record entirely. Used when dispatch finds the agent
// gone and the accepted command is rolled back.
func (s *CompletionStore) Delete(commandID string) {
	s.mu.Lock()
	if rec, ok := s.records[commandID]; ok {
		delete(s.records, commandID)
		s.dropFromHistory(rec.AgentID, commandID)
	}
	s.mu.Unlock()
}

// Complete applies a command result to its record. The result is
// accepted only when a non-terminal record with that command id exists
// and the record's agent id matches the sender; anything else returns
// false and leaves the store untouched.
func (s *CompletionStore) Complete(agentID string, res *protocol.CommandResult) (CommandRecord, bool) {
	s.mu.Lock()
	rec, ok := s.records[res.CommandID]
	if !ok || rec.AgentID != agentID || (rec.State != StatePending && rec.State != StateRunning) {
		s.mu.Unlock()
		return CommandRecord{}, false
	}

	exit := res.ExitCode
	finished := res.FinishedAt
	rec.State = StateCompleted
	rec.ExitCode = &exit
	rec.Stdout = res.Stdout
	rec.Stderr = res.Stderr
	rec.FinishedAt = &finished
	out := *rec
	duration := s.clk.Now().Sub(rec.SubmittedAt)
	s.mu.Unlock()

	outcome := "completed"
	switch {
	case res.ExitCode == protocol.ExitTimeout:
		outcome = "timeout"
	case res.ExitCode != 0:
		outcome = "failed"
	}
	metrics.CommandsTotal.WithLabelValues(outcome).Inc()
	metrics.CommandDuration.Observe(duration.Seconds())
	return out, true
}

// Get returns a copy of the record for the given command id.
func (s *CompletionStore) Get(commandID string) (CommandRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[commandID]
	if !ok {
		return CommandRecord{}, false
	}
	return *rec, true
}

// History returns up to limit records for the agent, newest first.
func (s *CompletionStore) History(agentID string, limit int) []CommandRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAgent[agentID]
	if limit > 0 && limit < len(ids) {
		ids = ids[len(ids)-limit:]
	}

	out := make([]CommandRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if rec, ok := s.records[ids[i]]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Sweep removes terminal records older than the TTL and unfinished
// records whose agent never reported back within the TTL. Returns the
// number of records removed.
func (s *CompletionStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dead []string
	for id, rec := range s.records {
		switch rec.State {
		case StateCompleted, StateRejected:
			if rec.FinishedAt != nil && now.Sub(*rec.FinishedAt) > s.ttl {
				dead = append(dead, id)
			}
		default:
			// The agent died mid-command or was never reached.
			if now.Sub(rec.SubmittedAt) > s.ttl {
				dead = append(dead, id)
			}
		}
	}

	for _, id := range dead {
		rec := s.records[id]
		delete(s.records, id)
		s.dropFromHistory(rec.AgentID, id)
	}
	return len(dead)
}

// appendToHistory adds the command id to the agent's history, evicting
// the oldest record once the per-agent cap is exceeded. Callers must
// hold the write lock.
func (s *CompletionStore) appendToHistory(agentID, commandID string) {
	ids := append(s.byAgent[agentID], commandID)
	for s.limit > 0 && len(ids) > s.limit {
		oldest := ids[0]
		ids = ids[1:]
		delete(s.records, oldest)
	}
	s.byAgent[agentID] = ids
}

// dropFromHistory removes one command id from the agent's history slice.
// Callers must hold the write lock.
func (s *CompletionStore) dropFromHistory(agentID, commandID string) {
	ids := s.byAgent[agentID]
	for i, id := range ids {
		if id == commandID {
			s.byAgent[agentID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byAgent[agentID]) == 0 {
		delete(s.byAgent, agentID)
	}
}
