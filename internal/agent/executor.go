package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/policy"
	"github.com/opswire/opswire/internal/protocol"
)

// commandTimeout is the wall-clock limit for one command.
const commandTimeout = 30 * time.Second

// maxCapturedOutput bounds each captured stream so a result always fits
// in a protocol frame.
const maxCapturedOutput = 64 * 1024

// executor runs operator commands one at a time. Concurrent requests
// queue on the mutex in arrival order.
type executor struct {
	mu        sync.Mutex
	validator *policy.Validator
	journal   *Journal // nil disables local journalling
	clk       clock.Clock
	log       *logging.Logger
	timeout   time.Duration
}

func newExecutor(validator *policy.Validator, journal *Journal, clk clock.Clock, log *logging.Logger) *executor {
	return &executor{
		validator: validator,
		journal:   journal,
		clk:       clk,
		log:       log.With("component", "executor"),
		timeout:   commandTimeout,
	}
}

// run validates and executes one command, returning the result to
// report. The command is re-validated here even though the server
// already admitted it: the agent does not trust the wire.
func (e *executor) run(ctx context.Context, cmd *protocol.Command) *protocol.CommandResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.clk.Now()

	verdict := e.validator.Validate(cmd.Command)
	if !verdict.OK {
		e.log.Warn("refusing command", "command_id", cmd.CommandID, "reason", verdict.Reason)
		finished := e.clk.Now()
		e.record(cmd, protocol.ExitRejected, start, finished, verdict.Reason)
		return protocol.NewCommandResult(cmd.CommandID, protocol.ExitRejected,
			"", "command rejected: "+verdict.Reason, finished)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	proc := exec.CommandContext(runCtx, "/bin/sh", "-c", verdict.Sanitized)
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	finished := e.clk.Now()

	var exitCode int
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		exitCode = protocol.ExitTimeout
		fmt.Fprintf(&stderr, "\ncommand timed out after %s and was killed", e.timeout)
		e.log.Warn("command timed out", "command_id", cmd.CommandID, "timeout", e.timeout)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
			fmt.Fprintf(&stderr, "failed to start: %v", err)
		}
	}

	e.log.Info("command finished",
		"command_id", cmd.CommandID, "exit_code", exitCode,
		"duration", finished.Sub(start), "stdout_bytes", stdout.Len(), "stderr_bytes", stderr.Len())
	e.record(cmd, exitCode, start, finished, "")

	return protocol.NewCommandResult(cmd.CommandID, exitCode,
		capOutput(stdout.Bytes()), capOutput(stderr.Bytes()), finished)
}

// record writes the execution to the local journal when enabled.
func (e *executor) record(cmd *protocol.Command, exitCode int, start, finished time.Time, reason string) {
	if e.journal == nil {
		return
	}
	err := e.journal.Append(JournalEntry{
		CommandID:  cmd.CommandID,
		Command:    cmd.Command,
		ExitCode:   exitCode,
		DurationMS: finished.Sub(start).Milliseconds(),
		Rejected:   reason != "",
		Reason:     reason,
		FinishedAt: finished.UTC(),
	})
	if err != nil {
		e.log.Warn("journal write failed", "command_id", cmd.CommandID, "error", err)
	}
}

func capOutput(b []byte) string {
	if len(b) <= maxCapturedOutput {
		return string(b)
	}
	return string(b[:maxCapturedOutput]) + "\n... [output truncated]"
}
