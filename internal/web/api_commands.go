package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/opswire/opswire/internal/events"
	"github.com/opswire/opswire/internal/protocol"
	"github.com/opswire/opswire/internal/server"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// apiSendCommand validates a command and dispatches it to one agent.
// Rejections are recorded so they show up in the agent's history.
func (s *Server) apiSendCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		Command  string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id required")
		return
	}

	commandID := uuid.NewString()

	verdict := s.deps.Policy.Validate(req.Command)
	if !verdict.OK {
		s.deps.Store.Reject(commandID, req.ClientID, req.Command, verdict.Reason)
		s.deps.Log.Warn("command rejected",
			"agent_id", req.ClientID, "command_id", commandID, "reason", verdict.Reason)
		s.publish(events.Event{
			Type:      events.EventCommandRejected,
			AgentID:   req.ClientID,
			CommandID: commandID,
			Command:   req.Command,
			Reason:    verdict.Reason,
		})
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": verdict.Reason})
		return
	}

	s.deps.Store.Insert(commandID, req.ClientID, verdict.Sanitized)

	err := s.deps.Agents.Send(req.ClientID, protocol.NewCommand(commandID, verdict.Sanitized))
	switch {
	case errors.Is(err, server.ErrAgentNotFound):
		s.deps.Store.Delete(commandID)
		writeError(w, http.StatusNotFound, "unknown client: "+req.ClientID)
		return
	case errors.Is(err, server.ErrBackpressure):
		// The record stays pending; the TTL sweep collects it if the
		// agent never drains its queue.
		writeError(w, http.StatusServiceUnavailable, "client send queue full")
		return
	case err != nil:
		s.deps.Store.Delete(commandID)
		s.deps.Log.Error("command dispatch failed", "agent_id", req.ClientID, "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	s.deps.Store.MarkRunning(commandID)
	s.deps.Log.Info("command dispatched",
		"agent_id", req.ClientID, "command_id", commandID, "command", verdict.Sanitized)
	writeJSON(w, http.StatusOK, map[string]string{"command_id": commandID})
}

// apiCommandResult returns the record for one command in any state.
func (s *Server) apiCommandResult(w http.ResponseWriter, r *http.Request) {
	commandID := r.URL.Query().Get("command_id")
	if commandID == "" {
		writeError(w, http.StatusBadRequest, "command_id required")
		return
	}
	rec, ok := s.deps.Store.Get(commandID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown command_id")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// apiClientHistory returns recent command records for one agent,
// newest first.
func (s *Server) apiClientHistory(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id required")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records := s.deps.Store.History(clientID, limit)
	if records == nil {
		records = []server.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": records})
}

// apiSendMessage broadcasts a text message to every connected agent.
func (s *Server) apiSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}

	sent, failed := s.deps.Agents.Broadcast(protocol.NewBroadcast(req.Message))
	s.deps.Log.Info("broadcast dispatched", "sent", sent, "failed", failed)
	s.publish(events.Event{Type: events.EventBroadcastSent, Sent: sent, Failed: failed})
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent, "failed": failed})
}
