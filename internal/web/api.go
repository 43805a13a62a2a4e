package web

import (
	"encoding/json"
	"net/http"

	"github.com/opswire/opswire/internal/protocol"
)

// maxClientsListed caps the /api/clients payload. Fleets larger than
// this are truncated rather than serialized wholesale.
const maxClientsListed = 100

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// apiHealth reports liveness, the connected agent count, and uptime.
func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"clients_count":  s.deps.Agents.Count(),
		"uptime_seconds": int64(s.deps.Clk.Now().Sub(s.started).Seconds()),
	})
}

// apiClients returns the connected agents keyed by agent id.
func (s *Server) apiClients(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Agents.Snapshot()
	if len(snapshot) > maxClientsListed {
		s.deps.Log.Warn("client list truncated", "total", len(snapshot), "limit", maxClientsListed)
		truncated := make(map[string]*protocol.HostInfo, maxClientsListed)
		for id, hi := range snapshot {
			truncated[id] = hi
			if len(truncated) == maxClientsListed {
				break
			}
		}
		snapshot = truncated
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": snapshot})
}

// apiPredefinedCommands returns the command catalog for the UI.
func (s *Server) apiPredefinedCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": s.deps.Catalog})
}
