// Package web implements the operator-facing HTTP control plane: a
// small JSON API, the embedded dashboard, and the Prometheus endpoint.
package web

import (
	"context"
	"embed"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opswire/opswire/internal/auth"
	"github.com/opswire/opswire/internal/catalog"
	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/events"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/metrics"
	"github.com/opswire/opswire/internal/policy"
	"github.com/opswire/opswire/internal/protocol"
	"github.com/opswire/opswire/internal/server"
)

//go:embed static/*
var staticFS embed.FS

// Dependencies defines what the HTTP control plane needs from the rest
// of the application.
type Dependencies struct {
	Agents  AgentDirectory
	Store   CommandStore
	Policy  CommandValidator
	Catalog []catalog.Category
	Bus     *events.Bus
	Clk     clock.Clock
	Log     *logging.Logger
}

// AgentDirectory is the view of the TCP registry the API works with.
type AgentDirectory interface {
	Snapshot() map[string]*protocol.HostInfo
	Count() int
	Send(agentID string, msg protocol.Message) error
	Broadcast(msg protocol.Message) (sent, failed int)
}

// CommandStore records the dispatch lifecycle of operator commands.
type CommandStore interface {
	Insert(commandID, agentID, command string)
	Reject(commandID, agentID, command, reason string)
	MarkRunning(commandID string)
	Delete(commandID string)
	Get(commandID string) (server.CommandRecord, bool)
	History(agentID string, limit int) []server.CommandRecord
}

// CommandValidator decides whether a command may be dispatched.
type CommandValidator interface {
	Validate(command string) policy.Verdict
}

// Server is the operator HTTP server.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	guard   *auth.TokenGuard
	server  *http.Server
	started time.Time
}

// NewServer creates a Server with all routes registered. An empty token
// leaves the API open.
func NewServer(deps Dependencies, token string) *Server {
	if deps.Clk == nil {
		deps.Clk = clock.Real{}
	}
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		guard:   auth.NewTokenGuard(token),
		started: deps.Clk.Now(),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address and blocks
// until Shutdown or a listener error.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if !s.guard.Enabled() {
		s.deps.Log.Warn("api auth disabled, operator endpoints are open")
	}
	s.deps.Log.Info("http control plane listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	// api wraps operator endpoints with the bearer guard; every route
	// is counted under its pattern so metric cardinality stays bounded.
	api := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, instrumented(routePath(pattern), s.requireAuth(h)))
	}
	public := func(pattern string, h http.Handler) {
		s.mux.Handle(pattern, instrumented(routePath(pattern), h))
	}

	public("GET /{$}", http.HandlerFunc(s.handleIndex))
	public("GET /static/", http.HandlerFunc(s.serveStaticFile))
	public("GET /health", http.HandlerFunc(s.apiHealth))
	public("GET /metrics", promhttp.Handler())

	api("GET /api/clients", s.apiClients)
	api("GET /api/predefined-commands", s.apiPredefinedCommands)
	api("POST /api/send-message", s.apiSendMessage)
	api("POST /api/send-command", s.apiSendCommand)
	api("GET /api/command-result", s.apiCommandResult)
	api("GET /api/client-history", s.apiClientHistory)
}

// requireAuth rejects API requests without the configured bearer token.
// With no token configured every request passes.
func (s *Server) requireAuth(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.guard.Enabled() {
			presented := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if !s.guard.Allow(presented) {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		h(w, r)
	})
}

// routePath strips the method from a Go 1.22 route pattern.
func routePath(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

func instrumented(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// publish stamps and publishes an event; a nil bus drops it.
func (s *Server) publish(evt events.Event) {
	if s.deps.Bus == nil {
		return
	}
	evt.Timestamp = s.deps.Clk.Now()
	s.deps.Bus.Publish(evt)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) serveStaticFile(w http.ResponseWriter, r *http.Request) {
	path := "static" + strings.TrimPrefix(r.URL.Path, "/static")
	data, err := staticFS.ReadFile(path)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch filepath.Ext(path) {
	case ".css":
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
	case ".js":
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	case ".svg":
		w.Header().Set("Content-Type", "image/svg+xml")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(data)
}
