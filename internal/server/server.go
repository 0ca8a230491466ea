// Package server exposes the runtime core over HTTP: the /chat/stream SSE
// endpoint and the /agent/sandboxes lifecycle endpoints, behind bearer JWT
// authentication.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/agentrt/internal/auth"
	"github.com/kadirpekel/agentrt/internal/config"
	"github.com/kadirpekel/agentrt/internal/credit"
	"github.com/kadirpekel/agentrt/internal/graph"
	"github.com/kadirpekel/agentrt/internal/observability"
	"github.com/kadirpekel/agentrt/internal/sandbox"
)

// Streamer is the graph-execution seam the chat handler drives. The
// production implementation is graph.Executor.
type Streamer interface {
	Stream(ctx context.Context, in graph.Input, cfg graph.Config) (<-chan graph.StreamEvent, error)
}

// CreditChecker gates expensive work on the caller's balance. The
// production implementation is credit.Ledger; nil disables the gate.
type CreditChecker interface {
	Balance(ctx context.Context, accountID string) (credit.Balance, error)
}

// ToolFactory builds a per-session tool runner once the session's sandbox
// MCP endpoint is registered. The production implementation is
// mcp.Factory; nil means streams run without tools.
type ToolFactory interface {
	ForSession(ctx context.Context, userID, sessionID, userAPIKey string, custom []graph.CustomMCPServer) (graph.ToolRunner, error)
}

// Server wires the runtime core's components behind the HTTP surface. It
// holds no request state; everything per-request flows through contexts.
type Server struct {
	executor  Streamer
	sandboxes *sandbox.Controller
	credits   CreditChecker
	tools     ToolFactory
	validator auth.Validator
	cfg       *config.Config
	metrics   *observability.Manager
}

// New builds a Server. credits may be nil to skip the balance gate; tools
// may be nil to run streams without a tool runner; metrics may be nil to
// disable instrumentation.
func New(executor Streamer, sandboxes *sandbox.Controller, credits CreditChecker, tools ToolFactory, validator auth.Validator, cfg *config.Config, metrics *observability.Manager) *Server {
	return &Server{
		executor:  executor,
		sandboxes: sandboxes,
		credits:   credits,
		tools:     tools,
		validator: validator,
		cfg:       cfg,
		metrics:   metrics,
	}
}

// Router assembles the route tree. Health and metrics are unauthenticated;
// everything else requires a valid bearer token.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.validator))

		r.Post("/chat/stream", s.handleChatStream)

		r.Route("/agent/sandboxes", func(r chi.Router) {
			r.Post("/create", s.handleSandboxCreate)
			r.Post("/connect", s.handleSandboxConnect)
			r.Post("/run-cmd", s.handleSandboxRunCmd)
			r.Post("/write-file", s.handleSandboxWriteFile)
			r.Post("/read-file", s.handleSandboxReadFile)
			r.Delete("/{id}", s.handleSandboxDelete)
		})
	})

	return r
}
