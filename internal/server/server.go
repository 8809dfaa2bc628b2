// Package server wires the deployment engine's HTTP surface (JSON routes
// and server-sent event streams). It
// is deliberately thin: a transport around internal/orchestrator,
// internal/deployment, and internal/dispatcher, exercised by cmd/deployctl
// and streaming subscribers. None of its logic feeds back into C1-C10.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/skyforge-cloud/deployctl/internal/approval"
	"github.com/skyforge-cloud/deployctl/internal/auth"
	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/dispatcher"
	"github.com/skyforge-cloud/deployctl/internal/mcpserver"
	"github.com/skyforge-cloud/deployctl/internal/notification"
	"github.com/skyforge-cloud/deployctl/internal/orchestrator"
	"github.com/skyforge-cloud/deployctl/internal/shared/ratelimit"
	"github.com/skyforge-cloud/deployctl/internal/streamhub"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled deployment-engine HTTP surface.
type Server struct {
	logger *zap.Logger

	deployments  deployment.Repository
	orchestrator *orchestrator.Orchestrator
	dispatcher   *dispatcher.Dispatcher
	jobHandler   *dispatcher.Handler
	hub          *streamhub.Hub
	notifier     *notification.Router
	limiter      *ratelimit.Limiter
	approvals    *approval.Queue
	mcp          *mcpserver.Server

	authMiddleware *auth.AuthMiddleware

	httpServer *http.Server
}

// Deps collects the constructed services the composition root wires in.
// There are no package-level singletons: every field here is constructed
// once in cmd/deploy-engine/main.go and passed down.
type Deps struct {
	Logger       *zap.Logger
	Deployments  deployment.Repository
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *dispatcher.Dispatcher
	JobStore     *dispatcher.Store
	Hub          *streamhub.Hub
	Notifier     *notification.Router
	AuthStore    *auth.KeyStore
	Limiter      *ratelimit.Limiter
	Approvals    *approval.Queue
	MCP          *mcpserver.Server
}

// New builds a fully-wired Server from its dependencies.
func New(deps Deps) *Server {
	s := &Server{
		logger:       deps.Logger,
		deployments:  deps.Deployments,
		orchestrator: deps.Orchestrator,
		dispatcher:   deps.Dispatcher,
		hub:          deps.Hub,
		notifier:     deps.Notifier,
		limiter:      deps.Limiter,
		approvals:    deps.Approvals,
		mcp:          deps.MCP,
	}
	if deps.JobStore != nil && deps.Dispatcher != nil {
		s.jobHandler = dispatcher.NewHandler(deps.JobStore, deps.Dispatcher)
	}
	if deps.AuthStore != nil {
		s.authMiddleware = auth.NewMiddleware(deps.AuthStore, []string{"/healthz", "/version"})
	}
	return s
}

// Handler builds the routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := s.routes()
	var h http.Handler = mux
	h = maxBodySizeMiddleware(h)
	if s.authMiddleware != nil {
		h = s.authMiddleware.Wrap(h)
	}
	return h
}

// ListenAndServe starts the HTTP server on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
