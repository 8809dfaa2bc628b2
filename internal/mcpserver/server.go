// Package mcpserver exposes the deployment engine's core operations as MCP
// tools, so an AI assistant can drive a deployment the same way cmd/deployctl
// does: list/inspect deployments, execute the next queued command, decide a
// held approval. It is a read/act surface over internal/orchestrator and
// internal/deployment, not a second copy of their logic.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/skyforge-cloud/deployctl/internal/approval"
	"github.com/skyforge-cloud/deployctl/internal/audit"
	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/orchestrator"
)

// Version is injected from the server's build metadata.
var Version = "dev"

// Server exposes deployment-engine capabilities as MCP tools over SSE.
type Server struct {
	server       *mcp.Server
	handler      http.Handler
	deployments  deployment.Repository
	orchestrator *orchestrator.Orchestrator
	auditStore   *audit.Store
	approvals    *approval.Queue
	logger       *zap.Logger
}

// New wires the MCP tool surface. auditStore and approvals may be nil:
// search_audit and decide_approval then report "unavailable" and
// held_commands returns an empty list, rather than panicking.
func New(deployments deployment.Repository, orch *orchestrator.Orchestrator, auditStore *audit.Store, approvals *approval.Queue, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "deployctl",
		Version: implVersion,
	}, nil)

	s := &Server{
		server:       srv,
		deployments:  deployments,
		orchestrator: orch,
		auditStore:   auditStore,
		approvals:    approvals,
		logger:       logger.Named("mcp"),
	}
	s.registerTools()
	s.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)
	return s
}

// Handler returns the HTTP SSE transport handler, mounted at /mcp.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
