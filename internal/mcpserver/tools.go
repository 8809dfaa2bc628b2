package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/skyforge-cloud/deployctl/internal/approval"
	"github.com/skyforge-cloud/deployctl/internal/audit"
	"github.com/skyforge-cloud/deployctl/internal/deployment"
)

func decisionFromString(s string) approval.Decision {
	if strings.EqualFold(s, "approved") {
		return approval.DecisionApproved
	}
	return approval.DecisionDenied
}

type listDeploymentsInput struct {
	Environment string `json:"environment,omitempty" jsonschema:"optional environment filter (dev, staging, prod)"`
	Status      string `json:"status,omitempty" jsonschema:"optional status filter"`
	Limit       int    `json:"limit,omitempty" jsonschema:"optional result limit, default 50"`
}

type deploymentIDInput struct {
	DeploymentID string `json:"deployment_id" jsonschema:"deployment identifier"`
}

type executeCommandInput struct {
	DeploymentID string `json:"deployment_id" jsonschema:"deployment identifier"`
	Confirm      bool   `json:"confirm,omitempty" jsonschema:"confirm a command that requires confirmation"`
}

type decideApprovalInput struct {
	RequestID string `json:"request_id" jsonschema:"approval request identifier"`
	Decision  string `json:"decision" jsonschema:"approved or denied"`
	DecidedBy string `json:"decided_by" jsonschema:"identity of the approver"`
}

type searchAuditInput struct {
	DeploymentID string `json:"deployment_id,omitempty" jsonschema:"optional deployment id filter (resource id)"`
	Action       string `json:"action,omitempty" jsonschema:"optional action filter"`
	Since        string `json:"since,omitempty" jsonschema:"optional ISO-8601 timestamp filter"`
	Limit        int    `json:"limit,omitempty" jsonschema:"optional limit (default 50)"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "deployctl_list_deployments",
		Description: "List deployments with optional environment/status filtering",
	}, s.handleListDeployments)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "deployctl_get_deployment",
		Description: "Get full state for a specific deployment, including status history and resource inventory",
	}, s.handleGetDeployment)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "deployctl_next_command",
		Description: "Preview the next queued command for a deployment without executing it",
	}, s.handleNextCommand)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "deployctl_execute_command",
		Description: "Execute the next queued command for a deployment; set confirm=true for commands that require it",
	}, s.handleExecuteCommand)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "deployctl_held_commands",
		Description: "List commands held pending human approval for a deployment",
	}, s.handleHeldCommands)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "deployctl_decide_approval",
		Description: "Approve or deny a held command",
	}, s.handleDecideApproval)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "deployctl_search_audit",
		Description: "Search the tamper-evident audit log",
	}, s.handleSearchAudit)
}

func (s *Server) handleListDeployments(ctx context.Context, _ *mcp.CallToolRequest, input listDeploymentsInput) (*mcp.CallToolResult, any, error) {
	if s.deployments == nil {
		return nil, nil, fmt.Errorf("deployment store unavailable")
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	deps, err := s.deployments.List(ctx, deployment.Filter{
		Environment: input.Environment,
		Status:      input.Status,
		Limit:       limit,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(deps)
}

func (s *Server) handleGetDeployment(ctx context.Context, _ *mcp.CallToolRequest, input deploymentIDInput) (*mcp.CallToolResult, any, error) {
	if s.deployments == nil {
		return nil, nil, fmt.Errorf("deployment store unavailable")
	}
	id := strings.TrimSpace(input.DeploymentID)
	if id == "" {
		return nil, nil, fmt.Errorf("deployment_id is required")
	}
	dep, err := s.deployments.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(dep)
}

func (s *Server) handleNextCommand(ctx context.Context, _ *mcp.CallToolRequest, input deploymentIDInput) (*mcp.CallToolResult, any, error) {
	if s.orchestrator == nil {
		return nil, nil, fmt.Errorf("orchestrator unavailable")
	}
	id := strings.TrimSpace(input.DeploymentID)
	if id == "" {
		return nil, nil, fmt.Errorf("deployment_id is required")
	}
	cmd, err := s.orchestrator.NextCommand(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(cmd)
}

func (s *Server) handleExecuteCommand(ctx context.Context, _ *mcp.CallToolRequest, input executeCommandInput) (*mcp.CallToolResult, any, error) {
	if s.orchestrator == nil {
		return nil, nil, fmt.Errorf("orchestrator unavailable")
	}
	id := strings.TrimSpace(input.DeploymentID)
	if id == "" {
		return nil, nil, fmt.Errorf("deployment_id is required")
	}
	cmd, err := s.orchestrator.ExecuteCommand(ctx, id, input.Confirm)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(cmd)
}

func (s *Server) handleHeldCommands(_ context.Context, _ *mcp.CallToolRequest, input deploymentIDInput) (*mcp.CallToolResult, any, error) {
	if s.approvals == nil {
		return jsonToolResult([]any{})
	}
	id := strings.TrimSpace(input.DeploymentID)
	if id == "" {
		return nil, nil, fmt.Errorf("deployment_id is required")
	}
	return jsonToolResult(s.approvals.PendingForDeployment(id))
}

func (s *Server) handleDecideApproval(_ context.Context, _ *mcp.CallToolRequest, input decideApprovalInput) (*mcp.CallToolResult, any, error) {
	if s.approvals == nil {
		return nil, nil, fmt.Errorf("approval queue unavailable")
	}
	requestID := strings.TrimSpace(input.RequestID)
	if requestID == "" {
		return nil, nil, fmt.Errorf("request_id is required")
	}
	decided, err := s.approvals.Decide(requestID, decisionFromString(input.Decision), input.DecidedBy)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(decided)
}

func (s *Server) handleSearchAudit(ctx context.Context, _ *mcp.CallToolRequest, input searchAuditInput) (*mcp.CallToolResult, any, error) {
	if s.auditStore == nil {
		return nil, nil, fmt.Errorf("audit store unavailable")
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	filter := audit.Filter{
		ResourceID: input.DeploymentID,
		Action:     input.Action,
		Limit:      limit,
	}
	if input.Since != "" {
		if t, err := time.Parse(time.RFC3339, input.Since); err == nil {
			filter.Since = t
		}
	}
	entries, err := s.auditStore.Find(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(entries)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil, nil
}
