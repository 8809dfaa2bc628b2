// Package aiclient is the engine's client for the AI code-generation
// service that drives the Orchestrator (C9) and the Command Queue's
// failure-resolution flow (C6). Responses are decoded through a typed,
// minimal-schema shape: unknown fields are dropped, never passed through.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/skyforge-cloud/deployctl/internal/commandqueue"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

// Action identifies which shape of response the server returns.
type Action string

const (
	ActionGenerate      Action = "generate"
	ActionRegenerate    Action = "regenerate"
	ActionAnalyzeErrors Action = "analyze-errors"
	ActionAutoVerify    Action = "auto-verify"
	ActionChat          Action = "chat"
)

const requestTimeout = 60 * time.Second

// Request is the wire request shared by all actions; fields not relevant
// to a given action are simply left zero.
type Request struct {
	DeploymentID   string         `json:"deploymentId"`
	StageID        string         `json:"stageId"`
	ProjectContext map[string]any `json:"projectContext,omitempty"`
	History        []HistoryTurn  `json:"history,omitempty"`
	Action         Action         `json:"action"`
	FailedCommands []string       `json:"failedCommands,omitempty"`
}

// HistoryTurn is one prior exchange fed back as context.
type HistoryTurn struct {
	Stage   string `json:"stage"`
	Summary string `json:"summary"`
}

// ProposedCommand is one command the AI wants enqueued.
type ProposedCommand struct {
	Command         string `json:"command"`
	Type            string `json:"type"`
	Reason          string `json:"reason,omitempty"`
	IsFixCommand    bool   `json:"isFixCommand,omitempty"`
	IsRetryCommand  bool   `json:"isRetryCommand,omitempty"`
}

// FileProposal is one working-tree file the AI wants written, pending
// operator approval.
type FileProposal struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// GenerateResponse is the generate/regenerate action's response shape.
type GenerateResponse struct {
	Instructions  string            `json:"instructions"`
	Commands      []ProposedCommand `json:"commands"`
	FileProposals []FileProposal    `json:"fileProposals,omitempty"`
}

// AnalyzeErrorsResponse is the analyze-errors action's response shape.
type AnalyzeErrorsResponse struct {
	Analysis      string   `json:"analysis"`
	FixCommands   []string `json:"fixCommands"`
	RetryCommands []string `json:"retryCommands"`
}

// AutoVerifyResponse is the auto-verify action's response shape.
type AutoVerifyResponse struct {
	Passed        bool     `json:"passed"`
	Analysis      string   `json:"analysis"`
	ShouldAdvance bool     `json:"shouldAdvance,omitempty"`
	FixCommands   []string `json:"fixCommands,omitempty"`
	RetryCommands []string `json:"retryCommands,omitempty"`
}

// ChatResponse is the chat action's response shape.
type ChatResponse struct {
	Message      string            `json:"message"`
	Instructions string            `json:"instructions,omitempty"`
	Commands     []ProposedCommand `json:"commands,omitempty"`
}

// Client calls the AI service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client targeting baseURL, authenticating with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

func (c *Client) do(ctx context.Context, req Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "marshal AI request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "build AI request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return engineerr.Wrap(engineerr.AIUnavailable, "call AI service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return engineerr.New(engineerr.AIUnavailable, fmt.Sprintf("AI service returned status %d", resp.StatusCode))
	}

	// Decode into a generic map first, re-marshal it, then decode into the
	// typed shape: fields the target struct does not declare are dropped by
	// that final decode and never propagate.
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return engineerr.Wrap(engineerr.AIUnavailable, "decode AI response", err)
	}
	scrubbed, err := json.Marshal(raw)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "re-marshal AI response", err)
	}
	if err := json.Unmarshal(scrubbed, out); err != nil {
		return engineerr.Wrap(engineerr.AIUnavailable, "parse AI response shape", err)
	}
	return nil
}

// Generate requests a new or regenerated stage plan.
func (c *Client) Generate(ctx context.Context, req Request) (GenerateResponse, error) {
	if req.Action == "" {
		req.Action = ActionGenerate
	}
	var out GenerateResponse
	if err := c.do(ctx, req, &out); err != nil {
		return GenerateResponse{}, err
	}
	return out, nil
}

// AutoVerify asks the AI to judge whether a stage's commands succeeded
// well enough to advance.
func (c *Client) AutoVerify(ctx context.Context, req Request) (AutoVerifyResponse, error) {
	req.Action = ActionAutoVerify
	var out AutoVerifyResponse
	if err := c.do(ctx, req, &out); err != nil {
		return AutoVerifyResponse{}, err
	}
	return out, nil
}

// Chat handles a free-form conversational turn about a deployment.
func (c *Client) Chat(ctx context.Context, req Request) (ChatResponse, error) {
	req.Action = ActionChat
	var out ChatResponse
	if err := c.do(ctx, req, &out); err != nil {
		return ChatResponse{}, err
	}
	return out, nil
}

// ResolveError implements commandqueue.Resolver: it asks the AI to analyze
// a blocking command failure and returns fix/retry commands.
func (c *Client) ResolveError(ctx context.Context, deploymentID string, blocking commandqueue.BlockingError) (commandqueue.AIResolution, error) {
	req := Request{
		DeploymentID:   deploymentID,
		Action:         ActionAnalyzeErrors,
		FailedCommands: []string{blocking.Command},
	}
	var out AnalyzeErrorsResponse
	if err := c.do(ctx, req, &out); err != nil {
		return commandqueue.AIResolution{}, err
	}
	return commandqueue.AIResolution{
		Analysis:      out.Analysis,
		FixCommands:   out.FixCommands,
		RetryCommands: out.RetryCommands,
	}, nil
}
