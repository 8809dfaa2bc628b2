package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type APIClient struct {
	server string
	apiKey string
	http   *http.Client
}

type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Deployment mirrors the server's wire shape; the CLI only needs a subset
// of internal/deployment.Deployment's fields for display.
type Deployment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Environment string    `json:"environment"`
	Region      string    `json:"region"`
	Status      string    `json:"status"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// unauthenticatedError marks a 401/403 response so the caller can map it to
// exit code 3 rather than the generic operation-failure code 1.
type unauthenticatedError struct{ msg string }

func (e *unauthenticatedError) Error() string { return e.msg }

func NewAPIClient(server, apiKey string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}
	return &APIClient{
		server: server,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *APIClient) Whoami(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/whoami", nil, &out)
	return out, err
}

func (c *APIClient) ListDeployments(ctx context.Context, environment, status string) ([]Deployment, error) {
	path := "/api/v1/deployments"
	q := make([]string, 0, 2)
	if environment != "" {
		q = append(q, "environment="+environment)
	}
	if status != "" {
		q = append(q, "status="+status)
	}
	if len(q) > 0 {
		path += "?" + strings.Join(q, "&")
	}
	var out []Deployment
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *APIClient) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var out Deployment
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/deployments/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type CreateDeploymentPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Environment string `json:"environment"`
	Region      string `json:"region,omitempty"`
	RepoURL     string `json:"repoUrl,omitempty"`
	RepoBranch  string `json:"repoBranch,omitempty"`
}

func (c *APIClient) CreateDeployment(ctx context.Context, payload CreateDeploymentPayload) (*Deployment, error) {
	var out Deployment
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/deployments", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Approve(ctx context.Context, id, reason string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/deployments/"+id+"/approve", map[string]string{"reason": reason}, nil)
}

func (c *APIClient) Cancel(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/deployments/"+id+"/cancel", nil, nil)
}

func (c *APIClient) Rollback(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/deployments/"+id+"/rollback", nil, &out)
	return out, err
}

type EC2Instance struct {
	DeploymentID string `json:"deploymentId"`
	Identifier   string `json:"identifier"`
	Name         string `json:"name"`
}

func (c *APIClient) EC2List(ctx context.Context) ([]EC2Instance, error) {
	var out []EC2Instance
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/ec2/instances", nil, &out)
	return out, err
}

func (c *APIClient) EC2Describe(ctx context.Context, id string) (*EC2Instance, error) {
	var out EC2Instance
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ec2/instances/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) EC2Control(ctx context.Context, id, verb string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/ec2/instances/"+id+"/"+verb, nil, nil)
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		msg := strings.TrimSpace(string(resBody))
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &unauthenticatedError{msg: fmt.Sprintf("not authenticated: %s", msg)}
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, msg)
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
