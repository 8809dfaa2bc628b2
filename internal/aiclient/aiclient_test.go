package aiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/skyforge-cloud/deployctl/internal/commandqueue"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

func TestGenerate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"instructions": "run terraform init",
			"commands": []map[string]any{
				{"command": "terraform init", "type": "iac"},
			},
			"unknownField": "should be dropped",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	resp, err := c.Generate(context.Background(), Request{DeploymentID: "dep-1", StageID: "ANALYZE"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Instructions != "run terraform init" {
		t.Errorf("Instructions = %q", resp.Instructions)
	}
	if len(resp.Commands) != 1 || resp.Commands[0].Command != "terraform init" {
		t.Errorf("Commands = %+v", resp.Commands)
	}
}

func TestGenerate_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.Generate(context.Background(), Request{}); !engineerr.Is(err, engineerr.AIUnavailable) {
		t.Errorf("expected AIUnavailable, got %v", err)
	}
}

func TestResolveError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		if req.Action != ActionAnalyzeErrors {
			t.Errorf("Action = %q, want analyze-errors", req.Action)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"analysis":      "missing credentials",
			"fixCommands":   []string{"export AWS_PROFILE=default"},
			"retryCommands": []string{"terraform apply"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	resolution, err := c.ResolveError(context.Background(), "dep-1", commandqueue.BlockingError{Command: "terraform apply", ExitCode: 1})
	if err != nil {
		t.Fatalf("ResolveError() error = %v", err)
	}
	if resolution.Analysis != "missing credentials" {
		t.Errorf("Analysis = %q", resolution.Analysis)
	}
	if len(resolution.FixCommands) != 1 || len(resolution.RetryCommands) != 1 {
		t.Errorf("resolution = %+v", resolution)
	}
}

func TestAutoVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"passed": true, "analysis": "all green"})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	resp, err := c.AutoVerify(context.Background(), Request{DeploymentID: "dep-1", StageID: "TESTING"})
	if err != nil {
		t.Fatalf("AutoVerify() error = %v", err)
	}
	if !resp.Passed {
		t.Error("expected Passed = true")
	}
}
