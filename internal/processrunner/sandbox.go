package processrunner

import (
	"context"
	"encoding/json"

	"github.com/skyforge-cloud/deployctl/internal/dispatcher"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

// SandboxJobPayload is the JSON payload for dispatcher.KindSandboxRun jobs:
// a single command run against a rendered working tree, outside the normal
// command-queue gate (used for isolated "try this" sandbox executions).
type SandboxJobPayload struct {
	Command string   `json:"command"`
	Workdir string   `json:"workdir"`
	Env     []string `json:"env,omitempty"`
}

// SandboxRunner adapts Runner to dispatcher.Runner for KindSandboxRun jobs:
// its Run method takes a dispatcher.Job and returns the job's exit code and
// output.
type SandboxRunner struct {
	runner *Runner
}

// NewSandboxRunner wraps runner for dispatcher registration under
// dispatcher.KindSandboxRun.
func NewSandboxRunner(runner *Runner) *SandboxRunner {
	return &SandboxRunner{runner: runner}
}

// Run executes the job's sandbox command and returns its exit code and
// combined stdout+stderr as output, satisfying dispatcher.Runner.
func (s *SandboxRunner) Run(ctx context.Context, job dispatcher.Job) (exitCode int, output string, err error) {
	var p SandboxJobPayload
	if unmarshalErr := json.Unmarshal([]byte(job.Payload), &p); unmarshalErr != nil {
		return -1, "", engineerr.Wrap(engineerr.InvalidInput, "parse sandbox job payload", unmarshalErr)
	}
	if p.Command == "" {
		return -1, "", engineerr.New(engineerr.InvalidInput, "sandbox job payload missing command")
	}

	code, stdout, stderr, runErr := s.runner.RunStreaming(ctx, StreamRequest{
		Command:       p.Command,
		Workdir:       p.Workdir,
		Env:           p.Env,
		OperationKind: "sandbox_run",
		CorrelationID: job.DeploymentID,
	})
	combined := stdout
	if stderr != "" {
		combined += "\n--- stderr ---\n" + stderr
	}
	return code, combined, runErr
}
