// Package dispatcher is the Job Dispatcher (C10): a persisted queue of
// one-shot IaC lifecycle operations, leased FIFO per kind, with
// exponential backoff on failure and bounded success/failure history.
package dispatcher

import "time"

// Kind identifies the lifecycle operation a job performs. These run off
// the request path: the orchestrator submits one and returns immediately.
const (
	KindIaCInit     = "iac_init"
	KindIaCPlan     = "iac_plan"
	KindIaCApply    = "iac_apply"
	KindIaCDestroy  = "iac_destroy"
	KindIaCValidate = "iac_validate"
	KindSandboxRun  = "sandbox_run"
	KindIaCRollback = "iac_rollback"
)

const (
	RunStatusQueued   = "queued"
	RunStatusRunning  = "running"
	RunStatusSuccess  = "success"
	RunStatusFailed   = "failed"
	RunStatusCanceled = "canceled"
)

// Job is a persisted unit of work. Payload is a kind-specific JSON blob
// (e.g. {"targetDir": "...", "vars": {...}}).
type Job struct {
	ID           string       `json:"id"`
	Kind         string       `json:"kind"`
	DeploymentID string       `json:"deployment_id"`
	Payload      string       `json:"payload"`
	RetryPolicy  *RetryPolicy `json:"retry_policy,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	LastRunAt    *time.Time   `json:"last_run_at,omitempty"`
	LastStatus   string       `json:"last_status"`
}

// RetryPolicy configures exponential backoff for job attempts.
// MaxAttempts includes the first attempt.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts,omitempty"`
	InitialBackoff string  `json:"initial_backoff,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty"`
	MaxBackoff     string  `json:"max_backoff,omitempty"`
}

// Run captures one execution attempt of a job.
type Run struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id"`
	Attempt          int        `json:"attempt"`
	MaxAttempts      int        `json:"max_attempts"`
	RetryScheduledAt *time.Time `json:"retry_scheduled_at,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	Status           string     `json:"status"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	Output           string     `json:"output,omitempty"`
}
