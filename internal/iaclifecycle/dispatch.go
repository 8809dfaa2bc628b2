package iaclifecycle

import (
	"context"
	"encoding/json"

	"github.com/skyforge-cloud/deployctl/internal/dispatcher"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

// jobPayload is the kind-specific JSON shape the Job Dispatcher (C10)
// carries in Job.Payload for every iac_* job kind.
type jobPayload struct {
	Force       bool              `json:"force,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
	VarFile     string            `json:"varFile,omitempty"`
	AutoApprove bool              `json:"autoApprove,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
}

// DispatchRunner adapts Manager to dispatcher.Runner, routing each of the
// iac_init/iac_plan/iac_apply/iac_destroy/iac_validate job kinds to the
// matching Manager method.
type DispatchRunner struct {
	manager *Manager
}

// NewDispatchRunner wraps manager for use as a dispatcher.Runner.
func NewDispatchRunner(manager *Manager) *DispatchRunner {
	return &DispatchRunner{manager: manager}
}

// Run implements dispatcher.Runner.
func (d *DispatchRunner) Run(ctx context.Context, job dispatcher.Job) (exitCode int, output string, err error) {
	var payload jobPayload
	if job.Payload != "" {
		if decodeErr := json.Unmarshal([]byte(job.Payload), &payload); decodeErr != nil {
			return -1, "", engineerr.Wrap(engineerr.InvalidInput, "parse iac job payload", decodeErr)
		}
	}
	opts := Options{Vars: payload.Vars, VarFile: payload.VarFile, AutoApprove: payload.AutoApprove}

	switch job.Kind {
	case dispatcher.KindIaCInit:
		res, runErr := d.manager.Initialize(ctx, job.DeploymentID, payload.Force)
		return resultOf(res, runErr)
	case dispatcher.KindIaCValidate:
		res, runErr := d.manager.Validate(ctx, payload.Files)
		return resultOf(res, runErr)
	case dispatcher.KindIaCPlan:
		res, runErr := d.manager.Plan(ctx, job.DeploymentID, opts)
		return resultOf(res, runErr)
	case dispatcher.KindIaCApply:
		res, runErr := d.manager.Apply(ctx, job.DeploymentID, opts)
		return resultOf(res, runErr)
	case dispatcher.KindIaCDestroy:
		res, runErr := d.manager.Destroy(ctx, job.DeploymentID, opts)
		return resultOf(res, runErr)
	default:
		return -1, "", engineerr.New(engineerr.InvalidInput, "iac lifecycle runner: unsupported job kind "+job.Kind)
	}
}

func resultOf(v any, err error) (int, string, error) {
	if err != nil {
		code := 1
		if engineerr.KindOf(err) == engineerr.InvalidInput {
			code = -1
		}
		return code, "", err
	}
	encoded, marshalErr := json.Marshal(v)
	if marshalErr != nil {
		return -1, "", engineerr.Wrap(engineerr.Internal, "marshal iac job result", marshalErr)
	}
	return 0, string(encoded), nil
}
