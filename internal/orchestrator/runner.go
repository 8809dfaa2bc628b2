package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
	"github.com/skyforge-cloud/deployctl/internal/processrunner"
)

// stageRunner executes one stage command. iac-typed commands are routed
// through the IaC lifecycle manager (so they pick up state-lock
// serialization and the object-storage state push); everything else runs
// as a literal subprocess via the process runner.
type stageRunner struct {
	deploymentID string
	shell        *processrunner.Runner
	iac          *iaclifecycle.Manager

	lastApply *iaclifecycle.ApplyResult
}

func newStageRunner(deploymentID string, shell *processrunner.Runner, iac *iaclifecycle.Manager) *stageRunner {
	return &stageRunner{deploymentID: deploymentID, shell: shell, iac: iac}
}

// Run implements commandqueue.Runner.
func (r *stageRunner) Run(ctx context.Context, cmd, workdir string, env []string) (int, string, string, error) {
	if verb, ok := iacVerbOf(cmd); ok && r.iac != nil {
		return r.runIaC(ctx, verb, cmd)
	}
	// Stages ahead of the first file proposal (ANALYZE, CONFIGURE) run
	// commands before the working tree has ever been written to.
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return 1, "", "create working directory: " + err.Error(), nil
	}
	return r.shell.Run(ctx, cmd, workdir, env)
}

func iacVerbOf(cmd string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(cmd))
	for _, verb := range []string{"init", "plan", "apply", "destroy"} {
		if strings.Contains(lower, "terraform "+verb) || strings.Contains(lower, "tofu "+verb) {
			return verb, true
		}
	}
	return "", false
}

// runIaC never returns a non-nil error itself: a Manager failure is folded
// into exitCode=1/stderr so the Command Queue records it as an ordinary
// blocked command rather than an Execute-level Go error.
func (r *stageRunner) runIaC(ctx context.Context, verb, cmd string) (int, string, string, error) {
	switch verb {
	case "init":
		force := strings.Contains(cmd, "-reconfigure") || strings.Contains(cmd, "-force")
		res, err := r.iac.Initialize(ctx, r.deploymentID, force)
		if err != nil {
			return 1, "", err.Error(), nil
		}
		return 0, fmt.Sprintf("init cached=%v", res.Cached), "", nil
	case "plan":
		res, err := r.iac.Plan(ctx, r.deploymentID, iaclifecycle.Options{})
		if err != nil {
			return 1, "", err.Error(), nil
		}
		return 0, res.PlanText, "", nil
	case "apply":
		res, err := r.iac.Apply(ctx, r.deploymentID, iaclifecycle.Options{AutoApprove: true})
		if err != nil {
			return 1, "", err.Error(), nil
		}
		r.lastApply = &res
		return 0, res.Output, "", nil
	case "destroy":
		res, err := r.iac.Destroy(ctx, r.deploymentID, iaclifecycle.Options{AutoApprove: true})
		if err != nil {
			return 1, "", err.Error(), nil
		}
		return 0, res.Output, "", nil
	default:
		return 1, "", "unrecognized iac verb: " + verb, nil
	}
}
