// Package orchestrator is the Orchestrator (C9): the top-level driver that
// advances a deployment through its stages, consulting the Deployment State
// Machine (C8), requesting work from the AI service, and handing commands to
// a per-deployment Command Queue. The Orchestrator itself holds no
// in-memory-only state that would prevent resume: every operation reloads
// the deployment.StageSession, the durable resume anchor, from storage.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyforge-cloud/deployctl/internal/aiclient"
	"github.com/skyforge-cloud/deployctl/internal/approval"
	"github.com/skyforge-cloud/deployctl/internal/audit"
	"github.com/skyforge-cloud/deployctl/internal/commandqueue"
	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/deploystate"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
	"github.com/skyforge-cloud/deployctl/internal/processrunner"
	"github.com/skyforge-cloud/deployctl/internal/validator"
)

// Stage names, in the order a deployment moves through them.
const (
	StageAnalyze         = "ANALYZE"
	StageConfigure       = "CONFIGURE"
	StageGenerate        = "GENERATE"
	StageAwaitFileUpload = "AWAIT_FILE_UPLOAD"
	StageVerifyFiles     = "VERIFY_FILES"
	StageLocalBuild      = "LOCAL_BUILD"
	StageLocalTest       = "LOCAL_TEST"
	StageProvision       = "PROVISION"
	StageDeploy          = "DEPLOY"
	StageHealthCheck     = "HEALTH_CHECK"
)

// Stages is the ordered stage set the Orchestrator drives a deployment
// through. StageSession.CurrentStageID is always one of these.
var Stages = []string{
	StageAnalyze, StageConfigure, StageGenerate, StageAwaitFileUpload, StageVerifyFiles,
	StageLocalBuild, StageLocalTest, StageProvision, StageDeploy, StageHealthCheck,
}

// stageTargetState maps the ten coarse Orchestrator stages onto
// deploystate's finer macro states. Completing a stage drives the
// State Machine forward, one EventAdvance at a time, until it reaches the
// mapped target; the PENDING_APPROVAL gate is auto-approved along the way,
// since the Orchestrator's own auto-verify gate is this engine's approval
// signal (a human override is still available via `deployments approve`,
// which calls the State Machine directly on a PENDING_APPROVAL deployment
// that isn't being driven through the Orchestrator).
var stageTargetState = map[string]deploystate.State{
	StageAnalyze:         deploystate.StateGathering,
	StageConfigure:       deploystate.StateRepositoryAnalysis,
	StageGenerate:        deploystate.StateCodeAnalysis,
	StageAwaitFileUpload: deploystate.StateInfrastructureDiscovery,
	StageVerifyFiles:     deploystate.StateDependencyAnalysis,
	StageLocalBuild:      deploystate.StatePlanning,
	StageLocalTest:       deploystate.StateValidating,
	StageProvision:       deploystate.StateGitHubActions,
	StageDeploy:          deploystate.StateDeploying,
	StageHealthCheck:     deploystate.StateDeployed,
}

// AIClient is what the Orchestrator needs from the AI service. Satisfied by
// *aiclient.Client; narrowed to an interface so tests can substitute a fake
// rather than exercising the real HTTP client.
type AIClient interface {
	Generate(ctx context.Context, req aiclient.Request) (aiclient.GenerateResponse, error)
	AutoVerify(ctx context.Context, req aiclient.Request) (aiclient.AutoVerifyResponse, error)
	commandqueue.Resolver
}

// Orchestrator drives deployments through Stages. All state lives in
// injected repositories; no deployment's progress is tracked anywhere but
// the StageSession and the Deployment aggregate themselves.
type Orchestrator struct {
	deployments deployment.Repository
	sessions    deployment.StageSessionRepository
	history     deployment.CommandHistoryRepository

	ai      AIClient
	machine *deploystate.Machine
	iac     *iaclifecycle.Manager
	shell   *processrunner.Runner
	audit   *audit.Store
	health  HealthChecker
	logger  *zap.Logger

	healthPoolMax int

	// approvals records high-risk commands held for confirmation, for
	// operator visibility. Optional: nil means no such record is kept
	// and the confirm flag alone still gates execution.
	approvals *approval.Queue
}

// SetApprovalQueue attaches an approval queue the Orchestrator will use to
// record commands it blocked pending confirmation. Call once at startup;
// nil is valid and disables the recording.
func (o *Orchestrator) SetApprovalQueue(q *approval.Queue) {
	o.approvals = q
}

// New builds an Orchestrator. healthPoolMax <= 0 defaults to 8. logger and
// health may be nil (logger defaults to a no-op, health defaults to
// MockHealthChecker).
func New(
	deployments deployment.Repository,
	sessions deployment.StageSessionRepository,
	history deployment.CommandHistoryRepository,
	ai AIClient,
	machine *deploystate.Machine,
	iac *iaclifecycle.Manager,
	shell *processrunner.Runner,
	auditStore *audit.Store,
	health HealthChecker,
	healthPoolMax int,
	logger *zap.Logger,
) *Orchestrator {
	if health == nil {
		health = MockHealthChecker{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if healthPoolMax <= 0 {
		healthPoolMax = 8
	}
	return &Orchestrator{
		deployments:   deployments,
		sessions:      sessions,
		history:       history,
		ai:            ai,
		machine:       machine,
		iac:           iac,
		shell:         shell,
		audit:         auditStore,
		health:        health,
		logger:        logger,
		healthPoolMax: healthPoolMax,
	}
}

// Resume is the single entry point for both starting a fresh deployment and
// reloading an in-flight one: it loads (or creates) the StageSession and,
// if the current stage has never been seeded, asks the AI for it. Safe to
// call repeatedly; it is a no-op once a stage is seeded and not yet
// verified-complete.
func (o *Orchestrator) Resume(ctx context.Context, deploymentID string) (*deployment.StageSession, error) {
	session, err := o.sessions.GetStageSession(ctx, deploymentID)
	if engineerr.Is(err, engineerr.NotFound) {
		session = &deployment.StageSession{DeploymentID: deploymentID, CurrentStageID: Stages[0]}
	} else if err != nil {
		return nil, err
	}

	if session.Instructions != "" || len(session.Commands) > 0 {
		return session, nil
	}
	return o.seedStage(ctx, deploymentID, session, aiclient.ActionGenerate)
}

// Regenerate discards the current stage's AI-seeded plan and asks again.
func (o *Orchestrator) Regenerate(ctx context.Context, deploymentID string) (*deployment.StageSession, error) {
	session, err := o.sessions.GetStageSession(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	session.Instructions = ""
	session.Commands = nil
	session.PendingFileProposals = nil
	return o.seedStage(ctx, deploymentID, session, aiclient.ActionRegenerate)
}

// Session returns the deployment's current resume anchor without mutating it.
func (o *Orchestrator) Session(ctx context.Context, deploymentID string) (*deployment.StageSession, error) {
	return o.sessions.GetStageSession(ctx, deploymentID)
}

func (o *Orchestrator) seedStage(ctx context.Context, deploymentID string, session *deployment.StageSession, action aiclient.Action) (*deployment.StageSession, error) {
	dep, err := o.deployments.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	req := aiclient.Request{
		DeploymentID:   deploymentID,
		StageID:        session.CurrentStageID,
		ProjectContext: projectContext(dep),
		History:        historyTurns(session.StageHistory),
		Action:         action,
	}
	resp, err := o.ai.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	commands, denied := classifyProposed(deploymentID, resp.Commands)
	session.ErrorAnalyses = append(session.ErrorAnalyses, denied...)
	session.Instructions = resp.Instructions
	session.Commands = commands
	session.PendingFileProposals = resp.FileProposals

	if session.CurrentStageID == StageHealthCheck {
		if err := o.runHealthChecks(ctx, dep); err != nil {
			return nil, err
		}
	}

	if err := session.Validate(Stages); err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "stage session invariant violated", err)
	}
	if err := o.sessions.SaveStageSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func classifyProposed(deploymentID string, proposed []aiclient.ProposedCommand) ([]commandqueue.Command, []string) {
	var commands []commandqueue.Command
	var denied []string
	for _, p := range proposed {
		ctype := validator.CommandType(p.Type)
		result, err := validator.Classify(validator.Request{Command: p.Command, DeploymentID: deploymentID, Type: ctype})
		if err != nil {
			denied = append(denied, fmt.Sprintf("command denied: %q (%v)", p.Command, err))
			continue
		}
		commands = append(commands, commandqueue.Command{
			ID:                   uuid.NewString(),
			Command:              p.Command,
			Type:                 ctype,
			Status:               commandqueue.StatusPending,
			RequiresConfirmation: result.Outcome == validator.OutcomeRequiresConfirmation,
		})
	}
	return commands, denied
}

// restoreQueue reconstructs the live Command Queue from the session's
// persisted snapshot; the Orchestrator never keeps a Queue across calls.
func (o *Orchestrator) restoreQueue(deploymentID string, session *deployment.StageSession) (*commandqueue.Queue, *stageRunner) {
	runner := newStageRunner(deploymentID, o.shell, o.iac)
	q := commandqueue.Restore(deploymentID, o.iac.Dir(deploymentID), nil, runner, o.ai, session.Commands)
	return q, runner
}

func queueFinished(q *commandqueue.Queue) bool {
	if blocked, _ := q.IsBlocked(); blocked {
		return false
	}
	p := q.Progress()
	return p.Completed == p.Total
}

// NextCommand returns the command that would run next, or nil if the
// current stage's queue is exhausted or blocked.
func (o *Orchestrator) NextCommand(ctx context.Context, deploymentID string) (*commandqueue.Command, error) {
	session, err := o.sessions.GetStageSession(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	q, _ := o.restoreQueue(deploymentID, session)
	return q.NextCommand(), nil
}

// ExecuteCommand runs the next eligible command. confirm must be true if
// the command was classified OutcomeRequiresConfirmation.
func (o *Orchestrator) ExecuteCommand(ctx context.Context, deploymentID string, confirm bool) (commandqueue.Command, error) {
	session, err := o.sessions.GetStageSession(ctx, deploymentID)
	if err != nil {
		return commandqueue.Command{}, err
	}
	q, runner := o.restoreQueue(deploymentID, session)

	next := q.NextCommand()
	if next == nil {
		return commandqueue.Command{}, engineerr.New(engineerr.InvalidInput, "no command is eligible to execute")
	}
	if next.RequiresConfirmation && !confirm {
		if o.approvals != nil {
			if _, err := o.approvals.Submit(deploymentID, next, "classified as destructive by the command validator", approval.ClassifyRisk(next), "orchestrator"); err != nil {
				o.logger.Warn("record held command", zap.Error(err), zap.String("deployment_id", deploymentID))
			}
		}
		return commandqueue.Command{}, engineerr.New(engineerr.ValidationRejected, "command requires explicit confirmation: "+next.Command)
	}

	result, err := q.Execute(ctx)
	if err != nil {
		return commandqueue.Command{}, err
	}
	o.recordHistory(ctx, deploymentID, result)

	action := audit.ActionCommandExecuted
	if result.Status == commandqueue.StatusFailed {
		action = audit.ActionCommandBlocked
	}
	o.appendAudit(ctx, deploymentID, action, map[string]any{"commandId": result.ID, "stage": session.CurrentStageID})

	if result.Status == commandqueue.StatusSuccess && runner.lastApply != nil {
		if _, err := o.deployments.CommitVersion(ctx, deploymentID, runner.lastApply.Resources); err != nil {
			return result, err
		}
	}

	session.Commands = q.Snapshot()
	if err := o.sessions.SaveStageSession(ctx, session); err != nil {
		return result, err
	}

	if queueFinished(q) {
		if _, err := o.verifyAndAdvance(ctx, deploymentID, session); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Skip marks the currently blocked command skipped and unblocks the queue.
func (o *Orchestrator) Skip(ctx context.Context, deploymentID string) error {
	session, err := o.sessions.GetStageSession(ctx, deploymentID)
	if err != nil {
		return err
	}
	q, _ := o.restoreQueue(deploymentID, session)

	if err := q.Skip(); err != nil {
		return err
	}
	session.Commands = q.Snapshot()
	o.appendAudit(ctx, deploymentID, audit.ActionCommandSkipped, map[string]any{"stage": session.CurrentStageID})

	if err := o.sessions.SaveStageSession(ctx, session); err != nil {
		return err
	}
	if queueFinished(q) {
		_, err := o.verifyAndAdvance(ctx, deploymentID, session)
		return err
	}
	return nil
}

// Cancel marks the currently running command cancelled and blocks the queue
// for recovery: cancellation propagates as a stage failure.
func (o *Orchestrator) Cancel(ctx context.Context, deploymentID string) error {
	session, err := o.sessions.GetStageSession(ctx, deploymentID)
	if err != nil {
		return err
	}
	q, _ := o.restoreQueue(deploymentID, session)
	if err := q.Cancel(); err != nil {
		return err
	}
	session.Commands = q.Snapshot()
	return o.sessions.SaveStageSession(ctx, session)
}

// ResolveError asks the AI to analyze the blocking failure and splices in
// fix/retry commands, clearing the block.
func (o *Orchestrator) ResolveError(ctx context.Context, deploymentID string) (commandqueue.AIResolution, error) {
	session, err := o.sessions.GetStageSession(ctx, deploymentID)
	if err != nil {
		return commandqueue.AIResolution{}, err
	}
	q, _ := o.restoreQueue(deploymentID, session)

	resolution, err := q.Resolve(ctx)
	if err != nil {
		return commandqueue.AIResolution{}, err
	}
	session.Commands = q.Snapshot()
	if resolution.Analysis != "" {
		session.ErrorAnalyses = append(session.ErrorAnalyses, resolution.Analysis)
	}
	if err := o.sessions.SaveStageSession(ctx, session); err != nil {
		return resolution, err
	}
	return resolution, nil
}

// ApproveFileProposal writes one pending proposal's content atomically and
// removes it from the pending list.
func (o *Orchestrator) ApproveFileProposal(ctx context.Context, deploymentID, path string) error {
	session, err := o.sessions.GetStageSession(ctx, deploymentID)
	if err != nil {
		return err
	}
	idx, proposal, ok := findProposal(session.PendingFileProposals, path)
	if !ok {
		return engineerr.New(engineerr.NotFound, "no pending file proposal for "+path)
	}
	if _, err := o.iac.WriteAndFormat(ctx, deploymentID, map[string]string{path: proposal.Content}); err != nil {
		return err
	}
	session.PendingFileProposals = removeProposal(session.PendingFileProposals, idx)
	o.appendAudit(ctx, deploymentID, audit.ActionFileProposalDecided, map[string]any{"path": path, "decision": "approved"})
	return o.sessions.SaveStageSession(ctx, session)
}

// RejectFileProposal discards one pending proposal without writing it.
func (o *Orchestrator) RejectFileProposal(ctx context.Context, deploymentID, path string) error {
	session, err := o.sessions.GetStageSession(ctx, deploymentID)
	if err != nil {
		return err
	}
	idx, _, ok := findProposal(session.PendingFileProposals, path)
	if !ok {
		return engineerr.New(engineerr.NotFound, "no pending file proposal for "+path)
	}
	session.PendingFileProposals = removeProposal(session.PendingFileProposals, idx)
	o.appendAudit(ctx, deploymentID, audit.ActionFileProposalDecided, map[string]any{"path": path, "decision": "rejected"})
	return o.sessions.SaveStageSession(ctx, session)
}

// ApproveAllFileProposals writes every pending proposal in one atomic batch.
func (o *Orchestrator) ApproveAllFileProposals(ctx context.Context, deploymentID string) error {
	session, err := o.sessions.GetStageSession(ctx, deploymentID)
	if err != nil {
		return err
	}
	if len(session.PendingFileProposals) == 0 {
		return nil
	}
	files := make(map[string]string, len(session.PendingFileProposals))
	for _, p := range session.PendingFileProposals {
		files[p.Path] = p.Content
	}
	if _, err := o.iac.WriteAndFormat(ctx, deploymentID, files); err != nil {
		return err
	}
	session.PendingFileProposals = nil
	o.appendAudit(ctx, deploymentID, audit.ActionFileProposalDecided, map[string]any{"count": len(files), "decision": "approved_bulk"})
	return o.sessions.SaveStageSession(ctx, session)
}

func findProposal(list []aiclient.FileProposal, path string) (int, aiclient.FileProposal, bool) {
	for i, p := range list {
		if p.Path == path {
			return i, p, true
		}
	}
	return -1, aiclient.FileProposal{}, false
}

func removeProposal(list []aiclient.FileProposal, idx int) []aiclient.FileProposal {
	out := make([]aiclient.FileProposal, 0, len(list)-1)
	out = append(out, list[:idx]...)
	out = append(out, list[idx+1:]...)
	return out
}

// verifyAndAdvance asks the AI to auto-verify the just-finished stage. A
// pass advances the State Machine to the stage's mapped target and, unless
// this was the terminal stage, seeds the next one. A fail re-enters the
// queue with the AI's suggested fix/retry commands.
func (o *Orchestrator) verifyAndAdvance(ctx context.Context, deploymentID string, session *deployment.StageSession) (*deployment.StageSession, error) {
	dep, err := o.deployments.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	verify, err := o.ai.AutoVerify(ctx, aiclient.Request{
		DeploymentID: deploymentID,
		StageID:      session.CurrentStageID,
		Action:       aiclient.ActionAutoVerify,
	})
	if err != nil {
		return nil, err
	}

	outcome := deployment.VerificationOutcome{
		StageID:   session.CurrentStageID,
		Passed:    verify.Passed,
		Analysis:  verify.Analysis,
		Timestamp: time.Now().UTC(),
	}
	session.VerificationOutcomes = append(session.VerificationOutcomes, outcome)
	o.appendAudit(ctx, deploymentID, audit.ActionStageVerified, map[string]any{"stage": session.CurrentStageID, "passed": verify.Passed})

	if !verify.Passed {
		session.Commands = append(session.Commands, fixAndRetryCommands(deploymentID, verify.FixCommands, verify.RetryCommands)...)
		if err := o.sessions.SaveStageSession(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}

	session.StageHistory = append(session.StageHistory, deployment.StageHistoryEntry{
		StageID: session.CurrentStageID, Success: true, Timestamp: time.Now().UTC(),
	})

	if target, ok := stageTargetState[session.CurrentStageID]; ok {
		if err := o.advanceStateTo(ctx, dep, target); err != nil {
			return nil, err
		}
	}

	nextStage, terminal := nextStageAfter(session.CurrentStageID)
	if terminal {
		if err := o.sessions.SaveStageSession(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}

	session.CurrentStageID = nextStage
	session.Instructions = ""
	session.Commands = nil
	session.PendingFileProposals = nil
	if err := session.Validate(Stages); err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "stage session invariant violated", err)
	}
	if err := o.sessions.SaveStageSession(ctx, session); err != nil {
		return nil, err
	}

	return o.seedStage(ctx, deploymentID, session, aiclient.ActionGenerate)
}

func fixAndRetryCommands(deploymentID string, fix, retry []string) []commandqueue.Command {
	out := make([]commandqueue.Command, 0, len(fix)+len(retry))
	for _, c := range fix {
		out = append(out, commandqueue.Command{ID: uuid.NewString(), Command: c, Type: validator.TypeShell, Status: commandqueue.StatusPending})
	}
	for _, c := range retry {
		out = append(out, commandqueue.Command{ID: uuid.NewString(), Command: c, Type: validator.TypeShell, Status: commandqueue.StatusPending})
	}
	return out
}

func nextStageAfter(stage string) (next string, terminal bool) {
	for i, s := range Stages {
		if s == stage {
			if i+1 >= len(Stages) {
				return "", true
			}
			return Stages[i+1], false
		}
	}
	return "", true
}

// advanceStateTo walks the State Machine forward one EventAdvance (or
// EventApprove at the PENDING_APPROVAL gate) at a time until dep reaches
// target, persisting each accepted transition. Gives up with an Internal
// error after 33 transitions so an unreachable target never loops forever.
func (o *Orchestrator) advanceStateTo(ctx context.Context, dep *deployment.Deployment, target deploystate.State) error {
	for step := 0; dep.Status != target; step++ {
		if step > 32 {
			return engineerr.New(engineerr.Internal, "state machine did not reach target state "+string(target))
		}
		event := deploystate.EventAdvance
		if dep.Status == deploystate.StatePendingApproval {
			event = deploystate.EventApprove
		}
		result, err := o.machine.Apply(ctx, deploystate.TransitionRequest{
			DeploymentID: dep.ID,
			Current:      dep.Status,
			History:      dep.StatusHistory,
			Event:        event,
			Reason:       "orchestrator stage completion",
			Actor:        "orchestrator",
		})
		if err != nil {
			return err
		}
		if err := o.deployments.UpdateStatus(ctx, dep.ID, result.History[len(result.History)-1]); err != nil {
			return err
		}
		dep.Status = result.NewStatus
		dep.StatusHistory = result.History
		if deploystate.IsTerminal(dep.Status) {
			break
		}
	}
	return nil
}

func (o *Orchestrator) recordHistory(ctx context.Context, deploymentID string, cmd commandqueue.Command) {
	if o.history == nil {
		return
	}
	record := deployment.CommandHistoryRecord{
		CommandID:    cmd.ID,
		DeploymentID: deploymentID,
		Command:      cmd.Command,
		Type:         string(cmd.Type),
		Status:       string(cmd.Status),
		ExitCode:     cmd.ExitCode,
		Stdout:       cmd.Output,
		Stderr:       cmd.ErrorOutput,
	}
	if cmd.StartedAt != nil {
		record.StartedAt = cmd.StartedAt.Format(time.RFC3339Nano)
	}
	if cmd.EndedAt != nil {
		record.CompletedAt = cmd.EndedAt.Format(time.RFC3339Nano)
	}
	// Command history is best-effort bookkeeping alongside the audit log;
	// a write failure here must not lose the command's real result.
	if err := o.history.AppendCommandHistory(ctx, record); err != nil {
		o.logger.Warn("append command history failed", zap.String("deployment_id", deploymentID), zap.Error(err))
	}
}

func (o *Orchestrator) appendAudit(ctx context.Context, deploymentID, action string, details map[string]any) {
	if o.audit == nil {
		return
	}
	if _, err := o.audit.Append(ctx, audit.Entry{
		Timestamp:    time.Now().UTC(),
		UserID:       "system",
		Action:       action,
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Details:      details,
	}); err != nil {
		o.logger.Warn("append audit entry failed", zap.String("deployment_id", deploymentID), zap.Error(err))
	}
}

func projectContext(dep *deployment.Deployment) map[string]any {
	return map[string]any{
		"name":        dep.Name,
		"environment": dep.Environment,
		"region":      dep.Region,
		"repoUrl":     dep.RepoURL,
		"repoBranch":  dep.RepoBranch,
		"source":      dep.Source,
		"version":     dep.Version,
	}
}

func historyTurns(history []deployment.StageHistoryEntry) []aiclient.HistoryTurn {
	turns := make([]aiclient.HistoryTurn, 0, len(history))
	for _, h := range history {
		summary := "completed"
		if !h.Success {
			summary = "failed"
		}
		turns = append(turns, aiclient.HistoryTurn{Stage: h.StageID, Summary: summary})
	}
	return turns
}
