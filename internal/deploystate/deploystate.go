// Package deploystate is the Deployment State Machine (C8): a table-driven
// (from, event) -> to transition function over the deployment lifecycle.
// Every accepted transition appends to an append-only status history and
// is recorded in the audit log; illegal pairs are rejected, never silently
// clamped.
package deploystate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skyforge-cloud/deployctl/internal/audit"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

// State is one deployment lifecycle status.
type State string

const (
	StateInitial                  State = "INITIAL"
	StateGathering                State = "GATHERING"
	StateRepositoryAnalysis       State = "REPOSITORY_ANALYSIS"
	StateCodeAnalysis             State = "CODE_ANALYSIS"
	StateInfrastructureDiscovery  State = "INFRASTRUCTURE_DISCOVERY"
	StateDependencyAnalysis       State = "DEPENDENCY_ANALYSIS"
	StatePlanning                 State = "PLANNING"
	StateValidating               State = "VALIDATING"
	StateEstimated                State = "ESTIMATED"
	StatePendingApproval          State = "PENDING_APPROVAL"
	StateApproved                 State = "APPROVED"
	StateSandboxDeploying         State = "SANDBOX_DEPLOYING"
	StateTesting                  State = "TESTING"
	StateGitHubCommit              State = "GITHUB_COMMIT"
	StateGitHubActions             State = "GITHUB_ACTIONS"
	StateDeploying                State = "DEPLOYING"
	StateDeployed                 State = "DEPLOYED" // terminal

	StateValidationFailed State = "VALIDATION_FAILED"
	StateSandboxFailed    State = "SANDBOX_FAILED"
	StateDeploymentFailed State = "DEPLOYMENT_FAILED"

	StateCancelled     State = "CANCELLED"     // terminal
	StateDestroyed     State = "DESTROYED"      // terminal
	StateRollingBack   State = "ROLLING_BACK"
	StateRolledBack    State = "ROLLED_BACK"    // terminal
	StateRollbackFailed State = "ROLLBACK_FAILED" // terminal
)

// Event names a requested transition. (from, event) jointly select the
// target state via the transition table.
type Event string

const (
	EventAdvance           Event = "advance"
	EventApprove           Event = "approve"
	EventFailValidation    Event = "fail_validation"
	EventFailSandbox       Event = "fail_sandbox"
	EventFailDeployment    Event = "fail_deployment"
	EventRetry             Event = "retry"
	EventCancel            Event = "cancel"
	EventDestroy           Event = "destroy"
	EventStartRollback     Event = "start_rollback"
	EventRollbackSucceeded Event = "rollback_succeeded"
	EventRollbackFailed    Event = "rollback_failed"
)

// terminalStates are states that accept no further transitions.
var terminalStates = map[State]bool{
	StateDeployed:       true,
	StateCancelled:      true,
	StateDestroyed:      true,
	StateRolledBack:     true,
	StateRollbackFailed: true,
}

// IsTerminal reports whether s accepts no further transitions.
func IsTerminal(s State) bool { return terminalStates[s] }

// mainSequence is the linear progression EventAdvance walks, except where a
// gate (PENDING_APPROVAL) requires a distinct event.
var mainSequence = []State{
	StateInitial,
	StateGathering,
	StateRepositoryAnalysis,
	StateCodeAnalysis,
	StateInfrastructureDiscovery,
	StateDependencyAnalysis,
	StatePlanning,
	StateValidating,
	StateEstimated,
	StatePendingApproval, // advance stops here; APPROVED reached via EventApprove
	StateApproved,
	StateSandboxDeploying,
	StateTesting,
	StateGitHubCommit,
	StateGitHubActions,
	StateDeploying,
	StateDeployed,
}

type transitionKey struct {
	From  State
	Event Event
}

// table is the (from, event) -> to transition table. Built once at package
// init from mainSequence plus the explicit failure/recovery/terminal edges
// named in the lifecycle.
var table map[transitionKey]State

func init() {
	table = make(map[transitionKey]State)

	for i := 0; i < len(mainSequence)-1; i++ {
		from, to := mainSequence[i], mainSequence[i+1]
		if from == StatePendingApproval {
			continue // gated by EventApprove, not EventAdvance
		}
		table[transitionKey{from, EventAdvance}] = to
	}
	table[transitionKey{StatePendingApproval, EventApprove}] = StateApproved

	table[transitionKey{StateValidating, EventFailValidation}] = StateValidationFailed
	table[transitionKey{StateSandboxDeploying, EventFailSandbox}] = StateSandboxFailed
	table[transitionKey{StateTesting, EventFailSandbox}] = StateSandboxFailed
	table[transitionKey{StateDeploying, EventFailDeployment}] = StateDeploymentFailed

	table[transitionKey{StateValidationFailed, EventRetry}] = StateValidating
	table[transitionKey{StateSandboxFailed, EventRetry}] = StateSandboxDeploying
	table[transitionKey{StateDeploymentFailed, EventRetry}] = StateDeploying

	for _, s := range mainSequence {
		if s == StateDeployed {
			continue
		}
		table[transitionKey{s, EventCancel}] = StateCancelled
	}
	table[transitionKey{StateValidationFailed, EventCancel}] = StateCancelled
	table[transitionKey{StateSandboxFailed, EventCancel}] = StateCancelled
	table[transitionKey{StateDeploymentFailed, EventCancel}] = StateCancelled

	table[transitionKey{StateDeployed, EventDestroy}] = StateDestroyed

	table[transitionKey{StateDeployed, EventStartRollback}] = StateRollingBack
	table[transitionKey{StateDeploymentFailed, EventStartRollback}] = StateRollingBack
	table[transitionKey{StateRollingBack, EventRollbackSucceeded}] = StateRolledBack
	table[transitionKey{StateRollingBack, EventRollbackFailed}] = StateRollbackFailed
}

// Next looks up the transition table without mutating anything; it's the
// pure decision function Apply wraps with the side effects (history, audit).
func Next(from State, event Event) (State, error) {
	to, ok := table[transitionKey{from, event}]
	if !ok {
		return "", engineerr.WithReasons(engineerr.IllegalTransition, "illegal state transition",
			[]string{string(from) + " + " + string(event)})
	}
	return to, nil
}

// HistoryEntry is one append-only record in a deployment's statusHistory.
type HistoryEntry struct {
	Status    State     `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

// Machine advances a single deployment's status, appending to its history
// and the audit log on every accepted transition.
type Machine struct {
	audit  *audit.Store
	logger *zap.Logger
}

// New creates a Machine that records transitions to auditStore.
func New(auditStore *audit.Store, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{audit: auditStore, logger: logger}
}

// TransitionRequest carries everything Apply needs to advance one deployment.
type TransitionRequest struct {
	DeploymentID string
	Current      State
	History      []HistoryEntry
	Event        Event
	Reason       string
	Actor        string
}

// TransitionResult is the new status and the appended history, to be
// persisted atomically by the caller's repository.
type TransitionResult struct {
	NewStatus State
	History   []HistoryEntry
}

// Apply validates and performs one transition. The deployment's prior
// status must equal req.Current and must not already be terminal (a
// terminal deployment can never transition again).
func (m *Machine) Apply(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	if IsTerminal(req.Current) {
		return TransitionResult{}, engineerr.WithReasons(engineerr.IllegalTransition, "deployment is in a terminal state",
			[]string{string(req.Current)})
	}

	to, err := Next(req.Current, req.Event)
	if err != nil {
		return TransitionResult{}, err
	}

	entry := HistoryEntry{Status: to, Timestamp: time.Now().UTC(), Reason: req.Reason, Actor: req.Actor}
	newHistory := append(append([]HistoryEntry{}, req.History...), entry)

	if m.audit != nil {
		_, auditErr := m.audit.Append(ctx, audit.Entry{
			Timestamp:    entry.Timestamp,
			UserID:       orSystem(req.Actor),
			Action:       audit.ActionDeploymentTransition,
			ResourceType: "deployment",
			ResourceID:   req.DeploymentID,
			PreviousState: req.Current,
			NewState:      to,
			Details:       map[string]any{"event": req.Event, "reason": req.Reason},
		})
		if auditErr != nil {
			// Audit-log write failures are logged, not propagated: they must
			// never block the transition they're recording.
			m.logger.Warn("record transition audit entry failed",
				zap.String("deployment_id", req.DeploymentID), zap.Error(auditErr))
		}
	}

	return TransitionResult{NewStatus: to, History: newHistory}, nil
}

// IsResumable reports whether a deployment in status s can be explicitly
// resumed by the caller. Auto-resume is never performed by the engine.
func IsResumable(s State) bool {
	return !IsTerminal(s)
}

func orSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
