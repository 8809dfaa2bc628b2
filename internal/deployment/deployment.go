// Package deployment implements the Deployment aggregate (the engine's
// root entity) and its child StageSession, plus their SQL-backed
// repositories. Deployment, StageSession, and CommandQueue form a DAG,
// stored as parent-keyed rows referencing deploymentId rather than
// embedded pointer cycles.
package deployment

import (
	"time"

	"github.com/skyforge-cloud/deployctl/internal/aiclient"
	"github.com/skyforge-cloud/deployctl/internal/commandqueue"
	"github.com/skyforge-cloud/deployctl/internal/deploystate"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
)

// IaCSource is the deployment's current working-tree source bundle.
type IaCSource struct {
	Main      string `json:"main,omitempty"`
	Variables string `json:"variables,omitempty"`
	Outputs   string `json:"outputs,omitempty"`
	Providers string `json:"providers,omitempty"`
}

// CostEstimate is the pre-apply cost projection. Populated by the
// internal/costestimate stub contract.
type CostEstimate struct {
	Currency        string             `json:"currency"`
	MonthlyEstimate float64            `json:"monthlyEstimate"`
	Breakdown       []CostLineItem     `json:"breakdown,omitempty"`
}

// CostActual is the post-apply observed cost, same shape as CostEstimate.
type CostActual struct {
	Currency        string         `json:"currency"`
	MonthlyEstimate float64        `json:"monthlyEstimate"`
	Breakdown       []CostLineItem `json:"breakdown,omitempty"`
}

// CostLineItem is one resource's contribution to a cost estimate or actual.
type CostLineItem struct {
	ResourceType string  `json:"resourceType"`
	Monthly      float64 `json:"monthly"`
}

// DriftSnapshot is the last drift-detection scan's result.
type DriftSnapshot struct {
	CheckedAt        time.Time `json:"checkedAt"`
	DriftedResources []string  `json:"driftedResources,omitempty"`
	InSync           bool      `json:"inSync"`
}

// SecuritySnapshot is the last security scan's result.
type SecuritySnapshot struct {
	ScannedAt time.Time         `json:"scannedAt"`
	Findings  []SecurityFinding `json:"findings,omitempty"`
}

// SecurityFinding is one scan finding.
type SecurityFinding struct {
	Severity string `json:"severity"`
	Resource string `json:"resource"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

// ResourceHealth is one resource's HEALTH_CHECK stage result, populated by
// the Orchestrator's bounded worker-pool fan-out over resourceInventory.
type ResourceHealth struct {
	ResourceType string    `json:"resourceType"`
	Name         string    `json:"name"`
	Healthy      bool      `json:"healthy"`
	Message      string    `json:"message,omitempty"`
	CheckedAt    time.Time `json:"checkedAt"`
}

// Approval gates PENDING_APPROVAL -> APPROVED: a per-deployment-stage
// decision layered on top of the per-command approval queue.
type Approval struct {
	ID          string     `json:"id"`
	RequestedBy string     `json:"requestedBy"`
	DecidedBy   string     `json:"decidedBy,omitempty"`
	Decision    string     `json:"decision"` // pending, approved, rejected
	RiskLevel   string     `json:"riskLevel"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DecidedAt   *time.Time `json:"decidedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Budget caps estimated/actual monthly spend before requiring an override.
type Budget struct {
	Currency    string  `json:"currency"`
	MonthlyCap  float64 `json:"monthlyCap"`
	HardLimit   bool    `json:"hardLimit"`
}

// Deployment is the root aggregate, including optional fields for
// approvals, budget, and drift/security snapshots. Notification history is
// kept in internal/notification and referenced here only by deployment ID.
type Deployment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Environment string `json:"environment"` // dev, staging, prod
	Region      string `json:"region"`
	RepoURL     string `json:"repoUrl,omitempty"`
	RepoBranch  string `json:"repoBranch,omitempty"`

	Status        deploystate.State        `json:"status"`
	StatusHistory []deploystate.HistoryEntry `json:"statusHistory"`

	Source           IaCSource                  `json:"source"`
	Version          int                        `json:"version"`
	PreviousVersions []int                      `json:"previousVersions,omitempty"`
	ResourceInventory []iaclifecycle.ResourceRef `json:"resourceInventory,omitempty"`

	Estimate *CostEstimate     `json:"estimate,omitempty"`
	Actual   *CostActual       `json:"actual,omitempty"`
	Approvals []Approval       `json:"approvals,omitempty"`
	Budget    *Budget          `json:"budget,omitempty"`
	Drift     *DriftSnapshot   `json:"drift,omitempty"`
	Security  *SecuritySnapshot `json:"security,omitempty"`
	ResourceHealthChecks []ResourceHealth `json:"resourceHealth,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the append-only statusHistory invariant: non-empty and
// its last entry's status equals Status.
func (d *Deployment) Validate() error {
	if len(d.StatusHistory) == 0 {
		return errStatusHistoryEmpty
	}
	if d.StatusHistory[len(d.StatusHistory)-1].Status != d.Status {
		return errStatusHistoryMismatch
	}
	return nil
}

// StageHistoryEntry records one completed (or failed) stage attempt.
type StageHistoryEntry struct {
	StageID   string    `json:"stageId"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// VerificationOutcome is one auto-verify call's judgement of a stage.
type VerificationOutcome struct {
	StageID   string    `json:"stageId"`
	Passed    bool      `json:"passed"`
	Analysis  string    `json:"analysis"`
	Timestamp time.Time `json:"timestamp"`
}

// StageSession is the Orchestrator's per-deployment resume anchor: the
// entirety of in-flight orchestration state, enough to reconstruct
// currentStage, the serialized Command Queue, the last AI instructions,
// and any pending error analysis after a process restart.
type StageSession struct {
	DeploymentID         string                     `json:"deploymentId"`
	CurrentStageID        string                     `json:"currentStageId"`
	StageHistory          []StageHistoryEntry        `json:"stageHistory"`
	Instructions          string                     `json:"instructions,omitempty"`
	Commands              []commandqueue.Command     `json:"commands,omitempty"`
	ErrorAnalyses         []string                   `json:"errorAnalyses,omitempty"`
	PendingFileProposals  []aiclient.FileProposal    `json:"pendingFileProposals,omitempty"`
	VerificationOutcomes  []VerificationOutcome      `json:"verificationOutcomes,omitempty"`
	UpdatedAt             time.Time                  `json:"updatedAt"`
}

// Validate checks the §3 invariant: currentStageId is either the initial
// stage (empty history) or the stage immediately following the last
// successful entry in stageHistory.
func (s *StageSession) Validate(stageOrder []string) error {
	if len(s.StageHistory) == 0 {
		return nil
	}
	last := s.StageHistory[len(s.StageHistory)-1]
	if !last.Success {
		return nil // a failed stage leaves currentStageId unchanged (retry in place)
	}
	idx := indexOf(stageOrder, last.StageID)
	if idx < 0 || idx+1 >= len(stageOrder) {
		return nil // terminal stage, nothing "after" it to check
	}
	if s.CurrentStageID != stageOrder[idx+1] {
		return errStageSessionMismatch
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, item := range s {
		if item == v {
			return i
		}
	}
	return -1
}
