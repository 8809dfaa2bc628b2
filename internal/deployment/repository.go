package deployment

import (
	"context"

	"github.com/skyforge-cloud/deployctl/internal/deploystate"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
)

// Filter narrows a deployment listing.
type Filter struct {
	Environment string
	Status      string
	Limit       int
	Offset      int
}

// CommandHistoryRecord is one executed command, persisted even after its
// owning queue rotates it out.
type CommandHistoryRecord struct {
	CommandID        string            `json:"commandId"`
	DeploymentID     string            `json:"deploymentId"`
	Command          string            `json:"command"`
	Type             string            `json:"type"`
	Status           string            `json:"status"`
	ExitCode         *int              `json:"exitCode,omitempty"`
	Stdout           string            `json:"stdout,omitempty"`
	Stderr           string            `json:"stderr,omitempty"`
	UserID           string            `json:"userId,omitempty"`
	StartedAt        string            `json:"startedAt,omitempty"`
	CompletedAt      string            `json:"completedAt,omitempty"`
	DurationMillis   int64             `json:"durationMillis,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	EnvSnapshot      map[string]string `json:"envSnapshot,omitempty"`
}

// Repository persists Deployments. Implementations must preserve the
// append-only statusHistory invariant on every UpdateStatus call.
type Repository interface {
	Create(ctx context.Context, d *Deployment) error
	Get(ctx context.Context, id string) (*Deployment, error)
	List(ctx context.Context, f Filter) ([]*Deployment, error)
	// UpdateStatus appends entry to statusHistory and sets status to
	// entry.Status; it never overwrites or removes a prior entry.
	UpdateStatus(ctx context.Context, id string, entry deploystate.HistoryEntry) error
	// UpdateSource overwrites the deployment's working-tree source bundle.
	UpdateSource(ctx context.Context, id string, source IaCSource) error
	// CommitVersion records a successful apply: increments version,
	// appends the prior version to previousVersions, and stores the
	// resource inventory the apply produced.
	CommitVersion(ctx context.Context, id string, resources []iaclifecycle.ResourceRef) (newVersion int, err error)
	// UpdateResourceHealth overwrites the HEALTH_CHECK stage's latest results.
	UpdateResourceHealth(ctx context.Context, id string, health []ResourceHealth) error
	// UpdateDrift overwrites the deployment's last drift-detection result.
	UpdateDrift(ctx context.Context, id string, snapshot DriftSnapshot) error
	Delete(ctx context.Context, id string) error
}

// StageSessionRepository persists the Orchestrator's resume anchor.
type StageSessionRepository interface {
	GetStageSession(ctx context.Context, deploymentID string) (*StageSession, error)
	SaveStageSession(ctx context.Context, session *StageSession) error
}

// CommandHistoryRepository persists executed-command records independent
// of the live Command Queue's rotation.
type CommandHistoryRepository interface {
	AppendCommandHistory(ctx context.Context, record CommandHistoryRecord) error
	ListCommandHistory(ctx context.Context, deploymentID string, limit int) ([]CommandHistoryRecord, error)
}
