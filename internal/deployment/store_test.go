package deployment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skyforge-cloud/deployctl/internal/deploystate"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployments.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &Deployment{
		Name:        "payments-api",
		Environment: "staging",
		Region:      "us-east-1",
	}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if d.ID == "" {
		t.Fatal("expected Create() to assign an ID")
	}

	got, err := s.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "payments-api" || got.Status != deploystate.StateInitial {
		t.Errorf("got = %+v", got)
	}
	if len(got.StatusHistory) != 1 || got.StatusHistory[0].Status != deploystate.StateInitial {
		t.Errorf("StatusHistory = %+v", got.StatusHistory)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !engineerr.Is(err, engineerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestUpdateStatus_AppendsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &Deployment{Name: "n", Environment: "dev"}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	entry := deploystate.HistoryEntry{Status: deploystate.StateGathering, Timestamp: time.Now().UTC(), Actor: "system"}
	if err := s.UpdateStatus(ctx, d.ID, entry); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	got, err := s.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != deploystate.StateGathering {
		t.Errorf("Status = %v", got.Status)
	}
	if len(got.StatusHistory) != 2 {
		t.Fatalf("len(StatusHistory) = %d, want 2", len(got.StatusHistory))
	}
	if got.StatusHistory[0].Status != deploystate.StateInitial {
		t.Error("expected first history entry to remain INITIAL (append-only)")
	}
}

func TestCommitVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &Deployment{Name: "n", Environment: "dev"}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	v, err := s.CommitVersion(ctx, d.ID, []iaclifecycle.ResourceRef{{Type: "aws_instance", Name: "web"}})
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}

	got, err := s.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version != 1 || len(got.PreviousVersions) != 1 || got.PreviousVersions[0] != 0 {
		t.Errorf("got version state = %+v", got)
	}
	if len(got.ResourceInventory) != 1 || got.ResourceInventory[0].Type != "aws_instance" {
		t.Errorf("ResourceInventory = %+v", got.ResourceInventory)
	}
}

func TestStageSession_SaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &Deployment{Name: "n", Environment: "dev"}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	session := &StageSession{
		DeploymentID:   d.ID,
		CurrentStageID: "ANALYZE",
		Instructions:   "run terraform init",
	}
	if err := s.SaveStageSession(ctx, session); err != nil {
		t.Fatalf("SaveStageSession() error = %v", err)
	}

	got, err := s.GetStageSession(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetStageSession() error = %v", err)
	}
	if got.CurrentStageID != "ANALYZE" || got.Instructions != "run terraform init" {
		t.Errorf("got = %+v", got)
	}

	session.CurrentStageID = "CONFIGURE"
	if err := s.SaveStageSession(ctx, session); err != nil {
		t.Fatalf("second SaveStageSession() error = %v", err)
	}
	got, err = s.GetStageSession(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetStageSession() error = %v", err)
	}
	if got.CurrentStageID != "CONFIGURE" {
		t.Errorf("expected upsert to replace CurrentStageID, got %q", got.CurrentStageID)
	}
}

func TestStageSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetStageSession(context.Background(), "nope"); !engineerr.Is(err, engineerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestCommandHistory_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &Deployment{Name: "n", Environment: "dev"}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	exitCode := 0
	record := CommandHistoryRecord{
		CommandID:    "cmd-1",
		DeploymentID: d.ID,
		Command:      "terraform init",
		Type:         "iac",
		Status:       "success",
		ExitCode:     &exitCode,
		StartedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.AppendCommandHistory(ctx, record); err != nil {
		t.Fatalf("AppendCommandHistory() error = %v", err)
	}

	history, err := s.ListCommandHistory(ctx, d.ID, 10)
	if err != nil {
		t.Fatalf("ListCommandHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].Command != "terraform init" {
		t.Errorf("history = %+v", history)
	}
	if history[0].ExitCode == nil || *history[0].ExitCode != 0 {
		t.Errorf("ExitCode = %v", history[0].ExitCode)
	}
}

func TestList_FiltersByEnvironment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Create(ctx, &Deployment{Name: "a", Environment: "prod"})
	_ = s.Create(ctx, &Deployment{Name: "b", Environment: "dev"})

	out, err := s.List(ctx, Filter{Environment: "prod"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(out) != 1 || out[0].Name != "a" {
		t.Errorf("out = %+v", out)
	}
}

func TestDeployment_ValidateRejectsMismatch(t *testing.T) {
	d := &Deployment{
		Status:        deploystate.StateDeployed,
		StatusHistory: []deploystate.HistoryEntry{{Status: deploystate.StateInitial}},
	}
	if err := d.Validate(); err == nil {
		t.Error("expected Validate() to reject a statusHistory/status mismatch")
	}
}
