package commandqueue

import (
	"context"
	"testing"

	"github.com/skyforge-cloud/deployctl/internal/validator"
)

type fakeRunner struct {
	exitCode int
	stdout   string
	stderr   string
	err      error
	calls    int
}

func (f *fakeRunner) Run(ctx context.Context, cmd, workdir string, env []string) (int, string, string, error) {
	f.calls++
	return f.exitCode, f.stdout, f.stderr, f.err
}

type fakeResolver struct {
	resolution AIResolution
	err        error
}

func (f *fakeResolver) ResolveError(ctx context.Context, deploymentID string, blocking BlockingError) (AIResolution, error) {
	return f.resolution, f.err
}

func cmds(lines ...string) []Command {
	out := make([]Command, len(lines))
	for i, l := range lines {
		out[i] = Command{ID: l, Command: l, Type: validator.TypeShell}
	}
	return out
}

func TestEnqueueAndExecute_Success(t *testing.T) {
	runner := &fakeRunner{exitCode: 0, stdout: "ok"}
	q := New("dep-1", "/tmp", nil, runner, nil)

	if err := q.Enqueue(cmds("echo a", "echo b")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	result, err := q.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", result.Status)
	}

	progress := q.Progress()
	if progress.Completed != 1 || progress.Total != 2 {
		t.Errorf("Progress = %+v", progress)
	}
}

func TestExecute_FailureBlocks(t *testing.T) {
	runner := &fakeRunner{exitCode: 1, stderr: "boom"}
	q := New("dep-1", "/tmp", nil, runner, nil)
	_ = q.Enqueue(cmds("bad-cmd"))

	result, err := q.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", result.Status)
	}

	blocked, blockErr := q.IsBlocked()
	if !blocked || blockErr == nil {
		t.Fatal("expected queue to be blocked")
	}
	if blockErr.ExitCode != 1 {
		t.Errorf("blocking ExitCode = %d, want 1", blockErr.ExitCode)
	}

	if q.NextCommand() != nil {
		t.Error("NextCommand should be nil while blocked")
	}
}

func TestSkip(t *testing.T) {
	runner := &fakeRunner{exitCode: 1}
	q := New("dep-1", "/tmp", nil, runner, nil)
	_ = q.Enqueue(cmds("bad", "good"))
	_, _ = q.Execute(context.Background())

	if err := q.Skip(); err != nil {
		t.Fatalf("Skip() error = %v", err)
	}
	blocked, _ := q.IsBlocked()
	if blocked {
		t.Error("expected queue to be unblocked after Skip")
	}

	next := q.NextCommand()
	if next == nil || next.Command != "good" {
		t.Errorf("NextCommand = %+v, want good", next)
	}
}

func TestSkip_NotBlocked(t *testing.T) {
	q := New("dep-1", "/tmp", nil, &fakeRunner{}, nil)
	_ = q.Enqueue(cmds("a"))
	if err := q.Skip(); err == nil {
		t.Error("expected error skipping an unblocked queue")
	}
}

func TestResolve_SplicesCommands(t *testing.T) {
	runner := &fakeRunner{exitCode: 1, stderr: "missing var"}
	resolver := &fakeResolver{resolution: AIResolution{
		Analysis:      "missing variable",
		FixCommands:   []string{"export FOO=bar"},
		RetryCommands: []string{"terraform plan"},
	}}
	q := New("dep-1", "/tmp", nil, runner, resolver)
	_ = q.Enqueue(cmds("terraform apply", "terraform output"))
	_, _ = q.Execute(context.Background())

	resolution, err := q.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolution.Analysis != "missing variable" {
		t.Errorf("Analysis = %q", resolution.Analysis)
	}

	blocked, _ := q.IsBlocked()
	if blocked {
		t.Error("expected queue unblocked after Resolve")
	}

	snapshot := q.Snapshot()
	if len(snapshot) != 4 {
		t.Fatalf("queue length = %d, want 4 (1 failed + 2 spliced + 1 original)", len(snapshot))
	}
	if snapshot[1].Command != "export FOO=bar" || snapshot[2].Command != "terraform plan" {
		t.Errorf("spliced commands = %+v", snapshot[1:3])
	}
}

func TestResolve_NotBlocked(t *testing.T) {
	q := New("dep-1", "/tmp", nil, &fakeRunner{}, &fakeResolver{})
	_ = q.Enqueue(cmds("a"))
	if _, err := q.Resolve(context.Background()); err == nil {
		t.Error("expected error resolving an unblocked queue")
	}
}

func TestEnqueue_RejectsWhileRunning(t *testing.T) {
	q := New("dep-1", "/tmp", nil, &fakeRunner{}, nil)
	_ = q.Enqueue([]Command{{ID: "x", Command: "sleep 1", Status: StatusRunning}})
	if err := q.Enqueue(cmds("y")); err == nil {
		t.Error("expected error replacing queue while a command is running")
	}
}

func TestCancel(t *testing.T) {
	q := New("dep-1", "/tmp", nil, &fakeRunner{}, nil)
	_ = q.Enqueue([]Command{{ID: "x", Command: "sleep 30", Status: StatusRunning}})
	if err := q.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	blocked, blockErr := q.IsBlocked()
	if !blocked || blockErr == nil {
		t.Fatal("expected queue blocked after cancel")
	}
}
