package processrunner

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skyforge-cloud/deployctl/internal/streamhub"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

func TestRun_Success(t *testing.T) {
	r := New(nil, testLogger(), 0)

	exitCode, stdout, _, err := r.Run(context.Background(), "echo hello", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exitCode != 0 {
		t.Errorf("exitCode = %d, want 0", exitCode)
	}
	if stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", stdout, "hello\n")
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	r := New(nil, testLogger(), 0)

	exitCode, _, stderr, err := r.Run(context.Background(), "echo boom 1>&2; exit 3", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exitCode != 3 {
		t.Errorf("exitCode = %d, want 3", exitCode)
	}
	if stderr != "boom\n" {
		t.Errorf("stderr = %q, want %q", stderr, "boom\n")
	}
}

func TestRun_EmptyCommand(t *testing.T) {
	r := New(nil, testLogger(), 0)
	if _, _, _, err := r.Run(context.Background(), "", t.TempDir(), nil); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestRun_Timeout(t *testing.T) {
	r := New(nil, testLogger(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	exitCode, _, _, err := r.Run(ctx, "sleep 5", t.TempDir(), nil)
	if err == nil {
		t.Error("expected error for timed-out command")
	}
	if exitCode == 0 {
		t.Error("expected non-zero exit for timed-out command")
	}
}

func TestRunStreaming_PublishesToHub(t *testing.T) {
	hub := streamhub.New(32)
	r := New(hub, testLogger(), 0)

	key := streamhub.Key{OperationKind: "sandbox_run", CorrelationID: "dep-1"}
	ch := hub.Subscribe(key, "test-sub")

	exitCode, stdout, _, err := r.RunStreaming(context.Background(), StreamRequest{
		Command:       "echo line1; echo line2",
		Workdir:       t.TempDir(),
		OperationKind: "sandbox_run",
		CorrelationID: "dep-1",
	})
	if err != nil {
		t.Fatalf("RunStreaming() error = %v", err)
	}
	if exitCode != 0 {
		t.Errorf("exitCode = %d, want 0", exitCode)
	}
	if stdout != "line1\nline2\n" {
		t.Errorf("stdout = %q", stdout)
	}

	var gotEnd bool
	for i := 0; i < 8; i++ {
		select {
		case evt := <-ch:
			if evt.Type == streamhub.EventEnd {
				gotEnd = true
			}
		case <-time.After(time.Second):
			break
		}
		if gotEnd {
			break
		}
	}
	if !gotEnd {
		t.Error("expected an end event on the stream")
	}
}

func TestBoundedWriter_Caps(t *testing.T) {
	const limit = 100
	exitCode, stdout, _, err := New(nil, testLogger(), limit).Run(context.Background(), "yes | head -c 10000", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exitCode != 0 {
		t.Errorf("exitCode = %d, want 0", exitCode)
	}
	if len(stdout) > limit+len(truncationMarker) {
		t.Errorf("stdout length %d exceeds cap %d plus marker", len(stdout), limit)
	}
	if !strings.Contains(stdout, truncationMarker) {
		t.Errorf("stdout = %q, want it to contain truncation marker", stdout)
	}
}

func TestNew_DefaultsMaxOutputBytes(t *testing.T) {
	r := New(nil, testLogger(), 0)
	if r.maxOutputBytes != defaultMaxOutputBytes {
		t.Errorf("maxOutputBytes = %d, want default %d", r.maxOutputBytes, defaultMaxOutputBytes)
	}
}
