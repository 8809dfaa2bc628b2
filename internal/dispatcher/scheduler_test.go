package dispatcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "dispatcher.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	fail  int // number of leading calls that should fail
}

func (r *fakeRunner) Run(ctx context.Context, job Job) (int, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fail {
		return 1, "boom", nil
	}
	return 0, "ok", nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestSubmitEnqueuesQueuedJob(t *testing.T) {
	store := newTestStore(t)
	d := New(store, map[string]Runner{KindIaCPlan: &fakeRunner{}}, nil)

	job, err := d.Submit("dep-1", KindIaCPlan, `{"targetDir":"x"}`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job.LastStatus != RunStatusQueued {
		t.Fatalf("expected queued status, got %s", job.LastStatus)
	}
}

func TestScanOnceRunsQueuedJobToSuccess(t *testing.T) {
	store := newTestStore(t)
	runner := &fakeRunner{}
	d := New(store, map[string]Runner{KindIaCPlan: runner}, nil)

	job, err := d.Submit("dep-1", KindIaCPlan, "{}", nil)
	if err != nil {
		t.Fatal(err)
	}

	d.scanOnce()
	d.wg.Wait()

	updated, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.LastStatus != RunStatusSuccess {
		t.Fatalf("expected success, got %s", updated.LastStatus)
	}
	if runner.callCount() != 1 {
		t.Fatalf("expected exactly one run, got %d", runner.callCount())
	}
}

func TestFailedRunSchedulesRetryWithinMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	runner := &fakeRunner{fail: 1}
	d := New(store, map[string]Runner{KindIaCApply: runner}, nil)

	retry := &RetryPolicy{MaxAttempts: 2, InitialBackoff: "10ms", Multiplier: 2}
	job, err := d.Submit("dep-1", KindIaCApply, "{}", retry)
	if err != nil {
		t.Fatal(err)
	}

	d.scanOnce()
	d.wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		updated, err := store.GetJob(job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if updated.LastStatus == RunStatusSuccess {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected job to succeed after a retried attempt")
}

func TestCancelStopsPendingRetry(t *testing.T) {
	store := newTestStore(t)
	runner := &fakeRunner{fail: 10}
	d := New(store, map[string]Runner{KindIaCDestroy: runner}, nil)

	retry := &RetryPolicy{MaxAttempts: 5, InitialBackoff: "1h"}
	job, err := d.Submit("dep-1", KindIaCDestroy, "{}", retry)
	if err != nil {
		t.Fatal(err)
	}

	d.scanOnce()
	d.wg.Wait()

	if err := d.Cancel(job.ID); err != nil {
		t.Fatal(err)
	}

	d.mu.Lock()
	_, pending := d.pendingRetryCancel[job.ID]
	d.mu.Unlock()
	if pending {
		t.Fatal("expected pending retry to be canceled")
	}

	runs, err := store.ListRuns(RunQuery{JobID: job.ID, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != RunStatusCanceled {
		t.Fatalf("expected canceled run, got %+v", runs)
	}
}
