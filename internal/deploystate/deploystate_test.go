package deploystate

import (
	"context"
	"testing"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

func TestNext_LinearAdvance(t *testing.T) {
	to, err := Next(StateInitial, EventAdvance)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if to != StateGathering {
		t.Errorf("to = %q, want GATHERING", to)
	}
}

func TestNext_ApprovalGate(t *testing.T) {
	if _, err := Next(StatePendingApproval, EventAdvance); !engineerr.Is(err, engineerr.IllegalTransition) {
		t.Errorf("expected IllegalTransition advancing past PENDING_APPROVAL, got %v", err)
	}

	to, err := Next(StatePendingApproval, EventApprove)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if to != StateApproved {
		t.Errorf("to = %q, want APPROVED", to)
	}
}

func TestNext_IllegalPair(t *testing.T) {
	if _, err := Next(StateDeployed, EventAdvance); !engineerr.Is(err, engineerr.IllegalTransition) {
		t.Errorf("expected IllegalTransition, got %v", err)
	}
}

func TestNext_FailureAndRetry(t *testing.T) {
	to, err := Next(StateValidating, EventFailValidation)
	if err != nil || to != StateValidationFailed {
		t.Fatalf("fail_validation: to=%q err=%v", to, err)
	}
	to, err = Next(StateValidationFailed, EventRetry)
	if err != nil || to != StateValidating {
		t.Fatalf("retry: to=%q err=%v", to, err)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []State{StateDeployed, StateCancelled, StateDestroyed, StateRolledBack, StateRollbackFailed} {
		if !IsTerminal(s) {
			t.Errorf("%q should be terminal", s)
		}
	}
	if IsTerminal(StateValidationFailed) {
		t.Error("VALIDATION_FAILED should not be terminal (resumable)")
	}
}

func TestMachine_Apply(t *testing.T) {
	m := New(nil, nil)

	result, err := m.Apply(context.Background(), TransitionRequest{
		DeploymentID: "dep-1",
		Current:      StateInitial,
		Event:        EventAdvance,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.NewStatus != StateGathering {
		t.Errorf("NewStatus = %q, want GATHERING", result.NewStatus)
	}
	if len(result.History) != 1 || result.History[0].Status != StateGathering {
		t.Errorf("History = %+v", result.History)
	}
}

func TestMachine_Apply_TerminalRejected(t *testing.T) {
	m := New(nil, nil)
	if _, err := m.Apply(context.Background(), TransitionRequest{
		Current: StateDeployed,
		Event:   EventAdvance,
	}); !engineerr.Is(err, engineerr.IllegalTransition) {
		t.Errorf("expected IllegalTransition from a terminal state, got %v", err)
	}
}

func TestMachine_Apply_AppendsToExistingHistory(t *testing.T) {
	m := New(nil, nil)
	existing := []HistoryEntry{{Status: StateInitial}}

	result, err := m.Apply(context.Background(), TransitionRequest{
		Current: StateInitial,
		History: existing,
		Event:   EventAdvance,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(result.History) != 2 {
		t.Fatalf("History length = %d, want 2", len(result.History))
	}
	if len(existing) != 1 {
		t.Error("Apply must not mutate the caller's history slice in place")
	}
}

func TestRollbackFlow(t *testing.T) {
	to, err := Next(StateDeployed, EventStartRollback)
	if err != nil || to != StateRollingBack {
		t.Fatalf("start_rollback: to=%q err=%v", to, err)
	}
	to, err = Next(StateRollingBack, EventRollbackSucceeded)
	if err != nil || to != StateRolledBack {
		t.Fatalf("rollback_succeeded: to=%q err=%v", to, err)
	}
}
