package statelock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locks.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAcquireRelease(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.Acquire("dep-1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lock.HolderID != "holder-a" {
		t.Errorf("HolderID = %q, want holder-a", lock.HolderID)
	}

	if _, err := s.Acquire("dep-1", "holder-b", time.Minute); !engineerr.Is(err, engineerr.LockContended) {
		t.Errorf("expected LockContended, got %v", err)
	}

	if err := s.Release("dep-1", "holder-a"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	if _, err := s.Acquire("dep-1", "holder-b", time.Minute); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

func TestAcquireDoesNotStealExpiredLock(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Acquire("dep-2", "holder-a", 10*time.Millisecond); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// Even though holder-a's lock has expired, Acquire must not steal it
	// transparently: only ForceUnlock may clear a stale row.
	if _, err := s.Acquire("dep-2", "holder-b", time.Minute); !engineerr.Is(err, engineerr.LockContended) {
		t.Errorf("expected LockContended for expired-but-unreleased lock, got %v", err)
	}

	locked, _, err := s.IsLocked("dep-2")
	if err != nil {
		t.Fatalf("IsLocked() error = %v", err)
	}
	if locked {
		t.Error("expected IsLocked to report the expired row as not live")
	}

	if err := s.ForceUnlock("dep-2", "admin-1", "expired and abandoned"); err != nil {
		t.Fatalf("ForceUnlock() error = %v", err)
	}

	lock, err := s.Acquire("dep-2", "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after ForceUnlock error = %v", err)
	}
	if lock.HolderID != "holder-b" {
		t.Errorf("HolderID = %q, want holder-b", lock.HolderID)
	}
}

func TestRefresh(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Acquire("dep-3", "holder-a", time.Minute); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := s.Refresh("dep-3", "holder-a", 2*time.Hour); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	locked, lock, err := s.IsLocked("dep-3")
	if err != nil {
		t.Fatalf("IsLocked() error = %v", err)
	}
	if !locked {
		t.Fatal("expected dep-3 to be locked")
	}
	if time.Until(lock.ExpiresAt) < time.Hour {
		t.Error("expected Refresh to extend expiry")
	}
}

func TestRefreshWrongHolder(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Acquire("dep-4", "holder-a", time.Minute); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := s.Refresh("dep-4", "holder-b", time.Minute); !engineerr.Is(err, engineerr.LockContended) {
		t.Errorf("expected LockContended, got %v", err)
	}
}

func TestForceUnlock(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Acquire("dep-5", "holder-a", time.Hour); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := s.ForceUnlock("dep-5", "admin-1", "stuck deploy"); err != nil {
		t.Fatalf("ForceUnlock() error = %v", err)
	}

	locked, _, err := s.IsLocked("dep-5")
	if err != nil {
		t.Fatalf("IsLocked() error = %v", err)
	}
	if locked {
		t.Error("expected dep-5 to be unlocked after ForceUnlock")
	}
}

func TestIsLockedNoLock(t *testing.T) {
	s := newTestStore(t)
	locked, _, err := s.IsLocked("dep-none")
	if err != nil {
		t.Fatalf("IsLocked() error = %v", err)
	}
	if locked {
		t.Error("expected no lock for unknown deployment")
	}
}
