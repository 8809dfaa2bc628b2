package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open("sqlite://" + filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendChainsHashesPerUser(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e1, err := store.Append(ctx, Entry{UserID: "u1", Action: ActionDeploymentCreated, ResourceType: "deployment", ResourceID: "d1"})
	if err != nil {
		t.Fatal(err)
	}
	if e1.PreviousHash != "" {
		t.Fatalf("expected empty previousHash for first entry, got %q", e1.PreviousHash)
	}

	e2, err := store.Append(ctx, Entry{UserID: "u1", Action: ActionDeploymentTransition, ResourceType: "deployment", ResourceID: "d1"})
	if err != nil {
		t.Fatal(err)
	}
	if e2.PreviousHash != e1.Hash {
		t.Fatalf("expected second entry to chain onto first: previousHash=%q want=%q", e2.PreviousHash, e1.Hash)
	}

	e3, err := store.Append(ctx, Entry{UserID: "u2", Action: ActionDeploymentCreated, ResourceType: "deployment", ResourceID: "d2"})
	if err != nil {
		t.Fatal(err)
	}
	if e3.PreviousHash != "" {
		t.Fatal("expected a different user's chain to start independently")
	}
}

func TestFindFiltersByUserAndResource(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.Append(ctx, Entry{UserID: "u1", Action: ActionCommandQueued, ResourceType: "deployment", ResourceID: "d1"})
	store.Append(ctx, Entry{UserID: "u1", Action: ActionCommandExecuted, ResourceType: "deployment", ResourceID: "d2"})
	store.Append(ctx, Entry{UserID: "u2", Action: ActionCommandQueued, ResourceType: "deployment", ResourceID: "d1"})

	entries, err := store.Find(ctx, Filter{UserID: "u1", ResourceID: "d1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 matching entry, got %d", len(entries))
	}
	if entries[0].Action != ActionCommandQueued {
		t.Fatalf("unexpected action: %s", entries[0].Action)
	}
}

func TestFindOrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.Append(ctx, Entry{UserID: "u1", Action: "first", ResourceType: "deployment", ResourceID: "d1"})
	store.Append(ctx, Entry{UserID: "u1", Action: "second", ResourceType: "deployment", ResourceID: "d1"})

	entries, err := store.Find(ctx, Filter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Action != "second" {
		t.Fatalf("expected newest-first ordering, got %+v", entries)
	}
}

func TestUpdateAndDeleteAreRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Update(ctx, "somehash", Entry{}); !engineerr.Is(err, engineerr.AuditImmutable) {
		t.Fatalf("expected AuditImmutable from Update, got %v", err)
	}
	if err := store.Delete(ctx, "somehash"); !engineerr.Is(err, engineerr.AuditImmutable) {
		t.Fatalf("expected AuditImmutable from Delete, got %v", err)
	}
}

func TestVerifyChainDetectsNoBreakOnIntactChain(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.Append(ctx, Entry{UserID: "u1", Action: "a", ResourceType: "deployment", ResourceID: "d1"})
	store.Append(ctx, Entry{UserID: "u1", Action: "b", ResourceType: "deployment", ResourceID: "d1"})
	store.Append(ctx, Entry{UserID: "u1", Action: "c", ResourceType: "deployment", ResourceID: "d1"})

	broken, err := store.VerifyChain(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if broken != "" {
		t.Fatalf("expected intact chain, got break at %q", broken)
	}
}

func TestAppendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dsn := "sqlite://" + filepath.Join(dir, "audit.db")
	ctx := context.Background()

	store, err := Open(dsn)
	if err != nil {
		t.Fatal(err)
	}
	store.Append(ctx, Entry{UserID: "u1", Action: "a", ResourceType: "deployment", ResourceID: "d1"})
	store.Close()

	store2, err := Open(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()

	entries, err := store2.Find(ctx, Filter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after reopen, got %d", len(entries))
	}
}
