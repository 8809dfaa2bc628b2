package audit

import (
	"testing"
	"time"
)

func TestCanonicalizeIsStableFieldOrder(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{Timestamp: ts, UserID: "u1", Action: ActionDeploymentCreated, ResourceType: "deployment", ResourceID: "d1", PreviousHash: "abc"}

	got := canonicalize(e)
	want := ts.Format(time.RFC3339Nano) + "\x00u1\x00" + ActionDeploymentCreated + "\x00deployment\x00d1\x00abc"
	if got != want {
		t.Fatalf("canonicalize mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestComputeHashChangesWithAnyField(t *testing.T) {
	base := Entry{Timestamp: time.Now().UTC(), UserID: "u1", Action: ActionCommandQueued, ResourceType: "deployment", ResourceID: "d1"}
	h1 := computeHash(base)

	variant := base
	variant.ResourceID = "d2"
	h2 := computeHash(variant)

	if h1 == h2 {
		t.Fatal("expected hash to change when resourceId changes")
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256, got %d chars", len(h1))
	}
}

func TestComputeHashOmitsResourceIdAndPreviousHashAsEmptyString(t *testing.T) {
	withEmpty := Entry{Timestamp: time.Unix(0, 0).UTC(), UserID: "u1", Action: "a", ResourceType: "t"}
	explicit := Entry{Timestamp: time.Unix(0, 0).UTC(), UserID: "u1", Action: "a", ResourceType: "t", ResourceID: "", PreviousHash: ""}

	if computeHash(withEmpty) != computeHash(explicit) {
		t.Fatal("expected identical hash for implicit vs explicit empty fields")
	}
}
