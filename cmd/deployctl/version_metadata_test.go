package main

import "testing"

func TestVersionMetadataDefaults(t *testing.T) {
	if version != "dev" {
		t.Fatalf("expected default version %q, got %q", "dev", version)
	}
	if commit != "none" {
		t.Fatalf("expected default commit %q, got %q", "none", commit)
	}
	if date != "unknown" {
		t.Fatalf("expected default build date %q, got %q", "unknown", date)
	}
}
