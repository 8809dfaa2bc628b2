/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package ratelimit

import (
	"testing"
)

func TestAllow_UnderLimits(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	d := l.Allow("staging", false)
	if !d.Allowed {
		t.Fatalf("expected allowed, got: %s", d.Reason)
	}
}

func TestAllow_PerEnvironmentConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerEnvironment = 1
	l := NewLimiter(cfg)

	l.RecordStart("staging")

	d := l.Allow("staging", false)
	if d.Allowed {
		t.Fatal("expected blocked by per-environment concurrency")
	}

	d2 := l.Allow("production", false)
	if !d2.Allowed {
		t.Fatalf("different environment should be allowed: %s", d2.Reason)
	}
}

func TestAllow_ClusterWideConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentCluster = 2
	cfg.MaxConcurrentPerEnvironment = 5
	l := NewLimiter(cfg)

	l.RecordStart("staging")
	l.RecordStart("production")

	d := l.Allow("qa", false)
	if d.Allowed {
		t.Fatal("expected blocked by cluster-wide concurrency")
	}

	d2 := l.Allow("qa", true)
	if !d2.Allowed {
		t.Fatalf("priority request should get burst allowance: %s", d2.Reason)
	}
}

func TestAllow_PerEnvironmentRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRunsPerHourPerEnvironment = 3
	cfg.MaxConcurrentPerEnvironment = 100
	cfg.MaxConcurrentCluster = 100
	l := NewLimiter(cfg)

	for i := 0; i < 3; i++ {
		l.RecordStart("staging")
		l.RecordComplete("staging")
	}

	d := l.Allow("staging", false)
	if d.Allowed {
		t.Fatal("expected blocked by per-environment rate limit")
	}

	d2 := l.Allow("production", false)
	if !d2.Allowed {
		t.Fatalf("different environment should be allowed: %s", d2.Reason)
	}
}

func TestAllow_ClusterWideRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRunsPerHourCluster = 5
	cfg.MaxRunsPerHourPerEnvironment = 100
	cfg.MaxConcurrentPerEnvironment = 100
	cfg.MaxConcurrentCluster = 100
	l := NewLimiter(cfg)

	for i := 0; i < 5; i++ {
		env := "env-" + string(rune('a'+i))
		l.RecordStart(env)
		l.RecordComplete(env)
	}

	d := l.Allow("env-z", false)
	if d.Allowed {
		t.Fatal("expected blocked by cluster-wide rate limit")
	}
}

func TestRecordStartComplete(t *testing.T) {
	l := NewLimiter(DefaultConfig())

	l.RecordStart("staging")
	l.RecordStart("staging")
	stats := l.GetStats()
	if stats.ConcurrentTotal != 2 {
		t.Fatalf("expected 2 concurrent, got %d", stats.ConcurrentTotal)
	}
	if stats.ConcurrentByEnvironment["staging"] != 2 {
		t.Fatalf("expected 2 for staging, got %d", stats.ConcurrentByEnvironment["staging"])
	}

	l.RecordComplete("staging")
	stats = l.GetStats()
	if stats.ConcurrentTotal != 1 {
		t.Fatalf("expected 1 concurrent, got %d", stats.ConcurrentTotal)
	}

	l.RecordComplete("staging")
	stats = l.GetStats()
	if stats.ConcurrentTotal != 0 {
		t.Fatalf("expected 0 concurrent, got %d", stats.ConcurrentTotal)
	}

	// Complete on empty should not go negative
	l.RecordComplete("staging")
	stats = l.GetStats()
	if stats.ConcurrentTotal != 0 {
		t.Fatalf("should not go negative, got %d", stats.ConcurrentTotal)
	}
}

func TestGetStats(t *testing.T) {
	l := NewLimiter(DefaultConfig())

	l.RecordStart("staging")
	l.RecordStart("production")
	l.RecordStart("production")

	stats := l.GetStats()
	if stats.ConcurrentTotal != 3 {
		t.Fatalf("expected 3, got %d", stats.ConcurrentTotal)
	}
	if stats.ConcurrentByEnvironment["staging"] != 1 {
		t.Fatalf("expected 1 for staging, got %d", stats.ConcurrentByEnvironment["staging"])
	}
	if stats.ConcurrentByEnvironment["production"] != 2 {
		t.Fatalf("expected 2 for production, got %d", stats.ConcurrentByEnvironment["production"])
	}
	if stats.RunsLastHour != 3 {
		t.Fatalf("expected 3 runs in history, got %d", stats.RunsLastHour)
	}
}
