/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit provides configurable rate limiting for deployment
// creation. It enforces both cluster-wide and per-environment concurrency
// limits with configurable burst and sustained rates, so a misbehaving
// CI pipeline retrying against one environment can't starve the rest of
// the fleet.
//
// This is a coarser gate than internal/notification's per-deployment
// RateLimiter: that one throttles outbound alerts for a single deployment,
// this one throttles how many deployments may run at once across the
// whole engine.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config configures rate limiting.
type Config struct {
	// MaxConcurrentCluster is the cluster-wide limit on simultaneous
	// in-flight deployments.
	MaxConcurrentCluster int

	// MaxConcurrentPerEnvironment is the per-environment limit on
	// simultaneous in-flight deployments.
	MaxConcurrentPerEnvironment int

	// MaxRunsPerHourCluster is the cluster-wide limit on deployments
	// started per hour.
	MaxRunsPerHourCluster int

	// MaxRunsPerHourPerEnvironment is the per-environment limit on
	// deployments started per hour.
	MaxRunsPerHourPerEnvironment int

	// BurstAllowance allows this many extra concurrent deployments for
	// priority (e.g. rollback) requests.
	BurstAllowance int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentCluster:         10,
		MaxConcurrentPerEnvironment:  2,
		MaxRunsPerHourCluster:        200,
		MaxRunsPerHourPerEnvironment: 30,
		BurstAllowance:               3,
	}
}

// Decision represents whether a deployment is allowed to start and why.
type Decision struct {
	Allowed bool
	Reason  string
}

// Limiter tracks deployment concurrency and rates.
type Limiter struct {
	config Config

	mu sync.Mutex

	// concurrent tracks currently running deployments per environment.
	concurrent map[string]int
	totalConc  int

	// history tracks started deployments for rate calculation.
	history []runRecord
}

type runRecord struct {
	environment string
	time        time.Time
}

// NewLimiter creates a rate limiter.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		config:     cfg,
		concurrent: make(map[string]int),
	}
}

// Allow checks whether a new deployment for the given environment is
// permitted to start. priority raises the cluster-wide concurrency limit by
// BurstAllowance and the cluster-wide hourly limit by ten times
// BurstAllowance, for operations (e.g. rollbacks) that shouldn't queue
// behind ordinary deploys. Per-environment limits are not relaxed.
func (l *Limiter) Allow(environment string, priority bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneHistory(now)

	if l.concurrent[environment] >= l.config.MaxConcurrentPerEnvironment {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("per-environment concurrency limit reached (%d/%d)", l.concurrent[environment], l.config.MaxConcurrentPerEnvironment),
		}
	}

	maxConc := l.config.MaxConcurrentCluster
	if priority {
		maxConc += l.config.BurstAllowance
	}
	if l.totalConc >= maxConc {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("cluster-wide concurrency limit reached (%d/%d)", l.totalConc, maxConc),
		}
	}

	envCount := l.countEnvironment(environment, now)
	if envCount >= l.config.MaxRunsPerHourPerEnvironment {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("per-environment rate limit reached (%d deployments in last hour, max %d)", envCount, l.config.MaxRunsPerHourPerEnvironment),
		}
	}

	totalCount := len(l.history)
	maxRate := l.config.MaxRunsPerHourCluster
	if priority {
		maxRate += l.config.BurstAllowance * 10
	}
	if totalCount >= maxRate {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("cluster-wide rate limit reached (%d deployments in last hour, max %d)", totalCount, maxRate),
		}
	}

	return Decision{Allowed: true}
}

// RecordStart marks a deployment as started.
func (l *Limiter) RecordStart(environment string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.concurrent[environment]++
	l.totalConc++
	l.history = append(l.history, runRecord{environment: environment, time: time.Now()})
}

// RecordComplete marks a deployment as finished (terminal state reached).
func (l *Limiter) RecordComplete(environment string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.concurrent[environment] > 0 {
		l.concurrent[environment]--
	}
	if l.totalConc > 0 {
		l.totalConc--
	}
}

// Stats returns current limiter state (for metrics/status).
type Stats struct {
	ConcurrentTotal         int
	ConcurrentByEnvironment map[string]int
	RunsLastHour            int
}

// GetStats returns current limiter statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneHistory(time.Now())

	byEnv := make(map[string]int, len(l.concurrent))
	for k, v := range l.concurrent {
		byEnv[k] = v
	}

	return Stats{
		ConcurrentTotal:         l.totalConc,
		ConcurrentByEnvironment: byEnv,
		RunsLastHour:            len(l.history),
	}
}

// pruneHistory removes records older than 1 hour.
func (l *Limiter) pruneHistory(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	i := 0
	for i < len(l.history) && l.history[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = l.history[i:]
	}
}

// countEnvironment counts how many deployments this environment has
// started within the history window.
func (l *Limiter) countEnvironment(environment string, now time.Time) int {
	count := 0
	cutoff := now.Add(-1 * time.Hour)
	for _, r := range l.history {
		if r.environment == environment && !r.time.Before(cutoff) {
			count++
		}
	}
	return count
}
