package dispatcher

import (
	"fmt"
	"strings"
	"time"
)

// LifecycleEventType labels job lifecycle notifications emitted to audit/event surfaces.
type LifecycleEventType string

const (
	EventJobCreated           LifecycleEventType = "job.created"
	EventJobDeleted           LifecycleEventType = "job.deleted"
	EventJobRunQueued         LifecycleEventType = "job.run.queued"
	EventJobRunStarted        LifecycleEventType = "job.run.started"
	EventJobRunRetryScheduled LifecycleEventType = "job.run.retry_scheduled"
	EventJobRunSucceeded      LifecycleEventType = "job.run.succeeded"
	EventJobRunFailed         LifecycleEventType = "job.run.failed"
	EventJobRunCanceled       LifecycleEventType = "job.run.canceled"
)

// LifecycleEvent carries job/run correlation metadata for audit + streaming consumers.
type LifecycleEvent struct {
	Type          LifecycleEventType `json:"type"`
	Timestamp     time.Time          `json:"timestamp"`
	Actor         string             `json:"actor,omitempty"`
	JobID         string             `json:"job_id,omitempty"`
	RunID         string             `json:"run_id,omitempty"`
	DeploymentID  string             `json:"deployment_id,omitempty"`
	Attempt       int                `json:"attempt,omitempty"`
	MaxAttempts   int                `json:"max_attempts,omitempty"`
	DeferredUntil *time.Time         `json:"deferred_until,omitempty"`
}

// CorrelationMetadata exposes stable correlation keys for audit detail/event payloads.
func (e LifecycleEvent) CorrelationMetadata() map[string]any {
	meta := map[string]any{}
	if id := strings.TrimSpace(e.JobID); id != "" {
		meta["job_id"] = id
	}
	if id := strings.TrimSpace(e.RunID); id != "" {
		meta["run_id"] = id
	}
	if id := strings.TrimSpace(e.DeploymentID); id != "" {
		meta["deployment_id"] = id
	}
	if e.Attempt > 0 {
		meta["attempt"] = e.Attempt
	}
	if e.MaxAttempts > 0 {
		meta["max_attempts"] = e.MaxAttempts
	}
	if e.DeferredUntil != nil && !e.DeferredUntil.IsZero() {
		meta["deferred_until"] = e.DeferredUntil.UTC().Format(time.RFC3339Nano)
	}
	return meta
}

// Summary returns a human-readable lifecycle summary reused by audit + streaming consumers.
func (e LifecycleEvent) Summary() string {
	target := strings.TrimSpace(e.JobID)
	if target == "" {
		target = "unknown"
	}

	switch e.Type {
	case EventJobCreated:
		return fmt.Sprintf("Job created: %s", target)
	case EventJobDeleted:
		return fmt.Sprintf("Job deleted: %s", target)
	case EventJobRunQueued:
		return fmt.Sprintf("Job run queued: %s", target)
	case EventJobRunStarted:
		return fmt.Sprintf("Job run started: %s", target)
	case EventJobRunRetryScheduled:
		return fmt.Sprintf("Job run retry scheduled: %s", target)
	case EventJobRunSucceeded:
		return fmt.Sprintf("Job run succeeded: %s", target)
	case EventJobRunFailed:
		return fmt.Sprintf("Job run failed: %s", target)
	case EventJobRunCanceled:
		return fmt.Sprintf("Job run canceled: %s", target)
	default:
		return fmt.Sprintf("Job event: %s", target)
	}
}

func (e LifecycleEvent) normalize() LifecycleEvent {
	e.Type = LifecycleEventType(strings.TrimSpace(string(e.Type)))
	e.Actor = strings.TrimSpace(e.Actor)
	e.JobID = strings.TrimSpace(e.JobID)
	e.RunID = strings.TrimSpace(e.RunID)
	e.DeploymentID = strings.TrimSpace(e.DeploymentID)
	if e.DeferredUntil != nil {
		ts := e.DeferredUntil.UTC()
		e.DeferredUntil = &ts
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Normalized returns the event with normalized IDs and a non-zero UTC timestamp.
func (e LifecycleEvent) Normalized() LifecycleEvent {
	return e.normalize()
}

// LifecycleObserver receives normalized lifecycle events.
type LifecycleObserver interface {
	ObserveJobLifecycleEvent(event LifecycleEvent)
}

// LifecycleObserverFunc adapts functions into LifecycleObserver.
type LifecycleObserverFunc func(event LifecycleEvent)

// ObserveJobLifecycleEvent implements LifecycleObserver.
func (fn LifecycleObserverFunc) ObserveJobLifecycleEvent(event LifecycleEvent) {
	if fn != nil {
		fn(event)
	}
}

type noopLifecycleObserver struct{}

func (noopLifecycleObserver) ObserveJobLifecycleEvent(_ LifecycleEvent) {}
