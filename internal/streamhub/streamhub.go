// Package streamhub is the fan-out publisher shared by the Process Runner
// (C4) and the Job Dispatcher (C10). Events are published under a
// correlation key; any number of subscribers can join a key's stream and
// only observe events published after they subscribed. Publishing never
// blocks: a subscriber that falls behind a configurable backlog is dropped
// rather than stalling the publisher.
package streamhub

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType discriminates a streamed frame. See spec §6 streaming protocol.
type EventType string

const (
	EventStdout           EventType = "stdout"
	EventStderr           EventType = "stderr"
	EventComplete         EventType = "complete"
	EventError            EventType = "error"
	EventCommandQueued    EventType = "command_queued"
	EventCommandStarted   EventType = "command_started"
	EventCommandCompleted EventType = "command_completed"
	EventCommandFailed    EventType = "command_failed"
	EventCommandCancelled EventType = "command_cancelled"
	EventCLILog           EventType = "cli_log"
	EventJobProgress      EventType = "job_progress"
	EventEnd              EventType = "end"
)

// Key identifies one correlated stream, e.g. {"build", "<deploymentId>"} or
// {"logs", "<containerId>"}.
type Key struct {
	OperationKind string
	CorrelationID string
}

// Event is one frame on a correlated stream.
type Event struct {
	Type          EventType `json:"type"`
	OperationKind string    `json:"operation_kind"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"` // monotonic wall-clock per spec §6
	Data          string    `json:"data,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Progress      *int      `json:"progress,omitempty"` // 0..100, job dispatcher only
	Detail        any       `json:"detail,omitempty"`
}

// JSON marshals the event; callers writing SSE frames use this directly.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// defaultBacklog is the per-subscriber channel buffer before it is dropped.
const defaultBacklog = 256

type subscriber struct {
	ch     chan Event
	joined time.Time
}

// Hub is a correlation-keyed, non-blocking fan-out publisher.
type Hub struct {
	mu      sync.RWMutex
	streams map[Key]map[string]*subscriber // key -> subscriberID -> subscriber
	backlog int
}

// New creates a Hub. backlog<=0 uses defaultBacklog.
func New(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		streams: make(map[Key]map[string]*subscriber),
		backlog: backlog,
	}
}

// Publish delivers evt to every subscriber currently on evt's key and never
// blocks. A subscriber whose buffer is full misses this event and is then
// unsubscribed (its channel is closed), as Unsubscribe would do.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	key := Key{OperationKind: evt.OperationKind, CorrelationID: evt.CorrelationID}

	var stale []string
	h.mu.RLock()
	for id, sub := range h.streams[key] {
		select {
		case sub.ch <- evt:
		default:
			// backlog full: never block; the subscriber is dropped below.
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.Unsubscribe(key, id)
	}
}

// Subscribe joins the stream at key. The returned channel only receives
// events published after this call. Call Unsubscribe with the same
// subscriberID when done; the hub removes a subscriber on its own only when
// its buffer is full, not after the stream's terminal "end" event.
func (h *Hub) Subscribe(key Key, subscriberID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.streams[key] == nil {
		h.streams[key] = make(map[string]*subscriber)
	}
	sub := &subscriber{ch: make(chan Event, h.backlog), joined: time.Now().UTC()}
	h.streams[key][subscriberID] = sub
	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(key Key, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.streams[key]
	if subs == nil {
		return
	}
	if sub, ok := subs[subscriberID]; ok {
		close(sub.ch)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(h.streams, key)
	}
}

// SubscriberCount returns how many subscribers are attached to key.
func (h *Hub) SubscriberCount(key Key) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[key])
}

// PublishEnd publishes a terminal `end` event and leaves subscribers to
// drain and unsubscribe themselves (the hub never force-closes on end —
// a caller may still want the final buffered text).
func (h *Hub) PublishEnd(key Key, exitCode int, finalText string) {
	h.Publish(Event{
		Type:          EventEnd,
		OperationKind: key.OperationKind,
		CorrelationID: key.CorrelationID,
		ExitCode:      &exitCode,
		Data:          finalText,
	})
}
