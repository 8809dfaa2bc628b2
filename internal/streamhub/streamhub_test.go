package streamhub

import (
	"testing"
	"time"
)

func TestSubscribeOnlySeesFutureEvents(t *testing.T) {
	h := New(4)
	key := Key{OperationKind: "build", CorrelationID: "dep-1"}

	h.Publish(Event{Type: EventStdout, OperationKind: key.OperationKind, CorrelationID: key.CorrelationID, Data: "before"})

	ch := h.Subscribe(key, "sub-a")
	h.Publish(Event{Type: EventStdout, OperationKind: key.OperationKind, CorrelationID: key.CorrelationID, Data: "after"})

	select {
	case evt := <-ch:
		if evt.Data != "after" {
			t.Fatalf("expected late joiner to see only post-subscribe events, got %q", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishNeverBlocksOnFullBacklog(t *testing.T) {
	h := New(1)
	key := Key{OperationKind: "build", CorrelationID: "dep-2"}
	h.Subscribe(key, "slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Event{Type: EventStdout, OperationKind: key.OperationKind, CorrelationID: key.CorrelationID, Data: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with a full subscriber backlog")
	}
}

func TestUnsubscribeClosesChannelAndRemovesStream(t *testing.T) {
	h := New(4)
	key := Key{OperationKind: "logs", CorrelationID: "c-1"}
	ch := h.Subscribe(key, "a")

	h.Unsubscribe(key, "a")

	if _, open := <-ch; open {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if h.SubscriberCount(key) != 0 {
		t.Fatalf("expected stream to be reaped once empty, got %d subscribers", h.SubscriberCount(key))
	}
}

func TestPublishEndCarriesExitCodeAndFinalText(t *testing.T) {
	h := New(4)
	key := Key{OperationKind: "build", CorrelationID: "dep-3"}
	ch := h.Subscribe(key, "a")

	h.PublishEnd(key, 0, "terraform apply complete")

	select {
	case evt := <-ch:
		if evt.Type != EventEnd {
			t.Fatalf("expected terminal end event, got %s", evt.Type)
		}
		if evt.ExitCode == nil || *evt.ExitCode != 0 {
			t.Fatal("expected exit code 0 on end event")
		}
		if evt.Data != "terraform apply complete" {
			t.Fatalf("unexpected final text: %q", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for end event")
	}
}

func TestMultipleSubscribersEachReceiveTheEvent(t *testing.T) {
	h := New(4)
	key := Key{OperationKind: "job_progress", CorrelationID: "job-1"}
	a := h.Subscribe(key, "a")
	b := h.Subscribe(key, "b")

	progress := 42
	h.Publish(Event{Type: EventJobProgress, OperationKind: key.OperationKind, CorrelationID: key.CorrelationID, Progress: &progress})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.Progress == nil || *evt.Progress != 42 {
				t.Fatalf("subscriber %s: expected progress 42", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s: timed out waiting for event", name)
		}
	}
}
