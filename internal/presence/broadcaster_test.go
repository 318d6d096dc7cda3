package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func fixedClock(millis int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(millis).UTC()
	}
}

func mustReceive(t *testing.T, stream <-chan Event) Event {
	t.Helper()
	select {
	case event := <-stream:
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, stream <-chan Event) {
	t.Helper()
	select {
	case event := <-stream:
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinBroadcastsAndUpdatesSnapshot(t *testing.T) {
	broadcaster := NewBroadcaster(fixedClock(1_700_000_000_000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, snapshot, _, cleanup := broadcaster.Subscribe(ctx, "ws-1")
	defer cleanup()
	if len(snapshot) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d entries", len(snapshot))
	}

	broadcaster.Join("ws-1", "user-1", json.RawMessage(`{"name":"Ada"}`))

	event := mustReceive(t, stream)
	if event.Type != EventUserJoined {
		t.Fatalf("expected %s, got %s", EventUserJoined, event.Type)
	}
	if event.UserID != "user-1" || event.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected event envelope: %+v", event)
	}
	if event.TimestampMs != 1_700_000_000_000 {
		t.Fatalf("expected stamped timestamp, got %d", event.TimestampMs)
	}

	entries := broadcaster.Entries("ws-1")
	if len(entries) != 1 || entries[0].UserID != "user-1" {
		t.Fatalf("expected one presence entry for user-1, got %+v", entries)
	}
}

func TestSubscribeReturnsCurrentPresenceSnapshot(t *testing.T) {
	broadcaster := NewBroadcaster(fixedClock(1_700_000_000_000))
	broadcaster.Join("ws-1", "user-1", nil)
	broadcaster.Join("ws-1", "user-2", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, snapshot, _, cleanup := broadcaster.Subscribe(ctx, "ws-1")
	defer cleanup()

	if len(snapshot) != 2 {
		t.Fatalf("expected two presence entries in the synchronous snapshot, got %d", len(snapshot))
	}
}

func TestLeaveRemovesEntryAndIsIdempotent(t *testing.T) {
	broadcaster := NewBroadcaster(fixedClock(1_700_000_000_000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, _, _, cleanup := broadcaster.Subscribe(ctx, "ws-1")
	defer cleanup()

	broadcaster.Join("ws-1", "user-1", nil)
	mustReceive(t, stream)

	broadcaster.Leave("ws-1", "user-1")
	event := mustReceive(t, stream)
	if event.Type != EventUserLeft || event.UserID != "user-1" {
		t.Fatalf("unexpected leave event: %+v", event)
	}
	if entries := broadcaster.Entries("ws-1"); len(entries) != 0 {
		t.Fatalf("expected presence entry removed, got %+v", entries)
	}

	// Leaving again is a no-op on state but still broadcasts.
	broadcaster.Leave("ws-1", "user-1")
	event = mustReceive(t, stream)
	if event.Type != EventUserLeft {
		t.Fatalf("expected second leave event, got %+v", event)
	}
}

func TestPublishExceptSkipsSender(t *testing.T) {
	broadcaster := NewBroadcaster(fixedClock(1_700_000_000_000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	senderStream, _, senderID, senderCleanup := broadcaster.Subscribe(ctx, "ws-1")
	defer senderCleanup()
	peerStream, _, _, peerCleanup := broadcaster.Subscribe(ctx, "ws-1")
	defer peerCleanup()

	broadcaster.PublishExcept("ws-1", senderID, Event{Type: EventCursorMoved, UserID: "user-1"})

	event := mustReceive(t, peerStream)
	if event.Type != EventCursorMoved {
		t.Fatalf("expected cursor event on peer stream, got %+v", event)
	}
	assertNoEvent(t, senderStream)
}

func TestTopicsAreIsolatedPerWorkspace(t *testing.T) {
	broadcaster := NewBroadcaster(fixedClock(1_700_000_000_000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamA, _, _, cleanupA := broadcaster.Subscribe(ctx, "ws-a")
	defer cleanupA()
	streamB, _, _, cleanupB := broadcaster.Subscribe(ctx, "ws-b")
	defer cleanupB()

	broadcaster.Publish("ws-a", Event{Type: EventContentChanged, UserID: "user-1"})

	event := mustReceive(t, streamA)
	if event.WorkspaceID != "ws-a" {
		t.Fatalf("expected event stamped with its topic, got %+v", event)
	}
	assertNoEvent(t, streamB)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	broadcaster := NewBroadcaster(fixedClock(1_700_000_000_000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, _, _, cleanup := broadcaster.Subscribe(ctx, "ws-1")
	defer cleanup()

	// Overflow the subscriber buffer without draining; publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			broadcaster.Publish("ws-1", Event{Type: EventCursorMoved, UserID: "user-1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on a slow subscriber")
	}

	// The buffered prefix is still delivered in order.
	event := mustReceive(t, stream)
	if event.Type != EventCursorMoved {
		t.Fatalf("unexpected event type: %s", event.Type)
	}
}

func TestCleanupRemovesSubscriber(t *testing.T) {
	broadcaster := NewBroadcaster(fixedClock(1_700_000_000_000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, _, _, cleanup := broadcaster.Subscribe(ctx, "ws-1")
	cleanup()

	broadcaster.Publish("ws-1", Event{Type: EventCursorMoved, UserID: "user-1"})
	assertNoEvent(t, stream)
}
