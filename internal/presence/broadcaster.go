package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event types fanned out on a workspace topic.
const (
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventCursorMoved      = "cursor-move"
	EventSelectionChanged = "selection-change"
	EventMemberUpdated    = "member-update"
	EventContentChanged   = "content-change"
	EventUpdate           = "update"
)

// Entry is the ephemeral presence record for one user in one workspace. It
// lives only in memory for the lifetime of the session and is never persisted.
type Entry struct {
	WorkspaceID string          `json:"workspaceId"`
	UserID      string          `json:"userId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	UpdatedAtMs int64           `json:"updatedAtMillis"`
}

// Event is the envelope broadcast to every subscriber of a workspace topic.
type Event struct {
	Type        string          `json:"type"`
	UserID      string          `json:"userId"`
	WorkspaceID string          `json:"workspaceId"`
	TimestampMs int64           `json:"timestampMillis"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Broadcaster is the per-workspace publish/subscribe fan-out for presence and
// change notifications. Delivery is best effort: slow subscribers lose
// events rather than blocking the publisher, and nothing here touches
// durable storage.
type Broadcaster struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	nextID     int64
	bufferSize int
	clock      func() time.Time
}

type topic struct {
	subscribers map[int64]*subscriber
	entries     map[string]Entry
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewBroadcaster constructs an in-process broadcaster.
func NewBroadcaster(clock func() time.Time) *Broadcaster {
	if clock == nil {
		clock = time.Now
	}
	return &Broadcaster{
		topics:     make(map[string]*topic),
		bufferSize: 16,
		clock:      clock,
	}
}

// Subscribe registers a listener on the workspace topic. It synchronously
// returns the current presence snapshot so a newly joined client does not
// have to wait for the next join event, plus the event stream, the
// subscriber id (usable with PublishExcept) and a cleanup func bound to ctx.
func (b *Broadcaster) Subscribe(ctx context.Context, workspaceID string) (<-chan Event, []Entry, int64, func()) {
	if workspaceID == "" {
		stream := make(chan Event)
		close(stream)
		return stream, nil, 0, func() {}
	}

	sub := &subscriber{stream: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	t := b.topicLocked(workspaceID)
	t.subscribers[sub.id] = sub
	snapshot := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		snapshot = append(snapshot, entry)
	}
	b.mu.Unlock()

	cleanup := func() {
		b.unsubscribe(workspaceID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, snapshot, sub.id, cleanup
}

// Join upserts the user's presence entry and broadcasts a user-joined event.
func (b *Broadcaster) Join(workspaceID, userID string, payload json.RawMessage) {
	if workspaceID == "" || userID == "" {
		return
	}
	nowMs := b.clock().UTC().UnixMilli()

	b.mu.Lock()
	t := b.topicLocked(workspaceID)
	t.entries[userID] = Entry{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Payload:     append(json.RawMessage(nil), payload...),
		UpdatedAtMs: nowMs,
	}
	b.mu.Unlock()

	b.Publish(workspaceID, Event{Type: EventUserJoined, UserID: userID, Payload: payload})
}

// Leave removes the user's presence entry (a no-op when absent) and
// broadcasts a user-left event.
func (b *Broadcaster) Leave(workspaceID, userID string) {
	if workspaceID == "" || userID == "" {
		return
	}

	b.mu.Lock()
	t, ok := b.topics[workspaceID]
	if ok {
		delete(t.entries, userID)
		b.removeTopicIfEmptyLocked(workspaceID, t)
	}
	b.mu.Unlock()

	b.Publish(workspaceID, Event{Type: EventUserLeft, UserID: userID})
}

// Entries returns the current presence snapshot for a workspace.
func (b *Broadcaster) Entries(workspaceID string) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[workspaceID]
	if !ok {
		return nil
	}
	snapshot := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		snapshot = append(snapshot, entry)
	}
	return snapshot
}

// Publish stamps and fans the event out to every subscriber of the topic.
func (b *Broadcaster) Publish(workspaceID string, event Event) {
	b.publish(workspaceID, event, 0)
}

// PublishExcept fans the event out to every subscriber except the one with
// the given id, typically the sender's own session.
func (b *Broadcaster) PublishExcept(workspaceID string, exceptID int64, event Event) {
	b.publish(workspaceID, event, exceptID)
}

func (b *Broadcaster) publish(workspaceID string, event Event, exceptID int64) {
	if workspaceID == "" || event.Type == "" {
		return
	}
	event.WorkspaceID = workspaceID
	if event.TimestampMs == 0 {
		event.TimestampMs = b.clock().UTC().UnixMilli()
	}

	b.mu.RLock()
	t, ok := b.topics[workspaceID]
	if !ok || len(t.subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		if sub.id == exceptID {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (b *Broadcaster) topicLocked(workspaceID string) *topic {
	t, ok := b.topics[workspaceID]
	if !ok {
		t = &topic{
			subscribers: make(map[int64]*subscriber),
			entries:     make(map[string]Entry),
		}
		b.topics[workspaceID] = t
	}
	return t
}

func (b *Broadcaster) unsubscribe(workspaceID string, subscriberID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[workspaceID]
	if !ok {
		return
	}
	delete(t.subscribers, subscriberID)
	b.removeTopicIfEmptyLocked(workspaceID, t)
}

func (b *Broadcaster) removeTopicIfEmptyLocked(workspaceID string, t *topic) {
	if len(t.subscribers) == 0 && len(t.entries) == 0 {
		delete(b.topics, workspaceID)
	}
}
