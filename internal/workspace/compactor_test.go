package workspace

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newCompactorFixture(t *testing.T, name string, nowMillis int64) (*Compactor, *StateCache, *SnapshotStore) {
	t.Helper()
	db := mustOpenDatabase(t, name)
	clock := fixedClock(nowMillis)
	updates := mustUpdateStore(t, db, clock)
	snapshots := mustSnapshotStore(t, db, clock)
	cache := mustStateCache(t, updates, snapshots, clock)
	compactor, err := NewCompactor(CompactorConfig{
		Cache:           cache,
		Snapshots:       snapshots,
		UpdateThreshold: 100,
		MaxSnapshotAge:  5 * time.Minute,
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("unexpected compactor error: %v", err)
	}
	return compactor, cache, snapshots
}

func TestNeedsSnapshotDecisionRule(t *testing.T) {
	now := int64(1_700_000_000_000)
	compactor, _, _ := newCompactorFixture(t, "compactor_rule", now)

	cases := []struct {
		name     string
		count    int
		ageMs    int64
		expected bool
	}{
		{name: "count at threshold", count: 100, ageMs: 0, expected: true},
		{name: "count above threshold", count: 250, ageMs: 0, expected: true},
		{name: "age at limit", count: 0, ageMs: 5 * 60 * 1000, expected: true},
		{name: "age beyond limit", count: 3, ageMs: 20 * 60 * 1000, expected: true},
		{name: "both below", count: 50, ageMs: 60 * 1000, expected: false},
		{name: "idle fresh workspace", count: 0, ageMs: 0, expected: false},
	}
	for _, testCase := range cases {
		state := DocumentState{
			WorkspaceID:              "ws-1",
			UpdateCountSinceSnapshot: testCase.count,
			LastSnapshotAtMs:         now - testCase.ageMs,
		}
		if got := compactor.NeedsSnapshot(state); got != testCase.expected {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, got)
		}
	}
}

func TestCreateSnapshotWithoutMergedBytesFails(t *testing.T) {
	now := int64(1_700_000_000_000)
	compactor, cache, snapshots := newCompactorFixture(t, "compactor_nobytes", now)
	ctx := context.Background()

	if _, err := cache.GetState(ctx, "ws-1"); err != nil {
		t.Fatalf("unexpected hydration error: %v", err)
	}

	err := compactor.CreateSnapshot(ctx, "ws-1", SystemAuthorID)
	if !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("expected ErrSnapshotUnavailable, got %v", err)
	}
	has, err := snapshots.HasSnapshot(ctx, "ws-1")
	if err != nil {
		t.Fatalf("unexpected has error: %v", err)
	}
	if has {
		t.Fatalf("expected no snapshot row written")
	}
}

func TestCreateSnapshotPersistsAndResetsCounter(t *testing.T) {
	now := int64(1_700_000_000_000)
	compactor, cache, snapshots := newCompactorFixture(t, "compactor_create", now)
	ctx := context.Background()

	if err := cache.ApplyClientSnapshot(ctx, "ws-1", []byte("merged"), []byte("vector")); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := cache.RecordAccepted(ctx, "ws-1", Update{UpdateID: int64(i + 1), SizeBytes: 16}); err != nil {
			t.Fatalf("unexpected record error: %v", err)
		}
	}

	if err := compactor.CreateSnapshot(ctx, "ws-1", "user-1"); err != nil {
		t.Fatalf("unexpected compaction error: %v", err)
	}

	snapshot, found, err := snapshots.LoadLatestSnapshot(ctx, "ws-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !found {
		t.Fatalf("expected snapshot row")
	}
	if !bytes.Equal(snapshot.Snapshot, []byte("merged")) {
		t.Fatalf("expected cached merged bytes persisted, got %q", snapshot.Snapshot)
	}
	if snapshot.AuthorUserID != "user-1" {
		t.Fatalf("expected forcing user recorded as author, got %q", snapshot.AuthorUserID)
	}
	if snapshot.CoveredUpdateID != 5 {
		t.Fatalf("expected coverage cursor at last accepted id, got %d", snapshot.CoveredUpdateID)
	}

	state, ok := cache.Peek("ws-1")
	if !ok {
		t.Fatalf("expected hydrated entry")
	}
	if state.UpdateCountSinceSnapshot != 0 {
		t.Fatalf("expected counter reset after compaction, got %d", state.UpdateCountSinceSnapshot)
	}
	if state.LastSnapshotAtMs != now {
		t.Fatalf("expected snapshot timestamp refreshed, got %d", state.LastSnapshotAtMs)
	}
}

func TestCreateSnapshotKeepsDeltasAcceptedDuringCompaction(t *testing.T) {
	now := int64(1_700_000_000_000)
	db := mustOpenDatabase(t, "compactor_interleave")
	clock := fixedClock(now)
	updates := mustUpdateStore(t, db, clock)

	// The snapshot store consults its clock once per durable write, after the
	// compactor has read the cached state. Accepting a delta from that hook
	// lands it exactly between the state read and the snapshot write.
	var cache *StateCache
	var late Update
	interleaved := false
	snapshotClock := func() time.Time {
		if !interleaved {
			interleaved = true
			saved, _, err := updates.SaveUpdate(context.Background(), "ws-1", []byte("late-delta"), "user-2")
			if err != nil {
				t.Errorf("unexpected save error: %v", err)
				return time.UnixMilli(now).UTC()
			}
			late = saved
			if err := cache.RecordAccepted(context.Background(), "ws-1", saved); err != nil {
				t.Errorf("unexpected record error: %v", err)
			}
		}
		return time.UnixMilli(now).UTC()
	}
	snapshots := mustSnapshotStore(t, db, snapshotClock)
	cache = mustStateCache(t, updates, snapshots, clock)
	compactor, err := NewCompactor(CompactorConfig{
		Cache:           cache,
		Snapshots:       snapshots,
		UpdateThreshold: 100,
		MaxSnapshotAge:  5 * time.Minute,
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("unexpected compactor error: %v", err)
	}
	ctx := context.Background()

	early, _, err := updates.SaveUpdate(ctx, "ws-1", []byte("early-delta"), "user-1")
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := cache.RecordAccepted(ctx, "ws-1", early); err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	if err := cache.ApplyClientSnapshot(ctx, "ws-1", []byte("merged"), []byte("vector")); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	if err := compactor.CreateSnapshot(ctx, "ws-1", SystemAuthorID); err != nil {
		t.Fatalf("unexpected compaction error: %v", err)
	}
	if !interleaved {
		t.Fatalf("expected a delta accepted during the durable write")
	}

	snapshot, found, err := snapshots.LoadLatestSnapshot(ctx, "ws-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !found {
		t.Fatalf("expected snapshot row")
	}
	if snapshot.CoveredUpdateID != early.UpdateID {
		t.Fatalf("expected coverage pinned at the state read, got %d", snapshot.CoveredUpdateID)
	}

	// The late delta stays in the replay window next to the snapshot.
	replay, err := updates.LoadUpdatesAfterID(ctx, "ws-1", snapshot.CoveredUpdateID)
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	if len(replay) != 1 || replay[0].UpdateID != late.UpdateID {
		t.Fatalf("expected the late delta replayed on top of the snapshot, got %d rows", len(replay))
	}

	// And it stays counted toward the next compaction.
	state, ok := cache.Peek("ws-1")
	if !ok {
		t.Fatalf("expected hydrated entry")
	}
	if state.UpdateCountSinceSnapshot != 1 {
		t.Fatalf("expected the late delta still counted, got %d", state.UpdateCountSinceSnapshot)
	}

	// A cold rehydration agrees with the live cache.
	cache.ClearWorkspaceCache("ws-1")
	rehydrated, err := cache.GetState(ctx, "ws-1")
	if err != nil {
		t.Fatalf("unexpected rehydration error: %v", err)
	}
	if rehydrated.UpdateCountSinceSnapshot != 1 {
		t.Fatalf("expected rehydration to count the late delta, got %d", rehydrated.UpdateCountSinceSnapshot)
	}
	if rehydrated.LastUpdateID != late.UpdateID {
		t.Fatalf("expected rehydrated last update id %d, got %d", late.UpdateID, rehydrated.LastUpdateID)
	}
}

func TestRunCompactsQualifyingWorkspaces(t *testing.T) {
	now := int64(1_700_000_000_000)
	db := mustOpenDatabase(t, "compactor_run")
	clock := fixedClock(now)
	updates := mustUpdateStore(t, db, clock)
	snapshots := mustSnapshotStore(t, db, clock)
	cache := mustStateCache(t, updates, snapshots, clock)
	compactor, err := NewCompactor(CompactorConfig{
		Cache:           cache,
		Snapshots:       snapshots,
		Interval:        5 * time.Millisecond,
		UpdateThreshold: 2,
		MaxSnapshotAge:  time.Hour,
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("unexpected compactor error: %v", err)
	}

	ctx := context.Background()
	if err := cache.ApplyClientSnapshot(ctx, "ws-hot", []byte("merged"), []byte("vector")); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if err := cache.MarkSnapshotCreated(ctx, "ws-hot", []byte("merged"), []byte("vector"), SnapshotCoverage{}); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := cache.RecordAccepted(ctx, "ws-hot", Update{UpdateID: int64(i + 1), SizeBytes: 8}); err != nil {
			t.Fatalf("unexpected record error: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		compactor.Run(runCtx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		has, err := snapshots.HasSnapshot(ctx, "ws-hot")
		if err != nil {
			t.Fatalf("unexpected has error: %v", err)
		}
		if has {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("scheduler never compacted the qualifying workspace")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
