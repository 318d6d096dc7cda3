package workspace

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opStateCacheNew       = "workspace.state_cache.new"
	opGetState            = "workspace.get_state"
	opClearCompletely     = "workspace.clear_completely"
	opRecordAccepted      = "workspace.record_accepted"
	opMarkSnapshotCreated = "workspace.mark_snapshot_created"
)

// DocumentState is the in-memory view of one active workspace document.
// LastUpdateID is the highest durably appended update id observed for the
// workspace; a snapshot taken from this state covers exactly the deltas up
// to and including it.
type DocumentState struct {
	WorkspaceID              string
	UpdateCountSinceSnapshot int
	LastUpdateID             int64
	LastSnapshotAtMs         int64
	SnapshotBytes            []byte
	StateVectorBytes         []byte
	CachedSizeBytes          int64
}

// SnapshotCoverage pins what a persisted snapshot absorbed: the highest
// update id folded into its bytes and how many counted deltas that covers.
// Both values must come from the same state read the snapshot bytes were
// taken from.
type SnapshotCoverage struct {
	LastUpdateID int64
	UpdateCount  int
}

// StateCacheConfig describes the dependencies of the document state cache.
type StateCacheConfig struct {
	Updates   *UpdateStore
	Snapshots *SnapshotStore
	Clock     func() time.Time
	Logger    *zap.Logger
}

// StateCache is the constructor-owned registry of per-workspace document
// state. Entries hydrate lazily from the durable stores on first access and
// all mutations for one workspace are serialized through that entry's lock;
// different workspaces never block one another.
type StateCache struct {
	mu        sync.RWMutex
	entries   map[string]*stateEntry
	updates   *UpdateStore
	snapshots *SnapshotStore
	clock     func() time.Time
	logger    *zap.Logger
}

type stateEntry struct {
	mu       sync.Mutex
	hydrated bool
	state    DocumentState
}

// NewStateCache constructs the cache.
func NewStateCache(cfg StateCacheConfig) (*StateCache, error) {
	if cfg.Updates == nil {
		return nil, newServiceError(opStateCacheNew, "missing_update_store", errMissingUpdateStore)
	}
	if cfg.Snapshots == nil {
		return nil, newServiceError(opStateCacheNew, "missing_snapshot_store", errMissingSnapshotStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateCache{
		entries:   make(map[string]*stateEntry),
		updates:   cfg.Updates,
		snapshots: cfg.Snapshots,
		clock:     clock,
		logger:    logger,
	}, nil
}

// GetState returns the in-memory state for the workspace, hydrating it from
// the snapshot and update stores on first access.
func (c *StateCache) GetState(ctx context.Context, workspaceID string) (DocumentState, error) {
	if workspaceID == "" {
		return DocumentState{}, newServiceError(opGetState, "missing_workspace_id", errMissingWorkspaceID)
	}
	entry := c.entryFor(workspaceID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, err := c.hydrateLocked(ctx, workspaceID, entry); err != nil {
		c.dropEntry(workspaceID, entry)
		return DocumentState{}, err
	}
	return cloneState(entry.state), nil
}

// Peek returns the state only if the workspace is already hydrated in memory.
// Unlike GetState it never touches durable storage.
func (c *StateCache) Peek(workspaceID string) (DocumentState, bool) {
	c.mu.RLock()
	entry, ok := c.entries[workspaceID]
	c.mu.RUnlock()
	if !ok {
		return DocumentState{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.hydrated {
		return DocumentState{}, false
	}
	return cloneState(entry.state), true
}

// RecordAccepted folds a durably appended delta into the workspace's
// counters. It must be called exactly once per accepted delta, after the
// delta is durably appended.
func (c *StateCache) RecordAccepted(ctx context.Context, workspaceID string, update Update) error {
	if workspaceID == "" {
		return newServiceError(opRecordAccepted, "missing_workspace_id", errMissingWorkspaceID)
	}
	entry := c.entryFor(workspaceID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	fresh, err := c.hydrateLocked(ctx, workspaceID, entry)
	if err != nil {
		c.dropEntry(workspaceID, entry)
		return err
	}
	// A fresh hydration runs after the append and therefore already counted
	// the delta being recorded.
	if fresh {
		return nil
	}
	entry.state.UpdateCountSinceSnapshot++
	entry.state.CachedSizeBytes += update.SizeBytes
	if update.UpdateID > entry.state.LastUpdateID {
		entry.state.LastUpdateID = update.UpdateID
	}
	return nil
}

// MarkSnapshotCreated folds a successful durable snapshot write back into the
// cached state. Only the deltas the snapshot actually covered are subtracted
// from the counter; deltas accepted while the durable write was in flight
// stay counted and stay in the replay window. It is the only path that
// decrements the counter.
func (c *StateCache) MarkSnapshotCreated(ctx context.Context, workspaceID string, snapshotBytes, stateVectorBytes []byte, coverage SnapshotCoverage) error {
	if workspaceID == "" {
		return newServiceError(opMarkSnapshotCreated, "missing_workspace_id", errMissingWorkspaceID)
	}
	entry := c.entryFor(workspaceID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, err := c.hydrateLocked(ctx, workspaceID, entry); err != nil {
		c.dropEntry(workspaceID, entry)
		return err
	}
	entry.state.UpdateCountSinceSnapshot -= coverage.UpdateCount
	if entry.state.UpdateCountSinceSnapshot < 0 {
		entry.state.UpdateCountSinceSnapshot = 0
	}
	entry.state.LastSnapshotAtMs = c.clock().UTC().UnixMilli()
	entry.state.SnapshotBytes = append([]byte(nil), snapshotBytes...)
	entry.state.StateVectorBytes = append([]byte(nil), stateVectorBytes...)
	entry.state.CachedSizeBytes = int64(len(snapshotBytes) + len(stateVectorBytes))
	return nil
}

// ApplyClientSnapshot refreshes the cached merged bytes pushed by a live
// session. The delta counter is untouched; only a persisted snapshot resets it.
func (c *StateCache) ApplyClientSnapshot(ctx context.Context, workspaceID string, snapshotBytes, stateVectorBytes []byte) error {
	if workspaceID == "" || len(snapshotBytes) == 0 {
		return nil
	}
	entry := c.entryFor(workspaceID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, err := c.hydrateLocked(ctx, workspaceID, entry); err != nil {
		c.dropEntry(workspaceID, entry)
		return err
	}
	entry.state.SnapshotBytes = append([]byte(nil), snapshotBytes...)
	entry.state.StateVectorBytes = append([]byte(nil), stateVectorBytes...)
	return nil
}

// ActiveWorkspaceIDs enumerates the currently hydrated workspaces.
func (c *StateCache) ActiveWorkspaceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// WorkspaceCount reports how many workspaces are currently hydrated.
func (c *StateCache) WorkspaceCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ClearWorkspaceCache drops the in-memory entry only. Durable rows are left
// intact and the next access re-hydrates from storage.
func (c *StateCache) ClearWorkspaceCache(workspaceID string) {
	c.mu.Lock()
	delete(c.entries, workspaceID)
	c.mu.Unlock()
	c.logger.Info("workspace cache cleared", zap.String(fieldWorkspaceID, workspaceID))
}

// ClearWorkspaceCompletely drops the in-memory entry and deletes every
// persisted update and snapshot row for the workspace. Irreversible.
func (c *StateCache) ClearWorkspaceCompletely(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return newServiceError(opClearCompletely, "missing_workspace_id", errMissingWorkspaceID)
	}
	c.logger.Warn("wiping workspace completely", zap.String(fieldWorkspaceID, workspaceID))

	c.mu.Lock()
	delete(c.entries, workspaceID)
	c.mu.Unlock()

	return errors.Join(
		c.updates.DeleteByWorkspace(ctx, workspaceID),
		c.snapshots.DeleteSnapshots(ctx, workspaceID),
	)
}

func (c *StateCache) entryFor(workspaceID string) *stateEntry {
	c.mu.RLock()
	entry, ok := c.entries[workspaceID]
	c.mu.RUnlock()
	if ok {
		return entry
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[workspaceID]; ok {
		return entry
	}
	entry = &stateEntry{}
	c.entries[workspaceID] = entry
	return entry
}

func (c *StateCache) dropEntry(workspaceID string, entry *stateEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.entries[workspaceID]; ok && current == entry {
		delete(c.entries, workspaceID)
	}
}

// hydrateLocked loads the entry from durable storage if it has not been
// hydrated yet. The caller must hold entry.mu. The bool reports whether this
// call performed the hydration.
func (c *StateCache) hydrateLocked(ctx context.Context, workspaceID string, entry *stateEntry) (bool, error) {
	if entry.hydrated {
		return false, nil
	}

	state := DocumentState{WorkspaceID: workspaceID}

	snapshot, hasSnapshot, err := c.snapshots.LoadLatestSnapshot(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	var updates []Update
	if hasSnapshot {
		state.SnapshotBytes = append([]byte(nil), snapshot.Snapshot...)
		state.StateVectorBytes = append([]byte(nil), snapshot.StateVector...)
		state.LastSnapshotAtMs = snapshot.UpdatedAtMs
		state.LastUpdateID = snapshot.CoveredUpdateID
		state.CachedSizeBytes = int64(len(snapshot.Snapshot) + len(snapshot.StateVector))
		updates, err = c.updates.LoadUpdatesAfterID(ctx, workspaceID, snapshot.CoveredUpdateID)
	} else {
		updates, err = c.updates.LoadUpdates(ctx, workspaceID)
	}
	if err != nil {
		return false, err
	}
	for _, update := range updates {
		state.UpdateCountSinceSnapshot++
		state.CachedSizeBytes += update.SizeBytes
		if update.UpdateID > state.LastUpdateID {
			state.LastUpdateID = update.UpdateID
		}
	}

	entry.state = state
	entry.hydrated = true
	c.logger.Debug("workspace state hydrated",
		zap.String(fieldWorkspaceID, workspaceID),
		zap.Int("updates_since_snapshot", state.UpdateCountSinceSnapshot),
		zap.Bool("has_snapshot", hasSnapshot))
	return true, nil
}

func cloneState(state DocumentState) DocumentState {
	copied := state
	copied.SnapshotBytes = append([]byte(nil), state.SnapshotBytes...)
	copied.StateVectorBytes = append([]byte(nil), state.StateVectorBytes...)
	return copied
}
