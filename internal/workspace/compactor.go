package workspace

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opCompactorNew    = "workspace.compactor.new"
	opCreateSnapshot  = "workspace.create_snapshot"
	reasonNoSnapshot  = "no_snapshot_bytes"
	reasonSaveFailed  = "save_failed"
	reasonMarkFailed  = "mark_failed"
	reasonStateFailed = "state_failed"

	defaultCompactionInterval = 2 * time.Minute
	defaultUpdateThreshold    = 100
	defaultMaxSnapshotAge     = 5 * time.Minute
)

// CompactorConfig describes the compaction scheduler's dependencies and thresholds.
type CompactorConfig struct {
	Cache           *StateCache
	Snapshots       *SnapshotStore
	Interval        time.Duration
	UpdateThreshold int
	MaxSnapshotAge  time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Compactor periodically folds each active workspace's cached merged state
// into the durable snapshot store so replay cost stays bounded.
type Compactor struct {
	cache           *StateCache
	snapshots       *SnapshotStore
	interval        time.Duration
	updateThreshold int
	maxSnapshotAge  time.Duration
	clock           func() time.Time
	logger          *zap.Logger
	inFlight        sync.Map
}

// NewCompactor constructs the scheduler.
func NewCompactor(cfg CompactorConfig) (*Compactor, error) {
	if cfg.Cache == nil {
		return nil, newServiceError(opCompactorNew, "missing_state_cache", errMissingStateCache)
	}
	if cfg.Snapshots == nil {
		return nil, newServiceError(opCompactorNew, "missing_snapshot_store", errMissingSnapshotStore)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultCompactionInterval
	}
	threshold := cfg.UpdateThreshold
	if threshold <= 0 {
		threshold = defaultUpdateThreshold
	}
	maxAge := cfg.MaxSnapshotAge
	if maxAge <= 0 {
		maxAge = defaultMaxSnapshotAge
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		cache:           cfg.Cache,
		snapshots:       cfg.Snapshots,
		interval:        interval,
		updateThreshold: threshold,
		maxSnapshotAge:  maxAge,
		clock:           clock,
		logger:          logger,
	}, nil
}

// Run evaluates every active workspace on a fixed interval until the context
// is cancelled. Qualifying workspaces are compacted asynchronously, one task
// per workspace; a failure in one workspace never aborts the batch and is
// retried naturally on the next pass.
func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.logger.Info("compaction scheduler started", zap.Duration("interval", c.interval))
	for {
		select {
		case <-ticker.C:
			c.runPass(ctx)
		case <-ctx.Done():
			c.logger.Info("compaction scheduler stopped")
			return
		}
	}
}

func (c *Compactor) runPass(ctx context.Context) {
	for _, workspaceID := range c.cache.ActiveWorkspaceIDs() {
		state, ok := c.cache.Peek(workspaceID)
		if !ok {
			continue
		}
		if !c.NeedsSnapshot(state) {
			continue
		}
		if _, busy := c.inFlight.LoadOrStore(workspaceID, struct{}{}); busy {
			continue
		}
		go func(id string) {
			defer c.inFlight.Delete(id)
			if err := c.CreateSnapshot(ctx, id, SystemAuthorID); err != nil {
				c.logger.Warn("workspace compaction failed",
					zap.String(fieldWorkspaceID, id),
					zap.Error(err))
			}
		}(workspaceID)
	}
}

// NeedsSnapshot applies the compaction decision rule to a workspace state.
func (c *Compactor) NeedsSnapshot(state DocumentState) bool {
	if state.UpdateCountSinceSnapshot >= c.updateThreshold {
		return true
	}
	ageMs := c.clock().UTC().UnixMilli() - state.LastSnapshotAtMs
	return ageMs >= c.maxSnapshotAge.Milliseconds()
}

// CreateSnapshot forces compaction of one workspace outside the schedule.
// The cached bytes are assumed already fully merged by the live session; the
// compactor itself never merges deltas. Coverage is pinned at the state read:
// the snapshot row carries the highest update id the read observed, and the
// counter is decremented by the count the read observed, so deltas accepted
// while the durable write is in flight stay counted and stay in the replay
// window.
func (c *Compactor) CreateSnapshot(ctx context.Context, workspaceID string, authorUserID string) error {
	state, err := c.cache.GetState(ctx, workspaceID)
	if err != nil {
		return newServiceError(opCreateSnapshot, reasonStateFailed, err)
	}
	if len(state.SnapshotBytes) == 0 {
		c.logger.Warn("no merged snapshot bytes available yet, skipping compaction",
			zap.String(fieldWorkspaceID, workspaceID))
		return newServiceError(opCreateSnapshot, reasonNoSnapshot, ErrSnapshotUnavailable)
	}

	if _, err := c.snapshots.SaveSnapshot(ctx, workspaceID, state.SnapshotBytes, state.StateVectorBytes, state.LastUpdateID, authorUserID); err != nil {
		return newServiceError(opCreateSnapshot, reasonSaveFailed, err)
	}
	coverage := SnapshotCoverage{
		LastUpdateID: state.LastUpdateID,
		UpdateCount:  state.UpdateCountSinceSnapshot,
	}
	if err := c.cache.MarkSnapshotCreated(ctx, workspaceID, state.SnapshotBytes, state.StateVectorBytes, coverage); err != nil {
		return newServiceError(opCreateSnapshot, reasonMarkFailed, err)
	}
	c.logger.Info("workspace compacted",
		zap.String(fieldWorkspaceID, workspaceID),
		zap.String("author", authorUserID),
		zap.Int("snapshot_bytes", len(state.SnapshotBytes)))
	return nil
}
