package workspace

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SystemAuthorID marks snapshots written by the compaction scheduler rather
// than a connected user.
const SystemAuthorID = "system"

const (
	opSnapshotStoreNew = "workspace.snapshot_store.new"
	opSaveSnapshot     = "workspace.save_snapshot"
	opLoadSnapshot     = "workspace.load_snapshot"
	opHasSnapshot      = "workspace.has_snapshot"
	opDeleteSnapshots  = "workspace.delete_snapshots"
)

// SnapshotStoreConfig describes the dependencies of the durable snapshot store.
type SnapshotStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SnapshotStore persists the single compacted state row per workspace.
type SnapshotStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSnapshotStore constructs the snapshot store.
func NewSnapshotStore(cfg SnapshotStoreConfig) (*SnapshotStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opSnapshotStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveSnapshot atomically replaces the workspace's snapshot: any prior row is
// deleted and the new one inserted inside a single transaction, so callers
// never observe two live snapshot rows for the same workspace.
// coveredUpdateID pins the replay cursor and must be the highest update id
// folded into snapshotBytes; deltas appended later stay in the replay window.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, workspaceID string, snapshotBytes, stateVectorBytes []byte, coveredUpdateID int64, userID string) (Snapshot, error) {
	if workspaceID == "" {
		return Snapshot{}, newServiceError(opSaveSnapshot, "missing_workspace_id", errMissingWorkspaceID)
	}
	if len(snapshotBytes) == 0 {
		return Snapshot{}, newServiceError(opSaveSnapshot, "missing_snapshot_bytes", errMissingSnapshotBytes)
	}
	if userID == "" {
		return Snapshot{}, newServiceError(opSaveSnapshot, "missing_user_id", errMissingUserID)
	}

	model := Snapshot{
		WorkspaceID:     workspaceID,
		Snapshot:        append([]byte(nil), snapshotBytes...),
		StateVector:     append([]byte(nil), stateVectorBytes...),
		CoveredUpdateID: coveredUpdateID,
		AuthorUserID:    userID,
		UpdatedAtMs:     s.clock().UTC().UnixMilli(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryWorkspace, workspaceID).Delete(&Snapshot{}).Error; err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
	if txErr != nil {
		logError(s.logger, opSaveSnapshot, "replace_failed", txErr,
			zap.String(fieldWorkspaceID, workspaceID),
			zap.String(fieldUserID, userID))
		return Snapshot{}, newServiceError(opSaveSnapshot, "replace_failed", txErr)
	}
	return model, nil
}

// LoadLatestSnapshot returns the current snapshot row, or false when the
// workspace has never been compacted.
func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context, workspaceID string) (Snapshot, bool, error) {
	var model Snapshot
	err := s.db.WithContext(ctx).Where(queryWorkspace, workspaceID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		logError(s.logger, opLoadSnapshot, "query_failed", err, zap.String(fieldWorkspaceID, workspaceID))
		return Snapshot{}, false, newServiceError(opLoadSnapshot, "query_failed", err)
	}
	return model, true, nil
}

// HasSnapshot reports whether the workspace currently has a snapshot row.
func (s *SnapshotStore) HasSnapshot(ctx context.Context, workspaceID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Snapshot{}).
		Where(queryWorkspace, workspaceID).
		Count(&count).Error; err != nil {
		logError(s.logger, opHasSnapshot, "query_failed", err, zap.String(fieldWorkspaceID, workspaceID))
		return false, newServiceError(opHasSnapshot, "query_failed", err)
	}
	return count > 0, nil
}

// DeleteSnapshots removes the workspace's snapshot row. Used only by the
// complete-wipe path.
func (s *SnapshotStore) DeleteSnapshots(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return newServiceError(opDeleteSnapshots, "missing_workspace_id", errMissingWorkspaceID)
	}
	if err := s.db.WithContext(ctx).Where(queryWorkspace, workspaceID).Delete(&Snapshot{}).Error; err != nil {
		logError(s.logger, opDeleteSnapshots, "delete_failed", err, zap.String(fieldWorkspaceID, workspaceID))
		return newServiceError(opDeleteSnapshots, "delete_failed", err)
	}
	return nil
}
