package workspace

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opUpdateStoreNew    = "workspace.update_store.new"
	opSaveUpdate        = "workspace.save_update"
	opLoadUpdates       = "workspace.load_updates"
	opCountUpdates      = "workspace.count_updates"
	opTotalSize         = "workspace.total_update_size"
	opPruneUpdates      = "workspace.prune_updates"
	opDeleteByWorkspace = "workspace.delete_updates"

	fieldWorkspaceID = "workspace_id"
	fieldUserID      = "user_id"

	queryWorkspace           = "workspace_id = ?"
	queryWorkspaceCreatedGT  = "workspace_id = ? AND created_at_ms > ?"
	queryWorkspaceCreatedLT  = "workspace_id = ? AND created_at_ms < ?"
	queryWorkspaceUpdateIDGT = "workspace_id = ? AND update_id > ?"
	orderUpdateIDAsc         = "update_id ASC"
)

// UpdateStoreConfig describes the dependencies of the durable update log.
type UpdateStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// UpdateStore is the durable, append-only ledger of opaque edit deltas.
type UpdateStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewUpdateStore constructs the update log store.
func NewUpdateStore(cfg UpdateStoreConfig) (*UpdateStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opUpdateStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpdateStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveUpdate appends one opaque delta for the workspace. Empty payloads are a
// deliberate no-op: they are logged and dropped without writing a row or
// surfacing an error. The second return reports whether a row was written.
func (s *UpdateStore) SaveUpdate(ctx context.Context, workspaceID string, payload []byte, userID string) (Update, bool, error) {
	if workspaceID == "" {
		return Update{}, false, newServiceError(opSaveUpdate, "missing_workspace_id", errMissingWorkspaceID)
	}
	if userID == "" {
		return Update{}, false, newServiceError(opSaveUpdate, "missing_user_id", errMissingUserID)
	}
	if len(payload) == 0 {
		s.logger.Debug("skipping empty update payload",
			zap.String(fieldWorkspaceID, workspaceID),
			zap.String(fieldUserID, userID))
		return Update{}, false, nil
	}

	model := Update{
		WorkspaceID: workspaceID,
		Payload:     append([]byte(nil), payload...),
		SizeBytes:   int64(len(payload)),
		UserID:      userID,
		CreatedAtMs: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		logError(s.logger, opSaveUpdate, "insert_failed", err,
			zap.String(fieldWorkspaceID, workspaceID),
			zap.String(fieldUserID, userID))
		return Update{}, false, newServiceError(opSaveUpdate, "insert_failed", err)
	}
	return model, true, nil
}

// LoadUpdates returns every stored delta for the workspace in acceptance order.
func (s *UpdateStore) LoadUpdates(ctx context.Context, workspaceID string) ([]Update, error) {
	return s.loadUpdatesSince(ctx, workspaceID, -1)
}

// LoadUpdatesAfter returns deltas recorded strictly after sinceMillis in
// acceptance order, for incremental resynchronization of a reconnecting client.
func (s *UpdateStore) LoadUpdatesAfter(ctx context.Context, workspaceID string, sinceMillis int64) ([]Update, error) {
	return s.loadUpdatesSince(ctx, workspaceID, sinceMillis)
}

// LoadUpdatesAfterID returns deltas appended strictly after the given update
// id in acceptance order. This is the replay cursor paired with a snapshot's
// coverage point: the authoritative ordering key is update_id, not wall time.
func (s *UpdateStore) LoadUpdatesAfterID(ctx context.Context, workspaceID string, afterUpdateID int64) ([]Update, error) {
	if workspaceID == "" {
		return nil, newServiceError(opLoadUpdates, "missing_workspace_id", errMissingWorkspaceID)
	}

	var updates []Update
	if err := s.db.WithContext(ctx).
		Where(queryWorkspaceUpdateIDGT, workspaceID, afterUpdateID).
		Order(orderUpdateIDAsc).
		Find(&updates).Error; err != nil {
		logError(s.logger, opLoadUpdates, "query_failed", err, zap.String(fieldWorkspaceID, workspaceID))
		return nil, newServiceError(opLoadUpdates, "query_failed", err)
	}
	return updates, nil
}

func (s *UpdateStore) loadUpdatesSince(ctx context.Context, workspaceID string, sinceMillis int64) ([]Update, error) {
	if workspaceID == "" {
		return nil, newServiceError(opLoadUpdates, "missing_workspace_id", errMissingWorkspaceID)
	}

	query := s.db.WithContext(ctx).Where(queryWorkspace, workspaceID)
	if sinceMillis >= 0 {
		query = s.db.WithContext(ctx).Where(queryWorkspaceCreatedGT, workspaceID, sinceMillis)
	}

	var updates []Update
	if err := query.Order(orderUpdateIDAsc).Find(&updates).Error; err != nil {
		logError(s.logger, opLoadUpdates, "query_failed", err, zap.String(fieldWorkspaceID, workspaceID))
		return nil, newServiceError(opLoadUpdates, "query_failed", err)
	}
	return updates, nil
}

// CountByWorkspace returns the number of stored deltas; zero for unknown workspaces.
func (s *UpdateStore) CountByWorkspace(ctx context.Context, workspaceID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Update{}).
		Where(queryWorkspace, workspaceID).
		Count(&count).Error; err != nil {
		logError(s.logger, opCountUpdates, "query_failed", err, zap.String(fieldWorkspaceID, workspaceID))
		return 0, newServiceError(opCountUpdates, "query_failed", err)
	}
	return count, nil
}

// TotalSizeByWorkspace returns the summed payload size in bytes; zero for unknown workspaces.
func (s *UpdateStore) TotalSizeByWorkspace(ctx context.Context, workspaceID string) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).
		Model(&Update{}).
		Where(queryWorkspace, workspaceID).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error; err != nil {
		logError(s.logger, opTotalSize, "query_failed", err, zap.String(fieldWorkspaceID, workspaceID))
		return 0, newServiceError(opTotalSize, "query_failed", err)
	}
	return total, nil
}

// PruneOldUpdates deletes deltas older than now minus keepDays and returns
// the number deleted. Storage failures are logged and reported as zero rows
// deleted; a zero return therefore never implies nothing older remains.
// Pruning is purely time-window based and is not coupled to snapshot
// coverage; keepDays must stay above the compaction cadence.
func (s *UpdateStore) PruneOldUpdates(ctx context.Context, workspaceID string, keepDays int) int64 {
	if workspaceID == "" {
		return 0
	}
	cutoffMs := s.clock().UTC().AddDate(0, 0, -keepDays).UnixMilli()
	result := s.db.WithContext(ctx).
		Where(queryWorkspaceCreatedLT, workspaceID, cutoffMs).
		Delete(&Update{})
	if result.Error != nil {
		logError(s.logger, opPruneUpdates, "delete_failed", result.Error,
			zap.String(fieldWorkspaceID, workspaceID),
			zap.Int("keep_days", keepDays))
		return 0
	}
	if result.RowsAffected > 0 {
		s.logger.Info("pruned workspace updates",
			zap.String(fieldWorkspaceID, workspaceID),
			zap.Int("keep_days", keepDays),
			zap.Int64("deleted", result.RowsAffected))
	}
	return result.RowsAffected
}

// DeleteByWorkspace removes every stored delta for the workspace. Used only
// by the complete-wipe path.
func (s *UpdateStore) DeleteByWorkspace(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return newServiceError(opDeleteByWorkspace, "missing_workspace_id", errMissingWorkspaceID)
	}
	if err := s.db.WithContext(ctx).Where(queryWorkspace, workspaceID).Delete(&Update{}).Error; err != nil {
		logError(s.logger, opDeleteByWorkspace, "delete_failed", err, zap.String(fieldWorkspaceID, workspaceID))
		return newServiceError(opDeleteByWorkspace, "delete_failed", err)
	}
	return nil
}
