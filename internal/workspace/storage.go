package workspace

// Update stores one append-only, opaque CRDT delta accepted for a workspace.
// Rows are immutable once written; they are only ever inserted, or bulk
// deleted by retention pruning and complete wipes. The autoincrement
// update_id is the authoritative per-workspace ordering key; created_at_ms is
// retained as metadata and as the retention/pruning key.
type Update struct {
	UpdateID    int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	WorkspaceID string `gorm:"column:workspace_id;size:190;not null;index:idx_workspace_updates_ws_created,priority:1"`
	Payload     []byte `gorm:"column:payload;type:blob;not null"`
	SizeBytes   int64  `gorm:"column:size_bytes;not null"`
	UserID      string `gorm:"column:user_id;size:190;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null;index:idx_workspace_updates_ws_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Update) TableName() string {
	return "workspace_updates"
}

// Snapshot stores the single compacted full-state row per workspace.
// CoveredUpdateID is the replay cursor: every update row with a larger id
// was not folded into the snapshot bytes and must be replayed on top.
// UpdatedAtMs records when the row was written and is metadata only.
type Snapshot struct {
	WorkspaceID     string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	Snapshot        []byte `gorm:"column:snapshot;type:blob;not null"`
	StateVector     []byte `gorm:"column:state_vector;type:blob"`
	CoveredUpdateID int64  `gorm:"column:covered_update_id;not null;default:0"`
	AuthorUserID    string `gorm:"column:author_user_id;size:190;not null"`
	UpdatedAtMs     int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "workspace_snapshots"
}
