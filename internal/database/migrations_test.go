package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/lodestarhq/lodestar/backend/internal/workspace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsUpdateSizes(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&workspace.Update{}, &workspace.Snapshot{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := workspace.Update{
		WorkspaceID: "ws-1",
		Payload:     []byte("legacy-delta"),
		SizeBytes:   0,
		UserID:      "user-1",
		CreatedAtMs: 1_700_000_000_000,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored workspace.Update
	if err := database.Where("workspace_id = ?", legacy.WorkspaceID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.SizeBytes != int64(len(legacy.Payload)) {
		testContext.Fatalf("expected size backfilled to %d, got %d", len(legacy.Payload), stored.SizeBytes)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillUpdateSizes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// Re-running is a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected idempotent reapply: %v", err)
	}
}
