package workspace

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustOpenDatabase(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Update{}, &Snapshot{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustUpdateStore(t *testing.T, db *gorm.DB, clock func() time.Time) *UpdateStore {
	t.Helper()
	store, err := NewUpdateStore(UpdateStoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected update store error: %v", err)
	}
	return store
}

func mustSnapshotStore(t *testing.T, db *gorm.DB, clock func() time.Time) *SnapshotStore {
	t.Helper()
	store, err := NewSnapshotStore(SnapshotStoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected snapshot store error: %v", err)
	}
	return store
}

func mustStateCache(t *testing.T, updates *UpdateStore, snapshots *SnapshotStore, clock func() time.Time) *StateCache {
	t.Helper()
	cache, err := NewStateCache(StateCacheConfig{Updates: updates, Snapshots: snapshots, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected state cache error: %v", err)
	}
	return cache
}

func fixedClock(millis int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(millis).UTC()
	}
}
