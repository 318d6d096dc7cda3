package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/lodestarhq/lodestar/backend/internal/auth"
	"github.com/lodestarhq/lodestar/backend/internal/presence"
	"github.com/lodestarhq/lodestar/backend/internal/workspace"
	"gorm.io/gorm"
)

const (
	testValidToken   = "valid-token"
	testVerifiedUser = "user-verified"
)

// stubVerifier accepts exactly one token and maps it to a fixed user id.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	if token != testValidToken {
		return auth.Identity{}, fmt.Errorf("unknown token %q", token)
	}
	return auth.Identity{UserID: testVerifiedUser}, nil
}

type testFixture struct {
	handler     http.Handler
	updates     *workspace.UpdateStore
	snapshots   *workspace.SnapshotStore
	cache       *workspace.StateCache
	writer      *workspace.UpdateWriter
	broadcaster *presence.Broadcaster
}

func newTestFixture(t *testing.T, name string) *testFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	if err := db.AutoMigrate(&workspace.Update{}, &workspace.Snapshot{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	updates, err := workspace.NewUpdateStore(workspace.UpdateStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected update store error: %v", err)
	}
	snapshots, err := workspace.NewSnapshotStore(workspace.SnapshotStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected snapshot store error: %v", err)
	}
	cache, err := workspace.NewStateCache(workspace.StateCacheConfig{Updates: updates, Snapshots: snapshots})
	if err != nil {
		t.Fatalf("unexpected state cache error: %v", err)
	}
	writer, err := workspace.NewUpdateWriter(workspace.UpdateWriterConfig{Updates: updates, Cache: cache})
	if err != nil {
		t.Fatalf("unexpected writer error: %v", err)
	}
	t.Cleanup(writer.Close)
	compactor, err := workspace.NewCompactor(workspace.CompactorConfig{
		Cache:           cache,
		Snapshots:       snapshots,
		UpdateThreshold: 100,
		MaxSnapshotAge:  5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected compactor error: %v", err)
	}
	broadcaster := presence.NewBroadcaster(time.Now)

	handler, err := NewHTTPHandler(Dependencies{
		Verifier:    stubVerifier{},
		Updates:     updates,
		Snapshots:   snapshots,
		Cache:       cache,
		Writer:      writer,
		Broadcaster: broadcaster,
		Compactor:   compactor,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	return &testFixture{
		handler:     handler,
		updates:     updates,
		snapshots:   snapshots,
		cache:       cache,
		writer:      writer,
		broadcaster: broadcaster,
	}
}
