package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lodestarhq/lodestar/backend/internal/auth"
	"github.com/lodestarhq/lodestar/backend/internal/presence"
	"github.com/lodestarhq/lodestar/backend/internal/workspace"
	"go.uber.org/zap"
)

const (
	userIDContextKey     = "lodestar_user_id"
	workspaceParam       = "workspaceId"
	defaultPruneKeepDays = 30
)

var (
	errMissingVerifier      = errors.New("identity verifier dependency required")
	errMissingUpdateStore   = errors.New("update store dependency required")
	errMissingSnapshots     = errors.New("snapshot store dependency required")
	errMissingStateCache    = errors.New("state cache dependency required")
	errMissingWriter        = errors.New("update writer dependency required")
	errMissingBroadcaster   = errors.New("broadcaster dependency required")
	errMissingCompactor     = errors.New("compactor dependency required")
	errInvalidAuthorization = errors.New("authorization credential missing or invalid")
)

// IdentityVerifier is the external identity collaborator: it turns a bearer
// credential into a stable user id or rejects it.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// Dependencies wires the HTTP surface to the collaboration core.
type Dependencies struct {
	Verifier      IdentityVerifier
	Updates       *workspace.UpdateStore
	Snapshots     *workspace.SnapshotStore
	Cache         *workspace.StateCache
	Writer        *workspace.UpdateWriter
	Broadcaster   *presence.Broadcaster
	Compactor     *workspace.Compactor
	PruneKeepDays int
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin handler exposing the realtime endpoint and
// the admin/observability API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Updates == nil {
		return nil, errMissingUpdateStore
	}
	if deps.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	if deps.Cache == nil {
		return nil, errMissingStateCache
	}
	if deps.Writer == nil {
		return nil, errMissingWriter
	}
	if deps.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	if deps.Compactor == nil {
		return nil, errMissingCompactor
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	keepDays := deps.PruneKeepDays
	if keepDays <= 0 {
		keepDays = defaultPruneKeepDays
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:    deps.Verifier,
		updates:     deps.Updates,
		snapshots:   deps.Snapshots,
		cache:       deps.Cache,
		writer:      deps.Writer,
		broadcaster: deps.Broadcaster,
		compactor:   deps.Compactor,
		keepDays:    keepDays,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.GET("/workspaces/:workspaceId/ws", handler.handleRealtime)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stats", handler.handleAggregateStats)
	protected.GET("/workspaces/:workspaceId/stats", handler.handleWorkspaceStats)
	protected.DELETE("/workspaces/:workspaceId/cache", handler.handleClearCache)
	protected.DELETE("/workspaces/:workspaceId/all", handler.handleClearCompletely)
	protected.POST("/workspaces/:workspaceId/prune", handler.handlePrune)
	protected.POST("/workspaces/:workspaceId/snapshot", handler.handleCreateSnapshot)

	return router, nil
}

type httpHandler struct {
	verifier    IdentityVerifier
	updates     *workspace.UpdateStore
	snapshots   *workspace.SnapshotStore
	cache       *workspace.StateCache
	writer      *workspace.UpdateWriter
	broadcaster *presence.Broadcaster
	compactor   *workspace.Compactor
	keepDays    int
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

// handleRealtime authenticates and upgrades a realtime connection. A missing
// or invalid credential does not abort the upgrade; the session rejects
// message flow instead.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	workspaceID := c.Param(workspaceParam)
	sessionID := uuid.NewString()

	userID := ""
	if credential := auth.CredentialFromRequest(c.Request); credential != "" {
		identity, err := h.verifier.Verify(c.Request.Context(), credential)
		if err != nil {
			h.logger.Warn("handshake credential rejected",
				zap.String("workspace_id", workspaceID),
				zap.String("session_id", sessionID),
				zap.Error(err))
		} else {
			userID = identity.UserID
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
		return
	}

	session := &realtimeSession{
		conn:        conn,
		workspaceID: workspaceID,
		userID:      userID,
		handler:     h,
		logger: h.logger.With(
			zap.String("workspace_id", workspaceID),
			zap.String("session_id", sessionID),
			zap.String("user_id", userID)),
		outbound: make(chan serverMessage, outboundBufferSize),
	}
	session.logger.Info("realtime session opened", zap.Bool("authenticated", userID != ""))
	session.run(c.Request.Context())
	session.logger.Info("realtime session closed")
}

type workspaceStatsPayload struct {
	WorkspaceID              string `json:"workspace_id"`
	InMemory                 bool   `json:"in_memory"`
	UpdateCountSinceSnapshot int    `json:"update_count_since_snapshot"`
	LastSnapshotAtMs         int64  `json:"last_snapshot_at_ms"`
	CachedSizeBytes          int64  `json:"cached_size_bytes"`
	StoredUpdateCount        int64  `json:"stored_update_count"`
	StoredUpdateBytes        int64  `json:"stored_update_bytes"`
	HasSnapshot              bool   `json:"has_snapshot"`
}

type aggregateStatsPayload struct {
	ActiveWorkspaces int                     `json:"active_workspaces"`
	Workspaces       []workspaceStatsPayload `json:"workspaces"`
}

func (h *httpHandler) handleWorkspaceStats(c *gin.Context) {
	workspaceID := c.Param(workspaceParam)
	stats, err := h.collectWorkspaceStats(c.Request.Context(), workspaceID)
	if err != nil {
		h.logger.Error("workspace stats failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleAggregateStats(c *gin.Context) {
	ids := h.cache.ActiveWorkspaceIDs()
	payload := aggregateStatsPayload{
		ActiveWorkspaces: h.cache.WorkspaceCount(),
		Workspaces:       make([]workspaceStatsPayload, 0, len(ids)),
	}
	for _, workspaceID := range ids {
		stats, err := h.collectWorkspaceStats(c.Request.Context(), workspaceID)
		if err != nil {
			h.logger.Error("workspace stats failed", zap.String("workspace_id", workspaceID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
			return
		}
		payload.Workspaces = append(payload.Workspaces, stats)
	}
	c.JSON(http.StatusOK, payload)
}

// collectWorkspaceStats composes in-memory and durable figures. Unknown
// workspaces simply match nothing and produce zero-valued stats.
func (h *httpHandler) collectWorkspaceStats(ctx context.Context, workspaceID string) (workspaceStatsPayload, error) {
	stats := workspaceStatsPayload{WorkspaceID: workspaceID}

	if state, ok := h.cache.Peek(workspaceID); ok {
		stats.InMemory = true
		stats.UpdateCountSinceSnapshot = state.UpdateCountSinceSnapshot
		stats.LastSnapshotAtMs = state.LastSnapshotAtMs
		stats.CachedSizeBytes = state.CachedSizeBytes
	}

	storedCount, err := h.updates.CountByWorkspace(ctx, workspaceID)
	if err != nil {
		return workspaceStatsPayload{}, err
	}
	storedBytes, err := h.updates.TotalSizeByWorkspace(ctx, workspaceID)
	if err != nil {
		return workspaceStatsPayload{}, err
	}
	hasSnapshot, err := h.snapshots.HasSnapshot(ctx, workspaceID)
	if err != nil {
		return workspaceStatsPayload{}, err
	}
	stats.StoredUpdateCount = storedCount
	stats.StoredUpdateBytes = storedBytes
	stats.HasSnapshot = hasSnapshot
	return stats, nil
}

func (h *httpHandler) handleClearCache(c *gin.Context) {
	workspaceID := c.Param(workspaceParam)
	h.cache.ClearWorkspaceCache(workspaceID)
	c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID, "status": "cache_cleared"})
}

func (h *httpHandler) handleClearCompletely(c *gin.Context) {
	workspaceID := c.Param(workspaceParam)
	if err := h.cache.ClearWorkspaceCompletely(c.Request.Context(), workspaceID); err != nil {
		h.logger.Error("complete wipe failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wipe_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID, "status": "wiped"})
}

func (h *httpHandler) handlePrune(c *gin.Context) {
	workspaceID := c.Param(workspaceParam)
	keepDays := h.keepDays
	if raw := c.Query("keepDays"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_keep_days"})
			return
		}
		keepDays = parsed
	}
	deleted := h.updates.PruneOldUpdates(c.Request.Context(), workspaceID, keepDays)
	c.JSON(http.StatusOK, gin.H{
		"workspace_id": workspaceID,
		"keep_days":    keepDays,
		"deleted":      deleted,
	})
}

func (h *httpHandler) handleCreateSnapshot(c *gin.Context) {
	workspaceID := c.Param(workspaceParam)
	author := c.GetString(userIDContextKey)
	if author == "" {
		author = workspace.SystemAuthorID
	}
	if err := h.compactor.CreateSnapshot(c.Request.Context(), workspaceID, author); err != nil {
		if errors.Is(err, workspace.ErrSnapshotUnavailable) {
			c.JSON(http.StatusConflict, gin.H{"error": "snapshot_unavailable"})
			return
		}
		h.logger.Error("manual compaction failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID, "status": "snapshot_created"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("admin token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, identity.UserID)
	c.Next()
}
