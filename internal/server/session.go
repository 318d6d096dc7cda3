package server

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/lodestarhq/lodestar/backend/internal/presence"
	"github.com/lodestarhq/lodestar/backend/internal/workspace"
	"go.uber.org/zap"
)

const outboundBufferSize = 32

// realtimeSession owns one upgraded websocket connection bound to a single
// workspace. All writes to the connection are funneled through the outbound
// channel so only the write pump ever touches the socket.
type realtimeSession struct {
	conn        *websocket.Conn
	workspaceID string
	userID      string
	handler     *httpHandler
	logger      *zap.Logger
	outbound    chan serverMessage
}

// run drives the session until the connection closes. Unauthenticated
// connections are kept open but every message is answered with an error
// envelope: the handshake accepts the transport and rejection happens at the
// message layer.
func (s *realtimeSession) run(ctx context.Context) {
	defer s.conn.Close()

	if s.userID == "" {
		s.rejectLoop()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, entries, subscriberID, cleanup := s.handler.broadcaster.Subscribe(ctx, s.workspaceID)
	defer cleanup()
	// Presence entry removal and the user-left broadcast happen on any exit
	// path, including abrupt connection loss. Deltas already handed to the
	// update writer are persisted regardless.
	defer s.handler.broadcaster.Leave(s.workspaceID, s.userID)

	go s.writePump(ctx)
	go s.forwardEvents(ctx, stream)

	s.send(ctx, serverMessage{
		Type:        messageTypePresence,
		WorkspaceID: s.workspaceID,
		Presence:    entries,
	})

	for {
		var message clientMessage
		if err := s.conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("realtime connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		s.handleMessage(ctx, subscriberID, message)
	}
}

func (s *realtimeSession) handleMessage(ctx context.Context, subscriberID int64, message clientMessage) {
	switch message.Type {
	case messageTypeUpdate:
		s.handleUpdate(ctx, subscriberID, message)
	case messageTypeSync:
		s.handleSync(ctx, message)
	case messageTypeSnapshot:
		if err := s.handler.cache.ApplyClientSnapshot(ctx, s.workspaceID, message.Snapshot, message.StateVector); err != nil {
			s.logger.Warn("applying client snapshot failed", zap.Error(err))
		}
	case messageTypeJoin:
		s.handler.broadcaster.Join(s.workspaceID, s.userID, message.Payload)
	case messageTypeLeave:
		s.handler.broadcaster.Leave(s.workspaceID, s.userID)
	case messageTypeCursorMove, messageTypeSelectionChange, messageTypeMemberUpdate, messageTypeContentChange:
		s.handler.broadcaster.PublishExcept(s.workspaceID, subscriberID, presence.Event{
			Type:    message.Type,
			UserID:  s.userID,
			Payload: message.Payload,
		})
	case messageTypePing:
		s.send(ctx, serverMessage{Type: messageTypePong})
	default:
		s.send(ctx, serverMessage{Type: messageTypeError, Error: errorUnknownType})
	}
}

// handleUpdate hands the opaque delta to the per-workspace writer. The relay
// to other subscribers runs only after the delta is durably appended.
func (s *realtimeSession) handleUpdate(ctx context.Context, subscriberID int64, message clientMessage) {
	err := s.handler.writer.Enqueue(s.workspaceID, message.Update, s.userID, func(update workspace.Update) {
		encoded, marshalErr := json.Marshal(update.Payload)
		if marshalErr != nil {
			return
		}
		s.handler.broadcaster.PublishExcept(s.workspaceID, subscriberID, presence.Event{
			Type:    presence.EventUpdate,
			UserID:  s.userID,
			Payload: encoded,
		})
	})
	if err != nil {
		s.logger.Warn("delta enqueue rejected", zap.Error(err))
		s.send(ctx, serverMessage{Type: messageTypeError, Error: errorUpdateRejected})
	}
}

// handleSync replies with the current snapshot (when newer than the client's
// cursor) and every delta the snapshot did not absorb, in acceptance order.
// Replay next to a snapshot is keyed by the snapshot's covered update id, so
// deltas accepted while that snapshot was being written are never skipped.
func (s *realtimeSession) handleSync(ctx context.Context, message clientMessage) {
	reply := serverMessage{Type: messageTypeSyncState, WorkspaceID: s.workspaceID}
	since := message.SinceMillis

	snapshot, hasSnapshot, err := s.handler.snapshots.LoadLatestSnapshot(ctx, s.workspaceID)
	if err != nil {
		s.logger.Error("snapshot lookup failed during sync", zap.Error(err))
		s.send(ctx, serverMessage{Type: messageTypeError, Error: "sync_failed"})
		return
	}

	var updates []workspace.Update
	if hasSnapshot && snapshot.UpdatedAtMs > since {
		reply.Snapshot = snapshot.Snapshot
		reply.StateVector = snapshot.StateVector
		updates, err = s.handler.updates.LoadUpdatesAfterID(ctx, s.workspaceID, snapshot.CoveredUpdateID)
	} else {
		updates, err = s.handler.updates.LoadUpdatesAfter(ctx, s.workspaceID, since)
	}
	if err != nil {
		s.logger.Error("update replay failed during sync", zap.Error(err))
		s.send(ctx, serverMessage{Type: messageTypeError, Error: "sync_failed"})
		return
	}
	reply.Updates = make([][]byte, 0, len(updates))
	for _, update := range updates {
		reply.Updates = append(reply.Updates, update.Payload)
	}
	s.send(ctx, reply)
}

func (s *realtimeSession) forwardEvents(ctx context.Context, stream <-chan presence.Event) {
	for {
		select {
		case event, ok := <-stream:
			if !ok {
				return
			}
			s.send(ctx, eventMessage(event))
		case <-ctx.Done():
			return
		}
	}
}

func (s *realtimeSession) writePump(ctx context.Context) {
	for {
		select {
		case message := <-s.outbound:
			if err := s.conn.WriteJSON(message); err != nil {
				s.logger.Debug("realtime write failed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *realtimeSession) send(ctx context.Context, message serverMessage) {
	select {
	case s.outbound <- message:
	case <-ctx.Done():
	}
}

// rejectLoop answers every message on an unauthenticated connection with an
// error envelope until the client gives up.
func (s *realtimeSession) rejectLoop() {
	for {
		var message clientMessage
		if err := s.conn.ReadJSON(&message); err != nil {
			return
		}
		if err := s.conn.WriteJSON(serverMessage{Type: messageTypeError, Error: errorUnauthenticated}); err != nil {
			return
		}
	}
}
