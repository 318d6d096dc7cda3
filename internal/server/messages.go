package server

import (
	"encoding/json"

	"github.com/lodestarhq/lodestar/backend/internal/presence"
)

// Client-originated message types.
const (
	messageTypeUpdate          = "update"
	messageTypeSync            = "sync"
	messageTypeSnapshot        = "snapshot"
	messageTypeJoin            = "join"
	messageTypeLeave           = "leave"
	messageTypeCursorMove      = "cursor-move"
	messageTypeSelectionChange = "selection-change"
	messageTypeMemberUpdate    = "member-update"
	messageTypeContentChange   = "content-change"
	messageTypePing            = "ping"
)

// Server-originated message types.
const (
	messageTypePong      = "pong"
	messageTypePresence  = "presence"
	messageTypeSyncState = "sync-state"
	messageTypeError     = "error"
)

const (
	errorUnauthenticated = "unauthenticated"
	errorUnknownType     = "unknown_message_type"
	errorUpdateRejected  = "update_rejected"
)

// clientMessage is the JSON envelope read from a realtime connection. Update
// and snapshot bytes travel base64-encoded; the server never interprets them.
type clientMessage struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Update      []byte          `json:"update,omitempty"`
	Snapshot    []byte          `json:"snapshot,omitempty"`
	StateVector []byte          `json:"stateVector,omitempty"`
	SinceMillis int64           `json:"sinceMillis,omitempty"`
}

// serverMessage is the JSON envelope written to a realtime connection.
type serverMessage struct {
	Type        string           `json:"type"`
	UserID      string           `json:"userId,omitempty"`
	WorkspaceID string           `json:"workspaceId,omitempty"`
	TimestampMs int64            `json:"timestampMillis,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Snapshot    []byte           `json:"snapshot,omitempty"`
	StateVector []byte           `json:"stateVector,omitempty"`
	Updates     [][]byte         `json:"updates,omitempty"`
	Presence    []presence.Entry `json:"presence,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func eventMessage(event presence.Event) serverMessage {
	return serverMessage{
		Type:        event.Type,
		UserID:      event.UserID,
		WorkspaceID: event.WorkspaceID,
		TimestampMs: event.TimestampMs,
		Payload:     event.Payload,
	}
}
