package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/covenlabs/conclave/internal/events"
)

// ClientMessage is the envelope for every command a client sends over the
// socket.
type ClientMessage struct {
	Type         string    `json:"type"`
	RoomID       uuid.UUID `json:"room_id,omitempty"`
	SessionID    uuid.UUID `json:"session_id,omitempty"`
	SinceVersion int64     `json:"since_version,omitempty"`
	// Timestamp is echoed back verbatim on heartbeat so the client can
	// measure round-trip time.
	Timestamp int64 `json:"ts,omitempty"`
}

// Client command types.
const (
	ClientTrackRoom        = "track_room"
	ClientUntrackRoom      = "untrack_room"
	ClientSetActiveSession = "set_active_session"
	ClientSessionSync      = "session_sync"
	ClientGetDeltas        = "get_session_deltas"
	ClientHeartbeat        = "heartbeat"
)

// Server message types.
const (
	ServerEvent          = "event"
	ServerSessionSync    = "session_sync"
	ServerSessionDeltas  = "session_deltas"
	ServerResyncRequired = "resync_required"
	ServerHeartbeatAck   = "heartbeat_ack"
	ServerError          = "error"
)

// ServerMessage is the envelope for everything the gateway pushes to a
// client.
type ServerMessage struct {
	Type       string                `json:"type"`
	SessionID  uuid.UUID             `json:"session_id,omitempty"`
	Event      *events.SessionEvent  `json:"event,omitempty"`
	Events     []events.SessionEvent `json:"events,omitempty"`
	Data       json.RawMessage       `json:"data,omitempty"`
	Timestamp  int64                 `json:"ts,omitempty"`
	ServerTime time.Time             `json:"server_time,omitempty"`
	Message    string                `json:"message,omitempty"`
}

func errorMessage(msg string) ServerMessage {
	return ServerMessage{Type: ServerError, Message: msg}
}
