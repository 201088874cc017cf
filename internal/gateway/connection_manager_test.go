package gateway

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/covenlabs/conclave/internal/events"
)

func testConnection(cm *ConnectionManager, userID string) *Connection {
	return &Connection{
		ID:      uuid.New().String(),
		UserID:  userID,
		Send:    make(chan []byte, 16),
		Manager: cm,
		topics:  make(map[string]bool),
	}
}

func receivedTypes(t *testing.T, conn *Connection) []ServerMessage {
	t.Helper()
	var out []ServerMessage
	for {
		select {
		case raw := <-conn.Send:
			var msg ServerMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("unmarshal server message: %v", err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHandleBroadcast_UnionDedup(t *testing.T) {
	cm := NewConnectionManager(nil, NewDeltaLog(8), DefaultConnectionConfig())
	roomID := uuid.New()
	sessionID := uuid.New()

	// roomWatcher tracks the room only, player tracks both the room and the
	// session, spectator tracks the session only, bystander tracks an
	// unrelated room.
	roomWatcher := testConnection(cm, "watcher")
	player := testConnection(cm, "player")
	spectator := testConnection(cm, "spectator")
	bystander := testConnection(cm, "bystander")

	cm.subscribe(roomWatcher, roomTopic(roomID))
	cm.subscribe(player, roomTopic(roomID))
	cm.subscribe(player, sessionTopic(sessionID))
	cm.subscribe(spectator, sessionTopic(sessionID))
	cm.subscribe(bystander, roomTopic(uuid.New()))

	cm.handleBroadcast(events.SessionEvent{
		ID:        uuid.New(),
		SessionID: sessionID,
		RoomID:    roomID,
		Type:      events.TypeRoundStageChanged,
		Version:   7,
	})

	for _, tc := range []struct {
		name string
		conn *Connection
		want int
	}{
		{"room-only subscriber", roomWatcher, 1},
		{"dual subscriber receives once", player, 1},
		{"session-only subscriber", spectator, 1},
		{"unrelated room", bystander, 0},
	} {
		got := receivedTypes(t, tc.conn)
		if len(got) != tc.want {
			t.Errorf("%s: received %d messages, want %d", tc.name, len(got), tc.want)
			continue
		}
		if tc.want == 1 {
			if got[0].Type != ServerEvent {
				t.Errorf("%s: message type = %s, want %s", tc.name, got[0].Type, ServerEvent)
			}
			if got[0].Event == nil || got[0].Event.Version != 7 {
				t.Errorf("%s: event not carried through", tc.name)
			}
		}
	}
}

func TestSetActiveSession_SwapsTopic(t *testing.T) {
	cm := NewConnectionManager(nil, NewDeltaLog(8), DefaultConnectionConfig())
	conn := testConnection(cm, "player")

	first := uuid.New()
	second := uuid.New()

	conn.setActiveSession(first)
	if !conn.topics[sessionTopic(first)] {
		t.Fatal("first session topic not tracked")
	}

	conn.setActiveSession(second)
	if conn.topics[sessionTopic(first)] {
		t.Error("first session topic still tracked after swap")
	}
	if !conn.topics[sessionTopic(second)] {
		t.Error("second session topic not tracked")
	}
	if len(cm.topics[sessionTopic(first)]) != 0 {
		t.Error("manager still holds the connection under the old topic")
	}

	conn.setActiveSession(uuid.Nil)
	if conn.activeSession != uuid.Nil {
		t.Error("nil id should clear the active session")
	}
	if conn.topics[sessionTopic(second)] {
		t.Error("clearing should drop the session topic")
	}
}

func TestUnregisterConnection_Idempotent(t *testing.T) {
	cm := NewConnectionManager(nil, NewDeltaLog(8), DefaultConnectionConfig())
	conn := testConnection(cm, "player")
	cm.subscribe(conn, roomTopic(uuid.New()))

	cm.unregisterConnection(conn)
	// Both pumps call this on exit; the second call must not close Send
	// twice.
	cm.unregisterConnection(conn)

	if len(cm.topics) != 0 {
		t.Errorf("topics left behind: %d", len(cm.topics))
	}
	select {
	case _, open := <-conn.Send:
		if open {
			t.Error("send channel should be closed")
		}
	default:
		t.Error("send channel left open")
	}
}
