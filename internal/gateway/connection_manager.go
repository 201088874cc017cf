package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/covenlabs/conclave/internal/engine"
	"github.com/covenlabs/conclave/internal/events"
)

// StateSource serves full-state resyncs; the engine implements it.
type StateSource interface {
	SessionView(ctx context.Context, sessionID uuid.UUID) (*engine.SessionView, error)
}

// ConnectionManager manages WebSocket connections and their topic
// subscriptions. A connection tracking both a room and the room's active
// session still receives each event once.
type ConnectionManager struct {
	// Connection pools organized by topic ("room:<id>" / "session:<id>")
	topics map[string]map[*Connection]bool
	mu     sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	state  StateSource
	deltas *DeltaLog

	broadcastCh chan events.SessionEvent
}

// Connection represents one WebSocket client.
type Connection struct {
	ID      string
	UserID  string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// Subscription state, guarded by the manager's lock.
	topics        map[string]bool
	activeSession uuid.UUID

	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager.
func NewConnectionManager(state StateSource, deltas *DeltaLog, config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		topics: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		state:       state,
		deltas:      deltas,
		broadcastCh: make(chan events.SessionEvent, 1000),
	}
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case ev := <-cm.broadcastCh:
			cm.handleBroadcast(ev)
		}
	}
}

func roomTopic(id uuid.UUID) string    { return "room:" + id.String() }
func sessionTopic(id uuid.UUID) string { return "session:" + id.String() }

// UpgradeConnection upgrades an HTTP connection to WebSocket and starts
// its pumps. The connection subscribes to nothing until the client sends
// track_room or set_active_session.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:            uuid.New().String(),
		UserID:        userID,
		Conn:          conn,
		Send:          make(chan []byte, 256),
		Manager:       cm,
		topics:        make(map[string]bool),
		ConnectedAt:   time.Now(),
		LastHeartbeat: time.Now(),
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Msg("WebSocket connection established")
	return nil
}

// subscribe adds the connection to a topic.
func (cm *ConnectionManager) subscribe(conn *Connection, topic string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.topics[topic] == nil {
		cm.topics[topic] = make(map[*Connection]bool)
	}
	cm.topics[topic][conn] = true
	conn.topics[topic] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("topic", topic).
		Int("subscribers", len(cm.topics[topic])).
		Msg("topic subscribed")
}

// unsubscribe removes the connection from a topic.
func (cm *ConnectionManager) unsubscribe(conn *Connection, topic string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.unsubscribeLocked(conn, topic)
}

func (cm *ConnectionManager) unsubscribeLocked(conn *Connection, topic string) {
	delete(conn.topics, topic)
	if subs, exists := cm.topics[topic]; exists {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(cm.topics, topic)
		}
	}
}

// unregisterConnection removes the connection from every topic and closes
// its send channel.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.topics == nil {
		return
	}
	for topic := range conn.topics {
		cm.unsubscribeLocked(conn, topic)
	}
	conn.topics = nil
	close(conn.Send)

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Msg("connection unregistered")
}

// Broadcast queues an event for delivery to everyone tracking its room or
// session.
func (cm *ConnectionManager) Broadcast(ev events.SessionEvent) {
	select {
	case cm.broadcastCh <- ev:
	default:
		log.Warn().
			Str("session_id", ev.SessionID.String()).
			Str("event_type", string(ev.Type)).
			Msg("broadcast channel full, dropping event")
	}
}

// handleBroadcast fans one event out to the union of its room and session
// subscribers, each connection at most once.
func (cm *ConnectionManager) handleBroadcast(ev events.SessionEvent) {
	cm.mu.RLock()
	targets := make(map[*Connection]bool)
	for conn := range cm.topics[roomTopic(ev.RoomID)] {
		targets[conn] = true
	}
	for conn := range cm.topics[sessionTopic(ev.SessionID)] {
		targets[conn] = true
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(ServerMessage{Type: ServerEvent, Event: &ev})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for conn := range targets {
		select {
		case conn.Send <- data:
		default:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(ev.Type)).
		Str("session_id", ev.SessionID.String()).
		Int64("version", ev.Version).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	seen := make(map[*Connection]bool)
	topicCounts := make(map[string]int)
	for topic, subs := range cm.topics {
		topicCounts[topic] = len(subs)
		for conn := range subs {
			seen[conn] = true
		}
	}

	return map[string]interface{}{
		"total_connections": len(seen),
		"active_topics":     len(cm.topics),
		"topic_connections": topicCounts,
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage dispatches one client command.
func (c *Connection) handleClientMessage(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(errorMessage("malformed message"))
		return
	}

	switch msg.Type {
	case ClientTrackRoom:
		if msg.RoomID == uuid.Nil {
			c.reply(errorMessage("room_id is required"))
			return
		}
		c.Manager.subscribe(c, roomTopic(msg.RoomID))

	case ClientUntrackRoom:
		if msg.RoomID == uuid.Nil {
			c.reply(errorMessage("room_id is required"))
			return
		}
		c.Manager.unsubscribe(c, roomTopic(msg.RoomID))

	case ClientSetActiveSession:
		c.setActiveSession(msg.SessionID)

	case ClientSessionSync:
		c.sendSessionSync(msg.SessionID)

	case ClientGetDeltas:
		c.sendDeltas(msg.SessionID, msg.SinceVersion)

	case ClientHeartbeat:
		// Echo only; presence is never derived from heartbeat cadence.
		c.LastHeartbeat = time.Now()
		c.reply(ServerMessage{
			Type:       ServerHeartbeatAck,
			Timestamp:  msg.Timestamp,
			ServerTime: time.Now().UTC(),
		})

	default:
		c.reply(errorMessage(fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

// setActiveSession swaps the connection's single active-session topic; a
// nil id just clears it.
func (c *Connection) setActiveSession(sessionID uuid.UUID) {
	cm := c.Manager
	cm.mu.Lock()
	if c.activeSession != uuid.Nil && c.activeSession != sessionID {
		cm.unsubscribeLocked(c, sessionTopic(c.activeSession))
	}
	c.activeSession = sessionID
	if sessionID != uuid.Nil {
		if cm.topics[sessionTopic(sessionID)] == nil {
			cm.topics[sessionTopic(sessionID)] = make(map[*Connection]bool)
		}
		cm.topics[sessionTopic(sessionID)][c] = true
		c.topics[sessionTopic(sessionID)] = true
	}
	cm.mu.Unlock()
}

// sendSessionSync serves the full authoritative state for one session.
func (c *Connection) sendSessionSync(sessionID uuid.UUID) {
	if sessionID == uuid.Nil {
		c.reply(errorMessage("session_id is required"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	view, err := c.Manager.state.SessionView(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).
			Str("connection_id", c.ID).
			Str("session_id", sessionID.String()).
			Msg("session sync failed")
		c.reply(errorMessage("session sync failed"))
		return
	}
	data, err := json.Marshal(view)
	if err != nil {
		c.reply(errorMessage("session sync failed"))
		return
	}
	c.reply(ServerMessage{Type: ServerSessionSync, SessionID: sessionID, Data: data})
}

// sendDeltas serves the retained events after since_version, or tells the
// client to fall back to a full sync when the window no longer reaches.
func (c *Connection) sendDeltas(sessionID uuid.UUID, since int64) {
	if sessionID == uuid.Nil {
		c.reply(errorMessage("session_id is required"))
		return
	}
	deltas, ok := c.Manager.deltas.Since(sessionID, since)
	if !ok {
		c.reply(ServerMessage{Type: ServerResyncRequired, SessionID: sessionID})
		return
	}
	c.reply(ServerMessage{Type: ServerSessionDeltas, SessionID: sessionID, Events: deltas})
}

func (c *Connection) reply(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal reply")
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().Str("connection_id", c.ID).Msg("reply dropped, send buffer full")
	}
}
