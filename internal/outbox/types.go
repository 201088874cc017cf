package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one outbox row: a committed session event awaiting publication.
// Rows are inserted in the same transaction as the state mutation that
// produced them, so publication order equals commit order; Seq is the
// insertion serial that makes that order total.
type Event struct {
	Seq       int64           `json:"seq"`
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	RoomID    uuid.UUID       `json:"room_id"`
	EventType string          `json:"event_type"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// EventPublisher pushes a committed event to the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
