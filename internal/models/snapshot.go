package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable point-in-time copy of session state usable for
// rollback. Rows are retained until explicitly deleted.
type Snapshot struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   uuid.UUID       `json:"session_id"`
	Round       int             `json:"round"`
	RoundStatus RoundStatus     `json:"round_status"`
	Version     int64           `json:"version"`
	GameState   json.RawMessage `json:"game_state,omitempty"`
	Label       string          `json:"label,omitempty"`
	Auto        bool            `json:"auto"` // created implicitly before a recovery action
	CreatedAt   time.Time       `json:"created_at"`
}
