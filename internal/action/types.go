package action

import (
	"encoding/json"

	"github.com/google/uuid"
)

// UpsertParams identifies the (session, round, user) slot and the payload
// to record for it.
type UpsertParams struct {
	SessionID   uuid.UUID       `json:"session_id"`
	Round       int             `json:"round"`
	UserID      string          `json:"user_id"`
	PlayerIndex int             `json:"player_index"`
	Payload     json.RawMessage `json:"payload"`
}
