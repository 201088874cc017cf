package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionStatus defines the submission state of a player action.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusSubmitted ActionStatus = "submitted"
)

// PlayerAction is one participant's decision for one round. There is
// exactly one row per (session, round, user); resubmission before the
// deadline overwrites the payload, while SubmittedAt keeps the first
// submission's time.
type PlayerAction struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    uuid.UUID       `json:"session_id"`
	Round        int             `json:"round"`
	UserID       string          `json:"user_id"`
	PlayerIndex  int             `json:"player_index"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       ActionStatus    `json:"status"`
	HostModified bool            `json:"host_modified"`
	SubmittedAt  *time.Time      `json:"submitted_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
