package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/covenlabs/conclave/internal/models"
)

// CreateSessionRequest carries everything needed to start a session in
// round 1 decision phase.
type CreateSessionRequest struct {
	ID               uuid.UUID              `json:"id"`
	RoomID           uuid.UUID              `json:"room_id"`
	HostID           string                 `json:"host_id"`
	TotalRounds      int                    `json:"total_rounds"`
	DecisionDeadline *time.Time             `json:"decision_deadline"`
	GameState        json.RawMessage        `json:"game_state,omitempty"`
	Rules            string                 `json:"rules,omitempty"`
	Settings         models.SessionSettings `json:"settings"`
}

// NextDeadline is the earliest decision deadline across sessions.
type NextDeadline struct {
	SessionID uuid.UUID  `json:"session_id"`
	Deadline  *time.Time `json:"deadline"`
}
