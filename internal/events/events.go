package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies a session event on the wire.
type Type string

const (
	TypeRoundStageChanged    Type = "round_stage_changed"
	TypeDecisionStatusUpdate Type = "decision_status_update"
	TypeGameStateUpdate      Type = "game_state_update"
	TypeInferenceStarted     Type = "inference_started"
	TypeInferenceCompleted   Type = "inference_completed"
	TypeInferenceFailed      Type = "inference_failed"
	TypeDeadlineUrgent       Type = "decision_deadline_urgent"
	TypeAnomalyDetected      Type = "anomaly_detected"
	TypeRecoveryApplied      Type = "recovery_applied"
	TypeSessionEnded         Type = "session_ended"
)

// SessionEvent is the envelope broadcast to every client tracking the
// session or its room. Version is the session's mutation counter at the
// commit that produced the event; delivery preserves commit order.
type SessionEvent struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	RoomID    uuid.UUID       `json:"room_id"`
	Type      Type            `json:"type"`
	Version   int64           `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Payload types shared between the engine, outbox and gateway packages.

// RoundStagePayload announces a committed phase transition.
type RoundStagePayload struct {
	Round            int        `json:"round"`
	RoundStatus      string     `json:"round_status"`
	SessionStatus    string     `json:"session_status"`
	Recovering       bool       `json:"recovering"`
	DecisionDeadline *time.Time `json:"decision_deadline,omitempty"`
}

// DecisionStatusPayload carries aggregate submission counts only; never
// payload content, so one participant's decision is not leaked to others.
type DecisionStatusPayload struct {
	Round     int `json:"round"`
	Submitted int `json:"submitted"`
	Total     int `json:"total"`
}

// GameStatePayload carries the committed game state after a result merge
// or a recovery rollback.
type GameStatePayload struct {
	Round     int             `json:"round"`
	GameState json.RawMessage `json:"game_state"`
}

// InferencePayload reports lifecycle changes of a round's inference call.
type InferencePayload struct {
	Round     int             `json:"round"`
	AttemptID string          `json:"attempt_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	ErrorMsg  string          `json:"error_message,omitempty"`
}

// DeadlineUrgentPayload is notification-only; it never drives a transition.
type DeadlineUrgentPayload struct {
	Round        int       `json:"round"`
	Deadline     time.Time `json:"deadline"`
	RemainingSec int       `json:"remaining_sec"`
}

// AnomalyPayload announces a newly opened anomaly and the repairs that
// apply to it.
type AnomalyPayload struct {
	Round   int      `json:"round"`
	Kind    string   `json:"kind"`
	Detail  string   `json:"detail,omitempty"`
	Actions []string `json:"actions"`
}

// RecoveryAppliedPayload announces a resolved anomaly.
type RecoveryAppliedPayload struct {
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	PreRound  int    `json:"pre_round"`
	PrePhase  string `json:"pre_phase"`
	PostRound int    `json:"post_round"`
	PostPhase string `json:"post_phase"`
}

// SessionEndedPayload announces the terminal transition.
type SessionEndedPayload struct {
	Round   int    `json:"round"`
	EndedBy string `json:"ended_by,omitempty"`
}

// New builds an event envelope with a fresh id and the given commit
// version.
func New(sessionID, roomID uuid.UUID, typ Type, version int64, at time.Time, payload any) (SessionEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return SessionEvent{}, err
	}
	return SessionEvent{
		ID:        uuid.New(),
		SessionID: sessionID,
		RoomID:    roomID,
		Type:      typ,
		Version:   version,
		Timestamp: at,
		Data:      data,
	}, nil
}
