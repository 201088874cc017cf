package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RoundStatus defines the phase of the current round.
type RoundStatus string

const (
	RoundStatusDecision  RoundStatus = "decision"
	RoundStatusReview    RoundStatus = "review"
	RoundStatusInference RoundStatus = "inference"
	RoundStatusResult    RoundStatus = "result"
	RoundStatusFinished  RoundStatus = "finished"
)

// SessionStatus defines the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusPlaying  SessionStatus = "playing"
	SessionStatusPaused   SessionStatus = "paused"
	SessionStatusFinished SessionStatus = "finished"
)

// TimeoutStrategy defines what happens to stragglers when the decision
// deadline elapses.
type TimeoutStrategy string

const (
	TimeoutAutoSubmit TimeoutStrategy = "auto_submit"
	TimeoutSkip       TimeoutStrategy = "skip"
	TimeoutExtend     TimeoutStrategy = "extend"
)

// Participant is one seat in a session. The roster is fixed at session
// creation; membership management lives outside this subsystem.
type Participant struct {
	UserID      string `json:"user_id"`
	PlayerIndex int    `json:"player_index"`
	DisplayName string `json:"display_name,omitempty"`
}

// SessionSettings holds JSONB configuration for sessions.
type SessionSettings struct {
	DecisionWindowSec int             `json:"decision_window_sec"`
	ExtendWindowSec   int             `json:"extend_window_sec,omitempty"`
	TimeoutStrategy   TimeoutStrategy `json:"timeout_strategy"`
	Participants      []Participant   `json:"participants"`
}

// Participant returns the seat for userID, or nil if the user is not in
// the session.
func (s SessionSettings) Participant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// Session is the authoritative record of one running game instance.
//
// DecisionDeadline is an absolute timestamp so reconnecting clients can
// recompute remaining time without drift; it is non-nil iff RoundStatus is
// decision. TimedOutRound is the last round whose deadline strategy already
// fired, guarding the timeout against retriggering; ExtendedRound is the
// last round that already received its one deadline extension; UrgentRound
// is the last round whose deadline warning went out. Version increments on
// every committed mutation of the session.
type Session struct {
	ID               uuid.UUID       `json:"id"`
	RoomID           uuid.UUID       `json:"room_id"`
	HostID           string          `json:"host_id"`
	CurrentRound     int             `json:"current_round"`
	TotalRounds      int             `json:"total_rounds"` // 0 = unbounded
	RoundStatus      RoundStatus     `json:"round_status"`
	Status           SessionStatus   `json:"status"`
	Recovering       bool            `json:"recovering"`
	DecisionDeadline *time.Time      `json:"decision_deadline,omitempty"`
	TimedOutRound    int             `json:"timed_out_round"`
	ExtendedRound    int             `json:"extended_round"`
	UrgentRound      int             `json:"urgent_round"`
	Version          int64           `json:"version"`
	GameState        json.RawMessage `json:"game_state,omitempty"`
	Rules            string          `json:"rules,omitempty"`
	Settings         SessionSettings `json:"settings"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsTerminalRound reports whether the current round is the last one for a
// bounded session.
func (s *Session) IsTerminalRound() bool {
	return s.TotalRounds > 0 && s.CurrentRound >= s.TotalRounds
}
