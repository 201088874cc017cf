package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ModifierKind distinguishes one-off events from standing rule changes.
type ModifierKind string

const (
	ModifierKindEvent ModifierKind = "event"
	ModifierKindRule  ModifierKind = "rule"
)

// TemporaryModifier is a moderator-injected event or rule scoped to a
// window of rounds. Progress carries per-round bookkeeping that the
// inference bundle echoes back each round until expiry.
type TemporaryModifier struct {
	ID              uuid.UUID       `json:"id"`
	SessionID       uuid.UUID       `json:"session_id"`
	Kind            ModifierKind    `json:"kind"`
	Description     string          `json:"description"`
	Round           int             `json:"round"` // first effective round
	EffectiveRounds int             `json:"effective_rounds"`
	Progress        json.RawMessage `json:"progress,omitempty"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ActiveInRound reports whether the modifier still applies in round.
func (m *TemporaryModifier) ActiveInRound(round int) bool {
	return round >= m.Round && round < m.Round+m.EffectiveRounds
}
