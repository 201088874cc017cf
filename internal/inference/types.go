package inference

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// ErrMalformed marks a provider response that decoded but failed
// structural validation, or did not decode at all.
var ErrMalformed = errors.New("malformed inference response")

// Bundle is the full request handed to the provider for one round: every
// player action, the active modifiers and the declared game rules. The
// provider treats it as opaque context.
type Bundle struct {
	SessionID uuid.UUID       `json:"session_id"`
	Round     int             `json:"round"`
	AttemptID uuid.UUID       `json:"attempt_id"`
	Rules     string          `json:"rules,omitempty"`
	GameState json.RawMessage `json:"game_state,omitempty"`
	Decisions []Decision      `json:"decisions"`
	Modifiers []Modifier      `json:"modifiers,omitempty"`
}

// Decision is one participant's input as bundled for the provider.
type Decision struct {
	UserID       string          `json:"user_id"`
	PlayerIndex  int             `json:"player_index"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Submitted    bool            `json:"submitted"`
	HostModified bool            `json:"host_modified,omitempty"`
}

// Modifier is an active temporary event/rule as bundled for the provider.
type Modifier struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	RoundsLeft  int             `json:"rounds_left"`
	Progress    json.RawMessage `json:"progress,omitempty"`
}

// Outcome is the structure the provider's response must carry: a
// narrative payload plus a declared set of top-level game state deltas.
// ModifierProgress, keyed by modifier id, updates the per-modifier
// progress blob when the provider advances a multi-round event.
type Outcome struct {
	Narrative        string                     `json:"narrative"`
	Deltas           map[string]json.RawMessage `json:"deltas,omitempty"`
	ModifierProgress map[string]json.RawMessage `json:"modifier_progress,omitempty"`
}

// Valid reports whether the outcome passes structural validation; a
// response with neither narrative nor deltas is malformed.
func (o *Outcome) Valid() bool {
	return o.Narrative != "" || len(o.Deltas) > 0
}

// Provider resolves one bundled request into an outcome. Implementations
// make exactly one provider call per Resolve; retry policy belongs to the
// recovery engine, not the client.
type Provider interface {
	Resolve(ctx context.Context, bundle Bundle) (*Outcome, error)
}
