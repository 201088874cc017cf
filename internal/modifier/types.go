package modifier

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/covenlabs/conclave/internal/models"
)

// CreateParams describes a moderator-injected event or rule.
type CreateParams struct {
	SessionID       uuid.UUID           `json:"session_id"`
	Kind            models.ModifierKind `json:"kind"`
	Description     string              `json:"description"`
	Round           int                 `json:"round"`
	EffectiveRounds int                 `json:"effective_rounds"`
	Progress        json.RawMessage     `json:"progress,omitempty"`
	CreatedBy       string              `json:"created_by"`
}
