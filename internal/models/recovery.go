package models

import (
	"time"

	"github.com/google/uuid"
)

// AnomalyKind classifies detected stalled or corrupted round conditions.
type AnomalyKind string

const (
	AnomalyAITimeout         AnomalyKind = "ai_timeout"
	AnomalyAIError           AnomalyKind = "ai_error"
	AnomalyNoDecisions       AnomalyKind = "no_decisions"
	AnomalyDataInconsistency AnomalyKind = "data_inconsistency"
)

// RecoveryAction is one of the closed set of operator-triggered repairs.
type RecoveryAction string

const (
	RecoveryRetryInference       RecoveryAction = "retry_inference"
	RecoveryResetToDecision      RecoveryAction = "reset_to_decision"
	RecoverySkipRound            RecoveryAction = "skip_round"
	RecoveryRollbackRound        RecoveryAction = "rollback_round"
	RecoveryForceNextRound       RecoveryAction = "force_next_round"
	RecoveryFixDataInconsistency RecoveryAction = "fix_data_inconsistency"
)

// Anomaly is an open or resolved stalled-round condition. At most one open
// anomaly exists per (session, round, kind).
type Anomaly struct {
	ID             uuid.UUID      `json:"id"`
	SessionID      uuid.UUID      `json:"session_id"`
	Round          int            `json:"round"`
	Kind           AnomalyKind    `json:"kind"`
	Detail         string         `json:"detail,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	Resolved       bool           `json:"resolved"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAction RecoveryAction `json:"resolved_action,omitempty"`
}

// RecoveryLogEntry records an applied recovery action with its pre/post
// round and phase for audit.
type RecoveryLogEntry struct {
	ID        uuid.UUID      `json:"id"`
	SessionID uuid.UUID      `json:"session_id"`
	Actor     string         `json:"actor"`
	Action    RecoveryAction `json:"action"`
	PreRound  int            `json:"pre_round"`
	PrePhase  RoundStatus    `json:"pre_phase"`
	PostRound int            `json:"post_round"`
	PostPhase RoundStatus    `json:"post_phase"`
	CreatedAt time.Time      `json:"created_at"`
}

// ActionsFor returns the recovery actions applicable to an anomaly kind.
func ActionsFor(kind AnomalyKind) []RecoveryAction {
	switch kind {
	case AnomalyAITimeout, AnomalyAIError:
		return []RecoveryAction{
			RecoveryRetryInference,
			RecoveryResetToDecision,
			RecoverySkipRound,
			RecoveryRollbackRound,
			RecoveryForceNextRound,
		}
	case AnomalyNoDecisions:
		return []RecoveryAction{
			RecoveryResetToDecision,
			RecoverySkipRound,
			RecoveryRollbackRound,
		}
	case AnomalyDataInconsistency:
		return []RecoveryAction{
			RecoveryFixDataInconsistency,
			RecoveryRollbackRound,
		}
	default:
		return nil
	}
}
