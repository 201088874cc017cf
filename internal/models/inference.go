package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InferenceStatus defines the state of one round's inference call.
type InferenceStatus string

const (
	InferenceStatusPending   InferenceStatus = "pending"
	InferenceStatusCompleted InferenceStatus = "completed"
	InferenceStatusFailed    InferenceStatus = "failed"
)

// InferenceErrorKind classifies provider failures.
type InferenceErrorKind string

const (
	InferenceErrorTimeout   InferenceErrorKind = "timeout"
	InferenceErrorProvider  InferenceErrorKind = "provider"
	InferenceErrorMalformed InferenceErrorKind = "malformed"
)

// InferenceError carries structured failure detail for a failed call.
type InferenceError struct {
	Kind    InferenceErrorKind `json:"kind"`
	Message string             `json:"message"`
}

// InferenceResult is the one record per (session, round) tracking the
// external inference call. AttemptID changes on every (re)issue; a late
// response tagged with a stale attempt id is discarded, not applied.
type InferenceResult struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   uuid.UUID       `json:"session_id"`
	Round       int             `json:"round"`
	AttemptID   uuid.UUID       `json:"attempt_id"`
	Status      InferenceStatus `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorInfo   *InferenceError `json:"error_info,omitempty"`
	// AttemptCount counts every issue for this round, including retries.
	AttemptCount int        `json:"attempt_count"`
	RequestedAt  time.Time  `json:"requested_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
