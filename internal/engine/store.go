package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/covenlabs/conclave/internal/action"
	"github.com/covenlabs/conclave/internal/events"
	"github.com/covenlabs/conclave/internal/models"
	"github.com/covenlabs/conclave/internal/modifier"
	"github.com/covenlabs/conclave/internal/session"
)

// Store abstracts the persistence layer behind the engine: Postgres in
// production, an in-memory double in tests. The embedded Tx accessors
// serve reads outside a transaction; Run opens a transaction whose
// writes commit together or not at all.
type Store interface {
	Run(ctx context.Context, fn func(tx Tx) error) error
	Tx
}

// Tx exposes the per-table stores bound to one transaction (or, on the
// Store itself, to the plain handle).
type Tx interface {
	Sessions() SessionStore
	Actions() ActionStore
	Modifiers() ModifierStore
	Results() ResultStore
	Snapshots() SnapshotStore
	Anomalies() AnomalyStore
	Outbox() OutboxStore
}

// SessionStore persists session rows.
type SessionStore interface {
	Create(ctx context.Context, req session.CreateSessionRequest) (*models.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// GetForUpdate loads the session with a row lock held until the
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// UpdateState writes the round-lifecycle fields and bumps the version
	// counter; the returned row carries the new version.
	UpdateState(ctx context.Context, sess *models.Session) (*models.Session, error)
	// MarkUrgentNotified advances the urgency guard; reports false when
	// the round's notification already went out.
	MarkUrgentNotified(ctx context.Context, id uuid.UUID, round int) (bool, error)
	FetchNextDeadline(ctx context.Context) (*session.NextDeadline, error)
	FetchSessionsDue(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error)
	FetchSessionsNearDeadline(ctx context.Context, now time.Time, within time.Duration, limit int32) ([]*models.Session, error)
}

// ActionStore persists player actions, one row per (session, round, user).
type ActionStore interface {
	Upsert(ctx context.Context, params action.UpsertParams) (*models.PlayerAction, error)
	InsertPending(ctx context.Context, sessionID uuid.UUID, round int, p models.Participant) error
	UpdatePayload(ctx context.Context, sessionID uuid.UUID, round int, userID string, payload json.RawMessage) (*models.PlayerAction, error)
	ListForRound(ctx context.Context, sessionID uuid.UUID, round int) ([]*models.PlayerAction, error)
	CountSubmitted(ctx context.Context, sessionID uuid.UUID, round int) (int, error)
	DeleteForRound(ctx context.Context, sessionID uuid.UUID, round int) error
	// ResetFromRound rewinds the given round and everything after it to
	// pending, clearing payloads.
	ResetFromRound(ctx context.Context, sessionID uuid.UUID, round int) error
}

// ModifierStore persists temporary modifiers.
type ModifierStore interface {
	Create(ctx context.Context, params modifier.CreateParams) (*models.TemporaryModifier, error)
	ListActive(ctx context.Context, sessionID uuid.UUID, round int) ([]*models.TemporaryModifier, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error
}

// ResultStore persists inference results, one row per (session, round),
// fenced on attempt id.
type ResultStore interface {
	Issue(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID) (*models.InferenceResult, error)
	// Complete and Fail return nil, nil for a stale or already-settled
	// attempt so callers can discard late responses without error noise.
	Complete(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID, result json.RawMessage) (*models.InferenceResult, error)
	Fail(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID, errInfo models.InferenceError) (*models.InferenceResult, error)
	Latest(ctx context.Context, sessionID uuid.UUID) (*models.InferenceResult, error)
}

// SnapshotStore persists rollback snapshots.
type SnapshotStore interface {
	Create(ctx context.Context, sess *models.Session, label string, auto bool) (*models.Snapshot, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Snapshot, error)
	LatestForRound(ctx context.Context, sessionID uuid.UUID, round int) (*models.Snapshot, error)
	List(ctx context.Context, sessionID uuid.UUID) ([]*models.Snapshot, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// AnomalyStore persists anomalies and the recovery audit log. The
// concrete implementation lives in internal/recovery.
type AnomalyStore interface {
	// Open creates an anomaly unless one is already open for the same
	// (session, round, kind); reports whether a row was created.
	Open(ctx context.Context, sessionID uuid.UUID, round int, kind models.AnomalyKind, detail string) (*models.Anomaly, bool, error)
	ListOpen(ctx context.Context, sessionID uuid.UUID) ([]*models.Anomaly, error)
	// Resolve settles one anomaly with the action that repaired it.
	Resolve(ctx context.Context, id uuid.UUID, actor string, act models.RecoveryAction, at time.Time) error
	// InsertLog appends an audit entry for an applied recovery action.
	InsertLog(ctx context.Context, entry models.RecoveryLogEntry) error
}

// OutboxStore persists events for ordered publication.
type OutboxStore interface {
	Insert(ctx context.Context, ev events.SessionEvent) error
}
