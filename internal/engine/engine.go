package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/covenlabs/conclave/internal/events"
	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/inference"
	"github.com/covenlabs/conclave/internal/models"
)

// Config tunes round timing.
type Config struct {
	DefaultDecisionWindow time.Duration
	DefaultExtendWindow   time.Duration
	InferenceMaxAttempts  int
}

// Engine owns every phase transition of every session. All mutating
// commands are serialized per session id and committed together with
// their outbox events, so broadcast order equals commit order.
type Engine struct {
	store    Store
	provider inference.Provider
	clock    clockwork.Clock
	cfg      Config
	locks    *keyedMutex
	wakeCh   chan struct{}
}

// NewEngine wires the engine over a store. provider may be nil in tests
// that never reach inference dispatch.
func NewEngine(store Store, provider inference.Provider, clock clockwork.Clock, cfg Config) *Engine {
	if cfg.DefaultDecisionWindow <= 0 {
		cfg.DefaultDecisionWindow = 90 * time.Second
	}
	if cfg.DefaultExtendWindow <= 0 {
		cfg.DefaultExtendWindow = 30 * time.Second
	}
	if cfg.InferenceMaxAttempts <= 0 {
		cfg.InferenceMaxAttempts = 3
	}
	return &Engine{
		store:    store,
		provider: provider,
		clock:    clock,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		wakeCh:   make(chan struct{}, 1),
	}
}

// WakeCh is drained by the deadline scheduler; the engine signals it
// whenever a commit may have produced a sooner deadline.
func (e *Engine) WakeCh() <-chan struct{} { return e.wakeCh }

func (e *Engine) wakeScheduler() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// withSession runs fn under the per-session lock, inside a transaction,
// with the session row locked.
func (e *Engine) withSession(ctx context.Context, sessionID uuid.UUID, fn func(tx Tx, sess *models.Session) error) error {
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	return e.store.Run(ctx, func(tx Tx) error {
		sess, err := tx.Sessions().GetForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		return fn(tx, sess)
	})
}

// pendingEvent is an event queued for the commit that is about to bump
// the session version.
type pendingEvent struct {
	typ     events.Type
	payload any
}

// commitState writes the session's lifecycle fields (bumping version) and
// inserts the queued events with the new version, all on tx.
func (e *Engine) commitState(ctx context.Context, tx Tx, sess *models.Session, pending ...pendingEvent) (*models.Session, error) {
	updated, err := tx.Sessions().UpdateState(ctx, sess)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	obox := tx.Outbox()
	for _, p := range pending {
		ev, err := events.New(updated.ID, updated.RoomID, p.typ, updated.Version, now, p.payload)
		if err != nil {
			return nil, err
		}
		if err := obox.Insert(ctx, ev); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// GetSession returns the current session row.
func (e *Engine) GetSession(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	return e.store.Sessions().Get(ctx, sessionID)
}

// ListDecisions returns the round's actions ordered by first submission.
// Safe during any phase; used by the moderator review view and recovery
// diagnostics.
func (e *Engine) ListDecisions(ctx context.Context, sessionID uuid.UUID, round int) ([]*models.PlayerAction, error) {
	return e.store.Actions().ListForRound(ctx, sessionID, round)
}

// SessionView is the full-state payload served to reconnecting clients.
type SessionView struct {
	Session         *models.Session             `json:"session"`
	LatestInference *models.InferenceResult     `json:"latest_inference,omitempty"`
	ActiveModifiers []*models.TemporaryModifier `json:"active_modifiers,omitempty"`
	Submitted       int                         `json:"submitted"`
	Total           int                         `json:"total"`
}

// SessionView assembles a full-state resync: current session, latest
// inference result and active modifiers, plus submission counts for the
// current round.
func (e *Engine) SessionView(ctx context.Context, sessionID uuid.UUID) (*SessionView, error) {
	sess, err := e.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	latest, err := e.store.Results().Latest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	mods, err := e.store.Modifiers().ListActive(ctx, sessionID, sess.CurrentRound)
	if err != nil {
		return nil, err
	}
	submitted, err := e.store.Actions().CountSubmitted(ctx, sessionID, sess.CurrentRound)
	if err != nil {
		return nil, err
	}
	return &SessionView{
		Session:         sess,
		LatestInference: latest,
		ActiveModifiers: mods,
		Submitted:       submitted,
		Total:           len(sess.Settings.Participants),
	}, nil
}

// EnsureSnapshot creates an automatic snapshot unless one already exists
// for the session's current round. Recovery actions call this first so
// that a recovery action is itself recoverable.
func (e *Engine) EnsureSnapshot(ctx context.Context, sessionID uuid.UUID) (*models.Snapshot, error) {
	var snap *models.Snapshot
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		snaps := tx.Snapshots()
		existing, err := snaps.LatestForRound(ctx, sessionID, sess.CurrentRound)
		if err != nil {
			return err
		}
		if existing != nil {
			snap = existing
			return nil
		}
		snap, err = snaps.Create(ctx, sess, "auto pre-recovery", true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// CreateSnapshot records a manual snapshot. Host only.
func (e *Engine) CreateSnapshot(ctx context.Context, sessionID uuid.UUID, hostID, label string) (*models.Snapshot, error) {
	var snap *models.Snapshot
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		var err error
		snap, err = tx.Snapshots().Create(ctx, sess, label, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Str("snapshot_id", snap.ID.String()).
		Msg("snapshot created")
	return snap, nil
}

// ListSnapshots returns the session's snapshots, newest first.
func (e *Engine) ListSnapshots(ctx context.Context, sessionID uuid.UUID) ([]*models.Snapshot, error) {
	return e.store.Snapshots().List(ctx, sessionID)
}

// DeleteSnapshot removes one of the session's snapshots. Host only; a
// snapshot id from another session is rejected.
func (e *Engine) DeleteSnapshot(ctx context.Context, sessionID uuid.UUID, hostID string, snapshotID uuid.UUID) error {
	return e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		snap, err := tx.Snapshots().Get(ctx, snapshotID)
		if err != nil {
			return err
		}
		if snap.SessionID != sess.ID {
			return fault.New(fault.KindNotFound, "snapshot %s not found for session %s", snapshotID, sess.ID)
		}
		return tx.Snapshots().Delete(ctx, snapshotID)
	})
}
