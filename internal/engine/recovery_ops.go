package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/covenlabs/conclave/internal/events"
	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/inference"
	"github.com/covenlabs/conclave/internal/models"
)

// applyRecovery wraps one recovery action: mutate under the session lock,
// resolve the anomaly, append the audit entry, recompute the recovering
// flag from the remaining open anomalies and broadcast the result. The
// whole repair commits atomically or not at all.
func (e *Engine) applyRecovery(
	ctx context.Context,
	sessionID, anomalyID uuid.UUID,
	actor string,
	act models.RecoveryAction,
	mutate func(tx Tx, sess *models.Session) ([]pendingEvent, error),
) (*models.Session, error) {
	var updated *models.Session
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if !sess.Recovering {
			return fault.New(fault.KindPrecondition, "session is not recovering")
		}
		preRound, prePhase := sess.CurrentRound, sess.RoundStatus

		extra, err := mutate(tx, sess)
		if err != nil {
			return err
		}

		now := e.clock.Now().UTC()
		if err := tx.Anomalies().Resolve(ctx, anomalyID, actor, act, now); err != nil {
			return err
		}
		open, err := tx.Anomalies().ListOpen(ctx, sess.ID)
		if err != nil {
			return err
		}
		sess.Recovering = len(open) > 0

		if err := tx.Anomalies().InsertLog(ctx, models.RecoveryLogEntry{
			ID:        uuid.New(),
			SessionID: sess.ID,
			Actor:     actor,
			Action:    act,
			PreRound:  preRound,
			PrePhase:  prePhase,
			PostRound: sess.CurrentRound,
			PostPhase: sess.RoundStatus,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		pending := append(extra,
			pendingEvent{events.TypeRecoveryApplied, events.RecoveryAppliedPayload{
				Action:    string(act),
				Actor:     actor,
				PreRound:  preRound,
				PrePhase:  string(prePhase),
				PostRound: sess.CurrentRound,
				PostPhase: string(sess.RoundStatus),
			}},
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)},
		)
		updated, err = e.commitState(ctx, tx, sess, pending...)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Str("action", string(act)).
		Str("actor", actor).
		Msg("recovery action applied")
	return updated, nil
}

// RetryInference re-issues the round's inference attempt with a fresh
// attempt id and dispatches the provider call again. Any response still in
// flight for the old attempt will be fenced out.
func (e *Engine) RetryInference(ctx context.Context, sessionID, anomalyID uuid.UUID, actor string) (*models.Session, error) {
	var bundle inference.Bundle
	updated, err := e.applyRecovery(ctx, sessionID, anomalyID, actor, models.RecoveryRetryInference,
		func(tx Tx, sess *models.Session) ([]pendingEvent, error) {
			if sess.RoundStatus != models.RoundStatusInference {
				return nil, fault.New(fault.KindPrecondition,
					"retry_inference requires the inference phase, round is in %s", sess.RoundStatus)
			}
			attemptID := uuid.New()
			res, err := tx.Results().Issue(ctx, sess.ID, sess.CurrentRound, attemptID)
			if err != nil {
				return nil, err
			}
			if res.AttemptCount > e.cfg.InferenceMaxAttempts {
				return nil, fault.New(fault.KindPrecondition,
					"round %d already used %d inference attempts; choose another recovery action",
					sess.CurrentRound, res.AttemptCount-1)
			}
			bundle, err = e.buildBundle(ctx, tx, sess, attemptID)
			if err != nil {
				return nil, err
			}
			return []pendingEvent{{events.TypeInferenceStarted, events.InferencePayload{
				Round:     sess.CurrentRound,
				AttemptID: attemptID.String(),
				Status:    string(models.InferenceStatusPending),
			}}}, nil
		})
	if err != nil {
		return nil, err
	}
	e.dispatch(bundle)
	return updated, nil
}

// ResetToDecision discards the round's decisions and reopens the decision
// window from scratch; the timeout guard is rewound so the deadline can
// fire again for this round.
func (e *Engine) ResetToDecision(ctx context.Context, sessionID, anomalyID uuid.UUID, actor string) (*models.Session, error) {
	updated, err := e.applyRecovery(ctx, sessionID, anomalyID, actor, models.RecoveryResetToDecision,
		func(tx Tx, sess *models.Session) ([]pendingEvent, error) {
			if err := tx.Actions().DeleteForRound(ctx, sess.ID, sess.CurrentRound); err != nil {
				return nil, err
			}
			sess.RoundStatus = models.RoundStatusDecision
			deadline := e.clock.Now().UTC().Add(e.decisionWindow(sess.Settings))
			sess.DecisionDeadline = &deadline
			sess.TimedOutRound = sess.CurrentRound - 1
			sess.ExtendedRound = sess.CurrentRound - 1
			sess.UrgentRound = sess.CurrentRound - 1
			if err := e.insertPendingActions(ctx, tx, sess); err != nil {
				return nil, err
			}
			return []pendingEvent{{events.TypeDecisionStatusUpdate, events.DecisionStatusPayload{
				Round: sess.CurrentRound,
				Total: len(sess.Settings.Participants),
			}}}, nil
		})
	if err != nil {
		return nil, err
	}
	e.wakeScheduler()
	return updated, nil
}

// SkipRound abandons the stalled round without resolving it and opens the
// next round's decision window, or finishes a bounded session whose last
// round stalled. Game state is left untouched.
func (e *Engine) SkipRound(ctx context.Context, sessionID, anomalyID uuid.UUID, actor string) (*models.Session, error) {
	updated, err := e.applyRecovery(ctx, sessionID, anomalyID, actor, models.RecoverySkipRound,
		func(tx Tx, sess *models.Session) ([]pendingEvent, error) {
			if sess.IsTerminalRound() {
				sess.RoundStatus = models.RoundStatusFinished
				sess.Status = models.SessionStatusFinished
				sess.DecisionDeadline = nil
				return []pendingEvent{{events.TypeSessionEnded, events.SessionEndedPayload{
					Round:   sess.CurrentRound,
					EndedBy: actor,
				}}}, nil
			}
			sess.CurrentRound++
			sess.RoundStatus = models.RoundStatusDecision
			deadline := e.clock.Now().UTC().Add(e.decisionWindow(sess.Settings))
			sess.DecisionDeadline = &deadline
			if err := e.insertPendingActions(ctx, tx, sess); err != nil {
				return nil, err
			}
			return nil, nil
		})
	if err != nil {
		return nil, err
	}
	e.wakeScheduler()
	return updated, nil
}

// RollbackRound restores session round, phase and game state from a
// snapshot. The timeout and extension guards are rewound to the restored
// round; a decision-phase snapshot gets a fresh deadline rather than the
// stale one that was live when the snapshot was taken.
func (e *Engine) RollbackRound(ctx context.Context, sessionID, anomalyID uuid.UUID, actor string, snapshotID uuid.UUID) (*models.Session, error) {
	updated, err := e.applyRecovery(ctx, sessionID, anomalyID, actor, models.RecoveryRollbackRound,
		func(tx Tx, sess *models.Session) ([]pendingEvent, error) {
			return e.restoreSnapshot(ctx, tx, sess, snapshotID)
		})
	if err != nil {
		return nil, err
	}
	e.wakeScheduler()
	return updated, nil
}

func (e *Engine) restoreSnapshot(ctx context.Context, tx Tx, sess *models.Session, snapshotID uuid.UUID) ([]pendingEvent, error) {
	snap, err := tx.Snapshots().Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.SessionID != sess.ID {
		return nil, fault.New(fault.KindValidation,
			"snapshot %s does not belong to session %s", snapshotID, sess.ID)
	}

	sess.CurrentRound = snap.Round
	sess.RoundStatus = snap.RoundStatus
	sess.GameState = snap.GameState
	sess.TimedOutRound = snap.Round - 1
	sess.ExtendedRound = snap.Round - 1
	sess.UrgentRound = snap.Round - 1
	sess.DecisionDeadline = nil
	if snap.RoundStatus == models.RoundStatusDecision {
		deadline := e.clock.Now().UTC().Add(e.decisionWindow(sess.Settings))
		sess.DecisionDeadline = &deadline
	}
	// The abandoned timeline's submissions must not leak into the replay:
	// every action row from the restored round on is rewound to pending so
	// replayed rounds wait for fresh decisions.
	if err := tx.Actions().ResetFromRound(ctx, sess.ID, snap.Round); err != nil {
		return nil, err
	}
	if err := e.insertPendingActions(ctx, tx, sess); err != nil {
		return nil, err
	}
	return []pendingEvent{{events.TypeGameStateUpdate, events.GameStatePayload{
		Round:     sess.CurrentRound,
		GameState: sess.GameState,
	}}}, nil
}

// ForceNextRound closes the stalled round with a neutral moderator outcome
// and lands in the result phase, from which the host advances normally.
// Game state is not modified.
func (e *Engine) ForceNextRound(ctx context.Context, sessionID, anomalyID uuid.UUID, actor string) (*models.Session, error) {
	return e.applyRecovery(ctx, sessionID, anomalyID, actor, models.RecoveryForceNextRound,
		func(tx Tx, sess *models.Session) ([]pendingEvent, error) {
			outcome := inference.Outcome{Narrative: "round closed by moderator"}
			resultBytes, err := json.Marshal(outcome)
			if err != nil {
				return nil, err
			}
			attemptID := uuid.New()
			results := tx.Results()
			if _, err := results.Issue(ctx, sess.ID, sess.CurrentRound, attemptID); err != nil {
				return nil, err
			}
			if _, err := results.Complete(ctx, sess.ID, sess.CurrentRound, attemptID, resultBytes); err != nil {
				return nil, err
			}
			sess.RoundStatus = models.RoundStatusResult
			return []pendingEvent{{events.TypeInferenceCompleted, events.InferencePayload{
				Round:     sess.CurrentRound,
				AttemptID: attemptID.String(),
				Status:    string(models.InferenceStatusCompleted),
				Result:    resultBytes,
			}}}, nil
		})
}

// FixDataInconsistency re-derives the session invariants in place: the
// deadline exists iff the round is in decision, the guards never run ahead
// of the current round, and a finished round means a finished session.
// Applying it to a consistent session changes nothing, so it is safe to
// run repeatedly.
func (e *Engine) FixDataInconsistency(ctx context.Context, sessionID, anomalyID uuid.UUID, actor string) (*models.Session, error) {
	updated, err := e.applyRecovery(ctx, sessionID, anomalyID, actor, models.RecoveryFixDataInconsistency,
		func(tx Tx, sess *models.Session) ([]pendingEvent, error) {
			if sess.RoundStatus == models.RoundStatusDecision {
				if sess.DecisionDeadline == nil && sess.TimedOutRound < sess.CurrentRound {
					deadline := e.clock.Now().UTC().Add(e.decisionWindow(sess.Settings))
					sess.DecisionDeadline = &deadline
				}
			} else {
				sess.DecisionDeadline = nil
			}
			if sess.TimedOutRound > sess.CurrentRound {
				sess.TimedOutRound = sess.CurrentRound
			}
			if sess.ExtendedRound > sess.CurrentRound {
				sess.ExtendedRound = sess.CurrentRound
			}
			if sess.UrgentRound > sess.CurrentRound {
				sess.UrgentRound = sess.CurrentRound
			}
			if sess.RoundStatus == models.RoundStatusFinished {
				sess.Status = models.SessionStatusFinished
			} else if sess.Status == models.SessionStatusFinished {
				sess.RoundStatus = models.RoundStatusFinished
			}
			if err := e.insertPendingActions(ctx, tx, sess); err != nil {
				return nil, err
			}
			return nil, nil
		})
	if err != nil {
		return nil, err
	}
	e.wakeScheduler()
	return updated, nil
}

// RestoreSnapshot is the host-initiated rollback outside any anomaly.
func (e *Engine) RestoreSnapshot(ctx context.Context, sessionID uuid.UUID, hostID string, snapshotID uuid.UUID) (*models.Session, error) {
	var updated *models.Session
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		if sess.Status == models.SessionStatusFinished {
			return fault.New(fault.KindPrecondition, "session already finished")
		}
		preRound, prePhase := sess.CurrentRound, sess.RoundStatus

		extra, err := e.restoreSnapshot(ctx, tx, sess, snapshotID)
		if err != nil {
			return err
		}
		if err := tx.Anomalies().InsertLog(ctx, models.RecoveryLogEntry{
			ID:        uuid.New(),
			SessionID: sess.ID,
			Actor:     hostID,
			Action:    models.RecoveryRollbackRound,
			PreRound:  preRound,
			PrePhase:  prePhase,
			PostRound: sess.CurrentRound,
			PostPhase: sess.RoundStatus,
			CreatedAt: e.clock.Now().UTC(),
		}); err != nil {
			return err
		}

		pending := append(extra,
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)})
		updated, err = e.commitState(ctx, tx, sess, pending...)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.wakeScheduler()
	return updated, nil
}
