package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/covenlabs/conclave/internal/events"
	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/inference"
	"github.com/covenlabs/conclave/internal/models"
)

// SubmitToInference closes review, issues a fresh attempt for the current
// round and dispatches the provider call in the background. The session
// moves to the inference phase before the call starts, so a crash mid-call
// is detectable as a stalled pending attempt.
func (e *Engine) SubmitToInference(ctx context.Context, sessionID uuid.UUID, hostID string) (*models.Session, error) {
	var (
		updated *models.Session
		bundle  inference.Bundle
	)
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		if err := requirePlaying(sess); err != nil {
			return err
		}
		if sess.RoundStatus != models.RoundStatusReview {
			return fault.New(fault.KindPrecondition,
				"cannot submit to inference from %s", sess.RoundStatus)
		}

		attemptID := uuid.New()
		if _, err := tx.Results().Issue(ctx, sess.ID, sess.CurrentRound, attemptID); err != nil {
			return err
		}
		var err error
		bundle, err = e.buildBundle(ctx, tx, sess, attemptID)
		if err != nil {
			return err
		}

		sess.RoundStatus = models.RoundStatusInference
		updated, err = e.commitState(ctx, tx, sess,
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)},
			pendingEvent{events.TypeInferenceStarted, events.InferencePayload{
				Round:     sess.CurrentRound,
				AttemptID: attemptID.String(),
				Status:    string(models.InferenceStatusPending),
			}},
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.dispatch(bundle)
	return updated, nil
}

// buildBundle assembles the provider request from the round's committed
// decisions, the active modifiers and the session's rules and state.
func (e *Engine) buildBundle(ctx context.Context, tx Tx, sess *models.Session, attemptID uuid.UUID) (inference.Bundle, error) {
	rows, err := tx.Actions().ListForRound(ctx, sess.ID, sess.CurrentRound)
	if err != nil {
		return inference.Bundle{}, err
	}
	decisions := make([]inference.Decision, len(rows))
	for i, a := range rows {
		decisions[i] = inference.Decision{
			UserID:       a.UserID,
			PlayerIndex:  a.PlayerIndex,
			Payload:      a.Payload,
			Submitted:    a.Status == models.ActionStatusSubmitted,
			HostModified: a.HostModified,
		}
	}

	mods, err := tx.Modifiers().ListActive(ctx, sess.ID, sess.CurrentRound)
	if err != nil {
		return inference.Bundle{}, err
	}
	bundleMods := make([]inference.Modifier, len(mods))
	for i, m := range mods {
		bundleMods[i] = inference.Modifier{
			ID:          m.ID,
			Kind:        string(m.Kind),
			Description: m.Description,
			RoundsLeft:  m.Round + m.EffectiveRounds - sess.CurrentRound,
			Progress:    m.Progress,
		}
	}

	return inference.Bundle{
		SessionID: sess.ID,
		Round:     sess.CurrentRound,
		AttemptID: attemptID,
		Rules:     sess.Rules,
		GameState: sess.GameState,
		Decisions: decisions,
		Modifiers: bundleMods,
	}, nil
}

// dispatch runs the provider call detached from the submitting request's
// context; the session lock is not held during the call.
func (e *Engine) dispatch(bundle inference.Bundle) {
	if e.provider == nil {
		log.Error().
			Str("session_id", bundle.SessionID.String()).
			Int("round", bundle.Round).
			Msg("no inference provider configured")
		return
	}
	go func() {
		ctx := context.Background()
		outcome, err := e.provider.Resolve(ctx, bundle)
		if err != nil {
			infErr := classifyInferenceError(err)
			if ferr := e.FailInference(ctx, bundle.SessionID, bundle.Round, bundle.AttemptID, infErr); ferr != nil {
				log.Error().Err(ferr).
					Str("session_id", bundle.SessionID.String()).
					Int("round", bundle.Round).
					Msg("failed to record inference failure")
			}
			return
		}
		if _, err := e.CompleteInference(ctx, bundle.SessionID, bundle.Round, bundle.AttemptID, outcome); err != nil {
			log.Error().Err(err).
				Str("session_id", bundle.SessionID.String()).
				Int("round", bundle.Round).
				Msg("failed to apply inference result")
		}
	}()
}

func classifyInferenceError(err error) models.InferenceError {
	kind := models.InferenceErrorProvider
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = models.InferenceErrorTimeout
	case errors.Is(err, inference.ErrMalformed):
		kind = models.InferenceErrorMalformed
	}
	return models.InferenceError{Kind: kind, Message: err.Error()}
}

// CompleteInference applies a provider outcome: the result row is fenced
// on the attempt id, the declared deltas are merged into the game state
// and the round moves to the result phase. A response for a stale attempt
// or an already-advanced round is discarded without touching state.
func (e *Engine) CompleteInference(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID, outcome *inference.Outcome) (*models.Session, error) {
	if outcome == nil || !outcome.Valid() {
		return nil, e.FailInference(ctx, sessionID, round, attemptID, models.InferenceError{
			Kind:    models.InferenceErrorMalformed,
			Message: "empty or structurally invalid outcome",
		})
	}

	var updated *models.Session
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if sess.CurrentRound != round || sess.RoundStatus != models.RoundStatusInference {
			log.Warn().
				Str("session_id", sessionID.String()).
				Int("round", round).
				Int("current_round", sess.CurrentRound).
				Str("round_status", string(sess.RoundStatus)).
				Msg("discarding inference result for advanced session")
			return nil
		}

		resultBytes, err := json.Marshal(outcome)
		if err != nil {
			return err
		}
		res, err := tx.Results().Complete(ctx, sess.ID, round, attemptID, resultBytes)
		if err != nil {
			return err
		}
		if res == nil {
			log.Warn().
				Str("session_id", sessionID.String()).
				Str("attempt_id", attemptID.String()).
				Msg("discarding stale inference attempt")
			return nil
		}

		merged, err := mergeGameState(sess.GameState, outcome.Deltas)
		if err != nil {
			return err
		}
		sess.GameState = merged
		if err := e.applyModifierProgress(ctx, tx, sess, outcome.ModifierProgress); err != nil {
			return err
		}

		sess.RoundStatus = models.RoundStatusResult
		updated, err = e.commitState(ctx, tx, sess,
			pendingEvent{events.TypeInferenceCompleted, events.InferencePayload{
				Round:     round,
				AttemptID: attemptID.String(),
				Status:    string(models.InferenceStatusCompleted),
				Result:    resultBytes,
			}},
			pendingEvent{events.TypeGameStateUpdate, events.GameStatePayload{
				Round:     round,
				GameState: sess.GameState,
			}},
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)},
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// applyModifierProgress writes back per-modifier progress blobs the
// provider returned, ignoring ids that are not active this round.
func (e *Engine) applyModifierProgress(ctx context.Context, tx Tx, sess *models.Session, progress map[string]json.RawMessage) error {
	if len(progress) == 0 {
		return nil
	}
	mods := tx.Modifiers()
	active, err := mods.ListActive(ctx, sess.ID, sess.CurrentRound)
	if err != nil {
		return err
	}
	for _, m := range active {
		p, ok := progress[m.ID.String()]
		if !ok {
			continue
		}
		if err := mods.UpdateProgress(ctx, m.ID, p); err != nil {
			return err
		}
	}
	return nil
}

// FailInference records a provider failure, opens the matching anomaly and
// flips the session into recovering. Stale attempts are discarded.
func (e *Engine) FailInference(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID, infErr models.InferenceError) error {
	return e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if sess.CurrentRound != round || sess.RoundStatus != models.RoundStatusInference {
			log.Warn().
				Str("session_id", sessionID.String()).
				Int("round", round).
				Msg("discarding inference failure for advanced session")
			return nil
		}

		res, err := tx.Results().Fail(ctx, sess.ID, round, attemptID, infErr)
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}

		kind := models.AnomalyAIError
		if infErr.Kind == models.InferenceErrorTimeout {
			kind = models.AnomalyAITimeout
		}
		_, created, err := tx.Anomalies().Open(ctx, sess.ID, round, kind, infErr.Message)
		if err != nil {
			return err
		}

		sess.Recovering = true
		pending := []pendingEvent{{events.TypeInferenceFailed, events.InferencePayload{
			Round:     round,
			AttemptID: attemptID.String(),
			Status:    string(models.InferenceStatusFailed),
			ErrorKind: string(infErr.Kind),
			ErrorMsg:  infErr.Message,
		}}}
		if created {
			pending = append(pending, pendingEvent{events.TypeAnomalyDetected, anomalyPayload(round, kind, infErr.Message)})
		}
		pending = append(pending, pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)})
		_, err = e.commitState(ctx, tx, sess, pending...)
		if err != nil {
			return err
		}
		log.Warn().
			Str("session_id", sessionID.String()).
			Int("round", round).
			Str("error_kind", string(infErr.Kind)).
			Msg("inference failed, session recovering")
		return nil
	})
}
