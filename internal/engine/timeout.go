package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/covenlabs/conclave/internal/action"
	"github.com/covenlabs/conclave/internal/events"
	"github.com/covenlabs/conclave/internal/models"
)

var autoSubmitPayload = json.RawMessage(`{"auto_submitted":true}`)

// HandleDeadline fires the session's timeout strategy exactly once per
// round. It re-checks every guard under the row lock, so a decision that
// landed between the scheduler's scan and this call simply wins: if the
// session already left the decision phase the handler is a no-op.
//
// Whatever the strategy, a round with zero submissions never advances;
// it opens a no_decisions anomaly and parks the session in recovering.
// The extend strategy pushes the deadline out once, then defaults the
// stragglers like auto_submit when the extension also elapses.
func (e *Engine) HandleDeadline(ctx context.Context, sessionID uuid.UUID) error {
	return e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if sess.Status != models.SessionStatusPlaying || sess.Recovering {
			return nil
		}
		if sess.RoundStatus != models.RoundStatusDecision || sess.DecisionDeadline == nil {
			return nil
		}
		if sess.TimedOutRound >= sess.CurrentRound {
			return nil
		}
		if e.clock.Now().Before(*sess.DecisionDeadline) {
			return nil
		}

		actions := tx.Actions()
		submitted, err := actions.CountSubmitted(ctx, sess.ID, sess.CurrentRound)
		if err != nil {
			return err
		}
		total := len(sess.Settings.Participants)

		if sess.Settings.TimeoutStrategy == models.TimeoutExtend && sess.ExtendedRound < sess.CurrentRound {
			deadline := e.clock.Now().UTC().Add(e.extendWindow(sess.Settings))
			sess.DecisionDeadline = &deadline
			sess.ExtendedRound = sess.CurrentRound
			if _, err := e.commitState(ctx, tx, sess,
				pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)}); err != nil {
				return err
			}
			e.wakeScheduler()
			log.Info().
				Str("session_id", sess.ID.String()).
				Int("round", sess.CurrentRound).
				Time("deadline", deadline).
				Msg("decision window extended")
			return nil
		}

		if submitted == 0 {
			_, created, err := tx.Anomalies().Open(ctx, sess.ID, sess.CurrentRound,
				models.AnomalyNoDecisions, "decision window elapsed with no submissions")
			if err != nil {
				return err
			}
			sess.Recovering = true
			sess.TimedOutRound = sess.CurrentRound
			sess.DecisionDeadline = nil
			pending := make([]pendingEvent, 0, 2)
			if created {
				pending = append(pending, pendingEvent{events.TypeAnomalyDetected,
					anomalyPayload(sess.CurrentRound, models.AnomalyNoDecisions,
						"decision window elapsed with no submissions")})
			}
			pending = append(pending, pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)})
			_, err = e.commitState(ctx, tx, sess, pending...)
			if err != nil {
				return err
			}
			log.Warn().
				Str("session_id", sess.ID.String()).
				Int("round", sess.CurrentRound).
				Msg("round timed out with no decisions")
			return nil
		}

		if sess.Settings.TimeoutStrategy != models.TimeoutSkip {
			// auto_submit, and extend after its one extension: default the
			// stragglers so the bundle carries a row for every seat.
			rows, err := actions.ListForRound(ctx, sess.ID, sess.CurrentRound)
			if err != nil {
				return err
			}
			done := make(map[string]bool, len(rows))
			for _, a := range rows {
				if a.Status == models.ActionStatusSubmitted {
					done[a.UserID] = true
				}
			}
			for _, p := range sess.Settings.Participants {
				if done[p.UserID] {
					continue
				}
				if _, err := actions.Upsert(ctx, action.UpsertParams{
					SessionID:   sess.ID,
					Round:       sess.CurrentRound,
					UserID:      p.UserID,
					PlayerIndex: p.PlayerIndex,
					Payload:     autoSubmitPayload,
				}); err != nil {
					return err
				}
			}
			submitted = total
		}

		sess.TimedOutRound = sess.CurrentRound
		sess.RoundStatus = models.RoundStatusReview
		sess.DecisionDeadline = nil
		_, err = e.commitState(ctx, tx, sess,
			pendingEvent{events.TypeDecisionStatusUpdate, events.DecisionStatusPayload{
				Round:     sess.CurrentRound,
				Submitted: submitted,
				Total:     total,
			}},
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)},
		)
		if err != nil {
			return err
		}
		log.Info().
			Str("session_id", sess.ID.String()).
			Int("round", sess.CurrentRound).
			Str("strategy", string(sess.Settings.TimeoutStrategy)).
			Msg("decision deadline fired, round moved to review")
		return nil
	})
}
