package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/covenlabs/conclave/internal/action"
	"github.com/covenlabs/conclave/internal/events"
	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/models"
	"github.com/covenlabs/conclave/internal/modifier"
	"github.com/covenlabs/conclave/internal/session"
)

// CreateSessionParams describes a new session.
type CreateSessionParams struct {
	RoomID      uuid.UUID
	HostID      string
	TotalRounds int
	GameState   json.RawMessage
	Rules       string
	Settings    models.SessionSettings
}

// CreateSession starts a session in round 1 decision phase with the
// deadline armed.
func (e *Engine) CreateSession(ctx context.Context, params CreateSessionParams) (*models.Session, error) {
	if params.HostID == "" {
		return nil, fault.New(fault.KindValidation, "host_id is required")
	}
	if len(params.Settings.Participants) == 0 {
		return nil, fault.New(fault.KindValidation, "at least one participant is required")
	}
	seen := make(map[string]bool, len(params.Settings.Participants))
	for _, p := range params.Settings.Participants {
		if p.UserID == "" {
			return nil, fault.New(fault.KindValidation, "participant user_id is required")
		}
		if seen[p.UserID] {
			return nil, fault.New(fault.KindValidation, "duplicate participant %s", p.UserID)
		}
		seen[p.UserID] = true
	}
	if params.TotalRounds < 0 {
		return nil, fault.New(fault.KindValidation, "total_rounds must not be negative")
	}
	if params.Settings.DecisionWindowSec <= 0 {
		params.Settings.DecisionWindowSec = int(e.cfg.DefaultDecisionWindow / time.Second)
	}
	switch params.Settings.TimeoutStrategy {
	case models.TimeoutAutoSubmit, models.TimeoutSkip, models.TimeoutExtend:
	case "":
		params.Settings.TimeoutStrategy = models.TimeoutAutoSubmit
	default:
		return nil, fault.New(fault.KindValidation, "unknown timeout strategy %q", params.Settings.TimeoutStrategy)
	}

	deadline := e.clock.Now().UTC().Add(e.decisionWindow(params.Settings))
	req := session.CreateSessionRequest{
		ID:               uuid.New(),
		RoomID:           params.RoomID,
		HostID:           params.HostID,
		TotalRounds:      params.TotalRounds,
		DecisionDeadline: &deadline,
		GameState:        params.GameState,
		Rules:            params.Rules,
		Settings:         params.Settings,
	}

	var sess *models.Session
	err := e.store.Run(ctx, func(tx Tx) error {
		var err error
		sess, err = tx.Sessions().Create(ctx, req)
		if err != nil {
			return err
		}
		if err := e.insertPendingActions(ctx, tx, sess); err != nil {
			return err
		}
		ev, err := events.New(sess.ID, sess.RoomID, events.TypeRoundStageChanged,
			sess.Version, e.clock.Now().UTC(), roundStagePayload(sess))
		if err != nil {
			return err
		}
		return tx.Outbox().Insert(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	e.wakeScheduler()
	log.Info().
		Str("session_id", sess.ID.String()).
		Str("room_id", sess.RoomID.String()).
		Int("participants", len(sess.Settings.Participants)).
		Msg("session created")
	return sess, nil
}

// SubmitDecision records (or overwrites) one participant's decision for
// the current round. When the last participant submits, the round advances
// to review without waiting for the deadline.
func (e *Engine) SubmitDecision(ctx context.Context, sessionID uuid.UUID, userID string, payload json.RawMessage) (*models.Session, error) {
	if len(payload) == 0 {
		return nil, fault.New(fault.KindValidation, "decision payload is required")
	}

	var updated *models.Session
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requirePlaying(sess); err != nil {
			return err
		}
		if sess.RoundStatus != models.RoundStatusDecision {
			return fault.New(fault.KindPrecondition,
				"decisions are closed: round %d is in %s", sess.CurrentRound, sess.RoundStatus)
		}
		participant := sess.Settings.Participant(userID)
		if participant == nil {
			return fault.New(fault.KindPermission, "user %s is not a participant", userID)
		}
		if sess.DecisionDeadline != nil && e.clock.Now().After(*sess.DecisionDeadline) {
			return fault.New(fault.KindDeadline,
				"decision window for round %d elapsed", sess.CurrentRound)
		}

		actions := tx.Actions()
		if _, err := actions.Upsert(ctx, action.UpsertParams{
			SessionID:   sess.ID,
			Round:       sess.CurrentRound,
			UserID:      userID,
			PlayerIndex: participant.PlayerIndex,
			Payload:     payload,
		}); err != nil {
			return err
		}
		submitted, err := actions.CountSubmitted(ctx, sess.ID, sess.CurrentRound)
		if err != nil {
			return err
		}

		pending := []pendingEvent{{events.TypeDecisionStatusUpdate, events.DecisionStatusPayload{
			Round:     sess.CurrentRound,
			Submitted: submitted,
			Total:     len(sess.Settings.Participants),
		}}}
		if submitted >= len(sess.Settings.Participants) {
			sess.RoundStatus = models.RoundStatusReview
			sess.DecisionDeadline = nil
			pending = append(pending, pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)})
		}
		updated, err = e.commitState(ctx, tx, sess, pending...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// EditDecision lets the host replace a participant's payload during the
// decision or review phase; the row is flagged host_modified.
func (e *Engine) EditDecision(ctx context.Context, sessionID uuid.UUID, hostID, targetUserID string, payload json.RawMessage) (*models.PlayerAction, error) {
	if len(payload) == 0 {
		return nil, fault.New(fault.KindValidation, "decision payload is required")
	}

	var edited *models.PlayerAction
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		if sess.RoundStatus != models.RoundStatusDecision && sess.RoundStatus != models.RoundStatusReview {
			return fault.New(fault.KindPrecondition,
				"decisions are not editable in %s", sess.RoundStatus)
		}
		if sess.Settings.Participant(targetUserID) == nil {
			return fault.New(fault.KindValidation, "user %s is not a participant", targetUserID)
		}

		var err error
		edited, err = tx.Actions().UpdatePayload(ctx, sess.ID, sess.CurrentRound, targetUserID, payload)
		if err != nil {
			return err
		}
		submitted, err := tx.Actions().CountSubmitted(ctx, sess.ID, sess.CurrentRound)
		if err != nil {
			return err
		}
		_, err = e.commitState(ctx, tx, sess, pendingEvent{
			events.TypeDecisionStatusUpdate, events.DecisionStatusPayload{
				Round:     sess.CurrentRound,
				Submitted: submitted,
				Total:     len(sess.Settings.Participants),
			}})
		return err
	})
	if err != nil {
		return nil, err
	}
	return edited, nil
}

// StartReview lets the host close the decision window early.
func (e *Engine) StartReview(ctx context.Context, sessionID uuid.UUID, hostID string) (*models.Session, error) {
	var updated *models.Session
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		if err := requirePlaying(sess); err != nil {
			return err
		}
		if sess.RoundStatus != models.RoundStatusDecision {
			return fault.New(fault.KindPrecondition,
				"cannot start review from %s", sess.RoundStatus)
		}

		sess.RoundStatus = models.RoundStatusReview
		sess.DecisionDeadline = nil
		var err error
		updated, err = e.commitState(ctx, tx, sess,
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddModifier injects a temporary event or rule during review. It takes
// effect from the current round for the given number of rounds.
func (e *Engine) AddModifier(ctx context.Context, sessionID uuid.UUID, hostID string, kind models.ModifierKind, description string, effectiveRounds int) (*models.TemporaryModifier, error) {
	if description == "" {
		return nil, fault.New(fault.KindValidation, "modifier description is required")
	}
	if kind != models.ModifierKindEvent && kind != models.ModifierKindRule {
		return nil, fault.New(fault.KindValidation, "unknown modifier kind %q", kind)
	}
	if effectiveRounds <= 0 {
		effectiveRounds = 1
	}

	var mod *models.TemporaryModifier
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		if sess.RoundStatus != models.RoundStatusReview {
			return fault.New(fault.KindPrecondition,
				"modifiers can only be added during review, round is in %s", sess.RoundStatus)
		}

		var err error
		mod, err = tx.Modifiers().Create(ctx, modifier.CreateParams{
			SessionID:       sess.ID,
			Kind:            kind,
			Description:     description,
			Round:           sess.CurrentRound,
			EffectiveRounds: effectiveRounds,
			CreatedBy:       hostID,
		})
		if err != nil {
			return err
		}
		_, err = e.commitState(ctx, tx, sess)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mod, nil
}

// NextRound advances a session out of the result phase: either into the
// next round's decision phase with a fresh deadline, or into the finished
// state when the bounded round count is exhausted.
func (e *Engine) NextRound(ctx context.Context, sessionID uuid.UUID, hostID string) (*models.Session, error) {
	var updated *models.Session
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		if err := requirePlaying(sess); err != nil {
			return err
		}
		if sess.RoundStatus != models.RoundStatusResult {
			return fault.New(fault.KindPrecondition,
				"cannot advance from %s", sess.RoundStatus)
		}

		if sess.IsTerminalRound() {
			sess.RoundStatus = models.RoundStatusFinished
			sess.Status = models.SessionStatusFinished
			sess.DecisionDeadline = nil
			var err error
			updated, err = e.commitState(ctx, tx, sess,
				pendingEvent{events.TypeSessionEnded, events.SessionEndedPayload{Round: sess.CurrentRound}},
				pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)},
			)
			return err
		}

		sess.CurrentRound++
		sess.RoundStatus = models.RoundStatusDecision
		deadline := e.clock.Now().UTC().Add(e.decisionWindow(sess.Settings))
		sess.DecisionDeadline = &deadline
		if err := e.insertPendingActions(ctx, tx, sess); err != nil {
			return err
		}
		var err error
		updated, err = e.commitState(ctx, tx, sess,
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.wakeScheduler()
	return updated, nil
}

// EndGame terminates the session from any phase.
func (e *Engine) EndGame(ctx context.Context, sessionID uuid.UUID, hostID string) (*models.Session, error) {
	var updated *models.Session
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		if sess.Status == models.SessionStatusFinished {
			return fault.New(fault.KindPrecondition, "session already finished")
		}

		sess.RoundStatus = models.RoundStatusFinished
		sess.Status = models.SessionStatusFinished
		sess.Recovering = false
		sess.DecisionDeadline = nil
		var err error
		updated, err = e.commitState(ctx, tx, sess,
			pendingEvent{events.TypeSessionEnded, events.SessionEndedPayload{
				Round:   sess.CurrentRound,
				EndedBy: hostID,
			}},
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)},
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("session_id", sessionID.String()).Str("ended_by", hostID).Msg("session ended")
	return updated, nil
}

// Pause freezes a playing session. The stored deadline is kept but the
// scheduler ignores paused sessions, so no timeout fires while paused.
func (e *Engine) Pause(ctx context.Context, sessionID uuid.UUID, hostID string) (*models.Session, error) {
	var updated *models.Session
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		if sess.Status != models.SessionStatusPlaying {
			return fault.New(fault.KindPrecondition, "cannot pause a %s session", sess.Status)
		}

		sess.Status = models.SessionStatusPaused
		var err error
		updated, err = e.commitState(ctx, tx, sess,
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Resume unfreezes a paused session. A decision-phase session gets a full
// fresh window rather than the remainder that was on the clock at pause.
func (e *Engine) Resume(ctx context.Context, sessionID uuid.UUID, hostID string) (*models.Session, error) {
	var updated *models.Session
	err := e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if err := requireHost(sess, hostID); err != nil {
			return err
		}
		if sess.Status != models.SessionStatusPaused {
			return fault.New(fault.KindPrecondition, "cannot resume a %s session", sess.Status)
		}

		sess.Status = models.SessionStatusPlaying
		if sess.RoundStatus == models.RoundStatusDecision {
			deadline := e.clock.Now().UTC().Add(e.decisionWindow(sess.Settings))
			sess.DecisionDeadline = &deadline
		}
		var err error
		updated, err = e.commitState(ctx, tx, sess,
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.wakeScheduler()
	return updated, nil
}

// RaiseAnomaly opens an anomaly against the session's current round and
// flips it into recovering. Already-open (session, round, kind) pairs are
// a no-op, so detectors can re-report freely.
func (e *Engine) RaiseAnomaly(ctx context.Context, sessionID uuid.UUID, kind models.AnomalyKind, detail string) error {
	return e.withSession(ctx, sessionID, func(tx Tx, sess *models.Session) error {
		if sess.Status == models.SessionStatusFinished {
			return nil
		}
		_, created, err := tx.Anomalies().Open(ctx, sess.ID, sess.CurrentRound, kind, detail)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}

		sess.Recovering = true
		_, err = e.commitState(ctx, tx, sess,
			pendingEvent{events.TypeAnomalyDetected, anomalyPayload(sess.CurrentRound, kind, detail)},
			pendingEvent{events.TypeRoundStageChanged, roundStagePayload(sess)},
		)
		if err != nil {
			return err
		}
		log.Warn().
			Str("session_id", sess.ID.String()).
			Int("round", sess.CurrentRound).
			Str("kind", string(kind)).
			Msg("anomaly opened")
		return nil
	})
}

// NotifyUrgent broadcasts a deadline warning without bumping the session
// version; the event reuses the current one. The urgency guard column
// makes the warning at-most-once per round, across restarts and
// processes.
func (e *Engine) NotifyUrgent(ctx context.Context, sess *models.Session) error {
	if sess.DecisionDeadline == nil {
		return nil
	}
	now := e.clock.Now().UTC()
	remaining := int(sess.DecisionDeadline.Sub(now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return e.store.Run(ctx, func(tx Tx) error {
		first, err := tx.Sessions().MarkUrgentNotified(ctx, sess.ID, sess.CurrentRound)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		ev, err := events.New(sess.ID, sess.RoomID, events.TypeDeadlineUrgent,
			sess.Version, now, events.DeadlineUrgentPayload{
				Round:        sess.CurrentRound,
				Deadline:     sess.DecisionDeadline.UTC(),
				RemainingSec: remaining,
			})
		if err != nil {
			return err
		}
		return tx.Outbox().Insert(ctx, ev)
	})
}

func (e *Engine) decisionWindow(settings models.SessionSettings) time.Duration {
	if settings.DecisionWindowSec > 0 {
		return time.Duration(settings.DecisionWindowSec) * time.Second
	}
	return e.cfg.DefaultDecisionWindow
}

func (e *Engine) extendWindow(settings models.SessionSettings) time.Duration {
	if settings.ExtendWindowSec > 0 {
		return time.Duration(settings.ExtendWindowSec) * time.Second
	}
	return e.cfg.DefaultExtendWindow
}

// insertPendingActions seeds the round's one-row-per-seat slots.
func (e *Engine) insertPendingActions(ctx context.Context, tx Tx, sess *models.Session) error {
	actions := tx.Actions()
	for _, p := range sess.Settings.Participants {
		if err := actions.InsertPending(ctx, sess.ID, sess.CurrentRound, p); err != nil {
			return err
		}
	}
	return nil
}

func requireHost(sess *models.Session, userID string) error {
	if sess.HostID != userID {
		return fault.New(fault.KindPermission, "user %s is not the session host", userID)
	}
	return nil
}

func requirePlaying(sess *models.Session) error {
	if sess.Status != models.SessionStatusPlaying {
		return fault.New(fault.KindPrecondition, "session is %s", sess.Status)
	}
	if sess.Recovering {
		return fault.New(fault.KindAnomaly, "session is recovering; resolve the open anomaly first")
	}
	return nil
}

func roundStagePayload(sess *models.Session) events.RoundStagePayload {
	return events.RoundStagePayload{
		Round:            sess.CurrentRound,
		RoundStatus:      string(sess.RoundStatus),
		SessionStatus:    string(sess.Status),
		Recovering:       sess.Recovering,
		DecisionDeadline: sess.DecisionDeadline,
	}
}

func anomalyPayload(round int, kind models.AnomalyKind, detail string) events.AnomalyPayload {
	actions := models.ActionsFor(kind)
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return events.AnomalyPayload{Round: round, Kind: string(kind), Detail: detail, Actions: names}
}
