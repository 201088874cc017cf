package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/covenlabs/conclave/internal/engine"
	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/models"
	"github.com/covenlabs/conclave/internal/recovery"
)

// Handler serves the session command API. Identity comes from the
// X-User-ID header; authorization beyond host checks is out of scope
// here and belongs to the surrounding platform.
type Handler struct {
	engine   *engine.Engine
	recovery *recovery.Service
}

func NewHandler(eng *engine.Engine, rec *recovery.Service) *Handler {
	return &Handler{engine: eng, recovery: rec}
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func sessionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		return uuid.Nil, fault.New(fault.KindValidation, "invalid session id")
	}
	return id, nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fault.New(fault.KindValidation, "invalid request body")
	}
	return nil
}

type createSessionBody struct {
	RoomID      uuid.UUID              `json:"room_id"`
	TotalRounds int                    `json:"total_rounds"`
	GameState   json.RawMessage        `json:"game_state,omitempty"`
	Rules       string                 `json:"rules,omitempty"`
	Settings    models.SessionSettings `json:"settings"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	sess, err := h.engine.CreateSession(r.Context(), engine.CreateSessionParams{
		RoomID:      body.RoomID,
		HostID:      userID(r),
		TotalRounds: body.TotalRounds,
		GameState:   body.GameState,
		Rules:       body.Rules,
		Settings:    body.Settings,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, sess)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	view, err := h.engine.SessionView(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, view)
}

type decisionBody struct {
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) submitDecision(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body decisionBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	sess, err := h.engine.SubmitDecision(r.Context(), id, userID(r), body.Payload)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

// listDecisions serves the host's review view; payload content is only
// ever exposed to the host.
func (h *Handler) listDecisions(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sess, err := h.engine.GetSession(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if sess.HostID != userID(r) {
		respondError(w, fault.New(fault.KindPermission, "only the host can view decisions"))
		return
	}
	decisions, err := h.engine.ListDecisions(r.Context(), id, sess.CurrentRound)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, decisions)
}

func (h *Handler) editDecision(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	target := chi.URLParam(r, "userID")
	var body decisionBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	edited, err := h.engine.EditDecision(r.Context(), id, userID(r), target, body.Payload)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, edited)
}

func (h *Handler) startReview(w http.ResponseWriter, r *http.Request) {
	h.hostTransition(w, r, h.engine.StartReview)
}

func (h *Handler) submitToInference(w http.ResponseWriter, r *http.Request) {
	h.hostTransition(w, r, h.engine.SubmitToInference)
}

func (h *Handler) nextRound(w http.ResponseWriter, r *http.Request) {
	h.hostTransition(w, r, h.engine.NextRound)
}

func (h *Handler) endGame(w http.ResponseWriter, r *http.Request) {
	h.hostTransition(w, r, h.engine.EndGame)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.hostTransition(w, r, h.engine.Pause)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.hostTransition(w, r, h.engine.Resume)
}

// hostTransition runs one of the body-less host commands.
func (h *Handler) hostTransition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id uuid.UUID, hostID string) (*models.Session, error)) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sess, err := op(r.Context(), id, userID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

type addModifierBody struct {
	Kind            models.ModifierKind `json:"kind"`
	Description     string              `json:"description"`
	EffectiveRounds int                 `json:"effective_rounds"`
}

func (h *Handler) addModifier(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body addModifierBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	mod, err := h.engine.AddModifier(r.Context(), id, userID(r), body.Kind, body.Description, body.EffectiveRounds)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, mod)
}

func (h *Handler) listAnomalies(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	anomalies, err := h.recovery.ListAnomalies(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, anomalies)
}

type applyRecoveryBody struct {
	AnomalyID  uuid.UUID             `json:"anomaly_id"`
	Action     models.RecoveryAction `json:"action"`
	SnapshotID uuid.UUID             `json:"snapshot_id,omitempty"`
}

func (h *Handler) applyRecovery(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body applyRecoveryBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	sess, err := h.recovery.Apply(r.Context(), recovery.ApplyParams{
		SessionID:  id,
		AnomalyID:  body.AnomalyID,
		Actor:      userID(r),
		Action:     body.Action,
		SnapshotID: body.SnapshotID,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

func (h *Handler) listRecoveryLog(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	entries, err := h.recovery.ListLog(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, entries)
}

type createSnapshotBody struct {
	Label string `json:"label"`
}

func (h *Handler) createSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body createSnapshotBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	snap, err := h.engine.CreateSnapshot(r.Context(), id, userID(r), body.Label)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, snap)
}

func (h *Handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	snaps, err := h.engine.ListSnapshots(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, snaps)
}

func (h *Handler) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	snapID, err := uuid.Parse(chi.URLParam(r, "snapshotID"))
	if err != nil {
		respondError(w, fault.New(fault.KindValidation, "invalid snapshot id"))
		return
	}
	if err := h.engine.DeleteSnapshot(r.Context(), id, userID(r), snapID); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	snapID, err := uuid.Parse(chi.URLParam(r, "snapshotID"))
	if err != nil {
		respondError(w, fault.New(fault.KindValidation, "invalid snapshot id"))
		return
	}
	sess, err := h.engine.RestoreSnapshot(r.Context(), id, userID(r), snapID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, sess)
}
