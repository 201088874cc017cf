package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/covenlabs/conclave/internal/engine"
	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/models"
)

// Service is the moderator-facing recovery surface: it validates a
// requested action against the open anomaly, snapshots the session so the
// repair is itself reversible, and hands off to the engine operation.
type Service struct {
	engine *engine.Engine
	repo   *Repository
}

func NewService(eng *engine.Engine, repo *Repository) *Service {
	return &Service{engine: eng, repo: repo}
}

// ApplyParams identifies one recovery action request.
type ApplyParams struct {
	SessionID uuid.UUID
	AnomalyID uuid.UUID
	Actor     string
	Action    models.RecoveryAction
	// SnapshotID selects the rollback target; when zero, rollback_round
	// uses the newest snapshot taken before the anomaly was detected.
	SnapshotID uuid.UUID
}

// Apply executes one recovery action against an open anomaly.
func (s *Service) Apply(ctx context.Context, params ApplyParams) (*models.Session, error) {
	sess, err := s.engine.GetSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.HostID != params.Actor {
		return nil, fault.New(fault.KindPermission, "user %s is not the session host", params.Actor)
	}

	anom, err := s.repo.Get(ctx, params.AnomalyID)
	if err != nil {
		return nil, err
	}
	if anom.SessionID != params.SessionID {
		return nil, fault.New(fault.KindValidation,
			"anomaly %s does not belong to session %s", params.AnomalyID, params.SessionID)
	}
	if anom.Resolved {
		return nil, fault.New(fault.KindPrecondition, "anomaly %s is already resolved", params.AnomalyID)
	}
	if !actionApplies(anom.Kind, params.Action) {
		return nil, fault.New(fault.KindValidation,
			"action %s does not apply to a %s anomaly", params.Action, anom.Kind)
	}

	// The default rollback target is picked before the pre-action
	// snapshot below exists, otherwise a rollback would restore the very
	// state it is trying to escape.
	snapID := params.SnapshotID
	if params.Action == models.RecoveryRollbackRound && snapID == uuid.Nil {
		snaps, err := s.engine.ListSnapshots(ctx, params.SessionID)
		if err != nil {
			return nil, err
		}
		target, err := rollbackTarget(snaps, anom.DetectedAt)
		if err != nil {
			return nil, err
		}
		snapID = target.ID
	}

	// Every repair except the in-place invariant fix gets a pre-action
	// snapshot, so a wrong call is recoverable by rollback.
	if params.Action != models.RecoveryFixDataInconsistency {
		if _, err := s.engine.EnsureSnapshot(ctx, params.SessionID); err != nil {
			return nil, err
		}
	}

	switch params.Action {
	case models.RecoveryRetryInference:
		return s.engine.RetryInference(ctx, params.SessionID, params.AnomalyID, params.Actor)
	case models.RecoveryResetToDecision:
		return s.engine.ResetToDecision(ctx, params.SessionID, params.AnomalyID, params.Actor)
	case models.RecoverySkipRound:
		return s.engine.SkipRound(ctx, params.SessionID, params.AnomalyID, params.Actor)
	case models.RecoveryRollbackRound:
		return s.engine.RollbackRound(ctx, params.SessionID, params.AnomalyID, params.Actor, snapID)
	case models.RecoveryForceNextRound:
		return s.engine.ForceNextRound(ctx, params.SessionID, params.AnomalyID, params.Actor)
	case models.RecoveryFixDataInconsistency:
		return s.engine.FixDataInconsistency(ctx, params.SessionID, params.AnomalyID, params.Actor)
	default:
		return nil, fault.New(fault.KindValidation, "unknown recovery action %q", params.Action)
	}
}

// rollbackTarget picks the newest snapshot that predates the anomaly.
// Snapshots taken at or after detection capture the broken state and are
// never implicit targets; the moderator can still name one explicitly.
func rollbackTarget(snaps []*models.Snapshot, detectedAt time.Time) (*models.Snapshot, error) {
	for _, snap := range snaps {
		if snap.CreatedAt.Before(detectedAt) {
			return snap, nil
		}
	}
	return nil, fault.New(fault.KindPrecondition,
		"no snapshot predates the anomaly; pass an explicit snapshot_id")
}

// ListAnomalies returns every anomaly for the session, newest first.
func (s *Service) ListAnomalies(ctx context.Context, sessionID uuid.UUID) ([]*models.Anomaly, error) {
	return s.repo.List(ctx, sessionID)
}

// ListLog returns the session's recovery audit log, newest first.
func (s *Service) ListLog(ctx context.Context, sessionID uuid.UUID) ([]*models.RecoveryLogEntry, error) {
	return s.repo.ListLog(ctx, sessionID)
}

func actionApplies(kind models.AnomalyKind, act models.RecoveryAction) bool {
	for _, a := range models.ActionsFor(kind) {
		if a == act {
			return true
		}
	}
	return false
}
