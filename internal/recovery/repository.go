package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/models"
	"github.com/covenlabs/conclave/internal/sqlutil"
)

const anomalyColumns = `id, session_id, round, kind, detail, detected_at,
resolved, resolved_at, resolved_by, resolved_action`

// Repository persists anomalies and the recovery audit log. The engine
// reaches the mutating methods through its store, which binds them to the
// commit transaction; the service and detector read on the plain handle.
type Repository struct {
	db sqlutil.DBTX
}

func NewRepository(db sqlutil.DBTX) *Repository {
	return &Repository{db: db}
}

// Open inserts an anomaly unless an unresolved one already exists for the
// same (session, round, kind); the partial unique index makes the insert
// race-free. Reports whether a row was created.
func (r *Repository) Open(ctx context.Context, sessionID uuid.UUID, round int, kind models.AnomalyKind, detail string) (*models.Anomaly, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO anomalies (id, session_id, round, kind, detail)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, round, kind) WHERE NOT resolved DO NOTHING
		RETURNING `+anomalyColumns,
		uuid.New(), sessionID, round, kind, detail,
	)
	anom, err := scanAnomaly(row)
	if err == nil {
		return anom, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to open anomaly: %w", err)
	}

	// Already open; return the existing row.
	row = r.db.QueryRowContext(ctx, `
		SELECT `+anomalyColumns+` FROM anomalies
		WHERE session_id = $1 AND round = $2 AND kind = $3 AND NOT resolved`,
		sessionID, round, kind,
	)
	anom, err = scanAnomaly(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load open anomaly: %w", err)
	}
	return anom, false, nil
}

// ListOpen returns the session's unresolved anomalies, oldest first.
func (r *Repository) ListOpen(ctx context.Context, sessionID uuid.UUID) ([]*models.Anomaly, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+anomalyColumns+` FROM anomalies
		WHERE session_id = $1 AND NOT resolved
		ORDER BY detected_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open anomalies: %w", err)
	}
	defer rows.Close()
	return collectAnomalies(rows)
}

// List returns every anomaly for the session, open and resolved, newest
// first.
func (r *Repository) List(ctx context.Context, sessionID uuid.UUID) ([]*models.Anomaly, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+anomalyColumns+` FROM anomalies
		WHERE session_id = $1
		ORDER BY detected_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()
	return collectAnomalies(rows)
}

// Get loads one anomaly by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Anomaly, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE id = $1`, id)
	anom, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "anomaly %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anomaly: %w", err)
	}
	return anom, nil
}

// Resolve settles one open anomaly with the action that repaired it.
func (r *Repository) Resolve(ctx context.Context, id uuid.UUID, actor string, act models.RecoveryAction, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE anomalies
		SET resolved = true, resolved_at = $2, resolved_by = $3, resolved_action = $4
		WHERE id = $1 AND NOT resolved`,
		id, at, actor, act,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve anomaly: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.New(fault.KindPrecondition, "anomaly %s is not open", id)
	}
	return nil
}

// InsertLog appends one audit entry.
func (r *Repository) InsertLog(ctx context.Context, entry models.RecoveryLogEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recovery_log (id, session_id, actor, action,
			pre_round, pre_phase, post_round, post_phase, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.SessionID, entry.Actor, entry.Action,
		entry.PreRound, entry.PrePhase, entry.PostRound, entry.PostPhase, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert recovery log entry: %w", err)
	}
	return nil
}

// ListLog returns the session's audit log, newest first.
func (r *Repository) ListLog(ctx context.Context, sessionID uuid.UUID) ([]*models.RecoveryLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, actor, action, pre_round, pre_phase,
			post_round, post_phase, created_at
		FROM recovery_log
		WHERE session_id = $1
		ORDER BY created_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery log: %w", err)
	}
	defer rows.Close()

	var out []*models.RecoveryLogEntry
	for rows.Next() {
		var e models.RecoveryLogEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Actor, &e.Action,
			&e.PreRound, &e.PrePhase, &e.PostRound, &e.PostPhase, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recovery log entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InconsistentSession is a diagnostic hit from the consistency sweep.
type InconsistentSession struct {
	SessionID uuid.UUID
	Detail    string
}

// FetchInconsistentSessions finds live sessions violating a structural
// invariant: a deadline outside the decision phase, a decision phase with
// no deadline and no fired timeout, a guard counter ahead of the current
// round, or a finished round on an unfinished session.
func (r *Repository) FetchInconsistentSessions(ctx context.Context, limit int32) ([]InconsistentSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id,
			CASE
				WHEN decision_deadline IS NOT NULL AND round_status <> 'decision'
					THEN 'deadline set outside decision phase'
				WHEN round_status = 'decision' AND status = 'playing' AND NOT recovering
					AND decision_deadline IS NULL AND timed_out_round < current_round
					THEN 'decision phase with no deadline armed'
				WHEN timed_out_round > current_round
					THEN 'timeout guard ahead of current round'
				WHEN round_status = 'finished' AND status <> 'finished'
					THEN 'finished round on unfinished session'
			END AS detail
		FROM sessions
		WHERE status <> 'finished' AND (
			(decision_deadline IS NOT NULL AND round_status <> 'decision')
			OR (round_status = 'decision' AND status = 'playing' AND NOT recovering
				AND decision_deadline IS NULL AND timed_out_round < current_round)
			OR timed_out_round > current_round
			OR round_status = 'finished'
		)
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch inconsistent sessions: %w", err)
	}
	defer rows.Close()

	var out []InconsistentSession
	for rows.Next() {
		var hit InconsistentSession
		var detail sql.NullString
		if err := rows.Scan(&hit.SessionID, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan inconsistent session: %w", err)
		}
		hit.Detail = detail.String
		out = append(out, hit)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (*models.Anomaly, error) {
	var (
		anom       models.Anomaly
		detail     sql.NullString
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
		action     sql.NullString
	)
	err := row.Scan(&anom.ID, &anom.SessionID, &anom.Round, &anom.Kind, &detail,
		&anom.DetectedAt, &anom.Resolved, &resolvedAt, &resolvedBy, &action)
	if err != nil {
		return nil, err
	}
	anom.Detail = detail.String
	if resolvedAt.Valid {
		anom.ResolvedAt = &resolvedAt.Time
	}
	anom.ResolvedBy = resolvedBy.String
	anom.ResolvedAction = models.RecoveryAction(action.String)
	return &anom, nil
}

func collectAnomalies(rows *sql.Rows) ([]*models.Anomaly, error) {
	var out []*models.Anomaly
	for rows.Next() {
		anom, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		out = append(out, anom)
	}
	return out, rows.Err()
}
