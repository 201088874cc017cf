package inference

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/models"
	"github.com/covenlabs/conclave/internal/sqlutil"
)

const resultColumns = `id, session_id, round, attempt_id, status, result, error_info,
attempt_count, requested_at, completed_at`

// Repository persists inference results, one row per (session, round).
// Attempt ids fence off stale provider responses: completing or failing a
// row requires the matching attempt id.
type Repository struct {
	db sqlutil.DBTX
}

func NewRepository(db sqlutil.DBTX) *Repository {
	return &Repository{db: db}
}


// Issue creates or re-arms the round's result row as pending under a new
// attempt id, bumping the attempt counter.
func (r *Repository) Issue(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID) (*models.InferenceResult, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO inference_results (id, session_id, round, attempt_id, status, attempt_count)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (session_id, round) DO UPDATE
		SET attempt_id = EXCLUDED.attempt_id, status = EXCLUDED.status,
			attempt_count = inference_results.attempt_count + 1,
			result = NULL, error_info = NULL, requested_at = now(), completed_at = NULL
		RETURNING `+resultColumns,
		uuid.New(), sessionID, round, attemptID, models.InferenceStatusPending,
	)
	res, err := scanResult(row)
	if err != nil {
		return nil, fmt.Errorf("failed to issue inference attempt: %w", err)
	}
	return res, nil
}

func (r *Repository) Get(ctx context.Context, sessionID uuid.UUID, round int) (*models.InferenceResult, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM inference_results WHERE session_id = $1 AND round = $2`,
		sessionID, round,
	)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "no inference result for round %d", round)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inference result: %w", err)
	}
	return res, nil
}

// Latest returns the most recent result row for the session, or nil when
// no round has been submitted to inference yet.
func (r *Repository) Latest(ctx context.Context, sessionID uuid.UUID) (*models.InferenceResult, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM inference_results
		WHERE session_id = $1 ORDER BY round DESC LIMIT 1`,
		sessionID,
	)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest inference result: %w", err)
	}
	return res, nil
}

// Complete marks the row completed iff it is still pending under the same
// attempt id. Returns nil, nil for a stale or already-settled attempt so
// callers can discard late responses without error noise.
func (r *Repository) Complete(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID, result json.RawMessage) (*models.InferenceResult, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE inference_results
		SET status = $4, result = $5, completed_at = now()
		WHERE session_id = $1 AND round = $2 AND attempt_id = $3 AND status = $6
		RETURNING `+resultColumns,
		sessionID, round, attemptID,
		models.InferenceStatusCompleted, nullJSON(result), models.InferenceStatusPending,
	)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete inference result: %w", err)
	}
	return res, nil
}

// Fail marks the row failed under the same stale-attempt fencing as
// Complete.
func (r *Repository) Fail(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID, errInfo models.InferenceError) (*models.InferenceResult, error) {
	infoBytes, err := json.Marshal(errInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error info: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE inference_results
		SET status = $4, error_info = $5, completed_at = now()
		WHERE session_id = $1 AND round = $2 AND attempt_id = $3 AND status = $6
		RETURNING `+resultColumns,
		sessionID, round, attemptID,
		models.InferenceStatusFailed, infoBytes, models.InferenceStatusPending,
	)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fail inference result: %w", err)
	}
	return res, nil
}

// ListPendingBefore returns pending results requested at or before cutoff;
// the recovery detector turns these into ai_timeout anomalies.
func (r *Repository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int32) ([]*models.InferenceResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM inference_results
		WHERE status = $1 AND requested_at <= $2
		ORDER BY requested_at ASC
		LIMIT $3`,
		models.InferenceStatusPending, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending results: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

// ListFailed returns failed results; the recovery detector opens ai_error
// anomalies for any without one.
func (r *Repository) ListFailed(ctx context.Context, limit int32) ([]*models.InferenceResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM inference_results
		WHERE status = $1
		ORDER BY completed_at DESC
		LIMIT $2`,
		models.InferenceStatusFailed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed results: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

func collectResults(rows *sql.Rows) ([]*models.InferenceResult, error) {
	var out []*models.InferenceResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inference result: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*models.InferenceResult, error) {
	var (
		res         models.InferenceResult
		result      pqtype.NullRawMessage
		errInfo     pqtype.NullRawMessage
		completedAt sql.NullTime
	)
	err := row.Scan(
		&res.ID, &res.SessionID, &res.Round, &res.AttemptID, &res.Status,
		&result, &errInfo, &res.AttemptCount, &res.RequestedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if result.Valid {
		res.Result = result.RawMessage
	}
	if errInfo.Valid {
		var info models.InferenceError
		if err := json.Unmarshal(errInfo.RawMessage, &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error info: %w", err)
		}
		res.ErrorInfo = &info
	}
	if completedAt.Valid {
		res.CompletedAt = &completedAt.Time
	}
	return &res, nil
}

func nullJSON(raw json.RawMessage) pqtype.NullRawMessage {
	if len(raw) == 0 {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}
}
