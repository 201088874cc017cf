package action

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/models"
	"github.com/covenlabs/conclave/internal/sqlutil"
)

const actionColumns = `id, session_id, round, user_id, player_index, payload, status,
host_modified, submitted_at, created_at`

// Repository persists player actions. The unique key
// (session_id, round, user_id) makes submission an idempotent upsert:
// resubmission before the deadline overwrites the payload but keeps the
// first submission's timestamp, never creates a second row.
type Repository struct {
	db sqlutil.DBTX
}

func NewRepository(db sqlutil.DBTX) *Repository {
	return &Repository{db: db}
}


// Upsert records a submission. submitted_at is written once, on the
// first submission, so listings stay ordered by arrival even across
// resubmissions. Rows are pre-seeded pending at round start, which is
// why created_at cannot serve as the arrival order.
func (r *Repository) Upsert(ctx context.Context, params UpsertParams) (*models.PlayerAction, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO player_actions (id, session_id, round, user_id, player_index,
			payload, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (session_id, round, user_id) DO UPDATE
		SET payload = EXCLUDED.payload, status = EXCLUDED.status,
			submitted_at = COALESCE(player_actions.submitted_at, now()),
			host_modified = false
		RETURNING `+actionColumns,
		uuid.New(), params.SessionID, params.Round, params.UserID,
		params.PlayerIndex, nullJSON(params.Payload), models.ActionStatusSubmitted,
	)
	act, err := scanAction(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert player action: %w", err)
	}
	return act, nil
}

// InsertPending records a straggler row for a participant who never
// submitted before the deadline (skip strategy).
func (r *Repository) InsertPending(ctx context.Context, sessionID uuid.UUID, round int, p models.Participant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO player_actions (id, session_id, round, user_id, player_index, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, round, user_id) DO NOTHING`,
		uuid.New(), sessionID, round, p.UserID, p.PlayerIndex, models.ActionStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pending action: %w", err)
	}
	return nil
}

// UpdatePayload overwrites one action's payload on behalf of the host and
// marks it host-modified.
func (r *Repository) UpdatePayload(ctx context.Context, sessionID uuid.UUID, round int, userID string, payload json.RawMessage) (*models.PlayerAction, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE player_actions
		SET payload = $4, status = $5, host_modified = true,
			submitted_at = COALESCE(submitted_at, now())
		WHERE session_id = $1 AND round = $2 AND user_id = $3
		RETURNING `+actionColumns,
		sessionID, round, userID, nullJSON(payload), models.ActionStatusSubmitted,
	)
	act, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "no action for user %s in round %d", userID, round)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update action payload: %w", err)
	}
	return act, nil
}

// ListForRound returns the round's actions, submitted ones first in
// arrival order, then the still-pending seats in roster order. Query-only;
// safe to call during any phase.
func (r *Repository) ListForRound(ctx context.Context, sessionID uuid.UUID, round int) ([]*models.PlayerAction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM player_actions
		WHERE session_id = $1 AND round = $2
		ORDER BY submitted_at ASC NULLS LAST, player_index ASC`,
		sessionID, round,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var out []*models.PlayerAction
	for rows.Next() {
		act, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

// CountSubmitted returns how many participants have a submitted action
// for the round.
func (r *Repository) CountSubmitted(ctx context.Context, sessionID uuid.UUID, round int) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM player_actions
		WHERE session_id = $1 AND round = $2 AND status = $3`,
		sessionID, round, models.ActionStatusSubmitted,
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count submitted actions: %w", err)
	}
	return n, nil
}

// DeleteForRound discards the round's actions. Only the recovery engine's
// reset_to_decision path calls this; history is otherwise append-only.
func (r *Repository) DeleteForRound(ctx context.Context, sessionID uuid.UUID, round int) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM player_actions WHERE session_id = $1 AND round = $2`,
		sessionID, round,
	)
	if err != nil {
		return fmt.Errorf("failed to delete round actions: %w", err)
	}
	return nil
}

// ResetFromRound rewinds every action from the given round on to pending,
// clearing payloads and submission times. The rollback path calls this so
// replayed rounds wait for fresh decisions instead of inheriting the
// abandoned timeline's submissions.
func (r *Repository) ResetFromRound(ctx context.Context, sessionID uuid.UUID, round int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE player_actions
		SET status = $3, payload = NULL, submitted_at = NULL, host_modified = false
		WHERE session_id = $1 AND round >= $2`,
		sessionID, round, models.ActionStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to reset actions: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*models.PlayerAction, error) {
	var (
		act         models.PlayerAction
		payload     pqtype.NullRawMessage
		submittedAt sql.NullTime
	)
	err := row.Scan(
		&act.ID, &act.SessionID, &act.Round, &act.UserID, &act.PlayerIndex,
		&payload, &act.Status, &act.HostModified, &submittedAt, &act.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		act.Payload = payload.RawMessage
	}
	if submittedAt.Valid {
		act.SubmittedAt = &submittedAt.Time
	}
	return &act, nil
}

func nullJSON(raw json.RawMessage) pqtype.NullRawMessage {
	if len(raw) == 0 {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}
}
