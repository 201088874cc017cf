package session

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

const sessionColumns = `id, room_id, host_id, current_round, total_rounds, round_status,
status, recovering, decision_deadline, timed_out_round, extended_round, urgent_round,
version, game_state, rules, settings, created_at, updated_at`

// Repository persists sessions. All mutating statements bump the version
// counter so every committed change is observable through deltas.
type Repository struct {
	db sqlutil.DBTX
}

func NewRepository(db sqlutil.DBTX) *Repository {
	return &Repository{db: db}
}


func (r *Repository) Create(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	settingsBytes, err := json.Marshal(req.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session settings: %w", err)
	}

	var deadline sql.NullTime
	if req.DecisionDeadline != nil {
		deadline = sql.NullTime{Time: *req.DecisionDeadline, Valid: true}
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, room_id, host_id, current_round, total_rounds,
			round_status, status, decision_deadline, game_state, rules, settings)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+sessionColumns,
		req.ID, req.RoomID, req.HostID, req.TotalRounds,
		models.RoundStatusDecision, models.SessionStatusPlaying,
		deadline, nullJSON(req.GameState), req.Rules, settingsBytes,
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// GetForUpdate loads the session with a row lock; callers must be inside
// a transaction.
func (r *Repository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	return sess, nil
}

// UpdateState writes the session's round-lifecycle fields and bumps the
// version counter in one statement. The returned row carries the new
// version.
func (r *Repository) UpdateState(ctx context.Context, sess *models.Session) (*models.Session, error) {
	var deadline sql.NullTime
	if sess.DecisionDeadline != nil {
		deadline = sql.NullTime{Time: *sess.DecisionDeadline, Valid: true}
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET current_round = $2, round_status = $3, status = $4, recovering = $5,
			decision_deadline = $6, timed_out_round = $7, extended_round = $8,
			urgent_round = $9, game_state = $10, version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+sessionColumns,
		sess.ID, sess.CurrentRound, sess.RoundStatus, sess.Status, sess.Recovering,
		deadline, sess.TimedOutRound, sess.ExtendedRound, sess.UrgentRound,
		nullJSON(sess.GameState),
	)
	updated, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "session %s not found", sess.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update session state: %w", err)
	}
	return updated, nil
}

// MarkUrgentNotified advances the urgency guard to round. Reports false
// when the guard already reached it, so the warning for a round is sent
// at most once even across processes. The session version is untouched.
func (r *Repository) MarkUrgentNotified(ctx context.Context, id uuid.UUID, round int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET urgent_round = $2
		WHERE id = $1 AND urgent_round < $2`,
		id, round,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark urgency notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FetchNextDeadline returns the earliest live decision deadline across all
// playing sessions, or nil when no session is on the clock.
func (r *Repository) FetchNextDeadline(ctx context.Context) (*NextDeadline, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, decision_deadline FROM sessions
		WHERE status = $1 AND round_status = $2 AND NOT recovering
			AND decision_deadline IS NOT NULL AND timed_out_round < current_round
		ORDER BY decision_deadline ASC
		LIMIT 1`,
		models.SessionStatusPlaying, models.RoundStatusDecision,
	)

	var nd NextDeadline
	var deadline sql.NullTime
	if err := row.Scan(&nd.SessionID, &deadline); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch next deadline: %w", err)
	}
	if deadline.Valid {
		nd.Deadline = &deadline.Time
	}
	return &nd, nil
}

// FetchSessionsDue returns sessions whose decision deadline has elapsed
// and whose timeout strategy has not fired for the current round yet.
func (r *Repository) FetchSessionsDue(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE status = $1 AND round_status = $2 AND NOT recovering
			AND decision_deadline IS NOT NULL AND decision_deadline <= $3
			AND timed_out_round < current_round
		ORDER BY decision_deadline ASC
		LIMIT $4`,
		models.SessionStatusPlaying, models.RoundStatusDecision, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due sessions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan due session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FetchSessionsNearDeadline returns playing sessions whose deadline falls
// inside (now, now+within] and whose round has not been urgency-notified
// yet; used for the urgency notification only.
func (r *Repository) FetchSessionsNearDeadline(ctx context.Context, now time.Time, within time.Duration, limit int32) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = $1 AND round_status = $2 AND NOT recovering
			AND decision_deadline IS NOT NULL
			AND decision_deadline > $3 AND decision_deadline <= $4
			AND urgent_round < current_round
		ORDER BY decision_deadline ASC
		LIMIT $5`,
		models.SessionStatusPlaying, models.RoundStatusDecision, now, now.Add(within), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch near-deadline sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess          models.Session
		deadline      sql.NullTime
		gameState     pqtype.NullRawMessage
		settingsBytes []byte
	)
	err := row.Scan(
		&sess.ID, &sess.RoomID, &sess.HostID, &sess.CurrentRound, &sess.TotalRounds,
		&sess.RoundStatus, &sess.Status, &sess.Recovering, &deadline,
		&sess.TimedOutRound, &sess.ExtendedRound, &sess.UrgentRound, &sess.Version, &gameState,
		&sess.Rules, &settingsBytes, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deadline.Valid {
		sess.DecisionDeadline = &deadline.Time
	}
	if gameState.Valid {
		sess.GameState = gameState.RawMessage
	}
	if err := json.Unmarshal(settingsBytes, &sess.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session settings: %w", err)
	}
	return &sess, nil
}

func nullJSON(raw json.RawMessage) pqtype.NullRawMessage {
	if len(raw) == 0 {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}
}
