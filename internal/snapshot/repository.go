package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/models"
	"github.com/covenlabs/conclave/internal/sqlutil"
)

const snapshotColumns = `id, session_id, round, round_status, version, game_state,
label, auto, created_at`

// Repository persists snapshots. Rows are immutable once written and
// retained until explicit deletion.
type Repository struct {
	db sqlutil.DBTX
}

func NewRepository(db sqlutil.DBTX) *Repository {
	return &Repository{db: db}
}


// Create records a point-in-time copy of the session's game state and
// round metadata.
func (r *Repository) Create(ctx context.Context, sess *models.Session, label string, auto bool) (*models.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO snapshots (id, session_id, round, round_status, version,
			game_state, label, auto)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+snapshotColumns,
		uuid.New(), sess.ID, sess.CurrentRound, sess.RoundStatus, sess.Version,
		nullGameState(sess), label, auto,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	return snap, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Snapshot, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "snapshot %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// Latest returns the most recent snapshot for the session, or nil when
// none exists.
func (r *Repository) Latest(ctx context.Context, sessionID uuid.UUID) (*models.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`,
		sessionID,
	)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return snap, nil
}

// LatestForRound returns the most recent snapshot taken in the given
// round, or nil. Used to decide whether a recovery action needs an
// implicit snapshot first.
func (r *Repository) LatestForRound(ctx context.Context, sessionID uuid.UUID, round int) (*models.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE session_id = $1 AND round = $2
		ORDER BY created_at DESC LIMIT 1`,
		sessionID, round,
	)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round snapshot: %w", err)
	}
	return snap, nil
}

// List returns the session's snapshots ordered newest first.
func (r *Repository) List(ctx context.Context, sessionID uuid.UUID) ([]*models.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE session_id = $1 ORDER BY created_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*models.Snapshot, error) {
	var (
		snap      models.Snapshot
		gameState pqtype.NullRawMessage
	)
	err := row.Scan(
		&snap.ID, &snap.SessionID, &snap.Round, &snap.RoundStatus, &snap.Version,
		&gameState, &snap.Label, &snap.Auto, &snap.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if gameState.Valid {
		snap.GameState = gameState.RawMessage
	}
	return &snap, nil
}

func nullGameState(sess *models.Session) pqtype.NullRawMessage {
	if len(sess.GameState) == 0 {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: sess.GameState, Valid: true}
}
