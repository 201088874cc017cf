package modifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/covenlabs/conclave/internal/models"
	"github.com/covenlabs/conclave/internal/sqlutil"
)

const modifierColumns = `id, session_id, kind, description, round, effective_rounds,
progress, created_by, created_at`

// Repository persists temporary modifiers.
type Repository struct {
	db sqlutil.DBTX
}

func NewRepository(db sqlutil.DBTX) *Repository {
	return &Repository{db: db}
}


func (r *Repository) Create(ctx context.Context, params CreateParams) (*models.TemporaryModifier, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO temporary_modifiers (id, session_id, kind, description, round,
			effective_rounds, progress, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+modifierColumns,
		uuid.New(), params.SessionID, params.Kind, params.Description,
		params.Round, params.EffectiveRounds, nullJSON(params.Progress), params.CreatedBy,
	)
	mod, err := scanModifier(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create modifier: %w", err)
	}
	return mod, nil
}

// ListActive returns the modifiers whose effective window covers round.
func (r *Repository) ListActive(ctx context.Context, sessionID uuid.UUID, round int) ([]*models.TemporaryModifier, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+modifierColumns+` FROM temporary_modifiers
		WHERE session_id = $1 AND round <= $2 AND round + effective_rounds > $2
		ORDER BY created_at ASC`,
		sessionID, round,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active modifiers: %w", err)
	}
	defer rows.Close()

	var out []*models.TemporaryModifier
	for rows.Next() {
		mod, err := scanModifier(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan modifier: %w", err)
		}
		out = append(out, mod)
	}
	return out, rows.Err()
}

// UpdateProgress stores the provider-reported progress map for one
// modifier; consulted on the next round's bundle.
func (r *Repository) UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE temporary_modifiers SET progress = $2 WHERE id = $1`,
		id, nullJSON(progress),
	)
	if err != nil {
		return fmt.Errorf("failed to update modifier progress: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModifier(row rowScanner) (*models.TemporaryModifier, error) {
	var (
		mod      models.TemporaryModifier
		progress pqtype.NullRawMessage
	)
	err := row.Scan(
		&mod.ID, &mod.SessionID, &mod.Kind, &mod.Description, &mod.Round,
		&mod.EffectiveRounds, &progress, &mod.CreatedBy, &mod.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if progress.Valid {
		mod.Progress = progress.RawMessage
	}
	return &mod, nil
}

func nullJSON(raw json.RawMessage) pqtype.NullRawMessage {
	if len(raw) == 0 {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}
}
