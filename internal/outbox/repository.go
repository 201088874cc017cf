package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/covenlabs/conclave/internal/events"
	"github.com/covenlabs/conclave/internal/sqlutil"
)

// Repository persists outbox rows.
type Repository struct {
	db sqlutil.DBTX
}

func NewRepository(db sqlutil.DBTX) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

// Insert stores a session event for publication. Callers invoke this
// inside the transaction that commits the corresponding state mutation.
func (r *Repository) Insert(ctx context.Context, ev events.SessionEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_events (id, session_id, room_id, event_type, version, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.SessionID, ev.RoomID, ev.Type, ev.Version, []byte(ev.Data), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event %s: %w", ev.Type, err)
	}
	return nil
}

// FetchUnsent claims up to limit unsent rows in insertion order; the
// serial seq column keeps the order total even for rows created in the
// same commit at the same timestamp. Row locks with SKIP LOCKED keep
// concurrent pollers from double-publishing.
func (r *Repository) FetchUnsent(ctx context.Context, limit int32) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, id, session_id, room_id, event_type, version, payload, created_at, sent_at
		FROM outbox_events
		WHERE sent_at IS NULL
		ORDER BY seq ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev     Event
			sentAt sql.NullTime
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.SessionID, &ev.RoomID, &ev.EventType,
			&ev.Version, &ev.Payload, &ev.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if sentAt.Valid {
			ev.SentAt = &sentAt.Time
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkSent stamps one row as published.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET sent_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event sent: %w", err)
	}
	return nil
}
