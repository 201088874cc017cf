package engine

import (
	"context"
	"database/sql"

	"github.com/covenlabs/conclave/internal/action"
	"github.com/covenlabs/conclave/internal/inference"
	"github.com/covenlabs/conclave/internal/modifier"
	"github.com/covenlabs/conclave/internal/outbox"
	"github.com/covenlabs/conclave/internal/session"
	"github.com/covenlabs/conclave/internal/snapshot"
	"github.com/covenlabs/conclave/internal/sqlutil"
)

// AnomalyStoreFactory binds an anomaly store to a handle or transaction.
// The engine cannot import internal/recovery directly (recovery's service
// layer depends on the engine), so main supplies the constructor.
type AnomalyStoreFactory func(db sqlutil.DBTX) AnomalyStore

// pgTx scopes the repositories to one handle: the pool for plain reads,
// a *sql.Tx inside Run.
type pgTx struct {
	q         sqlutil.DBTX
	anomalies AnomalyStoreFactory
}

func (t pgTx) Sessions() SessionStore   { return session.NewRepository(t.q) }
func (t pgTx) Actions() ActionStore     { return action.NewRepository(t.q) }
func (t pgTx) Modifiers() ModifierStore { return modifier.NewRepository(t.q) }
func (t pgTx) Results() ResultStore     { return inference.NewRepository(t.q) }
func (t pgTx) Snapshots() SnapshotStore { return snapshot.NewRepository(t.q) }
func (t pgTx) Anomalies() AnomalyStore  { return t.anomalies(t.q) }
func (t pgTx) Outbox() OutboxStore      { return outbox.NewRepository(t.q) }

type postgresStore struct {
	pgTx
	db *sql.DB
}

// NewPostgresStore wires the store over one database handle.
func NewPostgresStore(db *sql.DB, anomalies AnomalyStoreFactory) Store {
	return &postgresStore{
		pgTx: pgTx{q: db, anomalies: anomalies},
		db:   db,
	}
}

func (s *postgresStore) Run(ctx context.Context, fn func(tx Tx) error) error {
	return sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		return fn(pgTx{q: tx, anomalies: s.anomalies})
	})
}
