package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
)

// Ledger persists the applied-migrations ledger in the target database and
// executes migration statements against it.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger constructs a Ledger over the target database pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

var _ repository.MigrationLedger = (*Ledger)(nil)

// EnsureLedger creates the ledger table when absent. A pre-populated table
// from a prior run is left untouched.
func (l *Ledger) EnsureLedger(ctx context.Context) error {
	const query = `CREATE TABLE IF NOT EXISTS schema_migrations_ledger (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		checksum TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	_, err := l.pool.Exec(ctx, query)
	return err
}

// ListAppliedMigrations returns the ledger in application order.
func (l *Ledger) ListAppliedMigrations(ctx context.Context) ([]domain.MigrationRecord, error) {
	const query = `SELECT id, description, checksum, applied_at
		FROM schema_migrations_ledger ORDER BY applied_at, id`
	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.MigrationRecord, 0)
	for rows.Next() {
		var rec domain.MigrationRecord
		if err := rows.Scan(&rec.ID, &rec.Description, &rec.Checksum, &rec.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordMigration appends a ledger entry. Entries are never mutated or deleted.
func (l *Ledger) RecordMigration(ctx context.Context, record domain.MigrationRecord) error {
	const query = `INSERT INTO schema_migrations_ledger (id, description, checksum, applied_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`
	_, err := l.pool.Exec(ctx, query, record.ID, record.Description, record.Checksum, record.AppliedAt)
	return err
}

// Exec runs a single migration statement against the target database.
func (l *Ledger) Exec(ctx context.Context, statement string) error {
	_, err := l.pool.Exec(ctx, statement)
	return err
}
