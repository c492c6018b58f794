package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
)

const defaultPhaseTimeout = 30 * time.Minute

// Error is fatal to a deployment attempt. The ledger is left at the last
// fully applied migration; nothing is partially recorded.
type Error struct {
	MigrationID string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration %s: %v", e.MigrationID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatementExecutor runs one migration statement against the target database.
type StatementExecutor interface {
	Exec(ctx context.Context, statement string) error
}

// Runner applies versioned, idempotent migrations in the pre-deploy phase.
// The phase carries its own generous timeout, separate from any liveness
// deadline, because schema changes on large tables can be slow.
type Runner struct {
	ledger  repository.MigrationLedger
	target  StatementExecutor
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner constructs a Runner. A non-positive timeout falls back to 30m.
func NewRunner(ledger repository.MigrationLedger, target StatementExecutor, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = defaultPhaseTimeout
	}
	if logger != nil {
		logger = logger.With("component", "migration")
	}
	return &Runner{
		ledger:  ledger,
		target:  target,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Apply runs the pending set in order and returns the count of newly applied
// migrations. Re-running the same set is a no-op for already-applied ids; a
// checksum mismatch against the ledger aborts before any statement runs.
func (r *Runner) Apply(ctx context.Context, pending []domain.MigrationRecord) (int, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.ledger.EnsureLedger(runCtx); err != nil {
		return 0, fmt.Errorf("ensure migration ledger: %w", err)
	}

	applied, err := r.ledger.ListAppliedMigrations(runCtx)
	if err != nil {
		return 0, fmt.Errorf("load migration ledger: %w", err)
	}
	seen := make(map[string]string, len(applied))
	for _, rec := range applied {
		seen[rec.ID] = rec.Checksum
	}

	count := 0
	for _, rec := range pending {
		checksum := rec.Checksum
		if checksum == "" {
			checksum = rec.ComputeChecksum()
		}
		if prior, ok := seen[rec.ID]; ok {
			if prior != "" && checksum != "" && prior != checksum {
				return count, &Error{MigrationID: rec.ID,
					Err: fmt.Errorf("checksum mismatch: ledger has %s, set has %s", prior, checksum)}
			}
			if r.logger != nil {
				r.logger.Debug("migration already applied", "id", rec.ID)
			}
			continue
		}

		start := r.now()
		for _, stmt := range rec.Statements {
			if err := r.target.Exec(runCtx, stmt); err != nil {
				return count, &Error{MigrationID: rec.ID, Err: err}
			}
		}

		entry := rec
		entry.Checksum = checksum
		entry.AppliedAt = r.now().UTC()
		if err := r.ledger.RecordMigration(runCtx, entry); err != nil {
			return count, &Error{MigrationID: rec.ID, Err: fmt.Errorf("record in ledger: %w", err)}
		}
		count++
		if r.logger != nil {
			r.logger.Info("migration applied", "id", rec.ID,
				"description", rec.Description, "took", r.now().Sub(start))
		}
	}
	return count, nil
}
