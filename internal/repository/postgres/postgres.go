package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
)

const uniqueViolation = "23505"

// Repository implements the control-store interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.AttemptRepository      = (*Repository)(nil)
	_ repository.ReleaseRepository      = (*Repository)(nil)
	_ repository.WebhookEventRepository = (*Repository)(nil)
)

// CreateAttempt inserts a deployment attempt in its initial phase.
func (r *Repository) CreateAttempt(ctx context.Context, attempt *domain.DeploymentAttempt) error {
	const query = `INSERT INTO deployment_attempts
		(id, target_version, previous_good_version, phase, reason, automatic, health_snapshot, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.TargetVersion, attempt.PreviousGoodVersion,
		attempt.Phase, attempt.Reason, attempt.Automatic,
		attempt.HealthSnapshot, attempt.StartedAt, attempt.UpdatedAt)
	return err
}

// UpdateAttemptPhase advances an attempt through its state machine.
func (r *Repository) UpdateAttemptPhase(ctx context.Context, update domain.AttemptPhaseUpdate) error {
	const query = `UPDATE deployment_attempts
		SET phase = $2,
		    reason = CASE WHEN $3 <> '' THEN $3 ELSE reason END,
		    health_snapshot = COALESCE($4, health_snapshot),
		    completed_at = COALESCE($5, completed_at),
		    updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.AttemptID, update.Phase, update.Reason, update.HealthSnapshot, update.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetAttemptByID fetches one attempt.
func (r *Repository) GetAttemptByID(ctx context.Context, attemptID string) (*domain.DeploymentAttempt, error) {
	const query = `SELECT id, target_version, previous_good_version, phase, reason, automatic,
		health_snapshot, started_at, completed_at, updated_at
		FROM deployment_attempts WHERE id = $1`
	return r.scanAttempt(r.pool.QueryRow(ctx, query, attemptID))
}

// GetActiveAttempt returns the single non-terminal attempt, if any.
func (r *Repository) GetActiveAttempt(ctx context.Context) (*domain.DeploymentAttempt, error) {
	const query = `SELECT id, target_version, previous_good_version, phase, reason, automatic,
		health_snapshot, started_at, completed_at, updated_at
		FROM deployment_attempts
		WHERE phase NOT IN ($1, $2, $3)
		ORDER BY started_at DESC LIMIT 1`
	return r.scanAttempt(r.pool.QueryRow(ctx, query,
		domain.PhasePromoted, domain.PhaseRolledBack, domain.PhaseFailed))
}

// ListAttempts returns recent attempts, newest first.
func (r *Repository) ListAttempts(ctx context.Context, limit int) ([]domain.DeploymentAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, target_version, previous_good_version, phase, reason, automatic,
		health_snapshot, started_at, completed_at, updated_at
		FROM deployment_attempts ORDER BY started_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]domain.DeploymentAttempt, 0, limit)
	for rows.Next() {
		var a domain.DeploymentAttempt
		if err := rows.Scan(&a.ID, &a.TargetVersion, &a.PreviousGoodVersion, &a.Phase, &a.Reason,
			&a.Automatic, &a.HealthSnapshot, &a.StartedAt, &a.CompletedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *Repository) scanAttempt(row pgx.Row) (*domain.DeploymentAttempt, error) {
	var a domain.DeploymentAttempt
	if err := row.Scan(&a.ID, &a.TargetVersion, &a.PreviousGoodVersion, &a.Phase, &a.Reason,
		&a.Automatic, &a.HealthSnapshot, &a.StartedAt, &a.CompletedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// CurrentRelease returns the release currently holding traffic.
func (r *Repository) CurrentRelease(ctx context.Context) (*domain.Release, error) {
	const query = `SELECT id, version, instance_id, instance_url, promoted_at, superseded_at
		FROM releases WHERE superseded_at IS NULL
		ORDER BY promoted_at DESC LIMIT 1`
	return r.scanRelease(r.pool.QueryRow(ctx, query))
}

// PreviousRelease returns the most recently superseded release, the rollback target.
func (r *Repository) PreviousRelease(ctx context.Context) (*domain.Release, error) {
	const query = `SELECT id, version, instance_id, instance_url, promoted_at, superseded_at
		FROM releases WHERE superseded_at IS NOT NULL
		ORDER BY superseded_at DESC LIMIT 1`
	return r.scanRelease(r.pool.QueryRow(ctx, query))
}

// PromoteRelease supersedes the current release and installs the new one in
// a single transaction, so the pointer never points at two versions.
func (r *Repository) PromoteRelease(ctx context.Context, release *domain.Release) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE releases SET superseded_at = NOW() WHERE superseded_at IS NULL`); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO releases (id, version, instance_id, instance_url, promoted_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		release.ID, release.Version, release.InstanceID, release.InstanceURL, release.PromotedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) scanRelease(row pgx.Row) (*domain.Release, error) {
	var rel domain.Release
	if err := row.Scan(&rel.ID, &rel.Version, &rel.InstanceID, &rel.InstanceURL,
		&rel.PromotedAt, &rel.SupersededAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rel, nil
}

// InsertWebhookEvent claims an event id. The primary key on event_id is the
// idempotency serialization point.
func (r *Repository) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	const query = `INSERT INTO webhook_events (event_id, type, payload, received_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, event.EventID, event.Type, event.Payload, event.ReceivedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrDuplicate
		}
		return err
	}
	return nil
}

// MarkWebhookProcessed sets processed_at once; later calls are no-ops.
func (r *Repository) MarkWebhookProcessed(ctx context.Context, eventID string, processedAt time.Time) error {
	const query = `UPDATE webhook_events SET processed_at = $2
		WHERE event_id = $1 AND processed_at IS NULL`
	_, err := r.pool.Exec(ctx, query, eventID, processedAt)
	return err
}
