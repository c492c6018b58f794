package repository

import (
	"context"
	"time"

	"github.com/splax/rollout/internal/domain"
)

// AttemptRepository stores deployment attempt history.
type AttemptRepository interface {
	CreateAttempt(ctx context.Context, attempt *domain.DeploymentAttempt) error
	UpdateAttemptPhase(ctx context.Context, update domain.AttemptPhaseUpdate) error
	GetAttemptByID(ctx context.Context, attemptID string) (*domain.DeploymentAttempt, error)
	GetActiveAttempt(ctx context.Context) (*domain.DeploymentAttempt, error)
	ListAttempts(ctx context.Context, limit int) ([]domain.DeploymentAttempt, error)
}

// ReleaseRepository owns the good-version pointer. PromoteRelease is the only
// write path; the rollout controller is its only caller.
type ReleaseRepository interface {
	CurrentRelease(ctx context.Context) (*domain.Release, error)
	PreviousRelease(ctx context.Context) (*domain.Release, error)
	PromoteRelease(ctx context.Context, release *domain.Release) error
}

// WebhookEventRepository stores the processed-event set. InsertWebhookEvent
// must return ErrDuplicate when the event id already exists.
type WebhookEventRepository interface {
	InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	MarkWebhookProcessed(ctx context.Context, eventID string, processedAt time.Time) error
}

// MigrationLedger records applied migrations in the target database.
type MigrationLedger interface {
	EnsureLedger(ctx context.Context) error
	ListAppliedMigrations(ctx context.Context) ([]domain.MigrationRecord, error)
	RecordMigration(ctx context.Context, record domain.MigrationRecord) error
}
