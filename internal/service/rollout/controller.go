package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
	"github.com/splax/rollout/internal/service/platform"
)

const (
	defaultPromotionTimeout = 3 * time.Minute
	defaultPollEvery        = 3 * time.Second

	// EventStream is the hub stream rollout progress is broadcast on.
	EventStream = "rollouts"
)

// MigrationApplier runs the pre-deploy migration phase.
type MigrationApplier interface {
	Apply(ctx context.Context, pending []domain.MigrationRecord) (int, error)
}

// ReadinessProber reads a remote instance's self-reported health.
type ReadinessProber interface {
	Readiness(ctx context.Context, baseURL string) (domain.HealthStatus, error)
}

// EventBroadcaster fans rollout events out to stream subscribers.
type EventBroadcaster interface {
	Broadcast(stream string, payload []byte)
}

// Config bounds the promotion decision.
type Config struct {
	PromotionTimeout time.Duration
	PollEvery        time.Duration
}

// TriggerInput is one deploy request.
type TriggerInput struct {
	TargetVersion string
	Migrations    []domain.MigrationRecord
	Reason        string
	Automatic     bool
}

// Controller drives one deployment attempt at a time through
// migrating -> starting -> health-checking -> {promoted|rolled-back|failed}.
// The previous good version keeps serving until the new one is verified.
type Controller struct {
	attempts repository.AttemptRepository
	releases repository.ReleaseRepository
	migrator MigrationApplier
	platform platform.Client
	prober   ReadinessProber
	events   EventBroadcaster
	logger   *slog.Logger
	cfg      Config

	runCtx  context.Context
	stopAll context.CancelFunc

	mu         sync.Mutex
	inflightID string
	cancel     context.CancelFunc

	now func() time.Time
}

// New constructs a Controller. Rollouts run on their own context so an HTTP
// request ending never aborts one; Close tears them down.
func New(attempts repository.AttemptRepository, releases repository.ReleaseRepository, migrator MigrationApplier, platformClient platform.Client, prober ReadinessProber, events EventBroadcaster, logger *slog.Logger, cfg Config) *Controller {
	if cfg.PromotionTimeout <= 0 {
		cfg.PromotionTimeout = defaultPromotionTimeout
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = defaultPollEvery
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "rollout")
	runCtx, stopAll := context.WithCancel(context.Background())
	initMetrics()
	return &Controller{
		attempts: attempts,
		releases: releases,
		migrator: migrator,
		platform: platformClient,
		prober:   prober,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		runCtx:   runCtx,
		stopAll:  stopAll,
		now:      time.Now,
	}
}

// Close aborts any in-flight rollout.
func (c *Controller) Close() {
	c.stopAll()
}

// Trigger starts a rollout for the target version. It returns the created
// attempt immediately; progress is pollable and streamed. A second request
// while one attempt is non-terminal fails with ErrDeployInProgress.
func (c *Controller) Trigger(ctx context.Context, input TriggerInput) (*domain.DeploymentAttempt, error) {
	target := strings.TrimSpace(input.TargetVersion)
	if target == "" {
		return nil, errors.New("target version is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflightID != "" {
		return nil, ErrDeployInProgress
	}
	if active, err := c.attempts.GetActiveAttempt(ctx); err == nil && active != nil {
		return nil, ErrDeployInProgress
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check active attempt: %w", err)
	}

	previousGood := ""
	current, err := c.releases.CurrentRelease(ctx)
	switch {
	case err == nil:
		previousGood = current.Version
	case errors.Is(err, repository.ErrNotFound):
		// first ever deploy, nothing to fall back to
	default:
		return nil, fmt.Errorf("load current release: %w", err)
	}

	now := c.now().UTC()
	attempt := &domain.DeploymentAttempt{
		ID:                  uuid.NewString(),
		TargetVersion:       target,
		PreviousGoodVersion: previousGood,
		Phase:               domain.PhaseMigrating,
		Reason:              input.Reason,
		Automatic:           input.Automatic,
		StartedAt:           now,
		UpdatedAt:           now,
	}
	if err := c.attempts.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	attemptCtx, cancel := context.WithCancel(c.runCtx)
	c.inflightID = attempt.ID
	c.cancel = cancel
	c.broadcast(attempt, domain.PhaseMigrating, input.Reason)
	c.logger.Info("rollout started", "attempt_id", attempt.ID,
		"target_version", target, "previous_good", previousGood, "automatic", input.Automatic)

	go c.run(attemptCtx, attempt, current, input.Migrations)
	return attempt, nil
}

// TriggerRollback re-enters the promotion machinery targeting the release
// held before the current one. Used by the supervisor and by operators.
func (c *Controller) TriggerRollback(ctx context.Context, reason string, automatic bool) (*domain.DeploymentAttempt, error) {
	previous, err := c.releases.PreviousRelease(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoRollbackTarget
		}
		return nil, fmt.Errorf("load rollback target: %w", err)
	}
	return c.Trigger(ctx, TriggerInput{
		TargetVersion: previous.Version,
		Reason:        reason,
		Automatic:     automatic,
	})
}

// Reconcile finalizes attempts orphaned by a previous process. A persisted
// non-terminal attempt with no running goroutine would otherwise block every
// future Trigger forever. Runs once at startup, before the deploy surface
// opens.
func (c *Controller) Reconcile(ctx context.Context) error {
	var last string
	for {
		active, err := c.attempts.GetActiveAttempt(ctx)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("load active attempt: %w", err)
		}
		if active.ID == last {
			return fmt.Errorf("attempt %s did not finalize", last)
		}
		last = active.ID
		c.logger.Warn("finalizing attempt orphaned by restart",
			"attempt_id", active.ID, "phase", active.Phase, "target_version", active.TargetVersion)
		c.finish(active, domain.PhaseFailed, "orchestrator restarted mid-rollout", nil)
	}
}

// Cancel aborts the given attempt mid-flight. The new instance is torn down
// and the old instance's serving state is untouched. A persisted non-terminal
// attempt with no in-memory owner (left by a restart) is finalized as failed.
func (c *Controller) Cancel(attemptID string) error {
	c.mu.Lock()
	if c.inflightID == attemptID && c.cancel != nil {
		c.cancel()
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	attempt, err := c.attempts.GetAttemptByID(ctx, attemptID)
	if err != nil {
		return err
	}
	if domain.TerminalPhase(attempt.Phase) {
		return repository.ErrNotFound
	}
	c.logger.Warn("cancelling attempt with no active rollout",
		"attempt_id", attempt.ID, "phase", attempt.Phase)
	c.finish(attempt, domain.PhaseFailed, "cancelled, no active rollout owned this attempt", nil)
	return nil
}

// Attempt returns one attempt by id.
func (c *Controller) Attempt(ctx context.Context, attemptID string) (*domain.DeploymentAttempt, error) {
	return c.attempts.GetAttemptByID(ctx, attemptID)
}

// Recent lists recent attempts, newest first.
func (c *Controller) Recent(ctx context.Context, limit int) ([]domain.DeploymentAttempt, error) {
	return c.attempts.ListAttempts(ctx, limit)
}

func (c *Controller) run(ctx context.Context, attempt *domain.DeploymentAttempt, previous *domain.Release, migrations []domain.MigrationRecord) {
	defer c.release(attempt.ID)

	// Phase: migrating. Failure leaves the previous version untouched; the
	// schema phase completes strictly before any traffic-serving startup.
	if _, err := c.migrator.Apply(ctx, migrations); err != nil {
		c.logger.Error("migration phase failed", "attempt_id", attempt.ID, "error", err)
		c.finish(attempt, domain.PhaseFailed, fmt.Sprintf("migration failed: %v", err), nil)
		return
	}

	// Phase: starting. The previous instance keeps serving throughout.
	c.advance(attempt, domain.PhaseStarting, "")
	instance, err := c.platform.Launch(ctx, attempt.TargetVersion)
	if err != nil {
		c.logger.Error("launch failed", "attempt_id", attempt.ID, "error", err)
		c.finish(attempt, domain.PhaseFailed, fmt.Sprintf("launch failed: %v", err), nil)
		return
	}

	// Phase: health-checking.
	c.advance(attempt, domain.PhaseHealthChecking, "")
	status, ready, pollErr := c.awaitReadiness(ctx, instance)
	snapshot := marshalSnapshot(status)

	if !ready {
		c.teardown(instance)
		reason := "readiness timeout: " + (&StartupTimeoutError{Timeout: c.cfg.PromotionTimeout, LastStatus: status}).Error()
		if pollErr != nil {
			reason = "health-checking aborted: " + pollErr.Error()
		}
		c.logger.Warn("rolling back, new instance never became ready",
			"attempt_id", attempt.ID, "target_version", attempt.TargetVersion, "reason", reason)
		c.finish(attempt, domain.PhaseRolledBack, reason, snapshot)
		return
	}

	// Promotion: one atomic routing switch, then pointer update, then the old
	// instance goes away. Partial promotion is never observable.
	if err := c.platform.Promote(ctx, attempt.TargetVersion); err != nil {
		c.teardown(instance)
		c.logger.Error("promote failed", "attempt_id", attempt.ID, "error", err)
		c.finish(attempt, domain.PhaseRolledBack, fmt.Sprintf("promote failed: %v", err), snapshot)
		return
	}

	release := &domain.Release{
		ID:          uuid.NewString(),
		Version:     attempt.TargetVersion,
		InstanceID:  instance.ID,
		InstanceURL: instance.BaseURL,
		PromotedAt:  c.now().UTC(),
	}
	if err := c.releases.PromoteRelease(context.WithoutCancel(ctx), release); err != nil {
		// Traffic already switched; the pointer must not silently lag.
		c.logger.Error("release pointer update failed", "attempt_id", attempt.ID, "error", err)
		c.finish(attempt, domain.PhaseFailed, fmt.Sprintf("pointer update failed after switch: %v", err), snapshot)
		return
	}

	if previous != nil && previous.InstanceID != "" && previous.InstanceID != instance.ID {
		if err := c.platform.Terminate(context.WithoutCancel(ctx), previous.InstanceID); err != nil {
			c.logger.Warn("old instance teardown failed", "attempt_id", attempt.ID,
				"instance_id", previous.InstanceID, "error", err)
		}
	}

	c.logger.Info("rollout promoted", "attempt_id", attempt.ID,
		"target_version", attempt.TargetVersion, "instance_id", instance.ID)
	c.finish(attempt, domain.PhasePromoted, "", snapshot)
}

// awaitReadiness polls the new instance until it reports ready, the
// promotion timeout elapses, or the attempt is cancelled.
func (c *Controller) awaitReadiness(ctx context.Context, instance domain.Instance) (domain.HealthStatus, bool, error) {
	deadline := c.now().Add(c.cfg.PromotionTimeout)
	ticker := time.NewTicker(c.cfg.PollEvery)
	defer ticker.Stop()

	var last domain.HealthStatus
	for {
		select {
		case <-ctx.Done():
			return last, false, ctx.Err()
		case <-ticker.C:
		}
		if c.now().After(deadline) {
			return last, false, nil
		}
		status, err := c.prober.Readiness(ctx, instance.BaseURL)
		if err != nil {
			c.logger.Debug("readiness probe failed", "instance_id", instance.ID, "error", err)
			continue
		}
		last = status
		if status.Readiness {
			return last, true, nil
		}
	}
}

func (c *Controller) teardown(instance domain.Instance) {
	// Teardown must survive attempt cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.platform.Terminate(ctx, instance.ID); err != nil {
		c.logger.Warn("new instance teardown failed", "instance_id", instance.ID, "error", err)
	}
}

func (c *Controller) advance(attempt *domain.DeploymentAttempt, phase, reason string) {
	attempt.Phase = phase
	c.persistPhase(domain.AttemptPhaseUpdate{AttemptID: attempt.ID, Phase: phase, Reason: reason})
	c.broadcast(attempt, phase, reason)
}

func (c *Controller) finish(attempt *domain.DeploymentAttempt, phase, reason string, snapshot json.RawMessage) {
	attempt.Phase = phase
	attempt.Reason = reason
	completed := c.now().UTC()
	c.persistPhase(domain.AttemptPhaseUpdate{
		AttemptID:      attempt.ID,
		Phase:          phase,
		Reason:         reason,
		HealthSnapshot: snapshot,
		CompletedAt:    &completed,
	})
	recordOutcome(phase, attempt.Automatic)
	c.broadcast(attempt, phase, reason)
}

func (c *Controller) persistPhase(update domain.AttemptPhaseUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.attempts.UpdateAttemptPhase(ctx, update); err != nil {
		c.logger.Warn("attempt phase update failed", "attempt_id", update.AttemptID,
			"phase", update.Phase, "error", err)
	}
}

func (c *Controller) broadcast(attempt *domain.DeploymentAttempt, phase, reason string) {
	if c.events == nil {
		return
	}
	payload, err := json.Marshal(domain.RolloutEvent{
		AttemptID:     attempt.ID,
		TargetVersion: attempt.TargetVersion,
		Phase:         phase,
		Reason:        reason,
		Automatic:     attempt.Automatic,
		OccurredAt:    c.now().UTC(),
	})
	if err != nil {
		return
	}
	c.events.Broadcast(EventStream, payload)
}

func (c *Controller) release(attemptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflightID == attemptID {
		c.inflightID = ""
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
}

func marshalSnapshot(status domain.HealthStatus) json.RawMessage {
	payload, err := json.Marshal(status)
	if err != nil {
		return nil
	}
	return payload
}
