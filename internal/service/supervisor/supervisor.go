package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
	"github.com/splax/rollout/internal/service/rollout"
)

const (
	defaultInterval  = 5 * time.Minute
	defaultPollLimit = 3
	pollTimeout      = 15 * time.Second
)

// RollbackTrigger is the controller surface the supervisor heals through.
type RollbackTrigger interface {
	TriggerRollback(ctx context.Context, reason string, automatic bool) (*domain.DeploymentAttempt, error)
}

// ReadinessProber reads the promoted instance's self-reported health.
type ReadinessProber interface {
	Readiness(ctx context.Context, baseURL string) (domain.HealthStatus, error)
}

// Alerter surfaces degradations for human follow-up. Automatic healing
// restores known-good state; it does not repair root causes.
type Alerter interface {
	Alert(ctx context.Context, reason string, status domain.HealthStatus)
}

// Config tunes the degradation policy.
type Config struct {
	Interval      time.Duration
	SuccessFloor  float64
	DegradedPolls int
	MaxFailures   int
	Cooldown      time.Duration
}

// Supervisor polls the promoted release on a fixed interval and triggers an
// automatic rollback when the degradation policy fires. It is independent of
// any single rollout and suspends only on its own timer.
type Supervisor struct {
	releases repository.ReleaseRepository
	prober   ReadinessProber
	rollback RollbackTrigger
	alerter  Alerter
	logger   *slog.Logger
	cfg      Config

	consecutiveFailures int
	degradedPolls       int
	lastRollback        time.Time

	now func() time.Time
}

// New constructs a Supervisor.
func New(releases repository.ReleaseRepository, prober ReadinessProber, rollback RollbackTrigger, alerter Alerter, logger *slog.Logger, cfg Config) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.DegradedPolls <= 0 {
		cfg.DegradedPolls = defaultPollLimit
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "supervisor")
	return &Supervisor{
		releases: releases,
		prober:   prober,
		rollback: rollback,
		alerter:  alerter,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run executes the polling loop until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("health supervisor started", "interval", s.cfg.Interval,
		"success_floor", s.cfg.SuccessFloor, "cooldown", s.cfg.Cooldown)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("health supervisor stopped")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll performs one supervision iteration. Exported so tests drive the loop
// deterministically.
func (s *Supervisor) Poll(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	current, err := s.releases.CurrentRelease(opCtx)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("current release lookup failed", "error", err)
		}
		return
	}

	status, err := s.prober.Readiness(opCtx, current.InstanceURL)
	if err != nil {
		s.consecutiveFailures++
		s.logger.Warn("health poll failed", "version", current.Version,
			"consecutive_failures", s.consecutiveFailures, "error", err)
		if s.consecutiveFailures > s.cfg.MaxFailures {
			s.heal(ctx, fmt.Sprintf("instance unreachable for %d consecutive polls", s.consecutiveFailures), status)
		}
		return
	}
	s.consecutiveFailures = 0
	status.ConsecutiveFailures = 0

	if status.Readiness && status.SuccessRate >= s.cfg.SuccessFloor {
		if s.degradedPolls > 0 {
			s.logger.Info("health recovered", "version", current.Version, "success_rate", status.SuccessRate)
		}
		s.degradedPolls = 0
		return
	}

	s.degradedPolls++
	s.logger.Warn("health degraded", "version", current.Version,
		"success_rate", status.SuccessRate, "ready", status.Readiness,
		"degraded_polls", s.degradedPolls)

	if s.degradedPolls >= s.cfg.DegradedPolls {
		s.heal(ctx, fmt.Sprintf("success rate %.2f below floor %.2f for %d consecutive polls",
			status.SuccessRate, s.cfg.SuccessFloor, s.degradedPolls), status)
	}
}

// heal triggers one automatic rollback and one alert, then enters the
// cooldown window so a still-degraded service cannot flap.
func (s *Supervisor) heal(ctx context.Context, reason string, status domain.HealthStatus) {
	if s.cfg.Cooldown > 0 && !s.lastRollback.IsZero() && s.now().Sub(s.lastRollback) < s.cfg.Cooldown {
		s.logger.Info("degradation persists but cooldown active", "reason", reason,
			"since_rollback", s.now().Sub(s.lastRollback))
		return
	}

	attempt, err := s.rollback.TriggerRollback(ctx, "health degraded: "+reason, true)
	if err != nil {
		if errors.Is(err, rollout.ErrDeployInProgress) {
			// A rollout is already in flight; it will settle the health
			// question on its own. Stand down and re-evaluate next poll.
			s.logger.Info("rollback skipped, rollout already in flight", "reason", reason)
			s.degradedPolls = 0
			s.consecutiveFailures = 0
			return
		}
		s.logger.Error("automatic rollback failed to start", "reason", reason, "error", err)
		return
	}

	s.lastRollback = s.now()
	s.degradedPolls = 0
	s.consecutiveFailures = 0
	s.logger.Warn("automatic rollback triggered", "attempt_id", attempt.ID,
		"target_version", attempt.TargetVersion, "reason", reason)
	if s.alerter != nil {
		s.alerter.Alert(ctx, reason, status)
	}
}

// LogAlerter reports degradations through the structured log.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert emits one alert line per healing action.
func (a LogAlerter) Alert(ctx context.Context, reason string, status domain.HealthStatus) {
	a.Logger.Error("ALERT: automatic rollback performed, human follow-up required",
		"reason", reason, "success_rate", status.SuccessRate, "ready", status.Readiness)
}
