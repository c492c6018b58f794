package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/rollout/internal/app/migrate"
	"github.com/splax/rollout/internal/domain"
	httpx "github.com/splax/rollout/internal/http"
	"github.com/splax/rollout/internal/repository/postgres"
	"github.com/splax/rollout/internal/service/health"
	"github.com/splax/rollout/internal/service/migration"
	"github.com/splax/rollout/internal/service/platform"
	"github.com/splax/rollout/internal/service/rollout"
	"github.com/splax/rollout/internal/service/sequencer"
	"github.com/splax/rollout/internal/service/supervisor"
	"github.com/splax/rollout/internal/service/webhook"
	"github.com/splax/rollout/internal/ws"
	"github.com/splax/rollout/pkg/config"
	"github.com/splax/rollout/pkg/logger"
)

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("rolloutd", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pool construction is lazy; nothing dials until the sequencer's
	// dependency phase pings, which happens only after the port is bound.
	controlPool, err := pgxpool.New(ctx, cfg.ControlDatabaseURL)
	if err != nil {
		log.Error("invalid control database config", "error", err)
		os.Exit(1)
	}
	defer controlPool.Close()
	targetPool, err := pgxpool.New(ctx, cfg.TargetDatabaseURL)
	if err != nil {
		log.Error("invalid target database config", "error", err)
		os.Exit(1)
	}
	defer targetPool.Close()

	controlMigrations, err := migrate.New(cfg.ControlDatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure control store migrations", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(controlPool)
	ledger := postgres.NewLedger(targetPool)
	runner := migration.NewRunner(ledger, ledger, cfg.MigrationTimeout, log)

	platformClient, platformClose, err := buildPlatformClient(cfg)
	if err != nil {
		log.Error("failed to configure platform client", "error", err)
		os.Exit(1)
	}
	if platformClose != nil {
		defer platformClose()
	}

	gate := health.NewGate(cfg.SuccessRateWindow)
	prober := health.NewProber(cfg.ProbeTimeout)
	hub := ws.NewHub()

	controller := rollout.New(repo, repo, runner, platformClient, prober, hub, log, rollout.Config{
		PromotionTimeout: cfg.PromotionTimeout,
		PollEvery:        cfg.ReadinessPollEvery,
	})
	defer controller.Close()

	webhookSvc := webhook.New(repo, cfg.WebhookSecret, log)
	registerPaymentHandlers(webhookSvc, log)

	super := supervisor.New(repo, prober, controller, supervisor.LogAlerter{Logger: log}, log, supervisor.Config{
		Interval:      cfg.SupervisorInterval,
		SuccessFloor:  cfg.SupervisorSuccessFloor,
		DegradedPolls: cfg.SupervisorDegradedPolls,
		MaxFailures:   cfg.SupervisorMaxFailures,
		Cooldown:      cfg.SupervisorCooldown,
	})
	go super.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, gate, controller, webhookSvc, hub, limiter, cfg.OperatorToken)
	defer router.Close()

	seq := sequencer.New(gate, sequencer.RetryPolicy{
		Base:        cfg.DependencyRetryBase,
		Cap:         cfg.DependencyRetryCap,
		MaxDuration: cfg.DependencyRetryCeiling,
		MaxAttempts: cfg.DependencyMaxAttempts,
	}, log,
		sequencer.Dependency{Name: "control-db", Init: controlPool.Ping},
		sequencer.Dependency{Name: "control-migrations", Init: controlMigrations.Ensure},
		sequencer.Dependency{Name: "attempt-reconcile", Init: controller.Reconcile},
		sequencer.Dependency{Name: "target-db", Init: targetPool.Ping},
		sequencer.Dependency{Name: "platform", Init: platformClient.Ping},
	)

	handle, err := seq.Start(ctx, cfg.Addr, router)
	if err != nil {
		log.Error("failed to bind listener", "error", err)
		os.Exit(1)
	}
	log.Info("rollout orchestrator starting", "addr", handle.Addr(), "env", cfg.Environment)

	select {
	case <-ctx.Done():
	case <-handle.Done():
		if err := handle.Err(); err != nil {
			// Stay up for liveness and inspection; readiness is latched false.
			log.Error("startup did not complete", "error", err)
		}
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := handle.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	log.Info("rollout orchestrator stopped")
}

func buildPlatformClient(cfg config.OrchestratorConfig) (platform.Client, func() error, error) {
	if cfg.PlatformDocker {
		client, err := platform.NewDockerClient(cfg.DockerHost, cfg.ServiceName, cfg.DockerImageRepo, cfg.DockerNetwork, cfg.DockerEdgeProxy, cfg.DockerAppPort)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}
	return platform.NewHTTPClient(cfg.PlatformURL, cfg.PlatformToken), nil, nil
}

// registerPaymentHandlers wires the event types the orchestrator understands.
// Unknown types are acknowledged without side effects.
func registerPaymentHandlers(svc *webhook.Service, log *slog.Logger) {
	record := func(outcome string) webhook.Handler {
		return func(ctx context.Context, event domain.WebhookEvent) error {
			var body struct {
				PaymentID string `json:"payment_id"`
				Amount    int64  `json:"amount"`
			}
			if err := json.Unmarshal(event.Payload, &body); err != nil {
				return err
			}
			log.Info("payment event processed", "outcome", outcome, "event_id", event.EventID,
				"payment_id", body.PaymentID, "amount", body.Amount)
			return nil
		}
	}
	svc.Register("payment.succeeded", record("succeeded"))
	svc.Register("payment.failed", record("failed"))
	svc.Register("payment.refunded", record("refunded"))
}
