package config

import "time"

// OrchestratorConfig holds runtime configuration for the rollout orchestrator.
type OrchestratorConfig struct {
	Environment   string
	LogLevel      string
	Addr          string
	ServiceName   string
	OperatorToken string

	ControlDatabaseURL string
	TargetDatabaseURL  string
	MigrationsDir      string

	MigrationTimeout time.Duration

	DependencyRetryBase    time.Duration
	DependencyRetryCap     time.Duration
	DependencyRetryCeiling time.Duration
	DependencyMaxAttempts  int

	PromotionTimeout   time.Duration
	ReadinessPollEvery time.Duration
	ProbeTimeout       time.Duration
	SuccessRateWindow  int

	PlatformURL     string
	PlatformToken   string
	PlatformDocker  bool
	DockerHost      string
	DockerImageRepo string
	DockerEdgeProxy string
	DockerNetwork   string
	DockerAppPort   int

	SupervisorInterval      time.Duration
	SupervisorSuccessFloor  float64
	SupervisorDegradedPolls int
	SupervisorMaxFailures   int
	SupervisorCooldown      time.Duration

	WebhookSecret string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:   GetString("APP_ENV", "development"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		Addr:          GetString("ROLLOUT_ADDR", ":4100"),
		ServiceName:   GetString("ROLLOUT_SERVICE_NAME", "app"),
		OperatorToken: GetString("OPERATOR_TOKEN", ""),

		ControlDatabaseURL: GetString("CONTROL_DATABASE_URL", "postgres://rollout:rollout@db:5432/rollout?sslmode=disable"),
		TargetDatabaseURL:  GetString("TARGET_DATABASE_URL", "postgres://app:app@db:5432/app?sslmode=disable"),
		MigrationsDir:      GetString("CONTROL_MIGRATIONS_DIR", "db/migrations"),

		MigrationTimeout: time.Duration(GetInt("MIGRATION_TIMEOUT_MIN", 30)) * time.Minute,

		DependencyRetryBase:    time.Duration(GetInt("DEP_RETRY_BASE_MS", 500)) * time.Millisecond,
		DependencyRetryCap:     time.Duration(GetInt("DEP_RETRY_CAP_SECONDS", 15)) * time.Second,
		DependencyRetryCeiling: time.Duration(GetInt("DEP_RETRY_CEILING_SECONDS", 300)) * time.Second,
		DependencyMaxAttempts:  GetInt("DEP_RETRY_MAX_ATTEMPTS", 10),

		PromotionTimeout:   time.Duration(GetInt("PROMOTION_TIMEOUT_SECONDS", 180)) * time.Second,
		ReadinessPollEvery: time.Duration(GetInt("READINESS_POLL_SECONDS", 3)) * time.Second,
		ProbeTimeout:       time.Duration(GetInt("PROBE_TIMEOUT_SECONDS", 5)) * time.Second,
		SuccessRateWindow:  GetInt("SUCCESS_RATE_WINDOW", 200),

		PlatformURL:     GetString("PLATFORM_URL", "http://platform:5100"),
		PlatformToken:   GetString("PLATFORM_AUTH_TOKEN", ""),
		PlatformDocker:  GetBool("PLATFORM_DOCKER", false),
		DockerHost:      GetString("DOCKER_HOST_OVERRIDE", ""),
		DockerImageRepo: GetString("DOCKER_IMAGE_REPO", "registry.local/app"),
		DockerEdgeProxy: GetString("DOCKER_EDGE_PROXY", ""),
		DockerNetwork:   GetString("DOCKER_NETWORK", "rollout"),
		DockerAppPort:   GetInt("DOCKER_APP_PORT", 8080),

		SupervisorInterval:      time.Duration(GetInt("SUPERVISOR_INTERVAL_SECONDS", 300)) * time.Second,
		SupervisorSuccessFloor:  GetFloat("SUPERVISOR_SUCCESS_FLOOR", 0.90),
		SupervisorDegradedPolls: GetInt("SUPERVISOR_DEGRADED_POLLS", 3),
		SupervisorMaxFailures:   GetInt("SUPERVISOR_MAX_FAILURES", 5),
		SupervisorCooldown:      time.Duration(GetInt("SUPERVISOR_COOLDOWN_MIN", 30)) * time.Minute,

		WebhookSecret: GetString("WEBHOOK_SECRET", ""),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
