package domain

import "time"

// HealthStatus is the self-reported state of a running instance. Only the
// instance being measured writes it; the controller and supervisor read it.
type HealthStatus struct {
	Liveness            bool      `json:"liveness"`
	Readiness           bool      `json:"readiness"`
	SuccessRate         float64   `json:"success_rate"`
	WindowSamples       int       `json:"window_samples"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
}
