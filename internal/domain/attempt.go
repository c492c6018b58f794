package domain

import (
	"encoding/json"
	"time"
)

// Phases a DeploymentAttempt moves through. The last three are terminal.
const (
	PhaseMigrating      = "migrating"
	PhaseStarting       = "starting"
	PhaseHealthChecking = "health-checking"
	PhasePromoted       = "promoted"
	PhaseRolledBack     = "rolled-back"
	PhaseFailed         = "failed"
)

// TerminalPhase reports whether a phase ends the attempt.
func TerminalPhase(phase string) bool {
	switch phase {
	case PhasePromoted, PhaseRolledBack, PhaseFailed:
		return true
	}
	return false
}

// DeploymentAttempt captures a single rollout from trigger to terminal phase.
// At most one attempt is non-terminal at any time.
type DeploymentAttempt struct {
	ID                  string          `json:"id"`
	TargetVersion       string          `json:"target_version"`
	PreviousGoodVersion string          `json:"previous_good_version,omitempty"`
	Phase               string          `json:"phase"`
	Reason              string          `json:"reason,omitempty"`
	Automatic           bool            `json:"automatic"`
	HealthSnapshot      json.RawMessage `json:"health_snapshot,omitempty"`
	StartedAt           time.Time       `json:"started_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// AttemptPhaseUpdate carries the mutable fields of an attempt.
type AttemptPhaseUpdate struct {
	AttemptID      string
	Phase          string
	Reason         string
	HealthSnapshot json.RawMessage
	CompletedAt    *time.Time
}

// RolloutEvent is broadcast to stream subscribers on every phase transition.
type RolloutEvent struct {
	AttemptID     string    `json:"attempt_id"`
	TargetVersion string    `json:"target_version"`
	Phase         string    `json:"phase"`
	Reason        string    `json:"reason,omitempty"`
	Automatic     bool      `json:"automatic"`
	OccurredAt    time.Time `json:"occurred_at"`
}
