package rollout

import (
	"errors"
	"fmt"
	"time"

	"github.com/splax/rollout/internal/domain"
)

// ErrDeployInProgress rejects a deploy request while another attempt is
// non-terminal. Requests are rejected, never queued, so operators are never
// surprised by which version ends up live.
var ErrDeployInProgress = errors.New("rollout: deploy already in progress")

// ErrNoRollbackTarget indicates there is no held-good release to return to.
var ErrNoRollbackTarget = errors.New("rollout: no previous good release to roll back to")

// StartupTimeoutError means the new instance never reported ready within the
// promotion timeout. The old version keeps serving.
type StartupTimeoutError struct {
	Timeout    time.Duration
	LastStatus domain.HealthStatus
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("readiness not reached within %s (last success rate %.2f)",
		e.Timeout, e.LastStatus.SuccessRate)
}
