package health

import (
	"sync"
	"time"

	"github.com/splax/rollout/internal/domain"
)

const defaultWindow = 200

// Gate carries the two health signals for a running instance. Liveness and
// readiness are independent: liveness answers "can the process respond at
// all", readiness answers "is it safe to send real traffic". The gate also
// keeps a trailing window of request outcomes so supervision can detect
// up-but-degraded states that binary checks miss.
type Gate struct {
	mu sync.RWMutex

	live         bool
	ready        bool
	readyLatched bool

	outcomes []bool
	next     int
	filled   int

	lastCheck time.Time
	now       func() time.Time
}

// NewGate constructs a Gate with the given success-rate window size.
func NewGate(windowSize int) *Gate {
	if windowSize <= 0 {
		windowSize = defaultWindow
	}
	return &Gate{
		outcomes: make([]bool, windowSize),
		now:      time.Now,
	}
}

// SetLive flips the liveness signal. The sequencer sets it true the moment
// the listener is bound.
func (g *Gate) SetLive(live bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live = live
	g.lastCheck = g.now()
}

// SetReady flips readiness. It is a no-op once readiness has been latched
// failed.
func (g *Gate) SetReady(ready bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readyLatched {
		return
	}
	g.ready = ready
	g.lastCheck = g.now()
}

// FailReadiness latches readiness permanently false. Used when the startup
// retry budget is exhausted: the process keeps running for inspection but
// never accepts readiness-gated traffic.
func (g *Gate) FailReadiness() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = false
	g.readyLatched = true
	g.lastCheck = g.now()
}

// Live reports the liveness signal.
func (g *Gate) Live() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.live
}

// Ready reports the readiness signal.
func (g *Gate) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ready
}

// Observe records one request outcome into the trailing window.
func (g *Gate) Observe(success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[g.next] = success
	g.next = (g.next + 1) % len(g.outcomes)
	if g.filled < len(g.outcomes) {
		g.filled++
	}
	g.lastCheck = g.now()
}

// Snapshot returns the current self-reported status. With no samples yet the
// success rate reports 1.0 so an idle instance is not flagged degraded.
func (g *Gate) Snapshot() domain.HealthStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rate := 1.0
	if g.filled > 0 {
		ok := 0
		for i := 0; i < g.filled; i++ {
			if g.outcomes[i] {
				ok++
			}
		}
		rate = float64(ok) / float64(g.filled)
	}
	return domain.HealthStatus{
		Liveness:      g.live,
		Readiness:     g.ready,
		SuccessRate:   rate,
		WindowSamples: g.filled,
		LastCheck:     g.lastCheck,
	}
}
