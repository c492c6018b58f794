package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/rollout/internal/service/health"
)

// Dependency is one deferred initialization step: a database pool ping, a
// third-party client warmup. Init must be safe to call repeatedly.
type Dependency struct {
	Name string
	Init func(ctx context.Context) error
}

// RetryPolicy bounds the dependency initialization loop.
type RetryPolicy struct {
	Base        time.Duration // first backoff step
	Cap         time.Duration // per-step ceiling
	MaxDuration time.Duration // wall-clock budget per dependency
	MaxAttempts int
}

// Sequencer boots the service: the listener binds before any external
// dependency is touched, so the platform's port-detection check passes
// immediately and slow dependencies are never charged against it.
type Sequencer struct {
	gate   *health.Gate
	policy RetryPolicy
	deps   []Dependency
	logger *slog.Logger
}

// Handle tracks a started instance.
type Handle struct {
	addr string
	srv  *http.Server

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// New constructs a Sequencer over the given gate and dependency list.
func New(gate *health.Gate, policy RetryPolicy, logger *slog.Logger, deps ...Dependency) *Sequencer {
	if policy.Base <= 0 {
		policy.Base = 500 * time.Millisecond
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 10
	}
	if logger != nil {
		logger = logger.With("component", "sequencer")
	}
	return &Sequencer{gate: gate, policy: policy, deps: deps, logger: logger}
}

// Start binds the listener, flips liveness, serves the handler, and kicks
// off dependency initialization in the background. It returns as soon as the
// port is bound; readiness flips later, once every dependency comes up.
func (s *Sequencer) Start(ctx context.Context, addr string, handler http.Handler) (*Handle, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	s.gate.SetLive(true)
	if s.logger != nil {
		s.logger.Info("listener bound", "addr", ln.Addr().String())
	}

	h := &Handle{
		addr: ln.Addr().String(),
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}

	go func() {
		if serveErr := h.srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			h.fail(serveErr)
		}
	}()

	go s.initDependencies(ctx, h)

	return h, nil
}

func (s *Sequencer) initDependencies(ctx context.Context, h *Handle) {
	for _, dep := range s.deps {
		if err := s.initOne(ctx, dep); err != nil {
			// Retry budget exhausted: readiness stays false for good, the
			// process keeps serving liveness so operators can inspect it.
			s.gate.FailReadiness()
			h.fail(fmt.Errorf("dependency %s never initialized: %w", dep.Name, err))
			if s.logger != nil {
				s.logger.Error("startup dependency failed permanently", "dependency", dep.Name, "error", err)
			}
			return
		}
		if s.logger != nil {
			s.logger.Info("startup dependency ready", "dependency", dep.Name)
		}
	}
	s.gate.SetReady(true)
	h.finish()
	if s.logger != nil {
		s.logger.Info("all dependencies initialized, instance ready")
	}
}

func (s *Sequencer) initOne(ctx context.Context, dep Dependency) error {
	backoff := retry.NewExponential(s.policy.Base)
	if s.policy.Cap > 0 {
		backoff = retry.WithCappedDuration(s.policy.Cap, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(s.policy.MaxAttempts), backoff)
	if s.policy.MaxDuration > 0 {
		backoff = retry.WithMaxDuration(s.policy.MaxDuration, backoff)
	}

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := dep.Init(ctx); err != nil {
			if s.logger != nil {
				s.logger.Warn("startup dependency not ready", "dependency", dep.Name, "attempt", attempt, "error", err)
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Addr returns the bound listener address.
func (h *Handle) Addr() string { return h.addr }

// Done closes once dependency initialization settles, either way.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports the terminal startup failure, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Shutdown drains the HTTP server.
func (h *Handle) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *Handle) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
