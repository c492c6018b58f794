package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
	"github.com/splax/rollout/internal/service/rollout"
)

type fakeReleases struct {
	current *domain.Release
}

func (f *fakeReleases) CurrentRelease(ctx context.Context) (*domain.Release, error) {
	if f.current == nil {
		return nil, repository.ErrNotFound
	}
	return f.current, nil
}

func (f *fakeReleases) PreviousRelease(ctx context.Context) (*domain.Release, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeReleases) PromoteRelease(ctx context.Context, release *domain.Release) error {
	return nil
}

type fakeProber struct {
	status domain.HealthStatus
	err    error
}

func (f *fakeProber) Readiness(ctx context.Context, baseURL string) (domain.HealthStatus, error) {
	return f.status, f.err
}

type fakeRollback struct {
	calls   int
	lastMsg string
	err     error
}

func (f *fakeRollback) TriggerRollback(ctx context.Context, reason string, automatic bool) (*domain.DeploymentAttempt, error) {
	f.calls++
	f.lastMsg = reason
	if f.err != nil {
		return nil, f.err
	}
	if !automatic {
		return nil, errors.New("supervisor rollbacks must be automatic")
	}
	return &domain.DeploymentAttempt{ID: "attempt-1", TargetVersion: "1.4.0", Automatic: true}, nil
}

type fakeAlerter struct {
	alerts []string
}

func (f *fakeAlerter) Alert(ctx context.Context, reason string, status domain.HealthStatus) {
	f.alerts = append(f.alerts, reason)
}

func newSupervisor(releases *fakeReleases, prober *fakeProber, rollback *fakeRollback, alerter *fakeAlerter, cfg Config) *Supervisor {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(releases, prober, rollback, alerter, log, cfg)
}

func degradedStatus() domain.HealthStatus {
	return domain.HealthStatus{Liveness: true, Readiness: true, SuccessRate: 0.42, WindowSamples: 150}
}

func healthyStatus() domain.HealthStatus {
	return domain.HealthStatus{Liveness: true, Readiness: true, SuccessRate: 0.99, WindowSamples: 150}
}

func TestPollHealthyReleaseDoesNothing(t *testing.T) {
	releases := &fakeReleases{current: &domain.Release{Version: "1.5.0", InstanceURL: "http://live"}}
	rollback := &fakeRollback{}
	s := newSupervisor(releases, &fakeProber{status: healthyStatus()}, rollback, &fakeAlerter{}, Config{
		SuccessFloor: 0.90, DegradedPolls: 3,
	})

	for i := 0; i < 10; i++ {
		s.Poll(context.Background())
	}
	if rollback.calls != 0 {
		t.Fatalf("expected no rollbacks for healthy release, got %d", rollback.calls)
	}
}

func TestPollRollsBackAfterConsecutiveDegradedPolls(t *testing.T) {
	releases := &fakeReleases{current: &domain.Release{Version: "1.5.0", InstanceURL: "http://live"}}
	rollback := &fakeRollback{}
	alerter := &fakeAlerter{}
	s := newSupervisor(releases, &fakeProber{status: degradedStatus()}, rollback, alerter, Config{
		SuccessFloor: 0.90, DegradedPolls: 3, Cooldown: time.Hour,
	})

	s.Poll(context.Background())
	s.Poll(context.Background())
	if rollback.calls != 0 {
		t.Fatalf("expected no rollback before threshold, got %d", rollback.calls)
	}

	s.Poll(context.Background())
	if rollback.calls != 1 {
		t.Fatalf("expected exactly one rollback at threshold, got %d", rollback.calls)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(alerter.alerts))
	}
}

func TestPollCooldownSuppressesRepeatRollback(t *testing.T) {
	releases := &fakeReleases{current: &domain.Release{Version: "1.5.0", InstanceURL: "http://live"}}
	rollback := &fakeRollback{}
	s := newSupervisor(releases, &fakeProber{status: degradedStatus()}, rollback, &fakeAlerter{}, Config{
		SuccessFloor: 0.90, DegradedPolls: 2, Cooldown: time.Hour,
	})

	// Trips once, then stays degraded; the cooldown holds further healing.
	for i := 0; i < 8; i++ {
		s.Poll(context.Background())
	}
	if rollback.calls != 1 {
		t.Fatalf("expected one rollback under cooldown, got %d", rollback.calls)
	}
}

func TestPollCooldownExpiryAllowsAnotherRollback(t *testing.T) {
	releases := &fakeReleases{current: &domain.Release{Version: "1.5.0", InstanceURL: "http://live"}}
	rollback := &fakeRollback{}
	s := newSupervisor(releases, &fakeProber{status: degradedStatus()}, rollback, &fakeAlerter{}, Config{
		SuccessFloor: 0.90, DegradedPolls: 2, Cooldown: time.Hour,
	})

	now := time.Now()
	s.now = func() time.Time { return now }

	s.Poll(context.Background())
	s.Poll(context.Background())
	if rollback.calls != 1 {
		t.Fatalf("expected first rollback, got %d", rollback.calls)
	}

	now = now.Add(2 * time.Hour)
	s.Poll(context.Background())
	s.Poll(context.Background())
	if rollback.calls != 2 {
		t.Fatalf("expected second rollback after cooldown expiry, got %d", rollback.calls)
	}
}

func TestPollRecoveryResetsDegradedCount(t *testing.T) {
	releases := &fakeReleases{current: &domain.Release{Version: "1.5.0", InstanceURL: "http://live"}}
	prober := &fakeProber{status: degradedStatus()}
	rollback := &fakeRollback{}
	s := newSupervisor(releases, prober, rollback, &fakeAlerter{}, Config{
		SuccessFloor: 0.90, DegradedPolls: 3,
	})

	s.Poll(context.Background())
	s.Poll(context.Background())
	prober.status = healthyStatus()
	s.Poll(context.Background())
	prober.status = degradedStatus()
	s.Poll(context.Background())
	s.Poll(context.Background())

	if rollback.calls != 0 {
		t.Fatalf("expected recovery to reset the degraded streak, got %d rollbacks", rollback.calls)
	}
}

func TestPollUnreachableInstanceRollsBackPastMaxFailures(t *testing.T) {
	releases := &fakeReleases{current: &domain.Release{Version: "1.5.0", InstanceURL: "http://live"}}
	rollback := &fakeRollback{}
	s := newSupervisor(releases, &fakeProber{err: errors.New("dial tcp: connection refused")}, rollback, &fakeAlerter{}, Config{
		SuccessFloor: 0.90, DegradedPolls: 3, MaxFailures: 3, Cooldown: time.Hour,
	})

	for i := 0; i < 4; i++ {
		s.Poll(context.Background())
	}
	if rollback.calls != 1 {
		t.Fatalf("expected rollback once failures exceed the cap, got %d", rollback.calls)
	}
}

func TestPollStandsDownWhileRolloutInFlight(t *testing.T) {
	releases := &fakeReleases{current: &domain.Release{Version: "1.5.0", InstanceURL: "http://live"}}
	rollback := &fakeRollback{err: rollout.ErrDeployInProgress}
	alerter := &fakeAlerter{}
	s := newSupervisor(releases, &fakeProber{status: degradedStatus()}, rollback, alerter, Config{
		SuccessFloor: 0.90, DegradedPolls: 2, Cooldown: time.Hour,
	})

	// The in-flight rollout owns the outcome; the supervisor resets its
	// streak and re-evaluates from scratch instead of alerting.
	for i := 0; i < 6; i++ {
		s.Poll(context.Background())
	}
	if len(alerter.alerts) != 0 {
		t.Fatalf("expected no alerts while a rollout is in flight, got %d", len(alerter.alerts))
	}
	if rollback.calls != 3 {
		t.Fatalf("expected a rollback attempt per completed streak, got %d", rollback.calls)
	}
}

func TestPollNoCurrentReleaseIsQuiet(t *testing.T) {
	rollback := &fakeRollback{}
	s := newSupervisor(&fakeReleases{}, &fakeProber{status: degradedStatus()}, rollback, &fakeAlerter{}, Config{
		SuccessFloor: 0.90, DegradedPolls: 1,
	})

	s.Poll(context.Background())
	if rollback.calls != 0 {
		t.Fatalf("expected no rollback without a promoted release, got %d", rollback.calls)
	}
}
