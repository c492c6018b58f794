package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
	"github.com/splax/rollout/internal/service/health"
	"github.com/splax/rollout/internal/service/rollout"
	"github.com/splax/rollout/internal/service/webhook"
	"github.com/splax/rollout/internal/ws"
)

type fakeDeploys struct {
	triggerErr  error
	rollbackErr error
	attempt     *domain.DeploymentAttempt
	lastInput   rollout.TriggerInput
	cancelErr   error
}

func (f *fakeDeploys) Trigger(ctx context.Context, input rollout.TriggerInput) (*domain.DeploymentAttempt, error) {
	f.lastInput = input
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	return f.attempt, nil
}

func (f *fakeDeploys) TriggerRollback(ctx context.Context, reason string, automatic bool) (*domain.DeploymentAttempt, error) {
	if f.rollbackErr != nil {
		return nil, f.rollbackErr
	}
	return f.attempt, nil
}

func (f *fakeDeploys) Cancel(attemptID string) error { return f.cancelErr }

func (f *fakeDeploys) Attempt(ctx context.Context, attemptID string) (*domain.DeploymentAttempt, error) {
	if f.attempt == nil || f.attempt.ID != attemptID {
		return nil, repository.ErrNotFound
	}
	return f.attempt, nil
}

func (f *fakeDeploys) Recent(ctx context.Context, limit int) ([]domain.DeploymentAttempt, error) {
	if f.attempt == nil {
		return nil, nil
	}
	return []domain.DeploymentAttempt{*f.attempt}, nil
}

type fakeIngestor struct {
	ack webhook.Ack
	err error
}

func (f *fakeIngestor) Ingest(ctx context.Context, body []byte, signature string) (webhook.Ack, error) {
	return f.ack, f.err
}

const testOperatorToken = "op-secret"

func newTestRouter(t *testing.T, deploys *fakeDeploys, ingestor *fakeIngestor) (*Router, *health.Gate) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := health.NewGate(10)
	r := NewRouter(log, gate, deploys, ingestor, ws.NewHub(), NewMemoryRateLimiter(), testOperatorToken)
	t.Cleanup(r.Close)
	return r, gate
}

func TestHealthzReflectsLiveness(t *testing.T) {
	r, gate := newTestRouter(t, &fakeDeploys{}, &fakeIngestor{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before SetLive, got %d", rec.Code)
	}

	gate.SetLive(true)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after SetLive, got %d", rec.Code)
	}
}

func TestReadyzReportsStatusDocument(t *testing.T) {
	r, gate := newTestRouter(t, &fakeDeploys{}, &fakeIngestor{})
	gate.SetLive(true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before readiness, got %d", rec.Code)
	}

	gate.SetReady(true)
	gate.Observe(true)
	gate.Observe(false)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rec.Code)
	}
	var status domain.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	if !status.Readiness || status.SuccessRate != 0.5 || status.WindowSamples != 2 {
		t.Fatalf("unexpected status document: %+v", status)
	}
}

func TestDeploymentsPostRequiresOperatorToken(t *testing.T) {
	deploys := &fakeDeploys{attempt: &domain.DeploymentAttempt{ID: "a1"}}
	r, _ := newTestRouter(t, deploys, &fakeIngestor{})

	req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(`{"target_version":"1.5.0"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(`{"target_version":"1.5.0"}`))
	req.Header.Set("X-Operator-Token", "wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
}

func TestDeploymentsPostAcceptsTrigger(t *testing.T) {
	deploys := &fakeDeploys{attempt: &domain.DeploymentAttempt{ID: "a1", TargetVersion: "1.5.0", Phase: domain.PhaseMigrating}}
	r, _ := newTestRouter(t, deploys, &fakeIngestor{})

	body := `{"target_version":"1.5.0","reason":"ship it","migrations":[{"id":"0001","statements":["SELECT 1"]}]}`
	req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(body))
	req.Header.Set("X-Operator-Token", testOperatorToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	if deploys.lastInput.TargetVersion != "1.5.0" || len(deploys.lastInput.Migrations) != 1 {
		t.Fatalf("unexpected trigger input: %+v", deploys.lastInput)
	}
	if deploys.lastInput.Automatic {
		t.Fatal("operator deploys must not be marked automatic")
	}
}

func TestDeploymentsPostConflictWhileInProgress(t *testing.T) {
	deploys := &fakeDeploys{triggerErr: rollout.ErrDeployInProgress}
	r, _ := newTestRouter(t, deploys, &fakeIngestor{})

	req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(`{"target_version":"1.5.0"}`))
	req.Header.Set("X-Operator-Token", testOperatorToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestDeploymentByIDNotFound(t *testing.T) {
	r, _ := newTestRouter(t, &fakeDeploys{}, &fakeIngestor{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRollbackWithoutTarget(t *testing.T) {
	deploys := &fakeDeploys{rollbackErr: rollout.ErrNoRollbackTarget}
	r, _ := newTestRouter(t, deploys, &fakeIngestor{})

	req := httptest.NewRequest(http.MethodPost, "/rollback", strings.NewReader(`{"reason":"bad release"}`))
	req.Header.Set("X-Operator-Token", testOperatorToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		ack  webhook.Ack
		err  error
		want int
	}{
		{"accepted", webhook.Ack{EventID: "evt-1", Handled: true}, nil, http.StatusAccepted},
		{"duplicate", webhook.Ack{EventID: "evt-1", Duplicate: true}, nil, http.StatusAccepted},
		{"bad signature", webhook.Ack{}, webhook.ErrSignatureInvalid, http.StatusUnauthorized},
		{"malformed", webhook.Ack{}, webhook.ErrMalformedEvent, http.StatusBadRequest},
		{"storage down", webhook.Ack{}, context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newTestRouter(t, &fakeDeploys{}, &fakeIngestor{ack: tc.ack, err: tc.err})
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"id":"evt-1","type":"payment.succeeded"}`))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestRateLimitEventuallyRejects(t *testing.T) {
	r, _ := newTestRouter(t, &fakeDeploys{}, &fakeIngestor{ack: webhook.Ack{EventID: "evt-1"}})

	var got429 bool
	for i := 0; i < rateLimitWebhook+5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"id":"evt-1","type":"payment.succeeded"}`))
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Fatal("expected rate limiter to reject after the window fills")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	r, _ := newTestRouter(t, &fakeDeploys{}, &fakeIngestor{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/deployments", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
