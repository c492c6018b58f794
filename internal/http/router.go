package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
	"github.com/splax/rollout/internal/service/health"
	"github.com/splax/rollout/internal/service/rollout"
	"github.com/splax/rollout/internal/service/webhook"
	"github.com/splax/rollout/internal/ws"
)

// DeployService is the rollout surface the router exposes.
type DeployService interface {
	Trigger(ctx context.Context, input rollout.TriggerInput) (*domain.DeploymentAttempt, error)
	TriggerRollback(ctx context.Context, reason string, automatic bool) (*domain.DeploymentAttempt, error)
	Cancel(attemptID string) error
	Attempt(ctx context.Context, attemptID string) (*domain.DeploymentAttempt, error)
	Recent(ctx context.Context, limit int) ([]domain.DeploymentAttempt, error)
}

// WebhookIngestor ingests signed event deliveries.
type WebhookIngestor interface {
	Ingest(ctx context.Context, body []byte, signature string) (webhook.Ack, error)
}

const (
	rateWindowDefault = time.Minute
	rateLimitDeploy   = 30
	rateLimitWebhook  = 300
	maxWebhookBody    = 1 << 20
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	gate          *health.Gate
	deploys       DeployService
	webhooks      WebhookIngestor
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	operatorToken string

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, gate *health.Gate, deploys DeployService, webhooks WebhookIngestor, hub *ws.Hub, limiter RateLimiter, operatorToken string) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		gate:     gate,
		deploys:  deploys,
		webhooks: webhooks,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		operatorToken: strings.TrimSpace(operatorToken),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.handleHealthz)
	r.mux.HandleFunc("/readyz", r.handleReadyz)
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/deployments", r.audit(r.withRateLimit("deployments", rateLimitDeploy, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit(r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/rollback", r.audit(r.withRateLimit("rollback", rateLimitDeploy, rateWindowDefault, r.handleRollback)))
	r.mux.HandleFunc("/webhooks/payment", r.audit(r.withRateLimit("webhooks", rateLimitWebhook, rateWindowDefault, r.handleWebhook)))
	r.mux.HandleFunc("/ws/rollouts", r.handleRolloutsWS)
}

// handleHealthz is the liveness path: near-instant, no dependency checks.
// The platform uses it to decide whether to restart the process.
func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.gate.Live() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness plus the rolling success-rate window, so
// supervision can see "up but degraded" states a boolean would hide.
func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := r.gate.Snapshot()
	code := http.StatusOK
	if !status.Readiness {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type deployRequest struct {
	TargetVersion string `json:"target_version"`
	Reason        string `json:"reason"`
	Migrations    []struct {
		ID          string   `json:"id"`
		Description string   `json:"description"`
		Statements  []string `json:"statements"`
	} `json:"migrations"`
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		if !r.verifyOperatorToken(w, req) {
			return
		}
		var payload deployRequest
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		migrations := make([]domain.MigrationRecord, 0, len(payload.Migrations))
		for _, m := range payload.Migrations {
			migrations = append(migrations, domain.MigrationRecord{
				ID:          m.ID,
				Description: m.Description,
				Statements:  m.Statements,
			})
		}
		attempt, err := r.deploys.Trigger(req.Context(), rollout.TriggerInput{
			TargetVersion: payload.TargetVersion,
			Migrations:    migrations,
			Reason:        payload.Reason,
		})
		if err != nil {
			if errors.Is(err, rollout.ErrDeployInProgress) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, attempt)
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		attempts, err := r.deploys.Recent(req.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, attempts)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	attemptID := parts[0]

	if len(parts) == 2 && parts[1] == "cancel" {
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if !r.verifyOperatorToken(w, req) {
			return
		}
		if err := r.deploys.Cancel(attemptID); err != nil {
			writeError(w, http.StatusNotFound, "no in-flight attempt with that id")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	attempt, err := r.deploys.Attempt(req.Context(), attemptID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyOperatorToken(w, req) {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(req.Body).Decode(&payload)
	if strings.TrimSpace(payload.Reason) == "" {
		payload.Reason = "operator requested rollback"
	}
	attempt, err := r.deploys.TriggerRollback(req.Context(), payload.Reason, false)
	if err != nil {
		switch {
		case errors.Is(err, rollout.ErrDeployInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, rollout.ErrNoRollbackTarget):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, attempt)
}

// handleWebhook maps the ingestion contract onto status codes: 2xx for
// accepted-or-already-processed, 4xx for signature/shape failures, 5xx only
// for ingestion-storage failure so the caller retries.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Webhook-Signature")
	ack, err := r.webhooks.Ingest(req.Context(), body, signature)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrSignatureInvalid):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, webhook.ErrMalformedEvent):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (r *Router) handleRolloutsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		r.notFound(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(rollout.EventStream, client)
	go func() {
		defer func() {
			r.hub.Unregister(rollout.EventStream, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// audit logs every request and feeds the gate's success-rate window from
// real traffic outcomes.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		r.gate.Observe(status < http.StatusInternalServerError)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host := req.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return strings.TrimSpace(host)
}

// verifyOperatorToken guards mutating routes with a constant-time compare.
func (r *Router) verifyOperatorToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.operatorToken
	if expected == "" {
		r.logger.Error("operator token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "operator authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Operator-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("operator token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid operator token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
