package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/splax/rollout/internal/domain"
)

const defaultProbeTimeout = 5 * time.Second

// Prober reads the externally observable health signals of a remote
// instance. The instance self-reports; the prober never writes.
type Prober struct {
	client *http.Client
}

// NewProber constructs a Prober with the given per-request timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Prober{client: &http.Client{Timeout: timeout}}
}

// Liveness probes the instance's liveness path.
func (p *Prober) Liveness(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("liveness probe returned %s", resp.Status)
	}
	return nil
}

// Readiness probes the instance's readiness path and decodes its
// self-reported status. A 503 is not an error: it decodes to a not-ready
// status so callers can inspect the snapshot.
func (p *Prober) Readiness(ctx context.Context, baseURL string) (domain.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/readyz", nil)
	if err != nil {
		return domain.HealthStatus{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return domain.HealthStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return domain.HealthStatus{}, fmt.Errorf("readiness probe returned %s", resp.Status)
	}
	var status domain.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return domain.HealthStatus{}, fmt.Errorf("decode readiness report: %w", err)
	}
	return status, nil
}
