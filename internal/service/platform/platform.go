package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/splax/rollout/internal/domain"
)

// Client is the orchestrator's only write path for which instance receives
// traffic. The hosting platform owns process placement and routing; the
// orchestrator just calls it.
type Client interface {
	// Launch starts a new instance of the given version without touching the
	// serving set.
	Launch(ctx context.Context, version string) (domain.Instance, error)
	// Promote atomically switches live traffic to the given version.
	Promote(ctx context.Context, version string) error
	// Terminate tears down one instance.
	Terminate(ctx context.Context, instanceID string) error
	// Ping verifies the platform API is reachable.
	Ping(ctx context.Context) error
}

// HTTPClient talks to the platform's deploy/rollback API over HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient constructs an HTTPClient.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Client = (*HTTPClient)(nil)

// Launch requests a new instance for version.
func (c *HTTPClient) Launch(ctx context.Context, version string) (domain.Instance, error) {
	var out struct {
		InstanceID string `json:"instance_id"`
		BaseURL    string `json:"base_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/instances", map[string]string{"version": version}, &out); err != nil {
		return domain.Instance{}, fmt.Errorf("launch version %s: %w", version, err)
	}
	if out.InstanceID == "" {
		return domain.Instance{}, errors.New("platform returned empty instance id")
	}
	return domain.Instance{ID: out.InstanceID, Version: version, BaseURL: out.BaseURL}, nil
}

// Promote switches routing to version in a single call.
func (c *HTTPClient) Promote(ctx context.Context, version string) error {
	if err := c.do(ctx, http.MethodPost, "/promote", map[string]string{"version": version}, nil); err != nil {
		return fmt.Errorf("promote version %s: %w", version, err)
	}
	return nil
}

// Terminate removes an instance.
func (c *HTTPClient) Terminate(ctx context.Context, instanceID string) error {
	if err := c.do(ctx, http.MethodDelete, "/instances/"+instanceID, nil, nil); err != nil {
		return fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}
	return nil
}

// Ping checks platform reachability.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("platform returned %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
