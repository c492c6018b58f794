package platform

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/splax/rollout/internal/domain"
)

const liveAlias = "live"

// DockerClient implements the platform capability directly against a Docker
// daemon, for single-host setups without a separate platform API. Routing is
// name-based: the edge proxy resolves "<service>-live" on the shared network,
// and promotion is a container rename plus a HUP to the proxy.
type DockerClient struct {
	inner     *client.Client
	service   string
	imageRepo string
	network   string
	edgeProxy string
	appPort   int
}

// NewDockerClient constructs a DockerClient from environment defaults.
func NewDockerClient(host, service, imageRepo, network, edgeProxy string, appPort int) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if appPort <= 0 {
		appPort = 8080
	}
	return &DockerClient{
		inner:     inner,
		service:   service,
		imageRepo: imageRepo,
		network:   network,
		edgeProxy: edgeProxy,
		appPort:   appPort,
	}, nil
}

var _ Client = (*DockerClient)(nil)

// Launch creates and starts a staging container for the version.
func (d *DockerClient) Launch(ctx context.Context, version string) (domain.Instance, error) {
	name := d.stagingName(version)
	image := d.imageRepo + ":" + version

	created, err := d.inner.ContainerCreate(ctx,
		&container.Config{
			Image: image,
			Labels: map[string]string{
				"rollout.service": d.service,
				"rollout.version": version,
			},
		},
		&container.HostConfig{NetworkMode: container.NetworkMode(d.network)},
		nil, nil, name)
	if err != nil {
		return domain.Instance{}, fmt.Errorf("create container for %s: %w", image, err)
	}
	if err := d.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.inner.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return domain.Instance{}, fmt.Errorf("start container %s: %w", name, err)
	}
	return domain.Instance{
		ID:      created.ID,
		Version: version,
		BaseURL: fmt.Sprintf("http://%s:%d", name, d.appPort),
	}, nil
}

// Promote renames the staging container onto the live alias and signals the
// edge proxy. The rename is the single switch point.
func (d *DockerClient) Promote(ctx context.Context, version string) error {
	liveName := fmt.Sprintf("%s-%s", d.service, liveAlias)

	if current, err := d.inner.ContainerInspect(ctx, liveName); err == nil {
		prevVersion := current.Config.Labels["rollout.version"]
		if err := d.inner.ContainerRename(ctx, current.ID, d.retiredName(prevVersion)); err != nil {
			return fmt.Errorf("retire live container: %w", err)
		}
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect live container: %w", err)
	}

	if err := d.inner.ContainerRename(ctx, d.stagingName(version), liveName); err != nil {
		return fmt.Errorf("promote version %s: %w", version, err)
	}
	if d.edgeProxy != "" {
		if err := d.inner.ContainerKill(ctx, d.edgeProxy, "HUP"); err != nil {
			return fmt.Errorf("reload edge proxy %s: %w", d.edgeProxy, err)
		}
	}
	return nil
}

// Terminate stops and removes a container.
func (d *DockerClient) Terminate(ctx context.Context, instanceID string) error {
	if err := d.inner.ContainerStop(ctx, instanceID, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	if err := d.inner.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove instance %s: %w", instanceID, err)
	}
	return nil
}

// Ping verifies daemon connectivity.
func (d *DockerClient) Ping(ctx context.Context) error {
	ping, err := d.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases the daemon connection.
func (d *DockerClient) Close() error {
	return d.inner.Close()
}

func (d *DockerClient) stagingName(version string) string {
	return fmt.Sprintf("%s-staging-%s", d.service, sanitize(version))
}

func (d *DockerClient) retiredName(version string) string {
	return fmt.Sprintf("%s-retired-%s", d.service, sanitize(version))
}

func sanitize(version string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, version)
}
