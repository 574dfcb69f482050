package docker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/hostwatch/hostwatch/internal/model"
)

// Client is the read-only handle to the container runtime: it lists and
// inspects containers, services and networks and exposes the event stream.
// It never mutates runtime state.
type Client struct {
	cli *client.Client
}

// NewClient connects to the runtime socket from the environment
// (DOCKER_HOST et al) and verifies the connection.
func NewClient(ctx context.Context) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker socket unreachable (is /var/run/docker.sock mounted?): %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewClientWithHost connects to an explicit socket, used for the separate
// swarm management endpoint.
func NewClientWithHost(ctx context.Context, host string) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client for %s: %w", host, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker socket %s unreachable: %w", host, err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error { return c.cli.Close() }

// ListBackends snapshots every running container.
func (c *Client) ListBackends(ctx context.Context) ([]*model.Backend, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	backends := make([]*model.Backend, 0, len(containers))
	for _, item := range containers {
		b, err := c.InspectBackend(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// InspectBackend snapshots one container into a Backend descriptor.
func (c *Client) InspectBackend(ctx context.Context, id string) (*model.Backend, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", shortID(id), err)
	}
	return backendFromContainer(info), nil
}

// ListServiceBackends snapshots every swarm service.
func (c *Client) ListServiceBackends(ctx context.Context) ([]*model.Backend, error) {
	services, err := c.cli.ServiceList(ctx, types.ServiceListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	backends := make([]*model.Backend, 0, len(services))
	for _, svc := range services {
		backends = append(backends, backendFromService(svc))
	}
	return backends, nil
}

// InspectServiceBackend snapshots one swarm service into a Backend descriptor.
func (c *Client) InspectServiceBackend(ctx context.Context, id string) (*model.Backend, error) {
	svc, _, err := c.cli.ServiceInspectWithRaw(ctx, id, types.ServiceInspectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect service %s: %w", shortID(id), err)
	}
	return backendFromService(svc), nil
}

// NetworkName resolves a network id to its name.
func (c *Client) NetworkName(ctx context.Context, id string) (string, error) {
	nw, err := c.cli.NetworkInspect(ctx, id, network.InspectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to inspect network %s: %w", shortID(id), err)
	}
	return nw.Name, nil
}

// NetworkID resolves a network name or id to its full id.
func (c *Client) NetworkID(ctx context.Context, nameOrID string) (string, error) {
	nw, err := c.cli.NetworkInspect(ctx, nameOrID, network.InspectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to inspect network %s: %w", nameOrID, err)
	}
	return nw.ID, nil
}

// Events subscribes to the runtime event stream with the given type and
// action filters. The channels close when ctx is cancelled.
func (c *Client) Events(ctx context.Context, kinds, actions []string) (<-chan events.Message, <-chan error) {
	args := filters.NewArgs()
	for _, k := range kinds {
		args.Add("type", k)
	}
	for _, a := range actions {
		args.Add("event", a)
	}
	return c.cli.Events(ctx, events.ListOptions{Filters: args})
}

// LearnSelf determines the controller's own container id from the cgroup
// file and resolves the networks that container is attached to, keyed by
// network id. This is the known-network set every reachability decision is
// made against.
func (c *Client) LearnSelf(ctx context.Context) (string, map[string]string, error) {
	id, err := selfContainerID()
	if err != nil {
		return "", nil, err
	}
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", nil, fmt.Errorf("failed to inspect own container %s: %w", shortID(id), err)
	}
	networks := map[string]string{}
	for name, endpoint := range info.NetworkSettings.Networks {
		if endpoint.NetworkID != "" {
			networks[endpoint.NetworkID] = name
		}
	}
	return info.ID, networks, nil
}

func selfContainerID() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", fmt.Errorf("failed to read cgroup file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, "cpu") {
			continue
		}
		parts := strings.Split(line, "/")
		id := parts[len(parts)-1]
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no container id in cgroup file, not running inside docker?")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
