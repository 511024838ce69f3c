package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Labels stamped on every container docketd creates.
const (
	LabelManaged   = "docket.managed"
	LabelSubdomain = "docket.subdomain"
	LabelOwner     = "docket.owner"
	LabelType      = "docket.type"
)

const restartStopTimeoutSeconds = 10

// ContainerSpec describes a container bound to a single host port.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	Cmd           []string
	ContainerPort int
	HostPort      int
	Labels        map[string]string
}

// ContainerState captures the inspect fields the lifecycle cares about.
type ContainerState struct {
	ID      string
	Name    string
	Running bool
	Status  string
	Tty     bool
	Created time.Time
	Labels  map[string]string
}

// ManagedContainer is a labelled container found on the host.
type ManagedContainer struct {
	ID        string
	Subdomain string
	State     string
	Created   time.Time
}

// Create creates (but does not start) a container for spec.
func (c *Client) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	internal, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("container port: %w", err)
	}
	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{internal: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			internal: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	resp, err := c.api.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

// Start starts a created container. Host port conflicts surface as *PortInUseError.
func (c *Client) Start(ctx context.Context, id string, hostPort int) error {
	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", classifyStartError(err, hostPort))
	}
	return nil
}

// Remove force-removes a container. A missing container is not an error.
func (c *Client) Remove(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Restart restarts a container in place.
func (c *Client) Restart(ctx context.Context, id string) error {
	timeout := restartStopTimeoutSeconds
	if err := c.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("restart container: %w", err)
	}
	return nil
}

// Inspect returns the container's current state or ErrNotFound.
func (c *Client) Inspect(ctx context.Context, id string) (ContainerState, error) {
	info, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("inspect container: %w", err)
	}
	state := ContainerState{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}
	if info.State != nil {
		state.Running = info.State.Running
		state.Status = info.State.Status
	}
	if info.Config != nil {
		state.Tty = info.Config.Tty
		state.Labels = info.Config.Labels
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		state.Created = created
	}
	return state, nil
}

// StreamLogs follows the container's combined stdout and stderr, writing each
// chunk to w as it arrives, until the stream ends or ctx is cancelled.
func (c *Client) StreamLogs(ctx context.Context, id string, w io.Writer) error {
	state, err := c.Inspect(ctx, id)
	if err != nil {
		return err
	}
	rc, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	if state.Tty {
		_, err = io.Copy(w, rc)
	} else {
		_, err = stdcopy.StdCopy(w, w, rc)
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("read container logs: %w", err)
	}
	return ctx.Err()
}

// ListManaged lists every container carrying the managed label.
func (c *Client) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	list, err := c.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]ManagedContainer, 0, len(list))
	for _, item := range list {
		out = append(out, ManagedContainer{
			ID:        item.ID,
			Subdomain: item.Labels[LabelSubdomain],
			State:     item.State,
			Created:   time.Unix(item.Created, 0),
		})
	}
	return out, nil
}
