package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

var errNoEngine = errors.New("docker: engine connection is not open")

// Client drives deployment containers on one Docker engine.
type Client struct {
	api client.APIClient
}

// New opens an engine connection. An empty host keeps DOCKER_HOST and the
// other DOCKER_* variables in charge; the API version is negotiated on first use.
func New(host string) (*Client, error) {
	api, err := client.NewClientWithOpts(engineOptions(host)...)
	if err != nil {
		return nil, fmt.Errorf("open docker engine connection: %w", err)
	}
	return &Client{api: api}, nil
}

func engineOptions(host string) []client.Opt {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return opts
}

// Ping fails unless the engine answers with a usable API version. It doubles
// as the readiness check for the daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.api == nil {
		return errNoEngine
	}
	reply, err := c.api.Ping(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("reach docker engine: %w", err)
	case reply.APIVersion == "":
		return errors.New("docker engine reported no api version")
	}
	return nil
}

// Close drops the engine connection.
func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}
