package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Stream markers emitted by the docket API.
const (
	TrailerComplete    = "--- Build complete ---"
	TrailerErrorPrefix = "Log stream error: "
	errorLinePrefix    = "[ERROR] "
)

// Client provides typed access to the docket API for interactive tools.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	streamClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client used for short requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
			c.streamClient = &http.Client{Transport: h.Transport}
		}
	}
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:3011"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:      strings.TrimRight(trimmed, "/"),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// StreamError reports a failure announced inside a streamed response.
type StreamError struct {
	Message string
}

func (e StreamError) Error() string { return e.Message }

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Deployment mirrors the API's deployment view.
type Deployment struct {
	Subdomain     string     `json:"subdomain"`
	Port          int        `json:"port"`
	ContainerPort int        `json:"container_port"`
	OwnerID       string     `json:"owner_id,omitempty"`
	Type          string     `json:"type"`
	State         string     `json:"state"`
	ContainerRef  string     `json:"container_ref"`
	Image         string     `json:"image"`
	EnvKeys       []string   `json:"env_keys,omitempty"`
	Command       []string   `json:"command,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// CreateRequest is the payload for POST /deployments.
type CreateRequest struct {
	Image         string            `json:"image"`
	Env           map[string]string `json:"env,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Type          string            `json:"type,omitempty"`
	OwnerID       string            `json:"owner_id,omitempty"`
	ContainerPort int               `json:"container_port,omitempty"`
}

// CreateSummary collects the structured lines of a creation stream.
type CreateSummary struct {
	Subdomain   string
	Port        int
	URL         string
	Domain      string
	DomainError string
	ExpiresAt   string
}

// CreateDeployment posts req and calls onLine for every streamed line. When
// follow is false the API skips relaying container output.
func (c *Client) CreateDeployment(ctx context.Context, req CreateRequest, follow bool, onLine func(string)) (CreateSummary, error) {
	path := "/deployments"
	if !follow {
		path += "?follow=false"
	}
	var summary CreateSummary
	err := c.stream(ctx, http.MethodPost, path, req, func(line string) {
		parseSummaryLine(&summary, line)
		if onLine != nil {
			onLine(line)
		}
	})
	return summary, err
}

func parseSummaryLine(summary *CreateSummary, line string) {
	switch {
	case strings.HasPrefix(line, "Creating deployment "):
		summary.Subdomain = strings.TrimPrefix(line, "Creating deployment ")
	case strings.HasPrefix(line, "[PORT] "):
		summary.Port, _ = strconv.Atoi(strings.TrimPrefix(line, "[PORT] "))
	case strings.HasPrefix(line, "[URL] "):
		summary.URL = strings.TrimPrefix(line, "[URL] ")
	case strings.HasPrefix(line, "[DOMAIN ERROR] "):
		summary.DomainError = strings.TrimPrefix(line, "[DOMAIN ERROR] ")
	case strings.HasPrefix(line, "[DOMAIN] "):
		summary.Domain = strings.TrimPrefix(line, "[DOMAIN] ")
	case strings.HasPrefix(line, "[EXPIRES] "):
		summary.ExpiresAt = strings.TrimPrefix(line, "[EXPIRES] ")
	}
}

// StreamLogs follows a deployment's container output until the trailer.
func (c *Client) StreamLogs(ctx context.Context, subdomain string, onLine func(string)) error {
	return c.stream(ctx, http.MethodGet, "/deployments/"+url.PathEscape(subdomain)+"/logs", nil, onLine)
}

// stream reads a chunked text response line by line and maps the error
// markers onto StreamError. A body that ends without a trailer is an error.
func (c *Client) stream(ctx context.Context, method, path string, body any, onLine func(string)) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if onLine != nil {
			onLine(line)
		}
		switch {
		case line == TrailerComplete:
			return nil
		case strings.HasPrefix(line, TrailerErrorPrefix):
			return StreamError{Message: strings.TrimPrefix(line, TrailerErrorPrefix)}
		case strings.HasPrefix(line, errorLinePrefix):
			return StreamError{Message: strings.TrimPrefix(line, errorLinePrefix)}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errors.New("stream ended without completion marker")
}

// ListDeployments returns every live deployment.
func (c *Client) ListDeployments(ctx context.Context) ([]Deployment, error) {
	var resp struct {
		Deployments []Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, "/deployments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// GetDeployment fetches one deployment by subdomain.
func (c *Client) GetDeployment(ctx context.Context, subdomain string) (Deployment, error) {
	var out Deployment
	err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(subdomain), nil, &out)
	return out, err
}

// DeleteDeployment removes a deployment and its mapping record.
func (c *Client) DeleteDeployment(ctx context.Context, subdomain string) error {
	return c.do(ctx, http.MethodDelete, "/deployments/"+url.PathEscape(subdomain), nil, nil)
}

// RebootDeployment restarts the container behind ref, a subdomain or container id.
func (c *Client) RebootDeployment(ctx context.Context, ref string) (Deployment, error) {
	var out Deployment
	err := c.do(ctx, http.MethodPost, "/deployments/"+url.PathEscape(ref)+"/reboot", nil, &out)
	return out, err
}

// PortMap returns subdomain to host port for every mapping.
func (c *Client) PortMap(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	if err := c.do(ctx, http.MethodGet, "/api/map", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports the daemon's component status.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
