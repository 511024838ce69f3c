package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const discordUsername = "Docket Service"

// Notifier delivers human-readable lifecycle messages.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Noop drops every message.
type Noop struct{}

func (Noop) Notify(context.Context, string) {}

// Discord posts messages to a Discord webhook. Delivery is best effort;
// failures are logged and never returned.
type Discord struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// New returns a Discord notifier, or Noop when disabled or unconfigured.
func New(enabled bool, webhookURL string, logger *slog.Logger) Notifier {
	if !enabled || strings.TrimSpace(webhookURL) == "" {
		return Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger.With("component", "notify"),
	}
}

func (d *Discord) Notify(ctx context.Context, message string) {
	if err := d.send(ctx, message); err != nil {
		d.logger.Warn("discord notification failed", "error", err)
	}
}

func (d *Discord) send(ctx context.Context, message string) error {
	payload, err := json.Marshal(map[string]string{
		"username": discordUsername,
		"content":  message,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
