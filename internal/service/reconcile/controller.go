package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/docket/internal/docker"
	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/metrics"
)

const (
	defaultGrace     = 2 * time.Minute
	reconcileTimeout = 30 * time.Second
)

// Store is the read side of the mapping store.
type Store interface {
	ListMappings(ctx context.Context) ([]domain.MappingRecord, error)
}

// Runtime lists and removes containers.
type Runtime interface {
	Inspect(ctx context.Context, id string) (docker.ContainerState, error)
	ListManaged(ctx context.Context) ([]docker.ManagedContainer, error)
	Remove(ctx context.Context, id string) error
}

// Lifecycle performs the paired remove-then-unmap operations.
type Lifecycle interface {
	Delete(ctx context.Context, subdomain string) error
	Expire(ctx context.Context, subdomain string) error
	Pending(subdomain string) bool
}

// Report summarises one sweep.
type Report struct {
	Expired           []string `json:"expired"`
	OrphanedRecords   []string `json:"orphaned_records"`
	RemovedContainers []string `json:"removed_containers"`
	Errors            int      `json:"errors"`
}

// Controller compares mapping records with the containers on the host and
// repairs drift in either direction.
type Controller struct {
	store     Store
	runtime   Runtime
	lifecycle Lifecycle
	logger    *slog.Logger
	actions   *prometheus.CounterVec

	interval time.Duration
	grace    time.Duration

	now func() time.Time
}

// New constructs a controller. It returns nil when interval is not positive.
func New(store Store, runtime Runtime, lifecycle Lifecycle, logger *slog.Logger, interval, grace time.Duration) *Controller {
	if store == nil || runtime == nil || lifecycle == nil || interval <= 0 {
		return nil
	}
	if grace <= 0 {
		grace = defaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     store,
		runtime:   runtime,
		lifecycle: lifecycle,
		logger:    logger.With("component", "reconcile"),
		actions:   metrics.CounterVec("reconcile", "actions_total", "Repairs performed by the reconcile sweep.", "action"),
		interval:  interval,
		grace:     grace,
		now:       time.Now,
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("reconcile controller started", "interval", c.interval)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconcile controller stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	timeout := reconcileTimeout
	if c.interval < timeout {
		timeout = c.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	report, err := c.Sweep(ctx)
	if err != nil {
		c.logger.Warn("reconcile sweep failed", "error", err)
		return
	}
	if len(report.Expired)+len(report.OrphanedRecords)+len(report.RemovedContainers) > 0 || report.Errors > 0 {
		c.logger.Info("reconcile sweep repaired drift",
			"expired", len(report.Expired),
			"orphaned_records", len(report.OrphanedRecords),
			"removed_containers", len(report.RemovedContainers),
			"errors", report.Errors)
	}
}

// Sweep performs one reconciliation pass:
//   - overdue ephemeral records are expired
//   - records whose container no longer exists are deleted
//   - managed containers with no record, older than the grace period and not
//     mid-creation, are removed
func (c *Controller) Sweep(ctx context.Context) (Report, error) {
	var report Report
	records, err := c.store.ListMappings(ctx)
	if err != nil {
		return report, fmt.Errorf("list mappings: %w", err)
	}
	now := c.now()

	known := make(map[string]struct{}, len(records)*2)
	for _, record := range records {
		known[record.Subdomain] = struct{}{}
		if record.ContainerRef != "" {
			known[record.ContainerRef] = struct{}{}
		}
	}

	for _, record := range records {
		if record.Ephemeral() && record.Expired(now) {
			if err := c.lifecycle.Expire(ctx, record.Subdomain); err != nil {
				report.Errors++
				c.logger.Warn("failed to expire overdue deployment", "subdomain", record.Subdomain, "error", err)
				continue
			}
			c.actions.WithLabelValues("expired").Inc()
			report.Expired = append(report.Expired, record.Subdomain)
			continue
		}
		if _, err := c.runtime.Inspect(ctx, record.ContainerRef); err != nil {
			if !errors.Is(err, docker.ErrNotFound) {
				report.Errors++
				c.logger.Warn("failed to inspect container", "subdomain", record.Subdomain, "container_id", record.ContainerRef, "error", err)
				continue
			}
			c.logger.Warn("mapping record has no container", "subdomain", record.Subdomain, "container_id", record.ContainerRef)
			if err := c.lifecycle.Delete(ctx, record.Subdomain); err != nil {
				report.Errors++
				c.logger.Error("failed to delete orphaned mapping record", "subdomain", record.Subdomain, "error", err)
				continue
			}
			c.actions.WithLabelValues("orphaned_record").Inc()
			report.OrphanedRecords = append(report.OrphanedRecords, record.Subdomain)
		}
	}

	containers, err := c.runtime.ListManaged(ctx)
	if err != nil {
		return report, fmt.Errorf("list managed containers: %w", err)
	}
	for _, container := range containers {
		if _, ok := known[container.ID]; ok {
			continue
		}
		if _, ok := known[container.Subdomain]; ok {
			continue
		}
		if container.Subdomain != "" && c.lifecycle.Pending(container.Subdomain) {
			continue
		}
		if now.Sub(container.Created) < c.grace {
			continue
		}
		if err := c.runtime.Remove(ctx, container.ID); err != nil {
			report.Errors++
			c.logger.Warn("failed to remove unmapped container", "container_id", container.ID, "subdomain", container.Subdomain, "error", err)
			continue
		}
		c.actions.WithLabelValues("removed_container").Inc()
		c.logger.Info("removed unmapped container", "container_id", container.ID, "subdomain", container.Subdomain)
		report.RemovedContainers = append(report.RemovedContainers, container.ID)
	}
	return report, nil
}
