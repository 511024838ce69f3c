package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/repository"
)

const expiryTimeout = 2 * time.Minute

func (m *Manager) arm(subdomain string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if existing, ok := m.timers[subdomain]; ok {
		existing.Stop()
	}
	m.timers[subdomain] = m.afterFunc(delay, func() { m.fire(subdomain) })
}

func (m *Manager) disarm(subdomain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[subdomain]; ok {
		timer.Stop()
		delete(m.timers, subdomain)
	}
}

func (m *Manager) untilExpiry(record domain.MappingRecord) time.Duration {
	if record.ExpiresAt == nil {
		return 0
	}
	return record.ExpiresAt.Sub(m.now())
}

func (m *Manager) fire(subdomain string) {
	m.mu.Lock()
	delete(m.timers, subdomain)
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), expiryTimeout)
	defer cancel()
	if err := m.Expire(ctx, subdomain); err != nil {
		m.logger.Error("expiry failed", "subdomain", subdomain, "error", err)
	}
}

// Expire removes an ephemeral deployment whose expiry has passed. Store and
// runtime failures are retried; a container removed while its record survives
// every retry is reported as a dangling record.
func (m *Manager) Expire(ctx context.Context, subdomain string) error {
	var lastErr error
	for attempt := 1; attempt <= m.opts.ExpiryRetries; attempt++ {
		done, err := m.expireOnce(ctx, subdomain)
		if done {
			return nil
		}
		lastErr = err
		m.logger.Warn("expiry attempt failed", "subdomain", subdomain, "attempt", attempt, "error", err)
		if attempt < m.opts.ExpiryRetries {
			if waitErr := m.wait(ctx, attempt); waitErr != nil {
				lastErr = waitErr
				break
			}
		}
	}

	var recErr *RecordDeletionError
	if errors.As(lastErr, &recErr) {
		m.metrics.expiries.WithLabelValues("dangling").Inc()
		m.metrics.orphans.WithLabelValues("expiry").Inc()
		m.logger.Error("dangling mapping record after expiry", "subdomain", subdomain, "error", lastErr)
		m.notifyAsync(fmt.Sprintf("ALERT: deployment %s expired but its mapping record could not be deleted: %v", subdomain, lastErr))
		return lastErr
	}
	m.metrics.expiries.WithLabelValues("error").Inc()
	m.notifyAsync(fmt.Sprintf("ALERT: expiry of deployment %s failed: %v", subdomain, lastErr))
	return lastErr
}

func (m *Manager) expireOnce(ctx context.Context, subdomain string) (bool, error) {
	unlock := m.locks.lock(subdomain)
	defer unlock()
	record, err := m.store.GetMapping(ctx, subdomain)
	if errors.Is(err, repository.ErrNotFound) {
		m.metrics.expiries.WithLabelValues("already_removed").Inc()
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !record.Ephemeral() || !record.Expired(m.now()) {
		m.logger.Debug("skipping expiry of live deployment", "subdomain", subdomain)
		if record.Ephemeral() {
			m.arm(subdomain, m.untilExpiry(*record))
		}
		return true, nil
	}
	if err := m.teardown(ctx, *record); err != nil {
		return false, err
	}
	m.metrics.expiries.WithLabelValues("removed").Inc()
	m.logger.Info("ephemeral deployment expired", "subdomain", subdomain, "container_id", record.ContainerRef)
	m.notifyAsync(fmt.Sprintf("Deployment %s expired", subdomain))
	return true, nil
}

// Restore re-arms expiry timers for every ephemeral record in the store.
// Records already past their expiry fire immediately.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	records, err := m.store.ListMappings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list mappings: %w", err)
	}
	armed := 0
	for _, record := range records {
		if !record.Ephemeral() || record.ExpiresAt == nil {
			continue
		}
		m.arm(record.Subdomain, m.untilExpiry(record))
		armed++
	}
	m.logger.Info("expiry timers restored", "count", armed)
	return armed, nil
}

// Armed reports whether an expiry timer is pending for subdomain.
func (m *Manager) Armed(subdomain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[subdomain]
	return ok
}

// Shutdown stops every pending timer and waits for in-flight expiries and
// notifications to finish. Records keep their expires_at so Restore can pick
// them up on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	for subdomain, timer := range m.timers {
		timer.Stop()
		delete(m.timers, subdomain)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
