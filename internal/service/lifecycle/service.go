package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/docket/internal/docker"
	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/metrics"
	"github.com/splax/docket/internal/repository"
	"github.com/splax/docket/internal/service/notify"
	"github.com/splax/docket/internal/service/ports"
)

const (
	defaultBindAttempts  = 50
	defaultContainerPort = 3000
	defaultEphemeralTTL  = 5 * time.Minute
	defaultExpiryRetries = 5
	recordDeleteAttempts = 3
	subdomainAttempts    = 5
	cleanupTimeout       = 30 * time.Second
)

// Runtime is the container engine capability the lifecycle drives.
type Runtime interface {
	Create(ctx context.Context, spec docker.ContainerSpec) (string, error)
	Start(ctx context.Context, id string, hostPort int) error
	Remove(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (docker.ContainerState, error)
}

// DNSProvisioner creates and removes the public record for a subdomain.
type DNSProvisioner interface {
	UpsertRecord(ctx context.Context, subdomain, target, recordType string) (string, error)
	DeleteRecord(ctx context.Context, subdomain string) error
}

// Timer is the handle of an armed expiry.
type Timer interface {
	Stop() bool
}

// ProgressFunc receives one human-readable progress line at a time.
type ProgressFunc func(line string)

// Options tunes the manager. Zero values fall back to defaults.
type Options struct {
	PortRanges    []ports.Range
	BindAttempts  int
	ContainerPort int
	EphemeralTTL  time.Duration
	ExpiryRetries int
	PublicHost    string
	ParentDomain  string
	DNSTarget     string
	DNSRecordType string
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAfterFunc overrides how expiry timers are armed.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(m *Manager) {
		if fn != nil {
			m.afterFunc = fn
		}
	}
}

// WithBackoff sets the base delay between retried store operations.
func WithBackoff(d time.Duration) Option {
	return func(m *Manager) {
		m.backoff = d
	}
}

// WithShortIDs overrides the short identifier source used in subdomains.
func WithShortIDs(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// CreateInput describes a deployment request.
type CreateInput struct {
	Image         string
	Env           map[string]string
	Command       []string
	Type          domain.DeploymentType
	OwnerID       string
	ContainerPort int
}

// Result is the outcome of a successful Create.
type Result struct {
	Record   domain.MappingRecord
	URL      string
	Domain   string
	DNSError error
}

type managerMetrics struct {
	deployments *prometheus.CounterVec
	bindRetries *prometheus.CounterVec
	expiries    *prometheus.CounterVec
	orphans     *prometheus.CounterVec
}

func newManagerMetrics() managerMetrics {
	return managerMetrics{
		deployments: metrics.CounterVec("lifecycle", "deployments_total", "Deployment operations by action and outcome.", "action", "outcome"),
		bindRetries: metrics.CounterVec("lifecycle", "port_bind_retries_total", "Container starts retried on the next port after a host port conflict.", "type"),
		expiries:    metrics.CounterVec("lifecycle", "expiries_total", "Ephemeral deployment expiries by result.", "result"),
		orphans:     metrics.CounterVec("lifecycle", "dangling_records_total", "Mapping records left behind after their container was removed.", "source"),
	}
}

// Manager owns deployment creation, reboot, deletion and expiry. It is the
// only writer of mapping records.
type Manager struct {
	store     repository.MappingRepository
	allocator *ports.Allocator
	runtime   Runtime
	dns       DNSProvisioner
	notifier  notify.Notifier
	logger    *slog.Logger
	opts      Options
	metrics   managerMetrics

	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	newID     func() string
	backoff   time.Duration

	locks subdomainLocks

	mu      sync.Mutex
	timers  map[string]Timer
	pending map[string]time.Time
	closed  bool
	wg      sync.WaitGroup
}

// New constructs a Manager. dns may be nil when DNS provisioning is disabled.
func New(store repository.MappingRepository, runtime Runtime, dns DNSProvisioner, notifier notify.Notifier, logger *slog.Logger, opts Options, options ...Option) *Manager {
	if opts.BindAttempts <= 0 {
		opts.BindAttempts = defaultBindAttempts
	}
	if opts.ContainerPort <= 0 {
		opts.ContainerPort = defaultContainerPort
	}
	if opts.EphemeralTTL <= 0 {
		opts.EphemeralTTL = defaultEphemeralTTL
	}
	if opts.ExpiryRetries <= 0 {
		opts.ExpiryRetries = defaultExpiryRetries
	}
	if opts.PublicHost == "" {
		opts.PublicHost = "localhost"
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     store,
		allocator: ports.New(store),
		runtime:   runtime,
		dns:       dns,
		notifier:  notifier,
		logger:    logger.With("component", "lifecycle"),
		opts:      opts,
		metrics:   newManagerMetrics(),
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		newID:     newShortID,
		backoff:   500 * time.Millisecond,
		timers:    make(map[string]Timer),
		pending:   make(map[string]time.Time),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Create provisions a container, binds it to a free host port and writes its
// mapping record. Nothing is visible to the router until the record is written.
func (m *Manager) Create(ctx context.Context, in CreateInput, progress ProgressFunc) (Result, error) {
	if progress == nil {
		progress = func(string) {}
	}
	in.Image = strings.TrimSpace(in.Image)
	if in.Image == "" {
		return Result{}, fmt.Errorf("%w: image is required", ErrInvalidInput)
	}
	if in.Type == "" {
		in.Type = domain.DeploymentEphemeral
	}
	if !in.Type.Valid() {
		return Result{}, fmt.Errorf("%w: unknown deployment type %q", ErrInvalidInput, in.Type)
	}
	if in.ContainerPort <= 0 {
		in.ContainerPort = m.opts.ContainerPort
	}
	if in.ContainerPort > ports.MaxPort {
		return Result{}, fmt.Errorf("%w: container port %d out of range", ErrInvalidInput, in.ContainerPort)
	}

	subdomain, err := m.reserveSubdomain(ctx, in.OwnerID)
	if err != nil {
		m.metrics.deployments.WithLabelValues("create", "store_unavailable").Inc()
		return Result{}, err
	}
	defer m.release(subdomain)
	progress("Creating deployment " + subdomain)

	containerID, port, err := m.bind(ctx, subdomain, in, progress)
	if err != nil {
		m.metrics.deployments.WithLabelValues("create", outcomeFor(err)).Inc()
		m.logger.Warn("deployment creation failed", "subdomain", subdomain, "error", err)
		m.notifyAsync(fmt.Sprintf("Deployment %s failed: %v", subdomain, err))
		return Result{}, err
	}

	now := m.now().UTC()
	record := domain.MappingRecord{
		Subdomain:      subdomain,
		Port:           port,
		ContainerPort:  in.ContainerPort,
		OwnerID:        in.OwnerID,
		DeploymentType: in.Type,
		State:          domain.StateRunning,
		ContainerRef:   containerID,
		ImageRef:       in.Image,
		Env:            in.Env,
		Command:        in.Command,
		CreatedAt:      now,
	}
	if record.Ephemeral() {
		expires := now.Add(m.opts.EphemeralTTL)
		record.ExpiresAt = &expires
	}
	if err := m.store.UpsertMapping(ctx, record); err != nil {
		cleanupCtx, cancel := m.cleanupContext(ctx)
		defer cancel()
		if rmErr := m.runtime.Remove(cleanupCtx, containerID); rmErr != nil {
			m.logger.Error("compensating removal failed", "subdomain", subdomain, "container_id", containerID, "error", rmErr)
		}
		m.metrics.deployments.WithLabelValues("create", "store_unavailable").Inc()
		return Result{}, fmt.Errorf("write mapping for %s: %w", subdomain, err)
	}

	result := Result{Record: record, URL: fmt.Sprintf("http://%s:%d", m.opts.PublicHost, port)}
	progress("Container created: " + containerID)
	progress("[PORT] " + strconv.Itoa(port))
	progress("[URL] " + result.URL)

	fqdn, dnsErr := m.provisionDNS(ctx, subdomain)
	if dnsErr != nil {
		result.DNSError = dnsErr
		progress("[DOMAIN ERROR] Failed to provision domain: " + errors.Unwrap(dnsErr).Error())
		m.logger.Warn("dns provisioning failed", "subdomain", subdomain, "error", dnsErr)
	} else if fqdn != "" {
		result.Domain = "https://" + fqdn
		progress("[DOMAIN] " + result.Domain)
	}

	if record.ExpiresAt != nil {
		m.arm(subdomain, m.opts.EphemeralTTL)
		progress("[EXPIRES] " + record.ExpiresAt.Format(time.RFC3339))
	}

	m.metrics.deployments.WithLabelValues("create", "success").Inc()
	m.logger.Info("deployment created", "subdomain", subdomain, "port", port, "container_id", containerID, "type", string(in.Type), "owner_id", in.OwnerID)
	m.notifyAsync(fmt.Sprintf("Deployment %s created on port %d (%s)", subdomain, port, in.Type))
	return result, nil
}

// bind creates and starts the container, moving to the next host port each
// time the runtime reports the candidate as already bound.
func (m *Manager) bind(ctx context.Context, subdomain string, in CreateInput, progress ProgressFunc) (string, int, error) {
	port, err := m.allocator.Allocate(ctx, m.opts.PortRanges)
	if err != nil {
		var exhausted *ports.ExhaustedError
		if errors.As(err, &exhausted) {
			return "", 0, &PortBindError{Err: err}
		}
		return "", 0, err
	}

	first := port
	labels := map[string]string{
		docker.LabelSubdomain: subdomain,
		docker.LabelOwner:     in.OwnerID,
		docker.LabelType:      string(in.Type),
	}
	var lastErr error
	attempts := 0
	for ; attempts < m.opts.BindAttempts && port <= ports.MaxPort; attempts++ {
		spec := docker.ContainerSpec{
			Name:          subdomain,
			Image:         in.Image,
			Env:           envList(in.Env),
			Cmd:           in.Command,
			ContainerPort: in.ContainerPort,
			HostPort:      port,
			Labels:        labels,
		}
		id, err := m.runtime.Create(ctx, spec)
		if err != nil {
			return "", 0, &CreationError{Subdomain: subdomain, Err: err}
		}
		err = m.runtime.Start(ctx, id, port)
		if err == nil {
			return id, port, nil
		}
		cleanupCtx, cancel := m.cleanupContext(ctx)
		if rmErr := m.runtime.Remove(cleanupCtx, id); rmErr != nil {
			m.logger.Warn("failed to remove unstarted container", "subdomain", subdomain, "container_id", id, "error", rmErr)
		}
		cancel()
		if !docker.IsPortInUse(err) {
			return "", 0, &CreationError{Subdomain: subdomain, Err: err}
		}
		lastErr = err
		m.metrics.bindRetries.WithLabelValues(string(in.Type)).Inc()
		m.logger.Info("host port in use, retrying", "subdomain", subdomain, "port", port, "attempt", attempts+1)
		progress(fmt.Sprintf("Port %d in use, retrying on %d", port, port+1))
		port++
	}
	return "", 0, &PortBindError{FirstPort: first, LastPort: port - 1, Attempts: attempts, Err: lastErr}
}

func (m *Manager) reserveSubdomain(ctx context.Context, ownerID string) (string, error) {
	for i := 0; i < subdomainAttempts; i++ {
		candidate := Subdomain(ownerID, m.newID())
		if m.isPending(candidate) {
			continue
		}
		_, err := m.store.GetMapping(ctx, candidate)
		if errors.Is(err, repository.ErrNotFound) {
			m.mu.Lock()
			if _, taken := m.pending[candidate]; taken {
				m.mu.Unlock()
				continue
			}
			m.pending[candidate] = m.now()
			m.mu.Unlock()
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("check subdomain %s: %w", candidate, err)
		}
	}
	return "", errors.New("could not generate a unique subdomain")
}

func (m *Manager) release(subdomain string) {
	m.mu.Lock()
	delete(m.pending, subdomain)
	m.mu.Unlock()
}

func (m *Manager) isPending(subdomain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[subdomain]
	return ok
}

// Pending reports whether subdomain is mid-creation and has no record yet.
func (m *Manager) Pending(subdomain string) bool {
	return m.isPending(subdomain)
}

func (m *Manager) provisionDNS(ctx context.Context, subdomain string) (string, error) {
	if m.dns == nil {
		if m.opts.ParentDomain == "" {
			return "", nil
		}
		return subdomain + "." + m.opts.ParentDomain, nil
	}
	fqdn, err := m.dns.UpsertRecord(ctx, subdomain, m.opts.DNSTarget, m.opts.DNSRecordType)
	if err != nil {
		return "", &DNSProvisionError{Subdomain: subdomain, Err: err}
	}
	return fqdn, nil
}

// Get returns the mapping record for subdomain.
func (m *Manager) Get(ctx context.Context, subdomain string) (*domain.MappingRecord, error) {
	return m.store.GetMapping(ctx, subdomain)
}

// List returns every mapping record.
func (m *Manager) List(ctx context.Context) ([]domain.MappingRecord, error) {
	return m.store.ListMappings(ctx)
}

// Reboot restarts the container behind ref in place. ref is a subdomain or a
// container id (full or prefix). Port, subdomain and record are unchanged and
// the mapping is never written.
func (m *Manager) Reboot(ctx context.Context, ref string) (domain.MappingRecord, error) {
	resolved, err := m.resolve(ctx, ref)
	if err != nil {
		return domain.MappingRecord{}, err
	}
	unlock := m.locks.lock(resolved.Subdomain)
	defer unlock()

	current, err := m.store.GetMapping(ctx, resolved.Subdomain)
	if err != nil {
		return domain.MappingRecord{}, err
	}
	if current.ContainerRef != resolved.ContainerRef {
		return domain.MappingRecord{}, repository.ErrNotFound
	}
	record := *current
	if err := m.runtime.Restart(ctx, record.ContainerRef); err != nil {
		m.metrics.deployments.WithLabelValues("reboot", "error").Inc()
		return domain.MappingRecord{}, fmt.Errorf("restart %s: %w", record.Subdomain, err)
	}
	m.metrics.deployments.WithLabelValues("reboot", "success").Inc()
	m.logger.Info("deployment rebooted", "subdomain", record.Subdomain, "container_id", record.ContainerRef)
	m.notifyAsync(fmt.Sprintf("Deployment %s rebooted", record.Subdomain))
	return record, nil
}

func (m *Manager) resolve(ctx context.Context, ref string) (domain.MappingRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.MappingRecord{}, fmt.Errorf("%w: reference is required", ErrInvalidInput)
	}
	record, err := m.store.GetMapping(ctx, ref)
	if err == nil {
		return *record, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.MappingRecord{}, err
	}
	records, err := m.store.ListMappings(ctx)
	if err != nil {
		return domain.MappingRecord{}, err
	}
	for _, candidate := range records {
		if candidate.ContainerRef == ref || (len(ref) >= 12 && strings.HasPrefix(candidate.ContainerRef, ref)) {
			return candidate, nil
		}
	}
	return domain.MappingRecord{}, repository.ErrNotFound
}

// Delete removes the container and then its mapping record. A missing record
// is not an error. If container removal fails the record is kept; if record
// deletion fails after removal a *RecordDeletionError is returned.
func (m *Manager) Delete(ctx context.Context, subdomain string) error {
	m.disarm(subdomain)
	unlock := m.locks.lock(subdomain)
	defer unlock()
	record, err := m.store.GetMapping(ctx, subdomain)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.teardown(ctx, *record); err != nil {
		m.metrics.deployments.WithLabelValues("delete", "error").Inc()
		if record.ExpiresAt != nil {
			var recErr *RecordDeletionError
			if !errors.As(err, &recErr) {
				m.arm(subdomain, m.untilExpiry(*record))
			}
		}
		return err
	}
	m.metrics.deployments.WithLabelValues("delete", "success").Inc()
	m.logger.Info("deployment deleted", "subdomain", subdomain, "container_id", record.ContainerRef)
	m.notifyAsync(fmt.Sprintf("Deployment %s deleted", subdomain))
	return nil
}

// teardown is the remove-then-unmap pair. Both steps treat "already gone" as success.
func (m *Manager) teardown(ctx context.Context, record domain.MappingRecord) error {
	if record.ContainerRef != "" {
		if err := m.runtime.Remove(ctx, record.ContainerRef); err != nil {
			return fmt.Errorf("remove container for %s: %w", record.Subdomain, err)
		}
	}
	var err error
	for attempt := 1; attempt <= recordDeleteAttempts; attempt++ {
		if err = m.store.DeleteMapping(ctx, record.Subdomain); err == nil || errors.Is(err, repository.ErrNotFound) {
			err = nil
			break
		}
		if attempt < recordDeleteAttempts {
			if waitErr := m.wait(ctx, attempt); waitErr != nil {
				err = waitErr
				break
			}
		}
	}
	if err != nil {
		return &RecordDeletionError{Subdomain: record.Subdomain, Err: err}
	}
	if m.dns != nil {
		if dnsErr := m.dns.DeleteRecord(ctx, record.Subdomain); dnsErr != nil {
			m.logger.Warn("failed to delete dns record", "subdomain", record.Subdomain, "error", dnsErr)
		}
	}
	return nil
}

func (m *Manager) wait(ctx context.Context, attempt int) error {
	if m.backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.backoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func (m *Manager) notifyAsync(message string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.notifier.Notify(ctx, message)
	}()
}

func outcomeFor(err error) string {
	var bindErr *PortBindError
	var createErr *CreationError
	switch {
	case errors.As(err, &bindErr):
		return "port_bind_error"
	case errors.As(err, &createErr):
		return "creation_error"
	case errors.Is(err, repository.ErrUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
