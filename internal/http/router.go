package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/service/lifecycle"
	"github.com/splax/docket/internal/service/reconcile"
	"github.com/splax/docket/internal/ws"
)

const healthCheckTimeout = 2 * time.Second

// Deployments is the lifecycle surface the API drives.
type Deployments interface {
	Create(ctx context.Context, in lifecycle.CreateInput, progress lifecycle.ProgressFunc) (lifecycle.Result, error)
	Get(ctx context.Context, subdomain string) (*domain.MappingRecord, error)
	List(ctx context.Context) ([]domain.MappingRecord, error)
	Delete(ctx context.Context, subdomain string) error
	Reboot(ctx context.Context, ref string) (domain.MappingRecord, error)
}

// LogRelay streams a container's output to a sink.
type LogRelay interface {
	Stream(ctx context.Context, containerRef string, sink ws.Sink) error
}

// Sweeper runs an on-demand reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context) (reconcile.Report, error)
}

// Dependencies wires the router. Relay, Sweeper, Auth and Limiter are optional.
type Dependencies struct {
	Logger      *slog.Logger
	Deployments Deployments
	Relay       LogRelay
	Sweeper     Sweeper
	Auth        *Authenticator
	Limiter     RateLimiter
	Health      map[string]func(context.Context) error
	DeployLimit int
	ReadLimit   int
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	deployments Deployments
	relay       LogRelay
	sweeper     Sweeper
	auth        *Authenticator
	limiter     RateLimiter
	health      map[string]func(context.Context) error
	deployLimit int
	readLimit   int
	metrics     routerMetrics
}

// NewRouter assembles routes with dependencies.
func NewRouter(deps Dependencies) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      deps.Logger,
		deployments: deps.Deployments,
		relay:       deps.Relay,
		sweeper:     deps.Sweeper,
		auth:        deps.Auth,
		limiter:     deps.Limiter,
		health:      deps.Health,
		deployLimit: deps.DeployLimit,
		readLimit:   deps.ReadLimit,
		metrics:     newRouterMetrics(),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/deployments", r.audit("deployments", r.requireAuth(r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("deployment", r.requireAuth(r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/reconcile", r.audit("reconcile", r.requireAuth(r.handleReconcile)))
	r.mux.HandleFunc("/api/map", r.audit("map", r.withRateLimit("map", r.readLimit, r.handleMap)))
	r.mux.HandleFunc("/map-visualizer", r.audit("map_visualizer", r.withRateLimit("map", r.readLimit, r.handleMapVisualizer)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	components := make(map[string]any, len(r.health))
	status := "ok"
	for name, check := range r.health {
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if status == "ok" && r.deployments != nil {
		if records, err := r.deployments.List(ctx); err == nil {
			payload["deployments"] = len(records)
			r.metrics.deployments.Set(float64(len(records)))
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleReconcile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.sweeper == nil {
		writeError(w, http.StatusNotImplemented, "reconciliation is disabled")
		return
	}
	report, err := r.sweeper.Sweep(req.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.record(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Method
			if info.OwnerID != "" {
				fields = append(fields, "owner_id", info.OwnerID)
			}
		}
		fields = append(fields, "actor", actor)
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
