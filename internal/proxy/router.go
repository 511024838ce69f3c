package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/metrics"
	"github.com/splax/docket/internal/repository"
)

// Lookup is the read-only view of the mapping store the router needs.
type Lookup interface {
	GetMapping(ctx context.Context, subdomain string) (*domain.MappingRecord, error)
}

type targetKey struct{}

// Router forwards requests for "{token}-{shortId}.{parentDomain}" hosts to the
// host port recorded for that subdomain. It never caches mappings and never
// retries upstream failures.
type Router struct {
	store        Lookup
	upstreamHost string
	pattern      *regexp.Regexp
	proxy        *httputil.ReverseProxy
	logger       *slog.Logger
	outcomes     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New builds a Router for hosts under parentDomain, forwarding to upstreamHost.
func New(store Lookup, parentDomain, upstreamHost string, logger *slog.Logger) *Router {
	if upstreamHost == "" {
		upstreamHost = "localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	parent := strings.ToLower(strings.Trim(parentDomain, "."))
	r := &Router{
		store:        store,
		upstreamHost: upstreamHost,
		pattern:      regexp.MustCompile(`^((testdeploy|[a-z0-9_-]+)-[a-z0-9]+)\.` + regexp.QuoteMeta(parent) + `$`),
		logger:       logger.With("component", "proxy"),
		outcomes:     metrics.CounterVec("proxy", "requests_total", "Proxy requests by routing outcome.", "outcome"),
		latency:      metrics.HistogramVec("proxy", "upstream_duration_seconds", "Time to receive upstream response headers.", "code"),
	}
	r.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target, _ := pr.In.Context().Value(targetKey{}).(*url.URL)
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		FlushInterval:  -1,
		ModifyResponse: r.observe,
		ErrorHandler:   r.upstreamError,
	}
	return r
}

// Subdomain extracts the routing key from host, or "" when host is not one of ours.
func (r *Router) Subdomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	m := r.pattern.FindStringSubmatch(host)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	subdomain := r.Subdomain(req.Host)
	if subdomain == "" {
		r.outcomes.WithLabelValues("no_route").Inc()
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	record, err := r.store.GetMapping(req.Context(), subdomain)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.outcomes.WithLabelValues("no_mapping").Inc()
			r.logger.Info("no mapping for subdomain", "subdomain", subdomain, "host", req.Host, "path", req.URL.Path)
			http.Error(w, fmt.Sprintf("No mapping found for %s: the deployment has expired, was deleted, or never existed.", subdomain), http.StatusBadGateway)
			return
		}
		r.outcomes.WithLabelValues("store_error").Inc()
		r.logger.Error("mapping lookup failed", "subdomain", subdomain, "error", err)
		http.Error(w, "Mapping store unavailable", http.StatusBadGateway)
		return
	}

	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(r.upstreamHost, strconv.Itoa(record.Port))}
	ctx := context.WithValue(req.Context(), targetKey{}, target)
	ctx = context.WithValue(ctx, startKey{}, time.Now())
	r.proxy.ServeHTTP(w, req.WithContext(ctx))
}

type startKey struct{}

func (r *Router) observe(resp *http.Response) error {
	r.outcomes.WithLabelValues("forwarded").Inc()
	if started, ok := resp.Request.Context().Value(startKey{}).(time.Time); ok {
		r.latency.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(time.Since(started).Seconds())
	}
	return nil
}

func (r *Router) upstreamError(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		r.outcomes.WithLabelValues("client_cancelled").Inc()
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	r.outcomes.WithLabelValues("upstream_error").Inc()
	r.logger.Warn("upstream unreachable", "host", req.Host, "upstream", req.URL.Host, "error", err)
	http.Error(w, "Upstream unreachable: "+err.Error(), http.StatusBadGateway)
}
