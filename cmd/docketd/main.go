package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/splax/docket/internal/docker"
	httpx "github.com/splax/docket/internal/http"
	"github.com/splax/docket/internal/proxy"
	"github.com/splax/docket/internal/service/dns"
	"github.com/splax/docket/internal/service/lifecycle"
	"github.com/splax/docket/internal/service/notify"
	"github.com/splax/docket/internal/service/ports"
	"github.com/splax/docket/internal/service/reconcile"
	"github.com/splax/docket/internal/service/relay"
	"github.com/splax/docket/pkg/config"
	"github.com/splax/docket/pkg/logger"
)

func main() {
	cfg, err := config.LoadDaemonConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New("docketd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ranges, err := ports.ParseRanges(cfg.PortRanges)
	if err != nil {
		log.Error("invalid port ranges", "ranges", cfg.PortRanges, "error", err)
		os.Exit(1)
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open mapping store", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	engine, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "host", cfg.DockerHost, "error", err)
		os.Exit(1)
	}

	health := map[string]func(context.Context) error{
		"store":  store.Ping,
		"docker": engine.Ping,
	}

	var provisioner lifecycle.DNSProvisioner
	if cfg.DNSEnabled() {
		cf, err := dns.NewCloudflare(cfg.CloudflareBaseURL, cfg.CloudflareZoneID, cfg.CloudflareAPIToken, cfg.ParentDomain, log)
		if err != nil {
			log.Error("invalid cloudflare configuration", "error", err)
			os.Exit(1)
		}
		provisioner = cf
		resolver := dns.NewResolver(cfg.DNSResolver)
		parent := cfg.ParentDomain
		health["dns"] = func(ctx context.Context) error {
			ok, err := resolver.Resolves(ctx, parent)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New(parent + " does not resolve")
			}
			return nil
		}
		log.Info("dns provisioning enabled", "zone", cfg.CloudflareZoneID, "domain", cfg.ParentDomain)
	} else {
		log.Info("dns provisioning disabled")
	}

	notifier := notify.New(cfg.DiscordEnabled, cfg.DiscordWebhookURL, log)

	manager := lifecycle.New(store, engine, provisioner, notifier, log, lifecycle.Options{
		PortRanges:    ranges,
		BindAttempts:  cfg.BindAttempts,
		ContainerPort: cfg.ContainerPort,
		EphemeralTTL:  cfg.EphemeralTTL,
		ExpiryRetries: cfg.ExpiryRetries,
		PublicHost:    cfg.PublicHost,
		ParentDomain:  cfg.ParentDomain,
		DNSTarget:     cfg.DNSTarget,
		DNSRecordType: cfg.DNSRecordType,
	})
	defer manager.Shutdown()
	if _, err := manager.Restore(ctx); err != nil {
		log.Warn("failed to restore expiry timers", "error", err)
	}

	deps := httpx.Dependencies{
		Logger:      log,
		Deployments: manager,
		Relay:       relay.New(engine, log, cfg.LogFollowWindow),
		Health:      health,
		DeployLimit: cfg.RateLimitDeploys,
		ReadLimit:   cfg.RateLimitReads,
	}
	if controller := reconcile.New(store, engine, manager, log, cfg.ReconcileInterval, cfg.OrphanGrace); controller != nil {
		deps.Sweeper = controller
		go controller.Run(ctx)
	}
	if !cfg.AuthDisabled {
		deps.Auth = httpx.NewAuthenticator(cfg.APIToken, cfg.APITokenHash, cfg.JWTSecret)
		if deps.Auth == nil {
			log.Warn("no api credentials configured; deployment endpoints are unauthenticated")
		}
	}
	deps.Limiter = httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(ctx, addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			deps.Limiter.Close()
			deps.Limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(deps)
	defer router.Close()

	servers := []*http.Server{
		{Addr: cfg.APIAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second},
		{Addr: cfg.ProxyAddr, Handler: proxy.New(store, cfg.ParentDomain, cfg.UpstreamHost, log), ReadHeaderTimeout: 5 * time.Second},
	}

	errorCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info("server starting", "addr", srv.Addr)
			errorCh <- srv.ListenAndServe()
		}(srv)
	}

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	log.Info("docketd stopped")
}
