package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends understood by the daemon.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// DaemonConfig holds runtime configuration for docketd.
type DaemonConfig struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	APIAddr     string `yaml:"api_addr"`
	ProxyAddr   string `yaml:"proxy_addr"`

	ParentDomain  string        `yaml:"parent_domain"`
	PortRanges    string        `yaml:"port_ranges"`
	BindAttempts  int           `yaml:"bind_attempts"`
	ContainerPort int           `yaml:"container_port"`
	EphemeralTTL  time.Duration `yaml:"ephemeral_ttl"`
	ExpiryRetries int           `yaml:"expiry_retries"`
	UpstreamHost  string        `yaml:"upstream_host"`
	PublicHost    string        `yaml:"public_host"`

	Store         string `yaml:"store"`
	DatabaseURL   string `yaml:"database_url"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	DockerHost string `yaml:"docker_host"`

	CloudflareAPIToken string `yaml:"cloudflare_api_token"`
	CloudflareZoneID   string `yaml:"cloudflare_zone_id"`
	CloudflareBaseURL  string `yaml:"cloudflare_base_url"`
	DNSTarget          string `yaml:"dns_target"`
	DNSRecordType      string `yaml:"dns_record_type"`
	DNSResolver        string `yaml:"dns_resolver"`

	DiscordEnabled    bool   `yaml:"discord_enabled"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`

	APIToken         string `yaml:"api_token"`
	APITokenHash     string `yaml:"api_token_hash"`
	JWTSecret        string `yaml:"jwt_secret"`
	AuthDisabled     bool   `yaml:"auth_disabled"`
	EnvEncryptionKey string `yaml:"env_encryption_key"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	OrphanGrace       time.Duration `yaml:"orphan_grace"`
	LogFollowWindow   time.Duration `yaml:"log_follow_window"`

	RateLimitRedisAddr string `yaml:"rate_limit_redis_addr"`
	RateLimitRedisPass string `yaml:"rate_limit_redis_password"`
	RateLimitRedisDB   int    `yaml:"rate_limit_redis_db"`
	RateLimitDeploys   int    `yaml:"rate_limit_deploys"`
	RateLimitReads     int    `yaml:"rate_limit_reads"`
}

func defaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Environment:       "development",
		LogLevel:          "info",
		APIAddr:           ":3011",
		ProxyAddr:         ":3012",
		ParentDomain:      "ctfgui.de",
		PortRanges:        "5000-5999",
		BindAttempts:      50,
		ContainerPort:     3000,
		EphemeralTTL:      5 * time.Minute,
		ExpiryRetries:     5,
		UpstreamHost:      "localhost",
		PublicHost:        "localhost",
		Store:             StoreSQLite,
		DatabaseURL:       "postgres://docket:docket@db:5432/docket?sslmode=disable",
		SQLitePath:        "docket.sqlite",
		RedisAddr:         "localhost:6379",
		DockerHost:        "unix:///var/run/docker.sock",
		CloudflareBaseURL: "https://api.cloudflare.com/client/v4",
		DNSRecordType:     "CNAME",
		DNSResolver:       "1.1.1.1:53",
		ReconcileInterval: time.Minute,
		OrphanGrace:       2 * time.Minute,
		LogFollowWindow:   2 * time.Minute,
		RateLimitDeploys:  10,
		RateLimitReads:    120,
	}
}

// LoadDaemonConfig builds a DaemonConfig from defaults, an optional YAML file
// named by DOCKET_CONFIG_FILE, and environment variables, in that order.
func LoadDaemonConfig() (DaemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path := strings.TrimSpace(os.Getenv("DOCKET_CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return DaemonConfig{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *DaemonConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *DaemonConfig) {
	cfg.Environment = GetString("APP_ENV", cfg.Environment)
	cfg.LogLevel = GetString("DOCKET_LOG_LEVEL", cfg.LogLevel)
	cfg.APIAddr = GetString("DOCKET_API_ADDR", cfg.APIAddr)
	cfg.ProxyAddr = GetString("DOCKET_PROXY_ADDR", cfg.ProxyAddr)

	cfg.ParentDomain = GetString("DOCKET_PARENT_DOMAIN", cfg.ParentDomain)
	cfg.PortRanges = GetString("DOCKET_PORT_RANGES", cfg.PortRanges)
	cfg.BindAttempts = GetInt("DOCKET_BIND_ATTEMPTS", cfg.BindAttempts)
	cfg.ContainerPort = GetInt("DOCKET_CONTAINER_PORT", cfg.ContainerPort)
	cfg.EphemeralTTL = GetSeconds("DOCKET_EPHEMERAL_TTL_SECONDS", cfg.EphemeralTTL)
	cfg.ExpiryRetries = GetInt("DOCKET_EXPIRY_RETRIES", cfg.ExpiryRetries)
	cfg.UpstreamHost = GetString("DOCKET_UPSTREAM_HOST", cfg.UpstreamHost)
	cfg.PublicHost = GetString("DOCKET_PUBLIC_HOST", cfg.PublicHost)

	cfg.Store = strings.ToLower(GetString("DOCKET_STORE", cfg.Store))
	cfg.DatabaseURL = GetString("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = GetString("DOCKET_SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisAddr = GetString("DOCKET_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = GetString("DOCKET_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = GetInt("DOCKET_REDIS_DB", cfg.RedisDB)

	cfg.DockerHost = GetString("DOCKER_HOST", cfg.DockerHost)

	cfg.CloudflareAPIToken = GetString("CLOUDFLARE_API_TOKEN", cfg.CloudflareAPIToken)
	cfg.CloudflareZoneID = GetString("CLOUDFLARE_ZONE_ID", cfg.CloudflareZoneID)
	cfg.CloudflareBaseURL = GetString("CLOUDFLARE_API_BASE", cfg.CloudflareBaseURL)
	cfg.DNSTarget = GetString("DOCKET_DNS_TARGET", cfg.DNSTarget)
	cfg.DNSRecordType = strings.ToUpper(GetString("DOCKET_DNS_TYPE", cfg.DNSRecordType))
	cfg.DNSResolver = GetString("DOCKET_DNS_RESOLVER", cfg.DNSResolver)

	cfg.DiscordEnabled = GetBool("DISCORD_ENABLED", cfg.DiscordEnabled)
	cfg.DiscordWebhookURL = GetString("DISCORD_WEBHOOK_URL", cfg.DiscordWebhookURL)

	cfg.APIToken = GetString("DOCKET_API_TOKEN", cfg.APIToken)
	cfg.APITokenHash = GetString("DOCKET_API_TOKEN_HASH", cfg.APITokenHash)
	cfg.JWTSecret = GetString("DOCKET_JWT_SECRET", cfg.JWTSecret)
	cfg.AuthDisabled = GetBool("DOCKET_AUTH_DISABLED", cfg.AuthDisabled)
	cfg.EnvEncryptionKey = GetString("DOCKET_ENV_ENCRYPTION_KEY", cfg.EnvEncryptionKey)

	cfg.ReconcileInterval = GetSeconds("DOCKET_RECONCILE_SECONDS", cfg.ReconcileInterval)
	cfg.OrphanGrace = GetSeconds("DOCKET_ORPHAN_GRACE_SECONDS", cfg.OrphanGrace)
	cfg.LogFollowWindow = GetSeconds("DOCKET_LOG_FOLLOW_SECONDS", cfg.LogFollowWindow)

	cfg.RateLimitRedisAddr = GetString("RATE_LIMIT_REDIS_ADDR", cfg.RateLimitRedisAddr)
	cfg.RateLimitRedisPass = GetString("RATE_LIMIT_REDIS_PASSWORD", cfg.RateLimitRedisPass)
	cfg.RateLimitRedisDB = GetInt("RATE_LIMIT_REDIS_DB", cfg.RateLimitRedisDB)
	cfg.RateLimitDeploys = GetInt("DOCKET_RATE_LIMIT_DEPLOYS", cfg.RateLimitDeploys)
	cfg.RateLimitReads = GetInt("DOCKET_RATE_LIMIT_READS", cfg.RateLimitReads)
}

// DNSEnabled reports whether Cloudflare credentials are configured.
func (c DaemonConfig) DNSEnabled() bool {
	return strings.TrimSpace(c.CloudflareAPIToken) != "" && strings.TrimSpace(c.CloudflareZoneID) != ""
}
