// SPDX-License-Identifier: MIT

// Package config loads taskbridge configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the full runtime configuration of the daemon.
type AppConfig struct {
	// Upstream annotation store (Label Studio compatible API).
	UpstreamBase  string `yaml:"upstreamBase"`
	UpstreamToken string `yaml:"upstreamToken"`
	ProjectID     int    `yaml:"projectId"`

	// Lease/queue KV service.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	// Durable store: sqlite file path or postgres:// URL.
	SQLURL string `yaml:"sqlUrl"`

	// Read-only directory containing the audio files.
	MediaRoot string `yaml:"mediaRoot"`

	// Shared secret for the X-API-Key header.
	APIKey string `yaml:"apiKey"`

	LeaseTTL      time.Duration `yaml:"leaseTTL"`
	CooldownTTL   time.Duration `yaml:"cooldownTTL"`
	SyncInterval  time.Duration `yaml:"syncInterval"`
	RatePerSecond float64       `yaml:"ratePerSecond"`

	ListenAddr    string `yaml:"listenAddr"`
	MetricsListen string `yaml:"metricsListen"`
	PublicBaseURL string `yaml:"publicBaseUrl"`

	KVTimeout       time.Duration `yaml:"kvTimeout"`
	SQLTimeout      time.Duration `yaml:"sqlTimeout"`
	UpstreamTimeout time.Duration `yaml:"upstreamTimeout"`

	AllowedOrigins []string `yaml:"allowedOrigins"`

	LogLevel string `yaml:"logLevel"`

	OTELEnabled  bool    `yaml:"otelEnabled"`
	OTELEndpoint string  `yaml:"otelEndpoint"`
	OTELExporter string  `yaml:"otelExporter"`
	OTELSample   float64 `yaml:"otelSample"`

	Version string `yaml:"-"`
}

// Defaults returns the built-in configuration defaults.
func Defaults() AppConfig {
	return AppConfig{
		ProjectID:       1,
		RedisAddr:       "localhost:6379",
		SQLURL:          "tasks.db",
		LeaseTTL:        time.Hour,
		CooldownTTL:     30 * time.Minute,
		SyncInterval:    30 * time.Second,
		RatePerSecond:   0.05,
		ListenAddr:      ":8010",
		KVTimeout:       time.Second,
		SQLTimeout:      2 * time.Second,
		UpstreamTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
		LogLevel:        "info",
		OTELExporter:    "http",
		OTELSample:      1.0,
	}
}

// Load builds the effective configuration: defaults, overlaid by the optional
// YAML file at path (empty path skips the file), overlaid by TB_* environment
// variables. The result is validated.
func Load(path, version string) (AppConfig, error) {
	cfg := Defaults()
	cfg.Version = version

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.UpstreamBase = ParseString("TB_UPSTREAM_BASE", cfg.UpstreamBase)
	cfg.UpstreamToken = ParseString("TB_UPSTREAM_TOKEN", cfg.UpstreamToken)
	cfg.ProjectID = ParseInt("TB_PROJECT_ID", cfg.ProjectID)
	cfg.RedisAddr = ParseString("TB_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = ParseString("TB_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = ParseInt("TB_REDIS_DB", cfg.RedisDB)
	cfg.SQLURL = ParseString("TB_SQL_URL", cfg.SQLURL)
	cfg.MediaRoot = ParseString("TB_MEDIA_ROOT", cfg.MediaRoot)
	cfg.APIKey = ParseString("TB_API_KEY", cfg.APIKey)
	cfg.LeaseTTL = ParseDuration("TB_LEASE_TTL", cfg.LeaseTTL)
	cfg.CooldownTTL = ParseDuration("TB_COOLDOWN_TTL", cfg.CooldownTTL)
	cfg.SyncInterval = ParseDuration("TB_SYNC_INTERVAL", cfg.SyncInterval)
	cfg.RatePerSecond = ParseFloat("TB_RATE_PER_SECOND", cfg.RatePerSecond)
	cfg.ListenAddr = ParseString("TB_LISTEN", cfg.ListenAddr)
	cfg.MetricsListen = ParseString("TB_METRICS_LISTEN", cfg.MetricsListen)
	cfg.PublicBaseURL = ParseString("TB_PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.KVTimeout = ParseDuration("TB_KV_TIMEOUT", cfg.KVTimeout)
	cfg.SQLTimeout = ParseDuration("TB_SQL_TIMEOUT", cfg.SQLTimeout)
	cfg.UpstreamTimeout = ParseDuration("TB_UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	cfg.LogLevel = ParseString("TB_LOG_LEVEL", cfg.LogLevel)
	cfg.OTELEnabled = ParseBool("TB_OTEL_ENABLED", cfg.OTELEnabled)
	cfg.OTELEndpoint = ParseString("TB_OTEL_ENDPOINT", cfg.OTELEndpoint)
	cfg.OTELExporter = ParseString("TB_OTEL_EXPORTER", cfg.OTELExporter)
	cfg.OTELSample = ParseFloat("TB_OTEL_SAMPLE", cfg.OTELSample)

	if origins := ParseString("TB_ALLOWED_ORIGINS", ""); origins != "" {
		cfg.AllowedOrigins = splitCSV(origins)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that cannot produce a working daemon.
func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.UpstreamBase) == "" {
		return fmt.Errorf("config: TB_UPSTREAM_BASE is required")
	}
	u, err := url.Parse(c.UpstreamBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: TB_UPSTREAM_BASE %q is not a valid http(s) URL", c.UpstreamBase)
	}
	if strings.TrimSpace(c.UpstreamToken) == "" {
		return fmt.Errorf("config: TB_UPSTREAM_TOKEN is required")
	}
	if c.ProjectID <= 0 {
		return fmt.Errorf("config: TB_PROJECT_ID must be positive, got %d", c.ProjectID)
	}
	if strings.TrimSpace(c.MediaRoot) == "" {
		return fmt.Errorf("config: TB_MEDIA_ROOT is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("config: TB_API_KEY is required")
	}
	if c.LeaseTTL <= 0 || c.CooldownTTL <= 0 || c.SyncInterval <= 0 {
		return fmt.Errorf("config: lease TTL, cooldown TTL and sync interval must be positive")
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("config: TB_RATE_PER_SECOND must not be negative")
	}
	return nil
}

// MaskedUpstream returns the upstream base URL with user info removed for logging.
func (c AppConfig) MaskedUpstream() string {
	u, err := url.Parse(c.UpstreamBase)
	if err != nil {
		return "invalid-url-redacted"
	}
	u.User = nil
	return u.String()
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
