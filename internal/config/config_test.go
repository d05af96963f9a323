// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TB_UPSTREAM_BASE", "http://labelstudio:8080")
	t.Setenv("TB_UPSTREAM_TOKEN", "secret-token")
	t.Setenv("TB_MEDIA_ROOT", t.TempDir())
	t.Setenv("TB_API_KEY", "hunter2")
}

func TestLoadDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := Load("", "test")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.ProjectID)
	assert.Equal(t, time.Hour, cfg.LeaseTTL)
	assert.Equal(t, 30*time.Minute, cfg.CooldownTTL)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 0.05, cfg.RatePerSecond)
	assert.Equal(t, ":8010", cfg.ListenAddr)
	assert.Equal(t, time.Second, cfg.KVTimeout)
	assert.Equal(t, 2*time.Second, cfg.SQLTimeout)
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	validEnv(t)
	t.Setenv("TB_PROJECT_ID", "7")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("projectId: 3\nlistenAddr: \":9999\"\n"), 0o600))

	cfg, err := Load(path, "test")
	require.NoError(t, err)

	// ENV wins over file, file wins over defaults.
	assert.Equal(t, 7, cfg.ProjectID)
	assert.Equal(t, ":9999", cfg.ListenAddr)
}

func TestLoadDurationSecondsCompat(t *testing.T) {
	validEnv(t)
	t.Setenv("TB_LEASE_TTL", "3600")
	t.Setenv("TB_COOLDOWN_TTL", "90s")

	cfg, err := Load("", "test")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.LeaseTTL)
	assert.Equal(t, 90*time.Second, cfg.CooldownTTL)
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"upstream base": func(c *AppConfig) { c.UpstreamBase = "" },
		"bad upstream":  func(c *AppConfig) { c.UpstreamBase = "not a url" },
		"token":         func(c *AppConfig) { c.UpstreamToken = "" },
		"media root":    func(c *AppConfig) { c.MediaRoot = "" },
		"api key":       func(c *AppConfig) { c.APIKey = "" },
		"project id":    func(c *AppConfig) { c.ProjectID = 0 },
		"lease ttl":     func(c *AppConfig) { c.LeaseTTL = 0 },
		"rate":          func(c *AppConfig) { c.RatePerSecond = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			cfg.UpstreamBase = "http://ls:8080"
			cfg.UpstreamToken = "tok"
			cfg.MediaRoot = "/data/audio"
			cfg.APIKey = "k"
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMaskedUpstream(t *testing.T) {
	cfg := Defaults()
	cfg.UpstreamBase = "http://user:pass@ls:8080"
	assert.Equal(t, "http://ls:8080", cfg.MaskedUpstream())
}

func TestAllowedOriginsCSV(t *testing.T) {
	validEnv(t)
	t.Setenv("TB_ALLOWED_ORIGINS", "http://a.example, http://b.example ,")

	cfg, err := Load("", "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
}
