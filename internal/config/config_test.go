package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/ix-interface/internal/config"
	"github.com/omochice/ix-interface/internal/relation"
)

const sample = `
listen: ":9000"
env: production
log_level: debug
handshake_timeout: 2s
heartbeat_interval: 10s
idle_timeout: 30s
write_timeout: 1s
max_consecutive_failures: 5
outbox_size: 32
redis_url: redis://localhost:6379/0
allowed_origins: ["https://ops.example.com"]
credentials:
  - username: dev_xapp_cg
    password: 35gJ3iHZAj3QuiAruK5hEg
  - username: dev_xapp_remote
    password: peer-secret
relations:
  - id: rel4f649bfaa044e472
    a: dev_xapp_cg
    b: dev_xapp_remote
local_consumers:
  - identity: dev_xapp_cg
    kind: redis
  - identity: dev_xapp_remote
    kind: log
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// chdir runs the test in an empty directory so no stray .env is loaded.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 3, cfg.MaxConsecutiveFailures)
}

func TestLoad_File(t *testing.T) {
	chdir(t)

	cfg, err := config.Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, []relation.Relation{{ID: "rel4f649bfaa044e472", A: "dev_xapp_cg", B: "dev_xapp_remote"}}, cfg.Relations)
	assert.Equal(t, "peer-secret", cfg.Secrets()["dev_xapp_remote"])

	mc := cfg.Manager()
	assert.Equal(t, 30*time.Second, mc.IdleTimeout)
	assert.Equal(t, 5, mc.MaxConsecutiveFailures)
	assert.Equal(t, 32, mc.OutboxSize)

	specs := cfg.ConsumerSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, "redis", specs[0].Kind)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t)
	t.Setenv("IX_LISTEN", ":7000")
	t.Setenv("IX_IDLE_TIMEOUT", "45s")
	t.Setenv("IX_ALLOWED_ORIGINS", "a.example.com,b.example.com")

	cfg, err := config.Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 45*time.Second, cfg.IdleTimeout)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.AllowedOrigins)
	// Values without an override keep the file's.
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("IX_LOG_LEVEL=warn\n"), 0o600))
	// godotenv sets variables on the process; make sure it is cleared.
	t.Setenv("IX_LOG_LEVEL", "")
	os.Unsetenv("IX_LOG_LEVEL")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, cfg.Level())
}

func TestLoad_MissingFile(t *testing.T) {
	chdir(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *config.Config)
	}{
		{name: "empty listen", modify: func(c *config.Config) { c.Listen = "" }},
		{name: "bad env", modify: func(c *config.Config) { c.Env = "staging" }},
		{name: "bad log level", modify: func(c *config.Config) { c.LogLevel = "loud" }},
		{name: "zero handshake", modify: func(c *config.Config) { c.HandshakeTimeout = 0 }},
		{name: "heartbeat not below idle", modify: func(c *config.Config) { c.HeartbeatInterval = c.IdleTimeout }},
		{name: "zero outbox", modify: func(c *config.Config) { c.OutboxSize = 0 }},
		{name: "duplicate credential", modify: func(c *config.Config) {
			c.Credentials = []config.Credential{{Username: "a", Password: "x"}, {Username: "a", Password: "y"}}
		}},
		{name: "self relation", modify: func(c *config.Config) {
			c.Relations = []relation.Relation{{ID: "r", A: "a", B: "a"}}
		}},
		{name: "redis consumer without url", modify: func(c *config.Config) {
			c.LocalConsumers = []config.LocalConsumer{{Identity: "a", Kind: "redis"}}
		}},
		{name: "unknown consumer kind", modify: func(c *config.Config) {
			c.LocalConsumers = []config.LocalConsumer{{Identity: "a", Kind: "kafka"}}
		}},
		{name: "production without credentials", modify: func(c *config.Config) { c.Env = "production" }},
	}

	assert.NoError(t, config.Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
