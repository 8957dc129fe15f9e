package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, DriverMemory, cfg.Broker.Driver)
	assert.Equal(t, DriverMemory, cfg.Cursor.Driver)
	assert.Equal(t, 256, cfg.Session.QueueSize)
	assert.Equal(t, 60*time.Second, cfg.Session.PongWait)
	assert.Equal(t, 54*time.Second, cfg.Session.PingInterval)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	err := cfg.Validate()
	require.Error(t, err, "the defaults carry no secret")
	assert.Contains(t, err.Error(), "auth.secret is required")

	cfg.Auth.Secret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9090"
  allowed_origins: ["https://chat.example.com"]
auth:
  secret: from-file
  issuer: gochat
session:
  queue_size: 64
  idle_timeout: 2m
broker:
  driver: redis
  redis_addrs: ["redis-a:6379", "redis-b:6379"]
  max_len: 10000
cursor:
  driver: badger
  dir: /var/lib/gochat
  node_id: node-1
log:
  level: debug
  format: console
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "from-file", cfg.Auth.Secret)
	assert.Equal(t, 64, cfg.Session.QueueSize)
	assert.Equal(t, 2*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, DriverRedis, cfg.Broker.Driver)
	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Broker.RedisAddrs)
	assert.Equal(t, int64(10000), cfg.Broker.MaxLen)
	assert.Equal(t, "node-1", cfg.Cursor.NodeID)
	assert.Equal(t, "console", cfg.Log.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Session.WriteWait)
	assert.Equal(t, 3, cfg.Broker.PublishAttempts)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	path := writeConfigFile(t, `
auth:
  secret: from-file
session:
  queue_size: 64
`)
	t.Setenv("GOCHAT_AUTH_SECRET", "from-env")
	t.Setenv("GOCHAT_SESSION_QUEUE_SIZE", "32")
	t.Setenv("GOCHAT_SESSION_PUBLISH_TIMEOUT", "750ms")
	t.Setenv("GOCHAT_SERVER_ALLOWED_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("GOCHAT_METRICS_ENABLED", "false")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, 32, cfg.Session.QueueSize)
	assert.Equal(t, 750*time.Millisecond, cfg.Session.PublishTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.Metrics.Enabled)
	// PATH is set in every environment and must not leak into the config.
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfigFile(t, `
auth:
  secret: x
sesion:
  queue_size: 1
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config from file")
}

func TestLoadConfigEmptyFile(t *testing.T) {
	path := writeConfigFile(t, "")
	t.Setenv("GOCHAT_AUTH_SECRET", "x")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := NewConfig()
	cfg.Auth.Secret = "x"
	cfg.Session.PingInterval = cfg.Session.PongWait
	cfg.Broker.Driver = "kafka"
	cfg.Cursor.Driver = DriverBadger
	cfg.Cursor.NodeID = ""
	cfg.Log.Level = "chatty"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "ping_interval")
	assert.Contains(t, msg, `unknown broker.driver "kafka"`)
	assert.Contains(t, msg, "cursor.node_id is required")
	assert.Contains(t, msg, "invalid log level")
}

func TestSettingsConversion(t *testing.T) {
	cfg := NewConfig()
	cfg.Session.ActivateOnConnect = true
	cfg.Session.MaxPayloadBytes = 1024
	cfg.Broker.BreakerFailures = 9

	session := cfg.SessionSettings()
	assert.True(t, session.ActivateOnConnect)
	assert.Equal(t, 1024, session.MaxPayloadBytes)

	bridge := cfg.BridgeSettings()
	assert.Equal(t, uint32(9), bridge.BreakerFailures)
	assert.Equal(t, 1024, bridge.MaxPayloadBytes)
}
