package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.Broker.Addr())
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.Dispatch.NodeCapacity)
	assert.Equal(t, 10, cfg.Dispatch.MaxRetryAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Dispatch.StuckThreshold.Std())
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.LivenessWindow.Std())
	assert.Equal(t, 3, cfg.Agent.MaxConcurrentTasks)
	assert.Equal(t, 30*time.Second, cfg.Agent.HeartbeatInterval.Std())

	require.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lingo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
broker:
  host: redis.internal
  port: 6380
database:
  driver: bolt
  bolt_path: /var/lib/lingo/lingo.db
dispatch:
  pending_drain_interval: 10s
  stuck_threshold: 15m
  node_capacity: 4
agent:
  node_id: whisper-node-7
  max_concurrent_tasks: 2
  heartbeat_interval: 20s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "redis.internal:6380", cfg.Broker.Addr())
	assert.Equal(t, "bolt", cfg.Database.Driver)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.PendingDrainInterval.Std())
	assert.Equal(t, 15*time.Minute, cfg.Dispatch.StuckThreshold.Std())
	assert.Equal(t, 4, cfg.Dispatch.NodeCapacity)
	assert.Equal(t, "whisper-node-7", cfg.Agent.NodeID)
	assert.Equal(t, 2, cfg.Agent.MaxConcurrentTasks)
	assert.Equal(t, 20*time.Second, cfg.Agent.HeartbeatInterval.Std())

	// Unspecified fields keep their defaults.
	assert.Equal(t, 10, cfg.Dispatch.MaxRetryAttempts)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lingo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  stuck_threshold: soon\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "broker.prod")
	t.Setenv("REDIS_PORT", "6390")
	t.Setenv("DB_NAME", "translation_prod")
	t.Setenv("NODE_ID", "whisper-node-42")
	t.Setenv("MAX_CONCURRENT_TASKS", "5")
	t.Setenv("HEARTBEAT_INTERVAL", "45")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "broker.prod:6390", cfg.Broker.Addr())
	assert.Equal(t, "translation_prod", cfg.Database.Name)
	assert.Equal(t, "whisper-node-42", cfg.Agent.NodeID)
	assert.Equal(t, 5, cfg.Agent.MaxConcurrentTasks)
	// Worker fleet convention: bare seconds.
	assert.Equal(t, 45*time.Second, cfg.Agent.HeartbeatInterval.Std())
}

func TestEnvIgnoresUnparsableInt(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-port")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6379, cfg.Broker.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero node capacity", func(c *Config) { c.Dispatch.NodeCapacity = 0 }},
		{"negative retries", func(c *Config) { c.Dispatch.MaxRetryAttempts = -1 }},
		{"zero shards", func(c *Config) { c.Dispatch.SelectionShards = 0 }},
		{"zero liveness window", func(c *Config) { c.Dispatch.LivenessWindow = 0 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMySQLDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     3306,
		Name:     "giggle_translation",
		User:     "lingo",
		Password: "hunter2",
	}
	assert.Equal(t,
		"lingo:hunter2@tcp(db.internal:3306)/giggle_translation?charset=utf8mb4&parseTime=true&loc=Local",
		cfg.DSN())
}
