package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// BrokerConfig holds Redis connection settings
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns the host:port address for the broker
func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// DatabaseConfig holds task repository settings. Driver selects the
// implementation: "mysql" for the shared cluster store, "bolt" for the
// embedded single-box store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	BoltPath string `yaml:"bolt_path"`
}

// DSN builds the MySQL data source name
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=Local",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// DispatchConfig holds the scheduler tunables
type DispatchConfig struct {
	PendingDrainInterval Duration `yaml:"pending_drain_interval"`
	ReclaimInterval      Duration `yaml:"reclaim_interval"`
	StuckThreshold       Duration `yaml:"stuck_threshold"`
	NodeCapacity         int      `yaml:"node_capacity"`
	MaxRetryAttempts     int      `yaml:"max_retry_attempts"`
	LivenessWindow       Duration `yaml:"liveness_window"`
	SelectionShards      int      `yaml:"selection_shards"`
	DefaultLockTTL       Duration `yaml:"default_lock_ttl"`
	DefaultLockWait      Duration `yaml:"default_lock_wait"`
}

// AgentConfig holds the worker agent's identity and limits
type AgentConfig struct {
	NodeID             string   `yaml:"node_id"`
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	GPUAvailable       bool     `yaml:"gpu_available"`
}

// Config is the top-level configuration for lingod
type Config struct {
	LogLevel    string         `yaml:"log_level"`
	LogJSON     bool           `yaml:"log_json"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Broker      BrokerConfig   `yaml:"broker"`
	Database    DatabaseConfig `yaml:"database"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	Agent       AgentConfig    `yaml:"agent"`
}

// Default returns a Config populated with the platform defaults
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Broker: BrokerConfig{
			Host: "localhost",
			Port: 6379,
		},
		Database: DatabaseConfig{
			Driver:   "mysql",
			Host:     "localhost",
			Port:     3306,
			Name:     "giggle_translation",
			User:     "root",
			BoltPath: "lingo.db",
		},
		Dispatch: DispatchConfig{
			PendingDrainInterval: Duration(30 * time.Second),
			ReclaimInterval:      Duration(300 * time.Second),
			StuckThreshold:       Duration(30 * time.Minute),
			NodeCapacity:         10,
			MaxRetryAttempts:     10,
			LivenessWindow:       Duration(5 * time.Minute),
			SelectionShards:      5,
			DefaultLockTTL:       Duration(30 * time.Second),
			DefaultLockWait:      Duration(5 * time.Second),
		},
		Agent: AgentConfig{
			NodeID:             "whisper-node-1",
			Host:               "localhost",
			Port:               8001,
			MaxConcurrentTasks: 3,
			HeartbeatInterval:  Duration(30 * time.Second),
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides on top. An empty path loads defaults + env only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment variables used across the platform's
// deployments. Names match the worker fleet's existing .env contract.
func (c *Config) applyEnv() {
	envString("REDIS_HOST", &c.Broker.Host)
	envInt("REDIS_PORT", &c.Broker.Port)
	envString("REDIS_PASSWORD", &c.Broker.Password)
	envInt("REDIS_DB", &c.Broker.DB)

	envString("DB_HOST", &c.Database.Host)
	envInt("DB_PORT", &c.Database.Port)
	envString("DB_NAME", &c.Database.Name)
	envString("DB_USER", &c.Database.User)
	envString("DB_PASSWORD", &c.Database.Password)

	envString("NODE_ID", &c.Agent.NodeID)
	envString("HOST", &c.Agent.Host)
	envInt("PORT", &c.Agent.Port)
	envInt("MAX_CONCURRENT_TASKS", &c.Agent.MaxConcurrentTasks)
	envSeconds("HEARTBEAT_INTERVAL", &c.Agent.HeartbeatInterval)

	envString("LINGO_LOG_LEVEL", &c.LogLevel)
	envString("LINGO_METRICS_ADDR", &c.MetricsAddr)
}

// Validate rejects configurations the scheduler cannot run with
func (c *Config) Validate() error {
	if c.Dispatch.NodeCapacity <= 0 {
		return fmt.Errorf("dispatch.node_capacity must be positive")
	}
	if c.Dispatch.MaxRetryAttempts < 0 {
		return fmt.Errorf("dispatch.max_retry_attempts must be non-negative")
	}
	if c.Dispatch.SelectionShards <= 0 {
		return fmt.Errorf("dispatch.selection_shards must be positive")
	}
	if c.Dispatch.LivenessWindow.Std() <= 0 {
		return fmt.Errorf("dispatch.liveness_window must be positive")
	}
	switch c.Database.Driver {
	case "mysql", "bolt":
	default:
		return fmt.Errorf("database.driver must be \"mysql\" or \"bolt\", got %q", c.Database.Driver)
	}
	return nil
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envSeconds reads a bare-seconds env value (the worker fleet convention)
func envSeconds(name string, dst *Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = Duration(time.Duration(n) * time.Second)
		}
	}
}
