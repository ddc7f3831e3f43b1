// Package config loads typed configuration for the workflow engine process
// from a YAML file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the ambient observability HTTP surface
// (/healthz, /metrics) — not the business gateway, which is out of scope.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the shared relational store.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls process-wide structured logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// EngineConfig carries the operational knobs enumerated in spec §6.
type EngineConfig struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds" env:"ENGINE_HEARTBEAT_INTERVAL_SECONDS"`
	LivenessWindowSeconds    int `json:"liveness_window_seconds" yaml:"liveness_window_seconds" env:"ENGINE_LIVENESS_WINDOW_SECONDS"`
	SchedulerSweepSeconds    int `json:"scheduler_sweep_seconds" yaml:"scheduler_sweep_seconds" env:"ENGINE_SCHEDULER_SWEEP_SECONDS"`
	InstanceLockTTLSeconds   int `json:"instance_lock_ttl_seconds" yaml:"instance_lock_ttl_seconds" env:"ENGINE_INSTANCE_LOCK_TTL_SECONDS"`
	MutexLockTTLSeconds      int `json:"mutex_lock_ttl_seconds" yaml:"mutex_lock_ttl_seconds" env:"ENGINE_MUTEX_LOCK_TTL_SECONDS"`
	MaxLoopIterations        int `json:"max_loop_iterations" yaml:"max_loop_iterations" env:"ENGINE_MAX_LOOP_ITERATIONS"`
	DefaultMaxRetries        int `json:"default_max_retries" yaml:"default_max_retries" env:"ENGINE_DEFAULT_MAX_RETRIES"`
}

// HeartbeatInterval returns the configured heartbeat interval as a duration.
func (e EngineConfig) HeartbeatInterval() time.Duration {
	return time.Duration(e.HeartbeatIntervalSeconds) * time.Second
}

// LivenessWindow returns the configured liveness window as a duration.
func (e EngineConfig) LivenessWindow() time.Duration {
	return time.Duration(e.LivenessWindowSeconds) * time.Second
}

// SchedulerSweep returns the configured sweep cadence as a duration.
func (e EngineConfig) SchedulerSweep() time.Duration {
	return time.Duration(e.SchedulerSweepSeconds) * time.Second
}

// InstanceLockTTL returns the configured per-instance lock TTL as a duration.
func (e EngineConfig) InstanceLockTTL() time.Duration {
	return time.Duration(e.InstanceLockTTLSeconds) * time.Second
}

// MutexLockTTL returns the configured mutex lock TTL as a duration.
func (e EngineConfig) MutexLockTTL() time.Duration {
	return time.Duration(e.MutexLockTTLSeconds) * time.Second
}

// Config is the top-level configuration structure for the engine process.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
}

// New returns a configuration populated with the defaults from spec §6.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Engine: EngineConfig{
			HeartbeatIntervalSeconds: 30,
			LivenessWindowSeconds:    120,
			SchedulerSweepSeconds:    30,
			InstanceLockTTLSeconds:   60,
			MutexLockTTLSeconds:      300,
			MaxLoopIterations:        1000,
			DefaultMaxRetries:        3,
		},
	}
}

// ConnectionString builds a PostgreSQL DSN from host parameters when an
// explicit DSN was not supplied.
func (c DatabaseConfig) ConnectionString() string {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, applying defaults for
// anything the file omits.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	if c.Engine.HeartbeatIntervalSeconds <= 0 {
		c.Engine.HeartbeatIntervalSeconds = 30
	}
	if c.Engine.LivenessWindowSeconds <= 0 {
		c.Engine.LivenessWindowSeconds = 120
	}
	if c.Engine.LivenessWindowSeconds < 3*c.Engine.HeartbeatIntervalSeconds {
		c.Engine.LivenessWindowSeconds = 3 * c.Engine.HeartbeatIntervalSeconds
	}
	if c.Engine.SchedulerSweepSeconds <= 0 {
		c.Engine.SchedulerSweepSeconds = 30
	}
	if c.Engine.InstanceLockTTLSeconds <= 0 {
		c.Engine.InstanceLockTTLSeconds = 60
	}
	if c.Engine.MutexLockTTLSeconds <= 0 {
		c.Engine.MutexLockTTLSeconds = 300
	}
	if c.Engine.MaxLoopIterations <= 0 {
		c.Engine.MaxLoopIterations = 1000
	}
	if c.Engine.DefaultMaxRetries <= 0 {
		c.Engine.DefaultMaxRetries = 3
	}
}
