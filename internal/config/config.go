// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"OSYNC_HOST" yaml:"host"`
	Port int    `envconfig:"OSYNC_PORT" yaml:"port"`

	// Registry configuration
	Registry RegistryConfig `yaml:"registry"`

	// Recovery configuration
	Recovery RecoveryConfig `yaml:"recovery"`

	// Sync service configuration
	Sync SyncConfig `yaml:"sync"`

	// Monitor configuration
	Monitor MonitorConfig `yaml:"monitor"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Logging configuration
	Log LogConfig `yaml:"log"`
}

// RegistryConfig holds connection registry settings.
type RegistryConfig struct {
	MaxConnections    int           `envconfig:"OSYNC_MAX_CONNECTIONS" yaml:"max_connections"`
	MaxPerAddress     int           `envconfig:"OSYNC_MAX_PER_ADDRESS" yaml:"max_per_address"`
	SweepInterval     time.Duration `envconfig:"OSYNC_SWEEP_INTERVAL" yaml:"sweep_interval"`
	InactivityTimeout time.Duration `envconfig:"OSYNC_INACTIVITY_TIMEOUT" yaml:"inactivity_timeout"`
	AdmissionTimeout  time.Duration `envconfig:"OSYNC_ADMISSION_TIMEOUT" yaml:"admission_timeout"`
	AdmitRatePerSec   float64       `envconfig:"OSYNC_ADMIT_RATE" yaml:"admit_rate_per_sec"`
	AdmitBurst        int           `envconfig:"OSYNC_ADMIT_BURST" yaml:"admit_burst"`
}

// RecoveryConfig holds fault recovery settings.
type RecoveryConfig struct {
	Policy             string        `envconfig:"OSYNC_RETRY_POLICY" yaml:"policy"` // immediate, linear, exponential
	InitialDelay       time.Duration `envconfig:"OSYNC_RETRY_INITIAL_DELAY" yaml:"initial_delay"`
	MaxDelay           time.Duration `envconfig:"OSYNC_RETRY_MAX_DELAY" yaml:"max_delay"`
	Multiplier         float64       `envconfig:"OSYNC_RETRY_MULTIPLIER" yaml:"multiplier"`
	MaxConnectionTries int           `envconfig:"OSYNC_RETRY_MAX_CONNECTION" yaml:"max_connection_tries"`
	MaxResourceTries   int           `envconfig:"OSYNC_RETRY_MAX_RESOURCE" yaml:"max_resource_tries"`
	BreakerCooldown    time.Duration `envconfig:"OSYNC_BREAKER_COOLDOWN" yaml:"breaker_cooldown"`
	HealthInterval     time.Duration `envconfig:"OSYNC_HEALTH_INTERVAL" yaml:"health_interval"`
	FailureThreshold   int           `envconfig:"OSYNC_FAILURE_THRESHOLD" yaml:"failure_threshold"`
	PingTimeout        time.Duration `envconfig:"OSYNC_PING_TIMEOUT" yaml:"ping_timeout"`
}

// SyncConfig holds realtime sync settings.
type SyncConfig struct {
	Topic        string        `envconfig:"OSYNC_SYNC_TOPIC" yaml:"topic"`
	AuditTimeout time.Duration `envconfig:"OSYNC_AUDIT_TIMEOUT" yaml:"audit_timeout"`
}

// MonitorConfig holds system monitor settings.
type MonitorConfig struct {
	Interval          time.Duration `envconfig:"OSYNC_MONITOR_INTERVAL" yaml:"interval"`
	Retention         time.Duration `envconfig:"OSYNC_MONITOR_RETENTION" yaml:"retention"`
	CPUThreshold      float64       `envconfig:"OSYNC_CPU_THRESHOLD" yaml:"cpu_threshold"`
	MemoryThreshold   float64       `envconfig:"OSYNC_MEMORY_THRESHOLD" yaml:"memory_threshold"`
	PoolThreshold     float64       `envconfig:"OSYNC_POOL_THRESHOLD" yaml:"pool_threshold"`
	LatencyThreshold  time.Duration `envconfig:"OSYNC_LATENCY_THRESHOLD" yaml:"latency_threshold"`
	AlertRetention    time.Duration `envconfig:"OSYNC_ALERT_RETENTION" yaml:"alert_retention"`
	HistoryRedisURL   string        `envconfig:"OSYNC_HISTORY_REDIS_URL" yaml:"history_redis_url"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type          string `envconfig:"OSYNC_BUS_TYPE" yaml:"type"` // memory, kafka
	KafkaBrokers  string `envconfig:"OSYNC_KAFKA_BROKERS" yaml:"kafka_brokers"`
	ConsumerGroup string `envconfig:"OSYNC_KAFKA_GROUP" yaml:"consumer_group"`
}

// StoreConfig holds relational store settings.
type StoreConfig struct {
	DSN          string        `envconfig:"OSYNC_STORE_DSN" yaml:"dsn"`
	MaxOpenConns int           `envconfig:"OSYNC_STORE_MAX_OPEN" yaml:"max_open_conns"`
	MaxIdleConns int           `envconfig:"OSYNC_STORE_MAX_IDLE" yaml:"max_idle_conns"`
	PingTimeout  time.Duration `envconfig:"OSYNC_STORE_PING_TIMEOUT" yaml:"ping_timeout"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	RedisURL    string        `envconfig:"OSYNC_REDIS_URL" yaml:"redis_url"`
	PingTimeout time.Duration `envconfig:"OSYNC_CACHE_PING_TIMEOUT" yaml:"ping_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"OSYNC_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"OSYNC_LOG_FORMAT" yaml:"format"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080

	cfg.Registry = RegistryConfig{
		MaxConnections:    1000,
		MaxPerAddress:     10,
		SweepInterval:     60 * time.Second,
		InactivityTimeout: 300 * time.Second,
		AdmissionTimeout:  5 * time.Second,
		AdmitRatePerSec:   20,
		AdmitBurst:        40,
	}

	cfg.Recovery = RecoveryConfig{
		Policy:             "exponential",
		InitialDelay:       time.Second,
		MaxDelay:           30 * time.Second,
		Multiplier:         2.0,
		MaxConnectionTries: 5,
		MaxResourceTries:   10,
		BreakerCooldown:    60 * time.Second,
		HealthInterval:     30 * time.Second,
		FailureThreshold:   5,
		PingTimeout:        5 * time.Second,
	}

	cfg.Sync = SyncConfig{
		Topic:        "sync.events",
		AuditTimeout: 5 * time.Second,
	}

	cfg.Monitor = MonitorConfig{
		Interval:         30 * time.Second,
		Retention:        24 * time.Hour,
		CPUThreshold:     85,
		MemoryThreshold:  90,
		PoolThreshold:    80,
		LatencyThreshold: time.Second,
		AlertRetention:   time.Hour,
	}

	cfg.Bus = BusConfig{
		Type:          "memory",
		ConsumerGroup: "office-sync",
	}

	cfg.Store = StoreConfig{
		MaxOpenConns: 20,
		MaxIdleConns: 5,
		PingTimeout:  5 * time.Second,
	}

	cfg.Cache = CacheConfig{
		PingTimeout: 5 * time.Second,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	if c.Registry.MaxConnections < 1 {
		errs = append(errs, "registry max_connections must be positive")
	}

	if c.Registry.MaxPerAddress < 1 {
		errs = append(errs, "registry max_per_address must be positive")
	}

	if c.Registry.MaxPerAddress > c.Registry.MaxConnections {
		errs = append(errs, "registry max_per_address cannot exceed max_connections")
	}

	if c.Registry.InactivityTimeout <= c.Registry.SweepInterval {
		errs = append(errs, "registry inactivity_timeout must exceed sweep_interval")
	}

	validPolicies := map[string]bool{"immediate": true, "linear": true, "exponential": true}
	if !validPolicies[c.Recovery.Policy] {
		errs = append(errs, fmt.Sprintf("invalid retry policy: %s (must be immediate, linear, or exponential)", c.Recovery.Policy))
	}

	if c.Recovery.Multiplier < 1 {
		errs = append(errs, "retry multiplier must be at least 1")
	}

	if c.Recovery.MaxConnectionTries < 1 || c.Recovery.MaxResourceTries < 1 {
		errs = append(errs, "retry budgets must be positive")
	}

	if c.Recovery.FailureThreshold < 1 {
		errs = append(errs, "failure_threshold must be positive")
	}

	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}

	if c.Bus.Type == "kafka" && c.Bus.KafkaBrokers == "" {
		errs = append(errs, "kafka_brokers required when bus type is kafka")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if c.Monitor.Interval < time.Second {
		errs = append(errs, "monitor interval must be at least 1s")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
