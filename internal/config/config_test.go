package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Registry.MaxConnections != 1000 {
		t.Errorf("MaxConnections = %d, want 1000", cfg.Registry.MaxConnections)
	}
	if cfg.Registry.MaxPerAddress != 10 {
		t.Errorf("MaxPerAddress = %d, want 10", cfg.Registry.MaxPerAddress)
	}
	if cfg.Registry.SweepInterval != 60*time.Second {
		t.Errorf("SweepInterval = %v, want 60s", cfg.Registry.SweepInterval)
	}
	if cfg.Registry.InactivityTimeout != 300*time.Second {
		t.Errorf("InactivityTimeout = %v, want 300s", cfg.Registry.InactivityTimeout)
	}
	if cfg.Recovery.Policy != "exponential" {
		t.Errorf("Policy = %s, want exponential", cfg.Recovery.Policy)
	}
	if cfg.Recovery.MaxConnectionTries != 5 {
		t.Errorf("MaxConnectionTries = %d, want 5", cfg.Recovery.MaxConnectionTries)
	}
	if cfg.Recovery.MaxResourceTries != 10 {
		t.Errorf("MaxResourceTries = %d, want 10", cfg.Recovery.MaxResourceTries)
	}
	if cfg.Recovery.BreakerCooldown != 60*time.Second {
		t.Errorf("BreakerCooldown = %v, want 60s", cfg.Recovery.BreakerCooldown)
	}
	if cfg.Recovery.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.Recovery.FailureThreshold)
	}
	if cfg.Monitor.Interval != 30*time.Second {
		t.Errorf("Monitor.Interval = %v, want 30s", cfg.Monitor.Interval)
	}
	if cfg.Monitor.Retention != 24*time.Hour {
		t.Errorf("Monitor.Retention = %v, want 24h", cfg.Monitor.Retention)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("OSYNC_PORT", "9090")
	os.Setenv("OSYNC_MAX_CONNECTIONS", "50")
	os.Setenv("OSYNC_LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("OSYNC_PORT")
		os.Unsetenv("OSYNC_MAX_CONNECTIONS")
		os.Unsetenv("OSYNC_LOG_LEVEL")
	}()

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Registry.MaxConnections != 50 {
		t.Errorf("MaxConnections = %d, want 50", cfg.Registry.MaxConnections)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
host: "127.0.0.1"
port: 8888
log:
  level: warn
  format: json
registry:
  max_connections: 200
  max_per_address: 4
recovery:
  policy: linear
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %s, want 127.0.0.1", cfg.Host)
	}
	if cfg.Registry.MaxConnections != 200 {
		t.Errorf("MaxConnections = %d, want 200", cfg.Registry.MaxConnections)
	}
	if cfg.Recovery.Policy != "linear" {
		t.Errorf("Policy = %s, want linear", cfg.Recovery.Policy)
	}
	// Untouched sections keep defaults.
	if cfg.Monitor.Interval != 30*time.Second {
		t.Errorf("Monitor.Interval = %v, want 30s", cfg.Monitor.Interval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Port = 0 },
			wantErr: "port",
		},
		{
			name:    "per-address exceeds global",
			mutate:  func(c *Config) { c.Registry.MaxPerAddress = c.Registry.MaxConnections + 1 },
			wantErr: "max_per_address",
		},
		{
			name:    "bad retry policy",
			mutate:  func(c *Config) { c.Recovery.Policy = "random" },
			wantErr: "retry policy",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Bus.Type = "kafka" },
			wantErr: "kafka_brokers",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: "log level",
		},
		{
			name:    "inactivity below sweep",
			mutate:  func(c *Config) { c.Registry.InactivityTimeout = c.Registry.SweepInterval },
			wantErr: "inactivity_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	cfg := &Config{Host: "10.0.0.1", Port: 7070}
	if got := cfg.Address(); got != "10.0.0.1:7070" {
		t.Errorf("Address() = %q, want 10.0.0.1:7070", got)
	}
}
