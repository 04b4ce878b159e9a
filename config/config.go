package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the realtime gateway instance
type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`    // WebSocket listen address (e.g., ":8090")
	AdvertiseAddr string `yaml:"advertise_addr"` // Address advertised to peers via presence
}

// AdmissionConfig holds the governor thresholds. Every field is tunable:
// production deployments have needed very different per-source caps depending
// on how many tabs a single office opens.
type AdmissionConfig struct {
	MaxConnections      int     `yaml:"max_connections"`
	MaxPerSource        int     `yaml:"max_per_source"`
	MinAdmitIntervalMs  int     `yaml:"min_admit_interval_ms"`
	IdleTimeoutMs       int     `yaml:"idle_timeout_ms"`
	IdleSweepIntervalMs int     `yaml:"idle_sweep_interval_ms"`
	EmergencySweepMs    int     `yaml:"emergency_sweep_interval_ms"`
	HighWaterFraction   float64 `yaml:"high_water_fraction"`
	EvictFraction       float64 `yaml:"evict_fraction"`
}

// EtcdConfig holds etcd-specific configuration for gateway presence
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// PostgresConfig holds PostgreSQL database connection configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"` // Use "require" in production
}

// JobConfig describes one background snapshot-refresh job
type JobConfig struct {
	Key             string `yaml:"key"`              // dedup lock key, unique per job
	Source          string `yaml:"source"`           // upstream dataset name (census, hud, bls, ...)
	Region          string `yaml:"region"`           // region identifier the snapshot covers
	IntervalSeconds int    `yaml:"interval_seconds"` // how often the job becomes due
	LockTTLSeconds  int    `yaml:"lock_ttl_seconds"` // dedup lock TTL; must exceed a normal run
}

// Config is the root configuration structure
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Admission AdmissionConfig `yaml:"admission"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Jobs      []JobConfig     `yaml:"jobs"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen_addr is required")
	}
	if c.Server.AdvertiseAddr == "" {
		return fmt.Errorf("server advertise_addr is required")
	}

	if c.Admission.MaxConnections < 0 {
		return fmt.Errorf("admission max_connections cannot be negative")
	}
	if c.Admission.MaxPerSource < 0 {
		return fmt.Errorf("admission max_per_source cannot be negative")
	}
	if c.Admission.HighWaterFraction < 0 || c.Admission.HighWaterFraction > 1 {
		return fmt.Errorf("admission high_water_fraction must be in [0,1], got %f", c.Admission.HighWaterFraction)
	}
	if c.Admission.EvictFraction < 0 || c.Admission.EvictFraction > 1 {
		return fmt.Errorf("admission evict_fraction must be in [0,1], got %f", c.Admission.EvictFraction)
	}

	if len(c.Etcd.Endpoints) > 0 && c.Etcd.Prefix == "" {
		return fmt.Errorf("etcd prefix is required when endpoints are configured")
	}

	// Validate jobs
	jobKeys := make(map[string]bool)
	for i, job := range c.Jobs {
		if job.Key == "" {
			return fmt.Errorf("job %d: key is required", i)
		}
		if jobKeys[job.Key] {
			return fmt.Errorf("duplicate job key: %s", job.Key)
		}
		jobKeys[job.Key] = true

		if job.Source == "" {
			return fmt.Errorf("job %s: source is required", job.Key)
		}
		if job.IntervalSeconds <= 0 {
			return fmt.Errorf("job %s: interval_seconds must be positive", job.Key)
		}
		if job.LockTTLSeconds <= 0 {
			return fmt.Errorf("job %s: lock_ttl_seconds must be positive", job.Key)
		}
	}

	return nil
}

// GetJobByKey finds a job configuration by its key
func (c *Config) GetJobByKey(key string) (*JobConfig, error) {
	for i := range c.Jobs {
		if c.Jobs[i].Key == key {
			return &c.Jobs[i], nil
		}
	}
	return nil, fmt.Errorf("job with key %q not found", key)
}

// GetEtcdAddress returns the first etcd endpoint address.
// Returns empty string if presence is not configured.
func (c *Config) GetEtcdAddress() string {
	if len(c.Etcd.Endpoints) > 0 {
		return c.Etcd.Endpoints[0]
	}
	return ""
}
