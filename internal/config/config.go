// Package config loads and watches the server configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// yaml.v3 happily renders integer scalars as strings, so the tag has
	// to be checked before the string path.
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration value: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Encoding    string `yaml:"encoding"`
}

// AuthConfig configures JWT issuance and revocation.
type AuthConfig struct {
	Secret          string   `yaml:"secret"`
	Issuer          string   `yaml:"issuer"`
	Audience        string   `yaml:"audience"`
	AccessTTL       Duration `yaml:"access_ttl"`
	RefreshTTL      Duration `yaml:"refresh_ttl"`
	RevocationCache int      `yaml:"revocation_cache"`
	DefaultBehavior string   `yaml:"default_behavior"`
}

// RegistryConfig configures the agent registry.
type RegistryConfig struct {
	MaxAgents           int      `yaml:"max_agents"`
	AllowReregistration bool     `yaml:"allow_reregistration"`
	TokenTTL            Duration `yaml:"token_ttl"`
}

// HeartbeatConfig configures liveness monitoring.
type HeartbeatConfig struct {
	ExpectedInterval Duration `yaml:"expected_interval"`
	MissedThreshold  int      `yaml:"missed_threshold"`
	CheckInterval    Duration `yaml:"check_interval"`
	AutoRemoveStale  bool     `yaml:"auto_remove_stale"`
	StaleTimeout     Duration `yaml:"stale_timeout"`
}

// RegistrationConfig configures agent admission.
type RegistrationConfig struct {
	Policy               string   `yaml:"policy"`
	RequiredCapabilities []string `yaml:"required_capabilities"`
	MinimumAppVersion    string   `yaml:"minimum_app_version"`
	SerialWhitelist      []string `yaml:"serial_whitelist"`
	HostnamePattern      string   `yaml:"hostname_pattern"`
}

// DistributionConfig configures policy rollout.
type DistributionConfig struct {
	MaxConcurrent          int      `yaml:"max_concurrent"`
	AcknowledgementTimeout Duration `yaml:"acknowledgement_timeout"`
	MinimumSuccessRate     float64  `yaml:"minimum_success_rate"`
	MaxRetryAttempts       int      `yaml:"max_retry_attempts"`
	HistorySize            int      `yaml:"history_size"`
	TransportRetries       int      `yaml:"transport_retries"`
	TransportRetryDelay    Duration `yaml:"transport_retry_delay"`
}

// ComplianceConfig configures scoring.
type ComplianceConfig struct {
	PolicyWeight       float64  `yaml:"policy_weight"`
	HealthWeight       float64  `yaml:"health_weight"`
	ConnectivityWeight float64  `yaml:"connectivity_weight"`
	HeartbeatTimeout   Duration `yaml:"heartbeat_timeout"`
	ScoreCacheTTL      Duration `yaml:"score_cache_ttl"`
}

// AuditConfig configures the audit trails.
type AuditConfig struct {
	MaxEntries    int    `yaml:"max_entries"`
	RecordAllowed bool   `yaml:"record_allowed"`
	FilePath      string `yaml:"file_path"`
	FileMaxSizeMB int    `yaml:"file_max_size_mb"`
	FileMaxAge    int    `yaml:"file_max_age_days"`
	FileBackups   int    `yaml:"file_backups"`
}

// RedisConfig configures the optional Redis revocation backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig configures the optional durable audit store.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig is the full control-plane configuration.
type ServerConfig struct {
	Server       HTTPConfig         `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Auth         AuthConfig         `yaml:"auth"`
	Registry     RegistryConfig     `yaml:"registry"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Registration RegistrationConfig `yaml:"registration"`
	Distribution DistributionConfig `yaml:"distribution"`
	Compliance   ComplianceConfig   `yaml:"compliance"`
	Audit        AuditConfig        `yaml:"audit"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// Default returns the configuration used when no file is supplied.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8443,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(15 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Auth: AuthConfig{
			Issuer:          "macsweep-control-plane",
			AccessTTL:       Duration(time.Hour),
			RefreshTTL:      Duration(7 * 24 * time.Hour),
			RevocationCache: 10000,
			DefaultBehavior: "deny",
		},
		Registry: RegistryConfig{
			MaxAgents:           1000,
			AllowReregistration: true,
			TokenTTL:            Duration(30 * 24 * time.Hour),
		},
		Heartbeat: HeartbeatConfig{
			ExpectedInterval: Duration(60 * time.Second),
			MissedThreshold:  3,
			CheckInterval:    Duration(30 * time.Second),
			StaleTimeout:     Duration(24 * time.Hour),
		},
		Registration: RegistrationConfig{
			Policy: "auto",
		},
		Distribution: DistributionConfig{
			MaxConcurrent:          10,
			AcknowledgementTimeout: Duration(30 * time.Second),
			MinimumSuccessRate:     80,
			MaxRetryAttempts:       3,
			HistorySize:            1000,
			TransportRetries:       3,
			TransportRetryDelay:    Duration(time.Second),
		},
		Compliance: ComplianceConfig{
			PolicyWeight:       0.4,
			HealthWeight:       0.3,
			ConnectivityWeight: 0.3,
			HeartbeatTimeout:   Duration(10 * time.Minute),
			ScoreCacheTTL:      Duration(30 * time.Second),
		},
		Audit: AuditConfig{
			MaxEntries:    10000,
			RecordAllowed: true,
			FileMaxSizeMB: 100,
			FileMaxAge:    28,
			FileBackups:   3,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads and validates a YAML configuration file. Missing sections fall
// back to defaults.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the component constructors cannot
// see.
func (c *ServerConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be within (0,65535], got %d", c.Server.Port)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres dsn is required when postgres is enabled")
	}
	sum := c.Compliance.PolicyWeight + c.Compliance.HealthWeight + c.Compliance.ConnectivityWeight
	if sum != 0 && (sum < 0.999 || sum > 1.001) {
		return fmt.Errorf("compliance weights must sum to 1, got %g", sum)
	}
	return nil
}
