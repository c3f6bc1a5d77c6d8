package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the daemon and fleet-tool configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Paths     PathsConfig     `yaml:"paths"`
	Governor  GovernorConfig  `yaml:"governor"`
	Retention RetentionConfig `yaml:"retention"`
	API       APIConfig       `yaml:"api"`
	Spawn     SpawnConfig     `yaml:"spawn"`
}

// ServiceConfig identifies the cell and its logging behavior.
type ServiceConfig struct {
	Role     string `yaml:"role"`
	LogLevel string `yaml:"log_level"`
}

// PathsConfig locates the shared on-disk state.
type PathsConfig struct {
	TemplateDir  string `yaml:"template_dir"`
	InstancesDir string `yaml:"instances_dir"`
	Registry     string `yaml:"registry"`
	AuditDB      string `yaml:"audit_db"`
	SocketDir    string `yaml:"socket_dir"`
}

// GovernorConfig bounds the spawn path.
type GovernorConfig struct {
	StatePath        string        `yaml:"state_path"`
	MinDiskFreeMB    uint64        `yaml:"min_disk_free_mb"`
	MaxSpawnsPerHour int           `yaml:"max_spawns_per_hour"`
	MaxInstances     int           `yaml:"max_instances"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	WarnInterval     time.Duration `yaml:"warn_interval"`
}

// RetentionConfig drives fleet pruning.
type RetentionConfig struct {
	MaxInstances   int           `yaml:"max_instances"`
	MaxAgeDays     int           `yaml:"max_age_days"`
	LockStaleAfter time.Duration `yaml:"lock_stale_after"`
}

// APIConfig configures the read-only fleet status HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SpawnConfig carries spawner options not derivable from paths.
type SpawnConfig struct {
	OriginCommit string `yaml:"origin_commit"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Role:     "generic",
			LogLevel: "info",
		},
		Paths: PathsConfig{
			TemplateDir:  "./template",
			InstancesDir: "./instances",
			Registry:     "./state/registry.json",
			AuditDB:      "./state/audit.db",
			SocketDir:    "./run",
		},
		Governor: GovernorConfig{
			StatePath:        "./state/governor.json",
			MinDiskFreeMB:    500,
			MaxSpawnsPerHour: 20,
			MaxInstances:     10,
			BreakerThreshold: 3,
			BreakerCooldown:  5 * time.Minute,
			WarnInterval:     time.Minute,
		},
		Retention: RetentionConfig{
			MaxInstances:   10,
			MaxAgeDays:     14,
			LockStaleAfter: 2 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8640",
		},
	}
}

// Load reads, interpolates, and validates the config file at path.
// ${VAR} references anywhere in the document are replaced from the
// environment before parsing; unknown keys are rejected.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}

	interpolated, err := interpolateEnvVars(string(data))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SocketPath returns the control socket path for a role, following the
// spica-<role>.sock convention.
func (c *Config) SocketPath(role string) string {
	return filepath.Join(c.Paths.SocketDir, fmt.Sprintf("spica-%s.sock", role))
}

// MinDiskFreeBytes converts the configured megabyte threshold.
func (g GovernorConfig) MinDiskFreeBytes() uint64 {
	return g.MinDiskFreeMB * 1024 * 1024
}

func interpolateEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined environment variable(s) in config: %v", missing)
	}
	return out, nil
}

func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Role == "" {
		cfg.Service.Role = defaults.Service.Role
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}

	if cfg.Paths.TemplateDir == "" {
		cfg.Paths.TemplateDir = defaults.Paths.TemplateDir
	}
	if cfg.Paths.InstancesDir == "" {
		cfg.Paths.InstancesDir = defaults.Paths.InstancesDir
	}
	if cfg.Paths.Registry == "" {
		cfg.Paths.Registry = defaults.Paths.Registry
	}
	if cfg.Paths.AuditDB == "" {
		cfg.Paths.AuditDB = defaults.Paths.AuditDB
	}
	if cfg.Paths.SocketDir == "" {
		cfg.Paths.SocketDir = defaults.Paths.SocketDir
	}

	if cfg.Governor.StatePath == "" {
		cfg.Governor.StatePath = defaults.Governor.StatePath
	}
	if cfg.Governor.MinDiskFreeMB == 0 {
		cfg.Governor.MinDiskFreeMB = defaults.Governor.MinDiskFreeMB
	}
	if cfg.Governor.MaxSpawnsPerHour == 0 {
		cfg.Governor.MaxSpawnsPerHour = defaults.Governor.MaxSpawnsPerHour
	}
	if cfg.Governor.MaxInstances == 0 {
		cfg.Governor.MaxInstances = defaults.Governor.MaxInstances
	}
	if cfg.Governor.BreakerThreshold == 0 {
		cfg.Governor.BreakerThreshold = defaults.Governor.BreakerThreshold
	}
	if cfg.Governor.BreakerCooldown == 0 {
		cfg.Governor.BreakerCooldown = defaults.Governor.BreakerCooldown
	}
	if cfg.Governor.WarnInterval == 0 {
		cfg.Governor.WarnInterval = defaults.Governor.WarnInterval
	}

	if cfg.Retention.MaxInstances == 0 {
		cfg.Retention.MaxInstances = defaults.Retention.MaxInstances
	}
	if cfg.Retention.MaxAgeDays == 0 {
		cfg.Retention.MaxAgeDays = defaults.Retention.MaxAgeDays
	}
	if cfg.Retention.LockStaleAfter == 0 {
		cfg.Retention.LockStaleAfter = defaults.Retention.LockStaleAfter
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Service.Role == "" {
		return fmt.Errorf("service.role is required")
	}

	if cfg.Governor.BreakerThreshold < 1 {
		return fmt.Errorf("governor.breaker_threshold must be at least 1")
	}
	if cfg.Governor.BreakerCooldown <= 0 {
		return fmt.Errorf("governor.breaker_cooldown must be positive")
	}
	if cfg.Governor.MaxSpawnsPerHour < 1 {
		return fmt.Errorf("governor.max_spawns_per_hour must be at least 1")
	}
	if cfg.Governor.MaxInstances < 1 {
		return fmt.Errorf("governor.max_instances must be at least 1")
	}

	if cfg.Retention.LockStaleAfter <= 0 {
		return fmt.Errorf("retention.lock_stale_after must be positive")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}

	return nil
}
