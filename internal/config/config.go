// Package config provides configuration management for the flag pool service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hfi/flagpool/internal/cost"
	"github.com/hfi/flagpool/internal/scheme"
)

// Config represents the main configuration structure
type Config struct {
	API        APIConfig        `yaml:"api"`
	Management ManagementConfig `yaml:"management"`
	Storage    StorageConfig    `yaml:"storage"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Lease      LeaseConfig      `yaml:"lease"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// APIConfig contains challenge HTTP API settings
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// ManagementConfig contains health and metrics server settings
type ManagementConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig contains pool storage settings
type StorageConfig struct {
	Type   string       `yaml:"type"` // "memory", "sqlite" or "redis"
	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`
}

// SQLiteConfig contains SQLite database settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"` //#nosec G117 -- Password field is intentional for Redis auth config
	DB       int    `yaml:"db"`
}

// GeneratorConfig contains artifact generation settings
type GeneratorConfig struct {
	KeyFile        string           `yaml:"key_file"`
	KeyBits        int              `yaml:"key_bits"`
	FlagLength     int              `yaml:"flag_length"`
	MaxFlags       int              `yaml:"max_flags"`
	Workers        int              `yaml:"workers"`
	PollInterval   time.Duration    `yaml:"poll_interval"`
	QueryLimit     int              `yaml:"query_limit"`
	OAEPHash       string           `yaml:"oaep_hash"`
	Pipelines      []PipelineConfig `yaml:"pipelines"`
	StagingDir     string           `yaml:"staging_dir"`
	IngestInterval time.Duration    `yaml:"ingest_interval"`
}

// PipelineConfig names one (category, scheme) production line
type PipelineConfig struct {
	Category string `yaml:"category"`
	Scheme   string `yaml:"scheme"`
}

// LeaseConfig contains lease manager settings
type LeaseConfig struct {
	EmergencyTimeout time.Duration `yaml:"emergency_timeout"`
	ClaimRetries     int           `yaml:"claim_retries"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string      `yaml:"level"`
	Format string      `yaml:"format"` // "json" or "console"
	Audit  AuditConfig `yaml:"audit"`
}

// AuditConfig contains audit logging settings
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Output  string `yaml:"output"`
	Format  string `yaml:"format"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Listen: ":8080",
		},
		Management: ManagementConfig{
			Listen: ":9090",
		},
		Storage: StorageConfig{
			Type: "memory",
			SQLite: SQLiteConfig{
				Path: "flagpool.db",
			},
			Redis: RedisConfig{
				Address: "localhost:6379",
				DB:      0,
			},
		},
		Generator: GeneratorConfig{
			KeyFile:      "",
			KeyBits:      1024,
			FlagLength:   16,
			MaxFlags:     100,
			Workers:      2,
			PollInterval: time.Second,
			QueryLimit:   cost.DefaultQueryLimit,
			OAEPHash:     "SHA-1",
			Pipelines: []PipelineConfig{
				{Category: cost.Bleichenbacher, Scheme: scheme.PKCS1v15},
				{Category: cost.Manger, Scheme: scheme.OAEP},
				{Category: cost.None, Scheme: scheme.Raw},
			},
			IngestInterval: 5 * time.Second,
		},
		Lease: LeaseConfig{
			EmergencyTimeout: 5 * time.Second,
			ClaimRetries:     8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Audit: AuditConfig{
				Enabled: true,
				Level:   "standard",
				Output:  "stdout",
				Format:  "json",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Type {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.Storage.Type))
	}

	g := c.Generator
	if len(g.Pipelines) == 0 {
		errs = append(errs, errors.New("generator: at least one pipeline is required"))
	}
	hash, hashErr := scheme.ParseHash(g.OAEPHash)
	if hashErr != nil {
		errs = append(errs, fmt.Errorf("generator: %w", hashErr))
	}
	for i, p := range g.Pipelines {
		_, schemeErr := scheme.Canonical(p.Scheme)
		if schemeErr != nil {
			errs = append(errs, fmt.Errorf("generator: pipeline %d: %w", i, schemeErr))
		}
		var categoryErr error
		if p.Category == "" {
			categoryErr = errors.New("category is required")
		} else {
			_, categoryErr = cost.Canonical(p.Category)
		}
		if categoryErr != nil {
			errs = append(errs, fmt.Errorf("generator: pipeline %d: %w", i, categoryErr))
		}
		if schemeErr != nil || categoryErr != nil {
			continue
		}

		if err := cost.Compatible(p.Category, p.Scheme); err != nil {
			errs = append(errs, fmt.Errorf("generator: pipeline %d: %w", i, err))
		}
		// With a key file the modulus size is only known once it is loaded.
		if g.KeyFile == "" && hashErr == nil && g.FlagLength > 0 {
			limit, _ := scheme.MaxPlaintext(p.Scheme, (g.KeyBits+7)/8, hash)
			if g.FlagLength > limit {
				errs = append(errs, fmt.Errorf("generator: pipeline %d: flag_length %d exceeds %s capacity of %d bytes for a %d-bit key",
					i, g.FlagLength, p.Scheme, limit, g.KeyBits))
			}
		}
	}
	if g.FlagLength <= 0 {
		errs = append(errs, errors.New("generator: flag_length must be positive"))
	}
	if g.MaxFlags <= 0 {
		errs = append(errs, errors.New("generator: max_flags must be positive"))
	}
	if g.Workers < 0 {
		errs = append(errs, errors.New("generator: workers must not be negative"))
	}
	if g.KeyFile == "" && g.KeyBits < 1024 {
		errs = append(errs, errors.New("generator: key_bits must be at least 1024"))
	}
	if g.StagingDir != "" && g.IngestInterval <= 0 {
		errs = append(errs, errors.New("generator: ingest_interval must be positive when staging_dir is set"))
	}

	if c.Lease.EmergencyTimeout < 0 {
		errs = append(errs, errors.New("lease: emergency_timeout must not be negative"))
	}
	if c.Lease.ClaimRetries <= 0 {
		errs = append(errs, errors.New("lease: claim_retries must be positive"))
	}

	return errors.Join(errs...)
}

// Load loads the configuration from file or environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Check for config file path in environment or use default
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	baseDir := os.Getenv("CONFIG_DIR")
	if baseDir == "" {
		var err error
		if baseDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
	}

	// Sanitize and validate path to prevent path traversal
	configPath, err := sanitizeConfigPath(configPath, baseDir)
	if err != nil {
		return nil, err
	}

	// Try to load config file
	data, err := os.ReadFile(configPath) //#nosec G304 -- config path is sanitized above
	if err != nil {
		if os.IsNotExist(err) {
			// No config file, use defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// sanitizeConfigPath resolves path against baseDir and rejects anything that
// lands outside it
func sanitizeConfigPath(path, baseDir string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(absBase, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(absBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	return resolved, nil
}
