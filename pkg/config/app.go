package config

import (
	"github.com/FlowForge/flowforge-core/pkg/archive"
	"github.com/FlowForge/flowforge-core/pkg/cache"
	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
	"github.com/FlowForge/flowforge-core/pkg/store"
)

// FlowTypeConfig declares a registrable flow type in the service
// configuration file. Flow types are fixed at startup; runtime
// registration is deliberately unsupported.
type FlowTypeConfig struct {
	// Name is the unique flow type name (e.g. "discovery").
	Name string `json:"name" yaml:"name"`

	// Phases is the ordered, non-empty phase sequence.
	Phases []string `json:"phases" yaml:"phases"`
}

// ServiceConfig holds service-level settings.
type ServiceConfig struct {
	// Name identifies the service in logs and traces.
	Name string `json:"name" yaml:"name" env:"FLOWFORGE_SERVICE_NAME" envDefault:"flowforge-core"`

	// Environment names the deployment environment (development,
	// staging, production).
	Environment string `json:"environment" yaml:"environment" env:"FLOWFORGE_ENVIRONMENT" envDefault:"development"`

	// LogLevel sets the minimum slog level: debug, info, warn, or
	// error.
	LogLevel string `json:"log_level" yaml:"log_level" env:"FLOWFORGE_LOG_LEVEL" envDefault:"info"`
}

// Config is the composite configuration for the FlowForge orchestration
// service: service identity, the three backing stores, readiness
// thresholds, and the flow type catalog.
//
// Component configs keep their own fully-qualified env tags
// (FLOWFORGE_DB_*, FLOWFORGE_REDIS_*, FLOWFORGE_MINIO_*), so Config is
// loaded without an env prefix:
//
//	cfg, err := config.LoadFile("flowforge.yaml")
type Config struct {
	Service ServiceConfig `json:"service" yaml:"service"`

	// Database configures the PostgreSQL store holding the system of
	// record.
	Database store.Config `json:"database" yaml:"database"`

	// Cache configures the Redis working-state mirror. Optional; a
	// service without a mirror serves reads from the database only.
	Cache cache.Config `json:"cache" yaml:"cache"`

	// Archive configures the MinIO pre-deletion snapshot store.
	// Optional; without it, deletions proceed unarchived with a
	// warning.
	Archive archive.Config `json:"archive" yaml:"archive"`

	// Readiness holds the default transition-gate thresholds. Zero
	// values are replaced by the platform defaults at load time.
	Readiness models.ReadinessThresholds `json:"readiness" yaml:"readiness"`

	// FlowTypes is the flow type catalog registered at startup.
	FlowTypes []FlowTypeConfig `json:"flow_types" yaml:"flow_types"`
}

// LoadFile loads the composite configuration from the given YAML or
// JSON file, layered with environment variables. Defaults are applied
// for every component the file leaves unset.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if err := New().WithFile(path).Load(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the composite configuration. The database section is
// required; cache and archive sections are validated only when
// configured. Flow types must have unique names and non-empty phase
// sequences.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.CacheConfigured() {
		if err := c.Cache.Validate(); err != nil {
			return err
		}
	}
	if c.ArchiveConfigured() {
		if err := c.Archive.Validate(); err != nil {
			return err
		}
	}

	if zero := (models.ReadinessThresholds{}); c.Readiness == zero {
		c.Readiness = models.DefaultReadinessThresholds()
	}
	if err := c.Readiness.Validate(); err != nil {
		return fferr.Wrap(err, fferr.CodeValidation,
			"config: invalid readiness thresholds")
	}

	seen := make(map[string]bool, len(c.FlowTypes))
	for _, ft := range c.FlowTypes {
		if ft.Name == "" {
			return fferr.New(fferr.CodeValidationRequired,
				"config: flow type name is required")
		}
		if seen[ft.Name] {
			return fferr.Newf(fferr.CodeValidation,
				"config: duplicate flow type %q", ft.Name)
		}
		seen[ft.Name] = true
		if len(ft.Phases) == 0 {
			return fferr.Newf(fferr.CodeValidationRequired,
				"config: flow type %q declares no phases", ft.Name)
		}
	}
	return nil
}

// CacheConfigured reports whether a working-state mirror is configured.
func (c *Config) CacheConfigured() bool {
	return c.Cache.URI != "" || c.Cache.Host != ""
}

// ArchiveConfigured reports whether the snapshot archive is configured.
func (c *Config) ArchiveConfigured() bool {
	return c.Archive.Endpoint != "" && c.Archive.AccessKey != ""
}

// FlowTypeModels converts the configured catalog into model flow types
// ready for registry construction.
func (c *Config) FlowTypeModels() []models.FlowType {
	out := make([]models.FlowType, 0, len(c.FlowTypes))
	for _, ft := range c.FlowTypes {
		out = append(out, models.FlowType{Name: ft.Name, Phases: ft.Phases})
	}
	return out
}
