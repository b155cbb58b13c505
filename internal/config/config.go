// Package config loads scopekit settings from YAML and SCOPEKIT_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/scopekit/pkg/audit"
	"github.com/psantana5/scopekit/pkg/logging"
	"github.com/psantana5/scopekit/pkg/scope"
	"github.com/psantana5/scopekit/pkg/tracing"
)

// EnvPrefix is prepended to every environment override, e.g. SCOPEKIT_LOG_LEVEL
const EnvPrefix = "SCOPEKIT"

// Config is the complete configuration
type Config struct {
	Log      LogConfig         `yaml:"log" mapstructure:"log"`
	Audit    AuditConfig       `yaml:"audit" mapstructure:"audit"`
	Batch    BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Policies map[string]string `yaml:"policies" mapstructure:"policies"` // unit name -> propagate|absorb
	Metrics  MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Tracing  TracingConfig     `yaml:"tracing" mapstructure:"tracing"`
}

// LogConfig controls operator narration
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // console or json
}

// AuditConfig selects the audit backend
type AuditConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"` // file, sqlite or postgres
	Path    string `yaml:"path" mapstructure:"path"`
	DSN     string `yaml:"dsn,omitempty" mapstructure:"dsn"`
}

// BatchConfig describes the command file run by "batch run"
type BatchConfig struct {
	Input         string `yaml:"input" mapstructure:"input"`
	Delay         string `yaml:"delay" mapstructure:"delay"` // e.g. "500ms"
	FailOperation string `yaml:"fail_operation" mapstructure:"fail_operation"`
}

// MetricsConfig controls the Prometheus textfile export
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty" mapstructure:"textfile"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Audit: AuditConfig{
			Backend: "file",
			Path:    "journal.log",
		},
		Batch: BatchConfig{
			Input:         "operations.csv",
			Delay:         "500ms",
			FailOperation: "Expected Error",
		},
		Policies: map[string]string{},
		Tracing:  TracingConfig{ServiceName: "scopekit"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("audit.backend", d.Audit.Backend)
	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("audit.dsn", "")
	v.SetDefault("batch.input", d.Batch.Input)
	v.SetDefault("batch.delay", d.Batch.Delay)
	v.SetDefault("batch.fail_operation", d.Batch.FailOperation)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Load reads path (if non-empty) over the defaults and then applies
// SCOPEKIT_* environment overrides.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance, so the CLI can bind
// flags into it first.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Policies == nil {
		cfg.Policies = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and durations
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}

	switch c.Audit.Backend {
	case "file", "sqlite", "sqlite3":
		if c.Audit.Path == "" {
			errs = append(errs, errors.New("audit.path is required"))
		}
	case "postgres", "postgresql":
		if c.Audit.DSN == "" {
			errs = append(errs, errors.New("audit.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", audit.ErrUnsupportedBackend, c.Audit.Backend))
	}

	if _, err := c.BatchDelay(); err != nil {
		errs = append(errs, err)
	}

	for unit, p := range c.Policies {
		if _, err := scope.ParsePolicy(p); err != nil {
			errs = append(errs, fmt.Errorf("policies.%s: %w", unit, err))
		}
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// BatchDelay parses batch.delay; empty means no delay
func (c *Config) BatchDelay() (time.Duration, error) {
	if c.Batch.Delay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Batch.Delay)
	if err != nil {
		return 0, fmt.Errorf("invalid batch.delay: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid batch.delay: %s is negative", c.Batch.Delay)
	}
	return d, nil
}

// PolicyFor returns the configured policy for a unit, Propagate when unset.
// Unit names are matched case-insensitively since viper lowercases map keys.
func (c *Config) PolicyFor(unit string) scope.Policy {
	for name, p := range c.Policies {
		if strings.EqualFold(name, unit) {
			if policy, err := scope.ParsePolicy(p); err == nil {
				return policy
			}
		}
	}
	return scope.Propagate
}

// AuditFor returns the audit backend settings tagged with unit
func (c *Config) AuditFor(unit string) audit.Config {
	return audit.Config{
		Backend: c.Audit.Backend,
		Path:    c.Audit.Path,
		DSN:     c.Audit.DSN,
		Unit:    unit,
	}
}

// Logger builds the narration logger
func (c *Config) Logger() *logging.Logger {
	return logging.New(logging.ParseLevel(c.Log.Level), strings.EqualFold(c.Log.Format, "json"))
}

// TracerSettings converts to the tracing package's settings
func (c *Config) TracerSettings() tracing.Config {
	return tracing.Config{
		ServiceName:  c.Tracing.ServiceName,
		OTLPEndpoint: c.Tracing.Endpoint,
		Enabled:      c.Tracing.Enabled,
	}
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteFile writes the configuration to path, refusing to overwrite
func (c *Config) WriteFile(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
