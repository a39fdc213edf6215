// Package config handles loading and validating scriptbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/scriptbox/internal/domain"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for scriptbox.
type Config struct {
	Instances     []InstanceConfig     `json:"instances" yaml:"instances" toml:"instances"`
	Executor      ExecutorConfig       `json:"executor" yaml:"executor" toml:"executor"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Preview       PreviewConfig        `json:"preview" yaml:"preview" toml:"preview"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging" toml:"logging"`
	AuditFile     string               `json:"audit_file,omitempty" yaml:"audit_file,omitempty" toml:"audit_file"`          // Empty = auditing disabled.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability"` // nil = observability disabled.
}

// InstanceConfig describes one database target scripts may run against.
// Credentials can be inline, carried in a URI, or resolved from the
// environment at execution time via CredentialsEnvPrefix.
type InstanceConfig struct {
	ID                   string `json:"id" yaml:"id" toml:"id"`
	Kind                 string `json:"kind" yaml:"kind" toml:"kind"` // "relational"/"postgres" or "document"/"mongodb".
	Host                 string `json:"host,omitempty" yaml:"host,omitempty" toml:"host"`
	Port                 int    `json:"port,omitempty" yaml:"port,omitempty" toml:"port"`
	User                 string `json:"user,omitempty" yaml:"user,omitempty" toml:"user"`
	Password             string `json:"password,omitempty" yaml:"password,omitempty" toml:"password"`
	URI                  string `json:"uri,omitempty" yaml:"uri,omitempty" toml:"uri"`
	SSLMode              string `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty" toml:"ssl_mode"`
	CredentialsEnvPrefix string `json:"credentials_env_prefix,omitempty" yaml:"credentials_env_prefix,omitempty" toml:"credentials_env_prefix"`
}

// Connection converts the instance into a domain connection target.
func (i InstanceConfig) Connection() domain.ConnectionInfo {
	return domain.ConnectionInfo{
		URI:                  i.URI,
		Host:                 i.Host,
		Port:                 i.Port,
		User:                 i.User,
		Password:             i.Password,
		SSLMode:              i.SSLMode,
		CredentialsEnvPrefix: i.CredentialsEnvPrefix,
	}
}

// DatabaseKind parses the configured kind.
func (i InstanceConfig) DatabaseKind() (domain.DatabaseKind, error) {
	return domain.ParseDatabaseKind(i.Kind)
}

// ExecutorConfig tunes the coordinator.
type ExecutorConfig struct {
	TimeoutMS      int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms"`                   // Default script budget. Default: 30000.
	GraceMS        int      `json:"grace_ms,omitempty" yaml:"grace_ms,omitempty" toml:"grace_ms"`                         // Patience beyond the budget. Default: 5000.
	ReadyTimeoutMS int      `json:"ready_timeout_ms,omitempty" yaml:"ready_timeout_ms,omitempty" toml:"ready_timeout_ms"` // Handshake bound. Default: 10000.
	WorkerCommand  []string `json:"worker_command,omitempty" yaml:"worker_command,omitempty" toml:"worker_command"`       // Default: re-exec the current binary.
}

// Timeout returns the default script budget.
func (e ExecutorConfig) Timeout() time.Duration {
	if e.TimeoutMS <= 0 {
		return domain.DefaultTimeout
	}
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// Grace returns the patience window beyond the script budget.
func (e ExecutorConfig) Grace() time.Duration {
	if e.GraceMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(e.GraceMS) * time.Millisecond
}

// ReadyTimeout bounds the wait for a worker's ready frame.
func (e ExecutorConfig) ReadyTimeout() time.Duration {
	if e.ReadyTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.ReadyTimeoutMS) * time.Millisecond
}

// SandboxConfig bounds what scripts can do inside the worker.
type SandboxConfig struct {
	MaxRows      int    `json:"max_rows,omitempty" yaml:"max_rows,omitempty" toml:"max_rows"`                   // Read cap per database call. Default: 1000.
	PreviewRows  int    `json:"preview_rows,omitempty" yaml:"preview_rows,omitempty" toml:"preview_rows"`       // Rows carried in output events. Default: 10.
	MaxCallStack int    `json:"max_call_stack,omitempty" yaml:"max_call_stack,omitempty" toml:"max_call_stack"` // Script engine stack depth. Default: 500.
	Profile      string `json:"profile,omitempty" yaml:"profile,omitempty" toml:"profile"`                      // "strict" (default) or "maintenance".
}

// PreviewConfig tunes the portal's table preview path.
type PreviewConfig struct {
	MaxRows int `json:"max_rows,omitempty" yaml:"max_rows,omitempty" toml:"max_rows"` // Default: 10000.
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" toml:"level"`    // "debug", "info" (default), "warn", "error".
	Format string `json:"format,omitempty" yaml:"format,omitempty" toml:"format"` // "text" (default) or "json".
}

// SlogLevel maps the configured level onto slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ObservabilityConfig configures metrics, tracing, and failure-rate
// monitoring. When nil, all observability features are disabled with
// zero overhead.
type ObservabilityConfig struct {
	Metrics  *MetricsConfig        `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics"`
	Tracing  *TracingConfig        `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing"`
	Failures *FailureMonitorConfig `json:"failures,omitempty" yaml:"failures,omitempty" toml:"failures"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Listen  string `json:"listen,omitempty" yaml:"listen,omitempty" toml:"listen"` // e.g. ":9105". Empty = registry only, no endpoint.
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint"`
	Protocol    string  `json:"protocol,omitempty" yaml:"protocol,omitempty" toml:"protocol"` // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure,omitempty" yaml:"insecure,omitempty" toml:"insecure"`
	SampleRate  float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty" toml:"sample_rate"` // Default: 1.0.
	ServiceName string  `json:"service_name,omitempty" yaml:"service_name,omitempty" toml:"service_name"`
}

// FailureMonitorConfig configures sliding-window failure-rate warnings.
type FailureMonitorConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	WindowSeconds        int     `json:"window_seconds,omitempty" yaml:"window_seconds,omitempty" toml:"window_seconds"`                         // Default: 300.
	FailureRateThreshold float64 `json:"failure_rate_threshold,omitempty" yaml:"failure_rate_threshold,omitempty" toml:"failure_rate_threshold"` // 0 disables the check.
}

// DefaultConfigPath returns the per-user config location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/scriptbox.yml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".scriptbox", "config.yml")
}

// Load reads a config file and returns a validated Config. The format is
// detected by extension: .yml/.yaml for YAML, .toml for TOML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over
	// config values.
	if v := os.Getenv("SCRIPTBOX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SCRIPTBOX_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SCRIPTBOX_AUDIT_FILE"); v != "" {
		cfg.AuditFile = v
	}
	if v := os.Getenv("SCRIPTBOX_PROFILE"); v != "" {
		cfg.Sandbox.Profile = v
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Instance returns the configured instance with the given ID.
func (c *Config) Instance(id string) (InstanceConfig, bool) {
	for _, inst := range c.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}

// validate rejects configurations that cannot work at execution time.
func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Instances))
	for _, inst := range c.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instance without an id")
		}
		if seen[inst.ID] {
			return fmt.Errorf("duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true

		if _, err := inst.DatabaseKind(); err != nil {
			return fmt.Errorf("instance %q: %w", inst.ID, err)
		}
		// A target may be absent from the file when credentials arrive
		// from the environment at execution time.
		if inst.Connection().Empty() && inst.CredentialsEnvPrefix == "" {
			return fmt.Errorf("instance %q: no host, uri, or credentials_env_prefix", inst.ID)
		}
	}

	if _, err := domain.ParseProfile(c.Sandbox.Profile); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}

	return nil
}

// resolvePath expands ~ to the user home directory and returns an
// absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
