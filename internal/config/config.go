// Package config loads and validates poacher configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Checkpoint backends.
const (
	CheckpointFile     = "file"
	CheckpointPostgres = "postgres"
)

// Mirror backends.
const (
	MirrorNone  = ""
	MirrorLocal = "local"
	MirrorGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Forge      ForgeConfig      `mapstructure:"forge"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Handler    HandlerConfig    `mapstructure:"handler"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ForgeConfig controls access to the GitHub REST API.
type ForgeConfig struct {
	APIURL         string  `mapstructure:"api_url"`
	Token          string  `mapstructure:"token"`
	UserAgent      string  `mapstructure:"user_agent"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
	FetchDetails   bool    `mapstructure:"fetch_details"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// DiscoveryConfig governs the polling loop and the ID locator.
type DiscoveryConfig struct {
	SkipEmpty          bool          `mapstructure:"skip_empty"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	InitialSpan        int64         `mapstructure:"initial_span"`
	Step               int64         `mapstructure:"step"`
}

// IngestConfig controls acquisition, retry and archival of repositories.
type IngestConfig struct {
	Clone            bool          `mapstructure:"clone"`
	MonitorOnly      bool          `mapstructure:"monitor_only"`
	MaxRepoSizeKB    int64         `mapstructure:"max_repo_size_kb"`
	WorkingDirectory string        `mapstructure:"working_directory"`
	ArchiveDirectory string        `mapstructure:"archive_directory"`
	// MaxRetries is the number of handler retries; -1 disables retries.
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	CloneDepth       int           `mapstructure:"clone_depth"`
	CloneTimeout     time.Duration `mapstructure:"clone_timeout"`
	Include          []string      `mapstructure:"include"`
	Exclude          []string      `mapstructure:"exclude"`
}

// HandlerConfig selects the per-repository handler.
type HandlerConfig struct {
	Kind    string        `mapstructure:"kind"`
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CheckpointConfig selects where the session marker is persisted.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
	Name    string `mapstructure:"name"`
}

// PublishConfig holds metadata for discovery notifications. An empty topic
// disables Pub/Sub.
type PublishConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MirrorConfig configures where archive manifests are copied.
type MirrorConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// ServerConfig controls the status and metrics HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	// ProjectID exports spans to Google Cloud Trace when set.
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POACHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("forge.api_url", "https://api.github.com")
	v.SetDefault("forge.token", "")
	v.SetDefault("forge.user_agent", "poacher")
	v.SetDefault("forge.rate_per_second", 1.0)
	v.SetDefault("forge.burst", 1)
	v.SetDefault("forge.fetch_details", true)
	v.SetDefault("forge.timeout_seconds", 30)
	v.SetDefault("discovery.skip_empty", true)
	v.SetDefault("discovery.poll_interval", time.Duration(0))
	v.SetDefault("discovery.checkpoint_interval", time.Duration(0))
	v.SetDefault("discovery.initial_span", 64)
	v.SetDefault("discovery.step", 16)
	v.SetDefault("ingest.clone", false)
	v.SetDefault("ingest.monitor_only", false)
	v.SetDefault("ingest.max_repo_size_kb", 20000)
	v.SetDefault("ingest.working_directory", "")
	v.SetDefault("ingest.archive_directory", "")
	v.SetDefault("ingest.max_retries", 2)
	v.SetDefault("ingest.retry_delay", time.Second)
	v.SetDefault("ingest.clone_depth", 0)
	v.SetDefault("ingest.clone_timeout", 10*time.Minute)
	v.SetDefault("handler.kind", "")
	v.SetDefault("handler.command", "")
	v.SetDefault("handler.timeout", time.Duration(0))
	v.SetDefault("checkpoint.backend", CheckpointFile)
	v.SetDefault("checkpoint.path", "marker.yaml")
	v.SetDefault("checkpoint.dsn", "")
	v.SetDefault("checkpoint.table", "poacher_checkpoints")
	v.SetDefault("checkpoint.name", "default")
	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic", "")
	v.SetDefault("mirror.backend", MirrorNone)
	v.SetDefault("mirror.prefix", "manifests")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 9090)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "poacher")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func (c *Config) normalize() {
	c.Handler.Kind = strings.ToLower(strings.TrimSpace(c.Handler.Kind))
	c.Checkpoint.Backend = strings.ToLower(strings.TrimSpace(c.Checkpoint.Backend))
	c.Mirror.Backend = strings.ToLower(strings.TrimSpace(c.Mirror.Backend))
	if c.Ingest.MonitorOnly {
		c.Ingest.Clone = false
	}
}

// Validate enforces required values and reasonable limits. Every problem is
// reported, one per key.
func (c Config) Validate() error {
	var problems []string
	missing := func(key string) {
		problems = append(problems, fmt.Sprintf("missing required config: %s", key))
	}

	if strings.TrimSpace(c.Forge.APIURL) == "" {
		missing("forge.api_url")
	}
	if c.Forge.RatePerSecond < 0 {
		problems = append(problems, "forge.rate_per_second must be >= 0")
	}
	if c.Forge.TimeoutSeconds <= 0 {
		problems = append(problems, "forge.timeout_seconds must be > 0")
	}
	if c.Discovery.PollInterval < 0 {
		problems = append(problems, "discovery.poll_interval must be >= 0")
	}
	if c.Discovery.CheckpointInterval < 0 {
		problems = append(problems, "discovery.checkpoint_interval must be >= 0")
	}
	if c.Ingest.Clone && !c.Ingest.MonitorOnly {
		if strings.TrimSpace(c.Ingest.WorkingDirectory) == "" {
			missing("ingest.working_directory")
		}
		if strings.TrimSpace(c.Ingest.ArchiveDirectory) == "" {
			missing("ingest.archive_directory")
		}
	}
	if c.Ingest.MaxRepoSizeKB < 0 {
		problems = append(problems, "ingest.max_repo_size_kb must be >= 0")
	}

	switch c.Handler.Kind {
	case "", "gitleaks":
	case "command":
		if strings.TrimSpace(c.Handler.Command) == "" {
			missing("handler.command")
		}
	default:
		problems = append(problems, fmt.Sprintf("handler.kind %q is not supported", c.Handler.Kind))
	}

	switch c.Checkpoint.Backend {
	case CheckpointFile:
		if strings.TrimSpace(c.Checkpoint.Path) == "" {
			missing("checkpoint.path")
		}
	case CheckpointPostgres:
		if strings.TrimSpace(c.Checkpoint.DSN) == "" {
			missing("checkpoint.dsn")
		}
	default:
		problems = append(problems, fmt.Sprintf("checkpoint.backend %q is not supported", c.Checkpoint.Backend))
	}

	if c.Publish.Topic != "" && c.Publish.ProjectID == "" {
		missing("publish.project_id")
	}

	switch c.Mirror.Backend {
	case MirrorNone:
	case MirrorLocal:
		if strings.TrimSpace(c.Mirror.BaseDir) == "" {
			missing("mirror.base_dir")
		}
	case MirrorGCS:
		if strings.TrimSpace(c.Mirror.Bucket) == "" {
			missing("mirror.bucket")
		}
	default:
		problems = append(problems, fmt.Sprintf("mirror.backend %q is not supported", c.Mirror.Backend))
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		problems = append(problems, "server.port must be between 1 and 65535")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ForgeTimeout converts the forge timeout into a duration.
func (c Config) ForgeTimeout() time.Duration {
	return time.Duration(c.Forge.TimeoutSeconds) * time.Second
}
