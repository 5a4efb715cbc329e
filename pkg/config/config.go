// Package config loads the node configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"loom/pkg/blobstore"
	"loom/pkg/limits"
	"loom/pkg/protocol"
)

// Blob backend selectors.
const (
	BlobBackendFS     = "fs"
	BlobBackendS3     = "s3"
	BlobBackendMemory = "memory"
)

// Limits registry modes.
const (
	LimitsDisabled = "disabled"
	LimitsStatic   = "static"
	LimitsRemote   = "remote"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the loom.yaml structure.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Blobs      BlobConfig       `yaml:"blobs"`
	Components ComponentsConfig `yaml:"components"`
	Workers    WorkersConfig    `yaml:"workers"`
	Limits     LimitsConfig     `yaml:"limits"`
	Shard      ShardConfig      `yaml:"shard"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// StorageConfig locates the journal database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// BlobConfig selects and configures the payload blob backend.
type BlobConfig struct {
	Backend string             `yaml:"backend"`
	Root    string             `yaml:"root,omitempty"`
	S3      blobstore.S3Config `yaml:"s3,omitempty"`

	// InlineThreshold is the payload size in bytes above which journal
	// entries are offloaded to the blob store. Zero keeps the built-in
	// default.
	InlineThreshold int `yaml:"inline_threshold,omitempty"`
}

// ComponentsConfig locates deployed component binaries.
type ComponentsConfig struct {
	Dir string `yaml:"dir"`
}

// WorkersConfig tunes the active worker cache and invocation handling.
type WorkersConfig struct {
	CacheCapacity   int           `yaml:"cache_capacity,omitempty"`
	IdleTimeout     Duration      `yaml:"idle_timeout,omitempty"`
	JanitorInterval Duration      `yaml:"janitor_interval,omitempty"`
	QueueSize       int           `yaml:"queue_size,omitempty"`
	InvocationFuel  int64         `yaml:"invocation_fuel,omitempty"`
	Retry           RetrySettings `yaml:"retry,omitempty"`
}

// RetrySettings is the YAML shape of an invocation retry policy.
// Zero fields fall back to the built-in defaults.
type RetrySettings struct {
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
	MinDelay    Duration `yaml:"min_delay,omitempty"`
	MaxDelay    Duration `yaml:"max_delay,omitempty"`
	Multiplier  float64  `yaml:"multiplier,omitempty"`
	MaxJitter   Duration `yaml:"max_jitter,omitempty"`
}

// Policy resolves the settings into a complete retry policy.
func (r RetrySettings) Policy() protocol.RetryConfig {
	out := protocol.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		out.MaxAttempts = r.MaxAttempts
	}
	if r.MinDelay > 0 {
		out.MinDelay = r.MinDelay.Std()
	}
	if r.MaxDelay > 0 {
		out.MaxDelay = r.MaxDelay.Std()
	}
	if r.Multiplier > 0 {
		out.Multiplier = r.Multiplier
	}
	if r.MaxJitter > 0 {
		out.MaxJitter = r.MaxJitter.Std()
	}
	return out
}

// LimitsConfig selects the account limits registry.
type LimitsConfig struct {
	Mode              string                `yaml:"mode"`
	Endpoint          string                `yaml:"endpoint,omitempty"`
	RequestTimeout    Duration              `yaml:"request_timeout,omitempty"`
	ReconcileInterval Duration              `yaml:"reconcile_interval,omitempty"`
	Static            limits.ResourceLimits `yaml:"static,omitempty"`
}

// ShardConfig is the node's static shard assignment. A zero Count means
// the node owns every worker.
type ShardConfig struct {
	Count uint32   `yaml:"count,omitempty"`
	Owned []uint32 `yaml:"owned,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	out := c
	if out.Storage.Path == "" {
		out.Storage.Path = "loom.db"
	}
	if out.Blobs.Backend == "" {
		out.Blobs.Backend = BlobBackendFS
	}
	if out.Blobs.Root == "" {
		out.Blobs.Root = "blobs"
	}
	if out.Components.Dir == "" {
		out.Components.Dir = "components"
	}
	if out.Limits.Mode == "" {
		out.Limits.Mode = LimitsDisabled
	}
	if out.Limits.RequestTimeout == 0 {
		out.Limits.RequestTimeout = Duration(5 * time.Second)
	}
	if out.Log.Level == "" {
		out.Log.Level = "info"
	}
	if out.Log.Format == "" {
		out.Log.Format = "text"
	}
	return out
}

// Load reads and validates a YAML configuration file. Absent optional
// fields take their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values Load cannot default away.
func (c Config) Validate() error {
	switch c.Blobs.Backend {
	case BlobBackendFS, BlobBackendS3, BlobBackendMemory:
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blobs.Backend)
	}
	if c.Blobs.Backend == BlobBackendS3 && c.Blobs.S3.Endpoint == "" {
		return fmt.Errorf("s3 blob backend requires an endpoint")
	}
	switch c.Limits.Mode {
	case LimitsDisabled, LimitsStatic, LimitsRemote:
	default:
		return fmt.Errorf("unknown limits mode %q", c.Limits.Mode)
	}
	if c.Limits.Mode == LimitsRemote && c.Limits.Endpoint == "" {
		return fmt.Errorf("remote limits mode requires an endpoint")
	}
	for _, id := range c.Shard.Owned {
		if c.Shard.Count > 0 && id >= c.Shard.Count {
			return fmt.Errorf("owned shard %d out of range for count %d", id, c.Shard.Count)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
