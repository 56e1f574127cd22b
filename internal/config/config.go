// Package config loads delta-streamer configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/logging"
)

type Config struct {
	Logging   logging.Config `yaml:"logging"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Registry  RegistryConfig `yaml:"registry"`
	Locks     LockConfig     `yaml:"locks"`
	Engine    EngineConfig   `yaml:"engine"`
	Snapshots SnapshotConfig `yaml:"snapshots"`
	Stream    StreamConfig   `yaml:"stream"`
	Archive   ArchiveConfig  `yaml:"archive"`
	Applier   ApplierConfig  `yaml:"applier"`
	Watcher   WatcherConfig  `yaml:"watcher"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

type RegistryConfig struct {
	// PostgresDSN selects the Postgres-backed registry and lock tables.
	// Empty selects the in-memory implementations (local mode, tests).
	PostgresDSN string `yaml:"postgres_dsn"`
}

type LockConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type EngineConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollDuration time.Duration `yaml:"max_poll_duration"`
	PageSize        int           `yaml:"page_size"`
}

type SnapshotConfig struct {
	Backend  string `yaml:"backend"` // "local" | "gcs" | "s3"
	Bucket   string `yaml:"bucket"`
	LocalDir string `yaml:"local_dir"`
	Prefix   string `yaml:"prefix"`

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type StreamConfig struct {
	Backend string   `yaml:"backend"` // "memory" | "kafka"
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Backend  string `yaml:"backend"` // "local" | "gcs" | "s3"
	Bucket   string `yaml:"bucket"`
	LocalDir string `yaml:"local_dir"`
	Prefix   string `yaml:"prefix"`

	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type ApplierConfig struct {
	Enabled          bool          `yaml:"enabled"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	MaxAttempts      int           `yaml:"max_attempts"`
	DeadLetterPrefix string        `yaml:"dead_letter_prefix"`
}

type WatcherConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	CheckpointDir string        `yaml:"checkpoint_dir"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	return Config{
		Logging: logging.Config{Format: "text", Level: "info"},
		Metrics: MetricsConfig{Enabled: false, Address: ":9090"},
		Locks: LockConfig{
			TTL:           5 * time.Minute,
			RetryInterval: 5 * time.Second,
		},
		Engine: EngineConfig{
			PollInterval:    2 * time.Second,
			MaxPollDuration: 30 * time.Minute,
			PageSize:        100,
		},
		Snapshots: SnapshotConfig{
			Backend:  "local",
			LocalDir: "./data/snapshots",
		},
		Stream: StreamConfig{
			Backend: "memory",
			Topic:   "dataset-changes",
			GroupID: "delta-applier",
		},
		Archive: ArchiveConfig{
			Backend:  "local",
			LocalDir: "./data/archive",
			Prefix:   "deltas/",
		},
		Applier: ApplierConfig{
			Enabled:          true,
			BatchSize:        50,
			FlushInterval:    500 * time.Millisecond,
			MaxAttempts:      3,
			DeadLetterPrefix: "deadletter/",
		},
		Watcher: WatcherConfig{
			Enabled:       true,
			Interval:      30 * time.Second,
			CheckpointDir: "./data/state",
		},
	}
}

// Load reads configuration from the given YAML file (optional) and applies
// environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// MustLoad loads configuration or exits. The config file path comes from
// DELTA_CONFIG; a missing env var means env-only configuration.
func MustLoad() Config {
	cfg, err := Load(os.Getenv("DELTA_CONFIG"))
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

// applyEnv overrides individual fields from environment variables.
func applyEnv(cfg *Config) {
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = v
	}

	cfg.Registry.PostgresDSN = getenvDefault("REGISTRY_DSN", cfg.Registry.PostgresDSN)

	cfg.Locks.TTL = getenvDuration("LOCK_TTL", cfg.Locks.TTL)
	cfg.Locks.RetryInterval = getenvDuration("LOCK_RETRY_INTERVAL", cfg.Locks.RetryInterval)

	cfg.Engine.PollInterval = getenvDuration("ENGINE_POLL_INTERVAL", cfg.Engine.PollInterval)
	cfg.Engine.MaxPollDuration = getenvDuration("ENGINE_MAX_POLL_DURATION", cfg.Engine.MaxPollDuration)
	cfg.Engine.PageSize = getenvInt("ENGINE_PAGE_SIZE", cfg.Engine.PageSize)

	cfg.Snapshots.Backend = getenvDefault("SNAPSHOT_BACKEND", cfg.Snapshots.Backend)
	cfg.Snapshots.Bucket = getenvDefault("SNAPSHOT_BUCKET", cfg.Snapshots.Bucket)
	cfg.Snapshots.LocalDir = getenvDefault("SNAPSHOT_LOCAL_DIR", cfg.Snapshots.LocalDir)
	cfg.Snapshots.Prefix = getenvDefault("SNAPSHOT_PREFIX", cfg.Snapshots.Prefix)

	cfg.Stream.Backend = getenvDefault("STREAM_BACKEND", cfg.Stream.Backend)
	if v := os.Getenv("STREAM_BROKERS"); v != "" {
		cfg.Stream.Brokers = splitList(v)
	}
	cfg.Stream.Topic = getenvDefault("STREAM_TOPIC", cfg.Stream.Topic)
	cfg.Stream.GroupID = getenvDefault("STREAM_GROUP_ID", cfg.Stream.GroupID)

	if v := os.Getenv("ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = v == "true"
	}
	cfg.Archive.Backend = getenvDefault("ARCHIVE_BACKEND", cfg.Archive.Backend)
	cfg.Archive.Bucket = getenvDefault("ARCHIVE_BUCKET", cfg.Archive.Bucket)
	cfg.Archive.LocalDir = getenvDefault("ARCHIVE_LOCAL_DIR", cfg.Archive.LocalDir)

	cfg.Applier.BatchSize = getenvInt("APPLIER_BATCH_SIZE", cfg.Applier.BatchSize)
	cfg.Applier.MaxAttempts = getenvInt("APPLIER_MAX_ATTEMPTS", cfg.Applier.MaxAttempts)

	cfg.Watcher.Interval = getenvDuration("WATCHER_INTERVAL", cfg.Watcher.Interval)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
