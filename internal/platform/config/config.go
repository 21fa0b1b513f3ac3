// Package config loads the governor's single immutable configuration value.
//
// Precedence (lowest to highest): built-in defaults, an optional YAML file,
// then environment variables whose names are the upper-snake-case form of
// the field's config key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// DefaultContextWindow is the fallback context window size in tokens.
const DefaultContextWindow = 200000

// Config is the single immutable configuration value for the governor.
// Only the fields that Diff compares are safe to hot-apply; ports and the
// store backend require a process restart.
type Config struct {
	// Network surface.
	IngestPort     int    `mapstructure:"ingest_port"`
	APIPort        int    `mapstructure:"api_port"`
	HealthPort     int    `mapstructure:"health_port"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
	Host           string `mapstructure:"host"`

	// Session/threshold defaults (seed values; learned thresholds diverge
	// per session after the optimizer adjusts them).
	ContextWindowSize         int64   `mapstructure:"context_window_size"`
	CompactionThreshold       float64 `mapstructure:"compaction_threshold"`
	WarningThreshold          float64 `mapstructure:"warning_threshold"`
	CheckpointThreshold       float64 `mapstructure:"checkpoint_threshold"`
	CompactionDropFraction    float64 `mapstructure:"compaction_drop_fraction"`
	HighVelocityTokensPerSec  float64 `mapstructure:"high_velocity_tokens_per_sec"`
	LearningRate              float64 `mapstructure:"learning_rate"`
	MaxConcurrentSessions     int     `mapstructure:"max_concurrent_sessions"`
	RetentionAfterClose       time.Duration `mapstructure:"retention_after_close"`
	SSEReplayBuffer           int     `mapstructure:"sse_replay_buffer"`

	// Ingestion tuning (C1/C2).
	ShedTimeout              time.Duration `mapstructure:"shed_timeout"`
	DedupLRUSize             int           `mapstructure:"dedup_lru_size"`
	AggregateWindowSize      int           `mapstructure:"aggregate_window_size"`
	AttributeCardinalityCap  int           `mapstructure:"attribute_cardinality_cap"`
	WatermarkSeconds         int           `mapstructure:"watermark_seconds"`
	IngestChannelCapacity    int           `mapstructure:"ingest_channel_capacity"`
	StrictSessionID          bool          `mapstructure:"strict_session_id"`

	// Models maps a model name (or "prefix*") to its context window size.
	Models map[string]int64 `mapstructure:"models"`

	// Persistence (C7).
	StoreBackend string `mapstructure:"store_backend"` // "file" | "redis"
	StoreDir     string `mapstructure:"store_dir"`
	RedisAddr    string `mapstructure:"redis_addr"`

	// Ambient.
	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ingest_port", 4318)
	v.SetDefault("api_port", 3030)
	v.SetDefault("health_port", 8080)
	v.SetDefault("prometheus_port", 9090)
	v.SetDefault("host", "0.0.0.0")

	v.SetDefault("context_window_size", DefaultContextWindow)
	v.SetDefault("compaction_threshold", 0.95)
	v.SetDefault("warning_threshold", 0.85)
	v.SetDefault("checkpoint_threshold", 0.75)
	v.SetDefault("compaction_drop_fraction", 0.25)
	v.SetDefault("high_velocity_tokens_per_sec", 1000.0)
	v.SetDefault("learning_rate", 0.10)
	v.SetDefault("max_concurrent_sessions", 64)
	v.SetDefault("retention_after_close", 15*time.Minute)
	v.SetDefault("sse_replay_buffer", 1024)

	v.SetDefault("shed_timeout", 5*time.Second)
	v.SetDefault("dedup_lru_size", 4096)
	v.SetDefault("aggregate_window_size", 128)
	v.SetDefault("attribute_cardinality_cap", 64)
	v.SetDefault("watermark_seconds", 60)
	v.SetDefault("ingest_channel_capacity", 4096)
	v.SetDefault("strict_session_id", false)

	v.SetDefault("store_backend", "file")
	v.SetDefault("store_dir", defaultStateDir())
	v.SetDefault("redis_addr", "")

	v.SetDefault("log_level", "info")
}

// envKeys lists every bindable key so AutomaticEnv has something to match
// even when the key is never referenced by a Get before env lookup.
var envKeys = []string{
	"ingest_port", "api_port", "health_port", "prometheus_port", "host",
	"context_window_size", "compaction_threshold", "warning_threshold",
	"checkpoint_threshold", "compaction_drop_fraction",
	"high_velocity_tokens_per_sec", "learning_rate", "max_concurrent_sessions",
	"retention_after_close", "sse_replay_buffer", "shed_timeout",
	"dedup_lru_size", "aggregate_window_size", "attribute_cardinality_cap",
	"watermark_seconds", "ingest_channel_capacity", "strict_session_id",
	"store_backend", "store_dir", "redis_addr", "log_level",
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		_ = v.BindEnv(k, strings.ToUpper(k))
	}
	return v
}

// Load reads configuration from the given YAML file path (if it exists),
// layers environment variables on top, and returns the resolved Config.
// An empty path skips the file layer entirely.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("reading config %s: %w", path, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if len(cfg.Models) == 0 {
		cfg.Models = map[string]int64{"default": DefaultContextWindow}
	}
	return &cfg, nil
}

// LoadOrDefault behaves like Load but never fails on a missing file.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return Load("")
		}
	}
	return Load(path)
}

// WatchAndReload installs an fsnotify-backed watch (via viper.WatchConfig)
// on the config file at path and invokes onChange with the newly loaded
// Config and a human-readable diff every time the file is rewritten.
// onChange is responsible for deciding which fields to hot-apply; ports and
// StoreBackend/StoreDir/RedisAddr are never safe to apply without a restart.
func WatchAndReload(path string, log *logrus.Logger, onChange func(*Config, []string)) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil // nothing to watch
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	var prev Config
	if err := v.Unmarshal(&prev); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			log.WithError(err).Warn("config reload: failed to decode")
			return
		}
		changes := Diff(&prev, &next)
		if len(changes) == 0 {
			return
		}
		log.WithField("changes", changes).Info("config reloaded")
		prev = next
		onChange(&next, changes)
	})
	v.WatchConfig()
	return nil
}

// Diff compares two configs and returns human-readable descriptions of what
// changed, restricted to fields that are safe to apply without a restart.
func Diff(old, new *Config) []string {
	var changes []string
	cmp := func(name string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			changes = append(changes, fmt.Sprintf("%s: %v -> %v", name, a, b))
		}
	}
	cmp("checkpoint_threshold", old.CheckpointThreshold, new.CheckpointThreshold)
	cmp("warning_threshold", old.WarningThreshold, new.WarningThreshold)
	cmp("compaction_threshold", old.CompactionThreshold, new.CompactionThreshold)
	cmp("compaction_drop_fraction", old.CompactionDropFraction, new.CompactionDropFraction)
	cmp("high_velocity_tokens_per_sec", old.HighVelocityTokensPerSec, new.HighVelocityTokensPerSec)
	cmp("learning_rate", old.LearningRate, new.LearningRate)
	cmp("max_concurrent_sessions", old.MaxConcurrentSessions, new.MaxConcurrentSessions)
	cmp("retention_after_close", old.RetentionAfterClose, new.RetentionAfterClose)
	cmp("strict_session_id", old.StrictSessionID, new.StrictSessionID)
	cmp("log_level", old.LogLevel, new.LogLevel)
	return changes
}

// MaxContextTokens resolves the context window size for a model. Resolution
// order: exact match, longest "prefix*" match, "default" key, then
// ContextWindowSize when positive, then DefaultContextWindow.
func (c *Config) MaxContextTokens(model string) int64 {
	if n, ok := c.Models[model]; ok {
		return n
	}
	bestLen := 0
	var bestVal int64
	for key, val := range c.Models {
		if !strings.HasSuffix(key, "*") {
			continue
		}
		prefix := strings.TrimSuffix(key, "*")
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestVal = val
		}
	}
	if bestLen > 0 {
		return bestVal
	}
	if n, ok := c.Models["default"]; ok {
		return n
	}
	if c.ContextWindowSize > 0 {
		return c.ContextWindowSize
	}
	return DefaultContextWindow
}

func defaultStateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return filepath.Join(v, "context-governor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "context-governor")
	}
	return filepath.Join(home, ".local", "state", "context-governor")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "context-governor", "config.yaml")
}
