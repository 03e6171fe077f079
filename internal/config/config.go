// Package config handles configuration loading using viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/core"
	"firestige.xyz/pcapkit/internal/defrag"
	"firestige.xyz/pcapkit/internal/engine"
	"firestige.xyz/pcapkit/internal/log"
	"firestige.xyz/pcapkit/internal/source"
	"firestige.xyz/pcapkit/internal/stream"
)

// Config is the top-level configuration.
// Maps to the `pcapkit:` root key in YAML.
type Config struct {
	Pool     buffer.PoolConfig `mapstructure:"pool" yaml:"pool"`
	Follower stream.Config     `mapstructure:"follower" yaml:"follower"`
	Defrag   defrag.Config     `mapstructure:"defrag" yaml:"defrag"`
	Source   source.Config     `mapstructure:"source" yaml:"source"`
	Engine   EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Log      log.LoggerConfig  `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// ─── Engine ───

// EngineConfig tunes the run loop between source and pipeline.
type EngineConfig struct {
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"`
	MaxFrames uint64 `mapstructure:"max_frames" yaml:"max_frames"` // 0 = whole source
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `pcapkit: ...`.
type configRoot struct {
	Pcapkit Config `mapstructure:"pcapkit" yaml:"pcapkit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Pool: buffer.PoolConfig{
			Name:              "frames",
			PoolSize:          64,
			MaxPoolSize:       4096,
			MaxBufferCapacity: 65536,
		},
		Follower: stream.DefaultConfig(),
		Defrag:   defrag.DefaultConfig(),
		Engine:   EngineConfig{QueueSize: 256},
		Log: log.LoggerConfig{
			Level:   "info",
			Pattern: "%time [%level] %caller: %msg %field",
			Time:    "2006-01-02 15:04:05",
			File: log.FileConfig{
				Filename:   "pcapkit.log",
				MaxSize:    100,
				MaxBackups: 5,
				MaxAge:     30,
			},
		},
		Metrics: MetricsConfig{
			Listen: ":9091",
			Path:   "/metrics",
		},
	}
}

// Load loads configuration from path; an empty path uses the defaults.
// The YAML file uses `pcapkit:` as root key; env vars use the PCAPKIT_ prefix
// (e.g., PCAPKIT_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// key "pcapkit.log.level" → env "PCAPKIT_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", core.ErrConfigInvalid, err)
	}
	cfg := root.Pcapkit

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "pcapkit." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	def := Default()

	// Pool defaults
	v.SetDefault("pcapkit.pool.name", def.Pool.Name)
	v.SetDefault("pcapkit.pool.pool_size", def.Pool.PoolSize)
	v.SetDefault("pcapkit.pool.max_pool_size", def.Pool.MaxPoolSize)
	v.SetDefault("pcapkit.pool.max_buffer_capacity", def.Pool.MaxBufferCapacity)
	v.SetDefault("pcapkit.pool.zeroing", def.Pool.Zeroing)
	v.SetDefault("pcapkit.pool.leak_detection", def.Pool.LeakDetection)

	// Follower defaults
	v.SetDefault("pcapkit.follower.enabled", def.Follower.Enabled)
	v.SetDefault("pcapkit.follower.max_streams", def.Follower.MaxStreams)
	v.SetDefault("pcapkit.follower.idle_timeout", def.Follower.IdleTimeout)
	v.SetDefault("pcapkit.follower.sweep_interval", def.Follower.SweepInterval)
	v.SetDefault("pcapkit.follower.link_type", def.Follower.LinkType)

	// Defrag defaults
	v.SetDefault("pcapkit.defrag.enabled", def.Defrag.Enabled)
	v.SetDefault("pcapkit.defrag.timeout", def.Defrag.Timeout)
	v.SetDefault("pcapkit.defrag.max_fragments", def.Defrag.MaxFragments)
	v.SetDefault("pcapkit.defrag.max_datagram_size", def.Defrag.MaxDatagramSize)
	v.SetDefault("pcapkit.defrag.max_frags_per_second", def.Defrag.MaxFragsPerSecond)
	v.SetDefault("pcapkit.defrag.burst", def.Defrag.Burst)

	// Source defaults
	v.SetDefault("pcapkit.source.type", def.Source.Type)

	// Engine defaults
	v.SetDefault("pcapkit.engine.queue_size", def.Engine.QueueSize)
	v.SetDefault("pcapkit.engine.max_frames", def.Engine.MaxFrames)

	// Log defaults
	v.SetDefault("pcapkit.log.level", def.Log.Level)
	v.SetDefault("pcapkit.log.pattern", def.Log.Pattern)
	v.SetDefault("pcapkit.log.time", def.Log.Time)
	v.SetDefault("pcapkit.log.caller", def.Log.Caller)
	v.SetDefault("pcapkit.log.file.enabled", def.Log.File.Enabled)
	v.SetDefault("pcapkit.log.file.filename", def.Log.File.Filename)
	v.SetDefault("pcapkit.log.file.max_size", def.Log.File.MaxSize)
	v.SetDefault("pcapkit.log.file.max_backups", def.Log.File.MaxBackups)
	v.SetDefault("pcapkit.log.file.max_age", def.Log.File.MaxAge)
	v.SetDefault("pcapkit.log.file.compress", def.Log.File.Compress)

	// Metrics defaults
	v.SetDefault("pcapkit.metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("pcapkit.metrics.listen", def.Metrics.Listen)
	v.SetDefault("pcapkit.metrics.path", def.Metrics.Path)
}

// Validate checks every section. Errors wrap core.ErrConfigInvalid.
func (cfg *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	// ── Log ──
	validLevels := []string{"trace", "debug", "info", "warn", "warning", "error"}
	if !slices.Contains(validLevels, strings.ToLower(cfg.Log.Level)) {
		add("log", fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level))
	}
	add("log", cfg.Log.File.Validate())

	// ── Buffers and stages ──
	add("pool", cfg.Pool.Validate())
	add("follower", cfg.Follower.Validate())
	add("defrag", cfg.Defrag.Validate())
	if cfg.Engine.QueueSize <= 0 {
		add("engine", fmt.Errorf("queue_size must be positive, got %d", cfg.Engine.QueueSize))
	}

	// ── Source ──
	if cfg.Source.Type != "" && !slices.Contains(source.Types(), cfg.Source.Type) {
		add("source", fmt.Errorf("unknown type %q (known: %s)", cfg.Source.Type, strings.Join(source.Types(), ", ")))
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			add("metrics", errors.New("listen is required when metrics.enabled=true"))
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			add("metrics", fmt.Errorf("path must start with '/', got %q", cfg.Metrics.Path))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", core.ErrConfigInvalid, errors.Join(errs...))
}

// Stages assembles the engine configuration.
func (cfg *Config) Stages() engine.Config {
	return engine.Config{
		Follower:  cfg.Follower,
		Defrag:    cfg.Defrag,
		QueueSize: cfg.Engine.QueueSize,
		MaxFrames: cfg.Engine.MaxFrames,
	}
}

// Marshal renders cfg as YAML under the `pcapkit:` root key, in a form Load
// reads back.
func (cfg *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(configRoot{Pcapkit: *cfg})
}
