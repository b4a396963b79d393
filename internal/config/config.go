// Package config loads threadsync settings from defaults, an optional
// config file, a .env file and THREADSYNC_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/threadsync/threadsync/internal/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "THREADSYNC"

// Streaming channel kinds.
const (
	ChannelNone  = "none"
	ChannelFile  = "file"
	ChannelRedis = "redis"
)

// Config is the complete engine and CLI configuration.
type Config struct {
	// DataDir holds the store file and the file streaming channel
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Remote     RemoteConfig     `mapstructure:"remote" yaml:"remote"`
	Sync       SyncConfig       `mapstructure:"sync" yaml:"sync"`
	Streaming  StreamingConfig  `mapstructure:"streaming" yaml:"streaming"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard" yaml:"dashboard"`
	Completion CompletionConfig `mapstructure:"completion" yaml:"completion"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// StoreConfig configures the local store.
type StoreConfig struct {
	// Path of the SQLite file; relative paths resolve against DataDir
	Path string `mapstructure:"path" yaml:"path"`

	// MaxSlotBytes caps one persisted collection
	MaxSlotBytes int `mapstructure:"max_slot_bytes" yaml:"max_slot_bytes"`
}

// RemoteConfig points at the remote document store. An empty URL keeps
// everything in an in-memory store.
type RemoteConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	Token        string        `mapstructure:"token" yaml:"-"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
}

// SyncConfig tunes the orchestrator and the subscriber.
type SyncConfig struct {
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	BatchYield    time.Duration `mapstructure:"batch_yield" yaml:"batch_yield"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BranchSuffix  string        `mapstructure:"branch_suffix" yaml:"branch_suffix"`
	PageSize      int           `mapstructure:"page_size" yaml:"page_size"`
}

// StreamingConfig selects the cross-tab channel.
type StreamingConfig struct {
	// Channel is one of none, file, redis
	Channel      string        `mapstructure:"channel" yaml:"channel"`
	Dir          string        `mapstructure:"dir" yaml:"dir"`
	RedisAddr    string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisChannel string        `mapstructure:"redis_channel" yaml:"redis_channel"`
	Retention    time.Duration `mapstructure:"retention" yaml:"retention"`
	Freshness    time.Duration `mapstructure:"freshness" yaml:"freshness"`
}

// DashboardConfig configures the websocket event server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// CompletionConfig configures the Anthropic completion source.
type CompletionConfig struct {
	APIKey    string `mapstructure:"api_key" yaml:"-"`
	Model     string `mapstructure:"model" yaml:"model"`
	MaxTokens int64  `mapstructure:"max_tokens" yaml:"max_tokens"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url,omitempty"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	File        string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Logging converts to the logging package's config.
func (c LogConfig) Logging() logging.Config {
	return logging.Config{
		Level:       c.Level,
		Development: c.Development,
		File:        c.File,
		MaxSizeMB:   c.MaxSizeMB,
		MaxBackups:  c.MaxBackups,
		MaxAgeDays:  c.MaxAgeDays,
	}
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Store: StoreConfig{
			Path:         "threadsync.db",
			MaxSlotBytes: 5 << 20,
		},
		Remote: RemoteConfig{
			ReconnectMin: 500 * time.Millisecond,
			ReconnectMax: 30 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:     3,
			RetryInterval: 5 * time.Second,
			BatchYield:    50 * time.Millisecond,
			MaxAttempts:   0,
			BranchSuffix:  " (Branch)",
			PageSize:      200,
		},
		Streaming: StreamingConfig{
			Channel:      ChannelFile,
			Dir:          "streaming",
			RedisChannel: "threadsync:streaming",
			Retention:    5 * time.Second,
			Freshness:    5 * time.Second,
		},
		Dashboard: DashboardConfig{
			Addr: "127.0.0.1:8787",
		},
		Completion: CompletionConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "threadsync")
	}
	return ".threadsync"
}

// Load builds the configuration. path names a config file; when empty,
// threadsync.{yaml,yml,toml,json} is looked up in the working directory and
// in the default data directory. A missing file is not an error; an
// explicit path that does not exist is.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("completion.api_key", EnvPrefix+"_COMPLETION_API_KEY", "ANTHROPIC_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("threadsync")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given files that exist, leaving
// variables already set in the environment untouched.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.max_slot_bytes", d.Store.MaxSlotBytes)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.reconnect_min", d.Remote.ReconnectMin)
	v.SetDefault("remote.reconnect_max", d.Remote.ReconnectMax)

	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.retry_interval", d.Sync.RetryInterval)
	v.SetDefault("sync.batch_yield", d.Sync.BatchYield)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.branch_suffix", d.Sync.BranchSuffix)
	v.SetDefault("sync.page_size", d.Sync.PageSize)

	v.SetDefault("streaming.channel", d.Streaming.Channel)
	v.SetDefault("streaming.dir", d.Streaming.Dir)
	v.SetDefault("streaming.redis_addr", d.Streaming.RedisAddr)
	v.SetDefault("streaming.redis_channel", d.Streaming.RedisChannel)
	v.SetDefault("streaming.retention", d.Streaming.Retention)
	v.SetDefault("streaming.freshness", d.Streaming.Freshness)

	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.addr", d.Dashboard.Addr)

	v.SetDefault("completion.model", d.Completion.Model)
	v.SetDefault("completion.max_tokens", d.Completion.MaxTokens)
	v.SetDefault("completion.base_url", d.Completion.BaseURL)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Validate checks values that the services cannot correct on their own.
func (c *Config) Validate() error {
	switch c.Streaming.Channel {
	case ChannelNone, ChannelFile:
	case ChannelRedis:
		if c.Streaming.RedisAddr == "" {
			return fmt.Errorf("streaming.redis_addr is required for the redis channel")
		}
	default:
		return fmt.Errorf("unknown streaming channel %q (want none, file or redis)", c.Streaming.Channel)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative")
	}
	if c.Remote.ReconnectMax > 0 && c.Remote.ReconnectMin > c.Remote.ReconnectMax {
		return fmt.Errorf("remote.reconnect_min exceeds remote.reconnect_max")
	}
	return nil
}

// StorePath returns the store file path resolved against DataDir.
func (c *Config) StorePath() string {
	return c.resolve(c.Store.Path)
}

// StreamingDir returns the file channel directory resolved against DataDir.
func (c *Config) StreamingDir() string {
	return c.resolve(c.Streaming.Dir)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.DataDir == "" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
