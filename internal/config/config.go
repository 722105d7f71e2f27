// Package config loads engine configuration. SCHOOLSYNC_* environment
// variables override the config file, which overrides built-in defaults.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "SCHOOLSYNC"

// Remote modes.
const (
	RemoteHTTP   = "http"
	RemoteMemory = "memory"
)

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Mode      string `mapstructure:"mode" yaml:"mode"`
	URL       string `mapstructure:"url" yaml:"url"`
	Token     string `mapstructure:"token" yaml:"token"`
	TimeoutMS int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

// LogConfig configures logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// HTTPConfig configures the local API.
type HTTPConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// Config is the complete engine configuration.
type Config struct {
	DataDir              string `mapstructure:"data_dir" yaml:"data_dir"`
	CollectionsFile      string `mapstructure:"collections_file" yaml:"collections_file"`
	AutoSync             bool   `mapstructure:"auto_sync" yaml:"auto_sync"`
	SyncIntervalMS       int    `mapstructure:"sync_interval_ms" yaml:"sync_interval_ms"`
	StabilizationDelayMS int    `mapstructure:"stabilization_delay_ms" yaml:"stabilization_delay_ms"`
	MaxRetries           int    `mapstructure:"max_retries" yaml:"max_retries"`
	BaseRetryDelayMS     int    `mapstructure:"base_retry_delay_ms" yaml:"base_retry_delay_ms"`
	MaxRetryDelayMS      int    `mapstructure:"max_retry_delay_ms" yaml:"max_retry_delay_ms"`
	ConflictStrategy     string `mapstructure:"conflict_strategy" yaml:"conflict_strategy"`
	RequestTimeoutMS     int    `mapstructure:"request_timeout_ms" yaml:"request_timeout_ms"`
	ProbeIntervalMS      int    `mapstructure:"probe_interval_ms" yaml:"probe_interval_ms"`
	UnstableRTTMS        int    `mapstructure:"unstable_rtt_ms" yaml:"unstable_rtt_ms"`
	PullPageSize         int    `mapstructure:"pull_page_size" yaml:"pull_page_size"`

	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	HTTP   HTTPConfig   `mapstructure:"http" yaml:"http"`
}

// strategies accepted for conflict_strategy.
var strategies = []string{"lastWriteWins", "localWins", "remoteWins", "manual"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("collections_file", "")
	v.SetDefault("auto_sync", true)
	v.SetDefault("sync_interval_ms", 30000)
	v.SetDefault("stabilization_delay_ms", 1000)
	v.SetDefault("max_retries", 3)
	v.SetDefault("base_retry_delay_ms", 1000)
	v.SetDefault("max_retry_delay_ms", 60000)
	v.SetDefault("conflict_strategy", "lastWriteWins")
	v.SetDefault("request_timeout_ms", 20000)
	v.SetDefault("probe_interval_ms", 30000)
	v.SetDefault("unstable_rtt_ms", 1000)
	v.SetDefault("pull_page_size", 200)

	v.SetDefault("remote.mode", RemoteHTTP)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout_ms", 20000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", "127.0.0.1:8090")
	v.SetDefault("http.allowed_origins", []string{})
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "schoolsync")
	}
	return "./data"
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (YAML, TOML or JSON by extension) when it is non-empty,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that override settings
// before validating.
func Read(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "read config "+path, err)
		}
	}
	return decode(v)
}

// Parse decodes a configuration document in format ("yaml", "toml" or
// "json"), applies environment overrides and validates the result. Embedding
// hosts use it to pass configuration without a file.
func Parse(data []byte, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "parse config", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "decode config", err)
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrInvalid, "data_dir is required")
	}
	positive := map[string]int{
		"sync_interval_ms":       c.SyncIntervalMS,
		"stabilization_delay_ms": c.StabilizationDelayMS,
		"base_retry_delay_ms":    c.BaseRetryDelayMS,
		"max_retry_delay_ms":     c.MaxRetryDelayMS,
		"request_timeout_ms":     c.RequestTimeoutMS,
		"probe_interval_ms":      c.ProbeIntervalMS,
		"unstable_rtt_ms":        c.UnstableRTTMS,
		"pull_page_size":         c.PullPageSize,
		"remote.timeout_ms":      c.Remote.TimeoutMS,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			return errors.Newf(errors.ErrInvalid, "%s must be positive, got %d", key, positive[key])
		}
	}
	if c.MaxRetries < 0 {
		return errors.Newf(errors.ErrInvalid, "max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.MaxRetryDelayMS < c.BaseRetryDelayMS {
		return errors.New(errors.ErrInvalid, "max_retry_delay_ms must not be below base_retry_delay_ms")
	}
	if !contains(strategies, c.ConflictStrategy) {
		return errors.Newf(errors.ErrInvalid, "unknown conflict_strategy %q (want one of %s)",
			c.ConflictStrategy, strings.Join(strategies, ", "))
	}
	switch c.Remote.Mode {
	case RemoteMemory:
	case RemoteHTTP:
		if c.Remote.URL == "" {
			return errors.New(errors.ErrInvalid, "remote.url is required when remote.mode is http")
		}
	default:
		return errors.Newf(errors.ErrInvalid, "unknown remote.mode %q (want http or memory)", c.Remote.Mode)
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return errors.New(errors.ErrInvalid, "http.addr is required when http.enabled is set")
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// SyncInterval returns sync_interval_ms as a duration.
func (c *Config) SyncInterval() time.Duration { return ms(c.SyncIntervalMS) }

// StabilizationDelay returns stabilization_delay_ms as a duration.
func (c *Config) StabilizationDelay() time.Duration { return ms(c.StabilizationDelayMS) }

// BaseRetryDelay returns base_retry_delay_ms as a duration.
func (c *Config) BaseRetryDelay() time.Duration { return ms(c.BaseRetryDelayMS) }

// MaxRetryDelay returns max_retry_delay_ms as a duration.
func (c *Config) MaxRetryDelay() time.Duration { return ms(c.MaxRetryDelayMS) }

// RequestTimeout returns request_timeout_ms as a duration.
func (c *Config) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMS) }

// ProbeInterval returns probe_interval_ms as a duration.
func (c *Config) ProbeInterval() time.Duration { return ms(c.ProbeIntervalMS) }

// UnstableRTT returns unstable_rtt_ms as a duration.
func (c *Config) UnstableRTT() time.Duration { return ms(c.UnstableRTTMS) }

// RemoteTimeout returns remote.timeout_ms as a duration.
func (c *Config) RemoteTimeout() time.Duration { return ms(c.Remote.TimeoutMS) }

// Redacted returns a copy safe to print: the remote token is masked.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.HTTP.AllowedOrigins = append([]string(nil), c.HTTP.AllowedOrigins...)
	if cp.Remote.Token != "" {
		cp.Remote.Token = "***REDACTED***"
	}
	return &cp
}
