// Package config loads calsync settings from a config file, CALSYNC_*
// environment variables and command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CALSYNC_API_TOKEN.
const EnvPrefix = "CALSYNC"

// APIConfig describes the remote calendar API.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the sync engine. These are the settings hot reload applies.
type SyncConfig struct {
	Schedule      string        `mapstructure:"schedule"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	PrefetchDelay time.Duration `mapstructure:"prefetch_delay"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// ConnectivityConfig configures the reachability prober.
type ConnectivityConfig struct {
	// HealthURL is probed with HEAD. Empty means <api.base_url>/health.
	HealthURL string        `mapstructure:"health_url"`
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DashboardConfig configures the live dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures the process log.
type LogConfig struct {
	// File enables a rotated log file next to stderr output.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the top-level application configuration.
type Config struct {
	API          APIConfig          `mapstructure:"api"`
	UserID       int64              `mapstructure:"user_id"`
	DBPath       string             `mapstructure:"db_path"`
	Timezone     string             `mapstructure:"timezone"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Log          LogConfig          `mapstructure:"log"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000/api",
			Timeout: 15 * time.Second,
		},
		DBPath:   defaultDBPath(),
		Timezone: "Local",
		Sync: SyncConfig{
			Schedule:      "@every 5m",
			CacheTTL:      30 * time.Minute,
			PrefetchDelay: 500 * time.Millisecond,
			MaxAttempts:   10,
		},
		Connectivity: ConnectivityConfig{
			Interval: 15 * time.Second,
			Timeout:  5 * time.Second,
		},
		Dashboard: DashboardConfig{Port: 8080},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".calsync", "calsync.db")
	}
	return filepath.Join(dir, "calsync", "calsync.db")
}

// DefaultPath returns the config file used when --config is not given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".calsync", "config.yaml")
	}
	return filepath.Join(dir, "calsync", "config.yaml")
}

// settings flattens c into viper keys.
func (c *Config) settings() map[string]any {
	return map[string]any{
		"api.base_url":            c.API.BaseURL,
		"api.token":               c.API.Token,
		"api.timeout":             c.API.Timeout,
		"user_id":                 c.UserID,
		"db_path":                 c.DBPath,
		"timezone":                c.Timezone,
		"sync.schedule":           c.Sync.Schedule,
		"sync.cache_ttl":          c.Sync.CacheTTL,
		"sync.prefetch_delay":     c.Sync.PrefetchDelay,
		"sync.max_attempts":       c.Sync.MaxAttempts,
		"connectivity.health_url": c.Connectivity.HealthURL,
		"connectivity.interval":   c.Connectivity.Interval,
		"connectivity.timeout":    c.Connectivity.Timeout,
		"dashboard.port":          c.Dashboard.Port,
		"log.file":                c.Log.File,
		"log.max_size_mb":         c.Log.MaxSizeMB,
		"log.max_backups":         c.Log.MaxBackups,
		"log.max_age_days":        c.Log.MaxAgeDays,
	}
}

// Keys returns every configuration key.
func Keys() []string {
	keys := make([]string, 0, 20)
	for k := range DefaultConfig().settings() {
		keys = append(keys, k)
	}
	return keys
}

// NewViper returns a viper instance with defaults and environment overrides registered.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range DefaultConfig().settings() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (yaml or toml, chosen by extension) into v and decodes the
// merged result. A missing file is not an error; defaults, environment and
// any flags bound to v still apply. A nil v means NewViper().
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
		return fmt.Errorf("invalid sync.schedule %q: %w", c.Sync.Schedule, err)
	}
	if c.Sync.CacheTTL <= 0 {
		return fmt.Errorf("sync.cache_ttl must be positive (got %s)", c.Sync.CacheTTL)
	}
	if c.Sync.PrefetchDelay < 0 {
		return fmt.Errorf("sync.prefetch_delay must not be negative (got %s)", c.Sync.PrefetchDelay)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative (got %d)", c.Sync.MaxAttempts)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// HealthURL returns the connectivity probe target.
func (c *Config) HealthURL() string {
	if c.Connectivity.HealthURL != "" {
		return c.Connectivity.HealthURL
	}
	return strings.TrimRight(c.API.BaseURL, "/") + "/health"
}

// document nests the flat settings into sections, rendering durations as
// strings so the written file reads back through viper's duration decoding.
func (c *Config) document() map[string]any {
	doc := make(map[string]any)
	for key, val := range c.settings() {
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		section, name, nested := strings.Cut(key, ".")
		if !nested {
			doc[key] = val
			continue
		}
		sub, _ := doc[section].(map[string]any)
		if sub == nil {
			sub = make(map[string]any)
			doc[section] = sub
		}
		sub[name] = val
	}
	return doc
}

// Marshal renders c in the format implied by path's extension (.toml or yaml).
func Marshal(path string, c *Config) ([]byte, error) {
	doc := c.document()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	case ".yaml", ".yml", "":
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// Save writes c to path atomically with 0600 permissions.
func Save(path string, c *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if c == nil {
		return errors.New("config is nil")
	}

	data, err := Marshal(path, c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move config into place: %w", err)
	}
	return nil
}
