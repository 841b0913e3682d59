// Package config loads the veil daemon configuration: a YAML file with
// defaults, overlaid by VEIL_* environment variables.
//
//	log:
//	  level: info
//	packs:
//	  dir: ./packs
//	settings:
//	  backend: sqlite
//	  path: ./veil-settings.db
//	browser:
//	  resource_blocking: [images, fonts, media]
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/commentveil/bridge"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VEIL_"

// Settings backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the top-level configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Packs     PacksConfig     `yaml:"packs" envPrefix:"PACKS_"`
	Settings  SettingsConfig  `yaml:"settings" envPrefix:"SETTINGS_"`
	Drift     DriftConfig     `yaml:"drift" envPrefix:"DRIFT_"`
	Browser   bridge.Config   `yaml:"browser" envPrefix:"BROWSER_"`
	Scheduler SchedulerConfig `yaml:"scheduler" envPrefix:"SCHEDULER_"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or text. Default: json.
	Format string `yaml:"format" env:"FORMAT"`
}

// PacksConfig locates veil packs.
type PacksConfig struct {
	// Dir holds pack JSON files. They shadow the bundled packs.
	Dir string `yaml:"dir" env:"DIR"`
	// FetchTimeout bounds one pack fetch. Default: 2s.
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	// Fallback is used when the active selector resolves nothing.
	// Default: core.
	Fallback string `yaml:"fallback" env:"FALLBACK"`
}

// SettingsConfig selects where engine settings live.
type SettingsConfig struct {
	// Backend is memory, file or sqlite. Default: file.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Path is the YAML file or SQLite database. Default: veil-settings.yaml
	// or veil-settings.db by backend.
	Path string `yaml:"path" env:"PATH"`
	// PollInterval is the sqlite change poll period. Default: 500ms.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// Debounce is the quiet period after an external change. Default: 100ms.
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// DriftConfig controls the drift ledger.
type DriftConfig struct {
	// Disabled turns the ledger off; guard payloads are only logged.
	Disabled bool `yaml:"disabled" env:"DISABLED"`
	// DBPath default: veil-drift.db.
	DBPath string `yaml:"db_path" env:"DB_PATH"`
	// Retention default: 30 days.
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// SchedulerConfig tunes rescan debouncing.
type SchedulerConfig struct {
	// Debounce is the quiet period after a mutation. Zero uses the
	// platform default.
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	// MaxWait caps the delay under continuous mutation. Default: 1s.
	MaxWait time.Duration `yaml:"max_wait" env:"MAX_WAIT"`
}

func (c *Config) defaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Packs.FetchTimeout <= 0 {
		c.Packs.FetchTimeout = 2 * time.Second
	}
	if c.Packs.Fallback == "" {
		c.Packs.Fallback = "core"
	}
	if c.Settings.Backend == "" {
		c.Settings.Backend = BackendFile
	}
	if c.Settings.Path == "" {
		switch c.Settings.Backend {
		case BackendFile:
			c.Settings.Path = "veil-settings.yaml"
		case BackendSQLite:
			c.Settings.Path = "veil-settings.db"
		}
	}
	if c.Settings.PollInterval <= 0 {
		c.Settings.PollInterval = 500 * time.Millisecond
	}
	if c.Settings.Debounce <= 0 {
		c.Settings.Debounce = 100 * time.Millisecond
	}
	if c.Drift.DBPath == "" {
		c.Drift.DBPath = "veil-drift.db"
	}
	if c.Drift.Retention <= 0 {
		c.Drift.Retention = 30 * 24 * time.Hour
	}
	if c.Scheduler.MaxWait <= 0 {
		c.Scheduler.MaxWait = time.Second
	}
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	var c Config
	c.defaults()
	return &c
}

// Load reads path, applies the environment overlay and fills defaults. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	c.defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: log.format %q: want json or text", c.Log.Format))
	}
	switch c.Settings.Backend {
	case BackendMemory, BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("config: settings.backend %q: want memory, file or sqlite", c.Settings.Backend))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: log.level %q: %w", s, err)
	}
	return l, nil
}

// Logger builds the process logger writing to w. An invalid level falls
// back to info.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
