// Package config loads contactctl settings from a TOML or YAML file with
// CONTACTSYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "CONTACTSYNC_"

var (
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrInvalid           = errors.New("invalid config")
)

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("%w: duration %q: %w", ErrInvalid, string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("%w: duration: %w", ErrInvalid, err)
	}
	return d.UnmarshalText([]byte(s))
}

type APIConfig struct {
	BaseURL    string   `toml:"base_url" yaml:"base_url"`
	AppKey     string   `toml:"app_key" yaml:"app_key"`
	AppToken   string   `toml:"app_token" yaml:"app_token"`
	Platform   string   `toml:"platform" yaml:"platform"`
	SDKVersion string   `toml:"sdk_version" yaml:"sdk_version"`
	Timeout    Duration `toml:"timeout" yaml:"timeout"`
	MaxRetries int      `toml:"max_retries" yaml:"max_retries"`
}

type StorageConfig struct {
	StateDSN    string `toml:"state_dsn" yaml:"state_dsn"`
	LogDSN      string `toml:"log_dsn" yaml:"log_dsn"`
	LogCapacity int    `toml:"log_capacity" yaml:"log_capacity"`
}

type ContactConfig struct {
	Locale                    string   `toml:"locale" yaml:"locale"`
	ForegroundResolveInterval Duration `toml:"foreground_resolve_interval" yaml:"foreground_resolve_interval"`
	MaxResolveAge             Duration `toml:"max_resolve_age" yaml:"max_resolve_age"`
}

type RemoteDataConfig struct {
	ForegroundRefreshInterval Duration `toml:"foreground_refresh_interval" yaml:"foreground_refresh_interval"`
	PushURL                   string   `toml:"push_url" yaml:"push_url"`
	DisabledSources           []string `toml:"disabled_sources" yaml:"disabled_sources"`
}

type RunConfig struct {
	Interval Duration `toml:"interval" yaml:"interval"`
	// Jitter spreads each interval by up to this fraction either way.
	Jitter float64 `toml:"jitter" yaml:"jitter"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type Config struct {
	API        APIConfig        `toml:"api" yaml:"api"`
	Storage    StorageConfig    `toml:"storage" yaml:"storage"`
	Contact    ContactConfig    `toml:"contact" yaml:"contact"`
	RemoteData RemoteDataConfig `toml:"remote_data" yaml:"remote_data"`
	Run        RunConfig        `toml:"run" yaml:"run"`
	Log        LogConfig        `toml:"log" yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		c.API.BaseURL = "http://127.0.0.1:8080"
	}
	if c.API.Platform == "" {
		c.API.Platform = "go"
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = Duration(15 * time.Second)
	}
	if c.API.MaxRetries < 0 {
		c.API.MaxRetries = 0
	}
	if c.Storage.StateDSN == "" {
		c.Storage.StateDSN = filepath.Join(".contactsync", "state.json")
	}
	if c.Storage.LogDSN == "" {
		c.Storage.LogDSN = filepath.Join(".contactsync", "operations.json")
	}
	if c.Contact.ForegroundResolveInterval <= 0 {
		c.Contact.ForegroundResolveInterval = Duration(60 * time.Second)
	}
	if c.Contact.MaxResolveAge <= 0 {
		c.Contact.MaxResolveAge = Duration(60 * time.Second)
	}
	if c.RemoteData.ForegroundRefreshInterval <= 0 {
		c.RemoteData.ForegroundRefreshInterval = Duration(10 * time.Second)
	}
	if c.Run.Interval <= 0 {
		c.Run.Interval = Duration(30 * time.Second)
	}
	if c.Run.Jitter <= 0 {
		c.Run.Jitter = 0.2
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks fields that have no usable default.
func (c Config) Validate() error {
	if c.API.AppKey == "" {
		return fmt.Errorf("%w: api.app_key is required", ErrInvalid)
	}
	if c.Run.Jitter >= 1 {
		return fmt.Errorf("%w: run.jitter must be below 1", ErrInvalid)
	}
	if _, err := c.LocaleTag(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// LocaleTag parses Contact.Locale. An empty locale is language.Und.
func (c Config) LocaleTag() (language.Tag, error) {
	if strings.TrimSpace(c.Contact.Locale) == "" {
		return language.Und, nil
	}
	tag, err := language.Parse(c.Contact.Locale)
	if err != nil {
		return language.Und, fmt.Errorf("%w: contact.locale %q: %w", ErrInvalid, c.Contact.Locale, err)
	}
	return tag, nil
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. An empty path loads from the environment only.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(path, data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes data in the format named by path's extension.
func Parse(path string, data []byte) (Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return cfg, nil
}

// Marshal encodes cfg in the format named by ext.
func Marshal(cfg Config, ext string) ([]byte, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "toml":
		return toml.Marshal(cfg)
	case "yaml", "yml":
		return yaml.Marshal(cfg)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
}

// ApplyEnv overrides fields from CONTACTSYNC_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			parsed, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s=%q", ErrInvalid, EnvPrefix, name, v))
				return
			}
			*dst = parsed
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			}
		}
	}

	str("BASE_URL", &c.API.BaseURL)
	str("APP_KEY", &c.API.AppKey)
	str("APP_TOKEN", &c.API.AppToken)
	str("PLATFORM", &c.API.Platform)
	str("SDK_VERSION", &c.API.SDKVersion)
	duration("TIMEOUT", &c.API.Timeout)
	integer("MAX_RETRIES", &c.API.MaxRetries)
	str("STATE_DSN", &c.Storage.StateDSN)
	str("LOG_DSN", &c.Storage.LogDSN)
	integer("LOG_CAPACITY", &c.Storage.LogCapacity)
	str("LOCALE", &c.Contact.Locale)
	duration("FOREGROUND_RESOLVE_INTERVAL", &c.Contact.ForegroundResolveInterval)
	duration("MAX_RESOLVE_AGE", &c.Contact.MaxResolveAge)
	duration("FOREGROUND_REFRESH_INTERVAL", &c.RemoteData.ForegroundRefreshInterval)
	str("PUSH_URL", &c.RemoteData.PushURL)
	if v, ok := lookup(EnvPrefix + "DISABLED_SOURCES"); ok {
		c.RemoteData.DisabledSources = splitList(v)
	}
	duration("RUN_INTERVAL", &c.Run.Interval)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	return multierr.Combine(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
