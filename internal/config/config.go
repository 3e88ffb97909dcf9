// Package config loads the daemon configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"gitlab.com/d21d3q/wmbusd/internal/server"
)

// Config is the complete daemon configuration.
type Config struct {
	TCP      string
	Unix     string
	UnixMode os.FileMode

	MaxCachedMeters int
	MaxPending      int
	Workers         int
	MaxLineBytes    int
	RequestTimeout  time.Duration
	IdleTimeout     time.Duration

	Log Log
}

// Log selects the log level and output format.
type Log struct {
	Level  string
	Format string
}

type fileConfig struct {
	TCP             string  `toml:"tcp"`
	Unix            string  `toml:"unix"`
	UnixMode        string  `toml:"unix_mode"`
	MaxCachedMeters int     `toml:"max_cached_meters"`
	MaxPending      int     `toml:"max_pending"`
	Workers         int     `toml:"workers"`
	MaxLineBytes    int     `toml:"max_line_bytes"`
	RequestTimeout  string  `toml:"request_timeout"`
	IdleTimeout     string  `toml:"idle_timeout"`
	Log             fileLog `toml:"log"`
}

type fileLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	opts := server.DefaultOptions()
	return Config{
		TCP:             "127.0.0.1:4711",
		UnixMode:        0o660,
		MaxCachedMeters: opts.MaxCachedMeters,
		MaxPending:      opts.MaxPending,
		Workers:         opts.Workers,
		MaxLineBytes:    opts.MaxLineBytes,
		RequestTimeout:  opts.RequestTimeout,
		IdleTimeout:     opts.IdleTimeout,
		Log:             Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(Default(), raw, meta)
}

// Parse reads a TOML document over the defaults.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(Default(), raw, meta)
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("tcp") {
		cfg.TCP = strings.TrimSpace(raw.TCP)
	}
	if meta.IsDefined("unix") {
		cfg.Unix = strings.TrimSpace(raw.Unix)
	}
	if meta.IsDefined("unix_mode") {
		mode, err := ParseMode(raw.UnixMode)
		if err != nil {
			return Config{}, err
		}
		cfg.UnixMode = mode
	}
	if meta.IsDefined("max_cached_meters") {
		cfg.MaxCachedMeters = raw.MaxCachedMeters
	}
	if meta.IsDefined("max_pending") {
		cfg.MaxPending = raw.MaxPending
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("max_line_bytes") {
		cfg.MaxLineBytes = raw.MaxLineBytes
	}
	if meta.IsDefined("request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RequestTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	return cfg, nil
}

// ParseMode parses an octal file mode such as "0660".
func ParseMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
	if err != nil || v > 0o777 {
		return 0, fmt.Errorf("parse unix_mode %q: want an octal permission like 0660", s)
	}
	return os.FileMode(v), nil
}

// Validate reports every setting the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.TCP == "" && c.Unix == "" {
		errs = append(errs, errors.New("no endpoint configured: set tcp, unix or both"))
	}
	positive := []struct {
		name  string
		value int
	}{
		{"max_cached_meters", c.MaxCachedMeters},
		{"max_pending", c.MaxPending},
		{"workers", c.Workers},
		{"max_line_bytes", c.MaxLineBytes},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle_timeout must not be negative, got %s", c.IdleTimeout))
	}
	return errors.Join(errs...)
}

// Server converts the configuration into server settings.
func (c Config) Server() server.Config {
	return server.Config{
		TCP:      c.TCP,
		Unix:     c.Unix,
		UnixMode: c.UnixMode,
		Session: server.Options{
			Workers:         c.Workers,
			MaxPending:      c.MaxPending,
			MaxCachedMeters: c.MaxCachedMeters,
			MaxLineBytes:    c.MaxLineBytes,
			RequestTimeout:  c.RequestTimeout,
			IdleTimeout:     c.IdleTimeout,
		},
	}
}
