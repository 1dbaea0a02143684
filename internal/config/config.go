// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package config loads the visor runtime configuration from a YAML file
// overlaid with command-line flags.
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/visorhq/visor/internal/logging"
	"github.com/visorhq/visor/internal/xdg"
)

// ErrCodeInvalid is returned for a config that fails to load or validate.
const ErrCodeInvalid = "CONFIG_INVALID"

// Defaults.
const (
	DefaultLogFormat      = "json"
	DefaultLogLevel       = "info"
	DefaultStorageTimeout = 5 * time.Second
	DefaultFetchTimeout   = 30 * time.Second
	DefaultCallStackSize  = 1024
)

// Config is the runtime configuration. Keys match the flag names.
type Config struct {
	PluginsDir     string        `koanf:"plugins-dir"`
	DatabaseURL    string        `koanf:"database-url"`
	AutoMigrate    bool          `koanf:"auto-migrate"`
	MetricsAddr    string        `koanf:"metrics-addr"`
	LogFormat      string        `koanf:"log-format"`
	LogLevel       string        `koanf:"log-level"`
	StorageTimeout time.Duration `koanf:"storage-timeout"`
	FetchTimeout   time.Duration `koanf:"fetch-timeout"`
	CallStackSize  int           `koanf:"call-stack-size"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		PluginsDir:     xdg.PluginsDir(),
		LogFormat:      DefaultLogFormat,
		LogLevel:       DefaultLogLevel,
		StorageTimeout: DefaultStorageTimeout,
		FetchTimeout:   DefaultFetchTimeout,
		CallStackSize:  DefaultCallStackSize,
	}
}

// RegisterFlags adds the configuration flags with their defaults.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("plugins-dir", d.PluginsDir, "directory holding plugin subdirectories")
	flags.String("database-url", "", "PostgreSQL URL for plugin storage (empty = in-memory)")
	flags.Bool("auto-migrate", false, "apply storage migrations on start")
	flags.String("metrics-addr", "", "metrics/health HTTP address (empty = disabled)")
	flags.String("log-format", d.LogFormat, "log format (json or text)")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.Duration("storage-timeout", d.StorageTimeout, "timeout for one storage call")
	flags.Duration("fetch-timeout", d.FetchTimeout, "timeout for fetching a plugin source URL")
	flags.Int("call-stack-size", d.CallStackSize, "maximum JS call stack depth")
}

// Load reads path, if set, and overlays flags. A missing file at
// the default location is not an error; a missing explicit file is.
func Load(path string, explicit bool, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" && (explicit || exists(path)) {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code(ErrCodeInvalid).With("path", path).Wrapf(err, "load config file")
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code(ErrCodeInvalid).Wrapf(err, "load flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code(ErrCodeInvalid).Wrapf(err, "decode config")
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code(ErrCodeInvalid).With("field", "log-format").
			Errorf("log-format must be 'json' or 'text', got %q", c.LogFormat)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return oops.Code(ErrCodeInvalid).With("field", "log-level").
			Errorf("log-level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.StorageTimeout <= 0 {
		return oops.Code(ErrCodeInvalid).With("field", "storage-timeout").Errorf("storage-timeout must be positive")
	}
	if c.FetchTimeout <= 0 {
		return oops.Code(ErrCodeInvalid).With("field", "fetch-timeout").Errorf("fetch-timeout must be positive")
	}
	if c.CallStackSize < 0 {
		return oops.Code(ErrCodeInvalid).With("field", "call-stack-size").Errorf("call-stack-size must not be negative")
	}
	if c.AutoMigrate && c.DatabaseURL == "" {
		return oops.Code(ErrCodeInvalid).With("field", "auto-migrate").Errorf("auto-migrate requires database-url")
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
