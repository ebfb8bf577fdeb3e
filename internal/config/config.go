// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads plughost configuration.
//
// Values are layered: built-in defaults, then the YAML config file, then
// command-line flags that were set explicitly.
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

	"github.com/holomush/plughost/internal/logging"
	"github.com/holomush/plughost/internal/xdg"
)

// Error codes.
const (
	CodeInvalid    = "CONFIG_INVALID"
	CodeLoadFailed = "CONFIG_LOAD_FAILED"
)

// Registry drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Config is the complete host configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Plugins  PluginsConfig  `koanf:"plugins"`
	Registry RegistryConfig `koanf:"registry"`
	HTTP     HTTPConfig     `koanf:"http"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// PluginsConfig configures plugin discovery and runtimes.
type PluginsConfig struct {
	Dir           string        `koanf:"dir"`
	Autoload      bool          `koanf:"autoload"`
	Watch         bool          `koanf:"watch"`
	WatchDebounce time.Duration `koanf:"watch_debounce"`
	Workdir       string        `koanf:"workdir"`
	Parallelism   int           `koanf:"parallelism"`
	CallTimeout   time.Duration `koanf:"call_timeout"`
}

// RegistryConfig selects and configures the plugin registry.
type RegistryConfig struct {
	Driver      string `koanf:"driver"`
	Path        string `koanf:"path"`
	DatabaseURL string `koanf:"database_url"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

// HTTPConfig configures the metrics, health and endpoint server.
type HTTPConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `koanf:"addr"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-format":      "log.format",
	"log-level":       "log.level",
	"plugins-dir":     "plugins.dir",
	"autoload":        "plugins.autoload",
	"watch":           "plugins.watch",
	"plugins-workdir": "plugins.workdir",
	"parallelism":     "plugins.parallelism",
	"registry":        "registry.driver",
	"registry-path":   "registry.path",
	"database-url":    "registry.database_url",
	"auto-migrate":    "registry.auto_migrate",
	"http-addr":       "http.addr",
}

// RegisterFlags adds the flags understood by Load to fs. Flag defaults are
// informational only; Load applies its own defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-format", logging.FormatJSON, "log format (json or text)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("plugins-dir", "", "plugin archive directory (default: XDG_DATA_HOME/plughost/plugins)")
	fs.Bool("autoload", true, "install every archive in the plugin directory at startup")
	fs.Bool("watch", false, "install and uninstall archives as they change in the plugin directory")
	fs.String("plugins-workdir", "", "work directory for binary plugins (default: XDG_RUNTIME_DIR/plughost/work)")
	fs.Int("parallelism", defaultParallelism, "maximum concurrent archive loads")
	fs.String("registry", DriverFile, "registry driver (memory, file or postgres)")
	fs.String("registry-path", "", "file registry path (default: XDG_STATE_HOME/plughost/registry.yaml)")
	fs.String("database-url", "", "postgres registry URL (default: $DATABASE_URL)")
	fs.Bool("auto-migrate", false, "apply registry migrations at startup")
	fs.String("http-addr", defaultHTTPAddr, "metrics/health/endpoint HTTP address (empty = disabled)")
}

const (
	defaultParallelism = 4
	defaultHTTPAddr    = "127.0.0.1:9100"
)

// Defaults returns the built-in configuration. Directory defaults follow
// the XDG base directory layout.
func Defaults() (map[string]any, error) {
	pluginsDir, err := xdg.PluginsDir()
	if err != nil {
		return nil, err
	}
	workdir, err := xdg.WorkDir()
	if err != nil {
		return nil, err
	}
	registryFile, err := xdg.RegistryFile()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"log.format":             logging.FormatJSON,
		"log.level":              "info",
		"plugins.dir":            pluginsDir,
		"plugins.autoload":       true,
		"plugins.watch":          false,
		"plugins.watch_debounce": 500 * time.Millisecond,
		"plugins.workdir":        workdir,
		"plugins.parallelism":    defaultParallelism,
		"plugins.call_timeout":   5 * time.Second,
		"registry.driver":        DriverFile,
		"registry.path":          registryFile,
		"registry.database_url":  "",
		"registry.auto_migrate":  false,
		"http.addr":              defaultHTTPAddr,
	}, nil
}

// Load builds the configuration. path is the config file; when empty the
// XDG config file is used if it exists. flags may be nil.
// registry.database_url falls back to $DATABASE_URL.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	defaults, err := Defaults()
	if err != nil {
		return nil, oops.Code(CodeLoadFailed).Wrap(err)
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, oops.Code(CodeLoadFailed).With("key", key).Wrap(err)
		}
	}

	explicit := path != ""
	if !explicit {
		if path, err = xdg.ConfigFile(); err != nil {
			return nil, oops.Code(CodeLoadFailed).Wrap(err)
		}
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.Code(CodeLoadFailed).With("path", path).Wrapf(err, "read config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code(CodeLoadFailed).Wrapf(err, "read flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code(CodeLoadFailed).Wrapf(err, "decode config")
	}
	if cfg.Registry.DatabaseURL == "" {
		cfg.Registry.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Log.Format != logging.FormatJSON && c.Log.Format != logging.FormatText {
		return oops.Code(CodeInvalid).With("log.format", c.Log.Format).
			Errorf("log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return oops.Code(CodeInvalid).With("log.level", c.Log.Level).
			Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Plugins.Parallelism < 1 {
		return oops.Code(CodeInvalid).With("plugins.parallelism", c.Plugins.Parallelism).
			Errorf("plugins.parallelism must be at least 1")
	}
	if (c.Plugins.Autoload || c.Plugins.Watch) && c.Plugins.Dir == "" {
		return oops.Code(CodeInvalid).Errorf("plugins.dir is required when autoload or watch is enabled")
	}
	if c.Plugins.CallTimeout <= 0 {
		return oops.Code(CodeInvalid).Errorf("plugins.call_timeout must be positive")
	}

	switch c.Registry.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Registry.Path == "" {
			return oops.Code(CodeInvalid).Errorf("registry.path is required for the file registry")
		}
	case DriverPostgres:
		if c.Registry.DatabaseURL == "" {
			return oops.Code(CodeInvalid).
				Hint("set registry.database_url or DATABASE_URL").
				Errorf("registry.database_url is required for the postgres registry")
		}
	default:
		return oops.Code(CodeInvalid).With("registry.driver", c.Registry.Driver).
			Errorf("registry.driver must be memory, file or postgres, got %q", c.Registry.Driver)
	}
	return nil
}
