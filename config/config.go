// Package config loads runtime configuration from TOML.
//
// Example:
//
//	[log]
//	level = "debug"
//
//	[runtime]
//	unhandled_rejections = "log"
//	heap_limit = 1073741824
//	heap_sample_interval = "10ms"
//	snapshot = "startup.bin"
//
//	[runtime.rejection_log_rates]
//	"1s" = 5
//	"1m" = 60
//
//	[modules]
//	root = "./src"
//
//	[modules.imports]
//	"lib/" = "./vendor/lib/"
//
// Relative paths are resolved against the directory of the config file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-jsruntime/core"
	"github.com/joeycumines/go-jsruntime/loader"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

type (
	// Config is the decoded configuration file. The zero value is valid.
	Config struct {
		Log     Log     `toml:"log"`
		Runtime Runtime `toml:"runtime"`
		Modules Modules `toml:"modules"`

		// dir is the base for relative paths.
		dir string
	}

	Log struct {
		// Level is a syslog keyword (e.g. "info", "warning") or "disabled".
		// Defaults to "info".
		Level string `toml:"level"`
	}

	Runtime struct {
		// UnhandledRejections is "abort" (default) or "log".
		UnhandledRejections string `toml:"unhandled_rejections"`

		// RejectionLogRates maps a window (a Go duration string) to the
		// number of rejections logged per error class within it.
		RejectionLogRates map[string]int `toml:"rejection_log_rates"`

		HeapLimit          uint64        `toml:"heap_limit"`
		HeapSampleInterval time.Duration `toml:"heap_sample_interval"`

		// Snapshot is a file written by "jsrt snapshot", restored on startup.
		Snapshot string `toml:"snapshot"`
	}

	Modules struct {
		// Root is the directory served as file:///. Defaults to the working
		// directory.
		Root string `toml:"root"`

		// Imports is an import map, see [loader.NewImportMap].
		Imports map[string]string `toml:"imports"`
	}
)

var (
	// ErrUnknownKey is returned when a config file has keys that are not
	// part of [Config].
	ErrUnknownKey = errors.New("config: unknown key")

	// ErrInvalid is returned for values that are well-formed TOML but not
	// valid settings.
	ErrInvalid = errors.New("config: invalid value")
)

// Load reads and decodes the config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Decode decodes a config from r. Relative paths resolve against the
// working directory.
func Decode(r io.Reader) (*Config, error) {
	var cfg Config
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (x *Config) validate() error {
	if _, err := x.level(); err != nil {
		return err
	}
	if _, err := x.rejectionMode(); err != nil {
		return err
	}
	if _, err := x.rejectionLogRates(); err != nil {
		return err
	}
	if x.Runtime.HeapSampleInterval < 0 {
		return fmt.Errorf("%w: runtime.heap_sample_interval must not be negative", ErrInvalid)
	}
	return nil
}

// Path resolves p against the directory of the config file.
func (x *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || x.dir == "" {
		return p
	}
	return filepath.Join(x.dir, p)
}

func (x *Config) level() (logiface.Level, error) {
	switch v := strings.ToLower(x.Log.Level); v {
	case "":
		return logiface.LevelInformational, nil
	case "error":
		return logiface.LevelError, nil
	case "warn":
		return logiface.LevelWarning, nil
	default:
		for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
			if level.String() == v {
				return level, nil
			}
		}
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, x.Log.Level)
	}
}

func (x *Config) rejectionMode() (core.UnhandledRejectionMode, error) {
	switch x.Runtime.UnhandledRejections {
	case "", "abort":
		return core.UnhandledRejectionsAbort, nil
	case "log":
		return core.UnhandledRejectionsLog, nil
	default:
		return 0, fmt.Errorf("%w: runtime.unhandled_rejections %q", ErrInvalid, x.Runtime.UnhandledRejections)
	}
}

func (x *Config) rejectionLogRates() (map[time.Duration]int, error) {
	if len(x.Runtime.RejectionLogRates) == 0 {
		return nil, nil
	}
	rates := make(map[time.Duration]int, len(x.Runtime.RejectionLogRates))
	for k, v := range x.Runtime.RejectionLogRates {
		d, err := time.ParseDuration(k)
		if err != nil || d <= 0 || v <= 0 {
			return nil, fmt.Errorf("%w: runtime.rejection_log_rates %q = %d", ErrInvalid, k, v)
		}
		rates[d] = v
	}
	return rates, nil
}

// Logger builds a JSON lines logger writing to w, at the configured level.
func (x *Config) Logger(w io.Writer) *logiface.Logger[logiface.Event] {
	level, _ := x.level()
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// ModuleLoader builds the loader stack: the module root directory, behind
// a cache, behind the import map (if any).
func (x *Config) ModuleLoader() (core.ModuleLoader, error) {
	root := x.Path(x.Modules.Root)
	if root == "" {
		root = "."
	}
	var l core.ModuleLoader = loader.NewCached(loader.Dir(root))
	if len(x.Modules.Imports) != 0 {
		m, err := loader.NewImportMap(l, x.Modules.Imports)
		if err != nil {
			return nil, fmt.Errorf("%w: modules.imports: %w", ErrInvalid, err)
		}
		l = m
	}
	return l, nil
}

// Options converts the config to [core.Options]. The snapshot file, if
// configured, is read. Extensions and output streams are left to the
// caller.
func (x *Config) Options(logger *logiface.Logger[logiface.Event]) (core.Options, error) {
	mode, err := x.rejectionMode()
	if err != nil {
		return core.Options{}, err
	}
	rates, err := x.rejectionLogRates()
	if err != nil {
		return core.Options{}, err
	}
	moduleLoader, err := x.ModuleLoader()
	if err != nil {
		return core.Options{}, err
	}
	opts := core.Options{
		ModuleLoader:        moduleLoader,
		Logger:              logger,
		RejectionLogRates:   rates,
		HeapLimit:           x.Runtime.HeapLimit,
		HeapSampleInterval:  x.Runtime.HeapSampleInterval,
		UnhandledRejections: mode,
	}
	if x.Runtime.Snapshot != "" {
		opts.StartupSnapshot, err = os.ReadFile(x.Path(x.Runtime.Snapshot))
		if err != nil {
			return core.Options{}, fmt.Errorf("config: runtime.snapshot: %w", err)
		}
	}
	return opts, nil
}
