// Package config loads and validates the runtime's configuration file
// (modulaur.yaml). All durations carry a floor and the sandbox invocation
// timeout must leave the HTTP bridge room to fail cleanly first.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// Duration decodes YAML duration strings ("15s", "2m") into a
// time.Duration. Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration document.
type Config struct {
	PluginDir string  `yaml:"plugin_dir,omitempty"`
	DataDir   string  `yaml:"data_dir,omitempty"`
	LogLevel  string  `yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
	Sandbox   Sandbox `yaml:"sandbox,omitempty"`
	Bridge    Bridge  `yaml:"bridge,omitempty"`
	Store     Store   `yaml:"store,omitempty"`
}

// Sandbox bounds guest execution.
type Sandbox struct {
	// InvokeTimeout is the wall-clock budget per guest invocation.
	InvokeTimeout Duration `yaml:"invoke_timeout,omitempty"`

	// MaxMemoryBytes caps a guest's linear memory.
	MaxMemoryBytes uint64 `yaml:"max_memory_bytes,omitempty"`
}

// Bridge bounds outbound HTTP requests made on behalf of plugins.
type Bridge struct {
	RequestTimeout   Duration `yaml:"request_timeout,omitempty"`
	MaxResponseBytes int64    `yaml:"max_response_bytes,omitempty" validate:"omitempty,min=1024"`
}

// Store selects and tunes the record store backend.
type Store struct {
	Backend     string `yaml:"backend,omitempty" validate:"omitempty,oneof=sqlite memory"`
	Path        string `yaml:"path,omitempty"`
	BusyTimeout int    `yaml:"busy_timeout_ms,omitempty" validate:"omitempty,min=0"`
}

// TimeoutMargin is the minimum slack between the bridge request timeout and
// the sandbox invoke timeout: the bridge must be able to fail and return an
// error value before the guest is force-terminated.
const TimeoutMargin = 2 * time.Second

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		PluginDir: "plugins",
		DataDir:   "data",
		LogLevel:  "info",
		Sandbox: Sandbox{
			InvokeTimeout:  Duration(20 * time.Second),
			MaxMemoryBytes: 64 << 20,
		},
		Bridge: Bridge{
			RequestTimeout:   Duration(15 * time.Second),
			MaxResponseBytes: 8 << 20,
		},
		Store: Store{
			Backend: "sqlite",
			Path:    "modulaur.db",
		},
	}
}

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		validateInst = validator.New()
	})
	return validateInst
}

// Load reads path, applies defaults for absent fields, and validates the
// result. A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, runtimeerrors.NewManifestError("", "config",
			fmt.Sprintf("malformed %s", filepath.Base(path)), err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields after unmarshalling, since an
// explicit empty field and an absent one are indistinguishable in YAML.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.PluginDir == "" {
		cfg.PluginDir = def.PluginDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Sandbox.InvokeTimeout <= 0 {
		cfg.Sandbox.InvokeTimeout = def.Sandbox.InvokeTimeout
	}
	if cfg.Sandbox.MaxMemoryBytes == 0 {
		cfg.Sandbox.MaxMemoryBytes = def.Sandbox.MaxMemoryBytes
	}
	if cfg.Bridge.RequestTimeout <= 0 {
		cfg.Bridge.RequestTimeout = def.Bridge.RequestTimeout
	}
	if cfg.Bridge.MaxResponseBytes == 0 {
		cfg.Bridge.MaxResponseBytes = def.Bridge.MaxResponseBytes
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = def.Store.Backend
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
}

// Validate checks field constraints and the cross-field timeout invariant.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Sandbox.InvokeTimeout.Std() < c.Bridge.RequestTimeout.Std()+TimeoutMargin {
		return fmt.Errorf(
			"sandbox invoke_timeout (%s) must exceed bridge request_timeout (%s) by at least %s",
			c.Sandbox.InvokeTimeout.Std(), c.Bridge.RequestTimeout.Std(), TimeoutMargin)
	}
	return nil
}

// ResolvePluginDir returns the plugin directory as an absolute path,
// resolving a relative one against base.
func (c *Config) ResolvePluginDir(base string) string {
	return resolveDir(base, c.PluginDir)
}

// ResolveDataDir returns the data directory as an absolute path, resolving
// a relative one against base.
func (c *Config) ResolveDataDir(base string) string {
	return resolveDir(base, c.DataDir)
}

// StorePath returns the record database path, placed under the resolved
// data directory when relative.
func (c *Config) StorePath(base string) string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(c.ResolveDataDir(base), c.Store.Path)
}

func resolveDir(base, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}
