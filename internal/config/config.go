// Package config loads blockrun settings from defaults, an optional config
// file, a .env file, BLOCKRUN_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores: sandbox.timeout becomes BLOCKRUN_SANDBOX_TIMEOUT.
const EnvPrefix = "BLOCKRUN"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Store     StoreConfig     `mapstructure:"store"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type SandboxConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// MemoryMB caps each run's linear memory. Zero lifts the cap.
	MemoryMB   uint32 `mapstructure:"memory_mb"`
	DiskCache  bool   `mapstructure:"disk_cache"`
	CacheDir   string `mapstructure:"cache_dir"`
	Precompile bool   `mapstructure:"precompile"`
}

// MemoryPages converts MemoryMB into 64KB wasm pages.
func (s SandboxConfig) MemoryPages() uint32 {
	return s.MemoryMB * 16
}

type GeneratorConfig struct {
	LoopLimit int    `mapstructure:"loop_limit"`
	Indent    string `mapstructure:"indent"`
}

type GatewayConfig struct {
	URL       string        `mapstructure:"url"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "text",

	"server.addr":             ":8080",
	"server.read_timeout":     15 * time.Second,
	"server.write_timeout":    60 * time.Second,
	"server.shutdown_timeout": 10 * time.Second,
	"server.cors_origins":     []string{},
	"server.max_body_bytes":   int64(1 << 20),

	"sandbox.timeout":    5 * time.Second,
	"sandbox.memory_mb":  64,
	"sandbox.disk_cache": false,
	"sandbox.cache_dir":  "",
	"sandbox.precompile": true,

	"generator.loop_limit": 1_000_000,
	"generator.indent":     "  ",

	"gateway.url":        "https://emkc.org/api/v2/piston",
	"gateway.rate_limit": 5.0,
	"gateway.burst":      1,
	"gateway.timeout":    30 * time.Second,

	"store.backend":        "memory",
	"store.redis.addr":     "localhost:6379",
	"store.redis.password": "",
	"store.redis.db":       0,

	"tracing.enabled":     false,
	"tracing.endpoint":    "localhost:4317",
	"tracing.sample_rate": 1.0,
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds any flag of fs whose name matches a key with dashes in
// place of dots and underscores, e.g. --sandbox-timeout. Flags that are not
// set on the command line do not override other sources.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for key := range defaults {
		name := flagName(key)
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	return nil
}

func flagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the optional config file and returns the merged, validated
// configuration.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with nothing but built-in defaults.
func Default() *Config {
	cfg, err := Load(New(), "")
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Store.Backend) {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, errors.New("sandbox.timeout must be positive"))
	}
	if c.Generator.LoopLimit < 0 {
		errs = append(errs, errors.New("generator.loop_limit must not be negative"))
	}
	if c.Gateway.URL != "" {
		if u, err := url.Parse(c.Gateway.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("gateway.url is not an absolute URL: %q", c.Gateway.URL))
		}
	}
	if c.Gateway.RateLimit < 0 || c.Gateway.Burst < 0 {
		errs = append(errs, errors.New("gateway.rate_limit and gateway.burst must not be negative"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", c.Tracing.SampleRate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
