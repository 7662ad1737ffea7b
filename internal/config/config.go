// Package config resolves runtime settings for the twin commands.
//
// Precedence, lowest first: Default, the YAML file, a .env file, the
// process environment (TWIN_* variables), and finally CLI flags, which
// the commands apply on top of the returned Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TWIN_"

// DefaultFile is the config file looked up when none is named.
const DefaultFile = "twin.yaml"

// Config is the complete runtime configuration.
type Config struct {
	Server   ServerConfig `yaml:"server" envPrefix:"SERVER_"`
	Client   ClientConfig `yaml:"client" envPrefix:"CLIENT_"`
	Store    StoreConfig  `yaml:"store" envPrefix:"STORE_"`
	Log      LogConfig    `yaml:"log" envPrefix:"LOG_"`
	Manifest string       `yaml:"manifest" env:"MANIFEST"`
}

// ServerConfig configures the WebSocket server.
type ServerConfig struct {
	Addr        string        `yaml:"addr" env:"ADDR"`
	Path        string        `yaml:"path" env:"PATH"`
	MetricsAddr string        `yaml:"metrics_addr" env:"METRICS_ADDR"`
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	// RateLimit is inbound calls per second per connection; 0 disables it.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST"`
}

// ClientConfig configures the WebSocket client.
type ClientConfig struct {
	URL         string        `yaml:"url" env:"URL"`
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// StorePath backs the client's session id and local state; empty
	// means in memory.
	StorePath string `yaml:"store_path" env:"STORE_PATH"`
}

// StoreConfig selects the server's KV backend.
type StoreConfig struct {
	Driver        string `yaml:"driver" env:"DRIVER"`
	Path          string `yaml:"path" env:"PATH"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisHash     string `yaml:"redis_hash" env:"REDIS_HASH"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatTint = "tint"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			Path:        "/ws",
			CallTimeout: 30 * time.Second,
			RateBurst:   20,
		},
		Client: ClientConfig{
			URL:         "ws://localhost:8080/ws",
			CallTimeout: 30 * time.Second,
			DialTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:    DriverSQLite,
			Path:      "twin.db",
			RedisAddr: "localhost:6379",
			RedisHash: "twin:kv",
		},
		Log: LogConfig{
			Level:  "info",
			Format: FormatText,
		},
		Manifest: "twin.cue",
	}
}

// Options tells Load where to look.
type Options struct {
	// File is the YAML file. When empty DefaultFile is used if it exists.
	File string
	// EnvFile is a dotenv file. When empty ".env" is used if it exists.
	EnvFile string
	// Environ replaces os.Environ, for tests.
	Environ map[string]string
}

// Load resolves the configuration. A file named explicitly must exist;
// the default files are optional.
func Load(opts Options) (Config, error) {
	cfg := Default()

	file, required := opts.File, true
	if file == "" {
		file, required = DefaultFile, false
	}
	if err := mergeFile(&cfg, file, required); err != nil {
		return Config{}, err
	}

	envFile, required := opts.EnvFile, true
	if envFile == "" {
		envFile, required = ".env", false
	}
	dotenv, err := readDotenv(envFile, required)
	if err != nil {
		return Config{}, err
	}

	environ := opts.Environ
	if environ == nil {
		environ = env.ToMap(os.Environ())
	}
	// The process environment wins over the dotenv file.
	merged := make(map[string]string, len(dotenv)+len(environ))
	for k, v := range dotenv {
		merged[k] = v
	}
	for k, v := range environ {
		merged[k] = v
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: merged}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func readDotenv(path string, required bool) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	return vars, nil
}

// Validate checks enumerated fields and numeric ranges.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s driver", DriverSQLite)
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the %s driver", DriverRedis)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid store.driver %q: must be sqlite, redis, or memory", c.Store.Driver)
	}

	switch c.Log.Format {
	case FormatText, FormatJSON, FormatTint:
	default:
		return fmt.Errorf("invalid log.format %q: must be text, json, or tint", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server.rate_limit and server.rate_burst must not be negative")
	}
	if c.Server.CallTimeout <= 0 || c.Client.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	return nil
}
