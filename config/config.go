// Package config loads and validates server config from the environment and
// an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// Host and Port form the HTTP listen address.
	Host string `mapstructure:"HOST"`
	Port int    `mapstructure:"PORT"`
	// AllowedOrigins is a comma-separated CORS allow list; "*" allows all.
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	// StoreBackend selects the storage backend: json, sqlite, sqlite-nocgo,
	// postgres, s3 or memory.
	StoreBackend string `mapstructure:"STORE_BACKEND"`
	// DataDir holds the json files or the sqlite database.
	DataDir string `mapstructure:"DATA_DIR"`
	// StoragePrefix namespaces every key the cache writes.
	StoragePrefix string `mapstructure:"STORAGE_PREFIX"`
	// DatabaseURL is the Postgres DSN for the postgres backend.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Region    string `mapstructure:"S3_REGION"`
	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3PathStyle bool   `mapstructure:"S3_PATH_STYLE"`
	S3KeyPrefix string `mapstructure:"S3_KEY_PREFIX"`

	// RemoteURL is the base URL of the remote CRM backend. Empty means the
	// server runs offline against its local cache.
	RemoteURL     string `mapstructure:"REMOTE_URL"`
	RemoteAPIKey  string `mapstructure:"REMOTE_API_KEY"`
	RemoteTimeout string `mapstructure:"REMOTE_TIMEOUT"`

	// FlushInterval is how often the cache is written back to storage.
	FlushInterval string `mapstructure:"FLUSH_INTERVAL"`
	// ConnectivityInterval is how often the remote is probed.
	ConnectivityInterval string `mapstructure:"CONNECTIVITY_INTERVAL"`
	// SeedMockData fills an empty cache with demo records on startup.
	SeedMockData bool `mapstructure:"SEED_MOCK_DATA"`

	// LogLevel is a zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

var backends = map[string]bool{
	"json": true, "sqlite": true, "sqlite-nocgo": true, "postgres": true, "s3": true, "memory": true,
}

// Load reads envFile (".env" when empty) if present, then builds and
// validates Config from the environment via Viper. Env vars override the
// file.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	v := viper.New()

	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore a missing file

	v.AutomaticEnv()

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("STORE_BACKEND", "json")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("STORAGE_PREFIX", "crm_")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_PATH_STYLE", false)
	v.SetDefault("S3_KEY_PREFIX", "")
	v.SetDefault("REMOTE_URL", "")
	v.SetDefault("REMOTE_API_KEY", "")
	v.SetDefault("REMOTE_TIMEOUT", "10s")
	v.SetDefault("FLUSH_INTERVAL", "30s")
	v.SetDefault("CONNECTIVITY_INTERVAL", "15s")
	v.SetDefault("SEED_MOCK_DATA", true)
	v.SetDefault("LOG_LEVEL", "info")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if !backends[c.StoreBackend] {
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.StoreBackend == "s3" && c.S3Bucket == "" {
		return errors.New("config: S3_BUCKET must be set for the s3 backend")
	}
	if c.StoragePrefix == "" {
		return errors.New("config: STORAGE_PREFIX must not be empty")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	for key, raw := range map[string]string{
		"REMOTE_TIMEOUT":        c.RemoteTimeout,
		"FLUSH_INTERVAL":        c.FlushInterval,
		"CONNECTIVITY_INTERVAL": c.ConnectivityInterval,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", key, raw)
		}
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Origins returns the CORS allow list.
func (c *Config) Origins() []string {
	var out []string
	for _, p := range strings.Split(c.AllowedOrigins, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// Level returns the configured log level. Returns info if unset or invalid.
func (c *Config) Level() zapcore.Level {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// RemoteTimeoutDuration parses RemoteTimeout. Returns 10s if unset or invalid.
func (c *Config) RemoteTimeoutDuration() time.Duration {
	return parseOr(c.RemoteTimeout, 10*time.Second)
}

// FlushEvery parses FlushInterval. Returns 30s if unset or invalid.
func (c *Config) FlushEvery() time.Duration {
	return parseOr(c.FlushInterval, 30*time.Second)
}

// ProbeEvery parses ConnectivityInterval. Returns 15s if unset or invalid.
func (c *Config) ProbeEvery() time.Duration {
	return parseOr(c.ConnectivityInterval, 15*time.Second)
}

func parseOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
