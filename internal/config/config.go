// Package config loads viewsyncd configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable holding the optional YAML file path.
const PathEnv = "VIEWSYNC_CONFIG_PATH"

// Config defines daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Cache     CacheConfig     `yaml:"cache"`
	DataStore DataStoreConfig `yaml:"data_store"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Labels    LabelsConfig    `yaml:"labels"`
	Prefs     PrefsConfig     `yaml:"prefs"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"VIEWSYNC_SERVER_ADDR"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"VIEWSYNC_LOG_LEVEL"`
}

type CacheConfig struct {
	Driver        string        `yaml:"driver" env:"VIEWSYNC_CACHE_DRIVER"`
	Prefix        string        `yaml:"prefix" env:"VIEWSYNC_CACHE_PREFIX"`
	FreshFor      time.Duration `yaml:"fresh_for" env:"VIEWSYNC_CACHE_FRESH_FOR"`
	MaxAge        time.Duration `yaml:"max_age" env:"VIEWSYNC_CACHE_MAX_AGE"`
	Compress      bool          `yaml:"compress" env:"VIEWSYNC_CACHE_COMPRESS"`
	EncryptionKey string        `yaml:"encryption_key" env:"VIEWSYNC_CACHE_ENCRYPTION_KEY"`
	FileDir       string        `yaml:"file_dir" env:"VIEWSYNC_CACHE_FILE_DIR"`
	RedisAddr     string        `yaml:"redis_addr" env:"VIEWSYNC_CACHE_REDIS_ADDR"`
	NATSBucket    string        `yaml:"nats_bucket" env:"VIEWSYNC_CACHE_NATS_BUCKET"`
	SQLDriver     string        `yaml:"sql_driver" env:"VIEWSYNC_CACHE_SQL_DRIVER"`
	SQLDSN        string        `yaml:"sql_dsn" env:"VIEWSYNC_CACHE_SQL_DSN"`
	DynamoTable   string        `yaml:"dynamo_table" env:"VIEWSYNC_CACHE_DYNAMO_TABLE"`
	DynamoRegion  string        `yaml:"dynamo_region" env:"VIEWSYNC_CACHE_DYNAMO_REGION"`
	DynamoURL     string        `yaml:"dynamo_endpoint" env:"VIEWSYNC_CACHE_DYNAMO_ENDPOINT"`
}

// Key decodes the hex encryption key. It returns nil when none is set.
func (c CacheConfig) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("cache encryption key: %w", err)
	}
	return key, nil
}

type DataStoreConfig struct {
	URL         string `yaml:"url" env:"VIEWSYNC_DATA_STORE_URL"`
	APIKey      string `yaml:"api_key" env:"VIEWSYNC_DATA_STORE_API_KEY"`
	AccessToken string `yaml:"access_token" env:"VIEWSYNC_DATA_STORE_ACCESS_TOKEN"`
}

type RealtimeConfig struct {
	Enabled       bool   `yaml:"enabled" env:"VIEWSYNC_REALTIME_ENABLED"`
	Endpoint      string `yaml:"endpoint" env:"VIEWSYNC_REALTIME_ENDPOINT"`
	Channel       string `yaml:"channel" env:"VIEWSYNC_REALTIME_CHANNEL"`
	Table         string `yaml:"table" env:"VIEWSYNC_REALTIME_TABLE"`
	NATSURL       string `yaml:"nats_url" env:"VIEWSYNC_NATS_URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"VIEWSYNC_REALTIME_SUBJECT_PREFIX"`
	MaxAttempts   int    `yaml:"max_attempts" env:"VIEWSYNC_REALTIME_MAX_ATTEMPTS"`
}

type LabelsConfig struct {
	DBPath      string  `yaml:"db_path" env:"VIEWSYNC_LABELS_DB_PATH"`
	JWTSecret   string  `yaml:"jwt_secret" env:"VIEWSYNC_LABELS_JWT_SECRET"`
	JWTAudience string  `yaml:"jwt_audience" env:"VIEWSYNC_LABELS_JWT_AUDIENCE"`
	RateLimit   float64 `yaml:"rate_limit" env:"VIEWSYNC_LABELS_RATE_LIMIT"`
	Burst       int     `yaml:"burst" env:"VIEWSYNC_LABELS_BURST"`
}

type PrefsConfig struct {
	Dir string `yaml:"dir" env:"VIEWSYNC_PREFS_DIR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info"},
		Cache: CacheConfig{
			Driver:   "memory",
			Prefix:   "views",
			FreshFor: 30 * time.Second,
			MaxAge:   5 * time.Minute,
		},
		Realtime: RealtimeConfig{
			Enabled:       true,
			Channel:       "projects-realtime",
			Table:         "projects",
			SubjectPrefix: "viewsync.changes",
			MaxAttempts:   5,
		},
		Labels: LabelsConfig{
			DBPath:    "labels.db",
			RateLimit: 10,
			Burst:     20,
		},
		Prefs: PrefsConfig{Dir: "prefs"},
	}
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(PathEnv); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c Config) Validate() error {
	var errs []error
	if c.DataStore.URL == "" {
		errs = append(errs, errors.New("data_store.url is required"))
	}
	if c.Realtime.Enabled && c.Realtime.Endpoint == "" && c.Realtime.NATSURL == "" {
		errs = append(errs, errors.New("realtime.endpoint or realtime.nats_url is required when realtime is enabled"))
	}
	if c.Cache.MaxAge <= 0 || c.Cache.FreshFor < 0 || c.Cache.FreshFor > c.Cache.MaxAge {
		errs = append(errs, errors.New("cache.fresh_for must be within [0, cache.max_age]"))
	}
	if _, err := c.Cache.Key(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
