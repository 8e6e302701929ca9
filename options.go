package viewcache

import (
	"time"

	"github.com/goforj/viewcache/viewcore"
)

// StoreOption mutates StoreConfig when constructing a store.
type StoreOption func(StoreConfig) StoreConfig

// WithDefaultTTL overrides the fallback TTL used when ttl <= 0.
func WithDefaultTTL(ttl time.Duration) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.DefaultTTL = ttl
		return cfg
	}
}

// WithPrefix sets the key prefix for shared backends.
func WithPrefix(prefix string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.Prefix = prefix
		return cfg
	}
}

// WithMemoryCleanupInterval overrides the sweep interval for the memory driver.
func WithMemoryCleanupInterval(interval time.Duration) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.MemoryCleanupInterval = interval
		return cfg
	}
}

// WithFileDir sets the directory used by the file driver.
func WithFileDir(dir string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.FileDir = dir
		return cfg
	}
}

// WithRedisClient sets the redis client; required when using DriverRedis.
func WithRedisClient(client RedisClient) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.RedisClient = client
		return cfg
	}
}

// WithNATSKeyValue sets the JetStream key-value bucket; required when using DriverNATS.
func WithNATSKeyValue(kv NATSKeyValue) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.NATSKeyValue = kv
		return cfg
	}
}

// WithSQL configures the sql driver.
func WithSQL(driverName, dsn, table string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.SQLDriverName = driverName
		cfg.SQLDSN = dsn
		cfg.SQLTable = table
		return cfg
	}
}

// WithDynamoClient injects a DynamoDB client instead of building one from AWS config.
func WithDynamoClient(client DynamoAPI) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.DynamoClient = client
		return cfg
	}
}

// WithCompression enables value compression for every driver.
func WithCompression(codec viewcore.CompressionCodec) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.Compression = codec
		return cfg
	}
}

// WithMaxValueBytes rejects values larger than max after shaping.
func WithMaxValueBytes(max int) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.MaxValueBytes = max
		return cfg
	}
}

// WithEncryptionKey enables AES-GCM encryption at rest. Keys must be 16, 24 or 32 bytes.
func WithEncryptionKey(key []byte) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.EncryptionKey = append([]byte(nil), key...)
		return cfg
	}
}
