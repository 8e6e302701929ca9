package viewcache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/goforj/viewcache/viewcore"
)

const (
	defaultCachePrefix           = "views"
	defaultCacheTTL              = 5 * time.Minute
	defaultMemoryCleanupInterval = 10 * time.Minute
	defaultSQLTable              = "view_cache_entries"
	defaultDynamoTable           = "view_cache"
	defaultDynamoRegion          = "us-east-1"
)

func defaultFileDir() string {
	return filepath.Join(os.TempDir(), "viewcache")
}

// StoreConfig controls how a Store is constructed.
type StoreConfig struct {
	viewcore.BaseConfig

	Driver Driver

	// MemoryCleanupInterval controls in-process eviction sweeps.
	MemoryCleanupInterval time.Duration

	// FileDir controls where the file driver keeps entries.
	FileDir string

	// RedisClient is required when DriverRedis is used.
	RedisClient RedisClient

	// NATSKeyValue is required when DriverNATS is used.
	NATSKeyValue NATSKeyValue
	// NATSBucketTTL reports that the bucket enforces TTL itself, so values
	// are stored without an expiry envelope.
	NATSBucketTTL bool

	// SQLDriverName is one of sqlite, pgx, postgres or mysql.
	SQLDriverName string
	SQLDSN        string
	SQLTable      string

	DynamoClient   DynamoAPI
	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaultCacheTTL
	}
	if c.MemoryCleanupInterval <= 0 {
		c.MemoryCleanupInterval = defaultMemoryCleanupInterval
	}
	if c.Prefix == "" {
		c.Prefix = defaultCachePrefix
	}
	if c.Compression == "" {
		c.Compression = viewcore.CompressionNone
	}
	if c.FileDir == "" {
		c.FileDir = defaultFileDir()
	}
	if c.SQLTable == "" {
		c.SQLTable = defaultSQLTable
	}
	if c.DynamoTable == "" {
		c.DynamoTable = defaultDynamoTable
	}
	if c.DynamoRegion == "" {
		c.DynamoRegion = defaultDynamoRegion
	}
	return c
}
