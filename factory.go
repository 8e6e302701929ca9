package viewcache

import (
	"context"
	"fmt"
)

// NewStore returns a concrete store for the requested driver, wrapped with
// shaping and encryption when the config asks for them.
//
// Construction failures do not panic: the returned store reports the
// failure from every call and from Ready.
//
// Example: select driver explicitly
//
//	ctx := context.Background()
//	store := viewcache.NewStore(ctx, viewcache.StoreConfig{Driver: viewcache.DriverMemory})
//	fmt.Println(store.Driver()) // memory
func NewStore(ctx context.Context, cfg StoreConfig) Store {
	cfg = cfg.withDefaults()
	base, err := newBaseStore(ctx, cfg)
	if err != nil {
		return &errorStore{driver: cfg.Driver, err: err}
	}
	shaped := newShapingStore(base, cfg.Compression, cfg.MaxValueBytes)
	enc, err := newEncryptingStore(shaped, cfg.EncryptionKey)
	if err != nil {
		return &errorStore{driver: cfg.Driver, err: err}
	}
	return enc
}

func newBaseStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return newMemoryStore(cfg.DefaultTTL, cfg.MemoryCleanupInterval), nil
	case DriverFile:
		return newFileStore(cfg.FileDir, cfg.DefaultTTL)
	case DriverRedis:
		return newRedisStore(cfg.RedisClient, cfg.DefaultTTL, cfg.Prefix), nil
	case DriverNATS:
		return newNATSStore(cfg.NATSKeyValue, cfg.DefaultTTL, cfg.Prefix, cfg.NATSBucketTTL), nil
	case DriverSQL:
		return newSQLStore(ctx, cfg)
	case DriverDynamo:
		return newDynamoStore(ctx, cfg)
	case DriverNull:
		return newNullStore(), nil
	default:
		return nil, fmt.Errorf("viewcache: unknown driver %q", cfg.Driver)
	}
}

// NewStoreWith builds a store using a driver and a set of functional options.
//
// Example: redis store
//
//	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
//	store := viewcache.NewStoreWith(ctx, viewcache.DriverRedis,
//		viewcache.WithRedisClient(client),
//		viewcache.WithPrefix("views"),
//	)
func NewStoreWith(ctx context.Context, driver Driver, opts ...StoreOption) Store {
	cfg := StoreConfig{Driver: driver}
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return NewStore(ctx, cfg)
}

// NewMemoryStore is a convenience for an in-process store.
func NewMemoryStore(ctx context.Context, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverMemory, opts...)
}

// NewFileStore is a convenience for a filesystem-backed store.
func NewFileStore(ctx context.Context, dir string, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverFile, append([]StoreOption{WithFileDir(dir)}, opts...)...)
}

// NewRedisStore is a convenience for a redis-backed store.
func NewRedisStore(ctx context.Context, client RedisClient, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverRedis, append([]StoreOption{WithRedisClient(client)}, opts...)...)
}

// NewNATSStore is a convenience for a NATS JetStream key-value store.
func NewNATSStore(ctx context.Context, kv NATSKeyValue, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverNATS, append([]StoreOption{WithNATSKeyValue(kv)}, opts...)...)
}

// NewSQLStore is a convenience for a database/sql-backed store.
func NewSQLStore(ctx context.Context, driverName, dsn string, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverSQL, append([]StoreOption{WithSQL(driverName, dsn, "")}, opts...)...)
}

// NewNullStore returns a store that never keeps anything.
func NewNullStore() Store {
	return newNullStore()
}

// Ready reports the construction error of a store built by NewStore, if any.
func Ready(store Store) error {
	if es, ok := store.(*errorStore); ok {
		return es.err
	}
	return nil
}
