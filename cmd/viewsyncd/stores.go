package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/goforj/viewcache"
	"github.com/goforj/viewcache/internal/config"
)

// buildStore constructs the query cache backend named by cc.Driver.
func buildStore(ctx context.Context, cc config.CacheConfig, nc *nats.Conn) (viewcache.Store, error) {
	key, err := cc.Key()
	if err != nil {
		return nil, err
	}
	sc := viewcache.StoreConfig{
		Driver:         viewcache.Driver(cc.Driver),
		FileDir:        cc.FileDir,
		SQLDriverName:  cc.SQLDriver,
		SQLDSN:         cc.SQLDSN,
		DynamoTable:    cc.DynamoTable,
		DynamoRegion:   cc.DynamoRegion,
		DynamoEndpoint: cc.DynamoURL,
	}
	sc.Prefix = cc.Prefix
	sc.DefaultTTL = cc.MaxAge
	sc.EncryptionKey = key
	if cc.Compress {
		sc.Compression = viewcache.CompressionGzip
	}

	switch sc.Driver {
	case viewcache.DriverRedis:
		if cc.RedisAddr == "" {
			return nil, errors.New("cache.redis_addr is required for the redis driver")
		}
		sc.RedisClient = redis.NewClient(&redis.Options{Addr: cc.RedisAddr})
	case viewcache.DriverNATS:
		if nc == nil {
			return nil, errors.New("realtime.nats_url is required for the nats driver")
		}
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		bucket := cc.NATSBucket
		if bucket == "" {
			bucket = "viewcache"
		}
		kv, err := js.KeyValue(bucket)
		if errors.Is(err, nats.ErrBucketNotFound) {
			kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, TTL: cc.MaxAge})
			sc.NATSBucketTTL = err == nil
		}
		if err != nil {
			return nil, fmt.Errorf("nats bucket %s: %w", bucket, err)
		}
		sc.NATSKeyValue = kv
	}

	store := viewcache.NewStore(ctx, sc)
	if err := viewcache.Ready(store); err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}
	return store, nil
}
