package viewcache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var errRedisUnavailable = errors.New("redis cache client unavailable")

// RedisClient captures the subset of redis.Client used by the store.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

type redisStore struct {
	client     RedisClient
	defaultTTL time.Duration
	prefix     string
}

func newRedisStore(client RedisClient, defaultTTL time.Duration, prefix string) Store {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	return &redisStore{client: client, defaultTTL: defaultTTL, prefix: prefix}
}

func (s *redisStore) Driver() Driver {
	return DriverRedis
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.client == nil {
		return nil, false, errRedisUnavailable
	}
	value, err := s.client.Get(ctx, s.cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.client == nil {
		return errRedisUnavailable
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.client.Set(ctx, s.cacheKey(key), value, ttl).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.DeleteMany(ctx, key)
}

func (s *redisStore) DeleteMany(ctx context.Context, keys ...string) error {
	if s.client == nil {
		return errRedisUnavailable
	}
	if len(keys) == 0 {
		return nil
	}
	cacheKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		cacheKeys = append(cacheKeys, s.cacheKey(key))
	}
	return s.client.Del(ctx, cacheKeys...).Err()
}

// DeleteMatching scans the store prefix and filters on the client. Query
// signatures carry '?' and '[' which SCAN would read as glob syntax.
func (s *redisStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	scope := s.cacheKey("")
	return s.scanDelete(ctx, func(key string) bool {
		return strings.Contains(strings.TrimPrefix(key, scope), pattern)
	})
}

// Flush deletes every key under the store prefix, leaving other tenants alone.
func (s *redisStore) Flush(ctx context.Context) error {
	_, err := s.scanDelete(ctx, func(string) bool { return true })
	return err
}

func (s *redisStore) scanDelete(ctx context.Context, match func(key string) bool) (int, error) {
	if s.client == nil {
		return 0, errRedisUnavailable
	}
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.cacheKey("*"), 200).Result()
		if err != nil {
			return removed, err
		}
		doomed := keys[:0]
		for _, key := range keys {
			if match(key) {
				doomed = append(doomed, key)
			}
		}
		if len(doomed) > 0 {
			n, err := s.client.Del(ctx, doomed...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

func (s *redisStore) cacheKey(key string) string {
	return s.prefix + ":" + key
}
