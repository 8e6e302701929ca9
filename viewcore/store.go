package viewcore

import (
	"context"
	"time"
)

// Store is the byte-level backend contract shared by every cache driver.
//
// Implementations must return a copy from Get so callers can mutate the
// result freely, and must treat ttl <= 0 as "use the store default".
//
// DeleteMatching removes every key in the store scope containing pattern,
// including keys written by other processes sharing the backend, and reports
// how many it removed.
type Store interface {
	Driver() Driver
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys ...string) error
	DeleteMatching(ctx context.Context, pattern string) (int, error)
	Flush(ctx context.Context) error
}
