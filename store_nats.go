package viewcache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const natsEnvelopeMarker = "view-v1"

var errNATSUnavailable = errors.New("nats cache key-value unavailable")

// NATSKeyValue captures the subset of nats.KeyValue used by the store.
type NATSKeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	Purge(key string, opts ...nats.DeleteOpt) error
	ListKeys(opts ...nats.WatchOpt) (nats.KeyLister, error)
}

type natsStore struct {
	kv         NATSKeyValue
	defaultTTL time.Duration
	prefix     string
	bucketTTL  bool
}

// natsEnvelope carries an expiry for buckets that do not enforce TTL.
type natsEnvelope struct {
	Marker    string `json:"m"`
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"ea"`
}

func newNATSStore(kv NATSKeyValue, defaultTTL time.Duration, prefix string, bucketTTL bool) Store {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	return &natsStore{kv: kv, defaultTTL: defaultTTL, prefix: prefix, bucketTTL: bucketTTL}
}

func (s *natsStore) Driver() Driver { return DriverNATS }

func (s *natsStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.kv == nil {
		return nil, false, errNATSUnavailable
	}
	cacheKey := s.cacheKey(key)
	entry, err := s.kv.Get(cacheKey)
	if isNATSMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if op := entry.Operation(); op == nats.KeyValueDelete || op == nats.KeyValuePurge {
		return nil, false, nil
	}
	if s.bucketTTL {
		return cloneBytes(entry.Value()), true, nil
	}
	envelope, err := decodeNATSEnvelope(entry.Value())
	if err != nil {
		return nil, false, err
	}
	if time.Now().UnixMilli() > envelope.ExpiresAt {
		_ = s.kv.Purge(cacheKey)
		return nil, false, nil
	}
	return cloneBytes(envelope.Value), true, nil
}

func (s *natsStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.kv == nil {
		return errNATSUnavailable
	}
	body := cloneBytes(value)
	if !s.bucketTTL {
		if ttl <= 0 {
			ttl = s.defaultTTL
		}
		var err error
		body, err = json.Marshal(natsEnvelope{
			Marker:    natsEnvelopeMarker,
			Value:     value,
			ExpiresAt: time.Now().Add(ttl).UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("marshal nats envelope: %w", err)
		}
	}
	_, err := s.kv.Put(s.cacheKey(key), body)
	return err
}

func (s *natsStore) Delete(_ context.Context, key string) error {
	if s.kv == nil {
		return errNATSUnavailable
	}
	if err := s.kv.Delete(s.cacheKey(key)); err != nil && !isNATSMiss(err) {
		return err
	}
	return nil
}

func (s *natsStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMatching lists the bucket keys in the store scope and decodes each
// back to its signature before matching.
func (s *natsStore) DeleteMatching(_ context.Context, pattern string) (int, error) {
	return s.purgeScope(func(key string) bool {
		return strings.Contains(key, pattern)
	})
}

func (s *natsStore) Flush(_ context.Context) error {
	_, err := s.purgeScope(func(string) bool { return true })
	return err
}

func (s *natsStore) purgeScope(match func(key string) bool) (int, error) {
	if s.kv == nil {
		return 0, errNATSUnavailable
	}
	lister, err := s.kv.ListKeys(nats.IgnoreDeletes())
	if errors.Is(err, nats.ErrNoKeysFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() { _ = lister.Stop() }()

	scope := s.scopePrefix()
	removed := 0
	for raw := range lister.Keys() {
		if !strings.HasPrefix(raw, scope) {
			continue
		}
		key, err := decodeNATSKeyPart(strings.TrimPrefix(raw, scope))
		if err != nil || !match(key) {
			continue
		}
		if err := s.kv.Purge(raw); err != nil && !isNATSMiss(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *natsStore) cacheKey(key string) string {
	return s.scopePrefix() + encodeNATSKeyPart(key)
}

func (s *natsStore) scopePrefix() string {
	return "p." + encodeNATSKeyPart(s.prefix) + ".k."
}

func decodeNATSEnvelope(body []byte) (natsEnvelope, error) {
	var envelope natsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return natsEnvelope{}, fmt.Errorf("decode nats envelope: %w", err)
	}
	if envelope.Marker != natsEnvelopeMarker {
		return natsEnvelope{}, fmt.Errorf("decode nats envelope: unexpected marker %q", envelope.Marker)
	}
	return envelope, nil
}

func isNATSMiss(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}

func decodeNATSKeyPart(part string) (string, error) {
	if part == "_" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(part)
	return string(b), err
}

// encodeNATSKeyPart keeps query signatures, which contain characters NATS
// rejects in keys, inside the allowed alphabet.
func encodeNATSKeyPart(part string) string {
	if part == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(part))
}
