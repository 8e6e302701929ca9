package viewcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	createTempFile = os.CreateTemp
	renameFile     = os.Rename
)

// ErrCorruptFileRecord is returned when an entry on disk cannot be decoded.
var ErrCorruptFileRecord = errors.New("viewcache: corrupt file record")

var fileRecordMagic = []byte("VCF2")

const (
	fileRecordSuffix = ".entry"
	fileRecordHeader = 14
)

// fileStore keeps one file per key, named by the key hash. The layout is
// magic(4) | expiresAt(8) | keyLen(2) | key | value so pattern deletes can
// recover keys from a directory other processes write to.
type fileStore struct {
	dir        string
	defaultTTL time.Duration
}

func newFileStore(dir string, defaultTTL time.Duration) (Store, error) {
	if dir == "" {
		dir = defaultFileDir()
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create file store dir: %w", err)
	}
	return &fileStore{dir: dir, defaultTTL: defaultTTL}, nil
}

func (s *fileStore) Driver() Driver {
	return DriverFile
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	path := s.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	expiresAt, _, value, err := decodeFileRecord(data)
	if err != nil {
		_ = os.Remove(path)
		return nil, false, err
	}
	if time.Now().UnixNano() > expiresAt {
		_ = os.Remove(path)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *fileStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	tmp, err := createTempFile(s.dir, "tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	record, err := encodeFileRecord(time.Now().Add(ttl).UnixNano(), key, value)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(record); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := renameFile(tmpPath, s.path(key)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	return removeFile(s.path(key))
}

func (s *fileStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMatching reads the key out of every entry file. Unreadable and
// expired records are removed on the way.
func (s *fileStore) DeleteMatching(_ context.Context, pattern string) (int, error) {
	removed := 0
	err := s.walk(func(path string) error {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		expiresAt, key, _, err := decodeFileRecord(data)
		switch {
		case err != nil, time.Now().UnixNano() > expiresAt:
			return removeFile(path)
		case strings.Contains(key, pattern):
			removed++
			return removeFile(path)
		}
		return nil
	})
	return removed, err
}

// Flush removes only entry files so a shared directory keeps unrelated content.
func (s *fileStore) Flush(_ context.Context) error {
	return s.walk(removeFile)
}

func (s *fileStore) walk(fn func(path string) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileRecordSuffix) {
			continue
		}
		if err := fn(filepath.Join(s.dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+fileRecordSuffix)
}

func encodeFileRecord(expiresAt int64, key string, value []byte) ([]byte, error) {
	if len(key) > math.MaxUint16 {
		return nil, fmt.Errorf("file store key too long: %d bytes", len(key))
	}
	out := make([]byte, fileRecordHeader+len(key)+len(value))
	copy(out[:4], fileRecordMagic)
	binary.BigEndian.PutUint64(out[4:12], uint64(expiresAt))
	binary.BigEndian.PutUint16(out[12:14], uint16(len(key)))
	n := copy(out[fileRecordHeader:], key)
	copy(out[fileRecordHeader+n:], value)
	return out, nil
}

func decodeFileRecord(data []byte) (int64, string, []byte, error) {
	if len(data) < fileRecordHeader || !bytes.Equal(data[:4], fileRecordMagic) {
		return 0, "", nil, ErrCorruptFileRecord
	}
	keyLen := int(binary.BigEndian.Uint16(data[12:14]))
	if len(data) < fileRecordHeader+keyLen {
		return 0, "", nil, ErrCorruptFileRecord
	}
	key := string(data[fileRecordHeader : fileRecordHeader+keyLen])
	return int64(binary.BigEndian.Uint64(data[4:12])), key, data[fileRecordHeader+keyLen:], nil
}
