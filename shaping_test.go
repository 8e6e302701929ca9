package viewcache

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/goforj/viewcache/viewtest"
)

func TestShapingStoreContractWithGzip(t *testing.T) {
	store := newShapingStore(newMemoryStore(0, 0), CompressionGzip, 0)
	viewtest.RunStoreContract(t, store, viewtest.Options{})
}

func TestShapingStoreCompressesLargePayloads(t *testing.T) {
	inner := newMemoryStore(0, 0)
	store := newShapingStore(inner, CompressionGzip, 0)
	ctx := context.Background()

	payload := bytes.Repeat([]byte(`{"id":"p1","status":"active"},`), 200)
	if err := store.Set(ctx, "rows", payload, 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	raw, ok, _ := inner.Get(ctx, "rows")
	if !ok || !bytes.HasPrefix(raw, compressMagic) || len(raw) >= len(payload) {
		t.Fatalf("expected compressed payload in inner store, got %d bytes", len(raw))
	}
	got, ok, err := store.Get(ctx, "rows")
	if err != nil || !ok || !bytes.Equal(got, payload) {
		t.Fatalf("expected round trip, ok=%v err=%v", ok, err)
	}
}

func TestShapingStoreReadsLegacyPlainValues(t *testing.T) {
	inner := newMemoryStore(0, 0)
	store := newShapingStore(inner, CompressionGzip, 0)
	ctx := context.Background()

	_ = inner.Set(ctx, "old", []byte("plain"), 0)
	got, ok, err := store.Get(ctx, "old")
	if err != nil || !ok || string(got) != "plain" {
		t.Fatalf("expected plain value passthrough, got %q ok=%v err=%v", got, ok, err)
	}
}

func TestShapingStoreEnforcesMaxValueBytes(t *testing.T) {
	store := newShapingStore(newMemoryStore(0, 0), CompressionNone, 4)
	if err := store.Set(context.Background(), "k", []byte("too long"), 0); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestShapingStorePassthroughWhenUnconfigured(t *testing.T) {
	inner := newMemoryStore(0, 0)
	if store := newShapingStore(inner, CompressionNone, 0); store != inner {
		t.Fatalf("expected inner store returned unchanged")
	}
}

func TestDecodeValueErrors(t *testing.T) {
	if _, err := decodeValue(append(append([]byte{}, compressMagic...), 'z', 1, 2)); !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("expected unsupported codec, got %v", err)
	}
	if _, err := decodeValue(append(append([]byte{}, compressMagic...), 'g', 1, 2, 3)); !errors.Is(err, ErrCorruptCompression) {
		t.Fatalf("expected corrupt compression, got %v", err)
	}
	if _, err := encodeValue("brotli", 0, []byte("x")); !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("expected unsupported codec on encode, got %v", err)
	}
}
