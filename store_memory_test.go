package viewcache

import (
	"context"
	"testing"
	"time"

	"github.com/goforj/viewcache/viewtest"
)

func TestMemoryStoreContract(t *testing.T) {
	viewtest.RunStoreContract(t, newMemoryStore(time.Minute, time.Minute), viewtest.Options{})
}

func TestMemoryStoreDefaultTTLApplies(t *testing.T) {
	store := newMemoryStore(30*time.Millisecond, time.Minute)
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatalf("expected default ttl to expire the key")
	}
}
