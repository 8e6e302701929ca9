package viewtest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goforj/viewcache/viewcore"
)

// Options configures shared store contract checks.
type Options struct {
	// CaseName is used to namespace keys. Defaults to t.Name().
	CaseName string
	// NullSemantics enables relaxed expectations for the null store.
	NullSemantics bool
	// SkipCloneCheck disables the "get returns a copy" assertion.
	SkipCloneCheck bool
	// TTL controls the expiry duration used in TTL checks.
	TTL time.Duration
	// TTLWait is how long the harness waits for expiry to occur.
	TTLWait time.Duration
	// SkipTTL disables expiry checks for stubs that do not track time.
	SkipTTL bool
	// SkipFlush disables the flush assertion.
	SkipFlush bool
}

// Store is the contract exercised by RunStoreContract.
type Store = viewcore.Store

// RunStoreContract runs the shared store contract suite.
func RunStoreContract(t *testing.T, store Store, opts Options) {
	t.Helper()

	caseName := opts.CaseName
	if caseName == "" {
		caseName = t.Name()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 50 * time.Millisecond
	}
	wait := opts.TTLWait
	if wait <= 0 {
		wait = 120 * time.Millisecond
	}
	ctx := context.Background()
	key := func(s string) string {
		return sanitize(caseName) + ":" + s
	}

	if err := store.Set(ctx, key("alpha"), []byte("value"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	body, ok, err := store.Get(ctx, key("alpha"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	switch {
	case opts.NullSemantics:
		if ok {
			t.Fatalf("expected miss for null semantics")
		}
	case !ok || string(body) != "value":
		t.Fatalf("unexpected get result: ok=%v body=%q", ok, string(body))
	case !opts.SkipCloneCheck:
		body[0] = 'X'
		again, ok, err := store.Get(ctx, key("alpha"))
		if err != nil || !ok || string(again) != "value" {
			t.Fatalf("expected stored value unchanged, got ok=%v body=%q err=%v", ok, string(again), err)
		}
	}

	if err := store.Set(ctx, key("alpha"), []byte("second"), time.Minute); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if !opts.NullSemantics {
		body, ok, err := store.Get(ctx, key("alpha"))
		if err != nil || !ok || string(body) != "second" {
			t.Fatalf("expected overwrite to win, got ok=%v body=%q err=%v", ok, string(body), err)
		}
	}

	if !opts.SkipTTL && !opts.NullSemantics {
		if err := store.Set(ctx, key("ttl"), []byte("v"), ttl); err != nil {
			t.Fatalf("set ttl failed: %v", err)
		}
		time.Sleep(wait)
		if _, ok, err := store.Get(ctx, key("ttl")); err != nil || ok {
			t.Fatalf("expected ttl key expired; ok=%v err=%v", ok, err)
		}
	}

	if err := store.Delete(ctx, key("alpha")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, err := store.Get(ctx, key("alpha")); err != nil || ok {
		t.Fatalf("expected alpha deleted; ok=%v err=%v", ok, err)
	}
	if err := store.Delete(ctx, key("never-set")); err != nil {
		t.Fatalf("delete of missing key should succeed: %v", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		if err := store.Set(ctx, key(k), []byte(k), time.Minute); err != nil {
			t.Fatalf("set %s failed: %v", k, err)
		}
	}
	if err := store.DeleteMany(ctx, key("a"), key("b")); err != nil {
		t.Fatalf("delete many failed: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, ok, err := store.Get(ctx, key(k)); err != nil || ok {
			t.Fatalf("expected %s deleted; ok=%v err=%v", k, ok, err)
		}
	}
	if !opts.NullSemantics {
		if _, ok, err := store.Get(ctx, key("c")); err != nil || !ok {
			t.Fatalf("expected c kept; ok=%v err=%v", ok, err)
		}
	}
	if err := store.DeleteMany(ctx); err != nil {
		t.Fatalf("delete many with no keys failed: %v", err)
	}

	for _, k := range []string{"projects?status=active", "projects?status=on_hold", "invoices?limit=25"} {
		if err := store.Set(ctx, key(k), []byte(k), time.Minute); err != nil {
			t.Fatalf("set %s failed: %v", k, err)
		}
	}
	removed, err := store.DeleteMatching(ctx, key("projects?"))
	if err != nil {
		t.Fatalf("delete matching failed: %v", err)
	}
	if !opts.NullSemantics {
		if removed != 2 {
			t.Fatalf("expected 2 keys matched, got %d", removed)
		}
		if _, ok, err := store.Get(ctx, key("invoices?limit=25")); err != nil || !ok {
			t.Fatalf("expected unmatched key kept; ok=%v err=%v", ok, err)
		}
	}
	for _, k := range []string{"projects?status=active", "projects?status=on_hold"} {
		if _, ok, err := store.Get(ctx, key(k)); err != nil || ok {
			t.Fatalf("expected %s deleted by pattern; ok=%v err=%v", k, ok, err)
		}
	}

	if !opts.SkipFlush {
		if err := store.Flush(ctx); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
		if _, ok, err := store.Get(ctx, key("c")); err != nil || ok {
			t.Fatalf("expected c flushed; ok=%v err=%v", ok, err)
		}
	}
}

func sanitize(name string) string {
	return strings.NewReplacer("/", "_", " ", "_", ":", "_").Replace(name)
}
