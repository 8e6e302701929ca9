package fetch

import (
	"context"
	"sync"
)

// Token identifies one request started with Latest.Begin.
type Token struct {
	key string
	gen uint64
}

// Key returns the logical query key of the request.
func (t Token) Key() string { return t.key }

// Latest lets only the newest request per logical query win. Beginning a
// request cancels the one still in flight for the same key, and Commit tells
// a finishing request whether its response may be used.
type Latest struct {
	mu       sync.Mutex
	gen      uint64
	inflight map[string]latestEntry
}

type latestEntry struct {
	gen    uint64
	cancel context.CancelFunc
}

// NewLatest returns an empty Latest.
func NewLatest() *Latest {
	return &Latest{inflight: make(map[string]latestEntry)}
}

// Begin registers a request for key. The returned context is cancelled when
// a newer request for key begins or Cancel is called.
func (l *Latest) Begin(ctx context.Context, key string) (context.Context, Token) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.inflight[key]; ok {
		prev.cancel()
	}
	l.gen++
	l.inflight[key] = latestEntry{gen: l.gen, cancel: cancel}
	return ctx, Token{key: key, gen: l.gen}
}

// Commit reports whether tok is still the newest request for its key and
// releases it. Stale tokens return false and their results must be dropped.
func (l *Latest) Commit(tok Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.inflight[tok.key]
	if !ok || cur.gen != tok.gen {
		return false
	}
	delete(l.inflight, tok.key)
	cur.cancel()
	return true
}

// Current reports whether tok is still the newest request for its key.
func (l *Latest) Current(tok Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.inflight[tok.key]
	return ok && cur.gen == tok.gen
}

// Cancel aborts the in-flight request for key, if any.
func (l *Latest) Cancel(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.inflight[key]; ok {
		cur.cancel()
		delete(l.inflight, key)
	}
}

// CancelAll aborts every in-flight request.
func (l *Latest) CancelAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, cur := range l.inflight {
		cur.cancel()
		delete(l.inflight, key)
	}
}
