package prefs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goforj/viewcache"
)

func newTestStore(t *testing.T, now *time.Time) (*Store, viewcache.Store) {
	t.Helper()
	backend := viewcache.NewFileStore(context.Background(), t.TempDir(),
		viewcache.WithEncryptionKey(bytes.Repeat([]byte{3}, 32)))
	return New(backend, WithClock(func() time.Time { return *now })), backend
}

func TestSettingsRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t, &now)
	ctx := context.Background()

	if _, ok, err := s.LoadSettings(ctx); err != nil || ok {
		t.Fatalf("expected no settings, ok=%v err=%v", ok, err)
	}
	saved, err := s.SaveSettings(ctx, Settings{Currency: "EUR", Locale: "de-DE"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !saved.SavedAt.Equal(now) {
		t.Fatalf("expected saved_at %v, got %v", now, saved.SavedAt)
	}
	got, ok, err := s.LoadSettings(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Currency != "EUR" || got.Locale != "de-DE" || !got.SavedAt.Equal(now) {
		t.Fatalf("unexpected settings %+v", got)
	}
}

func TestTablePrefsAreScopedByTable(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t, &now)
	ctx := context.Background()

	if _, err := s.SaveTablePrefs(ctx, "projects", TablePrefs{PageSize: 50, SortBy: "created_at", SortDesc: true, HiddenColumns: []string{"expenses"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.LoadTablePrefs(ctx, "projects")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.PageSize != 50 || !got.SortDesc || len(got.HiddenColumns) != 1 {
		t.Fatalf("unexpected prefs %+v", got)
	}
	if _, ok, _ := s.LoadTablePrefs(ctx, "invoices"); ok {
		t.Fatalf("expected invoices prefs to be absent")
	}
	if _, _, err := s.LoadTablePrefs(ctx, ""); err == nil {
		t.Fatalf("expected error for empty table")
	}
	if _, err := s.SaveTablePrefs(ctx, "", TablePrefs{}); err == nil {
		t.Fatalf("expected error for empty table")
	}
}

func TestWarmStart(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t, &now)
	ctx := context.Background()

	if s.WarmStart(ctx, time.Minute) {
		t.Fatalf("expected cold start without snapshot")
	}
	if _, err := s.SaveSettings(ctx, Settings{Currency: "USD"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	now = now.Add(30 * time.Second)
	if !s.WarmStart(ctx, time.Minute) {
		t.Fatalf("expected warm start for a young snapshot")
	}
	now = now.Add(time.Hour)
	if s.WarmStart(ctx, time.Minute) {
		t.Fatalf("expected cold start for an old snapshot")
	}
}

func TestCorruptSnapshotIsDropped(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s, backend := newTestStore(t, &now)
	ctx := context.Background()

	if err := backend.Set(ctx, settingsKey, []byte("{not json"), time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := s.LoadSettings(ctx); !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("expected ErrCorruptSnapshot, got %v", err)
	}
	if _, ok, _ := backend.Get(ctx, settingsKey); ok {
		t.Fatalf("expected corrupt snapshot to be removed")
	}
	if s.WarmStart(ctx, time.Hour) {
		t.Fatalf("expected cold start")
	}
}
