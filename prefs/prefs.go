// Package prefs persists the last known settings and table preferences so a
// restarted view can render immediately.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goforj/viewcache/viewcore"
)

// DefaultRetention is how long snapshots are kept.
const DefaultRetention = 365 * 24 * time.Hour

const (
	settingsKey    = "prefs:settings"
	tablePrefixKey = "prefs:table:"
)

// ErrCorruptSnapshot is returned when a stored snapshot cannot be decoded.
var ErrCorruptSnapshot = errors.New("prefs: corrupt snapshot")

// Settings are the account wide display settings.
type Settings struct {
	Currency    string    `json:"currency"`
	Locale      string    `json:"locale"`
	Theme       string    `json:"theme,omitempty"`
	CompanyName string    `json:"company_name,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

// TablePrefs are the per table layout choices.
type TablePrefs struct {
	PageSize      int       `json:"page_size"`
	SortBy        string    `json:"sort_by,omitempty"`
	SortDesc      bool      `json:"sort_desc,omitempty"`
	HiddenColumns []string  `json:"hidden_columns,omitempty"`
	StatusFilter  string    `json:"status_filter,omitempty"`
	Search        string    `json:"search,omitempty"`
	SavedAt       time.Time `json:"saved_at"`
}

// Option configures a Store.
type Option func(*Store)

// WithRetention overrides how long snapshots are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store reads and writes snapshots through a cache backend, normally the
// file driver so they survive restarts.
type Store struct {
	backend   viewcore.Store
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// New returns a Store over backend.
func New(backend viewcore.Store, opts ...Option) *Store {
	s := &Store{backend: backend, retention: DefaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "prefs")
	return s
}

// LoadSettings returns the last saved settings. ok is false when none exist.
func (s *Store) LoadSettings(ctx context.Context) (Settings, bool, error) {
	var out Settings
	ok, err := s.load(ctx, settingsKey, &out)
	return out, ok, err
}

// SaveSettings stamps and stores settings.
func (s *Store) SaveSettings(ctx context.Context, settings Settings) (Settings, error) {
	settings.SavedAt = s.now().UTC()
	return settings, s.save(ctx, settingsKey, settings)
}

// LoadTablePrefs returns the last saved preferences for table.
func (s *Store) LoadTablePrefs(ctx context.Context, table string) (TablePrefs, bool, error) {
	var out TablePrefs
	if table == "" {
		return out, false, errors.New("prefs: table name required")
	}
	ok, err := s.load(ctx, tablePrefixKey+table, &out)
	return out, ok, err
}

// SaveTablePrefs stamps and stores the preferences for table.
func (s *Store) SaveTablePrefs(ctx context.Context, table string, p TablePrefs) (TablePrefs, error) {
	if table == "" {
		return p, errors.New("prefs: table name required")
	}
	p.SavedAt = s.now().UTC()
	return p, s.save(ctx, tablePrefixKey+table, p)
}

// WarmStart reports whether the settings snapshot is younger than maxAge,
// in which case cached data may be shown as fresh at startup.
func (s *Store) WarmStart(ctx context.Context, maxAge time.Duration) bool {
	settings, ok, err := s.LoadSettings(ctx)
	if err != nil {
		s.logger.Warn("settings snapshot unreadable", "error", err)
		return false
	}
	if !ok {
		return false
	}
	return s.now().Sub(settings.SavedAt) <= maxAge
}

func (s *Store) load(ctx context.Context, key string, out any) (bool, error) {
	body, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		// A snapshot that no longer decodes is dropped so the next save
		// starts clean.
		_ = s.backend.Delete(ctx, key)
		return false, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, key, err)
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, key, body, s.retention); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	s.logger.Debug("snapshot saved", "key", key)
	return nil
}
