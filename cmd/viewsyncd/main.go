package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/goforj/viewcache"
	"github.com/goforj/viewcache/fetch"
	"github.com/goforj/viewcache/internal/config"
	"github.com/goforj/viewcache/labelapi"
	"github.com/goforj/viewcache/prefs"
	"github.com/goforj/viewcache/projectview"
	"github.com/goforj/viewcache/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("viewsyncd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var nc *nats.Conn
	if cfg.Realtime.NATSURL != "" {
		conn, err := nats.Connect(cfg.Realtime.NATSURL, nats.Name("viewsyncd"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer conn.Drain()
		nc = conn
	}

	store, err := buildStore(ctx, cfg.Cache, nc)
	if err != nil {
		return err
	}
	metrics, err := viewcache.NewMetricsObserver(otel.GetMeterProvider().Meter("github.com/goforj/viewcache"))
	if err != nil {
		return fmt.Errorf("cache metrics: %w", err)
	}
	cache := viewcache.NewQueryCache(store,
		viewcache.WithFreshFor(cfg.Cache.FreshFor),
		viewcache.WithMaxAge(cfg.Cache.MaxAge),
		viewcache.WithObserver(viewcache.MultiObserver(viewcache.NewSlogObserver(logger), metrics)),
	)

	snapshots, err := buildPrefs(ctx, cfg, logger)
	if err != nil {
		return err
	}
	warm := snapshots.WarmStart(ctx, cfg.Cache.MaxAge)
	if warm {
		logger.Info("warm start from recent settings snapshot")
	}

	source, err := fetch.NewPostgREST(cfg.DataStore.URL, cfg.DataStore.APIKey,
		fetch.WithToken(cfg.DataStore.AccessToken),
		fetch.WithTable(cfg.Realtime.Table),
		fetch.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	viewOpts := []projectview.Option{
		projectview.WithLogger(logger),
		projectview.WithTable(cfg.Realtime.Table),
		projectview.WithChannelName(cfg.Realtime.Channel),
		projectview.WithErrorHandler(func(err error) {
			logger.Warn("project change rejected", "error", err, "retryable", fetch.IsRetryable(err))
		}),
	}
	if cfg.Realtime.Enabled {
		viewOpts = append(viewOpts, realtimeOptions(cfg.Realtime, cfg.DataStore, nc, logger)...)
	}
	view := projectview.New(cache, source, viewOpts...)
	defer view.Teardown()

	if err := view.Init(ctx); err != nil {
		return err
	}
	projects := &projectsHandler{view: view, prefs: snapshots, table: cfg.Realtime.Table, warm: warm, logger: logger}
	projects.initialFetch(ctx)

	labelRepo, err := labelapi.OpenSQLite(ctx, cfg.Labels.DBPath)
	if err != nil {
		return err
	}
	defer labelRepo.Close()
	labels := labelapi.NewServer(labelRepo,
		labelapi.NewAuthenticator([]byte(cfg.Labels.JWTSecret), cfg.Labels.JWTAudience),
		labelapi.WithRateLimit(cfg.Labels.RateLimit, cfg.Labels.Burst),
		labelapi.WithServerLogger(logger),
	)

	mux := http.NewServeMux()
	mux.Handle("/api/labels", labels)
	mux.Handle("/api/labels/", labels)
	projects.register(mux)
	settings := &settingsHandler{prefs: snapshots, logger: logger}
	settings.register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}
	return nil
}

// realtimeOptions subscribes to the hosted realtime service when an endpoint
// is configured, republishing every applied change on NATS when connected.
// Without an endpoint the view follows the changes another instance
// republished on NATS.
func realtimeOptions(rc config.RealtimeConfig, ds config.DataStoreConfig, nc *nats.Conn, logger *slog.Logger) []projectview.Option {
	chOpts := []realtime.ChannelOption{
		realtime.WithMaxAttempts(rc.MaxAttempts),
		realtime.WithStateHandler(func(c realtime.StateChange) {
			if c.State == realtime.StatePermanentlyDisconnected {
				logger.Error("realtime disconnected, manual retry required", "channel", rc.Channel)
			}
		}),
	}
	if rc.Endpoint == "" {
		return []projectview.Option{
			projectview.WithRealtime(realtime.NewNATSTransport(nc, rc.SubjectPrefix, logger), chOpts...),
		}
	}

	transport := realtime.NewPhoenixTransport(rc.Endpoint, ds.APIKey,
		realtime.WithAccessToken(ds.AccessToken),
		realtime.WithTransportLogger(logger),
	)
	opts := []projectview.Option{projectview.WithRealtime(transport, chOpts...)}
	if nc != nil {
		opts = append(opts, projectview.WithEventHook(func(ev realtime.Event) {
			if err := realtime.PublishEvent(nc, rc.SubjectPrefix, ev); err != nil {
				logger.Warn("republish change failed", "error", err)
			}
		}))
	}
	return opts
}

func buildPrefs(ctx context.Context, cfg config.Config, logger *slog.Logger) (*prefs.Store, error) {
	key, err := cfg.Cache.Key()
	if err != nil {
		return nil, err
	}
	var opts []viewcache.StoreOption
	if key != nil {
		opts = append(opts, viewcache.WithEncryptionKey(key))
	}
	backend := viewcache.NewFileStore(ctx, cfg.Prefs.Dir, opts...)
	if err := viewcache.Ready(backend); err != nil {
		return nil, fmt.Errorf("prefs store: %w", err)
	}
	return prefs.New(backend, prefs.WithLogger(logger)), nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
