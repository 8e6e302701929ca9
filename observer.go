package viewcache

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Observer receives events for cache operations.
// It is called from QueryCache after each operation completes.
type Observer interface {
	OnCacheOp(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver)

// OnCacheOp implements Observer.
func (f ObserverFunc) OnCacheOp(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver) {
	if f == nil {
		return
	}
	f(ctx, op, key, hit, err, dur, driver)
}

// NewSlogObserver logs every operation at debug level and failures at warn.
func NewSlogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "viewcache")
	return ObserverFunc(func(ctx context.Context, op, key string, hit bool, err error, dur time.Duration, driver Driver) {
		if err != nil {
			logger.WarnContext(ctx, "cache op failed", "op", op, "key", key, "driver", string(driver), "error", err)
			return
		}
		logger.DebugContext(ctx, "cache op", "op", op, "key", key, "hit", hit, "driver", string(driver), "duration", dur)
	})
}

type metricsObserver struct {
	ops     metric.Int64Counter
	latency metric.Float64Histogram
}

// NewMetricsObserver records an operation counter and a latency histogram.
func NewMetricsObserver(meter metric.Meter) (Observer, error) {
	ops, err := meter.Int64Counter("viewcache.ops",
		metric.WithDescription("Cache operations by op, driver and outcome."))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("viewcache.op.duration",
		metric.WithDescription("Cache operation latency."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &metricsObserver{ops: ops, latency: latency}, nil
}

func (m *metricsObserver) OnCacheOp(ctx context.Context, op string, _ string, hit bool, err error, dur time.Duration, driver Driver) {
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("driver", string(driver)),
		attribute.Bool("hit", hit),
		attribute.Bool("error", err != nil),
	)
	m.ops.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(dur)/float64(time.Millisecond), attrs)
}

// MultiObserver fans one event out to several observers.
func MultiObserver(observers ...Observer) Observer {
	return ObserverFunc(func(ctx context.Context, op, key string, hit bool, err error, dur time.Duration, driver Driver) {
		for _, o := range observers {
			if o != nil {
				o.OnCacheOp(ctx, op, key, hit, err, dur, driver)
			}
		}
	})
}
