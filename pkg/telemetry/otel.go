// Package telemetry installs the global OpenTelemetry providers.
package telemetry

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

type Config struct {
	Tracing        bool
	Metrics        bool
	MetricInterval time.Duration
	// Writer receives exported spans and metrics; stdout when nil.
	Writer io.Writer
}

// Setup installs the propagator and the enabled providers. The returned
// shutdown flushes and stops them.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Tracing {
		tp, err := newTracerProvider(w)
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.Metrics {
		mp, err := newMeterProvider(w, cfg.MetricInterval)
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return shutdown, nil
}

func newTracerProvider(w io.Writer) (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return trace.NewTracerProvider(trace.WithBatcher(exporter)), nil
}

func newMeterProvider(w io.Writer, interval time.Duration) (*metric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	var opts []metric.PeriodicReaderOption
	if interval > 0 {
		opts = append(opts, metric.WithInterval(interval))
	}
	return metric.NewMeterProvider(metric.WithReader(metric.NewPeriodicReader(exporter, opts...))), nil
}
