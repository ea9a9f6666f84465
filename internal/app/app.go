// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package app bootstraps a long-lived process around a throttler.Throttler:
// a Prometheus metrics server and, optionally, an OTLP/HTTP trace
// exporter, run alongside the throttler until the context is cancelled.
// It is the throttlectl command's runner.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.apithrottle.dev/throttle/log"
	"go.apithrottle.dev/throttle/throttler"
	"go.apithrottle.dev/throttle/throttler/config"
)

// Config configures an App.
type Config struct {
	// ManifestPath is the YAML rate-limit manifest to load.
	ManifestPath string

	// MetricsAddr is the address to serve Prometheus metrics on.
	MetricsAddr string

	// TracingAddr is the OTLP/HTTP collector address. Empty disables
	// tracing entirely.
	TracingAddr string

	Logger *log.Logger
}

// App wires a Throttler to a metrics server and optional tracing
// exporter.
type App struct {
	cfg            Config
	logger         *log.Logger
	registry       *prometheus.Registry
	throttler      *throttler.Throttler
	tracerProvider *sdktrace.TracerProvider
}

// New loads cfg.ManifestPath and builds an App around it. If
// cfg.TracingAddr is set, the OTLP/HTTP exporter and trace provider are
// started and registered as the global TracerProvider before the
// Throttler is constructed, so the Throttler's own tracer (captured at
// construction time) actually exports through it.
func New(cfg Config) (*App, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger()
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}

	registry := prometheus.NewPedanticRegistry()

	var tracerProvider *sdktrace.TracerProvider
	if cfg.TracingAddr != "" {
		tp, err := newTracerProvider(cfg.TracingAddr, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("cannot start tracing exporter for %q: %w", cfg.TracingAddr, err)
		}
		otel.SetTracerProvider(tp)
		tracerProvider = tp
	}

	t, err := config.New(cfg.ManifestPath, throttler.WithRegisterer(registry), throttler.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("cannot build throttler from %q: %w", cfg.ManifestPath, err)
	}

	return &App{
		cfg:            cfg,
		logger:         cfg.Logger,
		registry:       registry,
		throttler:      t,
		tracerProvider: tracerProvider,
	}, nil
}

// Throttler returns the App's underlying Throttler.
func (a *App) Throttler() *throttler.Throttler { return a.throttler }

// EffectiveLimits reports the post-share-percentage limit for every
// rate limit the App's Throttler knows about.
func (a *App) EffectiveLimits() map[string]uint64 { return a.throttler.EffectiveLimits() }

// Run serves metrics (and, if configured, exports traces) until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.runMetricsServer(metricsCtx); err != nil {
			cancel(err)
		}
	}()

	<-ctx.Done()

	stopMetrics()
	wg.Wait()

	if a.tracerProvider != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
			a.logger.Named("app.otel").Error("cannot shutdown trace provider", log.Error(err))
		}
	}

	if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) {
		return cause
	}

	return nil
}

func (a *App) runMetricsServer(ctx context.Context) error {
	logger := a.logger.Named("app.metrics")

	handler := promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
		EnableOpenMetrics:   true,
		MaxRequestsInFlight: 10,
		ErrorHandling:       promhttp.ContinueOnError,
		ErrorLog:            stdlog.New(io.Discard, "", 0),
	})

	httpServer := &http.Server{
		Addr:         a.cfg.MetricsAddr,
		Handler:      http.TimeoutHandler(handler, 5*time.Second, "request timed out"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", httpServer.Addr, err)
	}
	defer listener.Close()

	logger.Info("starting metrics server", log.String("addr", httpServer.Addr))

	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("cannot serve metrics", log.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown metrics server: %w", err)
	}

	return ctx.Err()
}

// newTracerProvider starts an OTLP/HTTP exporter against addr and wraps
// it in a batching TracerProvider. Called from New, before the
// Throttler is constructed, so the Throttler's own tracer (captured
// once at construction) points at this provider rather than the
// process-wide default.
func newTracerProvider(addr string, logger *log.Logger) (*sdktrace.TracerProvider, error) {
	otel.SetErrorHandler(&otelErrorHandler{logger: logger.Named("app.otel"), ctx: context.Background()})

	exporter := otlptracehttp.NewUnstarted(
		otlptracehttp.WithEndpoint(addr),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled:         true,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			MaxElapsedTime:  5 * time.Minute,
		}),
		otlptracehttp.WithTimeout(15*time.Second),
	)

	if err := exporter.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("cannot start otlp exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName("throttlectl"),
			),
		),
	), nil
}
