// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry providers used by the
// floorsweep engine and journal.
//
// The engine and transaction packages only call otel.Tracer and otel.Meter.
// Which backend receives their spans and instruments is decided here, by
// exporter name:
//
//   - traces: "otlp" (gRPC), "stdout" or "none"
//   - metrics: "prometheus", "stdout" or "none"
//
// With "prometheus" the OTel instruments and the engine's client_golang
// collectors are served from one handler, see Telemetry.MetricsHandler.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("unknown exporter type")
)

// Config selects exporters.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// Station identifies the test station in resource attributes.
	Station string `yaml:"station"`

	TraceExporter  string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer `yaml:"-"`
}

// DefaultConfig returns exporters that need no infrastructure.
//
// Environment variables override the defaults:
//   - OTEL_TRACES_EXPORTER
//   - OTEL_METRICS_EXPORTER
//   - OTEL_EXPORTER_OTLP_ENDPOINT
//   - FLOORSWEEP_STATION
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		ServiceName:    "floorsweep",
		ServiceVersion: "1.0.0",
		Station:        getEnvOr("FLOORSWEEP_STATION", host),
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", "none"),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Telemetry owns the installed providers.
type Telemetry struct {
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	handler http.Handler
}

// Init installs global tracer and meter providers.
//
// # Description
//
// Builds the exporters named in cfg and registers the providers with
// otel.SetTracerProvider / otel.SetMeterProvider. With the "prometheus"
// metric exporter a private registry is used, so Init can run more than
// once per process.
//
// # Outputs
//
//   - *Telemetry: Call Shutdown before exit to flush spans.
//   - error: ErrUnknownExporter or an exporter construction failure.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("host.name", cfg.Station),
	)
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}

	t := &Telemetry{}
	switch cfg.TraceExporter {
	case "", "none":
	case "otlp", "stdout":
		tp, err := newTracerProvider(ctx, cfg, res, out)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		t.tp = tp
		otel.SetTracerProvider(tp)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	mp, handler, err := newMeterProvider(cfg, res, out)
	if err != nil {
		if t.tp != nil {
			_ = t.tp.Shutdown(ctx)
		}
		return nil, fmt.Errorf("init meter: %w", err)
	}
	if mp != nil {
		t.mp = mp
		t.handler = handler
		otel.SetMeterProvider(mp)
	}
	return t, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource, out io.Writer) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if cfg.TraceExporter == "otlp" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func newMeterProvider(cfg Config, res *resource.Resource, out io.Writer) (*sdkmetric.MeterProvider, http.Handler, error) {
	switch cfg.MetricExporter {
	case "", "none":
		return nil, nil, nil

	case "prometheus":
		reg := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		// The engine registers its collectors on the default registry.
		gatherers := prometheus.Gatherers{reg, prometheus.DefaultGatherer}
		handler := promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), handler, nil

	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

// MetricsHandler returns the /metrics handler, nil unless the
// "prometheus" exporter is active.
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.handler
}

// TracingEnabled reports whether spans are exported anywhere.
func (t *Telemetry) TracingEnabled() bool {
	return t.tp != nil
}

// Shutdown flushes and stops both providers concurrently.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if t.tp != nil {
		g.Go(func() error { return t.tp.Shutdown(gctx) })
	}
	if t.mp != nil {
		g.Go(func() error { return t.mp.Shutdown(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// Serve exposes the metrics handler on addr until ctx is done.
func (t *Telemetry) Serve(ctx context.Context, addr string) error {
	if t.handler == nil {
		return errors.New("prometheus exporter is not enabled")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return t.serve(ctx, ln)
}

func (t *Telemetry) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
