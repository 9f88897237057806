// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("FLOORSWEEP_STATION", "bench-7")

	cfg := DefaultConfig()
	assert.Equal(t, "floorsweep", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "bench-7", cfg.Station)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, Config{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Init(context.Background(), Config{MetricExporter: "statsd"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_None(t *testing.T) {
	tel, err := Init(context.Background(), Config{TraceExporter: "none", MetricExporter: "none"})
	require.NoError(t, err)
	assert.False(t, tel.TracingEnabled())
	assert.Nil(t, tel.MetricsHandler())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.Error(t, tel.Serve(context.Background(), "127.0.0.1:0"))
}

func TestInit_StdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	tel, err := Init(context.Background(), Config{ServiceName: "floorsweep", TraceExporter: "stdout", Writer: &buf})
	require.NoError(t, err)
	require.True(t, tel.TracingEnabled())

	_, span := otel.Tracer("test").Start(context.Background(), "engine.Run")
	span.End()

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "engine.Run")
}

func TestInit_PrometheusHandler(t *testing.T) {
	tel, err := Init(context.Background(), Config{MetricExporter: "prometheus"})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	counter, err := otel.Meter("test").Int64Counter("floorsweep_probe")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "floorsweep_probe")

	// A second Init must not collide on registration.
	tel2, err := Init(context.Background(), Config{MetricExporter: "prometheus"})
	require.NoError(t, err)
	assert.NoError(t, tel2.Shutdown(context.Background()))
}

func TestServe_StopsWithContext(t *testing.T) {
	tel, err := Init(context.Background(), Config{MetricExporter: "prometheus"})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tel.serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-done)
}
