// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("floorsweep.engine")

var (
	testsTotal     metric.Int64Counter
	testDuration   metric.Float64Histogram
	resetsTotal    metric.Int64Counter
	findingsTotal  metric.Int64Counter
	bisectionDepth metric.Int64Histogram
	sessionsTotal  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments once.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if testsTotal, err = meter.Int64Counter(
			"floorsweep_engine_tests_total",
			metric.WithDescription("Diagnostic test invocations by result"),
		); err != nil {
			metricsErr = err
			return
		}
		if testDuration, err = meter.Float64Histogram(
			"floorsweep_engine_test_duration_seconds",
			metric.WithDescription("Diagnostic test duration, reset excluded"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if resetsTotal, err = meter.Int64Counter(
			"floorsweep_engine_resets_total",
			metric.WithDescription("Device resets by result"),
		); err != nil {
			metricsErr = err
			return
		}
		if findingsTotal, err = meter.Int64Counter(
			"floorsweep_engine_findings_total",
			metric.WithDescription("Accepted findings by source"),
		); err != nil {
			metricsErr = err
			return
		}
		if bisectionDepth, err = meter.Int64Histogram(
			"floorsweep_engine_bisection_depth",
			metric.WithDescription("Recursion depth of bisection tests"),
			metric.WithExplicitBucketBoundaries(0, 1, 2, 4, 6, 8, 12, 16),
		); err != nil {
			metricsErr = err
			return
		}
		sessionsTotal, metricsErr = meter.Int64Counter(
			"floorsweep_engine_sessions_total",
			metric.WithDescription("Finished sessions by final state and mode"),
		)
	})
	return metricsErr
}

// metricsReady reports whether this engine records metrics.
func (g *GpuInfo) metricsReady() bool {
	return g.cfg.MetricsEnabled && initMetrics() == nil
}

func (g *GpuInfo) recordTestMetric(ctx context.Context, result string, d time.Duration) {
	if !g.metricsReady() {
		return
	}
	state := attribute.String("state", string(g.state))
	testsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result), state))
	if d > 0 {
		testDuration.Record(ctx, d.Seconds(), metric.WithAttributes(state))
	}
}

func (g *GpuInfo) recordResetMetric(ctx context.Context, ok bool) {
	if !g.metricsReady() {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	resetsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (g *GpuInfo) recordFindingMetric(ctx context.Context, source string) {
	if !g.metricsReady() {
		return
	}
	findingsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (g *GpuInfo) recordDepthMetric(ctx context.Context, depth int) {
	if !g.metricsReady() {
		return
	}
	bisectionDepth.Record(ctx, int64(depth))
}

func (g *GpuInfo) recordSessionMetric(ctx context.Context) {
	if !g.metricsReady() {
		return
	}
	sessionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(g.state)),
		attribute.String("mode", string(g.cfg.Mode)),
	))
}
