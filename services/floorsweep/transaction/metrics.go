// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("floorsweep.transaction")

var (
	beginTotal    metric.Int64Counter
	pushTotal     metric.Int64Counter
	closeTotal    metric.Int64Counter
	txDuration    metric.Float64Histogram
	findingsPerTx metric.Int64Histogram
	activeGauge   metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics creates the instruments once.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if beginTotal, err = meter.Int64Counter(
			"floorsweep_transaction_begin_total",
			metric.WithDescription("Transactions opened"),
		); err != nil {
			metricsErr = err
			return
		}
		if pushTotal, err = meter.Int64Counter(
			"floorsweep_transaction_push_total",
			metric.WithDescription("Findings pushed, by acceptance"),
		); err != nil {
			metricsErr = err
			return
		}
		if closeTotal, err = meter.Int64Counter(
			"floorsweep_transaction_close_total",
			metric.WithDescription("Transactions committed or discarded"),
		); err != nil {
			metricsErr = err
			return
		}
		if txDuration, err = meter.Float64Histogram(
			"floorsweep_transaction_duration_seconds",
			metric.WithDescription("Time a transaction stayed open"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if findingsPerTx, err = meter.Int64Histogram(
			"floorsweep_transaction_findings",
			metric.WithDescription("Findings per closed transaction"),
		); err != nil {
			metricsErr = err
			return
		}
		activeGauge, metricsErr = meter.Int64UpDownCounter(
			"floorsweep_transaction_active",
			metric.WithDescription("Currently open transactions"),
		)
	})
	return metricsErr
}

func ready() bool {
	return metricsEnabled.Load() && initMetrics() == nil
}

func recordBegin(ctx context.Context, success bool) {
	if !ready() {
		return
	}
	beginTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusLabel(success))))
}

func recordPush(ctx context.Context, accepted bool) {
	if !ready() {
		return
	}
	pushTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
}

// recordClose records a commit or discard.
func recordClose(ctx context.Context, status Status, d time.Duration, findings int, reason string) {
	if !ready() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("reason", normalizeDiscardReason(status, reason)),
	)
	closeTotal.Add(ctx, 1, attrs)
	txDuration.Record(ctx, d.Seconds(), attrs)
	findingsPerTx.Record(ctx, int64(findings), attrs)
}

// normalizeDiscardReason keeps the reason attribute to a bounded set.
func normalizeDiscardReason(status Status, reason string) string {
	if status != StatusDiscarded {
		return "none"
	}
	switch reason {
	case "contradiction", "verification_failed", "sanity", "sku_mismatch",
		"reset_failed", "no_convergence", "no_single_culprit", "cancelled":
		return reason
	default:
		return "other"
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func incActive(ctx context.Context) {
	if !ready() {
		return
	}
	activeGauge.Add(ctx, 1)
}

func decActive(ctx context.Context) {
	if !ready() {
		return
	}
	activeGauge.Add(ctx, -1)
}
