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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "floorsweep.transaction"

// Tracer wraps the OTel tracer for transaction operations. When disabled it
// hands out noop spans.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a transaction tracer.
//
// # Inputs
//
//   - logger: Logger for debug output. Uses slog.Default() if nil.
//   - enabled: When false, StartOp returns noop spans.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartOp starts a span named "transaction.<op>".
//
// # Outputs
//
//   - context.Context: Context carrying the span.
//   - trace.Span: Caller must pass it to EndOp.
func (t *Tracer) StartOp(ctx context.Context, op, txID, sessionID string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	attrs := []attribute.KeyValue{
		attribute.String("tx.session_id", truncateForTrace(sessionID, 36)),
	}
	if txID != "" {
		attrs = append(attrs, attribute.String("tx.id", txID))
	}
	ctx, span := t.tracer.Start(ctx, "transaction."+op,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "transaction op",
		slog.String("op", op),
		slog.String("tx_id", txID))
	return ctx, span
}

// EndOp ends a span started by StartOp.
func (t *Tracer) EndOp(span trace.Span, findings int, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int("tx.findings", findings))
}

// RecordStateTransition adds a state_transition event to the span in ctx.
func (t *Tracer) RecordStateTransition(ctx context.Context, txID string, from, to Status, d time.Duration) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}
	span.AddEvent("state_transition",
		trace.WithAttributes(
			attribute.String("tx.id", txID),
			attribute.String("tx.from_state", string(from)),
			attribute.String("tx.to_state", string(to)),
			attribute.Int64("tx.duration_in_state_ms", d.Milliseconds()),
		),
	)
}

// truncateForTrace truncates a string for use in span attributes.
//
// If maxLen is less than 4, returns at most maxLen characters without suffix.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace returns logger with trace_id and span_id attached when
// ctx carries a valid span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
