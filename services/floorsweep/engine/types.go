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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/floorsweep/services/floorsweep/enumerate"
	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/sku"
)

// =============================================================================
// External Boundaries
// =============================================================================

// Outcome is the result of one diagnostic test run.
type Outcome struct {
	// Passed is true when the device ran the test cleanly.
	Passed bool

	// PartialFailure optionally names the units the harness suspects. Only
	// meaningful when Passed is false.
	PartialFailure *fsinfo.FsInfo
}

// Tester runs one diagnostic test against a candidate configuration.
//
// A returned error is a recoverable execution failure (timeout, harness or
// command error) and is treated as a failed Outcome without detail.
type Tester interface {
	RunTest(ctx context.Context, cfg fsinfo.FsInfo) (Outcome, error)
}

// BatchTester runs several independently addressed sub-tests in a single
// physical pass. Outcomes are returned in input order.
type BatchTester interface {
	Tester
	RunBatch(ctx context.Context, cfgs []fsinfo.FsInfo) ([]Outcome, error)
}

// Resetter puts the physical device back into a known state. It is called
// after every test invocation; a failure aborts the session.
type Resetter interface {
	Reset(ctx context.Context) error
}

// TesterFunc adapts a function to Tester.
type TesterFunc func(ctx context.Context, cfg fsinfo.FsInfo) (Outcome, error)

// RunTest implements Tester.
func (f TesterFunc) RunTest(ctx context.Context, cfg fsinfo.FsInfo) (Outcome, error) {
	return f(ctx, cfg)
}

// ResetterFunc adapts a function to Resetter.
type ResetterFunc func(ctx context.Context) error

// Reset implements Resetter.
func (f ResetterFunc) Reset(ctx context.Context) error { return f(ctx) }

// =============================================================================
// Audit Events
// =============================================================================

// EventType classifies an audit event.
type EventType string

const (
	EventState   EventType = "state"
	EventTest    EventType = "test"
	EventFinding EventType = "finding"
	EventCommit  EventType = "commit"
	EventDiscard EventType = "discard"
)

// Event is one audit record of a session.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	State     State     `json:"state"`
	Config    string    `json:"config,omitempty"`
	Passed    bool      `json:"passed,omitempty"`
	Detail    string    `json:"detail,omitempty"`

	// TimeMs is Unix milliseconds UTC.
	TimeMs int64 `json:"time_ms"`
}

// Recorder receives audit events. Record errors are logged and otherwise
// ignored; the audit trail never aborts a session.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// =============================================================================
// Configuration
// =============================================================================

// Mode selects the search strategy.
type Mode string

const (
	// ModeBisect narrows failures down by recursive halving.
	ModeBisect Mode = "bisect"

	// ModeScan tests every leaf alone in breadth-first order, then falls
	// back to bisection for anything left.
	ModeScan Mode = "scan"

	// ModeCold disables one enabled leaf at a time until the device passes.
	ModeCold Mode = "cold"
)

// ParseMode resolves a mode name. The empty string is ModeBisect.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeBisect, nil
	case ModeBisect, ModeScan, ModeCold:
		return m, nil
	default:
		return "", fmt.Errorf("%w: mode %q", ErrUnsupported, s)
	}
}

// Config configures one GpuInfo session.
type Config struct {
	// Domain is the part of the chip to isolate defects in.
	Domain enumerate.Domain

	// Mode selects the search strategy. Defaults to ModeBisect.
	Mode Mode

	// SKU is the optional target; nil skips every SKU check.
	SKU *sku.Target

	// SKUVerify compares the committed configuration against SKU once more
	// after commit and stores the result in the report.
	SKUVerify bool

	// MaxRounds caps bisection rounds. Zero means one per domain leaf.
	MaxRounds int

	// MetricsEnabled and TracingEnabled control OTel instrumentation of
	// the transaction manager and engine spans.
	MetricsEnabled bool
	TracingEnabled bool

	// Recorder receives audit events. Optional.
	Recorder Recorder

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a GPC-domain bisection config.
func DefaultConfig() Config {
	return Config{
		Domain:         enumerate.GPCDomain,
		Mode:           ModeBisect,
		MetricsEnabled: true,
		TracingEnabled: true,
	}
}

// =============================================================================
// Report
// =============================================================================

// Report summarizes one session.
type Report struct {
	SessionID string
	State     State
	Mode      Mode
	Domain    string

	// Original is the as-fused configuration.
	Original fsinfo.FsInfo

	// Committed is the baseline after the session. On failure it equals
	// the baseline before the session.
	Committed fsinfo.FsInfo

	// NewlyDefective is Committed xor Original.
	NewlyDefective fsinfo.FsInfo

	Tests     int
	Resets    int
	Rounds    int
	EarlyExit bool

	// SKU holds the last SKU comparison, if a SKU was configured.
	SKU *sku.Report

	Duration time.Duration
}
