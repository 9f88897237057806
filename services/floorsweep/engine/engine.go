// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives defect-isolation sessions against a device.
//
// A session tests the current configuration, searches for the units that
// make the device fail, and commits what it found as one transaction. The
// engine never talks to hardware itself: every test goes through a Tester
// and every test is followed by a Resetter call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/floorsweep/services/floorsweep/enumerate"
	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/sku"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
	"github.com/AleutianAI/floorsweep/services/floorsweep/transaction"
)

// GpuInfo is one device under test: its topology, its committed baseline
// and the boundaries used to test and reset it.
//
// Sessions run one at a time. Run must not be called concurrently; state
// carried between sessions is the committed baseline.
type GpuInfo struct {
	cfg      Config
	topo     *topology.Topology
	tester   Tester
	resetter Resetter
	tx       *transaction.Manager
	sm       *StateMachine
	tracer   trace.Tracer
	logger   *slog.Logger

	// Per-session state, reset by Run.
	state     State
	sessionID string
	log       *slog.Logger
	tests     int
	resets    int
	rounds    int
	earlyExit bool
	lastSKU   *sku.Report

	// verified is the most recent configuration that passed a test.
	verified fsinfo.FsInfo

	// cleared holds the global indices of domain leaves that were enabled
	// in a passing test this session.
	cleared map[int]bool
}

// New creates a GpuInfo.
//
// # Inputs
//
//   - original: The as-fused configuration. Must pass the sanity check.
//   - tester, resetter: Device boundaries. Required.
//   - cfg: Use DefaultConfig() for defaults.
//
// # Outputs
//
//   - *GpuInfo: Ready to Run.
//   - error: ErrUnsupported for a mode or domain the chip cannot run, or
//     the sanity error of original.
func New(original fsinfo.FsInfo, tester Tester, resetter Resetter, cfg Config) (*GpuInfo, error) {
	if original.IsZero() {
		return nil, errors.New("original configuration is required")
	}
	if tester == nil || resetter == nil {
		return nil, errors.New("tester and resetter are required")
	}
	if err := original.Sanity(); err != nil {
		return nil, fmt.Errorf("original configuration: %w", err)
	}

	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode

	if cfg.Domain.Top == cfg.Domain.Leaf {
		cfg.Domain = enumerate.GPCDomain
	}
	topo := original.Topology()
	if !topo.Present(cfg.Domain.Top) || !topo.Present(cfg.Domain.Leaf) {
		return nil, fmt.Errorf("%w: chip %s has no %s domain", ErrUnsupported, topo.Name(), cfg.Domain)
	}
	if cfg.SKU != nil && !cfg.SKU.Topology().SameAs(topo) {
		return nil, fmt.Errorf("%w: sku %s targets chip %s", fsinfo.ErrTopologyMismatch,
			cfg.SKU.Name(), cfg.SKU.Topology().Name())
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine.GpuInfo")

	return &GpuInfo{
		cfg:      cfg,
		topo:     topo,
		tester:   tester,
		resetter: resetter,
		tx: transaction.NewManager(original, transaction.Config{
			MetricsEnabled: cfg.MetricsEnabled,
			TracingEnabled: cfg.TracingEnabled,
			Logger:         cfg.Logger,
		}),
		sm:     DefaultStateMachine,
		tracer: otel.Tracer("floorsweep.engine"),
		logger: logger,
		state:  StateIdle,
		log:    logger,
	}, nil
}

// State returns the state of the last or current session.
func (g *GpuInfo) State() State { return g.state }

// Baseline returns the committed configuration.
func (g *GpuInfo) Baseline() fsinfo.FsInfo { return g.tx.Baseline() }

// Original returns the as-fused configuration.
func (g *GpuInfo) Original() fsinfo.FsInfo { return g.tx.Original() }

// Run executes one session.
//
// # Description
//
// Tests the effective configuration once for connectivity. If it fails,
// searches according to the configured mode, verifies the result and
// commits all accepted findings together. Any fatal error discards the
// session's findings and leaves the baseline untouched.
//
// # Outputs
//
//   - *Report: Always non-nil, also on failure.
//   - error: Fatal session error, e.g. *ContradictionError,
//     ErrVerificationFailed, ErrResetFailed or a context error.
func (g *GpuInfo) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	g.sessionID = uuid.NewString()
	g.state = StateIdle
	g.tests, g.resets, g.rounds = 0, 0, 0
	g.earlyExit = false
	g.lastSKU = nil
	g.verified = fsinfo.FsInfo{}
	g.cleared = make(map[int]bool)
	g.log = g.logger.With(
		slog.String("session_id", g.sessionID),
		slog.String("mode", string(g.cfg.Mode)),
		slog.String("domain", g.cfg.Domain.String()),
	)

	ctx, span := g.startSpan(ctx, "engine.Run",
		attribute.String("engine.session_id", g.sessionID),
		attribute.String("engine.mode", string(g.cfg.Mode)),
		attribute.String("engine.chip", g.topo.Name()),
	)
	defer span.End()

	g.log.Info("session starting", slog.String("chip", g.topo.Name()))

	err := g.run(ctx)
	if err != nil {
		g.fail(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int("engine.tests", g.tests),
		attribute.Int("engine.rounds", g.rounds),
	)
	g.recordSessionMetric(ctx)

	rep := g.report(time.Since(start))
	g.log.Info("session finished",
		slog.String("state", string(g.state)),
		slog.Int("tests", g.tests),
		slog.Int("rounds", g.rounds),
		slog.Bool("early_exit", g.earlyExit),
		slog.Duration("duration", rep.Duration))
	return rep, err
}

func (g *GpuInfo) run(ctx context.Context) error {
	if err := g.transition(ctx, StateConnectivity); err != nil {
		return err
	}
	if _, err := g.tx.Begin(ctx, g.sessionID); err != nil {
		return err
	}
	if g.cfg.SKU != nil {
		if _, err := g.checkSKU(g.tx.Effective()); err != nil {
			return err
		}
	}

	out, err := g.runTest(ctx, g.tx.Effective())
	if err != nil {
		return err
	}
	if out.Passed {
		return g.commit(ctx)
	}
	known := &out

	switch g.cfg.Mode {
	case ModeScan:
		if err := g.transition(ctx, StateScan); err != nil {
			return err
		}
		matched, err := g.scan(ctx)
		if err != nil {
			return err
		}
		if matched {
			return g.verifyAndCommit(ctx)
		}
		known = nil

	case ModeCold:
		if err := g.transition(ctx, StateColdIteration); err != nil {
			return err
		}
		matched, err := g.cold(ctx)
		if err != nil {
			return err
		}
		if matched {
			return g.verifyAndCommit(ctx)
		}
		return g.commit(ctx)
	}

	if err := g.transition(ctx, StateBisection); err != nil {
		return err
	}
	matched, err := g.bisectRounds(ctx, known)
	if err != nil {
		return err
	}
	if matched {
		return g.verifyAndCommit(ctx)
	}
	return g.commit(ctx)
}

// verifyAndCommit runs the single verification test after an early exit.
func (g *GpuInfo) verifyAndCommit(ctx context.Context) error {
	g.earlyExit = true
	if err := g.transition(ctx, StateVerify); err != nil {
		return err
	}
	eff := g.tx.Effective()
	out, err := g.runTest(ctx, eff)
	if err != nil {
		return err
	}
	if !out.Passed {
		return fmt.Errorf("%w: device failed with %s", ErrVerificationFailed, eff.EnableString())
	}
	rep, err := g.checkSKU(eff)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if !rep.Matched() {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, rep)
	}
	return g.commit(ctx)
}

func (g *GpuInfo) commit(ctx context.Context) error {
	if err := g.transition(ctx, StateCommit); err != nil {
		return err
	}
	res, err := g.tx.Commit(ctx, fmt.Sprintf("session %s", g.sessionID))
	if err != nil {
		return err
	}
	g.record(ctx, Event{
		Type:   EventCommit,
		Config: res.Baseline.EnableString(),
		Detail: fmt.Sprintf("%d findings", res.Findings),
	})

	if g.cfg.SKU != nil && g.cfg.SKUVerify {
		if err := g.transition(ctx, StateSKUVerify); err != nil {
			return err
		}
		rep, err := g.cfg.SKU.Match(res.Baseline)
		if err != nil {
			return err
		}
		g.lastSKU = &rep
		if !rep.Matched() {
			g.log.Warn("committed configuration does not match sku", slog.String("sku", rep.String()))
		}
	}
	return g.transition(ctx, StateDone)
}

// fail discards pending findings and moves to FAILED.
func (g *GpuInfo) fail(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	if g.tx.Active() != nil {
		reason := discardReason(cause)
		if _, err := g.tx.Discard(ctx, reason); err != nil {
			g.log.Error("discard failed", slog.String("error", err.Error()))
		}
		g.record(ctx, Event{Type: EventDiscard, Detail: cause.Error()})
	}
	if !g.state.Terminal() {
		if err := g.transition(ctx, StateFailed); err != nil {
			g.log.Error("failed to enter FAILED", slog.String("error", err.Error()))
			g.state = StateFailed
		}
	}
	transaction.LoggerWithTrace(ctx, g.log).Error("session failed", slog.String("error", cause.Error()))
}

func (g *GpuInfo) transition(ctx context.Context, to State) error {
	from := g.state
	if err := g.sm.Transition(from, to); err != nil {
		return err
	}
	g.state = to
	reason := g.sm.TransitionReason(from, to)

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("state_transition", trace.WithAttributes(
			attribute.String("engine.from_state", string(from)),
			attribute.String("engine.to_state", string(to)),
		))
	}
	g.log.Debug("state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	g.record(ctx, Event{Type: EventState, Detail: reason})
	return nil
}

// runTest runs one test followed by one reset.
//
// Tester errors count as a failed outcome unless ctx is done. Reset
// failures and context errors are fatal.
func (g *GpuInfo) runTest(ctx context.Context, cfg fsinfo.FsInfo) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	g.tests++
	ctx, span := g.startSpan(ctx, "engine.RunTest",
		attribute.String("engine.state", string(g.state)),
		attribute.Int("engine.test", g.tests),
	)
	defer span.End()

	start := time.Now()
	out, testErr := g.tester.RunTest(ctx, cfg)
	elapsed := time.Since(start)

	result := "fail"
	detail := ""
	switch {
	case testErr != nil:
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		g.log.Warn("test execution failed, counting as failure", slog.String("error", testErr.Error()))
		out = Outcome{}
		result = "error"
		detail = testErr.Error()
	case out.Passed:
		out.PartialFailure = nil
		result = "pass"
	case out.PartialFailure != nil:
		if !out.PartialFailure.Topology().SameAs(g.topo) {
			g.log.Warn("ignoring partial failure for another chip")
			out.PartialFailure = nil
		} else {
			detail = "partial " + out.PartialFailure.EnableString()
		}
	}
	g.recordTestMetric(ctx, result, elapsed)
	span.SetAttributes(attribute.String("engine.result", result))

	if err := g.reset(ctx); err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}

	g.record(ctx, Event{Type: EventTest, Config: cfg.EnableString(), Passed: out.Passed, Detail: detail})
	g.log.Debug("test finished",
		slog.Int("test", g.tests),
		slog.String("result", result),
		slog.String("config", cfg.EnableString()))
	if out.Passed {
		g.verified = cfg
		g.markCleared(cfg)
	}
	return out, nil
}

// runBatch runs cfgs in one physical pass followed by one reset. ok is
// false when the batch could not run and the caller should fall back to
// single tests.
func (g *GpuInfo) runBatch(ctx context.Context, bt BatchTester, cfgs []fsinfo.FsInfo) (outs []Outcome, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	g.tests++
	start := time.Now()
	outs, batchErr := bt.RunBatch(ctx, cfgs)
	elapsed := time.Since(start)
	if batchErr == nil && len(outs) != len(cfgs) {
		batchErr = fmt.Errorf("batch returned %d outcomes for %d tests", len(outs), len(cfgs))
	}
	if batchErr != nil {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		g.recordTestMetric(ctx, "error", elapsed)
		g.log.Warn("batch test failed, falling back to single tests", slog.String("error", batchErr.Error()))
	}
	if err := g.reset(ctx); err != nil {
		return nil, false, err
	}
	if batchErr != nil {
		return nil, false, nil
	}
	for i := range outs {
		if outs[i].Passed {
			outs[i].PartialFailure = nil
			g.markCleared(cfgs[i])
			g.recordTestMetric(ctx, "pass", 0)
		} else {
			g.recordTestMetric(ctx, "fail", 0)
		}
		if outs[i].PartialFailure != nil && !outs[i].PartialFailure.Topology().SameAs(g.topo) {
			outs[i].PartialFailure = nil
		}
		g.record(ctx, Event{Type: EventTest, Config: cfgs[i].EnableString(), Passed: outs[i].Passed, Detail: "batch"})
	}
	return outs, true, nil
}

func (g *GpuInfo) reset(ctx context.Context) error {
	g.resets++
	if err := g.resetter.Reset(ctx); err != nil {
		g.recordResetMetric(ctx, false)
		return fmt.Errorf("%w: %w", ErrResetFailed, err)
	}
	g.recordResetMetric(ctx, true)
	return nil
}

// markCleared marks the domain leaves enabled in a passing configuration.
func (g *GpuInfo) markCleared(cfg fsinfo.FsInfo) {
	for _, u := range enumerate.Leaves(cfg, g.cfg.Domain) {
		g.cleared[u.Index] = true
	}
}

// accept pushes delta into the transaction and checks the SKU target.
//
// # Outputs
//
//   - changed: The effective configuration grew.
//   - matched: The effective configuration now matches the SKU.
//   - error: A *fsinfo.SanityError leaves state unchanged and is for the
//     caller to handle; *SkuMismatchError and others are fatal.
func (g *GpuInfo) accept(ctx context.Context, delta fsinfo.FsInfo, source string) (changed, matched bool, err error) {
	prev := g.tx.Effective()
	eff, changed, err := g.tx.Push(ctx, delta)
	if err != nil || !changed {
		return false, false, err
	}
	g.recordFindingMetric(ctx, source)
	g.record(ctx, Event{Type: EventFinding, Config: eff.EnableString(), Detail: source})
	g.log.Info("finding accepted",
		slog.String("source", source),
		slog.String("disabled", newlyDisabled(eff, prev)))

	if g.cfg.SKU == nil {
		return true, false, nil
	}
	rep, err := g.checkSKU(eff)
	if err != nil {
		return true, false, err
	}
	return true, rep.Matched(), nil
}

// newlyDisabled renders the fuse masks that differ between eff and prev,
// keyed like a disable log.
func newlyDisabled(eff, prev fsinfo.FsInfo) string {
	diff, err := fsinfo.SymmetricDifference(eff, prev)
	if err != nil {
		return eff.DisabledFuses()
	}
	return diff.DisabledFuses()
}

// checkSKU matches cfg against the target. Any over-disabled kind is fatal.
func (g *GpuInfo) checkSKU(cfg fsinfo.FsInfo) (sku.Report, error) {
	if g.cfg.SKU == nil {
		return sku.Report{}, nil
	}
	rep, err := g.cfg.SKU.Match(cfg)
	if err != nil {
		return rep, err
	}
	g.lastSKU = &rep
	if over := rep.Over(); len(over) > 0 {
		return rep, &SkuMismatchError{Kind: over[0], Report: rep}
	}
	return rep, nil
}

// disableUnits accepts a finding that disables units.
func (g *GpuInfo) disableUnits(ctx context.Context, units []topology.Unit, source string) (step, error) {
	_, matched, err := g.accept(ctx, fsinfo.Full(g.topo).WithDisabled(units...), source)
	switch {
	case errors.Is(err, fsinfo.ErrSanity):
		g.log.Debug("disable rejected by sanity check", slog.String("source", source), slog.Int("units", len(units)))
		return stepRetryCoarser, nil
	case err != nil:
		return stepFatal, err
	case matched:
		return stepMatched, nil
	}
	return stepDisabled, nil
}

func (g *GpuInfo) record(ctx context.Context, ev Event) {
	if g.cfg.Recorder == nil {
		return
	}
	ev.SessionID = g.sessionID
	ev.State = g.state
	ev.TimeMs = time.Now().UnixMilli()
	if err := g.cfg.Recorder.Record(ctx, ev); err != nil {
		g.log.Warn("audit record failed", slog.String("error", err.Error()))
	}
}

func (g *GpuInfo) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !g.cfg.TracingEnabled {
		return ctx, noop.Span{}
	}
	return g.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (g *GpuInfo) report(d time.Duration) *Report {
	baseline := g.tx.Baseline()
	newly, err := fsinfo.NewlyDefective(baseline, g.tx.Original())
	if err != nil {
		g.log.Error("newly defective", slog.String("error", err.Error()))
	}
	return &Report{
		SessionID:      g.sessionID,
		State:          g.state,
		Mode:           g.cfg.Mode,
		Domain:         g.cfg.Domain.String(),
		Original:       g.tx.Original(),
		Committed:      baseline,
		NewlyDefective: newly,
		Tests:          g.tests,
		Resets:         g.resets,
		Rounds:         g.rounds,
		EarlyExit:      g.earlyExit,
		SKU:            g.lastSKU,
		Duration:       d,
	}
}
