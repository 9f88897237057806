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
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/floorsweep/services/floorsweep/enumerate"
	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// step is the result of one bisection step.
type step int

const (
	// stepPassed: the candidate passed and nothing was disabled.
	stepPassed step = iota

	// stepDisabled: at least one finding was accepted under the candidate.
	stepDisabled

	// stepMatched: the SKU target was reached; stop searching.
	stepMatched

	// stepRetryCoarser: the implicated units cannot be disabled without
	// breaking the sanity check. Propagates to the round root.
	stepRetryCoarser

	// stepFatal: abort the session with the accompanying error.
	stepFatal
)

func (s step) String() string {
	switch s {
	case stepPassed:
		return "passed"
	case stepDisabled:
		return "disabled"
	case stepMatched:
		return "matched"
	case stepRetryCoarser:
		return "retry_coarser"
	default:
		return "fatal"
	}
}

// bisectRounds repeats bisection from the effective configuration until a
// test of the effective configuration passes. After maxRounds rounds the
// effective configuration gets one last test before ErrNoConvergence.
//
// known is the already observed outcome of the current effective
// configuration, if any.
func (g *GpuInfo) bisectRounds(ctx context.Context, known *Outcome) (matched bool, err error) {
	maxRounds := g.cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = g.topo.Count(g.cfg.Domain.Leaf) + 1
	}

	for round := 1; ; round++ {
		eff := g.tx.Effective()
		if known == nil && !g.verified.IsZero() && g.verified.Equal(eff) {
			return false, nil
		}
		if round > maxRounds {
			out, err := g.runTest(ctx, eff)
			if err != nil {
				return false, err
			}
			if out.Passed {
				return false, nil
			}
			return false, fmt.Errorf("%w after %d rounds", ErrNoConvergence, maxRounds)
		}
		g.rounds = round
		g.log.Info("bisection round", slog.Int("round", round), slog.Int("leaves",
			len(enumerate.Leaves(eff, g.cfg.Domain))))

		s, err := g.bisect(ctx, eff, 0, known)
		known = nil
		switch s {
		case stepFatal:
			return false, err
		case stepMatched:
			return true, nil
		case stepPassed:
			return false, nil
		case stepRetryCoarser:
			return false, fmt.Errorf("%w: implicated units cannot be disabled", fsinfo.ErrSanity)
		}
	}
}

// bisect narrows a failing candidate down to the leaves that make it fail.
//
// # Description
//
// Tests cand (or uses known). A passing candidate ends the step. A failure
// with a partial-failure detail that disables something new is accepted
// and the narrowed candidate is retested.
//
// Otherwise the suspects of cand are its enabled leaves that no passing
// test has cleared. A single suspect is disabled directly. Larger suspect
// sets are partitioned into parts that each test a strict subset of the
// suspects with every other uncleared leaf disabled. All parts are tested
// before any is bisected further, so leaves cleared by a passing part are
// never disabled. When no part covers the failure on its own, the suspects
// left over are bisected as a whole. A suspect set that cannot be tested in
// smaller pieces is disabled as a unit, and a failing candidate without
// suspects is a contradiction.
//
// # Inputs
//
//   - cand: Propagated candidate. Contains the effective configuration.
//   - depth: Recursion depth, zero for a round root.
//   - known: Outcome of cand already observed, or nil.
func (g *GpuInfo) bisect(ctx context.Context, cand fsinfo.FsInfo, depth int, known *Outcome) (step, error) {
	disabled := false
	for {
		var out Outcome
		if known != nil {
			out, known = *known, nil
		} else {
			g.recordDepthMetric(ctx, depth)
			var err error
			if out, err = g.runTest(ctx, cand); err != nil {
				return stepFatal, err
			}
		}
		if out.Passed {
			if disabled {
				return stepDisabled, nil
			}
			return stepPassed, nil
		}
		if out.PartialFailure == nil {
			break
		}

		changed, matched, err := g.accept(ctx, *out.PartialFailure, "partial")
		if err != nil && !errors.Is(err, fsinfo.ErrSanity) {
			return stepFatal, err
		}
		if matched {
			return stepMatched, nil
		}
		if !changed {
			break
		}
		disabled = true
		next, ok := g.narrow(cand)
		if !ok {
			return stepDisabled, nil
		}
		cand = next
	}

	suspects := g.suspects(cand)
	switch len(suspects) {
	case 0:
		if disabled {
			return stepDisabled, nil
		}
		return stepFatal, &ContradictionError{Candidate: cand}
	case 1:
		return g.disableUnits(ctx, suspects, "bisect")
	}

	parts := g.partition(suspects)
	if len(parts) == 0 {
		g.log.Debug("suspects indivisible", slog.Int("depth", depth), slog.Int("leaves", len(suspects)))
		return g.disableUnits(ctx, suspects, "indivisible")
	}

	outs := make([]Outcome, len(parts))
	for i, p := range parts {
		g.recordDepthMetric(ctx, depth+1)
		out, err := g.runTest(ctx, p.cfg)
		if err != nil {
			return stepFatal, err
		}
		outs[i] = out
	}

	base := g.tx.Effective()
	for i, p := range parts {
		if outs[i].Passed {
			continue
		}
		cfg, seen := p.cfg, &outs[i]
		if !g.tx.Effective().Equal(base) {
			rebuilt, ok := g.candidate(p.units)
			if !ok {
				continue
			}
			if !rebuilt.cfg.Equal(cfg) {
				cfg, seen = rebuilt.cfg, nil
			}
		}
		s, err := g.bisect(ctx, cfg, depth+1, seen)
		switch s {
		case stepFatal, stepMatched, stepRetryCoarser:
			return s, err
		case stepDisabled:
			disabled = true
		}
	}
	if disabled {
		return stepDisabled, nil
	}

	// Every failing part passed on retest or no part failed: the failure
	// needs suspects from more than one part.
	rest := g.suspects(cand)
	if len(rest) == 0 {
		return stepFatal, &ContradictionError{Candidate: cand}
	}
	whole, ok := g.candidate(rest)
	if !ok {
		return g.disableUnits(ctx, rest, "indivisible")
	}
	s, err := g.bisect(ctx, whole.cfg, depth+1, nil)
	if s == stepPassed {
		return stepFatal, &ContradictionError{Candidate: cand}
	}
	return s, err
}

// part is one testable piece of a suspect set.
type part struct {
	// units are the suspects left enabled in cfg.
	units []topology.Unit
	cfg   fsinfo.FsInfo
}

// suspects returns the leaves enabled in cand and in the effective
// configuration that no passing test has cleared.
func (g *GpuInfo) suspects(cand fsinfo.FsInfo) []topology.Unit {
	eff := g.tx.Effective()
	var out []topology.Unit
	for _, u := range enumerate.Leaves(cand, g.cfg.Domain) {
		if !eff.Disabled(u) && !g.cleared[u.Index] {
			out = append(out, u)
		}
	}
	return out
}

// candidate builds the configuration that tests units against the cleared
// leaves, with every other leaf of the effective configuration disabled.
//
// # Outputs
//
//   - part: The propagated configuration and the units still enabled in it.
//   - ok: False when propagation fails the sanity check or disables every
//     unit.
func (g *GpuInfo) candidate(units []topology.Unit) (part, bool) {
	eff := g.tx.Effective()
	keep := make(map[int]bool, len(units))
	for _, u := range units {
		keep[u.Index] = true
	}
	var off []topology.Unit
	for _, u := range enumerate.Leaves(eff, g.cfg.Domain) {
		if !keep[u.Index] && !g.cleared[u.Index] {
			off = append(off, u)
		}
	}
	cfg, err := eff.WithDisabled(off...).Propagate()
	if err != nil {
		return part{}, false
	}
	var left []topology.Unit
	for _, u := range units {
		if !cfg.Disabled(u) {
			left = append(left, u)
		}
	}
	if len(left) == 0 {
		return part{}, false
	}
	return part{units: left, cfg: cfg}, true
}

// partition splits suspects into parts that each test a strict subset.
//
// # Description
//
// Tries the two halves first. When neither half is testable on its own
// (the chip's rules pull extra suspects out of it, or disable every
// suspect in it) the atoms are tried one at a time, first as the suspects
// without the atom and then as the atom alone. An empty result means the
// suspects can only be tested together.
func (g *GpuInfo) partition(suspects []topology.Unit) []part {
	eff := g.tx.Effective()
	informative := func(units []topology.Unit) (part, bool) {
		if len(units) == 0 {
			return part{}, false
		}
		p, ok := g.candidate(units)
		return p, ok && len(p.units) < len(suspects)
	}

	l, r := enumerate.Halves(eff, g.cfg.Domain, suspects)
	var parts []part
	for _, half := range [][]topology.Unit{l, r} {
		if p, ok := informative(half); ok {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		return parts
	}

	for _, atom := range enumerate.Atoms(eff, g.cfg.Domain, suspects) {
		rest := slices.DeleteFunc(slices.Clone(suspects), func(u topology.Unit) bool {
			return slices.Contains(atom, u)
		})
		if p, ok := informative(rest); ok {
			return []part{p}
		}
		if p, ok := informative(atom); ok {
			return []part{p}
		}
	}
	return nil
}

// narrow folds the current findings into cand. ok is false when no leaf of
// the domain is left to test.
func (g *GpuInfo) narrow(cand fsinfo.FsInfo) (fsinfo.FsInfo, bool) {
	merged, err := fsinfo.Union(cand, g.tx.Effective())
	if err != nil {
		return fsinfo.FsInfo{}, false
	}
	next, err := merged.Propagate()
	if err != nil || len(enumerate.Leaves(next, g.cfg.Domain)) == 0 {
		return fsinfo.FsInfo{}, false
	}
	return next, true
}
