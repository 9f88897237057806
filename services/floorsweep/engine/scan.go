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
	"log/slog"
	"slices"

	"github.com/AleutianAI/floorsweep/services/floorsweep/enumerate"
	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// scan tests every enabled leaf of the domain alone, breadth-first across
// parents, and disables the leaves whose solo test fails.
//
// With a BatchTester, one leaf of every parent runs per physical pass.
func (g *GpuInfo) scan(ctx context.Context) (matched bool, err error) {
	cands := slices.Collect(enumerate.BreadthFirst(g.tx.Effective(), g.cfg.Domain.Leaf))
	bt, batched := g.tester.(BatchTester)

	for _, wave := range g.waves(cands, batched) {
		var todo []enumerate.Candidate
		var cfgs []fsinfo.FsInfo
		for _, c := range wave {
			cfg, ok := g.isolate(c)
			if !ok {
				continue
			}
			todo = append(todo, enumerate.Candidate{Unit: c.Unit, Config: cfg})
			cfgs = append(cfgs, cfg)
		}
		if len(todo) == 0 {
			continue
		}

		var outs []Outcome
		ran := false
		if batched && len(cfgs) > 1 {
			if outs, ran, err = g.runBatch(ctx, bt, cfgs); err != nil {
				return false, err
			}
		}
		if !ran {
			outs = make([]Outcome, len(todo))
			for i, c := range todo {
				if outs[i], err = g.runTest(ctx, c.Config); err != nil {
					return false, err
				}
			}
		}

		for i, c := range todo {
			if outs[i].Passed {
				continue
			}
			m, err := g.scanFailure(ctx, c.Unit, outs[i])
			if err != nil || m {
				return m, err
			}
		}
	}
	return false, nil
}

// waves groups breadth-first candidates so no parent appears twice in a
// group. Without batching every candidate is its own wave.
func (g *GpuInfo) waves(cands []enumerate.Candidate, batched bool) [][]enumerate.Candidate {
	var out [][]enumerate.Candidate
	if !batched {
		for _, c := range cands {
			out = append(out, []enumerate.Candidate{c})
		}
		return out
	}
	var cur []enumerate.Candidate
	seen := make(map[int]bool)
	for _, c := range cands {
		p, _ := g.topo.Locate(c.Unit)
		if seen[p] {
			out = append(out, cur)
			cur = nil
			clear(seen)
		}
		seen[p] = true
		cur = append(cur, c)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// isolate folds current findings into a scan candidate. ok is false when
// the candidate's leaf is already disabled or cannot run alone.
func (g *GpuInfo) isolate(c enumerate.Candidate) (fsinfo.FsInfo, bool) {
	eff := g.tx.Effective()
	if eff.Disabled(c.Unit) {
		return fsinfo.FsInfo{}, false
	}
	merged, err := fsinfo.Union(c.Config, eff)
	if err != nil {
		return fsinfo.FsInfo{}, false
	}
	cfg, err := merged.Propagate()
	if err != nil {
		g.log.Debug("scan candidate fails sanity check", slog.String("unit", c.Unit.String()))
		return fsinfo.FsInfo{}, false
	}
	if leaves := enumerate.Leaves(cfg, g.cfg.Domain); len(leaves) != 1 || leaves[0] != c.Unit {
		return fsinfo.FsInfo{}, false
	}
	return cfg, true
}

// scanFailure accepts the partial-failure detail if it adds anything, and
// the failing leaf itself otherwise.
func (g *GpuInfo) scanFailure(ctx context.Context, u topology.Unit, out Outcome) (bool, error) {
	if out.PartialFailure != nil {
		changed, matched, err := g.accept(ctx, *out.PartialFailure, "partial")
		if err != nil && !errors.Is(err, fsinfo.ErrSanity) {
			return false, err
		}
		if changed {
			return matched, nil
		}
	}
	if g.tx.Effective().Disabled(u) {
		return false, nil
	}
	switch s, err := g.disableUnits(ctx, []topology.Unit{u}, "scan"); s {
	case stepFatal:
		return false, err
	case stepMatched:
		return true, nil
	case stepRetryCoarser:
		g.log.Warn("failing leaf cannot be disabled", slog.String("unit", u.String()))
	}
	return false, nil
}

// cold disables one enabled leaf at a time until the device passes. The
// first leaf whose removal makes the device pass is the finding.
func (g *GpuInfo) cold(ctx context.Context) (matched bool, err error) {
	for c := range enumerate.DisableOne(g.tx.Effective(), g.cfg.Domain.Leaf) {
		cfg, err := c.Config.Propagate()
		if err != nil {
			g.log.Debug("cold candidate fails sanity check", slog.String("unit", c.Unit.String()))
			continue
		}
		out, err := g.runTest(ctx, cfg)
		if err != nil {
			return false, err
		}
		if !out.Passed {
			continue
		}
		switch s, err := g.disableUnits(ctx, []topology.Unit{c.Unit}, "cold"); s {
		case stepFatal:
			return false, err
		case stepRetryCoarser:
			return false, errors.Join(ErrNoSingleCulprit, fsinfo.ErrSanity)
		default:
			return s == stepMatched, nil
		}
	}
	return false, ErrNoSingleCulprit
}
