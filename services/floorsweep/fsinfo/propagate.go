// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fsinfo

import (
	"math/bits"

	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// maxPropagationPasses bounds the fixed point loop. Every pass that changes
// anything sets at least one disable bit, so the real bound is the number
// of bits in the configuration; this only guards against a broken rule.
const maxPropagationPasses = 4096

// Propagate returns the nearest consistent configuration.
//
// # Description
//
// Applies the hierarchy rules, the chip's rule variants and the override
// flags until no rule changes a bit, then runs the sanity check. Rules only
// ever set disable bits, so the result covers the receiver.
//
// # Outputs
//
//   - FsInfo: The fixed point. Returned even when the sanity check fails.
//   - error: *SanityError when a never-fully-disable kind is fully disabled.
func (f FsInfo) Propagate() (FsInfo, error) {
	out := f.clone()
	for pass := 0; pass < maxPropagationPasses; pass++ {
		if !out.propagatePass() {
			break
		}
	}
	return out, out.Sanity()
}

// Sanity reports the first never-fully-disable kind that is fully disabled.
func (f FsInfo) Sanity() error {
	for _, k := range f.topo.Kinds() {
		if !f.topo.NeverFullyDisable(k) {
			continue
		}
		if f.EnabledCount(k) == 0 {
			return &SanityError{Kind: k}
		}
	}
	return nil
}

// propagatePass runs every rule once and reports whether anything changed.
func (f *FsInfo) propagatePass() bool {
	changed := false
	for g := 0; g < f.topo.Count(topology.KindGPC); g++ {
		if f.propagateGPC(g) {
			changed = true
		}
	}
	for fb := 0; fb < f.topo.Count(topology.KindFBP); fb++ {
		if f.propagateFBP(fb) {
			changed = true
		}
	}
	if f.applyAloneRules() {
		changed = true
	}
	if f.applyGroupRules() {
		changed = true
	}
	if f.applyPairRules() {
		changed = true
	}
	return changed
}

// or sets bits in one mask and reports whether any were new.
func (f *FsInfo) or(k topology.Kind, parent int, v uint64) bool {
	if v == 0 || !f.topo.Present(k) {
		return false
	}
	v &= f.topo.FullMask(k)
	old := f.masks[k][parent]
	f.masks[k][parent] = old | v
	return old|v != old
}

func (f *FsInfo) fullyDisabled(k topology.Kind, parent int) bool {
	return f.topo.Present(k) && f.masks[k][parent] == f.topo.FullMask(k)
}

func (f *FsInfo) propagateGPC(g int) bool {
	t := f.topo
	changed := false
	bit := uint64(1) << uint(g)

	if f.masks[topology.KindGPC][0]&bit != 0 {
		for _, c := range topology.KindGPC.Children() {
			if f.or(c, g, t.FullMask(c)) {
				changed = true
			}
		}
		return changed
	}

	for p := 0; p < t.PerParent(topology.KindPES); p++ {
		owned := t.TPCMaskOfPES(p)
		if f.masks[topology.KindPES][g]&(1<<uint(p)) != 0 {
			if f.or(topology.KindTPC, g, owned) {
				changed = true
			}
		} else if f.masks[topology.KindTPC][g]&owned == owned {
			if f.or(topology.KindPES, g, 1<<uint(p)) {
				changed = true
			}
		}
	}

	if f.fullyDisabled(topology.KindTPC, g) ||
		f.fullyDisabled(topology.KindPES, g) ||
		f.fullyDisabled(topology.KindROP, g) {
		if f.or(topology.KindGPC, 0, bit) {
			changed = true
		}
	}
	return changed
}

func (f *FsInfo) propagateFBP(fb int) bool {
	t := f.topo
	changed := false
	bit := uint64(1) << uint(fb)

	if f.masks[topology.KindFBP][0]&bit != 0 {
		for _, c := range topology.KindFBP.Children() {
			if f.or(c, fb, t.FullMask(c)) {
				changed = true
			}
		}
		return changed
	}

	if t.Present(topology.KindL2Slice) {
		ltcs := t.PerParent(topology.KindLTC)
		for l := 0; l < ltcs; l++ {
			if f.masks[topology.KindLTC][fb]&(1<<uint(l)) != 0 {
				if f.or(topology.KindL2Slice, fb, t.SliceMaskOfLTC(l)) {
					changed = true
				}
			}
		}
		if !f.overrides.Has(topology.OverrideSliceRule) {
			for _, r := range t.Rules() {
				if sr, ok := r.(topology.SliceRule); ok && f.applySliceRule(fb, sr) {
					changed = true
				}
			}
		}
		for l := 0; l < ltcs; l++ {
			run := t.SliceMaskOfLTC(l)
			if f.masks[topology.KindL2Slice][fb]&run == run {
				if f.or(topology.KindLTC, fb, 1<<uint(l)) {
					changed = true
				}
			}
		}
	}

	if f.fullyDisabled(topology.KindLTC, fb) ||
		f.fullyDisabled(topology.KindFBIO, fb) ||
		f.fullyDisabled(topology.KindHalfFBPA, fb) {
		if f.or(topology.KindFBP, 0, bit) {
			changed = true
		}
	}
	return changed
}

// applySliceRule mirrors the disabled slice pattern across the enabled LTCs
// of one FBP, then fully disables any LTC left below the minimum.
func (f *FsInfo) applySliceRule(fb int, r topology.SliceRule) bool {
	t := f.topo
	spl := t.SlicesPerLTC()
	run := uint64(1)<<uint(spl) - 1
	ltcs := t.PerParent(topology.KindLTC)
	changed := false

	if r.Mirror {
		var pattern uint64
		for l := 0; l < ltcs; l++ {
			if f.masks[topology.KindLTC][fb]&(1<<uint(l)) != 0 {
				continue
			}
			pattern |= (f.masks[topology.KindL2Slice][fb] >> uint(l*spl)) & run
		}
		if pattern != 0 {
			for l := 0; l < ltcs; l++ {
				if f.masks[topology.KindLTC][fb]&(1<<uint(l)) != 0 {
					continue
				}
				if f.or(topology.KindL2Slice, fb, pattern<<uint(l*spl)) {
					changed = true
				}
			}
		}
	}

	for l := 0; l < ltcs; l++ {
		slices := (f.masks[topology.KindL2Slice][fb] >> uint(l*spl)) & run
		if slices == 0 || slices == run {
			continue
		}
		if spl-bits.OnesCount64(slices) < r.MinEnabledPerLTC {
			if f.or(topology.KindL2Slice, fb, t.SliceMaskOfLTC(l)) {
				changed = true
			}
		}
	}
	return changed
}

// applyAloneRules disables a unit left as the only enabled one of its kind
// within a parent when the chip forbids that unit from standing alone.
func (f *FsInfo) applyAloneRules() bool {
	if f.overrides.Has(topology.OverrideAloneRule) {
		return false
	}
	changed := false
	for _, r := range f.topo.Rules() {
		ar, ok := r.(topology.AloneRule)
		if !ok || !f.topo.Present(ar.Kind) {
			continue
		}
		only := uint64(1) << uint(ar.Index)
		for p := range f.masks[ar.Kind] {
			if f.ChildEnableMask(ar.Kind, p) == only {
				if f.or(ar.Kind, p, only) {
					changed = true
				}
			}
		}
	}
	return changed
}

// applyGroupRules disables every FBP of a group once the group has
// accumulated the configured number of disabled LTCs.
func (f *FsInfo) applyGroupRules() bool {
	if f.overrides.Has(topology.OverrideGroupRule) {
		return false
	}
	changed := false
	for _, r := range f.topo.Rules() {
		gr, ok := r.(topology.GroupRule)
		if !ok {
			continue
		}
		for _, group := range gr.Groups {
			disabled := 0
			for _, fb := range group {
				disabled += bits.OnesCount64(f.masks[topology.KindLTC][fb])
			}
			if disabled < gr.MaxDisabledLTCs {
				continue
			}
			for _, fb := range group {
				if f.or(topology.KindFBP, 0, 1<<uint(fb)) {
					changed = true
				}
			}
		}
	}
	return changed
}

func (f *FsInfo) applyPairRules() bool {
	changed := false
	for _, r := range f.topo.Rules() {
		pr, ok := r.(topology.PairRule)
		if !ok || f.overrides.Has(pr.Override) {
			continue
		}
		for _, pair := range pr.Pairs {
			a := topology.Unit{Kind: pr.Kind, Index: pair[0]}
			b := topology.Unit{Kind: pr.Kind, Index: pair[1]}
			da, db := f.Disabled(a), f.Disabled(b)
			if da == db {
				continue
			}
			f.set(a)
			f.set(b)
			changed = true
		}
	}
	return changed
}
