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
	"fmt"

	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// The binary operators work on disable masks, kind by kind and parent by
// parent. None of them propagate; the result carries the overrides of the
// left operand.

// Union disables every unit disabled in either operand.
func Union(a, b FsInfo) (FsInfo, error) {
	return combine(a, b, func(x, y uint64) uint64 { return x | y })
}

// Intersect disables only units disabled in both operands.
func Intersect(a, b FsInfo) (FsInfo, error) {
	return combine(a, b, func(x, y uint64) uint64 { return x & y })
}

// SymmetricDifference disables units disabled in exactly one operand.
func SymmetricDifference(a, b FsInfo) (FsInfo, error) {
	return combine(a, b, func(x, y uint64) uint64 { return x ^ y })
}

// NewlyDefective returns the units disabled in committed but not in the
// originally fused configuration.
//
// committed always covers original during a session, so this is the
// symmetric difference of the two.
func NewlyDefective(committed, original FsInfo) (FsInfo, error) {
	return SymmetricDifference(committed, original)
}

// UnionAll folds Union over configs. It returns the zero FsInfo for an
// empty list.
func UnionAll(configs ...FsInfo) (FsInfo, error) {
	if len(configs) == 0 {
		return FsInfo{}, nil
	}
	acc := configs[0].clone()
	for _, c := range configs[1:] {
		var err error
		if acc, err = Union(acc, c); err != nil {
			return FsInfo{}, err
		}
	}
	return acc, nil
}

func combine(a, b FsInfo, op func(x, y uint64) uint64) (FsInfo, error) {
	if a.topo == nil || a.topo != b.topo {
		return FsInfo{}, fmt.Errorf("%w: %s vs %s", ErrTopologyMismatch, topoName(a), topoName(b))
	}
	out := FsInfo{topo: a.topo, overrides: a.overrides}
	for k := range a.masks {
		if a.masks[k] == nil {
			continue
		}
		out.masks[k] = make([]uint64, len(a.masks[k]))
		for p := range a.masks[k] {
			out.masks[k][p] = op(a.masks[k][p], b.masks[k][p])
		}
	}
	return out, nil
}

func topoName(f FsInfo) string {
	if f.topo == nil {
		return "<nil>"
	}
	return f.topo.Name()
}

// Complement flips the disable bits of every leaf kind within its valid
// width. Non-leaf kinds are copied unchanged. On a chip without L2 slices
// the LTC is a leaf.
//
// The result is generally inconsistent; run Propagate before using it as a
// test candidate.
func (f FsInfo) Complement() FsInfo {
	out := f.clone()
	for _, k := range f.topo.Kinds() {
		if !k.Leaf() && !(k == topology.KindLTC && !f.topo.Present(topology.KindL2Slice)) {
			continue
		}
		full := f.topo.FullMask(k)
		for p := range out.masks[k] {
			out.masks[k][p] = ^out.masks[k][p] & full
		}
	}
	return out
}

// Restrict returns a copy in which every unit of kind k outside keep is
// disabled. Other kinds are unchanged and nothing is propagated.
func (f FsInfo) Restrict(k topology.Kind, keep []topology.Unit) FsInfo {
	out := f.clone()
	if !f.topo.Present(k) {
		return out
	}
	enabled := make([]uint64, len(out.masks[k]))
	for _, u := range keep {
		if u.Kind != k {
			continue
		}
		parent, local := f.topo.Locate(u)
		if parent < len(enabled) {
			enabled[parent] |= 1 << uint(local)
		}
	}
	full := f.topo.FullMask(k)
	for p := range out.masks[k] {
		out.masks[k][p] |= full &^ enabled[p]
	}
	return out
}
