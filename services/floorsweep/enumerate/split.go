// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enumerate

import (
	"slices"

	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// Split partitions the enabled domain leaves of cand into two halves.
//
// # Description
//
// Equivalent to Halves over Leaves(cand, d), with each half applied to cand
// by disabling the other half's leaves.
//
// # Outputs
//
//   - left, right: cand with the other half's leaves disabled. Their
//     enabled leaf sets are disjoint and their union is Leaves(cand, d).
//   - ok: False when the leaves cannot be split into two non-empty halves.
func Split(cand fsinfo.FsInfo, d Domain) (left, right fsinfo.FsInfo, ok bool) {
	l, r := Halves(cand, d, Leaves(cand, d))
	if len(l) == 0 || len(r) == 0 {
		return fsinfo.FsInfo{}, fsinfo.FsInfo{}, false
	}
	return cand.Restrict(d.Leaf, l), cand.Restrict(d.Leaf, r), true
}

// Halves splits a set of domain leaves in two without separating units the
// chip's pair rules tie together.
//
// # Description
//
// Leaves are first grouped into atoms: leaves named by a pair rule on the
// leaf kind share an atom. Top-level units are then grouped into clusters,
// joined by a pair rule on the top kind or by an atom that spans them.
// Rules relaxed by the overrides of cand are ignored.
//
// With more than one cluster the left half takes the atoms of the first
// ceil(n/2) clusters. With a single cluster every top-level unit leans its
// first ceil(m/2) leaves to the left, and each atom follows the lean of its
// first leaf, so both members of a top-level pair keep leaves on each side.
// When that leaves one side empty the atoms are halved in order.
//
// # Inputs
//
//   - cand: Supplies the topology and overrides.
//   - d: The search domain.
//   - units: Leaves of kind d.Leaf, in global order.
//
// # Outputs
//
//   - left, right: Disjoint, in global order. right is empty when units
//     form a single atom.
func Halves(cand fsinfo.FsInfo, d Domain, units []topology.Unit) (left, right []topology.Unit) {
	atoms := Atoms(cand, d, units)
	switch len(atoms) {
	case 0:
		return nil, nil
	case 1:
		return atoms[0], nil
	}

	clusters := clusterAtoms(cand, d, atoms)
	var l, r [][]topology.Unit
	if len(clusters) > 1 {
		half := (len(clusters) + 1) / 2
		for i, c := range clusters {
			if i < half {
				l = append(l, c...)
			} else {
				r = append(r, c...)
			}
		}
	} else {
		l, r = leanAtoms(cand.Topology(), atoms)
	}
	return flatten(l), flatten(r)
}

// Atoms groups units into sets a leaf-kind pair rule forces to be disabled
// together. Atoms are ordered by their first unit.
func Atoms(cand fsinfo.FsInfo, d Domain, units []topology.Unit) [][]topology.Unit {
	if len(units) == 0 {
		return nil
	}
	pos := make(map[int]int, len(units))
	for i, u := range units {
		pos[u.Index] = i
	}
	uf := newUnionFind(len(units))
	if pairs, ok := cand.Topology().PairRuleFor(d.Leaf); ok && !cand.Overrides().Has(pairs.Override) {
		for i, u := range units {
			if partner, ok := pairs.Partner(u.Index); ok {
				if j, in := pos[partner]; in {
					uf.union(i, j)
				}
			}
		}
	}

	byRoot := make(map[int]int)
	var out [][]topology.Unit
	for i, u := range units {
		root := uf.find(i)
		k, seen := byRoot[root]
		if !seen {
			k = len(out)
			byRoot[root] = k
			out = append(out, nil)
		}
		out[k] = append(out[k], u)
	}
	return out
}

// clusterAtoms groups atoms whose top-level units are tied together.
func clusterAtoms(cand fsinfo.FsInfo, d Domain, atoms [][]topology.Unit) [][][]topology.Unit {
	topo := cand.Topology()
	topOf := func(u topology.Unit) int {
		t, _ := topo.Locate(u)
		return t
	}

	uf := newUnionFind(topo.Count(d.Top))
	if pairs, ok := topo.PairRuleFor(d.Top); ok && !cand.Overrides().Has(pairs.Override) {
		for _, p := range pairs.Pairs {
			uf.union(p[0], p[1])
		}
	}
	for _, a := range atoms {
		for _, u := range a[1:] {
			uf.union(topOf(a[0]), topOf(u))
		}
	}

	byRoot := make(map[int]int)
	var out [][][]topology.Unit
	for _, a := range atoms {
		root := uf.find(topOf(a[0]))
		k, seen := byRoot[root]
		if !seen {
			k = len(out)
			byRoot[root] = k
			out = append(out, nil)
		}
		out[k] = append(out[k], a)
	}
	return out
}

// leanAtoms halves the atoms of one cluster per top-level unit.
func leanAtoms(topo *topology.Topology, atoms [][]topology.Unit) (l, r [][]topology.Unit) {
	perTop := make(map[int][]topology.Unit)
	for _, a := range atoms {
		for _, u := range a {
			t, _ := topo.Locate(u)
			perTop[t] = append(perTop[t], u)
		}
	}
	leansLeft := make(map[topology.Unit]bool)
	for _, units := range perTop {
		slices.SortFunc(units, func(a, b topology.Unit) int { return a.Index - b.Index })
		half := (len(units) + 1) / 2
		for _, u := range units[:half] {
			leansLeft[u] = true
		}
	}
	for _, a := range atoms {
		if leansLeft[a[0]] {
			l = append(l, a)
		} else {
			r = append(r, a)
		}
	}
	if len(l) > 0 && len(r) > 0 {
		return l, r
	}
	half := (len(atoms) + 1) / 2
	return atoms[:half], atoms[half:]
}

func flatten(atoms [][]topology.Unit) []topology.Unit {
	var out []topology.Unit
	for _, a := range atoms {
		out = append(out, a...)
	}
	slices.SortFunc(out, func(a, b topology.Unit) int { return a.Index - b.Index })
	return out
}

type unionFind []int

func newUnionFind(n int) unionFind {
	uf := make(unionFind, n)
	for i := range uf {
		uf[i] = i
	}
	return uf
}

func (uf unionFind) find(i int) int {
	for uf[i] != i {
		uf[i] = uf[uf[i]]
		i = uf[i]
	}
	return i
}

func (uf unionFind) union(a, b int) {
	if a < 0 || b < 0 || a >= len(uf) || b >= len(uf) {
		return
	}
	uf[uf.find(a)] = uf.find(b)
}
