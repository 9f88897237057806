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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

var grid = topology.MustNew(topology.Spec{
	Name:       "grid",
	GPCs:       4,
	TPCsPerGPC: 4,
	FBPs:       4,
	LTCsPerFBP: 2,
})

var pairedGrid = topology.MustNew(topology.Spec{
	Name:       "paired-grid",
	GPCs:       4,
	TPCsPerGPC: 2,
	FBPs:       1,
	LTCsPerFBP: 1,
	Rules: topology.RuleList{topology.PairRule{
		Kind:     topology.KindGPC,
		Pairs:    [][2]int{{0, 2}, {1, 3}},
		Override: topology.OverrideGPCPairing,
	}},
})

func tpc(i int) topology.Unit { return topology.Unit{Kind: topology.KindTPC, Index: i} }

func collect(seq func(func(Candidate) bool)) []topology.Unit {
	var out []topology.Unit
	for c := range seq {
		out = append(out, c.Unit)
	}
	return out
}

func TestParseDomain(t *testing.T) {
	d, err := ParseDomain("FBP")
	require.NoError(t, err)
	assert.Equal(t, FBPDomain, d)
	d, err = ParseDomain("")
	require.NoError(t, err)
	assert.Equal(t, GPCDomain, d)
	assert.Equal(t, "gpc", d.String())
	_, err = ParseDomain("nvlink")
	assert.Error(t, err)
}

func TestEnableOne(t *testing.T) {
	base := fsinfo.Full(grid).WithDisabled(tpc(1))
	seq := EnableOne(base, topology.KindTPC)

	var count int
	for c := range seq {
		count++
		assert.Equal(t, []topology.Unit{c.Unit}, c.Config.EnabledUnits(topology.KindTPC))
	}
	assert.Equal(t, 15, count)

	// Restartable: a second pass yields the same sequence.
	first := collect(seq)
	second := collect(seq)
	assert.Empty(t, cmp.Diff(first, second))
	assert.NotContains(t, first, tpc(1))
}

func TestDisableOne(t *testing.T) {
	base := fsinfo.Full(grid).WithDisabled(tpc(0))
	var got []topology.Unit
	for c := range DisableOne(base, topology.KindTPC) {
		assert.True(t, c.Config.Disabled(c.Unit))
		assert.Equal(t, 14, c.Config.EnabledCount(topology.KindTPC))
		got = append(got, c.Unit)
	}
	assert.Len(t, got, 15)
	assert.Equal(t, tpc(1), got[0])
}

func TestBreadthFirst(t *testing.T) {
	base := fsinfo.Full(grid).WithDisabled(tpc(4), tpc(5), tpc(6))
	got := collect(BreadthFirst(base, topology.KindTPC))

	want := []topology.Unit{
		tpc(0), tpc(7), tpc(8), tpc(12),
		tpc(1), tpc(9), tpc(13),
		tpc(2), tpc(10), tpc(14),
		tpc(3), tpc(11), tpc(15),
	}
	assert.Empty(t, cmp.Diff(want, got))

	// Early break does not disturb the next pass.
	for range BreadthFirst(base, topology.KindTPC) {
		break
	}
	assert.Equal(t, got, collect(BreadthFirst(base, topology.KindTPC)))
}

// checkSplit asserts disjoint halves whose union is the original leaf set.
func checkSplit(t *testing.T, cand, left, right fsinfo.FsInfo, d Domain) {
	t.Helper()
	orig := Leaves(cand, d)
	l, r := Leaves(left, d), Leaves(right, d)
	require.NotEmpty(t, l)
	require.NotEmpty(t, r)
	for _, u := range l {
		assert.NotContains(t, r, u)
	}
	union := append(append([]topology.Unit{}, l...), r...)
	slices.SortFunc(union, func(a, b topology.Unit) int { return a.Index - b.Index })
	assert.Empty(t, cmp.Diff(orig, union))
}

func TestSplit_ByTopLevelFirst(t *testing.T) {
	cand := fsinfo.Full(grid)
	left, right, ok := Split(cand, GPCDomain)
	require.True(t, ok)
	checkSplit(t, cand, left, right, GPCDomain)

	assert.Equal(t, []topology.Unit{tpc(0), tpc(1), tpc(2), tpc(3), tpc(4), tpc(5), tpc(6), tpc(7)},
		Leaves(left, GPCDomain))

	// Three GPCs left: the first two go left.
	cand = fsinfo.Full(grid).WithDisabled(tpc(8), tpc(9), tpc(10), tpc(11))
	left, right, ok = Split(cand, GPCDomain)
	require.True(t, ok)
	checkSplit(t, cand, left, right, GPCDomain)
	assert.Len(t, Leaves(left, GPCDomain), 8)
	assert.Len(t, Leaves(right, GPCDomain), 4)
}

func TestSplit_WithinGroup(t *testing.T) {
	cand := fsinfo.Full(grid).Restrict(topology.KindTPC, []topology.Unit{tpc(4), tpc(5), tpc(7)})
	left, right, ok := Split(cand, GPCDomain)
	require.True(t, ok)
	checkSplit(t, cand, left, right, GPCDomain)
	assert.Equal(t, []topology.Unit{tpc(4), tpc(5)}, Leaves(left, GPCDomain))
	assert.Equal(t, []topology.Unit{tpc(7)}, Leaves(right, GPCDomain))

	_, _, ok = Split(fsinfo.Full(grid).Restrict(topology.KindTPC, []topology.Unit{tpc(3)}), GPCDomain)
	assert.False(t, ok)
}

func TestSplit_PairedClusters(t *testing.T) {
	cand := fsinfo.Full(pairedGrid)
	left, right, ok := Split(cand, GPCDomain)
	require.True(t, ok)
	checkSplit(t, cand, left, right, GPCDomain)

	// GPC 0 and 2 form one cluster, 1 and 3 the other.
	assert.Equal(t, []topology.Unit{tpc(0), tpc(1), tpc(4), tpc(5)}, Leaves(left, GPCDomain))

	// Both halves stay consistent under propagation.
	for _, half := range []fsinfo.FsInfo{left, right} {
		p, err := half.Propagate()
		require.NoError(t, err)
		assert.Equal(t, Leaves(half, GPCDomain), Leaves(p, GPCDomain))
	}

	// Within one pair cluster each GPC keeps a TPC on both sides.
	single := fsinfo.Full(pairedGrid).Restrict(topology.KindTPC, []topology.Unit{tpc(0), tpc(1), tpc(4), tpc(5)})
	left, right, ok = Split(single, GPCDomain)
	require.True(t, ok)
	checkSplit(t, single, left, right, GPCDomain)
	assert.Equal(t, []topology.Unit{tpc(0), tpc(4)}, Leaves(left, GPCDomain))
	assert.Equal(t, []topology.Unit{tpc(1), tpc(5)}, Leaves(right, GPCDomain))

	// Relaxed pairing splits GPCs independently.
	relaxed, err := fsinfo.New(pairedGrid, nil, fsinfo.WithOverrides(topology.OverrideGPCPairing))
	require.NoError(t, err)
	left, _, ok = Split(relaxed, GPCDomain)
	require.True(t, ok)
	assert.Equal(t, []topology.Unit{tpc(0), tpc(1), tpc(2), tpc(3)}, Leaves(left, GPCDomain))
}

func TestSplit_FBPDomain(t *testing.T) {
	cand := fsinfo.Full(grid)
	left, right, ok := Split(cand, FBPDomain)
	require.True(t, ok)
	checkSplit(t, cand, left, right, FBPDomain)
	assert.Len(t, Leaves(left, FBPDomain), 4)
	// GPC side is untouched.
	assert.Equal(t, 16, left.EnabledCount(topology.KindTPC))
}

func ltcs(idx ...int) []topology.Unit {
	out := make([]topology.Unit, len(idx))
	for i, n := range idx {
		out[i] = topology.Unit{Kind: topology.KindLTC, Index: n}
	}
	return out
}

func TestHalves_LeafPairsStayTogether(t *testing.T) {
	gx106, err := topology.Lookup("gx106")
	require.NoError(t, err)

	cand := fsinfo.Full(gx106).WithDisabled(ltcs(4, 5, 6, 7)...)
	left, right := Halves(cand, FBPDomain, Leaves(cand, FBPDomain))
	assert.Empty(t, cmp.Diff(ltcs(0, 2), left))
	assert.Empty(t, cmp.Diff(ltcs(1, 3), right))

	// Both halves survive propagation with their leaves intact.
	for _, half := range [][]topology.Unit{left, right} {
		p, err := cand.Restrict(topology.KindLTC, half).Propagate()
		require.NoError(t, err)
		assert.Equal(t, half, Leaves(p, FBPDomain))
	}

	// The whole chip splits by the FBPs the pairs span.
	left, right = Halves(fsinfo.Full(gx106), FBPDomain, Leaves(fsinfo.Full(gx106), FBPDomain))
	assert.Empty(t, cmp.Diff(ltcs(0, 1, 2, 3), left))
	assert.Empty(t, cmp.Diff(ltcs(4, 5, 6, 7), right))

	// One atom cannot be split.
	left, right = Halves(cand, FBPDomain, ltcs(0, 2))
	assert.Empty(t, cmp.Diff(ltcs(0, 2), left))
	assert.Empty(t, right)
}

func TestAtoms(t *testing.T) {
	gx106, err := topology.Lookup("gx106")
	require.NoError(t, err)
	full := fsinfo.Full(gx106)

	assert.Empty(t, cmp.Diff([][]topology.Unit{ltcs(0, 2), ltcs(1), ltcs(5, 7)},
		Atoms(full, FBPDomain, ltcs(0, 1, 2, 5, 7))))

	relaxed := fsinfo.Full(gx106, fsinfo.WithOverrides(topology.OverrideLTCPairing))
	assert.Len(t, Atoms(relaxed, FBPDomain, ltcs(0, 1, 2, 3)), 4)

	// Chips without a leaf pair rule have one atom per leaf.
	assert.Len(t, Atoms(fsinfo.Full(grid), GPCDomain, Leaves(fsinfo.Full(grid), GPCDomain)), 16)
	assert.Nil(t, Atoms(full, FBPDomain, nil))
}
