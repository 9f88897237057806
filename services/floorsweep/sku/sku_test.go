// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sku

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

var grid = topology.MustNew(topology.Spec{
	Name:       "grid",
	GPCs:       4,
	TPCsPerGPC: 4,
	FBPs:       2,
	LTCsPerFBP: 2,
})

func intp(v int) *int { return &v }

func gpc(i int) topology.Unit { return topology.Unit{Kind: topology.KindGPC, Index: i} }
func tpc(i int) topology.Unit { return topology.Unit{Kind: topology.KindTPC, Index: i} }

func propagated(t *testing.T, units ...topology.Unit) fsinfo.FsInfo {
	t.Helper()
	f, err := fsinfo.Full(grid).WithDisabled(units...).Propagate()
	require.NoError(t, err)
	return f
}

func TestParse(t *testing.T) {
	doc := `
name: grid-2g
chip: grid
kinds:
  gpc:
    mode: range
    min_enabled: 2
    max_enabled: 2
  tpc:
    mode: dont_care
  ltc:
    mode: exact
    disable_masks: [0x0, 0x2]
`
	s, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "grid-2g", s.Name)
	assert.Equal(t, ModeRange, s.Kinds["gpc"].Mode)
	assert.Equal(t, 2, *s.Kinds["gpc"].MinEnabled)
	assert.Equal(t, []uint64{0, 2}, s.Kinds["ltc"].DisableMasks)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "name: [unclosed"},
		{"missing name", "chip: grid\nkinds: {gpc: {mode: dont_care}}"},
		{"missing chip", "name: a\nkinds: {gpc: {mode: dont_care}}"},
		{"no kinds", "name: a\nchip: grid"},
		{"bad mode", "name: a\nchip: grid\nkinds: {gpc: {mode: most}}"},
		{"exact without masks", "name: a\nchip: grid\nkinds: {gpc: {mode: exact}}"},
		{"range without bounds", "name: a\nchip: grid\nkinds: {gpc: {mode: range}}"},
		{"range inverted", "name: a\nchip: grid\nkinds: {gpc: {mode: range, min_enabled: 3, max_enabled: 1}}"},
		{"negative bound", "name: a\nchip: grid\nkinds: {gpc: {mode: range, min_enabled: -1}}"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedSpec), "err = %v", err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sku.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: a\nchip: grid\nkinds: {gpc: {mode: dont_care}}\n"), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a", s.Name)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestResolve_Errors(t *testing.T) {
	base := Spec{Name: "a", Chip: "grid", Kinds: map[string]KindSpec{"gpc": {Mode: ModeDontCare}}}

	other := base
	other.Chip = "gx100"
	_, err := Resolve(other, grid)
	assert.True(t, errors.Is(err, ErrMalformedSpec))

	unknown := base
	unknown.Kinds = map[string]KindSpec{"sm": {Mode: ModeDontCare}}
	_, err = Resolve(unknown, grid)
	assert.True(t, errors.Is(err, ErrUnknownKind))

	absent := base
	absent.Kinds = map[string]KindSpec{"rop": {Mode: ModeDontCare}}
	_, err = Resolve(absent, grid)
	assert.True(t, errors.Is(err, ErrUnknownKind))

	shape := base
	shape.Kinds = map[string]KindSpec{"tpc": {Mode: ModeExact, DisableMasks: []uint64{0}}}
	_, err = Resolve(shape, grid)
	assert.True(t, errors.Is(err, ErrMalformedSpec))

	wide := base
	wide.Kinds = map[string]KindSpec{"gpc": {Mode: ModeExact, DisableMasks: []uint64{0x10}}}
	_, err = Resolve(wide, grid)
	assert.True(t, errors.Is(err, ErrMalformedSpec))

	tooMany := base
	tooMany.Kinds = map[string]KindSpec{"gpc": {Mode: ModeRange, MinEnabled: intp(5)}}
	_, err = Resolve(tooMany, grid)
	assert.True(t, errors.Is(err, ErrMalformedSpec))
}

func TestMatch_Range(t *testing.T) {
	target, err := Resolve(Spec{
		Name:  "two-gpc",
		Chip:  "grid",
		Kinds: map[string]KindSpec{"gpc": {Mode: ModeRange, MinEnabled: intp(2), MaxEnabled: intp(2)}},
	}, grid)
	require.NoError(t, err)
	assert.Equal(t, "two-gpc", target.Name())
	assert.Same(t, grid, target.Topology())

	tests := []struct {
		name     string
		disabled []topology.Unit
		want     Status
	}{
		{"none disabled", nil, StatusUnderDisabled},
		{"one disabled", []topology.Unit{gpc(1)}, StatusUnderDisabled},
		{"two disabled", []topology.Unit{gpc(1), gpc(3)}, StatusMatch},
		{"three disabled", []topology.Unit{gpc(0), gpc(1), gpc(3)}, StatusOverDisabled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rep, err := target.Match(propagated(t, tc.disabled...))
			require.NoError(t, err)
			require.Len(t, rep.Results, 1)
			assert.Equal(t, tc.want, rep.Results[0].Status)
			assert.Equal(t, tc.want == StatusMatch, rep.Matched())
		})
	}
}

func TestMatch_Exact(t *testing.T) {
	target, err := Resolve(Spec{
		Name: "exact",
		Chip: "grid",
		Kinds: map[string]KindSpec{
			"tpc": {Mode: ModeExact, DisableMasks: []uint64{0x1, 0, 0, 0x8}},
			"gpc": {Mode: ModeDontCare},
		},
	}, grid)
	require.NoError(t, err)

	rep, err := target.Match(propagated(t, tpc(0)))
	require.NoError(t, err)
	assert.Equal(t, []topology.Kind{topology.KindTPC}, rep.Under())
	assert.Empty(t, rep.Over())

	rep, err = target.Match(propagated(t, tpc(0), tpc(15)))
	require.NoError(t, err)
	assert.True(t, rep.Matched())
	assert.Equal(t, "sku=exact tpc:match", rep.String())

	rep, err = target.Match(propagated(t, tpc(0), tpc(15), tpc(5)))
	require.NoError(t, err)
	assert.Equal(t, []topology.Kind{topology.KindTPC}, rep.Over())

	// A disable outside the target is over even when another bit is missing.
	rep, err = target.Match(propagated(t, tpc(5)))
	require.NoError(t, err)
	assert.Equal(t, StatusOverDisabled, rep.Results[0].Status)
}

func TestMatch_TopologyMismatch(t *testing.T) {
	other := topology.MustNew(topology.Spec{Name: "grid", GPCs: 1, TPCsPerGPC: 1, FBPs: 1, LTCsPerFBP: 1})
	target, err := Resolve(Spec{Name: "a", Chip: "grid", Kinds: map[string]KindSpec{"gpc": {Mode: ModeDontCare}}}, grid)
	require.NoError(t, err)

	_, err = target.Match(fsinfo.Full(other))
	assert.True(t, errors.Is(err, fsinfo.ErrTopologyMismatch))

	rep, err := target.Match(fsinfo.Full(grid))
	require.NoError(t, err)
	assert.True(t, rep.Matched())
	assert.Empty(t, rep.Results)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "match", StatusMatch.String())
	assert.Equal(t, "over", StatusOverDisabled.String())
	assert.Equal(t, "under", StatusUnderDisabled.String())
	assert.Equal(t, "status(9)", Status(9).String())
}
