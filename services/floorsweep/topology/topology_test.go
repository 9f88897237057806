// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package topology

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func smallSpec() Spec {
	return Spec{
		Name:         "t4x4",
		GPCs:         4,
		TPCsPerGPC:   4,
		PESsPerGPC:   2,
		FBPs:         2,
		LTCsPerFBP:   2,
		SlicesPerLTC: 4,
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds() {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	got, err := ParseKind(" TPC ")
	require.NoError(t, err)
	assert.Equal(t, KindTPC, got)

	_, err = ParseKind("sm")
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestKindHierarchy(t *testing.T) {
	p, ok := KindL2Slice.Parent()
	assert.True(t, ok)
	assert.Equal(t, KindFBP, p)

	assert.True(t, KindGPC.TopLevel())
	assert.False(t, KindTPC.TopLevel())
	assert.Equal(t, []Kind{KindTPC, KindPES, KindROP}, KindGPC.Children())
	assert.Equal(t, []Kind{KindFBIO, KindLTC, KindL2Slice, KindHalfFBPA}, KindFBP.Children())
	assert.False(t, KindLTC.Leaf())
	assert.True(t, KindL2Slice.Leaf())
	assert.Equal(t, "kind(42)", Kind(42).String())
}

func TestNew_Counts(t *testing.T) {
	topo, err := New(smallSpec())
	require.NoError(t, err)

	assert.Equal(t, 4, topo.Count(KindGPC))
	assert.Equal(t, 16, topo.Count(KindTPC))
	assert.Equal(t, 4, topo.PerParent(KindTPC))
	assert.Equal(t, 4, topo.Parents(KindTPC))
	assert.Equal(t, 1, topo.Parents(KindGPC))
	assert.Equal(t, 8, topo.PerParent(KindL2Slice))
	assert.Equal(t, 0, topo.Count(KindROP))
	assert.False(t, topo.Present(KindROP))
	assert.Equal(t, uint64(0xf), topo.FullMask(KindTPC))
	assert.Equal(t, uint64(0xff), topo.FullMask(KindL2Slice))
	assert.Equal(t, []Kind{KindGPC, KindTPC, KindPES, KindFBP, KindLTC, KindL2Slice}, topo.Kinds())
}

func TestNew_DefaultPESTable(t *testing.T) {
	spec := smallSpec()
	spec.TPCsPerGPC = 5
	topo, err := New(spec)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, topo.TPCsOfPES(0))
	assert.Equal(t, []int{3, 4}, topo.TPCsOfPES(1))
	assert.Equal(t, uint64(0x18), topo.TPCMaskOfPES(1))
	assert.Equal(t, 1, topo.PESOfTPC(4))
	assert.Equal(t, -1, topo.PESOfTPC(9))
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"missing name", func(s *Spec) { s.Name = "" }},
		{"no gpc", func(s *Spec) { s.GPCs = 0 }},
		{"too wide", func(s *Spec) { s.TPCsPerGPC = 65 }},
		{"pes row count", func(s *Spec) { s.PESTPCs = [][]int{{0, 1, 2, 3}} }},
		{"tpc owned twice", func(s *Spec) { s.PESTPCs = [][]int{{0, 1}, {1, 2, 3}} }},
		{"tpc unowned", func(s *Spec) { s.PESTPCs = [][]int{{0}, {1, 2}} }},
		{"pair out of range", func(s *Spec) {
			s.Rules = RuleList{PairRule{Kind: KindGPC, Pairs: [][2]int{{0, 7}}}}
		}},
		{"pair repeats unit", func(s *Spec) {
			s.Rules = RuleList{PairRule{Kind: KindGPC, Pairs: [][2]int{{0, 1}, {1, 2}}}}
		}},
		{"slice minimum too high", func(s *Spec) {
			s.Rules = RuleList{SliceRule{MinEnabledPerLTC: 5}}
		}},
		{"alone on top-level", func(s *Spec) {
			s.Rules = RuleList{AloneRule{Kind: KindGPC, Index: 0}}
		}},
		{"group without threshold", func(s *Spec) {
			s.Rules = RuleList{GroupRule{Groups: [][]int{{0, 1}}}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := smallSpec()
			tc.mutate(&spec)
			_, err := New(spec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTopology))
		})
	}
}

func TestLocateGlobal(t *testing.T) {
	topo := MustNew(smallSpec())

	parent, local := topo.Locate(Unit{Kind: KindTPC, Index: 13})
	assert.Equal(t, 3, parent)
	assert.Equal(t, 1, local)
	assert.Equal(t, Unit{Kind: KindTPC, Index: 13}, topo.Global(KindTPC, 3, 1))
	assert.Equal(t, Unit{Kind: KindGPC, Index: 2}, topo.Global(KindGPC, 0, 2))
	assert.Equal(t, "tpc13", Unit{Kind: KindTPC, Index: 13}.String())
}

func TestSliceHelpers(t *testing.T) {
	topo := MustNew(smallSpec())
	assert.Equal(t, 1, topo.LTCOfSlice(5))
	assert.Equal(t, uint64(0xf0), topo.SliceMaskOfLTC(1))
}

func TestPairRule_SortedAndPartner(t *testing.T) {
	spec := smallSpec()
	spec.Rules = RuleList{PairRule{Kind: KindGPC, Pairs: [][2]int{{3, 2}, {1, 0}}}}
	topo := MustNew(spec)

	rule, ok := topo.PairRuleFor(KindGPC)
	require.True(t, ok)
	assert.Equal(t, [][2]int{{0, 1}, {2, 3}}, rule.Pairs)

	p, ok := rule.Partner(2)
	assert.True(t, ok)
	assert.Equal(t, 3, p)

	_, ok = topo.PairRuleFor(KindFBP)
	assert.False(t, ok)
}

func TestOverrides(t *testing.T) {
	o, err := ParseOverrides([]string{"ignore_fbp_pairing", "", "IGNORE_SLICE_RULE"})
	require.NoError(t, err)
	assert.True(t, o.Has(OverrideFBPPairing))
	assert.True(t, o.Has(OverrideSliceRule))
	assert.False(t, o.Has(OverrideGPCPairing))
	assert.False(t, o.Has(0))
	assert.Equal(t, "ignore_fbp_pairing,ignore_slice_rule", o.String())

	_, err = ParseOverrides([]string{"ignore_everything"})
	assert.Error(t, err)
}

func TestRuleListYAML(t *testing.T) {
	doc := `
- type: pair
  kind: fbp
  override: ignore_fbp_pairing
  pairs: [[0, 1]]
- type: slices
  min_enabled_per_ltc: 3
  mirror: true
- type: alone
  kind: rop
  index: 1
- type: group
  max_disabled_ltcs: 2
  groups: [[0, 1]]
`
	var rules RuleList
	require.NoError(t, yaml.Unmarshal([]byte(doc), &rules))
	require.Len(t, rules, 4)
	assert.Equal(t, PairRule{Kind: KindFBP, Pairs: [][2]int{{0, 1}}, Override: OverrideFBPPairing}, rules[0])
	assert.Equal(t, SliceRule{MinEnabledPerLTC: 3, Mirror: true}, rules[1])
	assert.Equal(t, AloneRule{Kind: KindROP, Index: 1}, rules[2])
	assert.Equal(t, GroupRule{Groups: [][]int{{0, 1}}, MaxDisabledLTCs: 2}, rules[3])

	err := yaml.Unmarshal([]byte("- type: mystery\n"), &rules)
	assert.Error(t, err)
}

func TestDefaultCatalogue(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Equal(t, []string{"gx100", "gx102", "gx106"}, c.Names())

	gx100, err := Lookup("gx100")
	require.NoError(t, err)
	assert.Equal(t, 72, gx100.Count(KindTPC))
	assert.Equal(t, 24, gx100.Count(KindLTC))
	_, ok := gx100.PairRuleFor(KindFBP)
	assert.True(t, ok)

	again, err := Lookup("gx100")
	require.NoError(t, err)
	assert.True(t, gx100.SameAs(again))

	gx102, err := Lookup("gx102")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, gx102.TPCsOfPES(1))
	assert.False(t, gx100.SameAs(gx102))

	_, err = Lookup("gx999")
	assert.True(t, errors.Is(err, ErrUnknownChip))
}

func TestParseCatalogue_Duplicate(t *testing.T) {
	doc := `
chips:
  - {name: a, gpcs: 1, tpcs_per_gpc: 1, fbps: 1, ltcs_per_fbp: 1}
  - {name: a, gpcs: 1, tpcs_per_gpc: 1, fbps: 1, ltcs_per_fbp: 1}
`
	_, err := ParseCatalogue([]byte(doc))
	assert.True(t, errors.Is(err, ErrInvalidTopology))
}
