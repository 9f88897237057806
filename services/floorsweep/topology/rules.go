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
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Override Flags
// =============================================================================

// Overrides is a set of flags that relax specific consistency rules.
//
// Overrides exist so a baseline can be built from fuse data that predates a
// rule. They are set at construction time only and never during a search.
type Overrides uint8

const (
	// OverrideFBPPairing disables pair rules on KindFBP.
	OverrideFBPPairing Overrides = 1 << iota

	// OverrideGPCPairing disables pair rules on KindGPC.
	OverrideGPCPairing

	// OverrideLTCPairing disables pair rules on KindLTC.
	OverrideLTCPairing

	// OverrideSliceRule disables the L2 slice count and mirror rule.
	OverrideSliceRule

	// OverrideAloneRule disables every alone rule.
	OverrideAloneRule

	// OverrideGroupRule disables the grandparent group threshold rule.
	OverrideGroupRule
)

var overrideNames = []struct {
	flag Overrides
	name string
}{
	{OverrideFBPPairing, "ignore_fbp_pairing"},
	{OverrideGPCPairing, "ignore_gpc_pairing"},
	{OverrideLTCPairing, "ignore_ltc_pairing"},
	{OverrideSliceRule, "ignore_slice_rule"},
	{OverrideAloneRule, "ignore_alone_rule"},
	{OverrideGroupRule, "ignore_group_rule"},
}

// Has reports whether every flag in o is set.
func (s Overrides) Has(o Overrides) bool {
	return o != 0 && s&o == o
}

// String lists the set flag names joined by ",".
func (s Overrides) String() string {
	var names []string
	for _, n := range overrideNames {
		if s&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseOverride converts a flag name to its Overrides bit.
func ParseOverride(name string) (Overrides, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, o := range overrideNames {
		if o.name == n {
			return o.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown override %q", name)
}

// ParseOverrides converts a list of flag names to a set.
func ParseOverrides(names []string) (Overrides, error) {
	var out Overrides
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		o, err := ParseOverride(n)
		if err != nil {
			return 0, err
		}
		out |= o
	}
	return out, nil
}

// UnmarshalYAML decodes a single override flag name.
func (s *Overrides) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	o, err := ParseOverride(name)
	if err != nil {
		return err
	}
	*s = o
	return nil
}

// =============================================================================
// Rule Variants
// =============================================================================

// Rule is a chip-family specific consistency rule.
//
// The set of rule variants is closed: PairRule, SliceRule, AloneRule and
// GroupRule. The propagator switches on the concrete type.
type Rule interface {
	// RuleType returns the variant tag used in the chip catalogue.
	RuleType() string

	validate(t *Topology) error
}

// PairRule forces two units of the same kind to be disabled together.
//
// Indices are chip-global. Override names the flag that relaxes the rule.
type PairRule struct {
	Kind     Kind
	Pairs    [][2]int
	Override Overrides
}

// RuleType implements Rule.
func (PairRule) RuleType() string { return "pair" }

func (r PairRule) validate(t *Topology) error {
	n := t.Count(r.Kind)
	if n == 0 {
		return fmt.Errorf("pair rule on absent kind %s", r.Kind)
	}
	seen := make(map[int]bool)
	for _, p := range r.Pairs {
		for _, i := range p {
			if i < 0 || i >= n {
				return fmt.Errorf("pair rule index %d out of range for %s (count %d)", i, r.Kind, n)
			}
			if seen[i] {
				return fmt.Errorf("pair rule lists %s%d twice", r.Kind, i)
			}
			seen[i] = true
		}
		if p[0] == p[1] {
			return fmt.Errorf("pair rule pairs %s%d with itself", r.Kind, p[0])
		}
	}
	return nil
}

// Partner returns the paired index of i, or false if i is unpaired.
func (r PairRule) Partner(i int) (int, bool) {
	for _, p := range r.Pairs {
		if p[0] == i {
			return p[1], true
		}
		if p[1] == i {
			return p[0], true
		}
	}
	return 0, false
}

// SliceRule governs partial L2 slice disables within one LTC.
//
// An LTC left with fewer than MinEnabledPerLTC enabled slices is disabled
// entirely. With Mirror set, a slice index disabled in one LTC of an FBP is
// disabled in every LTC of that FBP.
type SliceRule struct {
	MinEnabledPerLTC int
	Mirror           bool
}

// RuleType implements Rule.
func (SliceRule) RuleType() string { return "slices" }

func (r SliceRule) validate(t *Topology) error {
	if t.SlicesPerLTC() == 0 {
		return fmt.Errorf("slice rule on chip without L2 slices")
	}
	if r.MinEnabledPerLTC < 0 || r.MinEnabledPerLTC > t.SlicesPerLTC() {
		return fmt.Errorf("slice rule minimum %d outside 0..%d", r.MinEnabledPerLTC, t.SlicesPerLTC())
	}
	return nil
}

// AloneRule names a local index that may not be the only enabled unit of its
// kind within a parent.
type AloneRule struct {
	Kind  Kind
	Index int
}

// RuleType implements Rule.
func (AloneRule) RuleType() string { return "alone" }

func (r AloneRule) validate(t *Topology) error {
	if r.Kind.TopLevel() {
		return fmt.Errorf("alone rule needs a child kind, got %s", r.Kind)
	}
	if r.Index < 0 || r.Index >= t.PerParent(r.Kind) {
		return fmt.Errorf("alone rule index %d out of range for %s", r.Index, r.Kind)
	}
	return nil
}

// GroupRule disables a whole group of FBPs once the group has accumulated
// MaxDisabledLTCs disabled LTCs.
type GroupRule struct {
	Groups          [][]int
	MaxDisabledLTCs int
}

// RuleType implements Rule.
func (GroupRule) RuleType() string { return "group" }

func (r GroupRule) validate(t *Topology) error {
	if r.MaxDisabledLTCs < 1 {
		return fmt.Errorf("group rule threshold must be positive")
	}
	for _, g := range r.Groups {
		if len(g) == 0 {
			return fmt.Errorf("group rule has an empty group")
		}
		for _, f := range g {
			if f < 0 || f >= t.Count(KindFBP) {
				return fmt.Errorf("group rule fbp%d out of range", f)
			}
		}
	}
	return nil
}

// =============================================================================
// YAML Decoding
// =============================================================================

// RuleList decodes the tagged rule variants from the chip catalogue.
type RuleList []Rule

type ruleYAML struct {
	Type             string    `yaml:"type"`
	Kind             Kind      `yaml:"kind"`
	Pairs            [][2]int  `yaml:"pairs"`
	Override         Overrides `yaml:"override"`
	MinEnabledPerLTC int       `yaml:"min_enabled_per_ltc"`
	Mirror           bool      `yaml:"mirror"`
	Index            int       `yaml:"index"`
	Groups           [][]int   `yaml:"groups"`
	MaxDisabledLTCs  int       `yaml:"max_disabled_ltcs"`
}

// UnmarshalYAML decodes each entry by its "type" tag.
func (l *RuleList) UnmarshalYAML(value *yaml.Node) error {
	var raw []ruleYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	out := make(RuleList, 0, len(raw))
	for i, r := range raw {
		switch r.Type {
		case "pair":
			out = append(out, PairRule{Kind: r.Kind, Pairs: r.Pairs, Override: r.Override})
		case "slices":
			out = append(out, SliceRule{MinEnabledPerLTC: r.MinEnabledPerLTC, Mirror: r.Mirror})
		case "alone":
			out = append(out, AloneRule{Kind: r.Kind, Index: r.Index})
		case "group":
			out = append(out, GroupRule{Groups: r.Groups, MaxDisabledLTCs: r.MaxDisabledLTCs})
		default:
			return fmt.Errorf("rule %d: unknown rule type %q", i, r.Type)
		}
	}
	*l = out
	return nil
}

// sortedPairs returns a copy of pairs ordered by first index.
func sortedPairs(pairs [][2]int) [][2]int {
	out := make([][2]int, len(pairs))
	for i, p := range pairs {
		if p[0] > p[1] {
			p[0], p[1] = p[1], p[0]
		}
		out[i] = p
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
