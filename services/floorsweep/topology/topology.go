// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package topology describes the physical unit hierarchy of a chip family.
//
// A Topology is pure data: unit counts per hierarchy level, the TPC to PES
// ownership table, and a closed set of rule variants (pairing, slice
// equalization, alone exceptions, grandparent groups). Chip families differ
// only in this data; no behaviour is selected by chip name.
//
// # Hierarchy
//
//	gpc ─┬─ tpc
//	     ├─ pes   (owns a fixed set of TPCs)
//	     └─ rop
//	fbp ─┬─ fbio
//	     ├─ ltc ── l2slice (slices addressed per FBP)
//	     └─ halffbpa
//
// # Thread Safety
//
// A Topology is immutable after New returns and is safe to share.
package topology

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned when a kind name cannot be resolved.
	ErrUnknownKind = errors.New("unknown unit kind")

	// ErrInvalidTopology is returned when a Spec fails validation.
	ErrInvalidTopology = errors.New("invalid topology")

	// ErrUnknownChip is returned when the catalogue has no such chip.
	ErrUnknownChip = errors.New("unknown chip")
)

// MaxUnitsPerMask is the widest mask a single parent may carry.
const MaxUnitsPerMask = 64

// Spec is the plain description of a chip family, as stored in the catalogue.
type Spec struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	GPCs            int      `yaml:"gpcs"`
	TPCsPerGPC      int      `yaml:"tpcs_per_gpc"`
	PESsPerGPC      int      `yaml:"pes_per_gpc"`
	ROPsPerGPC      int      `yaml:"rops_per_gpc"`
	FBPs            int      `yaml:"fbps"`
	FBIOsPerFBP     int      `yaml:"fbios_per_fbp"`
	LTCsPerFBP      int      `yaml:"ltcs_per_fbp"`
	SlicesPerLTC    int      `yaml:"slices_per_ltc"`
	HalfFBPAsPerFBP int      `yaml:"half_fbpas_per_fbp"`
	PESTPCs         [][]int  `yaml:"pes_tpcs"`
	Rules           RuleList `yaml:"rules"`
}

// Topology is the validated, immutable form of a Spec.
type Topology struct {
	name        string
	description string

	// counts holds the total for top-level kinds and the per-parent count
	// for child kinds.
	counts       [NumKinds]int
	slicesPerLTC int

	pesTPCs [][]int
	tpcPES  []int

	rules []Rule
}

// New validates spec and returns the corresponding Topology.
//
// # Inputs
//
//   - spec: Chip description. PESTPCs may be nil, in which case TPCs are
//     distributed over PESs in contiguous runs.
//
// # Outputs
//
//   - *Topology: Immutable topology.
//   - error: Wraps ErrInvalidTopology when the spec is inconsistent.
func New(spec Spec) (*Topology, error) {
	t := &Topology{
		name:         spec.Name,
		description:  spec.Description,
		slicesPerLTC: spec.SlicesPerLTC,
	}
	t.counts[KindGPC] = spec.GPCs
	t.counts[KindTPC] = spec.TPCsPerGPC
	t.counts[KindPES] = spec.PESsPerGPC
	t.counts[KindROP] = spec.ROPsPerGPC
	t.counts[KindFBP] = spec.FBPs
	t.counts[KindFBIO] = spec.FBIOsPerFBP
	t.counts[KindLTC] = spec.LTCsPerFBP
	t.counts[KindL2Slice] = spec.LTCsPerFBP * spec.SlicesPerLTC
	t.counts[KindHalfFBPA] = spec.HalfFBPAsPerFBP

	if err := t.validateCounts(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTopology, spec.Name, err)
	}
	if err := t.buildPESTable(spec.PESTPCs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTopology, spec.Name, err)
	}

	t.rules = make([]Rule, 0, len(spec.Rules))
	for _, r := range spec.Rules {
		if p, ok := r.(PairRule); ok {
			p.Pairs = sortedPairs(p.Pairs)
			r = p
		}
		if err := r.validate(t); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTopology, spec.Name, err)
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// MustNew is New for static tables; it panics on an invalid spec.
func MustNew(spec Spec) *Topology {
	t, err := New(spec)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Topology) validateCounts() error {
	if t.name == "" {
		return errors.New("name is required")
	}
	if t.counts[KindGPC] < 1 || t.counts[KindFBP] < 1 {
		return errors.New("at least one gpc and one fbp are required")
	}
	if t.counts[KindTPC] < 1 {
		return errors.New("at least one tpc per gpc is required")
	}
	if t.counts[KindLTC] < 1 {
		return errors.New("at least one ltc per fbp is required")
	}
	for _, k := range AllKinds() {
		n := t.counts[k]
		if n < 0 {
			return fmt.Errorf("%s count is negative", k)
		}
		if n > MaxUnitsPerMask {
			return fmt.Errorf("%s count %d exceeds %d", k, n, MaxUnitsPerMask)
		}
	}
	if t.slicesPerLTC < 0 {
		return errors.New("slices_per_ltc is negative")
	}
	return nil
}

func (t *Topology) buildPESTable(table [][]int) error {
	pes, tpcs := t.counts[KindPES], t.counts[KindTPC]
	if pes == 0 {
		if len(table) != 0 {
			return errors.New("pes_tpcs given for chip without PES")
		}
		return nil
	}
	if table == nil {
		// Contiguous runs, earlier PESs take the remainder.
		table = make([][]int, pes)
		next := 0
		for p := 0; p < pes; p++ {
			n := tpcs / pes
			if p < tpcs%pes {
				n++
			}
			for i := 0; i < n; i++ {
				table[p] = append(table[p], next)
				next++
			}
		}
	}
	if len(table) != pes {
		return fmt.Errorf("pes_tpcs has %d rows, want %d", len(table), pes)
	}
	t.tpcPES = make([]int, tpcs)
	for i := range t.tpcPES {
		t.tpcPES[i] = -1
	}
	t.pesTPCs = make([][]int, pes)
	for p, row := range table {
		if len(row) == 0 {
			return fmt.Errorf("pes%d owns no tpc", p)
		}
		for _, tpc := range row {
			if tpc < 0 || tpc >= tpcs {
				return fmt.Errorf("pes%d lists tpc%d out of range", p, tpc)
			}
			if t.tpcPES[tpc] != -1 {
				return fmt.Errorf("tpc%d owned by pes%d and pes%d", tpc, t.tpcPES[tpc], p)
			}
			t.tpcPES[tpc] = p
		}
		t.pesTPCs[p] = append([]int(nil), row...)
	}
	for tpc, p := range t.tpcPES {
		if p == -1 {
			return fmt.Errorf("tpc%d has no pes", tpc)
		}
	}
	return nil
}

// Name returns the chip family name.
func (t *Topology) Name() string { return t.name }

// Description returns the catalogue description, possibly empty.
func (t *Topology) Description() string { return t.description }

// Present reports whether the chip has at least one unit of kind k.
func (t *Topology) Present(k Kind) bool {
	return k.Valid() && t.counts[k] > 0
}

// Kinds returns the kinds present on this chip in canonical order.
func (t *Topology) Kinds() []Kind {
	var out []Kind
	for _, k := range AllKinds() {
		if t.Present(k) {
			out = append(out, k)
		}
	}
	return out
}

// PerParent returns the number of units of k inside one parent. For
// top-level kinds it is the chip total.
func (t *Topology) PerParent(k Kind) int {
	if !k.Valid() {
		return 0
	}
	return t.counts[k]
}

// Parents returns the number of masks kept for k: one for top-level kinds,
// one per parent unit otherwise.
func (t *Topology) Parents(k Kind) int {
	if !t.Present(k) {
		return 0
	}
	if p, ok := k.Parent(); ok {
		return t.counts[p]
	}
	return 1
}

// Count returns the chip total of units of kind k.
func (t *Topology) Count(k Kind) int {
	return t.Parents(k) * t.PerParent(k)
}

// FullMask returns the mask with one bit set per unit in a single parent.
func (t *Topology) FullMask(k Kind) uint64 {
	n := t.PerParent(k)
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}

// SlicesPerLTC returns the number of L2 slices behind one LTC.
func (t *Topology) SlicesPerLTC() int { return t.slicesPerLTC }

// LTCOfSlice returns the local LTC index owning local slice s.
func (t *Topology) LTCOfSlice(s int) int {
	if t.slicesPerLTC == 0 {
		return 0
	}
	return s / t.slicesPerLTC
}

// SliceMaskOfLTC returns the per-FBP slice mask covering local LTC ltc.
func (t *Topology) SliceMaskOfLTC(ltc int) uint64 {
	if t.slicesPerLTC == 0 {
		return 0
	}
	run := (uint64(1) << uint(t.slicesPerLTC)) - 1
	return run << uint(ltc*t.slicesPerLTC)
}

// TPCsOfPES returns the local TPC indices owned by local PES p.
func (t *Topology) TPCsOfPES(p int) []int {
	if p < 0 || p >= len(t.pesTPCs) {
		return nil
	}
	return append([]int(nil), t.pesTPCs[p]...)
}

// TPCMaskOfPES returns the per-GPC TPC mask owned by local PES p.
func (t *Topology) TPCMaskOfPES(p int) uint64 {
	var m uint64
	if p < 0 || p >= len(t.pesTPCs) {
		return 0
	}
	for _, tpc := range t.pesTPCs[p] {
		m |= 1 << uint(tpc)
	}
	return m
}

// PESOfTPC returns the local PES owning local TPC tpc, or -1 without PES.
func (t *Topology) PESOfTPC(tpc int) int {
	if tpc < 0 || tpc >= len(t.tpcPES) {
		return -1
	}
	return t.tpcPES[tpc]
}

// Locate splits a chip-global index into parent and local index.
func (t *Topology) Locate(u Unit) (parent, local int) {
	if u.Kind.TopLevel() {
		return 0, u.Index
	}
	n := t.PerParent(u.Kind)
	if n == 0 {
		return 0, 0
	}
	return u.Index / n, u.Index % n
}

// Global builds a chip-global unit from a parent and local index.
func (t *Topology) Global(k Kind, parent, local int) Unit {
	if k.TopLevel() {
		return Unit{Kind: k, Index: local}
	}
	return Unit{Kind: k, Index: parent*t.PerParent(k) + local}
}

// Rules returns the chip's consistency rules.
func (t *Topology) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// PairRuleFor returns the pair rule on kind k, if any.
func (t *Topology) PairRuleFor(k Kind) (PairRule, bool) {
	for _, r := range t.rules {
		if p, ok := r.(PairRule); ok && p.Kind == k {
			return p, true
		}
	}
	return PairRule{}, false
}

// NeverFullyDisable reports whether disabling every unit of k is a sanity
// violation.
func (t *Topology) NeverFullyDisable(k Kind) bool {
	return k == KindGPC || k == KindFBP
}

// SameAs reports whether two topologies describe the same chip instance.
//
// Topologies are compared by identity; two catalogue lookups of the same
// chip return the same pointer.
func (t *Topology) SameAs(other *Topology) bool {
	return t != nil && t == other
}
