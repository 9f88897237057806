// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enumerate produces candidate configurations for the search.
//
// Every generator is a pure function of its input configuration: ranging
// over the returned sequence twice yields the same candidates in the same
// order, and no iteration state is shared between passes.
//
// Candidates are returned unpropagated. Callers run Propagate before
// handing a candidate to a tester.
package enumerate

import (
	"fmt"
	"iter"
	"strings"

	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// Domain is the part of the hierarchy one search isolates defects in: a
// top-level kind and the leaf kind bisection narrows down to.
type Domain struct {
	Top  topology.Kind
	Leaf topology.Kind
}

var (
	// GPCDomain isolates compute defects down to single TPCs.
	GPCDomain = Domain{Top: topology.KindGPC, Leaf: topology.KindTPC}

	// FBPDomain isolates memory defects down to single LTCs.
	FBPDomain = Domain{Top: topology.KindFBP, Leaf: topology.KindLTC}
)

// String returns the top-level kind name.
func (d Domain) String() string { return d.Top.String() }

// ParseDomain resolves "gpc" or "fbp".
func ParseDomain(name string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gpc", "":
		return GPCDomain, nil
	case "fbp":
		return FBPDomain, nil
	default:
		return Domain{}, fmt.Errorf("unknown search domain %q", name)
	}
}

// Candidate is one configuration to try, tagged with the unit it varies.
type Candidate struct {
	Unit   topology.Unit
	Config fsinfo.FsInfo
}

// Leaves returns the enabled leaf units of the domain in global order.
func Leaves(cand fsinfo.FsInfo, d Domain) []topology.Unit {
	return cand.EnabledUnits(d.Leaf)
}

// EnableOne yields, for every enabled unit of kind k, the configuration in
// which that unit is the only enabled unit of its kind.
func EnableOne(base fsinfo.FsInfo, k topology.Kind) iter.Seq[Candidate] {
	units := base.EnabledUnits(k)
	return func(yield func(Candidate) bool) {
		for _, u := range units {
			if !yield(Candidate{Unit: u, Config: base.Restrict(k, []topology.Unit{u})}) {
				return
			}
		}
	}
}

// DisableOne yields, for every enabled unit of kind k, the configuration
// with just that unit disabled. This is the cold iteration schedule.
func DisableOne(base fsinfo.FsInfo, k topology.Kind) iter.Seq[Candidate] {
	units := base.EnabledUnits(k)
	return func(yield func(Candidate) bool) {
		for _, u := range units {
			if !yield(Candidate{Unit: u, Config: base.WithDisabled(u)}) {
				return
			}
		}
	}
}

// BreadthFirst yields the EnableOne candidates of kind k, visiting one unit
// of every parent before a second unit of any parent.
func BreadthFirst(base fsinfo.FsInfo, k topology.Kind) iter.Seq[Candidate] {
	units := breadthFirstOrder(base, k)
	return func(yield func(Candidate) bool) {
		for _, u := range units {
			if !yield(Candidate{Unit: u, Config: base.Restrict(k, []topology.Unit{u})}) {
				return
			}
		}
	}
}

func breadthFirstOrder(base fsinfo.FsInfo, k topology.Kind) []topology.Unit {
	topo := base.Topology()
	perParent := make([][]topology.Unit, topo.Parents(k))
	for _, u := range base.EnabledUnits(k) {
		p, _ := topo.Locate(u)
		perParent[p] = append(perParent[p], u)
	}
	var out []topology.Unit
	for depth := 0; ; depth++ {
		added := false
		for _, units := range perParent {
			if depth < len(units) {
				out = append(out, units[depth])
				added = true
			}
		}
		if !added {
			return out
		}
	}
}
