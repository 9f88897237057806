// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fsinfo provides the floorsweep configuration value type.
//
// An FsInfo holds one disable mask per unit kind: a single mask for the
// top-level kinds (gpc, fbp) and one mask per parent for child kinds. Every
// constructor runs the consistency propagator unless SkipPropagation is
// given, so values handed out are consistent by construction.
//
// # Value Semantics
//
// FsInfo is an immutable value. Methods that "modify" return a new FsInfo
// and never share mask storage with the receiver.
//
// # Thread Safety
//
// FsInfo values are safe to share between goroutines.
package fsinfo

import (
	"fmt"
	"math/bits"

	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// FsInfo is a floorsweep configuration for one chip topology.
type FsInfo struct {
	topo      *topology.Topology
	masks     [topology.NumKinds][]uint64
	overrides topology.Overrides
}

// Option configures construction of an FsInfo.
type Option func(*options)

type options struct {
	overrides topology.Overrides
	skip      bool
}

// WithOverrides sets override flags that relax specific consistency rules.
//
// Overrides are meant for building a baseline from fused data only.
func WithOverrides(o topology.Overrides) Option {
	return func(opts *options) { opts.overrides |= o }
}

// SkipPropagation returns the configuration exactly as given.
func SkipPropagation() Option {
	return func(opts *options) { opts.skip = true }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// blank returns an all-enabled configuration without propagation.
func blank(topo *topology.Topology, overrides topology.Overrides) FsInfo {
	f := FsInfo{topo: topo, overrides: overrides}
	for _, k := range topo.Kinds() {
		f.masks[k] = make([]uint64, topo.Parents(k))
	}
	return f
}

// Full returns the configuration with every unit enabled.
func Full(topo *topology.Topology, opts ...Option) FsInfo {
	return blank(topo, buildOptions(opts).overrides)
}

// New builds a configuration from explicit disable masks.
//
// # Inputs
//
//   - topo: Chip topology. Must not be nil.
//   - masks: Disable masks per kind. Top-level kinds take one entry, child
//     kinds one entry per parent. Missing kinds are fully enabled.
//   - opts: WithOverrides, SkipPropagation.
//
// # Outputs
//
//   - FsInfo: The propagated configuration. On a sanity failure the
//     propagated value is still returned alongside the error.
//   - error: ErrMalformedMask, topology.ErrUnknownKind or *SanityError.
func New(topo *topology.Topology, masks map[topology.Kind][]uint64, opts ...Option) (FsInfo, error) {
	o := buildOptions(opts)
	f := blank(topo, o.overrides)
	for k, m := range masks {
		if !k.Valid() {
			return FsInfo{}, fmt.Errorf("%w: %d", topology.ErrUnknownKind, int(k))
		}
		if !topo.Present(k) {
			if allZero(m) {
				continue
			}
			return FsInfo{}, fmt.Errorf("%w: %s is not present on %s", ErrMalformedMask, k, topo.Name())
		}
		if len(m) != topo.Parents(k) {
			return FsInfo{}, fmt.Errorf("%w: %s has %d masks, want %d", ErrMalformedMask, k, len(m), topo.Parents(k))
		}
		full := topo.FullMask(k)
		for parent, v := range m {
			if v&^full != 0 {
				return FsInfo{}, fmt.Errorf("%w: %s[%d]=%#x exceeds %#x", ErrMalformedMask, k, parent, v, full)
			}
			f.masks[k][parent] = v
		}
	}
	if o.skip {
		return f, nil
	}
	return f.Propagate()
}

func allZero(m []uint64) bool {
	for _, v := range m {
		if v != 0 {
			return false
		}
	}
	return true
}

func (f FsInfo) clone() FsInfo {
	out := FsInfo{topo: f.topo, overrides: f.overrides}
	for k, m := range f.masks {
		if m != nil {
			out.masks[k] = append([]uint64(nil), m...)
		}
	}
	return out
}

// IsZero reports whether f is the zero value (no topology).
func (f FsInfo) IsZero() bool { return f.topo == nil }

// Topology returns the chip topology.
func (f FsInfo) Topology() *topology.Topology { return f.topo }

// Overrides returns the override flags the configuration was built with.
func (f FsInfo) Overrides() topology.Overrides { return f.overrides }

// DisableMask returns the disable mask of a top-level kind.
func (f FsInfo) DisableMask(k topology.Kind) uint64 {
	return f.ChildDisableMask(k, 0)
}

// ChildDisableMask returns the disable mask of kind k inside one parent.
//
// For top-level kinds parent must be 0. Out of range queries return 0.
func (f FsInfo) ChildDisableMask(k topology.Kind, parent int) uint64 {
	if !k.Valid() || parent < 0 || parent >= len(f.masks[k]) {
		return 0
	}
	return f.masks[k][parent]
}

// EnableMask returns the enable mask of a top-level kind.
func (f FsInfo) EnableMask(k topology.Kind) uint64 {
	return f.ChildEnableMask(k, 0)
}

// ChildEnableMask returns the complement of the disable mask, restricted to
// the valid width of k.
func (f FsInfo) ChildEnableMask(k topology.Kind, parent int) uint64 {
	if !k.Valid() || parent < 0 || parent >= len(f.masks[k]) {
		return 0
	}
	return f.topo.FullMask(k) &^ f.masks[k][parent]
}

// Masks returns a copy of every disable mask of kind k.
func (f FsInfo) Masks(k topology.Kind) []uint64 {
	if !k.Valid() {
		return nil
	}
	return append([]uint64(nil), f.masks[k]...)
}

// Disabled reports whether a unit is disabled.
func (f FsInfo) Disabled(u topology.Unit) bool {
	parent, local := f.topo.Locate(u)
	return f.ChildDisableMask(u.Kind, parent)&(1<<uint(local)) != 0
}

// EnabledCount returns the number of enabled units of kind k chip-wide.
func (f FsInfo) EnabledCount(k topology.Kind) int {
	n := 0
	for p := range f.masks[k] {
		n += bits.OnesCount64(f.ChildEnableMask(k, p))
	}
	return n
}

// DisabledCount returns the number of disabled units of kind k chip-wide.
func (f FsInfo) DisabledCount(k topology.Kind) int {
	if !k.Valid() {
		return 0
	}
	return f.topo.Count(k) - f.EnabledCount(k)
}

// EnabledUnits lists the enabled units of kind k in global index order.
func (f FsInfo) EnabledUnits(k topology.Kind) []topology.Unit {
	return f.units(k, false)
}

// DisabledUnits lists the disabled units of kind k in global index order.
func (f FsInfo) DisabledUnits(k topology.Kind) []topology.Unit {
	return f.units(k, true)
}

func (f FsInfo) units(k topology.Kind, disabled bool) []topology.Unit {
	if !k.Valid() {
		return nil
	}
	var out []topology.Unit
	n := f.topo.PerParent(k)
	for p, m := range f.masks[k] {
		for i := 0; i < n; i++ {
			if (m&(1<<uint(i)) != 0) == disabled {
				out = append(out, f.topo.Global(k, p, i))
			}
		}
	}
	return out
}

// WithDisabled returns a copy with the given units disabled.
//
// The result is not propagated; call Propagate when a consistent value is
// needed. Units of absent kinds or out of range are ignored.
func (f FsInfo) WithDisabled(units ...topology.Unit) FsInfo {
	out := f.clone()
	for _, u := range units {
		out.set(u)
	}
	return out
}

func (f *FsInfo) set(u topology.Unit) {
	if !u.Kind.Valid() || u.Index < 0 || u.Index >= f.topo.Count(u.Kind) {
		return
	}
	parent, local := f.topo.Locate(u)
	f.masks[u.Kind][parent] |= 1 << uint(local)
}

// Equal reports whether f and other share a topology and every disable mask.
//
// Override flags are not compared.
func (f FsInfo) Equal(other FsInfo) bool {
	if f.topo != other.topo {
		return false
	}
	for k := range f.masks {
		if len(f.masks[k]) != len(other.masks[k]) {
			return false
		}
		for p, v := range f.masks[k] {
			if other.masks[k][p] != v {
				return false
			}
		}
	}
	return true
}

// Covers reports whether every unit disabled in other is disabled in f.
func (f FsInfo) Covers(other FsInfo) bool {
	if f.topo != other.topo {
		return false
	}
	for k := range f.masks {
		for p, v := range other.masks[k] {
			if v&^f.masks[k][p] != 0 {
				return false
			}
		}
	}
	return true
}

// String renders the enable-mask grammar.
func (f FsInfo) String() string {
	if f.IsZero() {
		return "<nil>"
	}
	return f.EnableString()
}
