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
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind identifies a category of hardware sub-block at one level of the
// device hierarchy.
//
// The set of kinds is closed. A chip that lacks a kind simply reports a
// count of zero for it.
type Kind int

const (
	// KindGPC is the top-level compute group.
	KindGPC Kind = iota

	// KindTPC is a texture processing cluster inside a GPC.
	KindTPC

	// KindPES is a primitive engine shared by a fixed set of TPCs.
	KindPES

	// KindROP is a raster output unit inside a GPC.
	KindROP

	// KindFBP is the top-level framebuffer partition.
	KindFBP

	// KindFBIO is a memory IO block inside an FBP.
	KindFBIO

	// KindLTC is an L2 cache partition inside an FBP.
	KindLTC

	// KindL2Slice is one slice of an LTC. Slices are addressed per FBP.
	KindL2Slice

	// KindHalfFBPA is one half of the FB partition address space.
	KindHalfFBPA

	// NumKinds is the number of unit kinds. Not a valid kind.
	NumKinds
)

var kindNames = [NumKinds]string{
	KindGPC:      "gpc",
	KindTPC:      "tpc",
	KindPES:      "pes",
	KindROP:      "rop",
	KindFBP:      "fbp",
	KindFBIO:     "fbio",
	KindLTC:      "ltc",
	KindL2Slice:  "l2slice",
	KindHalfFBPA: "halffbpa",
}

// String returns the lower-case name used in fuse keys and text grammars.
func (k Kind) String() string {
	if k < 0 || k >= NumKinds {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= 0 && k < NumKinds
}

// ParseKind converts a kind name back to a Kind. Matching is case-insensitive.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for k, s := range kindNames {
		if s == n {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// AllKinds returns every kind in canonical order.
func AllKinds() []Kind {
	out := make([]Kind, NumKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// Parent returns the parent kind of k, or false for top-level kinds.
func (k Kind) Parent() (Kind, bool) {
	switch k {
	case KindTPC, KindPES, KindROP:
		return KindGPC, true
	case KindFBIO, KindLTC, KindL2Slice, KindHalfFBPA:
		return KindFBP, true
	default:
		return 0, false
	}
}

// TopLevel reports whether k has no parent kind.
func (k Kind) TopLevel() bool {
	_, ok := k.Parent()
	return !ok
}

// Children returns the child kinds of k in canonical order.
func (k Kind) Children() []Kind {
	var out []Kind
	for _, c := range AllKinds() {
		if p, ok := c.Parent(); ok && p == k {
			out = append(out, c)
		}
	}
	return out
}

// Leaf reports whether k sits at the bottom of the hierarchy.
//
// LTC is not a leaf: its L2 slices hang below it.
func (k Kind) Leaf() bool {
	switch k {
	case KindTPC, KindPES, KindROP, KindFBIO, KindL2Slice, KindHalfFBPA:
		return true
	default:
		return false
	}
}

// UnmarshalYAML decodes a kind from its name.
func (k *Kind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalYAML encodes a kind as its name.
func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// Unit addresses one physical instance of a kind by its chip-global index.
//
// For child kinds the global index is parent*perParent + local.
type Unit struct {
	Kind  Kind
	Index int
}

// String returns e.g. "tpc12".
func (u Unit) String() string {
	return fmt.Sprintf("%s%d", u.Kind, u.Index)
}
