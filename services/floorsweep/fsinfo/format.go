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
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// =============================================================================
// Fuse Keys
// =============================================================================

const (
	disableSuffix = "_disable_mask"
	enableSuffix  = "_enable"
)

// FuseKey returns the fuse key of one disable mask, e.g. "gpc_disable_mask"
// or "tpc_disable_mask[3]".
func FuseKey(k topology.Kind, parent int) string {
	if k.TopLevel() {
		return k.String() + disableSuffix
	}
	return fmt.Sprintf("%s%s[%d]", k, disableSuffix, parent)
}

// ParseFuseKey is the inverse of FuseKey.
func ParseFuseKey(key string) (topology.Kind, int, error) {
	name, rest, found := strings.Cut(strings.TrimSpace(key), disableSuffix)
	if !found {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownFuseKey, key)
	}
	k, err := topology.ParseKind(name)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: %v", ErrUnknownFuseKey, key, err)
	}
	if rest == "" {
		if !k.TopLevel() {
			return 0, 0, fmt.Errorf("%w: %q needs a parent index", ErrUnknownFuseKey, key)
		}
		return k, 0, nil
	}
	if k.TopLevel() || !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownFuseKey, key)
	}
	parent, err := strconv.Atoi(rest[1 : len(rest)-1])
	if err != nil || parent < 0 {
		return 0, 0, fmt.Errorf("%w: %q: bad parent index", ErrUnknownFuseKey, key)
	}
	return k, parent, nil
}

// FromFuses builds a configuration from fuse-style key/value masks.
//
// # Inputs
//
//   - topo: Chip topology.
//   - fuses: Fuse key to disable mask. Missing keys mean fully enabled.
//   - opts: WithOverrides, SkipPropagation.
//
// # Outputs
//
//   - FsInfo: The (propagated) configuration.
//   - error: ErrUnknownFuseKey, ErrMalformedMask or *SanityError.
func FromFuses(topo *topology.Topology, fuses map[string]uint64, opts ...Option) (FsInfo, error) {
	masks := make(map[topology.Kind][]uint64)
	for key, v := range fuses {
		k, parent, err := ParseFuseKey(key)
		if err != nil {
			return FsInfo{}, err
		}
		if !topo.Present(k) {
			return FsInfo{}, fmt.Errorf("%w: %s not present on %s", ErrUnknownFuseKey, key, topo.Name())
		}
		if parent >= topo.Parents(k) {
			return FsInfo{}, fmt.Errorf("%w: %s parent out of range", ErrUnknownFuseKey, key)
		}
		if masks[k] == nil {
			masks[k] = make([]uint64, topo.Parents(k))
		}
		masks[k][parent] = v
	}
	return New(topo, masks, opts...)
}

// Fuses returns every disable mask keyed by its fuse key.
func (f FsInfo) Fuses() map[string]uint64 {
	out := make(map[string]uint64)
	for _, k := range f.topo.Kinds() {
		for p, v := range f.masks[k] {
			out[FuseKey(k, p)] = v
		}
	}
	return out
}

// =============================================================================
// Disable Log
// =============================================================================

// DisableLog renders one "key=0x.." line per mask, in kind then parent
// order.
func (f FsInfo) DisableLog() string {
	var b strings.Builder
	for _, k := range f.topo.Kinds() {
		for p, v := range f.masks[k] {
			fmt.Fprintf(&b, "%s=%#x\n", FuseKey(k, p), v)
		}
	}
	return b.String()
}

// DisabledFuses renders the non-zero masks as space-separated "key=0x.."
// pairs, in DisableLog order. A fully enabled configuration renders as "".
func (f FsInfo) DisabledFuses() string {
	var parts []string
	for _, k := range f.topo.Kinds() {
		for p, v := range f.masks[k] {
			if v != 0 {
				parts = append(parts, fmt.Sprintf("%s=%#x", FuseKey(k, p), v))
			}
		}
	}
	return strings.Join(parts, " ")
}

// ParseDisableLog is the inverse of DisableLog. Blank lines and lines
// starting with "#" are skipped.
func ParseDisableLog(topo *topology.Topology, text string, opts ...Option) (FsInfo, error) {
	fuses := make(map[string]uint64)
	sc := bufio.NewScanner(strings.NewReader(text))
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		key, value, ok := strings.Cut(s, "=")
		if !ok {
			return FsInfo{}, fmt.Errorf("%w: line %d: missing '='", ErrParse, line)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
		if err != nil {
			return FsInfo{}, fmt.Errorf("%w: line %d: %v", ErrParse, line, err)
		}
		fuses[strings.TrimSpace(key)] = v
	}
	if err := sc.Err(); err != nil {
		return FsInfo{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return FromFuses(topo, fuses, opts...)
}

// =============================================================================
// Enable Mask Grammar
// =============================================================================

// EnableString renders the enable masks as
// "gpc_enable:0xf:tpc_enable:0xf:tpc_enable:0x7:...". Child kinds repeat
// their key once per parent, in parent order. Absent kinds are omitted.
func (f FsInfo) EnableString() string {
	var parts []string
	for _, k := range f.topo.Kinds() {
		for p := range f.masks[k] {
			parts = append(parts, k.String()+enableSuffix, fmt.Sprintf("%#x", f.ChildEnableMask(k, p)))
		}
	}
	return strings.Join(parts, ":")
}

// ParseEnableString is the inverse of EnableString.
//
// Every present kind must appear exactly once per parent. The result is
// propagated unless SkipPropagation is given; a string rendered from a
// consistent configuration parses back to the identical masks.
func ParseEnableString(topo *topology.Topology, s string, opts ...Option) (FsInfo, error) {
	fields := strings.Split(strings.TrimSpace(s), ":")
	if len(fields)%2 != 0 {
		return FsInfo{}, fmt.Errorf("%w: odd number of fields in enable string", ErrParse)
	}
	enables := make(map[topology.Kind][]uint64)
	for i := 0; i < len(fields); i += 2 {
		name, ok := strings.CutSuffix(fields[i], enableSuffix)
		if !ok {
			return FsInfo{}, fmt.Errorf("%w: field %d: %q is not an enable key", ErrParse, i, fields[i])
		}
		k, err := topology.ParseKind(name)
		if err != nil {
			return FsInfo{}, fmt.Errorf("%w: field %d: %v", ErrParse, i, err)
		}
		v, err := strconv.ParseUint(fields[i+1], 0, 64)
		if err != nil {
			return FsInfo{}, fmt.Errorf("%w: field %d: %v", ErrParse, i+1, err)
		}
		if v&^topo.FullMask(k) != 0 {
			return FsInfo{}, fmt.Errorf("%w: %s enable %#x exceeds width", ErrMalformedMask, k, v)
		}
		enables[k] = append(enables[k], v)
	}

	masks := make(map[topology.Kind][]uint64, len(enables))
	for _, k := range topo.Kinds() {
		got := enables[k]
		if len(got) != topo.Parents(k) {
			return FsInfo{}, fmt.Errorf("%w: %s appears %d times, want %d", ErrParse, k, len(got), topo.Parents(k))
		}
		full := topo.FullMask(k)
		masks[k] = make([]uint64, len(got))
		for p, v := range got {
			masks[k][p] = full &^ v
		}
		delete(enables, k)
	}
	if len(enables) > 0 {
		extra := make([]string, 0, len(enables))
		for k := range enables {
			extra = append(extra, k.String())
		}
		sort.Strings(extra)
		return FsInfo{}, fmt.Errorf("%w: kinds not present on %s: %s", ErrParse, topo.Name(), strings.Join(extra, ","))
	}
	return New(topo, masks, opts...)
}
