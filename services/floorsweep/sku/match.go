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
	"fmt"
	"strings"

	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// Status is the per-kind comparison result.
type Status int

const (
	// StatusMatch means the kind meets the target.
	StatusMatch Status = iota

	// StatusOverDisabled means more is disabled than the target permits.
	StatusOverDisabled

	// StatusUnderDisabled means the target still needs more disabled.
	StatusUnderDisabled
)

// String returns "match", "over" or "under".
func (s Status) String() string {
	switch s {
	case StatusMatch:
		return "match"
	case StatusOverDisabled:
		return "over"
	case StatusUnderDisabled:
		return "under"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// KindResult is the comparison for one kind.
type KindResult struct {
	Kind    topology.Kind `json:"kind"`
	Status  Status        `json:"status"`
	Enabled int           `json:"enabled"`
}

// Report collects the per-kind results of one Match call.
type Report struct {
	SKU     string       `json:"sku"`
	Results []KindResult `json:"results"`
}

// Matched reports whether every kind matches.
func (r Report) Matched() bool {
	for _, res := range r.Results {
		if res.Status != StatusMatch {
			return false
		}
	}
	return true
}

// Over returns the kinds that are over-disabled.
func (r Report) Over() []topology.Kind { return r.with(StatusOverDisabled) }

// Under returns the kinds that are under-disabled.
func (r Report) Under() []topology.Kind { return r.with(StatusUnderDisabled) }

func (r Report) with(s Status) []topology.Kind {
	var out []topology.Kind
	for _, res := range r.Results {
		if res.Status == s {
			out = append(out, res.Kind)
		}
	}
	return out
}

// String renders e.g. "sku=A gpc:match tpc:under".
func (r Report) String() string {
	parts := []string{"sku=" + r.SKU}
	for _, res := range r.Results {
		parts = append(parts, fmt.Sprintf("%s:%s", res.Kind, res.Status))
	}
	return strings.Join(parts, " ")
}

// Match compares cfg against the target, one result per present kind that
// the target does not treat as "don't care".
//
// # Outputs
//
//   - Report: Per-kind results in canonical kind order.
//   - error: fsinfo.ErrTopologyMismatch when cfg is for another chip.
func (t *Target) Match(cfg fsinfo.FsInfo) (Report, error) {
	if cfg.Topology() != t.topo {
		return Report{}, fmt.Errorf("%w: sku %s", fsinfo.ErrTopologyMismatch, t.name)
	}
	rep := Report{SKU: t.name}
	for _, k := range t.topo.Kinds() {
		kt := t.kinds[k]
		if kt.mode == ModeDontCare {
			continue
		}
		res := KindResult{Kind: k, Enabled: cfg.EnabledCount(k)}
		switch kt.mode {
		case ModeExact:
			res.Status = matchExact(cfg.Masks(k), kt.masks)
		case ModeRange:
			switch {
			case res.Enabled < kt.min:
				res.Status = StatusOverDisabled
			case res.Enabled > kt.max:
				res.Status = StatusUnderDisabled
			}
		}
		rep.Results = append(rep.Results, res)
	}
	return rep, nil
}

func matchExact(disabled, target []uint64) Status {
	under := false
	for p, d := range disabled {
		if d&^target[p] != 0 {
			return StatusOverDisabled
		}
		if target[p]&^d != 0 {
			under = true
		}
	}
	if under {
		return StatusUnderDisabled
	}
	return StatusMatch
}
