// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sku compares floorsweep configurations against product targets.
//
// A Spec is the opaque per-SKU record read from YAML: for each unit kind
// either "don't care", an exact disable mask, or a range on the number of
// enabled units. Resolve checks a Spec against a chip topology and returns
// a Target, which Match compares configurations against.
//
// Thread Safety:
//
//	Spec and Target are read-only after construction and safe to share.
package sku

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// MaxSpecFileSize is the largest SKU file LoadFile accepts.
const MaxSpecFileSize = 256 * 1024

var (
	// ErrMalformedSpec is returned for SKU records that fail validation or
	// do not fit the chip they name.
	ErrMalformedSpec = errors.New("malformed sku specification")

	// ErrUnknownKind is returned when a SKU names a kind the chip lacks.
	ErrUnknownKind = topology.ErrUnknownKind
)

// Mode selects how one kind is compared.
type Mode string

const (
	// ModeDontCare accepts any disable pattern.
	ModeDontCare Mode = "dont_care"

	// ModeExact requires the disable masks to equal DisableMasks.
	ModeExact Mode = "exact"

	// ModeRange bounds the number of enabled units chip-wide.
	ModeRange Mode = "range"
)

// KindSpec is the target for one unit kind.
type KindSpec struct {
	Mode         Mode     `yaml:"mode" validate:"required,oneof=dont_care exact range"`
	DisableMasks []uint64 `yaml:"disable_masks,omitempty" validate:"required_if=Mode exact"`
	MinEnabled   *int     `yaml:"min_enabled,omitempty" validate:"omitempty,gte=0"`
	MaxEnabled   *int     `yaml:"max_enabled,omitempty" validate:"omitempty,gte=0"`
}

// Spec is a named SKU target for one chip family.
type Spec struct {
	Name  string              `yaml:"name" validate:"required,max=64"`
	Chip  string              `yaml:"chip" validate:"required,max=64"`
	Kinds map[string]KindSpec `yaml:"kinds" validate:"required,min=1,dive"`
}

var specValidate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func (s Spec) Validate() error {
	if err := specValidate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSpec, err)
	}
	for name, ks := range s.Kinds {
		if ks.Mode != ModeRange {
			continue
		}
		if ks.MinEnabled == nil && ks.MaxEnabled == nil {
			return fmt.Errorf("%w: %s: range needs min_enabled or max_enabled", ErrMalformedSpec, name)
		}
		if ks.MinEnabled != nil && ks.MaxEnabled != nil && *ks.MinEnabled > *ks.MaxEnabled {
			return fmt.Errorf("%w: %s: min_enabled %d > max_enabled %d",
				ErrMalformedSpec, name, *ks.MinEnabled, *ks.MaxEnabled)
		}
	}
	return nil
}

// Parse decodes and validates a SKU document.
func Parse(data []byte) (Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrMalformedSpec, err)
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// LoadFile reads and validates a SKU file.
func LoadFile(path string) (Spec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Spec{}, fmt.Errorf("stat sku file: %w", err)
	}
	if info.Size() > MaxSpecFileSize {
		return Spec{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrMalformedSpec, path, MaxSpecFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("reading sku file: %w", err)
	}
	return Parse(data)
}

// kindTarget is a KindSpec resolved against a topology.
type kindTarget struct {
	mode  Mode
	masks []uint64
	min   int
	max   int
}

// Target is a Spec resolved against one topology.
type Target struct {
	name  string
	topo  *topology.Topology
	kinds [topology.NumKinds]kindTarget
}

// Name returns the SKU name.
func (t *Target) Name() string { return t.name }

// Topology returns the topology the target was resolved against.
func (t *Target) Topology() *topology.Topology { return t.topo }

// Resolve checks s against topo.
//
// # Inputs
//
//   - s: A validated SKU spec. Kinds not listed are "don't care".
//   - topo: The chip topology the session runs on.
//
// # Outputs
//
//   - *Target: Comparison target.
//   - error: ErrMalformedSpec for a chip mismatch or badly shaped masks,
//     ErrUnknownKind for kinds the chip does not have.
func Resolve(s Spec, topo *topology.Topology) (*Target, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Chip != topo.Name() {
		return nil, fmt.Errorf("%w: sku %s is for chip %s, not %s", ErrMalformedSpec, s.Name, s.Chip, topo.Name())
	}
	t := &Target{name: s.Name, topo: topo}
	for i := range t.kinds {
		t.kinds[i].mode = ModeDontCare
	}
	for name, ks := range s.Kinds {
		k, err := topology.ParseKind(name)
		if err != nil {
			return nil, err
		}
		if !topo.Present(k) {
			return nil, fmt.Errorf("%w: %s is not present on %s", ErrUnknownKind, k, topo.Name())
		}
		kt := kindTarget{mode: ks.Mode, min: 0, max: topo.Count(k)}
		switch ks.Mode {
		case ModeExact:
			if len(ks.DisableMasks) != topo.Parents(k) {
				return nil, fmt.Errorf("%w: %s needs %d masks, got %d",
					ErrMalformedSpec, k, topo.Parents(k), len(ks.DisableMasks))
			}
			for p, m := range ks.DisableMasks {
				if m&^topo.FullMask(k) != 0 {
					return nil, fmt.Errorf("%w: %s[%d]=%#x exceeds width", ErrMalformedSpec, k, p, m)
				}
			}
			kt.masks = append([]uint64(nil), ks.DisableMasks...)
		case ModeRange:
			if ks.MinEnabled != nil {
				kt.min = *ks.MinEnabled
			}
			if ks.MaxEnabled != nil {
				kt.max = *ks.MaxEnabled
			}
			if kt.min > topo.Count(k) {
				return nil, fmt.Errorf("%w: %s min_enabled %d exceeds %d units",
					ErrMalformedSpec, k, kt.min, topo.Count(k))
			}
		}
		t.kinds[k] = kt
	}
	return t, nil
}
