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
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MaxCatalogueFileSize is the largest catalogue file LoadCatalogueFile reads.
const MaxCatalogueFileSize = 1024 * 1024

//go:embed chips.yaml
var defaultCatalogueYAML []byte

type catalogueYAML struct {
	Chips []Spec `yaml:"chips"`
}

// Catalogue is a named set of validated topologies.
//
// Thread Safety: Safe for concurrent use after construction.
type Catalogue struct {
	chips map[string]*Topology
}

// ParseCatalogue decodes and validates a catalogue document.
//
// # Inputs
//
//   - data: YAML document with a top-level "chips" list.
//
// # Outputs
//
//   - *Catalogue: Validated catalogue.
//   - error: Non-nil on malformed YAML, duplicate names or invalid chips.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var doc catalogueYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing chip catalogue: %w", err)
	}
	c := &Catalogue{chips: make(map[string]*Topology, len(doc.Chips))}
	for _, spec := range doc.Chips {
		if _, dup := c.chips[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate chip %q", ErrInvalidTopology, spec.Name)
		}
		t, err := New(spec)
		if err != nil {
			return nil, err
		}
		c.chips[spec.Name] = t
	}
	return c, nil
}

// LoadCatalogueFile reads a catalogue from disk.
func LoadCatalogueFile(path string) (*Catalogue, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat chip catalogue: %w", err)
	}
	if info.Size() > MaxCatalogueFileSize {
		return nil, fmt.Errorf("chip catalogue %s exceeds %d bytes", path, MaxCatalogueFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading chip catalogue: %w", err)
	}
	return ParseCatalogue(data)
}

// Lookup returns the topology for a chip name.
func (c *Catalogue) Lookup(name string) (*Topology, error) {
	t, ok := c.chips[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChip, name)
	}
	return t, nil
}

// Names returns the chip names in sorted order.
func (c *Catalogue) Names() []string {
	names := make([]string, 0, len(c.chips))
	for n := range c.chips {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var (
	defaultOnce      sync.Once
	defaultCatalogue *Catalogue
	defaultErr       error
)

// Default returns the embedded catalogue, parsed once.
func Default() (*Catalogue, error) {
	defaultOnce.Do(func() {
		defaultCatalogue, defaultErr = ParseCatalogue(defaultCatalogueYAML)
	})
	return defaultCatalogue, defaultErr
}

// Lookup resolves a chip name against the embedded catalogue.
func Lookup(name string) (*Topology, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Lookup(name)
}
