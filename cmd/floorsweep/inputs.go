// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/AleutianAI/floorsweep/cmd/floorsweep/config"
	"github.com/AleutianAI/floorsweep/pkg/validation"
	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/sku"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// catalogue returns the catalogue named by file, the --chips-file flag or
// the built-in one, in that order.
func (c *cli) catalogue(file string) (*topology.Catalogue, error) {
	if file == "" {
		file = c.chipsFile
	}
	if file == "" {
		return topology.Default()
	}
	return topology.LoadCatalogueFile(config.ExpandHome(file))
}

func (c *cli) lookupChip(name, file string) (*topology.Topology, error) {
	name, err := validation.SanitizeName(name)
	if err != nil {
		return nil, fmt.Errorf("invalid chip: %w", err)
	}
	cat, err := c.catalogue(file)
	if err != nil {
		return nil, err
	}
	return cat.Lookup(name)
}

// fuseInput is a fuse file resolved against a chip.
type fuseInput struct {
	topo      *topology.Topology
	overrides topology.Overrides
	fuses     map[string]uint64
}

// readFuses loads path and checks it against the chip. chip may be empty
// when the fuse file names one. extra overrides are added to the file's.
func (c *cli) readFuses(chip, chipFile, path string, extra []string) (fuseInput, error) {
	ff, err := config.LoadFuseFile(config.ExpandHome(path))
	if err != nil {
		return fuseInput{}, err
	}
	switch {
	case chip == "" && ff.Chip == "":
		return fuseInput{}, fmt.Errorf("no chip given and %s does not name one", path)
	case chip == "":
		chip = ff.Chip
	case ff.Chip != "" && ff.Chip != chip:
		return fuseInput{}, fmt.Errorf("fuse file %s is for chip %s, not %s", path, ff.Chip, chip)
	}
	topo, err := c.lookupChip(chip, chipFile)
	if err != nil {
		return fuseInput{}, err
	}
	ovr, err := topology.ParseOverrides(append(append([]string(nil), ff.Overrides...), extra...))
	if err != nil {
		return fuseInput{}, err
	}
	return fuseInput{topo: topo, overrides: ovr, fuses: ff.Fuses}, nil
}

// raw is the fused state before propagation.
func (in fuseInput) raw() (fsinfo.FsInfo, error) {
	return fsinfo.FromFuses(in.topo, in.fuses, fsinfo.WithOverrides(in.overrides), fsinfo.SkipPropagation())
}

// baseline is the propagated fused state a session starts from.
func (in fuseInput) baseline() (fsinfo.FsInfo, error) {
	return fsinfo.FromFuses(in.topo, in.fuses, fsinfo.WithOverrides(in.overrides))
}

func loadSKU(path string, topo *topology.Topology) (*sku.Target, error) {
	spec, err := sku.LoadFile(config.ExpandHome(path))
	if err != nil {
		return nil, err
	}
	return sku.Resolve(spec, topo)
}
