// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FuseFile is the fused state read from a station.
//
// The YAML form is
//
//	chip: gx102
//	overrides: [ignore_slice_rule]
//	fuses:
//	  gpc_disable_mask: 0x0
//	  tpc_disable_mask[3]: 0x4
//
// Any other extension is read as a key=value disable log, one mask per
// line, "#" comments allowed.
type FuseFile struct {
	Chip      string            `yaml:"chip,omitempty"`
	Overrides []string          `yaml:"overrides,omitempty"`
	Fuses     map[string]uint64 `yaml:"fuses"`
}

// LoadFuseFile reads a fuse file.
func LoadFuseFile(path string) (FuseFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FuseFile{}, fmt.Errorf("stat fuse file: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return FuseFile{}, fmt.Errorf("fuse file %s exceeds %d bytes", path, MaxConfigFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FuseFile{}, fmt.Errorf("reading fuse file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return ParseFuseYAML(data)
	default:
		return ParseFuseLog(data)
	}
}

// ParseFuseYAML decodes the YAML (or JSON) form.
func ParseFuseYAML(data []byte) (FuseFile, error) {
	var f FuseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return FuseFile{}, fmt.Errorf("parsing fuse file: %w", err)
	}
	if f.Fuses == nil {
		f.Fuses = map[string]uint64{}
	}
	return f, nil
}

// ParseFuseLog decodes key=value lines. Values take any Go integer prefix
// (0x, 0b, 0o) or none.
func ParseFuseLog(data []byte) (FuseFile, error) {
	f := FuseFile{Fuses: map[string]uint64{}}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return FuseFile{}, fmt.Errorf("fuse log line %d: missing '='", n)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
		if err != nil {
			return FuseFile{}, fmt.Errorf("fuse log line %d: %w", n, err)
		}
		f.Fuses[strings.TrimSpace(key)] = v
	}
	if err := sc.Err(); err != nil {
		return FuseFile{}, fmt.Errorf("reading fuse log: %w", err)
	}
	return f, nil
}
