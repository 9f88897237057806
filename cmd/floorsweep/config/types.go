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
	"time"

	"github.com/AleutianAI/floorsweep/services/floorsweep/harness"
	"github.com/AleutianAI/floorsweep/services/floorsweep/telemetry"
)

// RunConfig is the YAML run configuration of one station session.
type RunConfig struct {
	// Chip names a catalogue entry. With ChipFile set it is looked up in
	// that file instead of the embedded catalogue.
	Chip     string `yaml:"chip" validate:"required,fsname"`
	ChipFile string `yaml:"chip_file,omitempty"`

	// Fuses is the fused-state file, YAML or key=value disable log.
	Fuses string `yaml:"fuses" validate:"required"`

	// Overrides relax rules while the baseline is built from the fuses.
	Overrides []string `yaml:"overrides,omitempty"`

	SKU       string `yaml:"sku,omitempty"`
	SKUVerify bool   `yaml:"sku_verify"`

	Domain    string `yaml:"domain" validate:"oneof=gpc fbp"`
	Mode      string `yaml:"mode" validate:"oneof=bisect scan cold"`
	MaxRounds int    `yaml:"max_rounds" validate:"gte=0"`

	Test  CommandConfig `yaml:"test"`
	Reset CommandConfig `yaml:"reset"`

	// Batch runs scan waves through the harness batch protocol.
	Batch bool `yaml:"batch"`

	// MinInterval spaces device commands (tests and resets) apart.
	MinInterval time.Duration `yaml:"min_interval" validate:"gte=0"`

	Journal   JournalConfig    `yaml:"journal"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// MetricsAddr serves /metrics while the session runs. Empty disables.
	MetricsAddr string `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
}

// CommandConfig is an external command with its timeout.
type CommandConfig struct {
	Command string        `yaml:"command" validate:"required"`
	Args    []string      `yaml:"args,omitempty"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Harness converts c to the adapter configuration.
func (c CommandConfig) Harness() harness.CommandConfig {
	return harness.CommandConfig{Command: c.Command, Args: c.Args, Timeout: c.Timeout}
}

// JournalConfig places the BadgerDB audit journal.
type JournalConfig struct {
	Path          string `yaml:"path" validate:"required_unless=Disabled true"`
	Disabled      bool   `yaml:"disabled"`
	SkipCorrupted bool   `yaml:"skip_corrupted"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DefaultRunConfig returns the values a config file starts from. Chip,
// fuses and the harness commands have no default.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Domain:    "gpc",
		Mode:      "bisect",
		Test:      CommandConfig{Timeout: harness.DefaultTimeout},
		Reset:     CommandConfig{Timeout: time.Minute},
		Journal:   JournalConfig{Path: "~/.floorsweep/journal"},
		Log:       LogConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// ExampleRunConfig is DefaultRunConfig with placeholder values filled in,
// written by "floorsweep init".
func ExampleRunConfig() RunConfig {
	c := DefaultRunConfig()
	c.Chip = "gx102"
	c.Fuses = "fuses.yaml"
	c.Test.Command = "/opt/diag/bin/gpu-diag"
	c.Test.Args = []string{"--suite", "floorsweep"}
	c.Reset.Command = "/opt/diag/bin/gpu-reset"
	c.MetricsAddr = "127.0.0.1:9464"
	return c
}
