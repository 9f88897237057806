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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/floorsweep/pkg/validation"
)

// MaxConfigFileSize is the largest run configuration Load reads.
const MaxConfigFileSize = 1024 * 1024

var (
	validate     *validator.Validate
	validateOnce sync.Once
	validateErr  error
)

func validatorInstance() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validateErr = validation.Register(validate)
	})
	return validate, validateErr
}

// Load reads a run configuration over DefaultRunConfig.
//
// # Description
//
// Unknown keys are rejected. Relative file paths in the document are
// resolved against the directory of path. The result is not validated so
// that command-line flags can still fill in missing values; call Validate
// once they have been applied.
//
// # Inputs
//
//   - path: YAML file.
//
// # Outputs
//
//   - RunConfig: Defaults overlaid with the file.
//   - error: Non-nil when the file cannot be read or decoded.
func Load(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	info, err := os.Stat(path)
	if err != nil {
		return cfg, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return cfg, fmt.Errorf("config %s exceeds %d bytes", path, MaxConfigFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

func (c *RunConfig) resolvePaths(base string) {
	for _, p := range []*string{&c.ChipFile, &c.Fuses, &c.SKU, &c.Journal.Path, &c.Log.Dir} {
		*p = resolve(base, *p)
	}
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks the struct tags of c.
func (c RunConfig) Validate() error {
	v, err := validatorInstance()
	if err != nil {
		return fmt.Errorf("registering validators: %w", err)
	}
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid run config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid run config: %w", err)
	}
	return nil
}

// WriteExample writes ExampleRunConfig to path, creating parent
// directories. An existing file is left alone unless force is set.
func WriteExample(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(ExampleRunConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
