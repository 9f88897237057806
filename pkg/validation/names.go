// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-supplied identifiers before they reach
// journal keys, log file names or harness command lines.
//
// Chip and SKU names end up inside BadgerDB keys and file paths, session
// IDs select journal prefixes. Rejecting separators and control bytes here
// keeps one session from reading or overwriting another's records.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// namePattern matches chip and SKU names: lower-case alphanumerics,
// dots, hyphens and underscores, 1-64 characters, starting alphanumeric.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._\-]{0,63}$`)

// ValidateName validates a chip or SKU name.
//
// Example:
//
//	if err := validation.ValidateName(chip); err != nil {
//	    return fmt.Errorf("invalid chip: %w", err)
//	}
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q (must be 1-64 lower-case alphanumeric chars, dots, hyphens or underscores)", name)
	}
	return nil
}

// SanitizeName lower-cases and trims name, then validates it.
func SanitizeName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateSessionID accepts the canonical UUID form written by the engine.
func ValidateSessionID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", id, err)
	}
	if u.String() != id {
		return fmt.Errorf("invalid session id %q: not in canonical form", id)
	}
	return nil
}

// Register adds the "fsname" and "sessionid" struct tags to v.
func Register(v *validator.Validate) error {
	if err := v.RegisterValidation("fsname", func(fl validator.FieldLevel) bool {
		return ValidateName(fl.Field().String()) == nil
	}); err != nil {
		return err
	}
	return v.RegisterValidation("sessionid", func(fl validator.FieldLevel) bool {
		return ValidateSessionID(fl.Field().String()) == nil
	})
}
