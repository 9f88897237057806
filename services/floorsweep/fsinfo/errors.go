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
	"errors"
	"fmt"

	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

var (
	// ErrSanity is returned when a configuration would fully disable a kind
	// that must always keep at least one enabled unit.
	ErrSanity = errors.New("sanity check failed")

	// ErrTopologyMismatch is returned when two configurations of different
	// topologies are combined.
	ErrTopologyMismatch = errors.New("topology mismatch")

	// ErrUnknownFuseKey is returned for a fuse key that names no mask.
	ErrUnknownFuseKey = errors.New("unknown fuse key")

	// ErrMalformedMask is returned for masks of the wrong shape or width.
	ErrMalformedMask = errors.New("malformed mask")

	// ErrParse is returned when a textual configuration cannot be parsed.
	ErrParse = errors.New("parse error")
)

// SanityError names the kind that would be fully disabled.
type SanityError struct {
	Kind topology.Kind
}

// Error implements error.
func (e *SanityError) Error() string {
	return fmt.Sprintf("%s: every %s disabled", ErrSanity, e.Kind)
}

// Unwrap lets errors.Is match ErrSanity.
func (e *SanityError) Unwrap() error { return ErrSanity }
