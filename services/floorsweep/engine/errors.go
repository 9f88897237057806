// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/sku"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

var (
	// ErrContradiction is returned when a candidate fails but both of its
	// halves pass.
	ErrContradiction = errors.New("contradiction: candidate failed but both halves passed")

	// ErrVerificationFailed is returned when the post early-exit
	// verification of the matched configuration fails.
	ErrVerificationFailed = errors.New("verification of matched configuration failed")

	// ErrSkuOverDisabled is returned when accepted findings disable more
	// than the SKU target permits.
	ErrSkuOverDisabled = errors.New("sku over-disabled")

	// ErrResetFailed is returned when the device cannot be reset.
	ErrResetFailed = errors.New("device reset failed")

	// ErrNoConvergence is returned when bisection rounds exceed the cap.
	ErrNoConvergence = errors.New("bisection did not converge")

	// ErrNoSingleCulprit is returned by cold iteration when no single
	// disable makes the device pass.
	ErrNoSingleCulprit = errors.New("no single unit removal makes the device pass")

	// ErrUnsupported is returned for a mode or domain the chip cannot run.
	ErrUnsupported = errors.New("operation unsupported")

	// ErrInvalidTransition is returned for a state change the session
	// state machine does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ContradictionError carries the candidate whose halves both passed.
type ContradictionError struct {
	Candidate fsinfo.FsInfo
}

// Error implements error.
func (e *ContradictionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrContradiction, e.Candidate.EnableString())
}

// Unwrap lets errors.Is match ErrContradiction.
func (e *ContradictionError) Unwrap() error { return ErrContradiction }

// SkuMismatchError names the first over-disabled kind.
type SkuMismatchError struct {
	Kind   topology.Kind
	Report sku.Report
}

// Error implements error.
func (e *SkuMismatchError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrSkuOverDisabled, e.Kind, e.Report)
}

// Unwrap lets errors.Is match ErrSkuOverDisabled.
func (e *SkuMismatchError) Unwrap() error { return ErrSkuOverDisabled }

// discardReason maps a fatal error to the bounded reason set used by the
// transaction metrics.
func discardReason(err error) string {
	switch {
	case errors.Is(err, ErrContradiction):
		return "contradiction"
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, fsinfo.ErrSanity):
		return "sanity"
	case errors.Is(err, ErrSkuOverDisabled):
		return "sku_mismatch"
	case errors.Is(err, ErrResetFailed):
		return "reset_failed"
	case errors.Is(err, ErrNoConvergence):
		return "no_convergence"
	case errors.Is(err, ErrNoSingleCulprit):
		return "no_single_culprit"
	default:
		return "cancelled"
	}
}
