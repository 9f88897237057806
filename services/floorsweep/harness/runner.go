// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package harness adapts external diagnostic and reset commands to the engine's
Tester and Resetter boundaries.

All process execution goes through ProcessRunner so adapters can be tested
with MockProcessRunner instead of real hardware tools.
*/
package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// RunResult is the outcome of a process that ran to completion.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ProcessRunner runs external commands.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type ProcessRunner interface {
	// Run executes a command synchronously.
	//
	// # Description
	//
	// Runs name with args and waits for it to exit. A non-zero exit code is
	// not an error: it is reported in RunResult.ExitCode.
	//
	// # Outputs
	//
	//   - RunResult: Captured output and exit code.
	//   - error: Non-nil when the process could not be started or was
	//     killed because ctx ended.
	Run(ctx context.Context, name string, args ...string) (RunResult, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultProcessRunner implements ProcessRunner using os/exec.
type DefaultProcessRunner struct{}

// NewDefaultProcessRunner creates a DefaultProcessRunner.
func NewDefaultProcessRunner() *DefaultProcessRunner {
	return &DefaultProcessRunner{}
}

// Run executes a command synchronously.
func (pr *DefaultProcessRunner) Run(ctx context.Context, name string, args ...string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("failed to run %s: %w", name, err)
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessRunner is a test double for ProcessRunner.
//
// Configure RunFunc before use. Calling Run with a nil RunFunc panics.
//
// # Examples
//
//	mock := &MockProcessRunner{
//	    RunFunc: func(ctx context.Context, name string, args ...string) (RunResult, error) {
//	        return RunResult{ExitCode: 1, Stdout: []byte("partial: tpc_disable_mask[0]=0x1\n")}, nil
//	    },
//	}
type MockProcessRunner struct {
	// RunFunc is called when Run is invoked
	RunFunc func(ctx context.Context, name string, args ...string) (RunResult, error)

	// Calls records all invocations for verification
	Calls []ProcessRunnerCall

	mu sync.Mutex
}

// ProcessRunnerCall records a single invocation.
type ProcessRunnerCall struct {
	Name string
	Args []string
}

// Run delegates to RunFunc and records the call.
func (m *MockProcessRunner) Run(ctx context.Context, name string, args ...string) (RunResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, ProcessRunnerCall{Name: name, Args: append([]string(nil), args...)})
	fn := m.RunFunc
	m.mu.Unlock()
	if fn == nil {
		panic("MockProcessRunner.RunFunc not set")
	}
	return fn(ctx, name, args...)
}

// GetCalls returns a copy of all recorded calls.
func (m *MockProcessRunner) GetCalls() []ProcessRunnerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ProcessRunnerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance check.
var (
	_ ProcessRunner = (*DefaultProcessRunner)(nil)
	_ ProcessRunner = (*MockProcessRunner)(nil)
)
