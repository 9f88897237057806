// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction holds the pending findings of a floorsweep session.
//
// A Manager owns the committed baseline and at most one active Transaction.
// Findings are pushed onto the transaction as configuration deltas; the
// effective configuration (baseline, every pending delta and the original
// fused state, propagated) is maintained incrementally on each push.
// Commit folds the effective configuration into the baseline; Discard drops
// the pending deltas and leaves the baseline untouched.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
)

var (
	// ErrTransactionActive is returned by Begin while a transaction is open.
	ErrTransactionActive = errors.New("transaction already active")

	// ErrNoTransaction is returned when no transaction is open.
	ErrNoTransaction = errors.New("no active transaction")
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusActive    Status = "active"
	StatusCommitted Status = "committed"
	StatusDiscarded Status = "discarded"
)

// Config configures a Manager.
type Config struct {
	// MetricsEnabled turns OTel metric recording on.
	MetricsEnabled bool

	// TracingEnabled turns OTel spans on. Noop spans are used otherwise.
	TracingEnabled bool

	// Logger is used for structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with metrics and tracing enabled.
func DefaultConfig() Config {
	return Config{MetricsEnabled: true, TracingEnabled: true}
}

// Transaction is one open set of pending findings.
type Transaction struct {
	ID        string
	SessionID string
	StartedAt time.Time
	Status    Status

	pending   []fsinfo.FsInfo
	effective fsinfo.FsInfo
}

// Duration returns the time since the transaction started.
func (tx *Transaction) Duration() time.Duration { return time.Since(tx.StartedAt) }

// FindingCount returns the number of accepted pushes.
func (tx *Transaction) FindingCount() int { return len(tx.pending) }

// Result describes a finished transaction.
type Result struct {
	TransactionID string
	Status        Status
	Duration      time.Duration
	Findings      int
	Baseline      fsinfo.FsInfo
}

// Manager tracks the baseline and the single active transaction.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Only one transaction may be
// active at a time; nested transactions are not supported.
type Manager struct {
	mu       sync.Mutex
	original fsinfo.FsInfo
	baseline fsinfo.FsInfo
	active   *Transaction
	logger   *slog.Logger
	tracer   *Tracer
}

// NewManager creates a manager whose baseline is the original fused state.
//
// # Inputs
//
//   - original: The as-fused configuration. Must be consistent.
//   - config: Use DefaultConfig() for defaults.
//
// # Outputs
//
//   - *Manager: Manager with no active transaction.
func NewManager(original fsinfo.FsInfo, config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transaction.Manager")

	SetMetricsEnabled(config.MetricsEnabled)

	return &Manager{
		original: original,
		baseline: original,
		logger:   logger,
		tracer:   NewTracer(logger, config.TracingEnabled),
	}
}

// Begin opens a transaction.
//
// # Outputs
//
//   - *Transaction: The active transaction.
//   - error: ErrTransactionActive if one is already open.
func (m *Manager) Begin(ctx context.Context, sessionID string) (tx *Transaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.StartOp(ctx, "begin", "", sessionID)
	defer func() { m.tracer.EndOp(span, 0, err) }()
	defer func() { recordBegin(ctx, err == nil) }()

	if m.active != nil {
		return nil, ErrTransactionActive
	}

	tx = &Transaction{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		Status:    StatusActive,
		effective: m.baseline,
	}
	m.active = tx
	incActive(ctx)

	LoggerWithTrace(ctx, m.logger).Info("transaction started",
		"tx_id", tx.ID,
		"session_id", sessionID)
	return tx, nil
}

// Push accepts a finding.
//
// # Description
//
// Unions delta into the effective configuration and propagates. A delta
// whose propagation fails the sanity check is rejected and leaves the
// transaction unchanged.
//
// # Outputs
//
//   - fsinfo.FsInfo: The new effective configuration.
//   - bool: Whether the push disabled anything new.
//   - error: ErrNoTransaction, fsinfo.ErrTopologyMismatch or a
//     *fsinfo.SanityError.
func (m *Manager) Push(ctx context.Context, delta fsinfo.FsInfo) (eff fsinfo.FsInfo, changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return fsinfo.FsInfo{}, false, ErrNoTransaction
	}
	tx := m.active

	ctx, span := m.tracer.StartOp(ctx, "push", tx.ID, tx.SessionID)
	defer func() { m.tracer.EndOp(span, len(tx.pending), err) }()

	merged, err := fsinfo.Union(tx.effective, delta)
	if err != nil {
		return fsinfo.FsInfo{}, false, fmt.Errorf("push: %w", err)
	}
	next, err := merged.Propagate()
	if err != nil {
		recordPush(ctx, false)
		LoggerWithTrace(ctx, m.logger).Warn("finding rejected",
			"tx_id", tx.ID,
			"error", err)
		return tx.effective, false, err
	}

	changed = !next.Equal(tx.effective)
	tx.pending = append(tx.pending, delta)
	tx.effective = next
	recordPush(ctx, true)
	return next, changed, nil
}

// Effective returns the effective configuration: the active transaction's
// when one is open, otherwise the baseline.
func (m *Manager) Effective() fsinfo.FsInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return m.active.effective
	}
	return m.baseline
}

// Baseline returns the last committed configuration.
func (m *Manager) Baseline() fsinfo.FsInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline
}

// Original returns the as-fused configuration the manager started from.
func (m *Manager) Original() fsinfo.FsInfo { return m.original }

// Pending returns a copy of the accepted deltas, oldest first.
func (m *Manager) Pending() []fsinfo.FsInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return append([]fsinfo.FsInfo(nil), m.active.pending...)
}

// Active returns the open transaction, or nil.
func (m *Manager) Active() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Commit folds the effective configuration into the baseline and closes the
// transaction.
func (m *Manager) Commit(ctx context.Context, message string) (result *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoTransaction
	}
	tx := m.active

	ctx, span := m.tracer.StartOp(ctx, "commit", tx.ID, tx.SessionID)
	defer func() { m.tracer.EndOp(span, len(tx.pending), err) }()

	m.tracer.RecordStateTransition(ctx, tx.ID, tx.Status, StatusCommitted, tx.Duration())
	tx.Status = StatusCommitted
	m.baseline = tx.effective
	m.active = nil

	result = &Result{
		TransactionID: tx.ID,
		Status:        StatusCommitted,
		Duration:      tx.Duration(),
		Findings:      len(tx.pending),
		Baseline:      m.baseline,
	}
	recordClose(ctx, StatusCommitted, result.Duration, result.Findings, "")
	decActive(ctx)

	LoggerWithTrace(ctx, m.logger).Info("transaction committed",
		"tx_id", tx.ID,
		"findings", result.Findings,
		"message", message)
	return result, nil
}

// Discard drops every pending finding and closes the transaction. The
// baseline is left untouched.
func (m *Manager) Discard(ctx context.Context, reason string) (result *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoTransaction
	}
	tx := m.active

	ctx, span := m.tracer.StartOp(ctx, "discard", tx.ID, tx.SessionID)
	defer func() { m.tracer.EndOp(span, len(tx.pending), err) }()

	m.tracer.RecordStateTransition(ctx, tx.ID, tx.Status, StatusDiscarded, tx.Duration())
	tx.Status = StatusDiscarded
	m.active = nil

	result = &Result{
		TransactionID: tx.ID,
		Status:        StatusDiscarded,
		Duration:      tx.Duration(),
		Findings:      len(tx.pending),
		Baseline:      m.baseline,
	}
	recordClose(ctx, StatusDiscarded, result.Duration, result.Findings, reason)
	decActive(ctx)

	LoggerWithTrace(ctx, m.logger).Warn("transaction discarded",
		"tx_id", tx.ID,
		"findings", result.Findings,
		"reason", reason)
	return result, nil
}
