// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

var grid = topology.MustNew(topology.Spec{
	Name:       "grid",
	GPCs:       4,
	TPCsPerGPC: 4,
	FBPs:       2,
	LTCsPerFBP: 2,
})

func tpc(i int) topology.Unit { return topology.Unit{Kind: topology.KindTPC, Index: i} }
func gpc(i int) topology.Unit { return topology.Unit{Kind: topology.KindGPC, Index: i} }

func newManager(t *testing.T) *Manager {
	t.Helper()
	original, err := fsinfo.Full(grid).WithDisabled(tpc(0)).Propagate()
	require.NoError(t, err)
	return NewManager(original, Config{})
}

func TestBegin_OnlyOneActive(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	tx, err := m.Begin(ctx, "session-1")
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, StatusActive, tx.Status)
	assert.Same(t, tx, m.Active())

	_, err = m.Begin(ctx, "session-2")
	assert.True(t, errors.Is(err, ErrTransactionActive))
}

func TestNoTransaction(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, _, err := m.Push(ctx, fsinfo.Full(grid))
	assert.True(t, errors.Is(err, ErrNoTransaction))
	_, err = m.Commit(ctx, "x")
	assert.True(t, errors.Is(err, ErrNoTransaction))
	_, err = m.Discard(ctx, "x")
	assert.True(t, errors.Is(err, ErrNoTransaction))
	assert.Nil(t, m.Pending())
	assert.True(t, m.Effective().Equal(m.Original()))
}

func TestPush_EffectiveIsUnionOfFindings(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	_, err := m.Begin(ctx, "s")
	require.NoError(t, err)

	eff, changed, err := m.Push(ctx, fsinfo.Full(grid).WithDisabled(tpc(5)))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, eff.Disabled(tpc(0)), "original state is kept")
	assert.True(t, eff.Disabled(tpc(5)))

	// Disabling the rest of GPC 1 propagates to the GPC.
	eff, changed, err = m.Push(ctx, fsinfo.Full(grid).WithDisabled(tpc(4), tpc(6), tpc(7)))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, eff.Disabled(gpc(1)))

	_, changed, err = m.Push(ctx, fsinfo.Full(grid).WithDisabled(tpc(5)))
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Len(t, m.Pending(), 3)
	assert.True(t, m.Effective().Equal(eff))
	// The baseline is untouched until commit.
	assert.False(t, m.Baseline().Disabled(tpc(5)))

	for _, delta := range m.Pending() {
		assert.True(t, eff.Covers(delta))
	}
}

func TestPush_SanityRejected(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	_, err := m.Begin(ctx, "s")
	require.NoError(t, err)

	before := m.Effective()
	_, _, err = m.Push(ctx, fsinfo.Full(grid).WithDisabled(gpc(0), gpc(1), gpc(2), gpc(3)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fsinfo.ErrSanity))
	assert.True(t, m.Effective().Equal(before))
	assert.Empty(t, m.Pending())
}

func TestPush_TopologyMismatch(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	_, err := m.Begin(ctx, "s")
	require.NoError(t, err)

	other := topology.MustNew(topology.Spec{Name: "other", GPCs: 1, TPCsPerGPC: 1, FBPs: 1, LTCsPerFBP: 1})
	_, _, err = m.Push(ctx, fsinfo.Full(other))
	assert.True(t, errors.Is(err, fsinfo.ErrTopologyMismatch))
}

func TestCommit_FoldsIntoBaseline(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	_, err := m.Begin(ctx, "s")
	require.NoError(t, err)
	_, _, err = m.Push(ctx, fsinfo.Full(grid).WithDisabled(tpc(9)))
	require.NoError(t, err)

	res, err := m.Commit(ctx, "found tpc9")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, res.Status)
	assert.Equal(t, 1, res.Findings)
	assert.True(t, res.Baseline.Disabled(tpc(9)))
	assert.True(t, m.Baseline().Disabled(tpc(9)))
	assert.Nil(t, m.Active())

	// A new transaction starts from the committed baseline.
	_, err = m.Begin(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, m.Effective().Disabled(tpc(9)))
	assert.Empty(t, m.Pending())
}

func TestDiscard_LeavesBaseline(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	_, err := m.Begin(ctx, "s")
	require.NoError(t, err)
	_, _, err = m.Push(ctx, fsinfo.Full(grid).WithDisabled(tpc(9)))
	require.NoError(t, err)

	res, err := m.Discard(ctx, "contradiction")
	require.NoError(t, err)
	assert.Equal(t, StatusDiscarded, res.Status)
	assert.Equal(t, 1, res.Findings)
	assert.False(t, m.Baseline().Disabled(tpc(9)))
	assert.True(t, m.Effective().Equal(m.Original()))
	assert.Nil(t, m.Pending())
}

func TestTracingEnabled(t *testing.T) {
	ctx := context.Background()
	original := fsinfo.Full(grid)
	m := NewManager(original, DefaultConfig())

	_, err := m.Begin(ctx, "traced")
	require.NoError(t, err)
	_, _, err = m.Push(ctx, fsinfo.Full(grid).WithDisabled(tpc(1)))
	require.NoError(t, err)
	_, err = m.Commit(ctx, "done")
	require.NoError(t, err)
}

func TestNormalizeDiscardReason(t *testing.T) {
	assert.Equal(t, "none", normalizeDiscardReason(StatusCommitted, "anything"))
	assert.Equal(t, "contradiction", normalizeDiscardReason(StatusDiscarded, "contradiction"))
	assert.Equal(t, "other", normalizeDiscardReason(StatusDiscarded, "operator pressed ctrl-c"))
}

func TestTruncateForTrace(t *testing.T) {
	assert.Equal(t, "abc", truncateForTrace("abc", 5))
	assert.Equal(t, "ab...", truncateForTrace("abcdefgh", 5))
	assert.Equal(t, "ab", truncateForTrace("abcdefgh", 2))
	assert.Equal(t, "", truncateForTrace("abcdefgh", 0))
}

func TestMetricsDisabled(t *testing.T) {
	ctx := context.Background()
	SetMetricsEnabled(false)
	defer SetMetricsEnabled(true)

	// Should not panic
	recordBegin(ctx, true)
	recordPush(ctx, false)
	recordClose(ctx, StatusDiscarded, 0, 0, "sanity")
	incActive(ctx)
	decActive(ctx)
}
