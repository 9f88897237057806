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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachine_ValidTransitions(t *testing.T) {
	sm := NewStateMachine()

	tests := []struct {
		from, to State
		valid    bool
	}{
		{StateIdle, StateConnectivity, true},
		{StateIdle, StateBisection, false},
		{StateConnectivity, StateBisection, true},
		{StateConnectivity, StateScan, true},
		{StateConnectivity, StateColdIteration, true},
		{StateConnectivity, StateCommit, true},
		{StateConnectivity, StateVerify, false},
		{StateScan, StateBisection, true},
		{StateBisection, StateScan, false},
		{StateBisection, StateVerify, true},
		{StateVerify, StateCommit, true},
		{StateVerify, StateBisection, false},
		{StateCommit, StateSKUVerify, true},
		{StateCommit, StateDone, true},
		{StateSKUVerify, StateDone, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateIdle, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, sm.CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateMachine_AnyLiveStateCanFail(t *testing.T) {
	sm := NewStateMachine()
	for _, s := range AllStates() {
		assert.Equal(t, !s.Terminal(), sm.CanTransition(s, StateFailed), s)
	}
}

func TestStateMachine_Transition(t *testing.T) {
	sm := NewStateMachine()

	assert.NoError(t, sm.Transition(StateIdle, StateConnectivity))

	err := sm.Transition(StateDone, StateBisection)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "DONE -> BISECTION")
}

func TestStateMachine_ValidTransitionsFrom(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, []State{StateDone, StateFailed, StateSKUVerify}, sm.ValidTransitionsFrom(StateCommit))
	assert.Empty(t, sm.ValidTransitionsFrom(StateDone))
}

func TestStateMachine_TransitionReason(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, "Session started", sm.TransitionReason(StateIdle, StateConnectivity))
	assert.Equal(t, "Fatal error, pending findings discarded", sm.TransitionReason(StateBisection, StateFailed))
	assert.Equal(t, "Unknown transition", sm.TransitionReason(StateDone, StateIdle))
}
