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
	"fmt"
	"slices"
)

// State is the phase of a defect-isolation session.
type State string

const (
	StateIdle          State = "IDLE"
	StateConnectivity  State = "CONNECTIVITY"
	StateBisection     State = "BISECTION"
	StateScan          State = "SCAN"
	StateColdIteration State = "COLD_ITERATION"
	StateVerify        State = "VERIFY"
	StateCommit        State = "COMMIT"
	StateSKUVerify     State = "SKU_VERIFY"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// AllStates returns every session state.
func AllStates() []State {
	return []State{
		StateIdle, StateConnectivity, StateBisection, StateScan,
		StateColdIteration, StateVerify, StateCommit, StateSKUVerify,
		StateDone, StateFailed,
	}
}

// String returns the state name.
func (s State) String() string { return string(s) }

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// StateMachine holds the valid session transitions.
//
// The transition graph:
//
//	IDLE → CONNECTIVITY               : Session started
//	CONNECTIVITY → COMMIT             : Device passed as configured
//	CONNECTIVITY → BISECTION          : Device failed, bisect mode
//	CONNECTIVITY → SCAN               : Device failed, scan mode
//	CONNECTIVITY → COLD_ITERATION     : Device failed, cold mode
//	SCAN → BISECTION                  : Leaf scan finished, verify by rounds
//	SCAN → VERIFY                     : SKU matched during scan
//	BISECTION → VERIFY                : SKU matched during bisection
//	BISECTION → COMMIT                : Effective configuration passed
//	COLD_ITERATION → VERIFY           : SKU matched by the culprit
//	COLD_ITERATION → COMMIT           : Single culprit found
//	VERIFY → COMMIT                   : Matched configuration passed
//	COMMIT → SKU_VERIFY               : Post-commit SKU check requested
//	COMMIT → DONE                     : Committed
//	SKU_VERIFY → DONE                 : SKU check recorded
//	* → FAILED                        : Any live state can fail
//
// The table is immutable after construction, so StateMachine is safe for
// concurrent use.
type StateMachine struct {
	transitions map[State]map[State]bool
}

// NewStateMachine creates a state machine with all valid transitions.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[State]map[State]bool),
	}
	for _, state := range AllStates() {
		sm.transitions[state] = make(map[State]bool)
		if !state.Terminal() {
			sm.addTransition(state, StateFailed)
		}
	}

	sm.addTransition(StateIdle, StateConnectivity)

	sm.addTransition(StateConnectivity, StateCommit)
	sm.addTransition(StateConnectivity, StateBisection)
	sm.addTransition(StateConnectivity, StateScan)
	sm.addTransition(StateConnectivity, StateColdIteration)

	sm.addTransition(StateScan, StateBisection)
	sm.addTransition(StateScan, StateVerify)

	sm.addTransition(StateBisection, StateVerify)
	sm.addTransition(StateBisection, StateCommit)

	sm.addTransition(StateColdIteration, StateVerify)
	sm.addTransition(StateColdIteration, StateCommit)

	sm.addTransition(StateVerify, StateCommit)

	sm.addTransition(StateCommit, StateSKUVerify)
	sm.addTransition(StateCommit, StateDone)

	sm.addTransition(StateSKUVerify, StateDone)

	return sm
}

func (sm *StateMachine) addTransition(from, to State) {
	sm.transitions[from][to] = true
}

// CanTransition reports whether from → to is allowed.
func (sm *StateMachine) CanTransition(from, to State) bool {
	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// Transition validates from → to.
//
// # Outputs
//
//   - error: Wraps ErrInvalidTransition when the edge does not exist.
func (sm *StateMachine) Transition(from, to State) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidTransitionsFrom returns the reachable states from "from", sorted.
func (sm *StateMachine) ValidTransitionsFrom(from State) []State {
	var result []State
	for state, valid := range sm.transitions[from] {
		if valid {
			result = append(result, state)
		}
	}
	slices.Sort(result)
	return result
}

// TransitionReason returns a human-readable description of a transition.
func (sm *StateMachine) TransitionReason(from, to State) string {
	if to == StateFailed {
		return "Fatal error, pending findings discarded"
	}
	reasons := map[string]string{
		"IDLE->CONNECTIVITY":           "Session started",
		"CONNECTIVITY->COMMIT":         "Device passed as configured",
		"CONNECTIVITY->BISECTION":      "Device failed, bisecting",
		"CONNECTIVITY->SCAN":           "Device failed, scanning leaves",
		"CONNECTIVITY->COLD_ITERATION": "Device failed, removing one unit at a time",
		"SCAN->BISECTION":              "Leaf scan finished",
		"SCAN->VERIFY":                 "SKU matched during scan",
		"BISECTION->VERIFY":            "SKU matched during bisection",
		"BISECTION->COMMIT":            "Effective configuration passed",
		"COLD_ITERATION->VERIFY":       "SKU matched by single culprit",
		"COLD_ITERATION->COMMIT":       "Single culprit found",
		"VERIFY->COMMIT":               "Matched configuration verified",
		"COMMIT->SKU_VERIFY":           "Checking committed configuration against SKU",
		"COMMIT->DONE":                 "Findings committed",
		"SKU_VERIFY->DONE":             "SKU check recorded",
	}
	if reason, ok := reasons[from.String()+"->"+to.String()]; ok {
		return reason
	}
	return "Unknown transition"
}

// DefaultStateMachine is the shared state machine instance.
var DefaultStateMachine = NewStateMachine()
