// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"time"

	"github.com/AleutianAI/floorsweep/services/floorsweep/engine"
)

// Summary condenses one session's events.
type Summary struct {
	SessionID  string
	FinalState engine.State
	Tests      int
	Passed     int
	Findings   int

	// Committed is the enable mask written by the commit event, empty when
	// the session never committed.
	Committed string

	// Failure is the discard detail of a failed session.
	Failure string

	Start time.Time
	End   time.Time
}

// Summarize folds events, which must be in recorded order, into a Summary.
func Summarize(events []engine.Event) Summary {
	var s Summary
	for i, ev := range events {
		if i == 0 {
			s.SessionID = ev.SessionID
			s.Start = time.UnixMilli(ev.TimeMs).UTC()
		}
		s.End = time.UnixMilli(ev.TimeMs).UTC()
		s.FinalState = ev.State

		switch ev.Type {
		case engine.EventTest:
			s.Tests++
			if ev.Passed {
				s.Passed++
			}
		case engine.EventFinding:
			s.Findings++
		case engine.EventCommit:
			s.Committed = ev.Config
		case engine.EventDiscard:
			s.Failure = ev.Detail
		}
	}
	return s
}

// Duration is the span between the first and last event.
func (s Summary) Duration() time.Duration {
	return s.End.Sub(s.Start)
}
