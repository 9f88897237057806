// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves read-only station views over HTTP: the chip catalogue,
// fuse propagation and the session journal.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/floorsweep/pkg/validation"
	"github.com/AleutianAI/floorsweep/services/floorsweep/engine"
	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/journal"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

// SessionStore is the journal view the handlers need.
type SessionStore interface {
	Sessions(ctx context.Context) ([]string, error)
	Entries(ctx context.Context, session string) ([]engine.Event, error)
}

// ChipSummary describes one catalogue chip.
type ChipSummary struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Kinds       []KindCount `json:"kinds,omitempty"`
}

// KindCount is the unit count of one kind.
type KindCount struct {
	Kind      string `json:"kind"`
	Count     int    `json:"count"`
	PerParent int    `json:"per_parent"`
}

// PropagateRequest is the body of POST /v1/propagate.
type PropagateRequest struct {
	Chip      string            `json:"chip" binding:"required"`
	Fuses     map[string]uint64 `json:"fuses"`
	Overrides []string          `json:"overrides"`
}

// PropagateResponse carries the three text outputs of a propagation.
type PropagateResponse struct {
	Chip       string `json:"chip"`
	DisableLog string `json:"disable_log"`
	Enable     string `json:"enable"`
	Changed    string `json:"changed"`
	Sanity     string `json:"sanity,omitempty"`
}

// SessionView is a journal session summary.
type SessionView struct {
	SessionID  string         `json:"session_id"`
	FinalState string         `json:"final_state"`
	Tests      int            `json:"tests"`
	Passed     int            `json:"passed"`
	Findings   int            `json:"findings"`
	Committed  string         `json:"committed,omitempty"`
	Failure    string         `json:"failure,omitempty"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	Events     []engine.Event `json:"events,omitempty"`
}

func sessionView(s journal.Summary) SessionView {
	return SessionView{
		SessionID:  s.SessionID,
		FinalState: string(s.FinalState),
		Tests:      s.Tests,
		Passed:     s.Passed,
		Findings:   s.Findings,
		Committed:  s.Committed,
		Failure:    s.Failure,
		Start:      s.Start,
		End:        s.End,
	}
}

// HealthCheck answers liveness probes.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListChips returns every chip of the catalogue with its unit counts.
func ListChips(cat *topology.Catalogue) gin.HandlerFunc {
	return func(c *gin.Context) {
		names := cat.Names()
		out := make([]ChipSummary, 0, len(names))
		for _, n := range names {
			t, err := cat.Lookup(n)
			if err != nil {
				continue
			}
			out = append(out, summarizeChip(t))
		}
		c.JSON(http.StatusOK, gin.H{"chips": out})
	}
}

// GetChip returns the unit counts of one chip.
func GetChip(cat *topology.Catalogue) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := cat.Lookup(c.Param("chip"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summarizeChip(t))
	}
}

func summarizeChip(t *topology.Topology) ChipSummary {
	sum := ChipSummary{Name: t.Name(), Description: t.Description()}
	for _, k := range t.Kinds() {
		sum.Kinds = append(sum.Kinds, KindCount{Kind: k.String(), Count: t.Count(k), PerParent: t.PerParent(k)})
	}
	return sum
}

// Propagate runs the consistency rules over a fuse map.
//
// # Description
//
// Builds the raw configuration without propagation, propagates it and
// reports the disable log, the enable mask and the bits the rules added. A
// sanity failure still returns the propagated configuration, with status
// 422 and the failure in the "sanity" field.
func Propagate(cat *topology.Catalogue) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PropagateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		topo, err := cat.Lookup(req.Chip)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		ovr, err := topology.ParseOverrides(req.Overrides)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		raw, err := fsinfo.FromFuses(topo, req.Fuses, fsinfo.WithOverrides(ovr), fsinfo.SkipPropagation())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		status := http.StatusOK
		resp := PropagateResponse{Chip: topo.Name()}
		prop, perr := raw.Propagate()
		if perr != nil {
			status = http.StatusUnprocessableEntity
			resp.Sanity = perr.Error()
		}
		changed, err := fsinfo.SymmetricDifference(prop, raw)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.DisableLog = prop.DisableLog()
		resp.Enable = prop.EnableString()
		resp.Changed = changed.DisableLog()
		c.JSON(status, resp)
	}
}

// ListSessions returns a summary of every journaled session.
func ListSessions(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ids, err := store.Sessions(ctx)
		if err != nil {
			slog.Error("listing journal sessions", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		out := make([]SessionView, 0, len(ids))
		for _, id := range ids {
			events, err := store.Entries(ctx, id)
			if err != nil {
				slog.Warn("skipping unreadable session", "session_id", id, "error", err)
				continue
			}
			out = append(out, sessionView(journal.Summarize(events)))
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	}
}

// GetSession returns the summary and events of one session.
func GetSession(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		if err := validation.ValidateSessionID(id); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		events, err := store.Entries(c.Request.Context(), id)
		switch {
		case errors.Is(err, journal.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		case err != nil:
			slog.Error("reading journal session", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session"})
			return
		}
		view := sessionView(journal.Summarize(events))
		view.Events = events
		c.JSON(http.StatusOK, view)
	}
}
