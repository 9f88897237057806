// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/floorsweep/services/floorsweep/engine"
	"github.com/AleutianAI/floorsweep/services/floorsweep/journal"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeStore is an in-memory SessionStore.
type fakeStore struct {
	sessions map[string][]engine.Event
	err      error
}

func (f *fakeStore) Sessions(context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var ids []string
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) Entries(_ context.Context, id string) ([]engine.Event, error) {
	ev, ok := f.sessions[id]
	if !ok {
		return nil, journal.ErrSessionNotFound
	}
	return ev, nil
}

func newTestRouter(t *testing.T, store SessionStore) *gin.Engine {
	t.Helper()
	cat, err := topology.Default()
	require.NoError(t, err)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "floorsweep_engine_tests_total 0\n")
	})
	return NewRouter(cat, store, metrics)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, &fakeStore{})

	w := do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "floorsweep_engine_tests_total")
}

func TestSetupRoutes_NoMetrics(t *testing.T) {
	cat, err := topology.Default()
	require.NoError(t, err)
	router := gin.New()
	SetupRoutes(router, cat, &fakeStore{}, nil)

	w := do(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChips(t *testing.T) {
	router := newTestRouter(t, &fakeStore{})

	w := do(t, router, http.MethodGet, "/v1/chips", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Chips []ChipSummary `json:"chips"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	var names []string
	for _, c := range list.Chips {
		names = append(names, c.Name)
		require.NotEmpty(t, c.Kinds, c.Name)
		if c.Name == "gx102" {
			assert.Contains(t, c.Kinds, KindCount{Kind: "gpc", Count: 7, PerParent: 7})
		}
	}
	assert.Contains(t, names, "gx102")

	w = do(t, router, http.MethodGet, "/v1/chips/gx102", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var chip ChipSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chip))
	require.NotEmpty(t, chip.Kinds)
	assert.Equal(t, KindCount{Kind: "gpc", Count: 7, PerParent: 7}, chip.Kinds[0])

	w = do(t, router, http.MethodGet, "/v1/chips/gx999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPropagate(t *testing.T) {
	router := newTestRouter(t, &fakeStore{})

	w := do(t, router, http.MethodPost, "/v1/propagate", PropagateRequest{
		Chip:  "gx102",
		Fuses: map[string]uint64{"tpc_disable_mask[0]": 0x3f},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp PropagateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.DisableLog, "gpc_disable_mask=0x1\n")
	assert.Contains(t, resp.Changed, "gpc_disable_mask=0x1\n")
	assert.Contains(t, resp.Changed, "tpc_disable_mask[0]=0x0\n")
	assert.True(t, strings.HasPrefix(resp.Enable, "gpc_enable:0x7e:"))
	assert.Empty(t, resp.Sanity)
}

func TestPropagate_Errors(t *testing.T) {
	router := newTestRouter(t, &fakeStore{})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing chip", map[string]any{"fuses": map[string]uint64{}}, http.StatusBadRequest},
		{"unknown chip", PropagateRequest{Chip: "gx999"}, http.StatusNotFound},
		{"bad override", PropagateRequest{Chip: "gx102", Overrides: []string{"ignore_everything"}}, http.StatusBadRequest},
		{"bad fuse key", PropagateRequest{Chip: "gx102", Fuses: map[string]uint64{"sm_disable_mask": 1}}, http.StatusBadRequest},
		{"sanity", PropagateRequest{Chip: "gx102", Fuses: map[string]uint64{"gpc_disable_mask": 0x7f}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/v1/propagate", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestSessions(t *testing.T) {
	id := uuid.NewString()
	store := &fakeStore{sessions: map[string][]engine.Event{
		id: {
			{SessionID: id, Type: engine.EventState, State: engine.StateConnectivity, TimeMs: 1000},
			{SessionID: id, Type: engine.EventTest, State: engine.StateConnectivity, Passed: true, TimeMs: 2000},
			{SessionID: id, Type: engine.EventCommit, State: engine.StateCommit, Config: "gpc_enable:0x3", TimeMs: 3000},
			{SessionID: id, Type: engine.EventState, State: engine.StateDone, TimeMs: 3000},
		},
	}}
	router := newTestRouter(t, store)

	w := do(t, router, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []SessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "DONE", list.Sessions[0].FinalState)
	assert.Equal(t, "gpc_enable:0x3", list.Sessions[0].Committed)
	assert.Empty(t, list.Sessions[0].Events)

	w = do(t, router, http.MethodGet, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var one SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, 1, one.Tests)
	assert.Len(t, one.Events, 4)

	w = do(t, router, http.MethodGet, "/v1/sessions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodGet, "/v1/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessions_StoreError(t *testing.T) {
	router := newTestRouter(t, &fakeStore{err: errors.New("db closed")})
	w := do(t, router, http.MethodGet, "/v1/sessions", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db closed")
}

func TestServe_StopsWithContext(t *testing.T) {
	router := newTestRouter(t, &fakeStore{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, router) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-done)
}
