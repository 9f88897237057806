// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"trace", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_StderrTextAndFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Service: "floorsweep", Stderr: &buf})
	defer l.Close()

	l.Slog().Info("dropped")
	l.Slog().Warn("kept", "session_id", "abc")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "service=floorsweep")
	assert.Contains(t, out, "session_id=abc")
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{JSON: true, Stderr: &buf})
	l.Slog().Info("hello", "tests", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.EqualValues(t, 3, rec["tests"])
}

func TestNew_LogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var stderr bytes.Buffer
	l := New(Config{LogDir: dir, Service: "station", Stderr: &stderr})

	l.With("session_id", "s1").Slog().Info("committed")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	require.True(t, strings.HasPrefix(filepath.Base(l.Path()), "station_"))
	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"s1"`)
	assert.Contains(t, stderr.String(), "committed")
}

func TestNew_QuietWithFile(t *testing.T) {
	var stderr bytes.Buffer
	l := New(Config{LogDir: t.TempDir(), Quiet: true, Stderr: &stderr})
	defer l.Close()

	l.Slog().Info("only in file")
	assert.Empty(t, stderr.String())
}

func TestNew_BadLogDirFallsBack(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	var stderr bytes.Buffer
	l := New(Config{LogDir: filepath.Join(file, "logs"), Stderr: &stderr})
	defer l.Close()

	assert.Empty(t, l.Path())
	assert.Contains(t, stderr.String(), "file logging disabled")
}

func TestFanout(t *testing.T) {
	var debug, warn bytes.Buffer
	h := fanout{
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("chip", "gx")}).WithGroup("engine"))
	logger.Debug("low", "state", "SCAN")
	logger.Warn("high")

	assert.Contains(t, debug.String(), "low")
	assert.Contains(t, debug.String(), "engine.state=SCAN")
	assert.NotContains(t, warn.String(), "low")
	assert.Contains(t, warn.String(), "chip=gx")
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var buf safeBuffer
	l := New(Config{Stderr: &buf})
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.With("worker", i).Slog().Info("tick")
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, strings.Count(buf.String(), "tick"))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".floorsweep"), expandPath("~/.floorsweep"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
