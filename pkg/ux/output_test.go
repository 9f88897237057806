// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeAuto, false},
		{"auto", ModeAuto, false},
		{"RICH", ModeRich, false},
		{"plain", ModePlain, false},
		{"json", ModeAuto, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewPrinter_AutoIsPlainForBuffers(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, NewPrinter(&buf, ModeAuto).Rich())
	assert.True(t, NewPrinter(&buf, ModeRich).Rich())
}

func TestPrinter_PlainStatus(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)
	p.Success("committed %d findings", 2)
	p.Warning("sku under-disabled")
	p.Error("reset failed")

	assert.Equal(t, "OK: committed 2 findings\nWARN: sku under-disabled\nERROR: reset failed\n", buf.String())
}

func TestPrinter_Summary(t *testing.T) {
	fields := []Field{{"state", "DONE"}, {"tests", "10"}}

	var plain bytes.Buffer
	NewPrinter(&plain, ModePlain).Summary("Session", true, fields)
	assert.Equal(t, "state: DONE\ntests: 10\n", plain.String())

	var rich bytes.Buffer
	NewPrinter(&rich, ModeRich).Summary("Session", false, fields)
	out := rich.String()
	assert.Contains(t, out, "Session")
	assert.Contains(t, out, "DONE")
	assert.Contains(t, out, "╭")
}

func TestPrinter_Block(t *testing.T) {
	var plain bytes.Buffer
	p := NewPrinter(&plain, ModePlain)
	p.Block("newly defective", "tpc_disable_mask[1]=0x4\n")
	p.Block("empty", "")
	assert.Equal(t, "# newly defective\ntpc_disable_mask[1]=0x4\n# empty\n", plain.String())

	var rich bytes.Buffer
	NewPrinter(&rich, ModeRich).Block("empty", "")
	assert.Contains(t, rich.String(), "(none)")
}

func TestPrinter_Table(t *testing.T) {
	rows := [][]string{{"gx102", "7 gpc"}, {"tiny", "1 gpc"}}

	var plain bytes.Buffer
	NewPrinter(&plain, ModePlain).Table([]string{"chip", "units"}, rows)
	assert.Equal(t, "chip\tunits\ngx102\t7 gpc\ntiny\t1 gpc\n", plain.String())

	var rich bytes.Buffer
	NewPrinter(&rich, ModeRich).Table([]string{"chip", "units"}, rows)
	lines := strings.Split(strings.TrimRight(rich.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "gx102")
}

func TestIcon_Render(t *testing.T) {
	assert.Contains(t, IconSuccess.Render(), "✓")
	assert.Equal(t, "→", IconArrow.Render())
}
