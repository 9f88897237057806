// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders floorsweep CLI output.
//
// A Printer writes either styled output for a terminal or plain
// "key: value" lines that station scripts can parse. NewPrinter picks the
// mode from the destination: anything that is not a terminal gets plain
// output.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles holds the pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Key     lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Mono    lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
	Header   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary).Width(16),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Mono:    lipgloss.NewStyle().Foreground(ColorTealBright),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Render returns the icon in its status colour.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Mode selects rich or plain output.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeRich  Mode = "rich"
	ModePlain Mode = "plain"
)

// ParseMode parses an --output flag value.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeRich, ModePlain:
		return m, nil
	}
	return ModeAuto, fmt.Errorf("unknown output mode %q (auto, rich, plain)", s)
}

// Field is one labelled value of a summary.
type Field struct {
	Key   string
	Value string
}

// Printer writes CLI output.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter returns a Printer for w. ModeAuto resolves to rich output only
// when w is a terminal.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	if mode == ModeAuto || mode == "" {
		mode = ModePlain
		if isTerminal(w) {
			mode = ModeRich
		}
	}
	return &Printer{w: w, mode: mode}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Rich reports whether styled output is on.
func (p *Printer) Rich() bool { return p.mode == ModeRich }

func (p *Printer) status(icon Icon, tag string, style lipgloss.Style, text string) {
	if !p.Rich() {
		fmt.Fprintf(p.w, "%s: %s\n", tag, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	p.status(IconSuccess, "OK", Styles.Success, fmt.Sprintf(format, args...))
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...any) {
	p.status(IconWarning, "WARN", Styles.Warning, fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	p.status(IconError, "ERROR", Styles.Error, fmt.Sprintf(format, args...))
}

// Summary prints a titled block of fields. ok selects the border colour.
func (p *Printer) Summary(title string, ok bool, fields []Field) {
	if !p.Rich() {
		for _, f := range fields {
			fmt.Fprintf(p.w, "%s: %s\n", f.Key, f.Value)
		}
		return
	}
	var b strings.Builder
	b.WriteString(Styles.Title.Render(title))
	for _, f := range fields {
		b.WriteString("\n")
		b.WriteString(Styles.Key.Render(f.Key))
		b.WriteString(f.Value)
	}
	box := Styles.Box
	if !ok {
		box = Styles.ErrorBox
	}
	fmt.Fprintln(p.w, box.Render(b.String()))
}

// Block prints multi-line machine text (a disable log, an enable mask)
// under a heading. Plain mode prints the heading as a "# " comment line.
func (p *Printer) Block(title, body string) {
	body = strings.TrimRight(body, "\n")
	if !p.Rich() {
		fmt.Fprintf(p.w, "# %s\n", title)
		if body != "" {
			fmt.Fprintln(p.w, body)
		}
		return
	}
	fmt.Fprintln(p.w, Styles.Header.Render(title))
	if body == "" {
		fmt.Fprintln(p.w, Styles.Muted.Render("  (none)"))
		return
	}
	for _, line := range strings.Split(body, "\n") {
		fmt.Fprintf(p.w, "  %s\n", Styles.Mono.Render(line))
	}
}

// Table prints rows under headers. Plain mode is tab-separated.
func (p *Printer) Table(headers []string, rows [][]string) {
	if !p.Rich() {
		fmt.Fprintln(p.w, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(p.w, strings.Join(r, "\t"))
		}
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i := range min(len(r), len(widths)) {
			widths[i] = max(widths[i], lipgloss.Width(r[i]))
		}
	}
	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = style.Width(widths[i]).Render(cell)
		}
		return strings.Join(parts, "  ")
	}
	fmt.Fprintln(p.w, line(headers, Styles.Header))
	for _, r := range rows {
		fmt.Fprintln(p.w, line(r, lipgloss.NewStyle()))
	}
}
