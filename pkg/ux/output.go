// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders CLI reports with terminal styling.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Palette: deep ocean teals plus the usual semantic colors.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styles are the report styles.
var Styles = struct {
	Title   lipgloss.Style
	Key     lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
	Header  lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorTealBright),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
}

// Report writes sections to w. Plain reports carry no ANSI styling and no
// borders, for pipes and tests.
type Report struct {
	w     io.Writer
	plain bool
}

// NewReport styles output only when w is a terminal.
func NewReport(w io.Writer) *Report {
	plain := true
	if f, ok := w.(*os.File); ok {
		plain = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}
	return &Report{w: w, plain: plain}
}

// Title writes a heading.
func (r *Report) Title(text string) {
	if r.plain {
		fmt.Fprintf(r.w, "== %s ==\n", text)
		return
	}
	fmt.Fprintln(r.w, Styles.Title.Render(text))
}

// Fields writes aligned key/value pairs, boxed on a terminal.
func (r *Report) Fields(pairs [][2]string) {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	lines := make([]string, len(pairs))
	for i, p := range pairs {
		key := fmt.Sprintf("%-*s", width, p[0])
		if !r.plain {
			key = Styles.Key.Render(key)
		}
		lines[i] = key + "  " + p[1]
	}
	body := strings.Join(lines, "\n")
	if r.plain {
		fmt.Fprintln(r.w, body)
		return
	}
	fmt.Fprintln(r.w, Styles.Box.Render(body))
}

// Table writes rows under headers.
func (r *Report) Table(headers []string, rows [][]string) {
	if r.plain {
		fmt.Fprintln(r.w, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(r.w, strings.Join(row, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(r.w, t.String())
}

// Warn writes a highlighted warning line.
func (r *Report) Warn(text string) {
	if r.plain {
		fmt.Fprintf(r.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintln(r.w, Styles.Warning.Render("⚠ "+text))
}
