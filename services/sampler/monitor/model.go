// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/scalemix/pkg/ux"
	"github.com/AleutianAI/scalemix/services/sampler/statusapi"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

// SummaryMsg carries one update from the stream.
type SummaryMsg statusapi.Summary

// StreamErrMsg ends the session with a read error.
type StreamErrMsg struct{ Err error }

// Source yields summaries; *Client satisfies it.
type Source interface {
	Next() (statusapi.Summary, error)
}

// Model is the bubbletea model of the progress view.
type Model struct {
	src Source
	bar progress.Model

	sum  statusapi.Summary
	has  bool
	err  error
	done bool
}

// NewModel follows src.
func NewModel(src Source) Model {
	return Model{
		src: src,
		bar: progress.New(progress.WithGradient(string(ux.ColorTealDeep), string(ux.ColorTealBright))),
	}
}

// Init starts reading.
func (m Model) Init() tea.Cmd {
	return m.wait()
}

func (m Model) wait() tea.Cmd {
	return func() tea.Msg {
		s, err := m.src.Next()
		if err != nil {
			return StreamErrMsg{Err: err}
		}
		return SummaryMsg(s)
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(msg.Width-4, 80))
	case SummaryMsg:
		m.sum, m.has = statusapi.Summary(msg), true
		if m.sum.Target > 0 && m.sum.Iteration >= m.sum.Target {
			m.done = true
			return m, tea.Quit
		}
		return m, m.wait()
	case StreamErrMsg:
		m.err = msg.Err
		return m, tea.Quit
	}
	return m, nil
}

// Fraction is the completed share of the run.
func (m Model) Fraction() float64 {
	if !m.has || m.sum.Target <= 0 {
		return 0
	}
	return min(1, float64(m.sum.Iteration)/float64(m.sum.Target))
}

// Done reports whether the run reached its target.
func (m Model) Done() bool { return m.done }

// Err is the error that ended the stream, if any.
func (m Model) Err() error { return m.err }

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	if !m.has {
		b.WriteString(ux.Styles.Muted.Render("waiting for the first iteration...") + "\n")
	} else {
		s := m.sum
		b.WriteString(ux.Styles.Title.Render("Run "+s.RunID) + "\n\n")
		b.WriteString(m.bar.ViewAs(m.Fraction()) + "\n")
		fmt.Fprintf(&b, "%s %d / %d   %s %.4g   %s %.4g   %s %s\n\n",
			ux.Styles.Key.Render("iteration"), s.Iteration, s.Target,
			ux.Styles.Key.Render("loglik"), s.LogLik,
			ux.Styles.Key.Render("tau"), s.Tau,
			ux.Styles.Key.Render("sweep"), time.Duration(s.SweepSeconds*float64(time.Second)).Round(time.Millisecond))

		ids := make([]string, 0, len(s.Acceptance))
		for id := range s.Acceptance {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "  %-18s %.3f\n", id, s.Acceptance[id])
		}
	}
	switch {
	case m.done:
		b.WriteString("\n" + ux.Styles.Success.Render("run complete") + "\n")
	case m.err != nil:
		b.WriteString("\n" + ux.Styles.Error.Render("stream closed: "+m.err.Error()) + "\n")
	default:
		b.WriteString("\n" + ux.Styles.Muted.Render("q to quit") + "\n")
	}
	return b.String()
}
