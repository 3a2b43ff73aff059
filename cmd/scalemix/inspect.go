// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/AleutianAI/scalemix/pkg/ux"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

// ErrNoDraws is returned when burn-in leaves nothing to summarize.
var ErrNoDraws = errors.New("no iterations left after burn-in")

func newInspectCmd(g *globalFlags) *cobra.Command {
	var (
		runID string
		burn  float64
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize a stored trace",
		Long: `Inspect reads a run's checkpoint trace and prints posterior means and
standard deviations of the shared parameters after burn-in, followed by the
acceptance and rejection tallies of the last iteration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if runID, err = storedRun(cfg, runID); err != nil {
				return err
			}
			if burn < 0 || burn >= 1 {
				return fmt.Errorf("burn fraction must be in [0, 1), got %v", burn)
			}
			l, err := newLogger(cmd, cfg.Logging, "scalemix-inspect")
			if err != nil {
				return err
			}
			defer l.Close()

			store, err := openStore(cmd.Context(), cfg.Checkpoint, runID, l.Slog())
			if err != nil {
				return fmt.Errorf("open checkpoint store: %w", err)
			}
			defer store.Close()

			var trace state.Trace
			if err := store.Scan(cmd.Context(), 0, func(_ int, s *state.SamplerState) error {
				return trace.Append(s)
			}); err != nil {
				return fmt.Errorf("read trace: %w", err)
			}
			if trace.Len() == 0 {
				return fmt.Errorf("run %s has no stored iterations", runID)
			}
			post, err := summarize(trace.Rows(), burn)
			if err != nil {
				return err
			}

			last := trace.Last()
			r := ux.NewReport(cmd.OutOrStdout())
			r.Title("Run " + runID)
			r.Fields([][2]string{
				{"iterations", strconv.Itoa(last.Iteration)},
				{"draws", strconv.Itoa(post.draws)},
				{"log likelihood", fmtFloat(last.LogLik)},
			})
			r.Table([]string{"parameter", "mean", "sd"}, post.rows)
			writeTallies(r, last.CombinedTallies())
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to inspect (defaults to run.run_id)")
	cmd.Flags().Float64Var(&burn, "burn", 0.5, "fraction of iterations discarded as burn-in")
	return cmd
}

type posterior struct {
	draws int
	rows  [][]string
}

// summarize computes posterior means and standard deviations of every
// shared parameter over the rows after burn-in. Iteration 0 is the
// initial state and never counts as a draw.
func summarize(rows []*state.SamplerState, burn float64) (posterior, error) {
	first := 1 + int(burn*float64(len(rows)-1))
	if first >= len(rows) {
		return posterior{}, ErrNoDraws
	}
	draws := rows[first:]

	var names []string
	series := map[string][]float64{}
	add := func(name string, v float64) {
		if _, ok := series[name]; !ok {
			names = append(names, name)
		}
		series[name] = append(series[name], v)
	}
	for _, s := range draws {
		sh := s.Shared
		add("tau", sh.Tau)
		add("sigma_beta_logsigma", sh.SigmaBetaLogSigma)
		add("sigma_beta_xi", sh.SigmaBetaXi)
		for k, v := range sh.Phi {
			add(fmt.Sprintf("phi[%d]", k), v)
		}
		for k, v := range sh.Range {
			add(fmt.Sprintf("range[%d]", k), v)
		}
		for j, v := range sh.BetaLogSigma {
			add(fmt.Sprintf("beta_logsigma[%d]", j), v)
		}
		for j, v := range sh.BetaXi {
			add(fmt.Sprintf("beta_xi[%d]", j), v)
		}
	}

	out := posterior{draws: len(draws), rows: make([][]string, 0, len(names))}
	for _, name := range names {
		mean, sd := stat.MeanStdDev(series[name], nil)
		if len(draws) == 1 {
			sd = 0
		}
		out.rows = append(out.rows, []string{name, fmtFloat(mean), fmtFloat(sd)})
	}
	return out, nil
}
