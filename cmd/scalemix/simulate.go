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
	"log/slog"
	"strconv"

	"github.com/AleutianAI/scalemix/pkg/ux"
	"github.com/AleutianAI/scalemix/services/sampler/dataset"
	"github.com/spf13/cobra"
)

func newSimulateCmd(g *globalFlags) *cobra.Command {
	sc := dataset.DefaultSimulateConfig()
	var (
		out  string
		seed uint64
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Draw a synthetic dataset from the model",
		Long: `Simulate scatters sites over a square, places knots on a grid, draws
scale-mixture fields from known parameters and writes the observations, the
knots and the generating truth as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			l, err := newLogger(cmd, cfg.Logging, "scalemix-simulate")
			if err != nil {
				return err
			}
			defer l.Close()

			ds, err := dataset.Simulate(sc, seed)
			if err != nil {
				return err
			}
			if err := ds.Save(out); err != nil {
				return err
			}
			l.Slog().Info("dataset written",
				slog.String("path", out),
				slog.Int("sites", ds.NumSites()),
				slog.Int("knots", len(ds.Knots)),
				slog.Int("replicates", ds.NumReplicates()))

			r := ux.NewReport(cmd.OutOrStdout())
			r.Title("Simulated " + out)
			r.Fields([][2]string{
				{"sites", strconv.Itoa(ds.NumSites())},
				{"knots", strconv.Itoa(len(ds.Knots))},
				{"replicates", strconv.Itoa(ds.NumReplicates())},
				{"threshold", fmtFloat(ds.Threshold)},
			})
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&out, "out", "o", "dataset.json", "output file")
	fl.Uint64Var(&seed, "seed", 1, "simulation seed")
	fl.IntVar(&sc.Sites, "sites", sc.Sites, "number of sites")
	fl.IntVar(&sc.Replicates, "replicates", sc.Replicates, "number of time replicates")
	fl.IntVar(&sc.OuterGrid, "knot-grid", sc.OuterGrid, "outer knot lattice size")
	fl.Float64Var(&sc.Radius, "radius", sc.Radius, "Wendland radius")
	fl.Float64Var(&sc.Threshold, "threshold", sc.Threshold, "threshold u on the observation scale")
	fl.Float64Var(&sc.Tau, "tau", sc.Tau, "nugget scale")
	fl.Float64Var(&sc.MissingFraction, "missing", 0, "chance that an observation is dropped")
	fl.IntVar(&sc.FullyMissing, "fully-missing", 0, "number of sites with no observations")
	fl.BoolVar(&sc.InterceptOnly, "intercept-only", false, "marginal parameters constant in space")
	return cmd
}
