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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/scalemix/services/sampler/export"
	"github.com/spf13/cobra"
)

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		runID string
		out   string
		from  int
		gcs   export.GCSOptions
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a stored trace as CSV",
		Long: `Export writes the shared parameters of every stored iteration as CSV,
to a local file or to gs://bucket/object.`,
		Example: `  scalemix export --run-id 6f1c... -o trace.csv
  scalemix export --run-id 6f1c... -o gs://my-bucket/traces/run.csv --credentials sa.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if runID, err = storedRun(cfg, runID); err != nil {
				return err
			}
			l, err := newLogger(cmd, cfg.Logging, "scalemix-export")
			if err != nil {
				return err
			}
			defer l.Close()

			store, err := openStore(cmd.Context(), cfg.Checkpoint, runID, l.Slog())
			if err != nil {
				return fmt.Errorf("open checkpoint store: %w", err)
			}
			defer store.Close()

			n, err := export.Trace(cmd.Context(), store.Scan, from, out, gcs)
			if err != nil {
				return err
			}
			l.Slog().Info("trace exported", slog.String("run_id", runID), slog.String("target", out), slog.Int("rows", n))
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d iterations to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to export (defaults to run.run_id)")
	cmd.Flags().StringVarP(&out, "out", "o", "trace.csv", "local path or gs://bucket/object")
	cmd.Flags().IntVar(&from, "from", 0, "first iteration to write")
	cmd.Flags().StringVar(&gcs.CredentialsFile, "credentials", "", "service account key for gs:// targets")
	cmd.Flags().StringVar(&gcs.Endpoint, "gcs-endpoint", "", "storage API endpoint override, e.g. an emulator")
	return cmd
}
