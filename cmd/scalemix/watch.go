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
	"context"
	"time"

	"github.com/AleutianAI/scalemix/services/sampler/monitor"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a running sampler in the terminal",
		Long: `Watch connects to the status API of a run started with
telemetry.status_addr set and shows its progress until the run completes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := g.load()
				if err != nil {
					return err
				}
				addr = cfg.Telemetry.StatusAddr
			}
			if addr == "" {
				addr = "localhost:8080"
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			client, err := monitor.Dial(ctx, addr)
			cancel()
			if err != nil {
				return err
			}
			defer client.Close()

			p := tea.NewProgram(monitor.NewModel(client),
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()))
			final, err := p.Run()
			if err != nil {
				return err
			}
			return final.(monitor.Model).Err()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "status API address (defaults to telemetry.status_addr)")
	return cmd
}
