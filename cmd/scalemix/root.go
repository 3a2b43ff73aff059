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

	"github.com/AleutianAI/scalemix/pkg/logging"
	"github.com/AleutianAI/scalemix/services/sampler/config"
	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "scalemix",
		Short: "Adaptive block MCMC for spatial extreme-value scale mixtures",
		Long: `scalemix fits a Bayesian spatial extreme-value scale-mixture model with
adaptive block Metropolis-Hastings, one worker per time replicate.

Runs checkpoint every iteration and resume from the last stored one.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML or JSON config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "override logging.format (text, json, auto)")

	root.AddCommand(
		newRunCmd(g),
		newSimulateCmd(g),
		newInspectCmd(g),
		newExportCmd(g),
		newWatchCmd(g),
		newVersionCmd(),
	)
	return root
}

// load reads the config file and applies the logging flags.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig, service string) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	l, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: service,
		Format:  logging.Format(cfg.Format),
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	slog.SetDefault(l.Slog())
	return l, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scalemix %s (%s)\n", version, commit)
		},
	}
}
