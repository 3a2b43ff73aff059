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
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/scalemix/pkg/logging"
	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/AleutianAI/scalemix/services/sampler/config"
	"github.com/AleutianAI/scalemix/services/sampler/coordinator"
	"github.com/AleutianAI/scalemix/services/sampler/dataset"
	"github.com/AleutianAI/scalemix/services/sampler/geometry"
	"github.com/AleutianAI/scalemix/services/sampler/initialize"
	"github.com/AleutianAI/scalemix/services/sampler/model"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/AleutianAI/scalemix/services/sampler/statusapi"
	"github.com/AleutianAI/scalemix/services/sampler/telemetry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

type runFlags struct {
	iterations    int
	datasetPath   string
	runID         string
	seed          uint64
	progressEvery int
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run or resume the sampler",
		Long: `Run samples the posterior for a dataset and checkpoints every iteration.

Rerunning with the same --run-id and checkpoint backend resumes from the
last stored iteration and continues up to --iterations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runSampler(cmd, cfg, g.configPath, f.progressEvery)
		},
	}
	cmd.Flags().IntVarP(&f.iterations, "iterations", "n", 0, "index of the last iteration (overrides run.iterations)")
	cmd.Flags().StringVarP(&f.datasetPath, "dataset", "d", "", "dataset JSON file (overrides dataset.path)")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run to resume, or the ID for a new run")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "master seed (overrides run.seed)")
	cmd.Flags().IntVar(&f.progressEvery, "progress-every", 100, "log progress every N iterations")
	return cmd
}

// apply copies the flags the user set onto cfg.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("iterations") {
		cfg.Run.Iterations = f.iterations
	}
	if f.datasetPath != "" {
		cfg.Dataset.Path = f.datasetPath
	}
	if f.runID != "" {
		cfg.Run.RunID = f.runID
	}
	if cmd.Flags().Changed("seed") {
		cfg.Run.Seed = f.seed
	}
}

// runSampler wires the configured stack around coordinator.Run.
//
// Description:
//
//	Opens logging and telemetry, loads the dataset and builds the model,
//	opens the checkpoint store and attaches the observers (Prometheus
//	metrics, the status API, InfluxDB and a progress log). Interrupts
//	cancel the run; the stored trace stays resumable.
//
// Inputs:
//
//	cmd - Supplies the output streams and context.
//	cfg - Validated configuration.
//	configPath - Config file watched for logging.level changes, or "".
//	progressEvery - Progress log interval in iterations.
//
// Outputs:
//
//	error - Any setup or sampling failure.
func runSampler(cmd *cobra.Command, cfg config.Config, configPath string, progressEvery int) (err error) {
	if cfg.Dataset.Path == "" {
		return errors.New("no dataset: set dataset.path or pass --dataset")
	}
	if cfg.Run.RunID == "" {
		cfg.Run.RunID = uuid.NewString()
	}

	l, err := newLogger(cmd, cfg.Logging, "scalemix")
	if err != nil {
		return err
	}
	defer l.Close()
	logger := l.Slog().With(slog.String("run_id", cfg.Run.RunID))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if configPath != "" {
		watchLogLevel(ctx, configPath, l, logger)
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "scalemix",
		ServiceVersion: version,
		RunID:          cfg.Run.RunID,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = errors.Join(err, shutdown(sctx))
	}()

	ds, m, err := buildModel(cfg)
	if err != nil {
		return err
	}
	var injected map[string][][]float64
	if p := cfg.Sampler.ProposalCovPath; p != "" {
		if injected, err = adapt.LoadInjected(p); err != nil {
			return err
		}
	}

	store, err := openStore(ctx, cfg.Checkpoint, cfg.Run.RunID, logger)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer func() { err = errors.Join(err, store.Close()) }()

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(reg, otel.Meter("scalemix/sampler"))
	if err != nil {
		return err
	}
	observers := []coordinator.Observer{metrics, progressObserver(logger, progressEvery, cfg.Run.Iterations)}
	if inf := cfg.Telemetry.Influx; inf.URL != "" {
		sink := telemetry.NewInfluxSink(inf.URL, inf.Token, inf.Org, inf.Bucket, logger)
		defer sink.Close()
		observers = append(observers, sink)
	}

	grp, gctx := errgroup.WithContext(ctx)
	runCtx, finish := context.WithCancel(gctx)
	defer finish()
	if addr := cfg.Telemetry.StatusAddr; addr != "" {
		tracker := statusapi.NewTracker(cfg.Run.RunID, cfg.Run.Iterations)
		observers = append(observers, tracker)
		handler := promhttp.HandlerFor(prometheus.Gatherers{reg, prometheus.DefaultGatherer}, promhttp.HandlerOpts{})
		srv := statusapi.NewServer(tracker, handler, logger)
		grp.Go(func() error { return srv.Run(runCtx, addr) })
	}

	logger.Info("starting run",
		slog.String("dataset", cfg.Dataset.Path),
		slog.Int("sites", m.NumSites()),
		slog.Int("knots", m.NumKnots()),
		slog.Int("replicates", ds.NumReplicates()),
		slog.Float64("threshold", m.Config.Threshold),
		slog.Int("iterations", cfg.Run.Iterations))

	var last *state.SamplerState
	grp.Go(func() error {
		defer finish()
		var rerr error
		last, rerr = coordinator.Run(runCtx, coordinator.Options{
			Model:      m,
			Priors:     cfg.ModelPriors(),
			Adapt:      cfg.AdaptSchedule(),
			Sampler:    cfg.SamplerLayout(),
			Injected:   injected,
			Iterations: cfg.Run.Iterations,
			Seed:       cfg.Run.Seed,
			RunID:      cfg.Run.RunID,
			Store:      store,
			Initial: func(context.Context) (*state.SamplerState, error) {
				opts := cfg.InitOptions()
				opts.Logger = logger
				return initialize.Estimate(m, ds, opts)
			},
			Observers: observers,
			Logger:    logger,
		})
		return rerr
	})
	if err := grp.Wait(); err != nil {
		if last == nil {
			return err
		}
		logger.Error("run stopped", slog.Int("iteration", last.Iteration), slog.String("error", err.Error()))
		printSummary(cmd, last)
		return err
	}
	printSummary(cmd, last)
	return nil
}

// buildModel loads the dataset and resolves the threshold and knots.
func buildModel(cfg config.Config) (*dataset.Dataset, *model.Model, error) {
	ds, err := dataset.Load(cfg.Dataset.Path)
	if err != nil {
		return nil, nil, err
	}
	u := cfg.Model.Threshold
	if u == 0 {
		if u, err = ds.ResolveThreshold(cfg.Model.ThresholdProbability); err != nil {
			return nil, nil, err
		}
	}
	knots := ds.Knots
	if len(knots) == 0 {
		knots = geometry.KnotGrid(ds.Sites, cfg.Model.KnotOuterGrid, cfg.Model.WendlandRadius)
	}
	m, err := model.New(cfg.ModelAt(u), ds.Sites, knots)
	if err != nil {
		return nil, nil, fmt.Errorf("build model: %w", err)
	}
	return ds, m, nil
}

// watchLogLevel applies logging.level edits to the running process. Other
// settings in the file take effect on the next run.
func watchLogLevel(ctx context.Context, path string, l *logging.Logger, logger *slog.Logger) {
	w, err := config.NewWatcher(path, logger)
	if err != nil {
		logger.Warn("config changes will not be picked up", slog.String("error", err.Error()))
		return
	}
	go w.Run(ctx, func(c config.Config) {
		level, err := logging.ParseLevel(c.Logging.Level)
		if err != nil || level == l.Level() {
			return
		}
		l.SetLevel(level)
		logger.Info("log level changed", slog.String("level", level.String()))
	})
}

func progressObserver(logger *slog.Logger, every, target int) coordinator.ObserverFunc {
	if every < 1 {
		every = 1
	}
	return func(_ context.Context, s *state.SamplerState, elapsed time.Duration) {
		if s.Iteration%every != 0 && s.Iteration != target {
			return
		}
		logger.Info("iteration",
			slog.Int("iteration", s.Iteration),
			slog.Int("target", target),
			slog.Float64("log_lik", s.LogLik),
			slog.Float64("tau", s.Shared.Tau),
			slog.Duration("sweep", elapsed))
	}
}
