// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator runs the sampler: one coordinator goroutine owning the
// shared parameters and one worker goroutine per time replicate, kept in
// lockstep by broadcast, gather and barrier collectives.
//
// Every iteration opens with a shared snapshot, runs the configured sweep of
// local and shared blocks, gathers worker state into one SamplerState,
// appends it to the checkpoint store and closes with a barrier.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/AleutianAI/scalemix/services/sampler/checkpoint"
	"github.com/AleutianAI/scalemix/services/sampler/collective"
	"github.com/AleutianAI/scalemix/services/sampler/engine"
	"github.com/AleutianAI/scalemix/services/sampler/model"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"golang.org/x/sync/errgroup"
)

// Options configures Run.
type Options struct {
	Model   *model.Model
	Priors  model.Priors
	Adapt   adapt.Config
	Sampler SamplerConfig

	// Injected maps block IDs to prior-run proposal covariances.
	Injected map[string][][]float64

	// Iterations is the index of the last iteration to run. A resumed run
	// continues from its last record up to it.
	Iterations int

	Seed  uint64
	RunID string
	Store checkpoint.Store

	// Initial produces iteration 0 when the store is empty.
	Initial func(ctx context.Context) (*state.SamplerState, error)

	Observers []Observer
	Logger    *slog.Logger
}

func (o Options) validate() error {
	var errs []error
	if o.Model == nil {
		errs = append(errs, errors.New("model is required"))
	}
	if o.Store == nil {
		errs = append(errs, errors.New("checkpoint store is required"))
	}
	if o.Initial == nil {
		errs = append(errs, errors.New("initializer is required"))
	}
	if o.Iterations < 0 {
		errs = append(errs, fmt.Errorf("iterations must be non-negative, got %d", o.Iterations))
	}
	return errors.Join(errs...)
}

// Run samples up to opts.Iterations and returns the last record.
//
// Description:
//
//	Builds the block layout and validates injected proposal covariances
//	before anything else. Loads the newest checkpoint, or runs the
//	initializer and stores it as iteration 0. Launches the coordinator and
//	one worker per replicate under one errgroup; the first failure cancels
//	every participant.
//
// Inputs:
//
//	ctx - Cancelling it stops the run at the next collective.
//	opts - Run configuration.
//
// Outputs:
//
//	*state.SamplerState - The record of the last iteration.
//	error - DimensionMismatchError or ErrUnknownBlock for bad injected
//	        covariances, invalid state, checkpoint failures, or a
//	        CollectiveProtocolError when the run was interrupted.
//
// Example:
//
//	last, err := coordinator.Run(ctx, coordinator.Options{
//	    Model: m, Priors: model.DefaultPriors(), Adapt: adapt.DefaultConfig(),
//	    Sampler: coordinator.DefaultSamplerConfig(), Iterations: 1000,
//	    Store: store, Initial: init,
//	})
func Run(ctx context.Context, opts Options) (*state.SamplerState, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "sampler"), slog.String("run_id", opts.RunID))
	m := opts.Model

	layout, err := NewLayout(opts.Sampler, m.NumKnots(), m.NumSites(), m.NumCovariates())
	if err != nil {
		return nil, err
	}
	coordCtrl, err := adapt.NewController(opts.Adapt, layout.SharedSpecs())
	if err != nil {
		return nil, err
	}
	localTemplate, err := adapt.NewController(opts.Adapt, layout.LocalSpecs())
	if err != nil {
		return nil, err
	}
	sharedCovs, localCovs, splitErr := layout.SplitInjected(opts.Injected)
	if err := errors.Join(splitErr, coordCtrl.Inject(sharedCovs), localTemplate.Inject(localCovs)); err != nil {
		logger.Error("injected proposal covariances rejected", slog.String("error", err.Error()))
		return nil, fmt.Errorf("proposal covariances: %w", err)
	}

	from, st, err := loadOrInitialize(ctx, opts, coordCtrl, localTemplate.Snapshot(), logger)
	if err != nil {
		return nil, err
	}
	if from >= opts.Iterations {
		logger.Info("nothing to run", slog.Int("last_iteration", from), slog.Int("target", opts.Iterations))
		return st, nil
	}

	nt := len(st.Locals)
	if err := coordCtrl.Restore(st.Adaptation); err != nil {
		return nil, fmt.Errorf("restore shared adaptation: %w", err)
	}
	hub := collective.NewHub(nt + 1)
	coord := &coordinator{
		comm:      hub.Comm(0),
		priors:    opts.Priors,
		layout:    layout,
		seed:      opts.Seed,
		runID:     opts.RunID,
		store:     opts.Store,
		observers: opts.Observers,
		logger:    logger.With(slog.String("role", CoordinatorRole.String())),
		shared:    st.Shared.Clone(),
		ctrl:      coordCtrl,
		last:      st,
	}
	coord.rec = engine.NewRecorder(coord.logger, st.Tallies)

	workers := make([]*worker, nt)
	for t := range workers {
		ctrl, err := adapt.NewController(opts.Adapt, layout.LocalSpecs())
		if err != nil {
			return nil, err
		}
		if err := ctrl.Restore(st.LocalAdaptation[t]); err != nil {
			return nil, fmt.Errorf("restore adaptation of replicate %d: %w", t, err)
		}
		role := WorkerRole(t)
		if workers[t], err = newWorker(role, hub.Comm(role.Rank()), m, opts.Priors, layout, ctrl,
			opts.Seed, st.Shared, st.Locals[t], st.LocalTallies[t], logger); err != nil {
			return nil, err
		}
	}

	logger.Info("sampling",
		slog.Int("from", from),
		slog.Int("to", opts.Iterations),
		slog.Int("replicates", nt),
		slog.Int("sites", m.NumSites()),
		slog.Int("knots", m.NumKnots()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.run(gctx, from, opts.Iterations) })
	for _, w := range workers {
		g.Go(func() error { return w.run(gctx, from, opts.Iterations) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return coord.last, nil
}

// loadOrInitialize returns the newest record, creating iteration 0 when the
// store is empty.
func loadOrInitialize(
	ctx context.Context,
	opts Options,
	coordCtrl *adapt.Controller,
	localSnapshot adapt.Snapshot,
	logger *slog.Logger,
) (int, *state.SamplerState, error) {
	ns, nk := opts.Model.NumSites(), opts.Model.NumKnots()
	from, st, err := opts.Store.LoadLastIteration(ctx)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		if st, err = opts.Initial(ctx); err != nil {
			return 0, nil, fmt.Errorf("initialize: %w", err)
		}
		nt := len(st.Locals)
		st.RunID = opts.RunID
		st.Iteration = 0
		st.Adaptation = coordCtrl.Snapshot()
		st.Tallies = state.Tallies{}
		st.LocalAdaptation = make([]adapt.Snapshot, nt)
		st.LocalTallies = make([]state.Tallies, nt)
		for t := range nt {
			st.LocalAdaptation[t] = localSnapshot.Clone()
			st.LocalTallies[t] = state.Tallies{}
		}
		if err := validateRecord(st, ns, nk); err != nil {
			return 0, nil, fmt.Errorf("initial state: %w", err)
		}
		if err := opts.Store.AppendIteration(ctx, 0, st); err != nil {
			return 0, nil, fmt.Errorf("store initial state: %w", err)
		}
		logger.Info("initialized fresh run", slog.Float64("log_likelihood", st.LogLik))
		return 0, st, nil
	case err != nil:
		return 0, nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if st.Iteration != from {
		return 0, nil, fmt.Errorf("%w: record %d carries iteration %d", checkpoint.ErrCorrupted, from, st.Iteration)
	}
	if err := validateRecord(st, ns, nk); err != nil {
		return 0, nil, fmt.Errorf("checkpoint %d: %w", from, err)
	}
	logger.Info("resuming from checkpoint", slog.Int("iteration", from), slog.Float64("log_likelihood", st.LogLik))
	return from, st, nil
}

func validateRecord(st *state.SamplerState, sites, knots int) error {
	if len(st.Locals) == 0 {
		return fmt.Errorf("%w: no replicates", state.ErrInvalidState)
	}
	if n := len(st.Locals); len(st.LocalAdaptation) != n || len(st.LocalTallies) != n {
		return fmt.Errorf("%w: %d replicates, %d adaptation snapshots, %d tallies", state.ErrInvalidState,
			n, len(st.LocalAdaptation), len(st.LocalTallies))
	}
	return st.Validate(sites, knots)
}
