// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/AleutianAI/scalemix/services/sampler/checkpoint"
	"github.com/AleutianAI/scalemix/services/sampler/dataset"
	"github.com/AleutianAI/scalemix/services/sampler/geometry"
	"github.com/AleutianAI/scalemix/services/sampler/initialize"
	"github.com/AleutianAI/scalemix/services/sampler/model"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threshold = 20.0

// smallProblem is four knots over five sites with two replicates. Sites in
// fullyMissing have no observations at all.
func smallProblem(t *testing.T, fullyMissing ...int) (*model.Model, *dataset.Dataset) {
	t.Helper()
	sites := []geometry.Site{
		{X: 0.2, Y: 0.3}, {X: 1.1, Y: 0.4}, {X: 0.6, Y: 1.2}, {X: 1.7, Y: 1.5}, {X: 0.9, Y: 0.8},
	}
	knots := []geometry.Knot{
		{X: 0, Y: 0, Radius: 4}, {X: 2, Y: 0, Radius: 4}, {X: 0, Y: 2, Radius: 4}, {X: 2, Y: 2, Radius: 4},
	}
	rng := rand.New(rand.NewPCG(21, 22))
	y := make(dataset.Observations, 2)
	for r := range y {
		y[r] = make([]float64, len(sites))
		for s := range y[r] {
			q := rng.Float64()
			y[r][s] = threshold - 3 + 2/0.1*(math.Pow(1-q, -0.1)-1)
		}
		for _, s := range fullyMissing {
			y[r][s] = math.NaN()
		}
	}
	ds := &dataset.Dataset{Sites: sites, Knots: knots, Threshold: threshold, Y: y}
	require.NoError(t, ds.Validate())

	cfg := model.DefaultConfig(threshold)
	cfg.InterceptOnly = true
	m, err := model.New(cfg, sites, knots)
	require.NoError(t, err)
	return m, ds
}

func options(m *model.Model, ds *dataset.Dataset, store checkpoint.Store, iterations int) Options {
	return Options{
		Model:      m,
		Priors:     model.DefaultPriors(),
		Adapt:      adapt.DefaultConfig(),
		Sampler:    DefaultSamplerConfig(),
		Iterations: iterations,
		Seed:       77,
		RunID:      "test-run",
		Store:      store,
		Initial: func(context.Context) (*state.SamplerState, error) {
			return initialize.Estimate(m, ds, initialize.DefaultOptions(5))
		},
	}
}

func records(t *testing.T, store checkpoint.Store) []*state.SamplerState {
	t.Helper()
	var out []*state.SamplerState
	require.NoError(t, store.Scan(context.Background(), 0, func(idx int, s *state.SamplerState) error {
		out = append(out, s)
		return nil
	}))
	return out
}

func TestRun_FiniteLikelihoodEveryIteration(t *testing.T) {
	m, ds := smallProblem(t)
	store := checkpoint.NewMemoryStore()
	opts := options(m, ds, store, 50)

	var observed atomic.Int64
	opts.Observers = []Observer{ObserverFunc(func(_ context.Context, s *state.SamplerState, _ time.Duration) {
		observed.Add(1)
	})}

	last, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 50, last.Iteration)
	assert.Equal(t, int64(50), observed.Load())

	rows := records(t, store)
	require.Len(t, rows, 51)
	for i, s := range rows {
		assert.Equal(t, i, s.Iteration)
		assert.Equal(t, "test-run", s.RunID)
		assert.False(t, math.IsNaN(s.LogLik) || math.IsInf(s.LogLik, 0), "iteration %d", i)
		require.NoError(t, s.Validate(m.NumSites(), m.NumKnots()), "iteration %d", i)
		require.Len(t, s.Locals, 2)
		assert.Equal(t, []int{0, 1}, []int{s.Locals[0].T, s.Locals[1].T})
	}

	tallies := last.CombinedTallies()
	for _, id := range []string{"phi_0", "range_0", "tau", "beta_logsigma", "beta_xi", "sigma_beta_xi", "scale_0", "gaussian_0"} {
		assert.Positive(t, tallies[id].Proposed, id)
	}
	assert.Equal(t, int64(50), tallies["tau"].Proposed)
	assert.Equal(t, int64(100), tallies["scale_3"].Proposed)
	assert.NotContains(t, tallies, StageImpute, "nothing to impute")
}

func TestWorkerImpute_FailedRefreshIsTallied(t *testing.T) {
	m, ds := smallProblem(t, 4)
	st, err := initialize.Estimate(m, ds, initialize.DefaultOptions(5))
	require.NoError(t, err)
	layout, err := NewLayout(DefaultSamplerConfig(), m.NumKnots(), m.NumSites(), m.NumCovariates())
	require.NoError(t, err)
	ctrl, err := adapt.NewController(adapt.DefaultConfig(), layout.LocalSpecs())
	require.NoError(t, err)
	w, err := newWorker(WorkerRole(0), nil, m, model.DefaultPriors(), layout, ctrl, 1,
		st.Shared, st.Locals[0], nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(5, 6))

	w.impute(rng)
	imp := w.rec.Tallies()[StageImpute]
	assert.Equal(t, int64(1), imp.Proposed)
	assert.Equal(t, int64(1), imp.Accepted)

	// X* below R^φ everywhere leaves no Gaussian field to recover.
	for s := range w.local.XStar {
		w.local.XStar[s] = 1e-300
	}
	before := slices.Clone(w.local.Y)
	w.impute(rng)
	imp = w.rec.Tallies()[StageImpute]
	assert.Equal(t, int64(2), imp.Proposed)
	assert.Equal(t, int64(1), imp.Accepted)
	assert.Equal(t, int64(1), imp.Numerical)
	assert.Equal(t, before, w.local.Y, "a failed refresh keeps the previous values")
}

func TestRun_FullyMissingSite(t *testing.T) {
	m, ds := smallProblem(t, 4)
	store := checkpoint.NewMemoryStore()
	last, err := Run(context.Background(), options(m, ds, store, 20))
	require.NoError(t, err)

	imp := last.CombinedTallies()[StageImpute]
	assert.Equal(t, int64(20*2), imp.Proposed, "one refresh per iteration and replicate")
	assert.Equal(t, imp.Proposed, imp.Accepted+imp.Numerical+imp.Domain)

	for _, s := range records(t, store) {
		for _, l := range s.Locals {
			assert.True(t, l.Missing[4])
			for site, y := range l.Y {
				require.False(t, math.IsNaN(y), "iteration %d t=%d site=%d", s.Iteration, l.T, site)
				assert.Equal(t, y <= threshold, l.Censored[site], "iteration %d t=%d site=%d", s.Iteration, l.T, site)
			}
			for _, z := range l.Z {
				assert.False(t, math.IsNaN(z))
			}
		}
	}
}

func TestRun_RejectsMisshapenInjectedCovariance(t *testing.T) {
	m, ds := smallProblem(t)
	store := checkpoint.NewMemoryStore()
	opts := options(m, ds, store, 10)
	var initialized bool
	opts.Initial = func(context.Context) (*state.SamplerState, error) {
		initialized = true
		return nil, errors.New("must not be called")
	}
	opts.Injected = map[string][][]float64{
		"phi_0": {{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}

	_, err := Run(context.Background(), opts)
	var dim *adapt.DimensionMismatchError
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, "phi_0", dim.Block)
	assert.False(t, initialized)
	_, _, err = store.LoadLastIteration(context.Background())
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRun_RejectsUnknownInjectedBlock(t *testing.T) {
	m, ds := smallProblem(t)
	opts := options(m, ds, checkpoint.NewMemoryStore(), 10)
	opts.Injected = map[string][][]float64{"nope": {{1}}}
	_, err := Run(context.Background(), opts)
	assert.ErrorIs(t, err, adapt.ErrUnknownBlock)
}

func TestRun_ZeroIterationsReturnsInitialState(t *testing.T) {
	m, ds := smallProblem(t)
	store := checkpoint.NewMemoryStore()
	last, err := Run(context.Background(), options(m, ds, store, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, last.Iteration)

	idx, stored, err := store.LoadLastIteration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, stored, last)

	want, err := initialize.Estimate(m, ds, initialize.DefaultOptions(5))
	require.NoError(t, err)
	assert.True(t, want.Shared.Equal(last.Shared))
	assert.Equal(t, want.Locals, last.Locals)
}

func TestRun_ResumeMatchesUninterruptedRun(t *testing.T) {
	m, ds := smallProblem(t, 2)
	ctx := context.Background()

	straight := checkpoint.NewMemoryStore()
	want, err := Run(ctx, options(m, ds, straight, 12))
	require.NoError(t, err)

	resumed := checkpoint.NewMemoryStore()
	_, err = Run(ctx, options(m, ds, resumed, 11))
	require.NoError(t, err)
	got, err := Run(ctx, options(m, ds, resumed, 12))
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, records(t, straight), records(t, resumed))
}

func TestRun_AlreadyComplete(t *testing.T) {
	m, ds := smallProblem(t)
	store := checkpoint.NewMemoryStore()
	first, err := Run(context.Background(), options(m, ds, store, 3))
	require.NoError(t, err)
	again, err := Run(context.Background(), options(m, ds, store, 2))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Len(t, records(t, store), 4)
}

func TestRun_Cancelled(t *testing.T) {
	m, ds := smallProblem(t)
	ctx, cancel := context.WithCancel(context.Background())
	opts := options(m, ds, checkpoint.NewMemoryStore(), 1000)
	opts.Observers = []Observer{ObserverFunc(func(_ context.Context, s *state.SamplerState, _ time.Duration) {
		if s.Iteration == 3 {
			cancel()
		}
	})}
	_, err := Run(ctx, opts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_InvalidOptions(t *testing.T) {
	_, err := Run(context.Background(), Options{Iterations: -1})
	require.Error(t, err)
	msgs := strings.Split(err.Error(), "\n")
	assert.ElementsMatch(t, []string{
		"model is required",
		"checkpoint store is required",
		"initializer is required",
		"iterations must be non-negative, got -1",
	}, msgs)

	m, ds := smallProblem(t)
	valid := options(m, ds, checkpoint.NewMemoryStore(), 2)
	require.NoError(t, valid.validate())

	cases := map[string]func(*Options){
		"model is required":            func(o *Options) { o.Model = nil },
		"checkpoint store is required": func(o *Options) { o.Store = nil },
		"initializer is required":      func(o *Options) { o.Initial = nil },
	}
	for want, mutate := range cases {
		t.Run(want, func(t *testing.T) {
			o := valid
			mutate(&o)
			_, err := Run(context.Background(), o)
			assert.EqualError(t, err, want)
		})
	}
}

func TestNewLayout(t *testing.T) {
	l, err := NewLayout(DefaultSamplerConfig(), 13, 20, 2)
	require.NoError(t, err)

	require.Len(t, l.Shared[StagePhi], 4)
	assert.Equal(t, []int{12}, l.Shared[StagePhi][3].Indices)
	assert.Len(t, l.Shared[StageRange], 4)
	assert.Len(t, l.Shared[StageSigmaBeta], 2)
	assert.Len(t, l.Scale, 13)
	require.Len(t, l.Gaussian, 3)
	assert.Equal(t, []int{16, 17, 18, 19}, l.Gaussian[2].Indices)

	specs := map[string]adapt.BlockSpec{}
	for _, s := range append(l.SharedSpecs(), l.LocalSpecs()...) {
		specs[s.ID] = s
	}
	assert.Equal(t, 4, specs["phi_0"].Dim)
	assert.Equal(t, 1, specs["phi_3"].Dim)
	assert.Equal(t, 2, specs["beta_xi"].Dim)
	assert.True(t, specs["tau"].Scalar)
	assert.InDelta(t, 2.4*2.4/13, specs["scale_0"].Sigma2, 1e-12)
}

func TestNewLayout_UnknownStage(t *testing.T) {
	cfg := DefaultSamplerConfig()
	cfg.Sweep = []string{StageScale, "bogus"}
	_, err := NewLayout(cfg, 4, 5, 1)
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestBlock_ValuesAndAssign(t *testing.T) {
	l, err := NewLayout(DefaultSamplerConfig(), 6, 5, 1)
	require.NoError(t, err)
	sh := state.Shared{
		Phi: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, Range: []float64{1, 1, 1, 1, 1, 1},
		Tau: 3, BetaLogSigma: []float64{0}, BetaXi: []float64{0}, SigmaBetaLogSigma: 1, SigmaBetaXi: 1,
	}
	phi1 := l.Shared[StagePhi][1]
	assert.Equal(t, []float64{0.5, 0.6}, phi1.Values(sh))

	prop := sh.Clone()
	phi1.Assign(&prop, []float64{0.55, 0.65})
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4, 0.55, 0.65}, prop.Phi)
	assert.Equal(t, 0.5, sh.Phi[4])

	tau := l.Shared[StageTau][0]
	tau.Assign(&prop, []float64{7})
	assert.Equal(t, 7.0, prop.Tau)
	assert.Equal(t, []float64{7}, tau.Values(prop))
}

func TestSplitInjected(t *testing.T) {
	l, err := NewLayout(DefaultSamplerConfig(), 4, 5, 1)
	require.NoError(t, err)
	shared, local, err := l.SplitInjected(map[string][][]float64{
		"tau":        {{2}},
		"gaussian_0": {{1}},
		"x":          {{1}},
	})
	assert.ErrorIs(t, err, adapt.ErrUnknownBlock)
	assert.Contains(t, shared, "tau")
	assert.Contains(t, local, "gaussian_0")
}

func TestRoleStreams(t *testing.T) {
	a := WorkerRole(0).stream(1, 5).Float64()
	b := WorkerRole(0).stream(1, 5).Float64()
	c := WorkerRole(1).stream(1, 5).Float64()
	d := CoordinatorRole.stream(1, 5).Float64()
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Equal(t, 2, WorkerRole(1).Rank())
	assert.Equal(t, "worker[1]", WorkerRole(1).String())
}
