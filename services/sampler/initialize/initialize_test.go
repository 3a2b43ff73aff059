// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package initialize

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/AleutianAI/scalemix/services/sampler/dataset"
	"github.com/AleutianAI/scalemix/services/sampler/geometry"
	"github.com/AleutianAI/scalemix/services/sampler/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simulated(t *testing.T, fullyMissing int) (*model.Model, *dataset.Dataset) {
	t.Helper()
	cfg := dataset.DefaultSimulateConfig()
	cfg.Sites = 15
	cfg.Replicates = 4
	cfg.MissingFraction = 0.1
	cfg.FullyMissing = fullyMissing
	ds, err := dataset.Simulate(cfg, 11)
	require.NoError(t, err)

	mcfg := model.DefaultConfig(ds.Threshold)
	mcfg.WendlandRadius = cfg.Radius
	m, err := model.New(mcfg, ds.Sites, ds.Knots)
	require.NoError(t, err)
	return m, ds
}

func TestEstimate(t *testing.T) {
	m, ds := simulated(t, 1)
	s, err := Estimate(m, ds, DefaultOptions(3))
	require.NoError(t, err)

	require.NoError(t, s.Validate(m.NumSites(), m.NumKnots()))
	assert.Equal(t, 0, s.Iteration)
	require.Len(t, s.Locals, ds.NumReplicates())
	require.Len(t, s.LikDetail, ds.NumReplicates())
	assert.False(t, math.IsNaN(s.LogLik) || math.IsInf(s.LogLik, 0))

	for _, l := range s.Locals {
		assert.True(t, l.Missing[m.NumSites()-1])
		for site, y := range l.Y {
			assert.False(t, math.IsNaN(y), "t=%d site=%d", l.T, site)
			assert.Equal(t, y <= m.Config.Threshold, l.Censored[site], "t=%d site=%d", l.T, site)
		}
	}
	for _, r := range s.Shared.Range {
		assert.GreaterOrEqual(t, r, 0.01)
		assert.LessOrEqual(t, r, 4.0)
	}
	assert.Equal(t, 0.5, s.Shared.Phi[0])
	assert.Equal(t, 10.0, s.Shared.Tau)
}

func TestEstimate_Deterministic(t *testing.T) {
	m, ds := simulated(t, 0)
	a, err := Estimate(m, ds, DefaultOptions(9))
	require.NoError(t, err)
	b, err := Estimate(m, ds, DefaultOptions(9))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEstimate_SiteMismatch(t *testing.T) {
	m, ds := simulated(t, 0)
	ds.Sites = ds.Sites[:3]
	_, err := Estimate(m, ds, DefaultOptions(1))
	assert.ErrorIs(t, err, model.ErrShape)
}

func TestMarginalCoefficients_RecoversGPD(t *testing.T) {
	const (
		u     = 20.0
		sigma = 2.0
		xi    = 0.1
	)
	sites := []geometry.Site{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}}
	knots := []geometry.Knot{{X: 0.5, Y: 0.5, Radius: 3}}
	cfg := model.DefaultConfig(u)
	cfg.InterceptOnly = true
	m, err := model.New(cfg, sites, knots)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(4, 5))
	y := make(dataset.Observations, 5000)
	for i := range y {
		y[i] = make([]float64, len(sites))
		for s := range y[i] {
			q := rng.Float64()
			y[i][s] = u + sigma/xi*(math.Pow(1-q, -xi)-1)
		}
	}
	ds := &dataset.Dataset{Sites: sites, Knots: knots, Threshold: u, Y: y}

	bs, bx := MarginalCoefficients(m, ds)
	require.Len(t, bs, 1)
	require.Len(t, bx, 1)
	assert.InDelta(t, math.Log(sigma), bs[0], 0.1)
	assert.InDelta(t, xi, bx[0], 0.08)
}

func TestMarginalCoefficients_NoExceedances(t *testing.T) {
	sites := []geometry.Site{{X: 0, Y: 0}, {X: 1, Y: 1}}
	knots := []geometry.Knot{{X: 0.5, Y: 0.5, Radius: 3}}
	m, err := model.New(model.DefaultConfig(20), sites, knots)
	require.NoError(t, err)
	ds := &dataset.Dataset{Sites: sites, Knots: knots, Y: dataset.Observations{{1, 2}, {3, 4}}}

	bs, bx := MarginalCoefficients(m, ds)
	assert.Equal(t, []float64{0, 0}, bs)
	assert.Equal(t, []float64{0.1, 0}, bx)
}

func TestKnotRanges_DefaultWhenUnsupported(t *testing.T) {
	sites := []geometry.Site{{X: 0, Y: 0}, {X: 0.5, Y: 0}}
	knots := []geometry.Knot{{X: 0, Y: 0, Radius: 2}, {X: 1.5, Y: 0, Radius: 2}}
	m, err := model.New(model.DefaultConfig(20), sites, knots)
	require.NoError(t, err)
	ds := &dataset.Dataset{Sites: sites, Knots: knots, Y: dataset.Observations{{1, 2}, {3, 1}}}

	opts := DefaultOptions(1)
	opts.DefaultRange = 1.7
	assert.Equal(t, []float64{1.7, 1.7}, KnotRanges(m, ds, opts))
}
