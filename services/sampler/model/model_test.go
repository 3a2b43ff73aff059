// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"math"
	"testing"

	"github.com/AleutianAI/scalemix/services/sampler/geometry"
	"github.com/AleutianAI/scalemix/services/sampler/numerics"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	sites := []geometry.Site{
		{X: 1, Y: 1, Elevation: 0.2}, {X: 3, Y: 2, Elevation: 0.5}, {X: 5, Y: 5},
		{X: 7, Y: 3, Elevation: 1}, {X: 8, Y: 8, Elevation: 0.1},
	}
	knots := []geometry.Knot{{X: 2, Y: 2}, {X: 7, Y: 2}, {X: 2, Y: 7}, {X: 7, Y: 7}}
	m, err := New(DefaultConfig(20), sites, knots)
	require.NoError(t, err)
	return m
}

func testShared() state.Shared {
	return state.Shared{
		Phi:               []float64{0.4, 0.5, 0.45, 0.55},
		Range:             []float64{1, 1.5, 2, 1.2},
		Tau:               10,
		BetaLogSigma:      []float64{0.1, 0.2},
		BetaXi:            []float64{0.05, 0},
		SigmaBetaLogSigma: 1,
		SigmaBetaXi:       1,
	}
}

func TestNew_GammaBar(t *testing.T) {
	m := testModel(t)
	assert.Equal(t, 5, m.NumSites())
	assert.Equal(t, 4, m.NumKnots())
	assert.Equal(t, 2, m.NumCovariates())
	for s := range m.Sites {
		var root float64
		for k := range m.Knots {
			root += math.Sqrt(m.Wendland.At(s, k) * 0.5)
		}
		assert.InDelta(t, root*root, m.GammaBar[s], 1e-14)
		assert.GreaterOrEqual(t, m.GammaBar[s], 0.5-1e-12, "aggregation never shrinks the scale")
	}

	cfg := DefaultConfig(20)
	cfg.InterceptOnly = true
	io, err := New(cfg, m.Sites, m.Knots)
	require.NoError(t, err)
	assert.Equal(t, 1, io.NumCovariates())

	cfg.WendlandRadius = 0.1
	_, err = New(cfg, m.Sites, m.Knots)
	assert.ErrorIs(t, err, geometry.ErrUncoveredSite)
}

func TestSurfaces(t *testing.T) {
	m := testModel(t)
	sh := testShared()
	sf, err := m.Surfaces(sh, nil)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(0.1+0.2*0.5), sf.Sigma[1], 1e-14)
	assert.InDelta(t, 0.05, sf.Xi[2], 1e-14)
	for s := range sf.Phi {
		assert.Greater(t, sf.Phi[s], 0.4-1e-12)
		assert.Less(t, sf.Phi[s], 0.55+1e-12)
	}

	sh.Tau = 5
	reused, err := m.Surfaces(sh, sf)
	require.NoError(t, err)
	assert.Same(t, sf.Chol, reused.Chol)
	assert.Equal(t, 5.0, reused.Tau)

	sh.Range[0] = 3
	fresh, err := m.Surfaces(sh, sf)
	require.NoError(t, err)
	assert.NotSame(t, sf.Chol, fresh.Chol)

	sh.Phi = sh.Phi[:2]
	_, err = m.Surfaces(sh, nil)
	assert.ErrorIs(t, err, ErrShape)
}

func TestZXStarRoundTrip(t *testing.T) {
	m := testModel(t)
	sf, err := m.Surfaces(testShared(), nil)
	require.NoError(t, err)
	r := m.R([]float64{0, 0.5, -0.2, 1})
	z := []float64{-1.2, 0, 0.7, 2.1, -0.3}
	x := XStarFromZ(r, z, sf)
	back, err := ZFromXStar(r, x, sf)
	require.NoError(t, err)
	assert.InDeltaSlice(t, z, back, 1e-9)

	x[2] = math.Pow(r[2], sf.Phi[2]) * 0.9
	_, err = ZFromXStar(r, x, sf)
	var ne *numerics.NumericalError
	assert.ErrorAs(t, err, &ne)
}

func TestLogLik_Finite(t *testing.T) {
	m := testModel(t)
	sf, err := m.Surfaces(testShared(), nil)
	require.NoError(t, err)
	logS := []float64{0.3, -0.1, 0.8, 0.2}
	r := m.R(logS)
	z := []float64{0.4, -0.5, 1.1, 0.2, -1}
	xStar := XStarFromZ(r, z, sf)
	y := []float64{12, 23, 20, 26.5, 8}

	tr, err := m.Transforms(y, sf)
	require.NoError(t, err)
	assert.True(t, tr[0].Censored)
	assert.True(t, tr[2].Censored, "threshold itself is censored")
	assert.False(t, tr[1].Censored)

	terms, zz, err := m.LogLik(tr, logS, xStar, sf)
	require.NoError(t, err)
	assert.True(t, numerics.AllFinite(terms.Censored, terms.Exceed, terms.Latent))
	assert.InDeltaSlice(t, z, zz, 1e-9)

	target, x2, err := m.GaussianFieldTarget(tr, r, z, sf)
	require.NoError(t, err)
	assert.InDeltaSlice(t, xStar, x2, 0)
	assert.True(t, numerics.IsFinite(target))
}

func TestScaleUpperBound(t *testing.T) {
	m := testModel(t)
	sf, err := m.Surfaces(testShared(), nil)
	require.NoError(t, err)
	logS := []float64{0.3, -0.1, 0.8, 0.2}
	xStar := XStarFromZ(m.R(logS), []float64{0.4, -0.5, 1.1, 0.2, -1}, sf)

	for i := range logS {
		ub := m.ScaleUpperBound(i, logS, xStar, sf)
		require.Greater(t, ub, logS[i], "current value lies inside its bound")

		at := append([]float64(nil), logS...)
		at[i] = ub
		r := m.R(at)
		binding := false
		for s := range r {
			ratio := math.Pow(r[s], sf.Phi[s]) / xStar[s]
			assert.LessOrEqual(t, ratio, 1+1e-9)
			if math.Abs(ratio-1) < 1e-9 {
				binding = true
			}
		}
		assert.True(t, binding, "knot %d: some site attains the bound", i)
	}

	// Knot 0 alone supports sites 0 and 1, so a tiny X* still leaves room.
	tiny := append([]float64(nil), xStar...)
	for s := range tiny {
		tiny[s] = 1e-6
	}
	ub := m.ScaleUpperBound(0, logS, tiny, sf)
	assert.False(t, math.IsNaN(ub))
	assert.Less(t, ub, logS[0])

	// Site 2 leans on knots 1 and 2 as well as knot 3. Once their share of
	// R alone exceeds X*^(1/φ) no value of S_3 fits.
	require.Positive(t, m.Wendland.At(2, 1))
	require.Positive(t, m.Wendland.At(2, 2))
	require.Positive(t, m.Wendland.At(2, 3))
	heavy := []float64{0.3, 5, 5, 0.2}
	ub = m.ScaleUpperBound(3, heavy, tiny, sf)
	assert.True(t, math.IsNaN(ub), "got %v", ub)
}

func TestPriors(t *testing.T) {
	p := DefaultPriors()
	assert.Equal(t, 0.0, p.LogPhi([]float64{0.1, 0.9}))
	assert.True(t, math.IsInf(p.LogPhi([]float64{0.1, 1}), -1))
	assert.InDelta(t, -2*math.Log(50), p.LogRange([]float64{1, 50}), 1e-14)
	assert.True(t, math.IsInf(p.LogRange([]float64{51}), -1))
	assert.True(t, math.IsInf(p.LogTau(0), -1))

	cauchy := distuv.StudentsT{Sigma: 10, Nu: 1}.LogProb(3)
	assert.InDelta(t, cauchy+math.Ln2, p.LogTau(3), 1e-14)
	assert.InDelta(t, distuv.UnitNormal.LogProb(0.5)*2, p.LogBeta([]float64{0.5, -0.5}, 1), 1e-14)
	assert.True(t, math.IsInf(p.LogBeta([]float64{0}, 0), -1))

	lp := p.LogShared(testShared())
	assert.True(t, numerics.IsFinite(lp))
	assert.InDelta(t, numerics.LogScalePrior(0.2, 0.5), p.LogScale([]float64{0.2}), 1e-15)
}
