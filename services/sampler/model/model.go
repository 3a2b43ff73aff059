// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model ties geometry, covariance and marginal transforms into the
// posterior evaluated by the sampler.
//
// A Model is immutable after construction and safe to share between
// goroutines. Surfaces are the per-site values implied by a set of shared
// parameters; they are rebuilt whenever the shared parameters change.
package model

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/scalemix/services/sampler/covariance"
	"github.com/AleutianAI/scalemix/services/sampler/geometry"
	"github.com/AleutianAI/scalemix/services/sampler/marginal"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when parameter lengths disagree with the model.
var ErrShape = errors.New("parameter shape does not match model")

// Config holds the static model constants.
type Config struct {
	// ThresholdProbability is p, the mass at or below the threshold.
	ThresholdProbability float64

	// Threshold is u on the observation scale.
	Threshold float64

	// LevyScale is γ of the knot-level Lévy variables.
	LevyScale float64

	// Smoothness is the Matérn ν.
	Smoothness float64

	// Sill is the marginal variance of the Gaussian field.
	Sill float64

	GaussianBandwidth float64
	WendlandRadius    float64

	// InterceptOnly drops the elevation column from both designs.
	InterceptOnly bool
}

// DefaultConfig returns the standard model constants with threshold u.
func DefaultConfig(u float64) Config {
	return Config{
		ThresholdProbability: 0.9,
		Threshold:            u,
		LevyScale:            0.5,
		Smoothness:           0.5,
		Sill:                 1,
		GaussianBandwidth:    4,
		WendlandRadius:       4,
	}
}

// Model is the static part of the posterior.
type Model struct {
	Config Config
	Sites  []geometry.Site
	Knots  []geometry.Knot

	// Wendland weights aggregate S into R; Gaussian weights interpolate φ
	// and range.
	Wendland *mat.Dense
	Gaussian *mat.Dense

	// Design is the covariate matrix shared by log σ and ξ.
	Design *mat.Dense

	// GammaBar is the Lévy scale of R at each site.
	GammaBar []float64

	coords []covariance.Point
}

// New builds a model over the given sites and knots.
func New(cfg Config, sites []geometry.Site, knots []geometry.Knot) (*Model, error) {
	if len(sites) == 0 {
		return nil, fmt.Errorf("%w: no sites", ErrShape)
	}
	ww, err := geometry.WeightMatrix(sites, knots, geometry.WendlandKernel{Radius: cfg.WendlandRadius})
	if err != nil {
		return nil, fmt.Errorf("wendland weights: %w", err)
	}
	wg, err := geometry.WeightMatrix(sites, knots, geometry.GaussianKernel{Bandwidth: cfg.GaussianBandwidth})
	if err != nil {
		return nil, fmt.Errorf("gaussian weights: %w", err)
	}

	cols := 2
	if cfg.InterceptOnly {
		cols = 1
	}
	design := mat.NewDense(len(sites), cols, nil)
	coords := make([]covariance.Point, len(sites))
	gammaBar := make([]float64, len(sites))
	for s, site := range sites {
		design.Set(s, 0, 1)
		if cols == 2 {
			design.Set(s, 1, site.Elevation)
		}
		coords[s] = covariance.Point{X: site.X, Y: site.Y}
		var root float64
		for k := range knots {
			root += math.Sqrt(ww.At(s, k) * cfg.LevyScale)
		}
		gammaBar[s] = root * root
	}

	return &Model{
		Config:   cfg,
		Sites:    sites,
		Knots:    knots,
		Wendland: ww,
		Gaussian: wg,
		Design:   design,
		GammaBar: gammaBar,
		coords:   coords,
	}, nil
}

// NumSites is Ns.
func (m *Model) NumSites() int { return len(m.Sites) }

// NumKnots is K.
func (m *Model) NumKnots() int { return len(m.Knots) }

// NumCovariates is the number of design columns.
func (m *Model) NumCovariates() int {
	_, c := m.Design.Dims()
	return c
}

// Surfaces are the per-site values implied by a shared parameter set.
type Surfaces struct {
	Phi   []float64
	Range []float64
	Sigma []float64
	Xi    []float64
	Tau   float64

	// Chol factors the Gaussian-field covariance.
	Chol *mat.Cholesky

	knotRange []float64
}

// Surfaces interpolates the shared parameters to the sites. If prev was
// built from the same knot ranges its Cholesky factor is reused.
func (m *Model) Surfaces(sh state.Shared, prev *Surfaces) (*Surfaces, error) {
	k := m.NumKnots()
	if len(sh.Phi) != k || len(sh.Range) != k {
		return nil, fmt.Errorf("%w: %d phi, %d range, %d knots", ErrShape, len(sh.Phi), len(sh.Range), k)
	}
	c := m.NumCovariates()
	if len(sh.BetaLogSigma) != c || len(sh.BetaXi) != c {
		return nil, fmt.Errorf("%w: %d/%d coefficients, %d covariates", ErrShape,
			len(sh.BetaLogSigma), len(sh.BetaXi), c)
	}

	ns := m.NumSites()
	sf := &Surfaces{
		Phi:       interpolate(m.Gaussian, sh.Phi),
		Range:     interpolate(m.Gaussian, sh.Range),
		Xi:        interpolate(m.Design, sh.BetaXi),
		Sigma:     interpolate(m.Design, sh.BetaLogSigma),
		Tau:       sh.Tau,
		knotRange: slices.Clone(sh.Range),
	}
	for s := range sf.Sigma {
		sf.Sigma[s] = math.Exp(sf.Sigma[s])
	}

	if prev != nil && prev.Chol != nil && slices.Equal(prev.knotRange, sh.Range) {
		sf.Chol = prev.Chol
		return sf, nil
	}
	sills := make([]float64, ns)
	floats.AddConst(m.Config.Sill, sills)
	cov, err := covariance.Build(sf.Range, sills, m.coords, m.Config.Smoothness)
	if err != nil {
		return nil, err
	}
	if sf.Chol, err = covariance.Factorize(cov); err != nil {
		return nil, err
	}
	return sf, nil
}

func interpolate(w *mat.Dense, v []float64) []float64 {
	r, _ := w.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(w, mat.NewVecDense(len(v), slices.Clone(v)))
	return slices.Clone(out.RawVector().Data)
}

// CGP is the marginal law of site s.
func (m *Model) CGP(sf *Surfaces, s int) marginal.CGP {
	return marginal.CGP{
		P:   m.Config.ThresholdProbability,
		U:   m.Config.Threshold,
		GPD: marginal.GPD{Sigma: sf.Sigma[s], Xi: sf.Xi[s]},
	}
}

// Mixture is the copula-scale law of site s.
func (m *Model) Mixture(sf *Surfaces, s int) marginal.Mixture {
	return marginal.Mixture{Phi: sf.Phi[s], GammaBar: m.GammaBar[s], Tau: sf.Tau}
}
