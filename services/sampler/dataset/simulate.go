// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/AleutianAI/scalemix/services/sampler/geometry"
	"github.com/AleutianAI/scalemix/services/sampler/marginal"
	"github.com/AleutianAI/scalemix/services/sampler/model"
	"github.com/AleutianAI/scalemix/services/sampler/numerics"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimulateConfig controls Simulate.
type SimulateConfig struct {
	Sites      int
	Replicates int

	// Domain is the side of the square sites are scattered over.
	Domain float64

	// OuterGrid is the size of the outer knot lattice.
	OuterGrid int
	Radius    float64

	Threshold float64
	Tau       float64

	// MissingFraction is the chance that any one observation is dropped.
	MissingFraction float64

	// FullyMissing is the number of sites, taken from the end, with no
	// observation in any replicate.
	FullyMissing int

	InterceptOnly bool
}

// DefaultSimulateConfig mirrors the reference simulation study at a size
// that runs on a laptop.
func DefaultSimulateConfig() SimulateConfig {
	return SimulateConfig{
		Sites:      50,
		Replicates: 8,
		Domain:     10,
		OuterGrid:  9,
		Radius:     4,
		Threshold:  20,
		Tau:        10,
	}
}

// TruthShared returns the generating parameter surfaces at the given knots.
func TruthShared(knots []geometry.Knot, tau float64, interceptOnly bool) state.Shared {
	sh := state.Shared{
		Phi:               make([]float64, len(knots)),
		Range:             make([]float64, len(knots)),
		Tau:               tau,
		BetaLogSigma:      []float64{0, 0.25},
		BetaXi:            []float64{0, 0.1},
		SigmaBetaLogSigma: 1,
		SigmaBetaXi:       1,
	}
	if interceptOnly {
		sh.BetaLogSigma = sh.BetaLogSigma[:1]
		sh.BetaXi = sh.BetaXi[:1]
	}
	for k, kn := range knots {
		sh.Range[k] = math.Sqrt(0.3*kn.X+0.4*kn.Y) / 2
		phi := 0.65 - math.Sqrt((kn.X-5.1)*(kn.X-5.1)/5+(kn.Y-5.3)*(kn.Y-5.3)/4)/11.6
		sh.Phi[k] = math.Min(math.Max(phi, 0.05), 0.95)
	}
	return sh
}

// Simulate draws a dataset from the model at the truth surfaces.
//
// Description:
//
//	Sites are scattered uniformly over the domain, knots are laid on the
//	isometric grid, and each replicate draws a Lévy scale field, a Matérn
//	Gaussian field and a Gaussian nugget. Observations are the inverse
//	transform of the noisy copula-scale process.
//
// Inputs:
//
//	cfg - Simulation settings.
//	seed - Seed of the PCG stream; equal seeds give equal datasets.
//
// Outputs:
//
//	*Dataset - The dataset with its Truth filled in.
//	error - Non-nil if the geometry leaves a site uncovered or a draw fails.
func Simulate(cfg SimulateConfig, seed uint64) (*Dataset, error) {
	if cfg.Sites < 1 || cfg.Replicates < 1 {
		return nil, ErrEmpty
	}
	if cfg.FullyMissing >= cfg.Sites {
		return nil, fmt.Errorf("fully missing sites (%d) must leave at least one observed site", cfg.FullyMissing)
	}
	src := rand.NewPCG(seed, 0x5ca1e)
	uni := distuv.Uniform{Min: 0, Max: 1, Src: src}
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	sites := make([]geometry.Site, cfg.Sites)
	for s := range sites {
		sites[s] = geometry.Site{
			X:         cfg.Domain * uni.Rand(),
			Y:         cfg.Domain * uni.Rand(),
			Elevation: 2 * uni.Rand(),
		}
	}
	knots := geometry.KnotGrid(sites, cfg.OuterGrid, cfg.Radius)

	mcfg := model.DefaultConfig(cfg.Threshold)
	mcfg.WendlandRadius = cfg.Radius
	mcfg.InterceptOnly = cfg.InterceptOnly
	m, err := model.New(mcfg, sites, knots)
	if err != nil {
		return nil, err
	}
	truth := &Truth{Shared: TruthShared(knots, cfg.Tau, cfg.InterceptOnly)}
	sf, err := m.Surfaces(truth.Shared, nil)
	if err != nil {
		return nil, fmt.Errorf("truth surfaces: %w", err)
	}
	var lower mat.TriDense
	sf.Chol.LTo(&lower)

	levy := numerics.Levy{Gamma: mcfg.LevyScale, Src: src}
	y := make(Observations, cfg.Replicates)
	for t := range y {
		logS := make([]float64, len(knots))
		for k := range logS {
			logS[k] = math.Log(levy.Rand())
		}
		truth.LogS = append(truth.LogS, logS)

		white := mat.NewVecDense(cfg.Sites, nil)
		for s := 0; s < cfg.Sites; s++ {
			white.SetVec(s, norm.Rand())
		}
		var z mat.VecDense
		z.MulVec(&lower, white)

		xStar := model.XStarFromZ(m.R(logS), z.RawVector().Data, sf)
		y[t] = make([]float64, cfg.Sites)
		for s := range y[t] {
			x := xStar[s] + cfg.Tau*norm.Rand()
			v, err := observe(x, m.CGP(sf, s), m.Mixture(sf, s))
			if err != nil {
				return nil, fmt.Errorf("replicate %d site %d: %w", t, s, err)
			}
			y[t][s] = v
		}
	}

	for t := range y {
		for s := range y[t] {
			if s >= cfg.Sites-cfg.FullyMissing || uni.Rand() < cfg.MissingFraction {
				y[t][s] = math.NaN()
			}
		}
	}
	return &Dataset{Sites: sites, Knots: knots, Threshold: cfg.Threshold, Y: y, Truth: truth}, nil
}

// observe maps a copula-scale draw to the observation scale. Probabilities
// that round to one are pulled just below it.
func observe(x float64, cgp marginal.CGP, mix marginal.Mixture) (float64, error) {
	q, err := mix.CDF(x)
	if err != nil {
		return math.NaN(), err
	}
	return cgp.Quantile(math.Min(q, math.Nextafter(1, 0)))
}
