// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package initialize builds the starting state of a fresh run from the data.
//
// Marginal coefficients come from per-site GPD method-of-moments fits
// regressed on the design; knot ranges from empirical variograms of normal
// scores; the latent fields from a draw of the Gaussian field with the
// scale field matched to the transformed data.
package initialize

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/AleutianAI/scalemix/services/sampler/dataset"
	"github.com/AleutianAI/scalemix/services/sampler/geometry"
	"github.com/AleutianAI/scalemix/services/sampler/marginal"
	"github.com/AleutianAI/scalemix/services/sampler/model"
	"github.com/AleutianAI/scalemix/services/sampler/numerics"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Options tunes the estimator.
type Options struct {
	// Tau is the starting nugget scale.
	Tau float64

	// Phi is the starting dependence parameter at every knot.
	Phi float64

	// RangeMin and RangeMax clamp the variogram range estimates.
	RangeMin float64
	RangeMax float64

	// DefaultRange is used at knots with too few site pairs to fit.
	DefaultRange float64

	Seed   uint64
	Logger *slog.Logger
}

// DefaultOptions returns the standard starting values.
func DefaultOptions(seed uint64) Options {
	return Options{Tau: 10, Phi: 0.5, RangeMin: 0.01, RangeMax: 4, DefaultRange: 1, Seed: seed}
}

// Estimate returns iteration 0 of a run: shared parameters, one Local per
// replicate with missing values imputed, and the log likelihood of each
// replicate. Adaptation snapshots are left for the caller.
func Estimate(m *model.Model, ds *dataset.Dataset, opts Options) (*state.SamplerState, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "initialize"))
	if ds.NumSites() != m.NumSites() {
		return nil, fmt.Errorf("%w: dataset has %d sites, model %d", model.ErrShape, ds.NumSites(), m.NumSites())
	}
	src := rand.NewPCG(opts.Seed, 1<<63)

	betaLogSigma, betaXi := MarginalCoefficients(m, ds)
	ranges := KnotRanges(m, ds, opts)
	phi := make([]float64, m.NumKnots())
	floats.AddConst(opts.Phi, phi)

	sh := state.Shared{
		Phi:               phi,
		Range:             ranges,
		Tau:               opts.Tau,
		BetaLogSigma:      betaLogSigma,
		BetaXi:            betaXi,
		SigmaBetaLogSigma: 1,
		SigmaBetaXi:       1,
	}
	logger.Info("initial shared parameters",
		slog.Any("range", ranges),
		slog.Any("beta_logsigma", betaLogSigma),
		slog.Any("beta_xi", betaXi))

	sf, err := m.Surfaces(sh, nil)
	if err != nil {
		return nil, fmt.Errorf("initial surfaces: %w", err)
	}

	out := &state.SamplerState{Shared: sh}
	gauss := distmv.NewNormalChol(make([]float64, m.NumSites()), sf.Chol, src)
	noise := rand.New(src)
	for t := 0; t < ds.NumReplicates(); t++ {
		local, terms, err := initLocal(m, ds, sf, phi, t, gauss.Rand(nil), noise)
		if err != nil {
			return nil, fmt.Errorf("replicate %d: %w", t, err)
		}
		out.Locals = append(out.Locals, local)
		out.LikDetail = append(out.LikDetail, terms)
		out.LogLik += terms.Sum()
	}
	return out, nil
}

// initLocal sets up one replicate from a Gaussian field draw z.
func initLocal(m *model.Model, ds *dataset.Dataset, sf *model.Surfaces, knotPhi []float64, t int, z []float64, noise *rand.Rand) (state.Local, state.LikTerms, error) {
	ns, nk := m.NumSites(), m.NumKnots()
	missing := ds.Missing(t)

	// Common scale: the median ratio of transformed data to g(Z), raised to
	// 1/φ at every knot.
	var ratios []float64
	for s := 0; s < ns; s++ {
		if missing[s] {
			continue
		}
		x, err := marginal.ForwardTransform(ds.Y[t][s], m.CGP(sf, s), m.Mixture(sf, s))
		if err != nil || !numerics.IsFinite(x) {
			continue
		}
		if r := x * numerics.NormCDF(-z[s]); r > 0 {
			ratios = append(ratios, r)
		}
	}
	logS := make([]float64, nk)
	for k := range logS {
		if len(ratios) > 0 {
			logS[k] = math.Log(median(ratios)) / knotPhi[k]
		}
	}

	r := m.R(logS)
	xStar := model.XStarFromZ(r, z, sf)
	zz, err := model.ZFromXStar(r, xStar, sf)
	if err != nil {
		return state.Local{}, state.LikTerms{}, err
	}

	y := slices.Clone(ds.Y[t])
	censored := make([]bool, ns)
	for s := range y {
		cgp := m.CGP(sf, s)
		if missing[s] {
			x := xStar[s] + sf.Tau*noise.NormFloat64()
			v, err := marginal.InverseTransform(x, cgp, m.Mixture(sf, s))
			if err != nil || !numerics.IsFinite(v) {
				v = cgp.U
			}
			y[s] = v
		}
		censored[s] = cgp.Censored(y[s])
	}

	tr, err := m.Transforms(y, sf)
	if err != nil {
		return state.Local{}, state.LikTerms{}, err
	}
	terms, _, err := m.LogLik(tr, logS, xStar, sf)
	if err != nil {
		return state.Local{}, state.LikTerms{}, err
	}
	return state.Local{
		T:        t,
		LogS:     logS,
		Z:        zz,
		XStar:    xStar,
		Y:        y,
		Censored: censored,
		Missing:  missing,
	}, terms, nil
}

func median(v []float64) float64 {
	s := slices.Clone(v)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}

// MarginalCoefficients fits a GPD to each site's exceedances by the method
// of moments and regresses log σ and ξ on the design. Fitted shapes are
// kept non-negative at every site.
func MarginalCoefficients(m *model.Model, ds *dataset.Dataset) (betaLogSigma, betaXi []float64) {
	u := m.Config.Threshold
	c := m.NumCovariates()
	var rows []int
	var logSigma, xi []float64
	for s := 0; s < ds.NumSites(); s++ {
		var excess []float64
		for _, v := range ds.Observed(s) {
			if v > u {
				excess = append(excess, v-u)
			}
		}
		if len(excess) < 3 {
			continue
		}
		mean, variance := stat.MeanVariance(excess, nil)
		if !(variance > 0) {
			continue
		}
		ratio := mean * mean / variance
		rows = append(rows, s)
		logSigma = append(logSigma, math.Log(0.5*mean*(ratio+1)))
		xi = append(xi, math.Max(0.5*(1-ratio), 0))
	}

	betaLogSigma = make([]float64, c)
	betaXi = make([]float64, c)
	switch {
	case len(rows) == 0:
		betaLogSigma[0] = math.Log(fallbackScale(ds, u))
		betaXi[0] = 0.1
		return betaLogSigma, betaXi
	case len(rows) < c:
		betaLogSigma[0] = stat.Mean(logSigma, nil)
		betaXi[0] = stat.Mean(xi, nil)
		return betaLogSigma, betaXi
	}

	design := mat.NewDense(len(rows), c, nil)
	for i, s := range rows {
		design.SetRow(i, mat.Row(nil, s, m.Design))
	}
	if b, ok := leastSquares(design, logSigma); ok {
		betaLogSigma = b
	} else {
		betaLogSigma[0] = stat.Mean(logSigma, nil)
	}
	if b, ok := leastSquares(design, xi); ok {
		betaXi = b
	} else {
		betaXi[0] = stat.Mean(xi, nil)
	}

	fitted := mat.NewVecDense(m.NumSites(), nil)
	fitted.MulVec(m.Design, mat.NewVecDense(c, betaXi))
	if lo := floats.Min(fitted.RawVector().Data); lo < 0 {
		betaXi[0] -= lo
	}
	return betaLogSigma, betaXi
}

func leastSquares(a *mat.Dense, b []float64) ([]float64, bool) {
	var x mat.VecDense
	if err := x.SolveVec(a, mat.NewVecDense(len(b), slices.Clone(b))); err != nil {
		return nil, false
	}
	out := slices.Clone(x.RawVector().Data)
	return out, numerics.AllFinite(out...)
}

// fallbackScale is the mean excess over every site, or 1.
func fallbackScale(ds *dataset.Dataset, u float64) float64 {
	var excess []float64
	for s := 0; s < ds.NumSites(); s++ {
		for _, v := range ds.Observed(s) {
			if v > u {
				excess = append(excess, v-u)
			}
		}
	}
	if len(excess) == 0 {
		return 1
	}
	return stat.Mean(excess, nil)
}

// KnotRanges fits an exponential variogram to the normal scores of the sites
// inside each knot's radius.
func KnotRanges(m *model.Model, ds *dataset.Dataset, opts Options) []float64 {
	scores := normalScores(ds)
	out := make([]float64, m.NumKnots())
	for k := range m.Knots {
		var members []int
		for s := range m.Sites {
			if m.Wendland.At(s, k) > 0 {
				members = append(members, s)
			}
		}
		rho, ok := fitRange(m.Sites, members, scores)
		if !ok {
			rho = opts.DefaultRange
		}
		out[k] = math.Min(math.Max(rho, opts.RangeMin), opts.RangeMax)
	}
	return out
}

// normalScores maps each replicate's observed values to Φ⁻¹ of their ranks.
func normalScores(ds *dataset.Dataset) [][]float64 {
	out := make([][]float64, ds.NumReplicates())
	for t, row := range ds.Y {
		out[t] = make([]float64, len(row))
		var vals []float64
		var idx []int
		for s, v := range row {
			out[t][s] = math.NaN()
			if !math.IsNaN(v) {
				vals = append(vals, v)
				idx = append(idx, s)
			}
		}
		inds := make([]int, len(vals))
		floats.Argsort(vals, inds)
		n := float64(len(vals) + 1)
		for rank, i := range inds {
			out[t][idx[i]] = numerics.NormQuantile(float64(rank+1) / n)
		}
	}
	return out
}

const variogramBins = 10

// fitRange bins the empirical semivariogram of the member sites and fits
// c·(1 − exp(−h/ρ)) by Nelder–Mead on (log c, log ρ).
func fitRange(sites []geometry.Site, members []int, scores [][]float64) (float64, bool) {
	type pair struct{ h, gamma float64 }
	var pairs []pair
	var maxH float64
	for a := 0; a < len(members); a++ {
		for b := a + 1; b < len(members); b++ {
			i, j := members[a], members[b]
			var sum float64
			var n int
			for _, row := range scores {
				if !math.IsNaN(row[i]) && !math.IsNaN(row[j]) {
					d := row[i] - row[j]
					sum += 0.5 * d * d
					n++
				}
			}
			if n == 0 {
				continue
			}
			h := geometry.Distance(sites[i].X, sites[i].Y, sites[j].X, sites[j].Y)
			pairs = append(pairs, pair{h, sum / float64(n)})
			maxH = math.Max(maxH, h)
		}
	}
	if len(pairs) < 3 || !(maxH > 0) {
		return 0, false
	}

	var centers, gammas, counts [variogramBins]float64
	width := maxH / variogramBins
	for _, p := range pairs {
		b := min(int(p.h/width), variogramBins-1)
		centers[b] += p.h
		gammas[b] += p.gamma
		counts[b]++
	}
	var hs, gs, ws []float64
	for b := range counts {
		if counts[b] > 0 {
			hs = append(hs, centers[b]/counts[b])
			gs = append(gs, gammas[b]/counts[b])
			ws = append(ws, counts[b])
		}
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			c, rho := math.Exp(x[0]), math.Exp(x[1])
			var loss float64
			for i, h := range hs {
				r := gs[i] - c*(1-math.Exp(-h/rho))
				loss += ws[i] * r * r
			}
			return loss
		},
	}
	res, err := optimize.Minimize(problem, []float64{0, math.Log(maxH / 3)}, nil, &optimize.NelderMead{})
	if err != nil && res == nil {
		return 0, false
	}
	rho := math.Exp(res.X[1])
	return rho, numerics.IsFinite(rho)
}
