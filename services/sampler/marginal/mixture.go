// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package marginal

import (
	"fmt"
	"math"
	"sync"

	"github.com/AleutianAI/scalemix/services/sampler/numerics"
	"gonum.org/v1/gonum/integrate/quad"
)

const (
	// nuggetSpan is the half-width, in nugget standard deviations, of the
	// convolution window.
	nuggetSpan = 8.0

	// nuggetNodes is the Gauss-Legendre order of the convolution.
	nuggetNodes = 96

	maxQuantileIter = 200
	maxBracket      = 1e100
)

var (
	nodesOnce sync.Once
	nodeT     []float64 // standardized nugget abscissae
	nodeW     []float64 // quadrature weight times standard normal density
)

func convolutionNodes() ([]float64, []float64) {
	nodesOnce.Do(func() {
		nodeT = make([]float64, nuggetNodes)
		w := make([]float64, nuggetNodes)
		quad.Legendre{}.FixedLocations(nodeT, w, -nuggetSpan, nuggetSpan)
		nodeW = make([]float64, nuggetNodes)
		for i, t := range nodeT {
			nodeW[i] = w[i] * math.Exp(numerics.LogNormPDF(t))
		}
	})
	return nodeT, nodeW
}

// Mixture is the copula-scale law of one site: X = R^φ·W + ε with
// R ~ Lévy(0, GammaBar), W standard Pareto and ε ~ N(0, Tau²).
type Mixture struct {
	Phi      float64
	GammaBar float64
	Tau      float64
}

func (m Mixture) validate() error {
	switch {
	case !(m.Phi > 0 && m.Phi < 1):
		return &DomainError{Func: "mixture", Value: m.Phi, Reason: "phi not in (0,1)"}
	case !(m.GammaBar > 0) || !numerics.IsFinite(m.GammaBar):
		return &DomainError{Func: "mixture", Value: m.GammaBar, Reason: "non-positive scale"}
	case !(m.Tau > 0) || !numerics.IsFinite(m.Tau):
		return &DomainError{Func: "mixture", Value: m.Tau, Reason: "non-positive nugget"}
	}
	return nil
}

// truncatedMoment is M(r) = E[R^φ; R <= r].
func (m Mixture) truncatedMoment(r float64) float64 {
	a := 0.5 - m.Phi
	x := m.GammaBar / (2 * r)
	return math.Pow(m.GammaBar/2, m.Phi) / math.Sqrt(math.Pi) * numerics.UpperIncompleteGamma(a, x)
}

// StarCDF is the distribution function of X* = R^φ·W (no nugget).
func (m Mixture) StarCDF(x float64) float64 {
	if !(x > 0) {
		return 0
	}
	r := math.Pow(x, 1/m.Phi)
	fr := math.Erfc(math.Sqrt(m.GammaBar / (2 * r)))
	return fr - m.truncatedMoment(r)/x
}

// StarPDF is the density of X*, x⁻²·M(x^{1/φ}).
func (m Mixture) StarPDF(x float64) float64 {
	if !(x > 0) {
		return 0
	}
	return m.truncatedMoment(math.Pow(x, 1/m.Phi)) / (x * x)
}

// CDF is pRW, the distribution function of X = X* + ε.
//
// The convolution uses fixed Gauss-Legendre nodes with positive weights, so
// the result is monotone non-decreasing in x.
func (m Mixture) CDF(x float64) (float64, error) {
	if err := m.validate(); err != nil {
		return math.NaN(), err
	}
	return m.cdf(x), nil
}

func (m Mixture) cdf(x float64) float64 {
	ts, ws := convolutionNodes()
	var sum float64
	for i, t := range ts {
		sum += ws[i] * m.StarCDF(x-m.Tau*t)
	}
	return sum
}

// PDF is dRW, the density of X = X* + ε.
func (m Mixture) PDF(x float64) (float64, error) {
	if err := m.validate(); err != nil {
		return math.NaN(), err
	}
	return m.pdf(x), nil
}

func (m Mixture) pdf(x float64) float64 {
	ts, ws := convolutionNodes()
	var sum float64
	for i, t := range ts {
		sum += ws[i] * m.StarPDF(x-m.Tau*t)
	}
	return sum
}

// Quantile is qRW, the inverse of CDF.
//
// Description:
//
//	Brackets the root by doubling from max(τ, 1), then runs Newton steps
//	on pRW(x) - q with dRW as derivative, falling back to bisection whenever
//	a step leaves the bracket.
//
// Inputs:
//
//	q - Probability in (0, 1).
//
// Outputs:
//
//	float64 - x with pRW(x) = q to within relative tolerance 1e-12 in x.
//	error - DomainError for q outside (0,1) or invalid parameters;
//	        NumericalError if no bracket is found.
func (m Mixture) Quantile(q float64) (float64, error) {
	if err := m.validate(); err != nil {
		return math.NaN(), err
	}
	if !(q > 0 && q < 1) {
		return math.NaN(), &DomainError{Func: "qRW", Value: q, Reason: "probability not in (0,1)"}
	}

	lo := -nuggetSpan * m.Tau
	hi := math.Max(m.Tau, 1)
	for m.cdf(hi) < q {
		lo = hi
		hi *= 2
		if hi > maxBracket {
			return math.NaN(), &numerics.NumericalError{Op: "qRW", Value: q,
				Err: fmt.Errorf("no bracket below %g", maxBracket)}
		}
	}

	x := 0.5 * (lo + hi)
	for i := 0; i < maxQuantileIter; i++ {
		f := m.cdf(x) - q
		if f == 0 {
			return x, nil
		}
		if f < 0 {
			lo = x
		} else {
			hi = x
		}
		next := 0.5 * (lo + hi)
		if d := m.pdf(x); d > 0 {
			if nx := x - f/d; nx > lo && nx < hi {
				next = nx
			}
		}
		if math.Abs(next-x) <= 1e-12*math.Max(1, math.Abs(x)) || hi-lo <= 1e-13*math.Max(1, math.Abs(x)) {
			return next, nil
		}
		x = next
	}
	return x, nil
}
