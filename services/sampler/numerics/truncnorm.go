// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package numerics

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// tailSwitch is the standardized distance into a tail beyond which inverse-CDF
// sampling loses precision and exponential rejection is used instead.
const tailSwitch = 5.0

// TruncatedNormal is a normal distribution restricted to [Lower, Upper].
//
// Lower may be -Inf and Upper may be +Inf. The zero value is not usable;
// construct with NewTruncatedNormal.
type TruncatedNormal struct {
	Mu    float64
	Sigma float64
	Lower float64
	Upper float64

	a, b    float64 // standardized bounds
	logMass float64 // log(Φ(b) - Φ(a))
}

// NewTruncatedNormal validates the parameters and precomputes the normalizer.
//
// Inputs:
//
//	mu, sigma - Location and positive scale of the parent normal.
//	lower, upper - Truncation bounds, lower < upper.
//
// Outputs:
//
//	TruncatedNormal - Ready for Rand and LogProb.
//	error - ErrInvalidBounds if the support is empty or has no mass, or a
//	        NumericalError for non-finite location/scale.
func NewTruncatedNormal(mu, sigma, lower, upper float64) (TruncatedNormal, error) {
	if !IsFinite(mu) || !IsFinite(sigma) || sigma <= 0 {
		return TruncatedNormal{}, &NumericalError{Op: "truncnorm", Value: sigma,
			Err: fmt.Errorf("mu=%v sigma=%v", mu, sigma)}
	}
	if math.IsNaN(lower) || math.IsNaN(upper) || !(lower < upper) {
		return TruncatedNormal{}, fmt.Errorf("%w: [%v, %v]", ErrInvalidBounds, lower, upper)
	}
	tn := TruncatedNormal{
		Mu:    mu,
		Sigma: sigma,
		Lower: lower,
		Upper: upper,
		a:     (lower - mu) / sigma,
		b:     (upper - mu) / sigma,
	}
	tn.logMass = logDiffNormCDF(tn.a, tn.b)
	if math.IsInf(tn.logMass, -1) || math.IsNaN(tn.logMass) {
		return TruncatedNormal{}, fmt.Errorf("%w: no mass in [%v, %v]", ErrInvalidBounds, tn.a, tn.b)
	}
	return tn, nil
}

// LogProb returns the log density at x, -Inf outside the bounds.
func (tn TruncatedNormal) LogProb(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	if x < tn.Lower || x > tn.Upper {
		return math.Inf(-1)
	}
	z := (x - tn.Mu) / tn.Sigma
	return LogNormPDF(z) - math.Log(tn.Sigma) - tn.logMass
}

// Rand draws one value from the distribution.
//
// Description:
//
//	Uses inverse-CDF sampling when the admissible region carries reasonable
//	mass, and Robert's exponential rejection sampler when the region lies
//	deep in one tail. The result is clamped to [Lower, Upper] so rounding in
//	the back-transform can never leave the support.
//
// Inputs:
//
//	src - Random source. Must not be nil.
//
// Outputs:
//
//	float64 - A draw satisfying Lower <= x <= Upper.
func (tn TruncatedNormal) Rand(src rand.Source) float64 {
	var z float64
	switch {
	case tn.b < -tailSwitch:
		// Region (-inf or a, b] far in the lower tail: reflect to [-b, -a).
		z = -tailDraw(-tn.b, -tn.a, src)
	case tn.a > tailSwitch:
		z = tailDraw(tn.a, tn.b, src)
	default:
		z = tn.inverseCDF(src)
	}
	z = math.Max(tn.a, math.Min(tn.b, z))
	x := tn.Mu + tn.Sigma*z
	return math.Max(tn.Lower, math.Min(tn.Upper, x))
}

func (tn TruncatedNormal) inverseCDF(src rand.Source) float64 {
	u := distuv.Uniform{Min: 0, Max: 1, Src: src}.Rand()
	pa := NormCDF(tn.a)
	pb := NormCDF(tn.b)
	return NormQuantile(pa + u*(pb-pa))
}

// tailDraw samples a standard normal restricted to [lo, hi) with lo > 0 using
// an exponential proposal with the optimal rate for the bound.
func tailDraw(lo, hi float64, src rand.Source) float64 {
	unif := distuv.Uniform{Min: 0, Max: 1, Src: src}
	if hi-lo < 1/lo {
		// Narrow window: uniform proposal, acceptance at least e^-1.5.
		for {
			z := lo + (hi-lo)*unif.Rand()
			if unif.Rand() <= math.Exp(-0.5*(z*z-lo*lo)) {
				return z
			}
		}
	}
	alpha := (lo + math.Sqrt(lo*lo+4)) / 2
	exp := distuv.Exponential{Rate: alpha, Src: src}
	for {
		z := lo + exp.Rand()
		if z >= hi {
			continue
		}
		d := z - alpha
		if unif.Rand() <= math.Exp(-0.5*d*d) {
			return z
		}
	}
}
