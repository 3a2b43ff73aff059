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
	"fmt"
	"math"

	"github.com/AleutianAI/scalemix/services/sampler/covariance"
	"github.com/AleutianAI/scalemix/services/sampler/marginal"
	"github.com/AleutianAI/scalemix/services/sampler/numerics"
	"github.com/AleutianAI/scalemix/services/sampler/state"
)

// R aggregates the knot scale field into site values, R_s = Σ_k W[s,k]·e^{S_k}.
func (m *Model) R(logS []float64) []float64 {
	ns, nk := m.Wendland.Dims()
	r := make([]float64, ns)
	for s := 0; s < ns; s++ {
		var sum float64
		for k := 0; k < nk; k++ {
			if w := m.Wendland.At(s, k); w != 0 {
				sum += w * math.Exp(logS[k])
			}
		}
		r[s] = sum
	}
	return r
}

// XStarFromZ is X* = R^φ / (1 − Φ(Z)).
func XStarFromZ(r, z []float64, sf *Surfaces) []float64 {
	out := make([]float64, len(z))
	for s := range z {
		out[s] = math.Pow(r[s], sf.Phi[s]) / numerics.NormCDF(-z[s])
	}
	return out
}

// ZFromXStar inverts XStarFromZ, Z = Φ⁻¹(1 − R^φ/X*).
//
// X* must exceed R^φ at every site; otherwise Z is undefined and a
// NumericalError is returned.
func ZFromXStar(r, xStar []float64, sf *Surfaces) ([]float64, error) {
	z := make([]float64, len(xStar))
	for s := range xStar {
		v := math.Pow(r[s], sf.Phi[s]) / xStar[s]
		if !(v > 0 && v < 1) {
			return nil, &numerics.NumericalError{Op: "gaussian field", Value: v,
				Err: fmt.Errorf("site %d: R^phi/X* outside (0,1)", s)}
		}
		z[s] = -numerics.NormQuantile(v)
		if !numerics.IsFinite(z[s]) {
			return nil, numerics.NonFinite("gaussian field", z[s])
		}
	}
	return z, nil
}

// Transforms evaluates the X*-independent part of each site likelihood.
func (m *Model) Transforms(y []float64, sf *Surfaces) ([]marginal.SiteTransform, error) {
	out := make([]marginal.SiteTransform, len(y))
	for s := range y {
		st, err := marginal.Transform(y[s], m.CGP(sf, s), m.Mixture(sf, s))
		if err != nil {
			return nil, fmt.Errorf("site %d: %w", s, err)
		}
		out[s] = st
	}
	return out, nil
}

// MarginalLogLik sums the censored and exceedance site terms.
func MarginalLogLik(tr []marginal.SiteTransform, xStar []float64, tau float64) (censored, exceed float64) {
	for s, st := range tr {
		ll := st.LogLikelihood(xStar[s], tau)
		if st.Censored {
			censored += ll
		} else {
			exceed += ll
		}
	}
	return censored, exceed
}

// LatentLogLik is the log density of X* given R: the Gaussian density of Z
// plus the Jacobian of Z → X*.
func LatentLogLik(xStar, r, z []float64, sf *Surfaces) (float64, error) {
	mvn, err := covariance.MVNLogDensity(z, sf.Chol)
	if err != nil {
		return math.NaN(), err
	}
	ll := mvn
	for s := range z {
		logRPhi := sf.Phi[s] * math.Log(r[s])
		logW := math.Log(xStar[s]) - logRPhi
		ll += -2*logW - logRPhi - numerics.LogNormPDF(z[s])
	}
	return ll, nil
}

// LogLik is the full log likelihood of one replicate. It also returns the
// Gaussian field derived from X*.
func (m *Model) LogLik(tr []marginal.SiteTransform, logS, xStar []float64, sf *Surfaces) (state.LikTerms, []float64, error) {
	r := m.R(logS)
	z, err := ZFromXStar(r, xStar, sf)
	if err != nil {
		return state.LikTerms{}, nil, err
	}
	latent, err := LatentLogLik(xStar, r, z, sf)
	if err != nil {
		return state.LikTerms{}, nil, err
	}
	cens, exc := MarginalLogLik(tr, xStar, sf.Tau)
	terms := state.LikTerms{Censored: cens, Exceed: exc, Latent: latent}
	if !numerics.IsFinite(terms.Sum()) {
		return terms, z, numerics.NonFinite("log likelihood", terms.Sum())
	}
	return terms, z, nil
}

// GaussianFieldTarget is the log target of a random-walk move on Z with R
// held fixed: the marginal term at X*(Z) plus the Gaussian density of Z. The
// Jacobian of Z → X* cancels against the change of variables.
func (m *Model) GaussianFieldTarget(tr []marginal.SiteTransform, r, z []float64, sf *Surfaces) (float64, []float64, error) {
	xStar := XStarFromZ(r, z, sf)
	mvn, err := covariance.MVNLogDensity(z, sf.Chol)
	if err != nil {
		return math.NaN(), nil, err
	}
	cens, exc := MarginalLogLik(tr, xStar, sf.Tau)
	total := cens + exc + mvn
	if !numerics.IsFinite(total) {
		return total, xStar, numerics.NonFinite("gaussian field target", total)
	}
	return total, xStar, nil
}

// ScaleUpperBound is the largest log S_i that keeps R_s^φ_s ≤ X*_s at every
// site knot i supports:
//
//	ub = log min_{s: w_si ≠ 0} (X*_s^{1/φ_s} − Σ_{j≠i} w_sj e^{S_j}) / w_si
//
// It is +Inf when knot i supports no site and may be NaN or −Inf when the
// current state leaves no room; callers treat those as rejections.
func (m *Model) ScaleUpperBound(i int, logS, xStar []float64, sf *Surfaces) float64 {
	ns, nk := m.Wendland.Dims()
	bound := math.Inf(1)
	for s := 0; s < ns; s++ {
		wi := m.Wendland.At(s, i)
		if wi == 0 {
			continue
		}
		var others float64
		for j := 0; j < nk; j++ {
			if j != i {
				others += m.Wendland.At(s, j) * math.Exp(logS[j])
			}
		}
		room := (math.Pow(xStar[s], 1/sf.Phi[s]) - others) / wi
		if room < bound || math.IsNaN(room) {
			bound = room
			if math.IsNaN(room) {
				break
			}
		}
	}
	return math.Log(bound)
}
