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
	"math"

	"github.com/AleutianAI/scalemix/services/sampler/numerics"
)

// ForwardTransform maps an observation to the copula scale, qRW(pCGP(y)).
// Censored observations map to qRW(p).
func ForwardTransform(y float64, cgp CGP, mix Mixture) (float64, error) {
	q, err := cgp.Prob(y)
	if err != nil {
		return math.NaN(), err
	}
	return mix.Quantile(q)
}

// InverseTransform maps a copula-scale value back to an observation,
// qCGP(pRW(x)).
func InverseTransform(x float64, cgp CGP, mix Mixture) (float64, error) {
	q, err := mix.CDF(x)
	if err != nil {
		return math.NaN(), err
	}
	return cgp.Quantile(q)
}

// SiteTransform caches the parts of a site likelihood that do not depend on
// the latent process X*.
type SiteTransform struct {
	Censored bool

	// X is qRW(p) for a censored site and qRW(pCGP(y)) for an exceedance.
	X float64

	// LogJacobian is log dCGP(y) - log dRW(X); zero for censored sites.
	LogJacobian float64
}

// Transform evaluates the X*-independent part of a site likelihood.
func Transform(y float64, cgp CGP, mix Mixture) (SiteTransform, error) {
	x, err := ForwardTransform(y, cgp, mix)
	if err != nil {
		return SiteTransform{}, err
	}
	if cgp.Censored(y) {
		return SiteTransform{Censored: true, X: x}, nil
	}
	ld, err := cgp.LogDensity(y)
	if err != nil {
		return SiteTransform{}, err
	}
	dx, err := mix.PDF(x)
	if err != nil {
		return SiteTransform{}, err
	}
	jac := ld - math.Log(dx)
	if !numerics.IsFinite(jac) {
		return SiteTransform{}, numerics.NonFinite("marginal jacobian", jac)
	}
	return SiteTransform{X: x, LogJacobian: jac}, nil
}

// LogLikelihood completes the site likelihood given the latent value X*.
//
// Censored: log Φ((X - X*)/τ). Exceedance: log φ_τ(X - X*) + LogJacobian.
func (st SiteTransform) LogLikelihood(xStar, tau float64) float64 {
	d := (st.X - xStar) / tau
	if st.Censored {
		return numerics.LogNormCDF(d)
	}
	return numerics.LogNormPDF(d) - math.Log(tau) + st.LogJacobian
}

// CensoredLogLikelihood is the marginal log likelihood of one observation
// given its latent value X*.
func CensoredLogLikelihood(y, xStar float64, cgp CGP, mix Mixture) (float64, error) {
	st, err := Transform(y, cgp, mix)
	if err != nil {
		return math.NaN(), err
	}
	ll := st.LogLikelihood(xStar, mix.Tau)
	if math.IsNaN(ll) {
		return ll, numerics.NonFinite("marginal likelihood", ll)
	}
	return ll, nil
}
