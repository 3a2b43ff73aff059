// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package marginal converts observations to and from the copula scale and
// evaluates the censored/exceedance marginal likelihood.
//
// Observations follow a censored generalized Pareto (CGP) law: a point mass
// of probability p at or below the threshold u and a GPD tail above it. The
// copula scale is the scale mixture X = R^φ·W + ε, whose distribution
// functions are provided by Mixture.
package marginal

import (
	"fmt"
	"math"

	"github.com/AleutianAI/scalemix/services/sampler/numerics"
)

// xiZero is the |ξ| below which the exponential limit of the GPD is used.
const xiZero = 1e-12

// DomainError reports a transform evaluated outside its valid support.
//
// For acceptance purposes it is treated as a numerical failure, but it is
// logged more loudly because it usually signals a mistuned proposal.
type DomainError struct {
	Func   string
	Value  float64
	Reason string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %v outside support (%s)", e.Func, e.Value, e.Reason)
}

// GPD is the generalized Pareto distribution of threshold excesses.
type GPD struct {
	Sigma float64
	Xi    float64
}

func (g GPD) validate(fn string) error {
	if !(g.Sigma > 0) || !numerics.IsFinite(g.Sigma) || !numerics.IsFinite(g.Xi) {
		return &DomainError{Func: fn, Value: g.Sigma, Reason: fmt.Sprintf("scale %v shape %v", g.Sigma, g.Xi)}
	}
	return nil
}

// inSupport reports whether an excess e lies in the GPD support.
func (g GPD) inSupport(e float64) bool {
	if e < 0 {
		return false
	}
	return g.Xi >= 0 || e < -g.Sigma/g.Xi
}

// CDF is P(excess <= e).
func (g GPD) CDF(e float64) (float64, error) {
	if err := g.validate("gpd cdf"); err != nil {
		return math.NaN(), err
	}
	if e <= 0 {
		return 0, nil
	}
	if !g.inSupport(e) {
		return math.NaN(), &DomainError{Func: "gpd cdf", Value: e, Reason: "beyond upper endpoint"}
	}
	if math.Abs(g.Xi) < xiZero {
		return -math.Expm1(-e / g.Sigma), nil
	}
	return -math.Expm1(-math.Log1p(g.Xi*e/g.Sigma) / g.Xi), nil
}

// Quantile inverts CDF for q in [0, 1).
func (g GPD) Quantile(q float64) (float64, error) {
	if err := g.validate("gpd quantile"); err != nil {
		return math.NaN(), err
	}
	if !(q >= 0 && q < 1) {
		return math.NaN(), &DomainError{Func: "gpd quantile", Value: q, Reason: "probability not in [0,1)"}
	}
	if math.Abs(g.Xi) < xiZero {
		return -g.Sigma * math.Log1p(-q), nil
	}
	return g.Sigma / g.Xi * math.Expm1(-g.Xi*math.Log1p(-q)), nil
}

// LogPDF is the log density of an excess e.
func (g GPD) LogPDF(e float64) (float64, error) {
	if err := g.validate("gpd density"); err != nil {
		return math.NaN(), err
	}
	if !g.inSupport(e) {
		return math.NaN(), &DomainError{Func: "gpd density", Value: e, Reason: "outside [0, endpoint)"}
	}
	if math.Abs(g.Xi) < xiZero {
		return -math.Log(g.Sigma) - e/g.Sigma, nil
	}
	return -math.Log(g.Sigma) - (1/g.Xi+1)*math.Log1p(g.Xi*e/g.Sigma), nil
}

// CGP is the censored generalized Pareto marginal of one site.
type CGP struct {
	// P is the probability mass at or below the threshold.
	P float64

	// U is the threshold on the observation scale.
	U float64

	GPD
}

// Censored reports whether y falls at or below the threshold.
func (c CGP) Censored(y float64) bool {
	return y <= c.U
}

// Prob maps an observation to its probability, p for censored values.
func (c CGP) Prob(y float64) (float64, error) {
	if math.IsNaN(y) {
		return math.NaN(), &DomainError{Func: "pCGP", Value: y, Reason: "missing observation"}
	}
	if c.Censored(y) {
		return c.P, nil
	}
	f, err := c.GPD.CDF(y - c.U)
	if err != nil {
		return math.NaN(), err
	}
	return c.P + (1-c.P)*f, nil
}

// Quantile maps a probability back to the observation scale; probabilities
// at or below p collapse to the threshold.
func (c CGP) Quantile(q float64) (float64, error) {
	if !(q >= 0 && q < 1) {
		return math.NaN(), &DomainError{Func: "qCGP", Value: q, Reason: "probability not in [0,1)"}
	}
	if q <= c.P {
		return c.U, nil
	}
	e, err := c.GPD.Quantile((q - c.P) / (1 - c.P))
	if err != nil {
		return math.NaN(), err
	}
	return c.U + e, nil
}

// LogDensity is log((1-p)·f_GPD(y-u)) for an exceedance y.
func (c CGP) LogDensity(y float64) (float64, error) {
	if c.Censored(y) {
		return math.NaN(), &DomainError{Func: "dCGP", Value: y, Reason: "not an exceedance"}
	}
	lp, err := c.GPD.LogPDF(y - c.U)
	if err != nil {
		return math.NaN(), err
	}
	return math.Log1p(-c.P) + lp, nil
}
