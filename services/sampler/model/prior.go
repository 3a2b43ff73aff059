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

	"github.com/AleutianAI/scalemix/services/sampler/numerics"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"gonum.org/v1/gonum/stat/distuv"
)

// Priors holds the prior hyperparameters.
type Priors struct {
	// RangeUpper bounds the uniform range prior.
	RangeUpper float64

	// TauScale is the half-Cauchy scale of the nugget.
	TauScale float64

	// SigmaBetaScale is the half-t scale of the coefficient prior scales.
	SigmaBetaScale float64

	// LevyScale is γ of the scale field.
	LevyScale float64
}

// DefaultPriors returns the standard hyperparameters.
func DefaultPriors() Priors {
	return Priors{RangeUpper: 50, TauScale: 10, SigmaBetaScale: 1, LevyScale: 0.5}
}

// LogScale is the prior of a log scale field: Lévy density of e^S plus the
// log Jacobian S.
func (p Priors) LogScale(logS []float64) float64 {
	var lp float64
	for _, s := range logS {
		lp += numerics.LogScalePrior(s, p.LevyScale)
	}
	return lp
}

// LogPhi is a product of U(0,1) densities.
func (p Priors) LogPhi(phi []float64) float64 {
	for _, v := range phi {
		if !(v > 0 && v < 1) {
			return math.Inf(-1)
		}
	}
	return 0
}

// LogRange is a product of U(0, RangeUpper] densities.
func (p Priors) LogRange(r []float64) float64 {
	for _, v := range r {
		if !(v > 0 && v <= p.RangeUpper) {
			return math.Inf(-1)
		}
	}
	return -float64(len(r)) * math.Log(p.RangeUpper)
}

// LogBeta is a product of N(0, sigma²) densities.
func (p Priors) LogBeta(beta []float64, sigma float64) float64 {
	if !(sigma > 0) {
		return math.Inf(-1)
	}
	n := distuv.Normal{Mu: 0, Sigma: sigma}
	var lp float64
	for _, b := range beta {
		lp += n.LogProb(b)
	}
	return lp
}

// LogSigmaBeta is the half-t (ν = 2) density of a coefficient prior scale.
func (p Priors) LogSigmaBeta(s float64) float64 {
	return halfStudentsT(s, p.SigmaBetaScale, 2)
}

// LogTau is the half-Cauchy density of the nugget.
func (p Priors) LogTau(tau float64) float64 {
	return halfStudentsT(tau, p.TauScale, 1)
}

func halfStudentsT(x, scale, nu float64) float64 {
	if !(x > 0) {
		return math.Inf(-1)
	}
	return distuv.StudentsT{Mu: 0, Sigma: scale, Nu: nu}.LogProb(x) + math.Ln2
}

// LogShared is the prior of every shared parameter.
func (p Priors) LogShared(sh state.Shared) float64 {
	return p.LogPhi(sh.Phi) +
		p.LogRange(sh.Range) +
		p.LogTau(sh.Tau) +
		p.LogBeta(sh.BetaLogSigma, sh.SigmaBetaLogSigma) +
		p.LogBeta(sh.BetaXi, sh.SigmaBetaXi) +
		p.LogSigmaBeta(sh.SigmaBetaLogSigma) +
		p.LogSigmaBeta(sh.SigmaBetaXi)
}
