// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the Metropolis-Hastings step shared by every
// block: proposal construction, the Hastings ratio, the accept decision and
// the bookkeeping of rejected proposals.
//
// Numerical failures are never fatal here. A proposal whose likelihood,
// prior or proposal density cannot be evaluated is rejected and tallied.
package engine

import (
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/AleutianAI/scalemix/services/sampler/marginal"
	"github.com/AleutianAI/scalemix/services/sampler/numerics"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Terms are the six log quantities of a Metropolis-Hastings ratio.
type Terms struct {
	LikProposal   float64
	PriorProposal float64

	// ReverseProposal is log q(current | proposal).
	ReverseProposal float64

	LikCurrent   float64
	PriorCurrent float64

	// ForwardProposal is log q(proposal | current).
	ForwardProposal float64
}

// Ratio is min(1, exp(Δlik + Δprior + hastings)). If any of the six terms,
// or the exponentiated sum, is not finite the ratio is zero.
func (t Terms) Ratio() float64 {
	if !numerics.AllFinite(t.LikProposal, t.PriorProposal, t.ReverseProposal,
		t.LikCurrent, t.PriorCurrent, t.ForwardProposal) {
		return 0
	}
	r := math.Exp((t.LikProposal - t.LikCurrent) +
		(t.PriorProposal - t.PriorCurrent) +
		(t.ReverseProposal - t.ForwardProposal))
	if !numerics.IsFinite(r) {
		return 0
	}
	return math.Min(1, r)
}

// Accept reports whether a step with uniform draw u is accepted.
func Accept(u float64, t Terms) bool {
	return u <= t.Ratio() && t.Ratio() > 0
}

// RandomWalk draws current + N(0, cov).
func RandomWalk(current []float64, cov mat.Symmetric, src rand.Source) ([]float64, error) {
	dist, ok := distmv.NewNormal(current, cov, src)
	if !ok {
		return nil, &numerics.NumericalError{Op: "random walk proposal",
			Err: errors.New("proposal covariance is not positive definite")}
	}
	return dist.Rand(nil), nil
}

// TruncatedStep draws a single-coordinate proposal from N(current, σ²)
// truncated above at ub and returns both proposal densities. The reverse
// density uses the same bound, which does not move while the coordinate
// changes.
func TruncatedStep(current, sigma, ub float64, src rand.Source) (proposal, forward, reverse float64, err error) {
	if math.IsNaN(ub) || math.IsInf(ub, -1) {
		return math.NaN(), 0, 0, numerics.NonFinite("truncation bound", ub)
	}
	fwd, err := numerics.NewTruncatedNormal(current, sigma, math.Inf(-1), ub)
	if err != nil {
		return math.NaN(), 0, 0, err
	}
	proposal = math.Min(fwd.Rand(src), ub)
	rev, err := numerics.NewTruncatedNormal(proposal, sigma, math.Inf(-1), ub)
	if err != nil {
		return math.NaN(), 0, 0, err
	}
	return proposal, fwd.LogProb(proposal), rev.LogProb(current), nil
}

// Recorder tallies proposal outcomes per block and logs rejected
// evaluations.
//
// Thread Safety: not safe for concurrent use; each role owns one.
type Recorder struct {
	tallies state.Tallies
	logger  *slog.Logger
	warn    *rate.Sometimes
}

// NewRecorder starts from the given tallies, which may be nil.
func NewRecorder(logger *slog.Logger, initial state.Tallies) *Recorder {
	t := initial.Clone()
	if t == nil {
		t = state.Tallies{}
	}
	return &Recorder{
		tallies: t,
		logger:  logger,
		warn:    &rate.Sometimes{First: 5, Interval: 30 * time.Second},
	}
}

// Observe records one proposal. A non-nil err marks a rejected evaluation.
func (r *Recorder) Observe(block string, accepted bool, err error) {
	t := r.tallies[block]
	t.Proposed++
	if accepted {
		t.Accepted++
	}
	if err != nil {
		var de *marginal.DomainError
		if errors.As(err, &de) {
			t.Domain++
			r.warn.Do(func() {
				r.logger.Warn("proposal outside marginal support", "block", block, "error", err)
			})
		} else {
			t.Numerical++
			r.logger.Debug("proposal rejected on numerical failure", "block", block, "error", err)
		}
	}
	r.tallies[block] = t
}

// Tallies returns a copy of the running tallies.
func (r *Recorder) Tallies() state.Tallies { return r.tallies.Clone() }
