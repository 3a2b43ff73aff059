// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state holds the sampler's parameter values: the shared knot-level
// parameters owned by the coordinator, the per-replicate latent fields owned
// by workers, and the aggregate record written once per iteration.
package state

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
)

var (
	// ErrInvalidState is wrapped by every invariant violation found by Validate.
	ErrInvalidState = errors.New("invalid sampler state")

	// ErrOutOfOrder is returned when a trace row does not follow the last one.
	ErrOutOfOrder = errors.New("trace row out of order")
)

// Shared holds the parameters common to every time replicate.
type Shared struct {
	Phi   []float64 `json:"phi"`
	Range []float64 `json:"range"`
	Tau   float64   `json:"tau"`

	BetaLogSigma []float64 `json:"beta_logsigma"`
	BetaXi       []float64 `json:"beta_xi"`

	SigmaBetaLogSigma float64 `json:"sigma_beta_logsigma"`
	SigmaBetaXi       float64 `json:"sigma_beta_xi"`
}

// Clone deep-copies s.
func (s Shared) Clone() Shared {
	s.Phi = slices.Clone(s.Phi)
	s.Range = slices.Clone(s.Range)
	s.BetaLogSigma = slices.Clone(s.BetaLogSigma)
	s.BetaXi = slices.Clone(s.BetaXi)
	return s
}

// Equal compares every field bit for bit.
func (s Shared) Equal(o Shared) bool {
	return slices.Equal(s.Phi, o.Phi) &&
		slices.Equal(s.Range, o.Range) &&
		s.Tau == o.Tau &&
		slices.Equal(s.BetaLogSigma, o.BetaLogSigma) &&
		slices.Equal(s.BetaXi, o.BetaXi) &&
		s.SigmaBetaLogSigma == o.SigmaBetaLogSigma &&
		s.SigmaBetaXi == o.SigmaBetaXi
}

// Validate checks value ranges.
func (s Shared) Validate() error {
	var errs []error
	for k, v := range s.Phi {
		if !(v > 0 && v < 1) {
			errs = append(errs, fmt.Errorf("%w: phi[%d] = %v", ErrInvalidState, k, v))
		}
	}
	for k, v := range s.Range {
		if !(v > 0) || math.IsInf(v, 1) {
			errs = append(errs, fmt.Errorf("%w: range[%d] = %v", ErrInvalidState, k, v))
		}
	}
	if len(s.Phi) != len(s.Range) {
		errs = append(errs, fmt.Errorf("%w: %d phi knots, %d range knots", ErrInvalidState, len(s.Phi), len(s.Range)))
	}
	if !(s.Tau > 0) || math.IsInf(s.Tau, 1) {
		errs = append(errs, fmt.Errorf("%w: tau = %v", ErrInvalidState, s.Tau))
	}
	for _, v := range append(slices.Clone(s.BetaLogSigma), s.BetaXi...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%w: non-finite coefficient", ErrInvalidState))
			break
		}
	}
	if !(s.SigmaBetaLogSigma > 0) || !(s.SigmaBetaXi > 0) {
		errs = append(errs, fmt.Errorf("%w: non-positive coefficient prior scale", ErrInvalidState))
	}
	return errors.Join(errs...)
}

// Local is the state of one time replicate, owned by its worker.
type Local struct {
	T int `json:"t"`

	// LogS is the log scale-mixture field at the knots.
	LogS []float64 `json:"log_s"`

	// Z is the Gaussian field at the sites, derived from XStar.
	Z []float64 `json:"z"`

	// XStar is the noiseless copula-scale process at the sites.
	XStar []float64 `json:"x_star"`

	// Y is the observation vector with missing entries imputed.
	Y []float64 `json:"y"`

	// Censored marks sites at or below the threshold.
	Censored []bool `json:"censored"`

	// Missing marks sites whose Y is imputed.
	Missing []bool `json:"missing"`
}

// Clone deep-copies l.
func (l Local) Clone() Local {
	l.LogS = slices.Clone(l.LogS)
	l.Z = slices.Clone(l.Z)
	l.XStar = slices.Clone(l.XStar)
	l.Y = slices.Clone(l.Y)
	l.Censored = slices.Clone(l.Censored)
	l.Missing = slices.Clone(l.Missing)
	return l
}

// Validate checks the invariants a worker may rely on.
func (l Local) Validate(sites, knots int) error {
	var errs []error
	if len(l.LogS) != knots {
		errs = append(errs, fmt.Errorf("%w: t=%d has %d scale values, want %d", ErrInvalidState, l.T, len(l.LogS), knots))
	}
	for _, v := range l.LogS {
		if e := math.Exp(v); !(e > 0) || math.IsInf(e, 1) {
			errs = append(errs, fmt.Errorf("%w: t=%d scale %v not positive and finite", ErrInvalidState, l.T, e))
			break
		}
	}
	for name, n := range map[string]int{"z": len(l.Z), "x_star": len(l.XStar), "y": len(l.Y),
		"censored": len(l.Censored), "missing": len(l.Missing)} {
		if n != sites {
			errs = append(errs, fmt.Errorf("%w: t=%d %s has %d entries, want %d", ErrInvalidState, l.T, name, n, sites))
		}
	}
	for s, y := range l.Y {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			errs = append(errs, fmt.Errorf("%w: t=%d y[%d] not finite", ErrInvalidState, l.T, s))
		}
	}
	return errors.Join(errs...)
}

// LikTerms splits a replicate's log likelihood.
type LikTerms struct {
	Censored float64
	Exceed   float64
	Latent   float64
}

// Sum is the total log likelihood.
func (l LikTerms) Sum() float64 {
	return l.Censored + l.Exceed + l.Latent
}

// Tally counts the outcomes of one block's proposals.
type Tally struct {
	Proposed  int64
	Accepted  int64
	Numerical int64
	Domain    int64
}

// Rate is the acceptance rate.
func (t Tally) Rate() float64 {
	if t.Proposed == 0 {
		return 0
	}
	return float64(t.Accepted) / float64(t.Proposed)
}

// Tallies maps block IDs to their tallies.
type Tallies map[string]Tally

// Clone copies t.
func (t Tallies) Clone() Tallies {
	if t == nil {
		return nil
	}
	out := make(Tallies, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Merge adds o into t.
func (t Tallies) Merge(o Tallies) {
	for k, v := range o {
		cur := t[k]
		cur.Proposed += v.Proposed
		cur.Accepted += v.Accepted
		cur.Numerical += v.Numerical
		cur.Domain += v.Domain
		t[k] = cur
	}
}

// SamplerState is the complete sampler state after one iteration. It is one
// trace row and one checkpoint record.
type SamplerState struct {
	RunID     string
	Iteration int

	Shared Shared
	Locals []Local

	// Adaptation is the coordinator's controller snapshot.
	Adaptation adapt.Snapshot

	// LocalAdaptation holds each worker's controller snapshot, by replicate.
	LocalAdaptation []adapt.Snapshot

	// Tallies are the coordinator's shared-block tallies.
	Tallies Tallies

	// LocalTallies are the cumulative worker tallies, by replicate.
	LocalTallies []Tallies

	LogLik    float64
	LikDetail []LikTerms
}

// Clone deep-copies s.
func (s *SamplerState) Clone() *SamplerState {
	out := *s
	out.Shared = s.Shared.Clone()
	if s.Locals != nil {
		out.Locals = make([]Local, len(s.Locals))
		for i, l := range s.Locals {
			out.Locals[i] = l.Clone()
		}
	}
	out.Adaptation = s.Adaptation.Clone()
	if s.LocalAdaptation != nil {
		out.LocalAdaptation = make([]adapt.Snapshot, len(s.LocalAdaptation))
		for i, a := range s.LocalAdaptation {
			out.LocalAdaptation[i] = a.Clone()
		}
	}
	out.Tallies = s.Tallies.Clone()
	if s.LocalTallies != nil {
		out.LocalTallies = make([]Tallies, len(s.LocalTallies))
		for i, t := range s.LocalTallies {
			out.LocalTallies[i] = t.Clone()
		}
	}
	out.LikDetail = slices.Clone(s.LikDetail)
	return &out
}

// Validate checks every invariant of the record.
func (s *SamplerState) Validate(sites, knots int) error {
	errs := []error{s.Shared.Validate()}
	if len(s.Shared.Phi) != knots {
		errs = append(errs, fmt.Errorf("%w: %d shared knots, want %d", ErrInvalidState, len(s.Shared.Phi), knots))
	}
	for i, l := range s.Locals {
		if l.T != i {
			errs = append(errs, fmt.Errorf("%w: local %d carries t=%d", ErrInvalidState, i, l.T))
		}
		errs = append(errs, l.Validate(sites, knots))
	}
	return errors.Join(errs...)
}

// CombinedTallies merges coordinator and worker tallies.
func (s *SamplerState) CombinedTallies() Tallies {
	out := s.Tallies.Clone()
	if out == nil {
		out = Tallies{}
	}
	for _, t := range s.LocalTallies {
		out.Merge(t)
	}
	return out
}

// Trace is the append-only history of sampler states.
type Trace struct {
	rows []*SamplerState
}

// Append adds the next row; its iteration must follow the last one.
func (tr *Trace) Append(s *SamplerState) error {
	if n := len(tr.rows); n > 0 && s.Iteration != tr.rows[n-1].Iteration+1 {
		return fmt.Errorf("%w: got iteration %d after %d", ErrOutOfOrder, s.Iteration, tr.rows[n-1].Iteration)
	}
	tr.rows = append(tr.rows, s.Clone())
	return nil
}

// Len is the number of rows.
func (tr *Trace) Len() int { return len(tr.rows) }

// Last returns the newest row, or nil.
func (tr *Trace) Last() *SamplerState {
	if len(tr.rows) == 0 {
		return nil
	}
	return tr.rows[len(tr.rows)-1]
}

// Rows returns the rows in order. Callers must not modify them.
func (tr *Trace) Rows() []*SamplerState { return tr.rows }
