// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"errors"
	"fmt"
	"slices"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/AleutianAI/scalemix/services/sampler/state"
)

// Sweep stages.
const (
	StageScale        = "scale"
	StageGaussian     = "gaussian"
	StagePhi          = "phi"
	StageRange        = "range"
	StageTau          = "tau"
	StageBetaLogSigma = "beta_logsigma"
	StageBetaXi       = "beta_xi"
	StageSigmaBeta    = "sigma_beta"
	StageImpute       = "impute"
)

// ErrUnknownStage is returned for a sweep entry that names no stage.
var ErrUnknownStage = errors.New("unknown sweep stage")

// DefaultSweep is the stage order of one iteration.
var DefaultSweep = []string{
	StageScale, StageGaussian, StagePhi, StageRange, StageTau,
	StageBetaLogSigma, StageBetaXi, StageSigmaBeta, StageImpute,
}

type stageKind int

const (
	kindLocal stageKind = iota
	kindShared
	kindCoordinator
)

var stageKinds = map[string]stageKind{
	StageScale:        kindLocal,
	StageGaussian:     kindLocal,
	StageImpute:       kindLocal,
	StagePhi:          kindShared,
	StageRange:        kindShared,
	StageTau:          kindShared,
	StageBetaLogSigma: kindShared,
	StageBetaXi:       kindShared,
	StageSigmaBeta:    kindCoordinator,
}

// SamplerConfig sets block sizes and the sweep order.
type SamplerConfig struct {
	PhiBlockSize      int
	RangeBlockSize    int
	GaussianBlockSize int
	Sweep             []string
}

// DefaultSamplerConfig returns blocks of four knots, eight sites, and the
// default sweep.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		PhiBlockSize:      4,
		RangeBlockSize:    4,
		GaussianBlockSize: 8,
		Sweep:             slices.Clone(DefaultSweep),
	}
}

// param names the vector a block reads and writes.
type param int

const (
	paramPhi param = iota
	paramRange
	paramTau
	paramBetaLogSigma
	paramBetaXi
	paramSigmaBetaLogSigma
	paramSigmaBetaXi
	paramLogS
	paramZ
)

// Block is one proposal block: a set of coordinates of one parameter vector.
type Block struct {
	ID      string
	Stage   string
	Indices []int
	param   param
}

// Values reads the block's coordinates from shared parameters.
func (b Block) Values(sh state.Shared) []float64 {
	if p := b.scalar(&sh); p != nil {
		return []float64{*p}
	}
	src := b.vector(&sh)
	out := make([]float64, len(b.Indices))
	for i, k := range b.Indices {
		out[i] = src[k]
	}
	return out
}

// Assign writes v into the block's coordinates of sh. sh must own its slices.
func (b Block) Assign(sh *state.Shared, v []float64) {
	if p := b.scalar(sh); p != nil {
		*p = v[0]
		return
	}
	dst := b.vector(sh)
	for i, k := range b.Indices {
		dst[k] = v[i]
	}
}

func (b Block) scalar(sh *state.Shared) *float64 {
	switch b.param {
	case paramTau:
		return &sh.Tau
	case paramSigmaBetaLogSigma:
		return &sh.SigmaBetaLogSigma
	case paramSigmaBetaXi:
		return &sh.SigmaBetaXi
	}
	return nil
}

func (b Block) vector(sh *state.Shared) []float64 {
	switch b.param {
	case paramPhi:
		return sh.Phi
	case paramRange:
		return sh.Range
	case paramBetaLogSigma:
		return sh.BetaLogSigma
	case paramBetaXi:
		return sh.BetaXi
	}
	panic(fmt.Sprintf("block %s is not a shared parameter", b.ID))
}

// Layout is the fixed block structure of a run.
type Layout struct {
	Sweep []string

	// Shared holds the coordinator's blocks by stage, in update order.
	Shared map[string][]Block

	// Scale and Gaussian are each worker's local blocks.
	Scale    []Block
	Gaussian []Block

	sharedSpecs []adapt.BlockSpec
	localSpecs  []adapt.BlockSpec
}

// NewLayout partitions the parameters into blocks.
func NewLayout(cfg SamplerConfig, knots, sites, covariates int) (*Layout, error) {
	sweep := cfg.Sweep
	if len(sweep) == 0 {
		sweep = DefaultSweep
	}
	var errs []error
	for _, s := range sweep {
		if _, ok := stageKinds[s]; !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownStage, s))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.PhiBlockSize < 1 || cfg.RangeBlockSize < 1 || cfg.GaussianBlockSize < 1 {
		return nil, fmt.Errorf("block sizes must be positive: phi=%d range=%d gaussian=%d",
			cfg.PhiBlockSize, cfg.RangeBlockSize, cfg.GaussianBlockSize)
	}

	l := &Layout{Sweep: slices.Clone(sweep), Shared: make(map[string][]Block)}
	add := func(stage string, b Block, spec adapt.BlockSpec) {
		b.Stage = stage
		spec.ID, spec.Dim = b.ID, len(b.Indices)
		l.Shared[stage] = append(l.Shared[stage], b)
		l.sharedSpecs = append(l.sharedSpecs, spec)
	}
	for i, idx := range chunks(knots, cfg.PhiBlockSize) {
		add(StagePhi, Block{ID: fmt.Sprintf("phi_%d", i), Indices: idx, param: paramPhi},
			adapt.BlockSpec{InitScale: 1e-2})
	}
	for i, idx := range chunks(knots, cfg.RangeBlockSize) {
		add(StageRange, Block{ID: fmt.Sprintf("range_%d", i), Indices: idx, param: paramRange},
			adapt.BlockSpec{InitScale: 0.5})
	}
	add(StageTau, Block{ID: "tau", Indices: []int{0}, param: paramTau},
		adapt.BlockSpec{Scalar: true, InitScale: 1, Sigma2: 1})
	add(StageBetaLogSigma, Block{ID: "beta_logsigma", Indices: seq(covariates), param: paramBetaLogSigma},
		adapt.BlockSpec{InitScale: 1e-6})
	add(StageBetaXi, Block{ID: "beta_xi", Indices: seq(covariates), param: paramBetaXi},
		adapt.BlockSpec{InitScale: 1e-7})
	add(StageSigmaBeta, Block{ID: "sigma_beta_logsigma", Indices: []int{0}, param: paramSigmaBetaLogSigma},
		adapt.BlockSpec{Scalar: true, InitScale: 1, Sigma2: 1})
	add(StageSigmaBeta, Block{ID: "sigma_beta_xi", Indices: []int{0}, param: paramSigmaBetaXi},
		adapt.BlockSpec{Scalar: true, InitScale: 1, Sigma2: 1})

	for k := 0; k < knots; k++ {
		b := Block{ID: fmt.Sprintf("scale_%d", k), Stage: StageScale, Indices: []int{k}, param: paramLogS}
		l.Scale = append(l.Scale, b)
		l.localSpecs = append(l.localSpecs, adapt.BlockSpec{ID: b.ID, Dim: 1, Scalar: true,
			InitScale: 1, Sigma2: 2.4 * 2.4 / float64(knots)})
	}
	for i, idx := range chunks(sites, cfg.GaussianBlockSize) {
		b := Block{ID: fmt.Sprintf("gaussian_%d", i), Stage: StageGaussian, Indices: idx, param: paramZ}
		l.Gaussian = append(l.Gaussian, b)
		l.localSpecs = append(l.localSpecs, adapt.BlockSpec{ID: b.ID, Dim: len(idx), Scalar: true,
			InitScale: 0.1})
	}
	return l, nil
}

// SharedSpecs declares the coordinator's blocks.
func (l *Layout) SharedSpecs() []adapt.BlockSpec { return slices.Clone(l.sharedSpecs) }

// LocalSpecs declares each worker's blocks.
func (l *Layout) LocalSpecs() []adapt.BlockSpec { return slices.Clone(l.localSpecs) }

// SplitInjected routes injected covariances to the coordinator or the
// workers by block ID. Unknown IDs are reported together.
func (l *Layout) SplitInjected(covs map[string][][]float64) (shared, local map[string][][]float64, err error) {
	shared = make(map[string][][]float64)
	local = make(map[string][][]float64)
	known := func(specs []adapt.BlockSpec, id string) bool {
		return slices.ContainsFunc(specs, func(s adapt.BlockSpec) bool { return s.ID == id })
	}
	ids := make([]string, 0, len(covs))
	for id := range covs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var errs []error
	for _, id := range ids {
		switch {
		case known(l.sharedSpecs, id):
			shared[id] = covs[id]
		case known(l.localSpecs, id):
			local[id] = covs[id]
		default:
			errs = append(errs, fmt.Errorf("%w: %s", adapt.ErrUnknownBlock, id))
		}
	}
	return shared, local, errors.Join(errs...)
}

func chunks(n, size int) [][]int {
	var out [][]int
	for lo := 0; lo < n; lo += size {
		out = append(out, seqFrom(lo, min(lo+size, n)))
	}
	return out
}

func seq(n int) []int { return seqFrom(0, n) }

func seqFrom(lo, hi int) []int {
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}
