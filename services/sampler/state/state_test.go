// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"math"
	"testing"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *SamplerState {
	return &SamplerState{
		RunID:     "run",
		Iteration: 3,
		Shared: Shared{
			Phi: []float64{0.4, 0.5}, Range: []float64{1, 2}, Tau: 10,
			BetaLogSigma: []float64{0, 0.2}, BetaXi: []float64{0.1, 0},
			SigmaBetaLogSigma: 1, SigmaBetaXi: 1,
		},
		Locals: []Local{{
			T: 0, LogS: []float64{0.1, -0.3}, Z: []float64{0.2, 0.1, -1},
			XStar: []float64{3, 4, 5}, Y: []float64{10, 22, 30},
			Censored: []bool{true, false, false}, Missing: []bool{false, false, true},
		}},
		Adaptation:      adapt.Snapshot{Blocks: []adapt.BlockState{{ID: "tau", Dim: 1, Cov: []float64{1}}}},
		LocalAdaptation: []adapt.Snapshot{{Blocks: []adapt.BlockState{{ID: "scale_0", Dim: 1, Cov: []float64{1}}}}},
		Tallies:         Tallies{"tau": {Proposed: 3, Accepted: 1}},
		LocalTallies:    []Tallies{{"scale_0": {Proposed: 3, Accepted: 2, Numerical: 1}}},
		LogLik:          -12.5,
		LikDetail:       []LikTerms{{Censored: -1, Exceed: -2, Latent: -9.5}},
	}
}

func TestSamplerState_CloneIsDeep(t *testing.T) {
	s := sampleState()
	c := s.Clone()
	assert.Equal(t, s, c)

	c.Shared.Phi[0] = 0.9
	c.Locals[0].Y[0] = -1
	c.Tallies["tau"] = Tally{}
	c.LocalAdaptation[0].Blocks[0].Cov[0] = 7
	assert.Equal(t, 0.4, s.Shared.Phi[0])
	assert.Equal(t, 10.0, s.Locals[0].Y[0])
	assert.Equal(t, int64(3), s.Tallies["tau"].Proposed)
	assert.Equal(t, 1.0, s.LocalAdaptation[0].Blocks[0].Cov[0])
}

func TestSamplerState_Validate(t *testing.T) {
	s := sampleState()
	require.NoError(t, s.Validate(3, 2))

	s.Shared.Phi[1] = 1.2
	s.Locals[0].Y[2] = math.NaN()
	err := s.Validate(3, 2)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "phi[1]")
	assert.Contains(t, err.Error(), "y[2]")

	assert.Error(t, sampleState().Validate(4, 2))
}

func TestShared_Equal(t *testing.T) {
	a := sampleState().Shared
	b := a.Clone()
	assert.True(t, a.Equal(b))
	b.Tau = 9
	assert.False(t, a.Equal(b))
}

func TestTallies(t *testing.T) {
	s := sampleState()
	all := s.CombinedTallies()
	assert.Equal(t, Tally{Proposed: 3, Accepted: 1}, all["tau"])
	assert.Equal(t, int64(1), all["scale_0"].Numerical)
	assert.InDelta(t, 2.0/3, all["scale_0"].Rate(), 1e-15)
	assert.Equal(t, 0.0, Tally{}.Rate())
	assert.Equal(t, int64(3), s.Tallies["tau"].Proposed, "merge leaves the source untouched")
}

func TestTrace_AppendOnly(t *testing.T) {
	var tr Trace
	assert.Nil(t, tr.Last())

	s := sampleState()
	require.NoError(t, tr.Append(s))
	next := s.Clone()
	next.Iteration = 4
	require.NoError(t, tr.Append(next))
	assert.Equal(t, 2, tr.Len())

	skip := s.Clone()
	skip.Iteration = 6
	assert.ErrorIs(t, tr.Append(skip), ErrOutOfOrder)

	s.Shared.Tau = 1
	assert.Equal(t, 10.0, tr.Rows()[0].Shared.Tau, "rows are copies")
	assert.Equal(t, 4, tr.Last().Iteration)
}
