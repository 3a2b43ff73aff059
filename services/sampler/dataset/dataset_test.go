// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/scalemix/services/sampler/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservations_NaNAsNull(t *testing.T) {
	obs := Observations{{1.5, math.NaN()}, {math.NaN(), 3}}
	data, err := json.Marshal(obs)
	require.NoError(t, err)
	assert.JSONEq(t, `[[1.5,null],[null,3]]`, string(data))

	var back Observations
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 1.5, back[0][0])
	assert.True(t, math.IsNaN(back[0][1]))
	assert.True(t, math.IsNaN(back[1][0]))
	assert.Equal(t, 3.0, back[1][1])
}

func TestDataset_Validate(t *testing.T) {
	good := &Dataset{
		Sites: []geometry.Site{{X: 0, Y: 0}, {X: 1, Y: 1}},
		Knots: []geometry.Knot{{X: 0.5, Y: 0.5, Radius: 2}},
		Y:     Observations{{1, math.NaN()}},
	}
	require.NoError(t, good.Validate())
	assert.Equal(t, []bool{false, true}, good.Missing(0))

	ragged := good.Clone()
	ragged.Y = append(ragged.Y, []float64{1})
	assert.ErrorIs(t, ragged.Validate(), ErrRagged)

	noKnots := good.Clone()
	noKnots.Knots = nil
	assert.ErrorIs(t, noKnots.Validate(), geometry.ErrNoKnots)

	assert.ErrorIs(t, (&Dataset{}).Validate(), ErrEmpty)

	inf := good.Clone()
	inf.Y[0][0] = math.Inf(1)
	assert.ErrorContains(t, inf.Validate(), "infinite")
}

func TestDataset_EmpiricalThreshold(t *testing.T) {
	d := &Dataset{Y: Observations{{1, 2, math.NaN()}, {3, 4, 5}}}
	u, err := d.EmpiricalThreshold(0.5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, u, 2.0)
	assert.LessOrEqual(t, u, 3.0)

	d.Threshold = 7
	u, err = d.ResolveThreshold(0.9)
	require.NoError(t, err)
	assert.Equal(t, 7.0, u)

	_, err = (&Dataset{Y: Observations{{math.NaN()}}}).EmpiricalThreshold(0.9)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSimulate(t *testing.T) {
	cfg := DefaultSimulateConfig()
	cfg.Sites = 12
	cfg.Replicates = 3
	cfg.MissingFraction = 0.1
	cfg.FullyMissing = 1

	d, err := Simulate(cfg, 42)
	require.NoError(t, err)
	require.NoError(t, d.Validate())
	assert.Equal(t, 12, d.NumSites())
	assert.Equal(t, 3, d.NumReplicates())
	assert.Len(t, d.Knots, 13)
	require.NotNil(t, d.Truth)
	assert.Len(t, d.Truth.LogS, 3)
	assert.Empty(t, d.Observed(11), "last site is never observed")

	for _, row := range d.Y {
		for _, v := range row {
			if !math.IsNaN(v) {
				assert.False(t, math.IsInf(v, 0))
			}
		}
	}

	again, err := Simulate(cfg, 42)
	require.NoError(t, err)
	assert.Equal(t, d.Sites, again.Sites)
	assert.Equal(t, d.Truth.LogS, again.Truth.LogS)
}

func TestSimulate_InvalidConfig(t *testing.T) {
	cfg := DefaultSimulateConfig()
	cfg.FullyMissing = cfg.Sites
	_, err := Simulate(cfg, 1)
	assert.Error(t, err)

	cfg = DefaultSimulateConfig()
	cfg.Replicates = 0
	_, err = Simulate(cfg, 1)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSaveLoad(t *testing.T) {
	cfg := DefaultSimulateConfig()
	cfg.Sites = 6
	cfg.Replicates = 2
	cfg.FullyMissing = 1
	d, err := Simulate(cfg, 7)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, d.Save(path))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, d.Sites, back.Sites)
	assert.Equal(t, d.Knots, back.Knots)
	assert.Equal(t, d.Missing(0), back.Missing(0))
	assert.InDeltaSlice(t, d.Observed(0), back.Observed(0), 1e-12)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
