// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/AleutianAI/scalemix/services/sampler/storage/badger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(iter int) *state.SamplerState {
	return &state.SamplerState{
		RunID:     "run-1",
		Iteration: iter,
		Shared: state.Shared{
			Phi: []float64{0.3, 0.6}, Range: []float64{1.5, 2.5}, Tau: 4,
			BetaLogSigma: []float64{0.1 * float64(iter)}, BetaXi: []float64{0.05},
			SigmaBetaLogSigma: 1, SigmaBetaXi: 2,
		},
		Locals: []state.Local{{
			LogS: []float64{0.2, -0.1}, Z: []float64{0.5, -0.25},
			XStar: []float64{2, 3}, Y: []float64{11, 14},
			Censored: []bool{false, true}, Missing: []bool{true, false},
		}},
		Adaptation: adapt.Snapshot{Blocks: []adapt.BlockState{{
			ID: "tau", Dim: 1, Scalar: true, LogSigma2: -0.5, Cov: []float64{1},
			Accepted: 2, Proposed: 5, Samples: [][]float64{{4.1}, {4.2}},
		}}},
		Tallies:   state.Tallies{"tau": {Proposed: int64(iter), Accepted: 1}},
		LogLik:    -20.25,
		LikDetail: []state.LikTerms{{Censored: -3, Exceed: -7, Latent: -10.25}},
	}
}

type storeCase struct {
	name string
	open func(t *testing.T) Store
}

func stores() []storeCase {
	return []storeCase{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"badger", func(t *testing.T) Store {
			s, err := OpenBadgerStore(badger.InMemoryConfig(), "run-1", nil)
			require.NoError(t, err)
			return s
		}},
		{"redis", func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := NewRedisStore(context.Background(), &redis.Options{Addr: mr.Addr()}, "test", "run-1")
			require.NoError(t, err)
			return s
		}},
	}
}

func TestStore_AppendAndLoad(t *testing.T) {
	for _, tc := range stores() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t)
			defer s.Close()

			_, _, err := s.LoadLastIteration(ctx)
			require.ErrorIs(t, err, ErrNotFound)

			for i := 0; i < 3; i++ {
				require.NoError(t, s.AppendIteration(ctx, i, record(i)))
			}
			idx, got, err := s.LoadLastIteration(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, idx)
			assert.Equal(t, record(2), got)
		})
	}
}

func TestStore_RejectsGapsAndRewrites(t *testing.T) {
	for _, tc := range stores() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t)
			defer s.Close()

			assert.ErrorIs(t, s.AppendIteration(ctx, 1, record(1)), ErrNonContiguous)
			require.NoError(t, s.AppendIteration(ctx, 0, record(0)))
			assert.ErrorIs(t, s.AppendIteration(ctx, 0, record(0)), ErrNonContiguous)
			assert.ErrorIs(t, s.AppendIteration(ctx, 2, record(2)), ErrNonContiguous)
			assert.ErrorIs(t, s.AppendIteration(ctx, 1, nil), ErrNilState)
		})
	}
}

func TestStore_Scan(t *testing.T) {
	for _, tc := range stores() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t)
			defer s.Close()
			for i := 0; i < 4; i++ {
				require.NoError(t, s.AppendIteration(ctx, i, record(i)))
			}

			var seen []int
			require.NoError(t, s.Scan(ctx, 1, func(idx int, rec *state.SamplerState) error {
				assert.Equal(t, idx, rec.Iteration)
				seen = append(seen, idx)
				return nil
			}))
			assert.Equal(t, []int{1, 2, 3}, seen)

			stop := errors.New("stop")
			err := s.Scan(ctx, 0, func(int, *state.SamplerState) error { return stop })
			assert.ErrorIs(t, err, stop)
		})
	}
}

func TestStore_ClosedStore(t *testing.T) {
	for _, tc := range stores() {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.open(t)
			require.NoError(t, s.Close())
			_, _, err := s.LoadLastIteration(context.Background())
			assert.ErrorIs(t, err, ErrStoreClosed)
			assert.ErrorIs(t, s.AppendIteration(context.Background(), 0, record(0)), ErrStoreClosed)
		})
	}
}

func TestMemoryStore_IsolatesCallers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := record(0)
	require.NoError(t, s.AppendIteration(ctx, 0, in))
	in.Shared.Phi[0] = 0.99

	_, out, err := s.LoadLastIteration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.3, out.Shared.Phi[0])
	out.Locals[0].Y[0] = -1

	_, again, err := s.LoadLastIteration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11.0, again.Locals[0].Y[0])
}

func TestBadgerStore_ResumesAfterReopen(t *testing.T) {
	ctx := context.Background()
	cfg := badger.DefaultConfig(t.TempDir())

	s, err := OpenBadgerStore(cfg, "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendIteration(ctx, 0, record(0)))
	require.NoError(t, s.AppendIteration(ctx, 1, record(1)))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(cfg, "run-1", nil)
	require.NoError(t, err)
	defer s.Close()
	idx, got, err := s.LoadLastIteration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, record(1), got)
	require.NoError(t, s.AppendIteration(ctx, 2, record(2)))
	assert.ErrorIs(t, s.AppendIteration(ctx, 2, record(2)), ErrNonContiguous)
}

func TestRedisStore_MissingRecord(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, &redis.Options{Addr: mr.Addr()}, "", "run-1")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendIteration(ctx, 0, record(0)))
	mr.Del("scalemix:run-1:iter:0")
	_, _, err = s.LoadLastIteration(ctx)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestDecode_DetectsCorruption(t *testing.T) {
	data, err := encode(record(5))
	require.NoError(t, err)

	got, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, record(5), got)

	data[len(data)-1] ^= 0xFF
	_, err = decode(data)
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupted)
}
