// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/scalemix/services/sampler/checkpoint"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(i int, tau float64) *state.SamplerState {
	return &state.SamplerState{
		RunID:     "r",
		Iteration: i,
		LogLik:    -10.5,
		Shared: state.Shared{
			Phi:               []float64{0.25, 0.75},
			Range:             []float64{1, 2},
			Tau:               tau,
			BetaLogSigma:      []float64{0.1},
			BetaXi:            []float64{-0.2},
			SigmaBetaLogSigma: 1,
			SigmaBetaXi:       2,
		},
	}
}

func TestHeader(t *testing.T) {
	assert.Equal(t, []string{
		"iteration", "log_lik", "tau", "sigma_beta_logsigma", "sigma_beta_xi",
		"phi_0", "range_0", "beta_logsigma_0", "beta_logsigma_1", "beta_xi_0", "beta_xi_1",
	}, Header(1, 2))
}

func TestCSVWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf)
	require.NoError(t, w.Write(row(0, 10)))
	require.NoError(t, w.Write(row(1, 9.5)))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "iteration,log_lik,tau,sigma_beta_logsigma,sigma_beta_xi,phi_0,phi_1,range_0,range_1,beta_logsigma_0,beta_xi_0", lines[0])
	assert.Equal(t, "1,-10.5,9.5,1,2,0.25,0.75,1,2,0.1,-0.2", lines[2])
}

func TestCSVWriter_ShapeChanged(t *testing.T) {
	w := NewCSVWriter(&bytes.Buffer{})
	require.NoError(t, w.Write(row(0, 10)))
	bad := row(1, 10)
	bad.Shared.Phi = bad.Shared.Phi[:1]
	assert.ErrorIs(t, w.Write(bad), ErrShapeChanged)
}

func TestParseGCSURL(t *testing.T) {
	bucket, object, err := ParseGCSURL("gs://traces/runs/abc.csv")
	require.NoError(t, err)
	assert.Equal(t, "traces", bucket)
	assert.Equal(t, "runs/abc.csv", object)

	for _, bad := range []string{"s3://b/o", "gs://", "gs://bucket", "gs://bucket/", "gs:///o", "gs://b/dir/"} {
		_, _, err := ParseGCSURL(bad)
		assert.ErrorIs(t, err, ErrBadGCSURL, bad)
	}
}

func TestOpen_MissingCredentials(t *testing.T) {
	_, err := Open(context.Background(), "gs://b/o.csv", GCSOptions{
		CredentialsFile: filepath.Join(t.TempDir(), "absent.json"),
	})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTrace_LocalFile(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	for i := range 4 {
		require.NoError(t, store.AppendIteration(ctx, i, row(i, float64(10-i))))
	}

	path := filepath.Join(t.TempDir(), "trace.csv")
	n, err := Trace(ctx, store.Scan, 2, path, GCSOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "2,-10.5,8,"))
	assert.True(t, strings.HasPrefix(lines[2], "3,-10.5,7,"))
}
