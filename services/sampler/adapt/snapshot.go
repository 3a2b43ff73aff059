// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapt

import (
	"fmt"
	"os"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// BlockState is the serializable state of one block, open window included.
type BlockState struct {
	ID        string
	Dim       int
	Scalar    bool
	LogSigma2 float64
	Cov       []float64
	Accepted  int
	Proposed  int
	Samples   [][]float64
}

// Snapshot is the serializable state of a controller.
type Snapshot struct {
	Blocks []BlockState
}

// Clone deep-copies a snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Blocks: make([]BlockState, len(s.Blocks))}
	for i, b := range s.Blocks {
		b.Cov = slices.Clone(b.Cov)
		if b.Samples != nil {
			samples := make([][]float64, len(b.Samples))
			for j, row := range b.Samples {
				samples[j] = slices.Clone(row)
			}
			b.Samples = samples
		}
		out.Blocks[i] = b
	}
	return out
}

// Snapshot captures every block, including window counters and samples, so a
// restored controller continues exactly.
func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{Blocks: make([]BlockState, len(c.blocks))}
	for i, b := range c.blocks {
		bs := BlockState{
			ID:        b.ID,
			Dim:       b.Dim,
			Scalar:    b.Scalar,
			LogSigma2: b.logSigma2,
			Cov:       slices.Clone(b.cov.RawSymmetric().Data),
			Accepted:  b.accepted,
			Proposed:  b.proposed,
		}
		if len(b.samples) > 0 {
			bs.Samples = make([][]float64, len(b.samples))
			for j, row := range b.samples {
				bs.Samples[j] = slices.Clone(row)
			}
		}
		s.Blocks[i] = bs
	}
	return s
}

// Restore loads a snapshot taken from a controller with the same blocks.
func (c *Controller) Restore(s Snapshot) error {
	if len(s.Blocks) != len(c.blocks) {
		return fmt.Errorf("snapshot has %d blocks, controller has %d", len(s.Blocks), len(c.blocks))
	}
	for i, bs := range s.Blocks {
		b := c.blocks[i]
		if bs.ID != b.ID {
			return fmt.Errorf("%w: snapshot block %d is %s, want %s", ErrUnknownBlock, i, bs.ID, b.ID)
		}
		if bs.Dim != b.Dim || len(bs.Cov) != b.Dim*b.Dim {
			return &DimensionMismatchError{Block: b.ID, Want: b.Dim, Got: bs.Dim}
		}
	}
	for i, bs := range s.Blocks {
		b := c.blocks[i]
		b.logSigma2 = bs.LogSigma2
		b.cov = mat.NewSymDense(b.Dim, slices.Clone(bs.Cov))
		b.accepted = bs.Accepted
		b.proposed = bs.Proposed
		b.samples = nil
		for _, row := range bs.Samples {
			b.samples = append(b.samples, slices.Clone(row))
		}
	}
	return nil
}

// LoadInjected reads prior-run proposal covariances from a YAML file mapping
// block IDs to square matrices.
//
//	phi_0:
//	  - [0.010, 0.001]
//	  - [0.001, 0.010]
func LoadInjected(path string) (map[string][][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading proposal covariances: %w", err)
	}
	var covs map[string][][]float64
	if err := yaml.Unmarshal(data, &covs); err != nil {
		return nil, fmt.Errorf("parsing proposal covariances %s: %w", path, err)
	}
	return covs, nil
}
