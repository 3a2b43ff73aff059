// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapt owns the proposal distributions of every parameter block and
// tunes them from windowed acceptance statistics.
//
// Each block carries a log scalar σ² and a base covariance Σ₀; its proposal
// covariance is σ²·Σ₀. Every window the scalar moves toward the target
// acceptance rate and, for matrix blocks, Σ₀ moves toward the window's sample
// covariance, both with a decaying gain (Shaby and Wells).
package adapt

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrUnknownBlock is returned when an operation names an unregistered block.
	ErrUnknownBlock = errors.New("unknown proposal block")

	// ErrDuplicateBlock is returned when two specs share an ID.
	ErrDuplicateBlock = errors.New("duplicate proposal block")
)

// DimensionMismatchError reports an injected covariance whose shape does not
// match the block it targets.
type DimensionMismatchError struct {
	Block string
	Want  int
	Got   int

	// Ragged marks a matrix with the right row count whose row Row holds
	// Got entries.
	Ragged bool
	Row    int
}

func (e *DimensionMismatchError) Error() string {
	if e.Ragged {
		return fmt.Sprintf("block %q: injected covariance row %d has %d entries, block dimension is %d",
			e.Block, e.Row, e.Got, e.Want)
	}
	return fmt.Sprintf("block %q: injected covariance has %d rows, block dimension is %d",
		e.Block, e.Got, e.Want)
}

// maxCovGain caps the gain of the Σ₀ update. Σ₀ is a convex combination of
// its previous value and the window covariance, so any cap below one keeps it
// positive definite even when a window never moves.
const maxCovGain = 0.5

// Config holds the adaptation schedule.
type Config struct {
	// Window is the number of iterations between adaptation steps.
	Window int

	// C0 is the decay exponent of the gain, in (0, 1].
	C0 float64

	// C1 is the gain multiplier.
	C1 float64

	// Offset shifts the window index in the gain.
	Offset float64

	// TargetRate is the acceptance rate the scalar is steered toward.
	TargetRate float64
}

// DefaultConfig returns the schedule used when nothing is configured.
func DefaultConfig() Config {
	return Config{Window: 10, C0: 0.8, C1: 1, Offset: 3, TargetRate: 0.35}
}

// Gain is γ_j = C1·(j + Offset)^(−C0).
func (c Config) Gain(j int) float64 {
	return c.C1 * math.Pow(float64(j)+c.Offset, -c.C0)
}

// Due reports whether adaptation runs after iteration i, and at which window
// index.
func (c Config) Due(i int) (int, bool) {
	if c.Window <= 0 || i <= 0 || i%c.Window != 0 {
		return 0, false
	}
	return i / c.Window, true
}

// BlockSpec declares a block before the controller is built.
type BlockSpec struct {
	ID  string
	Dim int

	// Scalar blocks adapt σ² only; Σ₀ stays fixed.
	Scalar bool

	// InitScale is the diagonal of the initial Σ₀.
	InitScale float64

	// Sigma2 is the initial scalar multiplier. Zero selects 2.4²/Dim.
	Sigma2 float64
}

// ProposalBlock is the adaptive state of one block.
type ProposalBlock struct {
	ID     string
	Dim    int
	Scalar bool

	logSigma2 float64
	cov       *mat.SymDense
	accepted  int
	proposed  int
	samples   [][]float64
}

// Sigma2 is the current scalar multiplier.
func (b *ProposalBlock) Sigma2() float64 { return math.Exp(b.logSigma2) }

// LogSigma2 is the log of the scalar multiplier.
func (b *ProposalBlock) LogSigma2() float64 { return b.logSigma2 }

// Base returns a copy of Σ₀.
func (b *ProposalBlock) Base() *mat.SymDense {
	return mat.NewSymDense(b.Dim, slices.Clone(b.cov.RawSymmetric().Data))
}

// Covariance returns σ²·Σ₀.
func (b *ProposalBlock) Covariance() *mat.SymDense {
	out := mat.NewSymDense(b.Dim, nil)
	out.ScaleSym(b.Sigma2(), b.cov)
	return out
}

// Controller is an ordered registry of proposal blocks.
//
// Thread Safety: not safe for concurrent use. Each role owns its own
// controller.
type Controller struct {
	cfg    Config
	blocks []*ProposalBlock
	index  map[string]int
}

// NewController registers the given blocks in order.
func NewController(cfg Config, specs []BlockSpec) (*Controller, error) {
	c := &Controller{cfg: cfg, index: make(map[string]int, len(specs))}
	for _, s := range specs {
		if _, dup := c.index[s.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBlock, s.ID)
		}
		if s.Dim <= 0 {
			return nil, fmt.Errorf("block %s: dimension %d", s.ID, s.Dim)
		}
		scale := s.InitScale
		if scale <= 0 {
			scale = 1
		}
		diag := make([]float64, s.Dim)
		for i := range diag {
			diag[i] = scale
		}
		sigma2 := s.Sigma2
		if sigma2 <= 0 {
			sigma2 = 2.4 * 2.4 / float64(s.Dim)
		}
		c.index[s.ID] = len(c.blocks)
		c.blocks = append(c.blocks, &ProposalBlock{
			ID:        s.ID,
			Dim:       s.Dim,
			Scalar:    s.Scalar,
			logSigma2: math.Log(sigma2),
			cov:       diagSym(diag),
		})
	}
	return c, nil
}

func diagSym(d []float64) *mat.SymDense {
	m := mat.NewSymDense(len(d), nil)
	for i, v := range d {
		m.SetSym(i, i, v)
	}
	return m
}

// Config returns the adaptation schedule.
func (c *Controller) Config() Config { return c.cfg }

// IDs lists block IDs in registration order.
func (c *Controller) IDs() []string {
	ids := make([]string, len(c.blocks))
	for i, b := range c.blocks {
		ids[i] = b.ID
	}
	return ids
}

// Block looks up a block by ID.
func (c *Controller) Block(id string) (*ProposalBlock, error) {
	i, ok := c.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	return c.blocks[i], nil
}

// Proposal returns the proposal covariance σ²·Σ₀ of a block.
func (c *Controller) Proposal(id string) (*mat.SymDense, error) {
	b, err := c.Block(id)
	if err != nil {
		return nil, err
	}
	return b.Covariance(), nil
}

// Record counts one proposal and stores the block's post-decision value for
// the window covariance.
func (c *Controller) Record(id string, accepted bool, sample []float64) error {
	b, err := c.Block(id)
	if err != nil {
		return err
	}
	b.proposed++
	if accepted {
		b.accepted++
	}
	if !b.Scalar && sample != nil {
		b.samples = append(b.samples, slices.Clone(sample))
	}
	return nil
}

// Inject replaces Σ₀ of the named blocks with prior-run covariances.
//
// Every block is checked; all mismatches are returned together.
func (c *Controller) Inject(covs map[string][][]float64) error {
	var errs []error
	ids := make([]string, 0, len(covs))
	for id := range covs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		rows := covs[id]
		b, err := c.Block(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(rows) != b.Dim {
			errs = append(errs, &DimensionMismatchError{Block: id, Want: b.Dim, Got: len(rows)})
			continue
		}
		m := mat.NewSymDense(b.Dim, nil)
		var ragged error
		for i, row := range rows {
			if len(row) != b.Dim {
				ragged = &DimensionMismatchError{Block: id, Want: b.Dim, Got: len(row), Ragged: true, Row: i}
				break
			}
			for j := i; j < b.Dim; j++ {
				m.SetSym(i, j, row[j])
			}
		}
		if ragged != nil {
			errs = append(errs, ragged)
			continue
		}
		b.cov = m
	}
	return errors.Join(errs...)
}

// Adapt runs one adaptation step at window index j and resets the window.
func (c *Controller) Adapt(j int) {
	gamma := c.cfg.Gain(j)
	covGain := math.Min(gamma, maxCovGain)
	for _, b := range c.blocks {
		rate := 0.0
		if b.proposed > 0 {
			rate = float64(b.accepted) / float64(b.proposed)
		}
		b.logSigma2 += gamma * (rate - c.cfg.TargetRate)

		if !b.Scalar && len(b.samples) > 1 {
			x := mat.NewDense(len(b.samples), b.Dim, nil)
			for r, s := range b.samples {
				x.SetRow(r, s)
			}
			var emp mat.SymDense
			stat.CovarianceMatrix(&emp, x, nil)
			for r := 0; r < b.Dim; r++ {
				for k := r; k < b.Dim; k++ {
					v := b.cov.At(r, k)
					b.cov.SetSym(r, k, v+covGain*(emp.At(r, k)-v))
				}
			}
		}
		b.accepted, b.proposed = 0, 0
		b.samples = nil
	}
}

// WindowRate is the acceptance rate of the open window.
func (c *Controller) WindowRate(id string) (float64, error) {
	b, err := c.Block(id)
	if err != nil {
		return 0, err
	}
	if b.proposed == 0 {
		return 0, nil
	}
	return float64(b.accepted) / float64(b.proposed), nil
}
