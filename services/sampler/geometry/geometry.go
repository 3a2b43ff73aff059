// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package geometry describes monitoring sites, knots and the static
// site-to-knot weight matrices derived from them.
//
// Weights are computed once at startup and are read-only afterwards.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUncoveredSite is returned when a site receives zero total weight.
	ErrUncoveredSite = errors.New("site is outside the support of every knot")

	// ErrNoKnots is returned when a weight computation has no knots.
	ErrNoKnots = errors.New("no knots")
)

// Site is a monitoring location.
type Site struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Elevation float64 `json:"elevation"`
}

// Knot is a fixed spatial anchor with an influence radius.
type Knot struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
}

// Distance is the Euclidean distance between two planar points.
func Distance(x1, y1, x2, y2 float64) float64 {
	return math.Hypot(x1-x2, y1-y2)
}

// Kernel maps a site-knot distance to an unnormalized weight.
type Kernel interface {
	Weight(d float64, knot Knot) float64
	Name() string
}

// GaussianKernel is exp(-d²/(2·Bandwidth)) with unbounded support.
type GaussianKernel struct {
	Bandwidth float64
}

func (k GaussianKernel) Weight(d float64, _ Knot) float64 {
	return math.Exp(-d * d / (2 * k.Bandwidth))
}

func (k GaussianKernel) Name() string { return "gaussian" }

// WendlandKernel is (1-r)⁴(4r+1) for r = d/radius < 1 and 0 beyond.
//
// The knot's own Radius wins when positive, otherwise Radius is used.
type WendlandKernel struct {
	Radius float64
}

func (k WendlandKernel) Weight(d float64, knot Knot) float64 {
	radius := k.Radius
	if knot.Radius > 0 {
		radius = knot.Radius
	}
	r := d / radius
	if r >= 1 {
		return 0
	}
	return math.Pow(1-r, 4) * (4*r + 1)
}

func (k WendlandKernel) Name() string { return "wendland" }

// ComputeWeights returns the normalized, non-negative weights of one site
// against every knot.
//
// Inputs:
//
//	site - The site.
//	knots - Knots in fixed order. Must be non-empty.
//	kernel - Weight function.
//
// Outputs:
//
//	[]float64 - len(knots) weights summing to one.
//	error - ErrUncoveredSite if every weight is zero.
func ComputeWeights(site Site, knots []Knot, kernel Kernel) ([]float64, error) {
	if len(knots) == 0 {
		return nil, ErrNoKnots
	}
	w := make([]float64, len(knots))
	for i, kn := range knots {
		w[i] = kernel.Weight(Distance(site.X, site.Y, kn.X, kn.Y), kn)
	}
	total := floats.Sum(w)
	if !(total > 0) {
		return nil, ErrUncoveredSite
	}
	floats.Scale(1/total, w)
	return w, nil
}

// WeightMatrix assembles the sites×knots weight matrix for a kernel.
//
// Every uncovered site is reported, joined into one error, so a bad
// configuration is diagnosed in a single pass.
func WeightMatrix(sites []Site, knots []Knot, kernel Kernel) (*mat.Dense, error) {
	if len(knots) == 0 {
		return nil, ErrNoKnots
	}
	m := mat.NewDense(len(sites), len(knots), nil)
	var errs []error
	for s, site := range sites {
		w, err := ComputeWeights(site, knots, kernel)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s weights, site %d (%.3f, %.3f): %w",
				kernel.Name(), s, site.X, site.Y, err))
			continue
		}
		m.SetRow(s, w)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

// KnotGrid lays an isometric grid of knots over the bounding box of the sites.
//
// Description:
//
//	The box is widened to integer bounds. An outer lattice of outer knots
//	(a perfect square) is interleaved with an inner lattice offset by half a
//	spacing; knots falling on or outside the box are dropped.
//
// Inputs:
//
//	sites - Site locations. Must be non-empty.
//	outer - Size of the outer lattice, e.g. 9 for a 3×3 lattice.
//	radius - Influence radius assigned to every knot.
//
// Outputs:
//
//	[]Knot - Outer knots first, then inner knots, each in row-major order.
func KnotGrid(sites []Site, outer int, radius float64) []Knot {
	if len(sites) == 0 || outer < 1 {
		return nil
	}
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, s := range sites {
		minX, maxX = math.Min(minX, s.X), math.Max(maxX, s.X)
		minY, maxY = math.Min(minY, s.Y), math.Max(maxY, s.Y)
	}
	minX, maxX = math.Floor(minX), math.Ceil(maxX)
	minY, maxY = math.Floor(minY), math.Ceil(maxY)

	n := int(2 * math.Sqrt(float64(outer)))
	if n < 2 {
		n = 2
	}
	xs := spaced(minX, maxX, n)
	ys := spaced(minY, maxY, n)

	var knots []Knot
	for _, parity := range []int{0, 1} {
		for j := parity; j < n; j += 2 {
			for i := parity; i < n; i += 2 {
				x, y := xs[i], ys[j]
				if minX < x && x < maxX && minY < y && y < maxY {
					knots = append(knots, Knot{X: x, Y: y, Radius: radius})
				}
			}
		}
	}
	return knots
}

// spaced returns n positions starting half a spacing inside lo.
func spaced(lo, hi float64, n int) []float64 {
	step := (hi - lo) / float64(n-1)
	out := make([]float64, n)
	floats.Span(out, lo+step/2, hi+step/2)
	return out
}
