// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package covariance builds the nonstationary Matérn covariance of the latent
// Gaussian field and evaluates multivariate normal densities through its
// Cholesky factor.
package covariance

import (
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/scalemix/services/sampler/numerics"
	"gonum.org/v1/gonum/mat"
)

// ErrUnsupportedSmoothness is returned for Matérn smoothness values without a
// closed form.
var ErrUnsupportedSmoothness = errors.New("unsupported Matérn smoothness (want 0.5, 1.5 or 2.5)")

// Point is a planar coordinate.
type Point struct {
	X, Y float64
}

// Build returns the nonstationary Matérn covariance of Paciorek and Schervish
// with isotropic local kernels.
//
// Description:
//
//	For sites i, j with local ranges ρ and sills σ²:
//
//	  K_ij = σ_i σ_j · ρ_i ρ_j / ((ρ_i² + ρ_j²)/2) · M_ν(d_ij / sqrt((ρ_i² + ρ_j²)/2))
//
//	M_ν is the unit Matérn correlation. Smoothness 0.5 is the exponential kernel.
//
// Inputs:
//
//	ranges - Per-site range, all positive.
//	sills - Per-site variance, all positive.
//	coords - Per-site coordinates.
//	smoothness - ν, one of 0.5, 1.5, 2.5.
//
// Outputs:
//
//	*mat.SymDense - The covariance matrix.
//	error - ErrUnsupportedSmoothness, length mismatch, or a NumericalError for
//	        a non-positive range.
func Build(ranges, sills []float64, coords []Point, smoothness float64) (*mat.SymDense, error) {
	n := len(coords)
	if len(ranges) != n || len(sills) != n {
		return nil, fmt.Errorf("covariance inputs disagree: %d ranges, %d sills, %d coords",
			len(ranges), len(sills), n)
	}
	corr, err := maternCorrelation(smoothness)
	if err != nil {
		return nil, err
	}
	for i, r := range ranges {
		if !(r > 0) || !numerics.IsFinite(r) {
			return nil, &numerics.NumericalError{Op: "covariance range", Value: r,
				Err: fmt.Errorf("site %d", i)}
		}
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		si := math.Sqrt(sills[i])
		ri2 := ranges[i] * ranges[i]
		for j := i; j < n; j++ {
			rj2 := ranges[j] * ranges[j]
			avg := (ri2 + rj2) / 2
			d := math.Hypot(coords[i].X-coords[j].X, coords[i].Y-coords[j].Y)
			v := si * math.Sqrt(sills[j]) * ranges[i] * ranges[j] / avg * corr(d/math.Sqrt(avg))
			k.SetSym(i, j, v)
		}
	}
	return k, nil
}

func maternCorrelation(nu float64) (func(float64) float64, error) {
	switch nu {
	case 0.5:
		return func(r float64) float64 { return math.Exp(-r) }, nil
	case 1.5:
		return func(r float64) float64 {
			s := math.Sqrt(3) * r
			return (1 + s) * math.Exp(-s)
		}, nil
	case 2.5:
		return func(r float64) float64 {
			s := math.Sqrt(5) * r
			return (1 + s + s*s/3) * math.Exp(-s)
		}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedSmoothness, nu)
}

// Factorize returns the Cholesky factor of k.
//
// A matrix that is not numerically positive definite yields a NumericalError.
func Factorize(k mat.Symmetric) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(k); !ok {
		return nil, &numerics.NumericalError{Op: "cholesky",
			Err: errors.New("covariance matrix is not positive definite")}
	}
	return &chol, nil
}

// MVNLogDensity is the log density of a zero-mean multivariate normal at z.
func MVNLogDensity(z []float64, chol *mat.Cholesky) (float64, error) {
	n := chol.SymmetricDim()
	if len(z) != n {
		return math.NaN(), fmt.Errorf("mvn density: vector length %d, covariance dim %d", len(z), n)
	}
	for _, v := range z {
		if !numerics.IsFinite(v) {
			return math.NaN(), &numerics.NumericalError{Op: "mvn density", Value: v}
		}
	}
	zv := mat.NewVecDense(n, append([]float64(nil), z...))
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, zv); err != nil {
		return math.NaN(), &numerics.NumericalError{Op: "mvn solve", Err: err}
	}
	quad := mat.Dot(zv, &sol)
	return -0.5 * (float64(n)*math.Log(2*math.Pi) + chol.LogDet() + quad), nil
}
