// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package numerics

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

const (
	eulerGamma = 0.57721566490153286060651209008240243104215933593992

	// zeroShape is the |a| below which Γ(a, x) is taken as E1(x).
	zeroShape = 1e-6
)

// UpperIncompleteGamma returns the non-regularized Γ(a, x) for x > 0 and
// a > -1.
//
// Description:
//
//	Positive shapes use the regularized complement times Γ(a). Negative shapes
//	step up once with Γ(a,x) = (Γ(a+1,x) - x^a e^-x)/a. Shapes within 1e-6 of
//	zero return the exponential integral E1(x), avoiding the cancellation the
//	recurrence suffers there.
//
// Inputs:
//
//	a - Shape, in (-1, ∞).
//	x - Lower integration limit, > 0.
//
// Outputs:
//
//	float64 - Γ(a, x), NaN for invalid input.
func UpperIncompleteGamma(a, x float64) float64 {
	if !(x > 0) || !(a > -1) {
		if x == 0 && a > 0 {
			return math.Gamma(a)
		}
		return math.NaN()
	}
	switch {
	case math.Abs(a) < zeroShape:
		return ExpIntE1(x)
	case a > 0:
		return math.Gamma(a) * mathext.GammaIncRegComp(a, x)
	default:
		up := math.Gamma(a+1) * mathext.GammaIncRegComp(a+1, x)
		return (up - math.Exp(a*math.Log(x)-x)) / a
	}
}

// ExpIntE1 is the exponential integral E1(x) = ∫_x^∞ e^-t/t dt for x > 0.
//
// Power series below 1, modified Lentz continued fraction above.
func ExpIntE1(x float64) float64 {
	if !(x > 0) {
		if x == 0 {
			return math.Inf(1)
		}
		return math.NaN()
	}
	if x <= 1 {
		sum := 0.0
		term := 1.0
		for n := 1; n < 200; n++ {
			term *= -x / float64(n)
			c := term / float64(n)
			sum += c
			if math.Abs(c) < 1e-17*math.Abs(sum) {
				break
			}
		}
		return -eulerGamma - math.Log(x) - sum
	}
	const tiny = 1e-300
	b := x + 1
	c := 1 / tiny
	d := 1 / b
	h := d
	for i := 1; i < 500; i++ {
		an := -float64(i * i)
		b += 2
		d = 1 / (an*d + b)
		c = b + an/c
		del := c * d
		h *= del
		if math.Abs(del-1) < 1e-16 {
			break
		}
	}
	return h * math.Exp(-x)
}
