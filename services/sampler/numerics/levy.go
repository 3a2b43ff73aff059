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
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Levy is the one-sided stable law with index 1/2, location 0 and scale Gamma.
//
// It coincides with an inverse gamma distribution with shape 1/2 and scale
// Gamma/2, which is how it is evaluated.
type Levy struct {
	Gamma float64
	Src   rand.Source
}

func (l Levy) inv() distuv.InverseGamma {
	return distuv.InverseGamma{Alpha: 0.5, Beta: l.Gamma / 2, Src: l.Src}
}

// LogProb is the log density at x; -Inf for x <= 0.
func (l Levy) LogProb(x float64) float64 {
	if !(x > 0) {
		return math.Inf(-1)
	}
	return l.inv().LogProb(x)
}

// CDF is P(R <= x) = erfc(sqrt(Gamma / 2x)).
func (l Levy) CDF(x float64) float64 {
	if !(x > 0) {
		return 0
	}
	return math.Erfc(math.Sqrt(l.Gamma / (2 * x)))
}

// Rand draws a variate. Src must be set.
func (l Levy) Rand() float64 {
	return l.inv().Rand()
}

// LogScalePrior is the log prior of a log-scale coordinate s = log S with
// S ~ Levy(gamma): the Lévy log density at e^s plus the Jacobian s.
func LogScalePrior(s, gamma float64) float64 {
	return Levy{Gamma: gamma}.LogProb(math.Exp(s)) + s
}
