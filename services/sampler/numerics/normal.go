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

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	logSqrt2Pi = 0.91893853320467274178032973640561763986139747363778

	// asymptoticCutoff is where log Φ switches from erfc to the tail series.
	asymptoticCutoff = -20.0
)

// NormCDF is the standard normal CDF.
func NormCDF(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}

// NormQuantile is the standard normal quantile function.
func NormQuantile(p float64) float64 {
	return distuv.UnitNormal.Quantile(p)
}

// LogNormPDF is the log density of the standard normal.
func LogNormPDF(x float64) float64 {
	return -0.5*x*x - logSqrt2Pi
}

// LogNormCDF returns log Φ(x) without underflow in the far lower tail.
//
// Description:
//
//	Above the cutoff the value comes from erfc, which keeps relative accuracy
//	for negative arguments. Below it the Mills-ratio asymptotic series is
//	used, accurate to double precision for |x| > 20.
//
// Inputs:
//
//	x - Standardized argument. +Inf gives 0, -Inf gives -Inf.
//
// Outputs:
//
//	float64 - log Φ(x). NaN propagates.
func LogNormCDF(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return math.NaN()
	case math.IsInf(x, 1):
		return 0
	case math.IsInf(x, -1):
		return math.Inf(-1)
	case x > 5:
		return math.Log1p(-0.5 * math.Erfc(x/math.Sqrt2))
	case x > asymptoticCutoff:
		return math.Log(0.5 * math.Erfc(-x/math.Sqrt2))
	}
	x2 := x * x
	inv := 1 / x2
	// 1 - 1/x² + 3/x⁴ - 15/x⁶ + 105/x⁸
	series := 1 - inv*(1-inv*(3-inv*(15-inv*105)))
	return LogNormPDF(x) - math.Log(-x) + math.Log(series)
}

// logDiffNormCDF returns log(Φ(b) - Φ(a)) for a < b.
func logDiffNormCDF(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return LogNormCDF(b)
	}
	if math.IsInf(b, 1) {
		return LogNormCDF(-a)
	}
	if a > 0 {
		// Both in the upper tail: reflect for precision.
		a, b = -b, -a
	}
	lb := LogNormCDF(b)
	la := LogNormCDF(a)
	if la >= lb {
		return math.Inf(-1)
	}
	return lb + math.Log1p(-math.Exp(la-lb))
}
