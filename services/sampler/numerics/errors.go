// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package numerics holds the scalar special functions and densities the
// sampler evaluates in its inner loop: log normal CDF, truncated normal
// proposals, the Lévy density and the upper incomplete gamma function.
//
// Every function is pure and safe for concurrent use. Random draws take an
// explicit rand.Source so callers control the stream.
package numerics

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBounds is returned when a truncated distribution has an empty support.
var ErrInvalidBounds = errors.New("truncation bounds leave no support")

// NumericalError reports a likelihood, prior or proposal density that could
// not be evaluated to a finite value.
//
// The sampler recovers from it by rejecting the proposal; it is never fatal
// inside the iteration loop.
type NumericalError struct {
	// Op names the computation that failed, e.g. "cholesky" or "qRW".
	Op string

	// Value is the offending value, when one exists.
	Value float64

	// Err is an optional underlying cause.
	Err error
}

func (e *NumericalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("numerical error in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("numerical error in %s: value %v", e.Op, e.Value)
}

func (e *NumericalError) Unwrap() error {
	return e.Err
}

// NonFinite returns a NumericalError when v is NaN or infinite, nil otherwise.
func NonFinite(op string, v float64) error {
	if IsFinite(v) {
		return nil
	}
	return &NumericalError{Op: op, Value: v}
}

// IsFinite reports whether v is neither NaN nor ±Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AllFinite reports whether every value is finite.
func AllFinite(vs ...float64) bool {
	for _, v := range vs {
		if !IsFinite(v) {
			return false
		}
	}
	return true
}
