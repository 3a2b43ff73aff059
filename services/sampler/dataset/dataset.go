// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset holds the observations a run conditions on: site and knot
// geometry plus one observation vector per time replicate.
//
// Missing observations are NaN in memory and null in JSON files.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"sort"

	"github.com/AleutianAI/scalemix/services/sampler/geometry"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrEmpty is returned for a dataset without sites or replicates.
	ErrEmpty = errors.New("dataset has no sites or no replicates")

	// ErrRagged is returned when a replicate's length differs from the
	// number of sites.
	ErrRagged = errors.New("replicate length does not match site count")
)

// Observations is a replicates×sites matrix, NaN marking missing entries.
type Observations [][]float64

// MarshalJSON writes NaN as null.
func (o Observations) MarshalJSON() ([]byte, error) {
	rows := make([][]*float64, len(o))
	for t, row := range o {
		rows[t] = make([]*float64, len(row))
		for s, v := range row {
			if !math.IsNaN(v) {
				rows[t][s] = &v
			}
		}
	}
	return json.Marshal(rows)
}

// UnmarshalJSON reads null as NaN.
func (o *Observations) UnmarshalJSON(data []byte) error {
	var rows [][]*float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	out := make(Observations, len(rows))
	for t, row := range rows {
		out[t] = make([]float64, len(row))
		for s, v := range row {
			if v == nil {
				out[t][s] = math.NaN()
			} else {
				out[t][s] = *v
			}
		}
	}
	*o = out
	return nil
}

// Truth records the parameters a simulated dataset was drawn from.
type Truth struct {
	Shared state.Shared `json:"shared"`

	// LogS is the knot scale field, one row per replicate.
	LogS [][]float64 `json:"log_s"`
}

// Dataset is everything a run reads from disk.
type Dataset struct {
	Sites []geometry.Site `json:"sites"`
	Knots []geometry.Knot `json:"knots"`

	// Threshold is u. Zero means the empirical quantile at the threshold
	// probability is used.
	Threshold float64 `json:"threshold,omitempty"`

	Y Observations `json:"y"`

	Truth *Truth `json:"truth,omitempty"`
}

// NumSites is Ns.
func (d *Dataset) NumSites() int { return len(d.Sites) }

// NumReplicates is Nt.
func (d *Dataset) NumReplicates() int { return len(d.Y) }

// Validate checks shapes and that every observed value is finite.
func (d *Dataset) Validate() error {
	if len(d.Sites) == 0 || len(d.Y) == 0 {
		return ErrEmpty
	}
	if len(d.Knots) == 0 {
		return geometry.ErrNoKnots
	}
	var errs []error
	for t, row := range d.Y {
		if len(row) != len(d.Sites) {
			errs = append(errs, fmt.Errorf("%w: replicate %d has %d values, %d sites", ErrRagged, t, len(row), len(d.Sites)))
			continue
		}
		for s, v := range row {
			if math.IsInf(v, 0) {
				errs = append(errs, fmt.Errorf("replicate %d site %d: infinite observation", t, s))
			}
		}
	}
	return errors.Join(errs...)
}

// Missing reports which sites of replicate t are unobserved.
func (d *Dataset) Missing(t int) []bool {
	out := make([]bool, len(d.Y[t]))
	for s, v := range d.Y[t] {
		out[s] = math.IsNaN(v)
	}
	return out
}

// Observed returns the observed values of site s across replicates.
func (d *Dataset) Observed(s int) []float64 {
	var out []float64
	for _, row := range d.Y {
		if !math.IsNaN(row[s]) {
			out = append(out, row[s])
		}
	}
	return out
}

// EmpiricalThreshold is the p-quantile of every observed value.
func (d *Dataset) EmpiricalThreshold(p float64) (float64, error) {
	var all []float64
	for _, row := range d.Y {
		for _, v := range row {
			if !math.IsNaN(v) {
				all = append(all, v)
			}
		}
	}
	if len(all) == 0 {
		return math.NaN(), fmt.Errorf("%w: no observed values", ErrEmpty)
	}
	sort.Float64s(all)
	return stat.Quantile(p, stat.LinInterp, all, nil), nil
}

// ResolveThreshold returns Threshold, or the empirical p-quantile when unset.
func (d *Dataset) ResolveThreshold(p float64) (float64, error) {
	if d.Threshold != 0 {
		return d.Threshold, nil
	}
	return d.EmpiricalThreshold(p)
}

// Clone deep-copies d.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		Sites:     slices.Clone(d.Sites),
		Knots:     slices.Clone(d.Knots),
		Threshold: d.Threshold,
		Y:         make(Observations, len(d.Y)),
	}
	for t, row := range d.Y {
		out.Y[t] = slices.Clone(row)
	}
	if d.Truth != nil {
		tr := &Truth{Shared: d.Truth.Shared.Clone(), LogS: make([][]float64, len(d.Truth.LogS))}
		for t, row := range d.Truth.LogS {
			tr.LogS[t] = slices.Clone(row)
		}
		out.Truth = tr
	}
	return out
}

// Load reads and validates a JSON dataset.
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var d Dataset
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return &d, nil
}

// Save writes d as indented JSON.
func (d *Dataset) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	return nil
}
