// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export writes stored traces as CSV to a local file or a Google
// Cloud Storage object, one row per iteration.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/AleutianAI/scalemix/services/sampler/state"
)

// ErrShapeChanged is returned when a row has a different number of knots
// or covariates than the first row.
var ErrShapeChanged = errors.New("trace rows differ in shape")

// Header returns the CSV column names for a trace with the given number of
// knots and covariates.
func Header(knots, covariates int) []string {
	h := []string{"iteration", "log_lik", "tau", "sigma_beta_logsigma", "sigma_beta_xi"}
	for k := range knots {
		h = append(h, "phi_"+strconv.Itoa(k))
	}
	for k := range knots {
		h = append(h, "range_"+strconv.Itoa(k))
	}
	for j := range covariates {
		h = append(h, "beta_logsigma_"+strconv.Itoa(j))
	}
	for j := range covariates {
		h = append(h, "beta_xi_"+strconv.Itoa(j))
	}
	return h
}

// CSVWriter streams trace rows. The header is taken from the first row.
//
// Thread Safety: Not safe for concurrent use.
type CSVWriter struct {
	w          *csv.Writer
	knots      int
	covariates int
	started    bool
}

// NewCSVWriter writes to w.
func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

// Write appends one iteration.
func (c *CSVWriter) Write(s *state.SamplerState) error {
	sh := s.Shared
	if !c.started {
		c.knots, c.covariates = len(sh.Phi), len(sh.BetaLogSigma)
		if err := c.w.Write(Header(c.knots, c.covariates)); err != nil {
			return err
		}
		c.started = true
	}
	if len(sh.Phi) != c.knots || len(sh.Range) != c.knots ||
		len(sh.BetaLogSigma) != c.covariates || len(sh.BetaXi) != c.covariates {
		return fmt.Errorf("%w: iteration %d", ErrShapeChanged, s.Iteration)
	}
	rec := make([]string, 0, 5+2*c.knots+2*c.covariates)
	rec = append(rec,
		strconv.Itoa(s.Iteration),
		formatFloat(s.LogLik),
		formatFloat(sh.Tau),
		formatFloat(sh.SigmaBetaLogSigma),
		formatFloat(sh.SigmaBetaXi))
	for _, vs := range [][]float64{sh.Phi, sh.Range, sh.BetaLogSigma, sh.BetaXi} {
		for _, v := range vs {
			rec = append(rec, formatFloat(v))
		}
	}
	return c.w.Write(rec)
}

// Flush writes buffered rows and reports any write error.
func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Open returns a writer for target: a gs://bucket/object URL or a local
// path. Close finishes the upload for GCS targets, so its error must be
// checked.
func Open(ctx context.Context, target string, gcs GCSOptions) (io.WriteCloser, error) {
	if strings.HasPrefix(target, "gs://") {
		bucket, object, err := ParseGCSURL(target)
		if err != nil {
			return nil, err
		}
		return newGCSWriter(ctx, gcs, bucket, object)
	}
	f, err := os.Create(target)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", target, err)
	}
	return f, nil
}

// Trace scans store rows from from onward and writes them to target.
// It returns the number of rows written.
func Trace(ctx context.Context, scan func(ctx context.Context, from int, fn func(int, *state.SamplerState) error) error,
	from int, target string, gcs GCSOptions) (n int, err error) {
	out, err := Open(ctx, target, gcs)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.Join(err, out.Close()) }()

	w := NewCSVWriter(out)
	if err := scan(ctx, from, func(_ int, s *state.SamplerState) error {
		n++
		return w.Write(s)
	}); err != nil {
		return n, err
	}
	return n, w.Flush()
}
