// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/scalemix/services/sampler/state"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"golang.org/x/time/rate"
)

// TraceMeasurement is the InfluxDB measurement of trace points.
const TraceMeasurement = "scalemix_trace"

// pointWriter is the part of api.WriteAPIBlocking the sink uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes one point per iteration with the shared parameters, the
// log likelihood and the cumulative acceptance rates. Write failures are
// logged and never stop the run.
type InfluxSink struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger
	warn   *rate.Sometimes
}

// NewInfluxSink connects a blocking writer to org/bucket at url.
func NewInfluxSink(url, token, org, bucket string, logger *slog.Logger) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	s := newInfluxSink(client.WriteAPIBlocking(org, bucket), logger)
	s.client = client
	return s
}

func newInfluxSink(w pointWriter, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &InfluxSink{
		writer: w,
		logger: logger.With(slog.String("component", "influx_sink")),
		warn:   &rate.Sometimes{First: 3, Interval: time.Minute},
	}
}

// Observe writes the iteration's point.
func (s *InfluxSink) Observe(ctx context.Context, st *state.SamplerState, elapsed time.Duration) {
	if err := s.writer.WritePoint(ctx, tracePoint(st, elapsed, time.Now())); err != nil {
		s.warn.Do(func() {
			s.logger.Warn("trace point not written",
				slog.Int("iteration", st.Iteration),
				slog.String("error", err.Error()))
		})
	}
}

// Close releases the client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func tracePoint(st *state.SamplerState, elapsed time.Duration, at time.Time) *write.Point {
	p := influxdb2.NewPointWithMeasurement(TraceMeasurement).
		AddTag("run_id", st.RunID).
		AddField("iteration", st.Iteration).
		AddField("log_likelihood", st.LogLik).
		AddField("tau", st.Shared.Tau).
		AddField("sigma_beta_logsigma", st.Shared.SigmaBetaLogSigma).
		AddField("sigma_beta_xi", st.Shared.SigmaBetaXi).
		AddField("sweep_seconds", elapsed.Seconds()).
		SetTime(at)
	vector := func(name string, v []float64) {
		for i, x := range v {
			p.AddField(fmt.Sprintf("%s_%d", name, i), x)
		}
	}
	vector("phi", st.Shared.Phi)
	vector("range", st.Shared.Range)
	vector("beta_logsigma", st.Shared.BetaLogSigma)
	vector("beta_xi", st.Shared.BetaXi)
	for id, t := range st.CombinedTallies() {
		p.AddField("accept_"+id, t.Rate())
	}
	return p
}
