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
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func sample(iter int, tallies state.Tallies) *state.SamplerState {
	return &state.SamplerState{
		RunID:     "r1",
		Iteration: iter,
		Shared: state.Shared{
			Phi: []float64{0.4, 0.6}, Range: []float64{1, 2}, Tau: 3,
			BetaLogSigma: []float64{0.5}, BetaXi: []float64{0.1},
			SigmaBetaLogSigma: 1, SigmaBetaXi: 1,
		},
		Tallies: tallies,
		LogLik:  -123.5,
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"
	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg = DefaultConfig()
	cfg.MetricExporter = "graphite"
	_, err = Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_NoneAndStdout(t *testing.T) {
	shutdown, err := Init(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	shutdown, err = Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_OTLPConnectsLazily(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "otlp"
	cfg.OTLPEndpoint = "127.0.0.1:1"
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestDialCollector_RequiresCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OTLPEndpoint = "127.0.0.1:1"
	cfg.OTLPInsecure = false
	_, err := dialCollector(cfg)
	assert.Error(t, err)
}

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	m.Observe(context.Background(), sample(1, state.Tallies{
		"tau": {Proposed: 1, Accepted: 1},
	}), 20*time.Millisecond)
	m.Observe(context.Background(), sample(2, state.Tallies{
		"tau": {Proposed: 2, Accepted: 1, Numerical: 1},
	}), 30*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.iteration))
	assert.Equal(t, -123.5, testutil.ToFloat64(m.logLik))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.proposals.WithLabelValues("tau")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accepted.WithLabelValues("tau")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("tau", "numerical")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sweep))
}

type fakeWriter struct {
	points []*write.Point
	err    error
}

func (f *fakeWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	f.points = append(f.points, p...)
	return f.err
}

func TestInfluxSink_WritesTracePoint(t *testing.T) {
	w := &fakeWriter{}
	sink := newInfluxSink(w, nil)
	sink.Observe(context.Background(), sample(7, state.Tallies{"tau": {Proposed: 4, Accepted: 1}}), time.Second)

	require.Len(t, w.points, 1)
	p := w.points[0]
	assert.Equal(t, TraceMeasurement, p.Name())

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, int64(7), fields["iteration"])
	assert.Equal(t, 0.6, fields["phi_1"])
	assert.Equal(t, 2.0, fields["range_1"])
	assert.Equal(t, 0.25, fields["accept_tau"])
	require.Len(t, p.TagList(), 1)
	assert.Equal(t, "r1", p.TagList()[0].Value)
}

func TestInfluxSink_WriteFailureDoesNotPanic(t *testing.T) {
	w := &fakeWriter{err: errors.New("down")}
	sink := newInfluxSink(w, nil)
	for i := range 5 {
		sink.Observe(context.Background(), sample(i, nil), time.Millisecond)
	}
	assert.Len(t, w.points, 5)
	sink.Close()
}
