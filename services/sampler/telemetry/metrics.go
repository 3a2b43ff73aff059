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
	"sync"
	"time"

	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics exports per-iteration sampler metrics. It is a coordinator
// Observer.
//
// Thread Safety: Safe for concurrent use.
type Metrics struct {
	proposals *prometheus.CounterVec
	accepted  *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	iteration prometheus.Gauge
	logLik    prometheus.Gauge
	sweep     prometheus.Histogram

	iterations otelmetric.Int64Counter

	mu   sync.Mutex
	seen state.Tallies
}

// NewMetrics registers the sampler's Prometheus collectors on reg and its
// OpenTelemetry instruments on meter.
//
// Inputs:
//
//	reg - Registry; prometheus.DefaultRegisterer in production.
//	meter - OTel meter, e.g. otel.Meter("scalemix/sampler").
//
// Outputs:
//
//	*Metrics - Ready to pass as a coordinator Observer.
//	error - Non-nil if an instrument cannot be created.
func NewMetrics(reg prometheus.Registerer, meter otelmetric.Meter) (*Metrics, error) {
	f := promauto.With(reg)
	m := &Metrics{
		proposals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scalemix_block_proposals_total",
			Help: "Proposals per block",
		}, []string{"block"}),
		accepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scalemix_block_accepted_total",
			Help: "Accepted proposals per block",
		}, []string{"block"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scalemix_block_rejected_evaluations_total",
			Help: "Proposals rejected on numerical or domain failure, per block",
		}, []string{"block", "reason"}),
		iteration: f.NewGauge(prometheus.GaugeOpts{
			Name: "scalemix_iteration",
			Help: "Index of the last stored iteration",
		}),
		logLik: f.NewGauge(prometheus.GaugeOpts{
			Name: "scalemix_log_likelihood",
			Help: "Total log likelihood at the last stored iteration",
		}),
		sweep: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scalemix_sweep_duration_seconds",
			Help:    "Wall time of one full iteration",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		seen: state.Tallies{},
	}
	var err error
	m.iterations, err = meter.Int64Counter(
		"scalemix.iterations",
		otelmetric.WithDescription("Completed sampler iterations"),
		otelmetric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create iterations counter: %w", err)
	}
	return m, nil
}

// Observe records one stored iteration. Counters advance by the change in
// the cumulative tallies since the previous call.
func (m *Metrics) Observe(ctx context.Context, s *state.SamplerState, elapsed time.Duration) {
	m.iteration.Set(float64(s.Iteration))
	m.logLik.Set(s.LogLik)
	m.sweep.Observe(elapsed.Seconds())
	m.iterations.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("run_id", s.RunID)))

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range s.CombinedTallies() {
		prev := m.seen[id]
		if d := t.Proposed - prev.Proposed; d > 0 {
			m.proposals.WithLabelValues(id).Add(float64(d))
		}
		if d := t.Accepted - prev.Accepted; d > 0 {
			m.accepted.WithLabelValues(id).Add(float64(d))
		}
		if d := t.Numerical - prev.Numerical; d > 0 {
			m.rejected.WithLabelValues(id, "numerical").Add(float64(d))
		}
		if d := t.Domain - prev.Domain; d > 0 {
			m.rejected.WithLabelValues(id, "domain").Add(float64(d))
		}
		m.seen[id] = t
	}
}
