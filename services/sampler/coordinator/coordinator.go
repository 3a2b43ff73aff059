// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/AleutianAI/scalemix/services/sampler/checkpoint"
	"github.com/AleutianAI/scalemix/services/sampler/collective"
	"github.com/AleutianAI/scalemix/services/sampler/engine"
	"github.com/AleutianAI/scalemix/services/sampler/model"
	"github.com/AleutianAI/scalemix/services/sampler/numerics"
	"github.com/AleutianAI/scalemix/services/sampler/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Observer is notified after every stored iteration. Observers run on the
// coordinator goroutine and must not modify the state.
type Observer interface {
	Observe(ctx context.Context, s *state.SamplerState, elapsed time.Duration)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, s *state.SamplerState, elapsed time.Duration)

func (f ObserverFunc) Observe(ctx context.Context, s *state.SamplerState, elapsed time.Duration) {
	f(ctx, s, elapsed)
}

// coordinator owns the shared parameters and the trace.
//
// Thread Safety: confined to its goroutine.
type coordinator struct {
	comm      collective.Communicator
	priors    model.Priors
	layout    *Layout
	seed      uint64
	runID     string
	store     checkpoint.Store
	observers []Observer
	logger    *slog.Logger

	shared state.Shared
	ctrl   *adapt.Controller
	rec    *engine.Recorder

	last *state.SamplerState
}

func (c *coordinator) run(ctx context.Context, from, to int) error {
	for i := from + 1; i <= to; i++ {
		if err := c.iterate(ctx, i); err != nil {
			return err
		}
	}
	if c.last == nil {
		return nil
	}
	c.logger.Info("sampling finished",
		slog.Int("iteration", c.last.Iteration),
		slog.Float64("log_likelihood", c.last.LogLik),
		slog.Any("acceptance", acceptanceRates(c.last.CombinedTallies())))
	return nil
}

// iterate runs one full sweep.
//
// Description:
//
//	Opens the iteration with a shared snapshot, drives every shared block
//	through propose/gather/decide, updates the coordinator-only blocks,
//	adapts when a window closes, gathers worker state, appends the record
//	and closes the iteration with a barrier.
//
// Outputs:
//
//	error - Collective, controller or checkpoint failures. Rejected
//	        proposals are never errors.
func (c *coordinator) iterate(ctx context.Context, i int) error {
	start := time.Now()
	ctx, span := otel.Tracer("scalemix/coordinator").Start(ctx, "sampler.Iteration",
		trace.WithAttributes(attribute.Int("iteration", i)))
	defer span.End()

	cfg := c.ctrl.Config()
	window, due := cfg.Due(i)
	if !due {
		window = 0
	}
	if _, err := collective.Bcast(ctx, c.comm, 0, SharedSnapshot{
		Iteration:   i,
		Shared:      c.shared.Clone(),
		AdaptWindow: window,
	}); err != nil {
		return fail(span, err)
	}

	rng := CoordinatorRole.stream(c.seed, i)
	for _, stage := range c.layout.Sweep {
		switch stageKinds[stage] {
		case kindShared:
			for _, b := range c.layout.Shared[stage] {
				if err := c.sharedUpdate(ctx, b, rng); err != nil {
					return fail(span, err)
				}
			}
		case kindCoordinator:
			for _, b := range c.layout.Shared[stage] {
				if err := c.priorUpdate(b, rng); err != nil {
					return fail(span, err)
				}
			}
		}
	}
	if due {
		c.logWindow(window)
		c.ctrl.Adapt(window)
	}

	reports, err := collective.GatherAs(ctx, c.comm, 0, LocalReport{})
	if err != nil {
		return fail(span, err)
	}
	st := c.assemble(i, reports[1:])
	span.SetAttributes(attribute.Float64("log_likelihood", st.LogLik))
	if err := c.store.AppendIteration(ctx, i, st); err != nil {
		return fail(span, fmt.Errorf("checkpoint iteration %d: %w", i, err))
	}
	c.last = st
	elapsed := time.Since(start)
	for _, o := range c.observers {
		o.Observe(ctx, st, elapsed)
	}
	c.logger.Debug("iteration complete",
		slog.Int("iteration", i),
		slog.Float64("log_likelihood", st.LogLik),
		slog.Duration("elapsed", elapsed))

	if err := c.comm.Barrier(ctx); err != nil {
		return fail(span, err)
	}
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// sharedUpdate proposes a move on one shared block and lets the workers'
// summed likelihood decide it.
func (c *coordinator) sharedUpdate(ctx context.Context, b Block, rng *rand.Rand) error {
	u := rng.Float64()
	cov, err := c.ctrl.Proposal(b.ID)
	if err != nil {
		return err
	}

	prop := c.shared.Clone()
	step, propErr := engine.RandomWalk(b.Values(c.shared), cov, rng)
	if propErr == nil {
		b.Assign(&prop, step)
	}
	priorCur := c.priors.LogShared(c.shared)
	priorProp := c.priors.LogShared(prop)
	invalid := propErr != nil || !numerics.IsFinite(priorProp)

	if _, err := collective.Bcast(ctx, c.comm, 0, Proposal{Block: b.ID, Shared: prop, Invalid: invalid}); err != nil {
		return err
	}
	pairs, err := collective.GatherAs(ctx, c.comm, 0, LikPair{})
	if err != nil {
		return err
	}
	terms := engine.Terms{PriorProposal: priorProp, PriorCurrent: priorCur}
	var evalErr error
	for _, p := range pairs[1:] {
		terms.LikCurrent += p.Current
		terms.LikProposal += p.Proposed
		if p.Err != nil && evalErr == nil {
			evalErr = p.Err
		}
	}
	accept := !invalid && evalErr == nil && engine.Accept(u, terms)
	if _, err := collective.Bcast(ctx, c.comm, 0, Decision{Block: b.ID, Accept: accept}); err != nil {
		return err
	}
	if accept {
		c.shared = prop
	}
	c.rec.Observe(b.ID, accept, errors.Join(propErr, evalErr))
	return c.ctrl.Record(b.ID, accept, b.Values(c.shared))
}

// priorUpdate moves a parameter that enters only the prior, without the
// workers.
func (c *coordinator) priorUpdate(b Block, rng *rand.Rand) error {
	u := rng.Float64()
	cov, err := c.ctrl.Proposal(b.ID)
	if err != nil {
		return err
	}
	prop := c.shared.Clone()
	step, propErr := engine.RandomWalk(b.Values(c.shared), cov, rng)
	accept := false
	if propErr == nil {
		b.Assign(&prop, step)
		accept = engine.Accept(u, engine.Terms{
			PriorProposal: c.priors.LogShared(prop),
			PriorCurrent:  c.priors.LogShared(c.shared),
		})
	}
	if accept {
		c.shared = prop
	}
	c.rec.Observe(b.ID, accept, propErr)
	return c.ctrl.Record(b.ID, accept, b.Values(c.shared))
}

// assemble builds the iteration's record from the coordinator's state and
// the workers' reports, ordered by replicate.
func (c *coordinator) assemble(i int, reports []LocalReport) *state.SamplerState {
	st := &state.SamplerState{
		RunID:           c.runID,
		Iteration:       i,
		Shared:          c.shared.Clone(),
		Locals:          make([]state.Local, len(reports)),
		Adaptation:      c.ctrl.Snapshot(),
		LocalAdaptation: make([]adapt.Snapshot, len(reports)),
		Tallies:         c.rec.Tallies(),
		LocalTallies:    make([]state.Tallies, len(reports)),
		LikDetail:       make([]state.LikTerms, len(reports)),
	}
	for t, r := range reports {
		st.Locals[t] = r.Local
		st.LocalAdaptation[t] = r.Adaptation
		st.LocalTallies[t] = r.Tallies
		st.LikDetail[t] = r.Terms
		st.LogLik += r.Terms.Sum()
	}
	return st
}

func (c *coordinator) logWindow(j int) {
	attrs := []any{slog.Int("window", j), slog.Float64("gain", c.ctrl.Config().Gain(j))}
	for _, id := range c.ctrl.IDs() {
		rate, err := c.ctrl.WindowRate(id)
		if err == nil {
			attrs = append(attrs, slog.Float64(id, rate))
		}
	}
	c.logger.Debug("adapting shared proposals", attrs...)
}

func acceptanceRates(t state.Tallies) map[string]float64 {
	out := make(map[string]float64, len(t))
	for id, v := range t {
		out[id] = math.Round(v.Rate()*1000) / 1000
	}
	return out
}
