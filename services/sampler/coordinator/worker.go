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
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/AleutianAI/scalemix/services/sampler/collective"
	"github.com/AleutianAI/scalemix/services/sampler/engine"
	"github.com/AleutianAI/scalemix/services/sampler/marginal"
	"github.com/AleutianAI/scalemix/services/sampler/model"
	"github.com/AleutianAI/scalemix/services/sampler/numerics"
	"github.com/AleutianAI/scalemix/services/sampler/state"
)

// fit is a shared parameter set with everything derived from it for one
// replicate.
type fit struct {
	shared state.Shared
	sf     *model.Surfaces
	tr     []marginal.SiteTransform
	terms  state.LikTerms
	z      []float64
}

// worker owns one time replicate.
//
// Thread Safety: confined to its goroutine.
type worker struct {
	role   Role
	comm   collective.Communicator
	model  *model.Model
	priors model.Priors
	layout *Layout
	seed   uint64
	logger *slog.Logger

	local state.Local
	cur   fit

	ctrl *adapt.Controller
	rec  *engine.Recorder
}

func newWorker(
	role Role,
	comm collective.Communicator,
	m *model.Model,
	priors model.Priors,
	layout *Layout,
	ctrl *adapt.Controller,
	seed uint64,
	shared state.Shared,
	local state.Local,
	tallies state.Tallies,
	logger *slog.Logger,
) (*worker, error) {
	w := &worker{
		role:   role,
		comm:   comm,
		model:  m,
		priors: priors,
		layout: layout,
		seed:   seed,
		logger: logger.With(slog.String("role", role.String()), slog.Int("t", role.T)),
		local:  local.Clone(),
		ctrl:   ctrl,
	}
	w.rec = engine.NewRecorder(w.logger, tallies)
	f, err := w.evaluate(shared, nil)
	if err != nil {
		return nil, fmt.Errorf("replicate %d: initial likelihood: %w", role.T, err)
	}
	w.cur = *f
	w.local.Z = f.z
	return w, nil
}

// evaluate derives surfaces, transforms and the likelihood of sh at the
// worker's current latent state. Transforms are reused from the current fit
// when only the knot ranges differ.
func (w *worker) evaluate(sh state.Shared, from *fit) (*fit, error) {
	var prev *model.Surfaces
	if from != nil {
		prev = from.sf
	}
	sf, err := w.model.Surfaces(sh, prev)
	if err != nil {
		return nil, err
	}
	var tr []marginal.SiteTransform
	if from != nil && sameMarginals(from.shared, sh) {
		tr = from.tr
	} else if tr, err = w.model.Transforms(w.local.Y, sf); err != nil {
		return nil, err
	}
	terms, z, err := w.model.LogLik(tr, w.local.LogS, w.local.XStar, sf)
	if err != nil {
		return nil, err
	}
	return &fit{shared: sh.Clone(), sf: sf, tr: tr, terms: terms, z: z}, nil
}

// sameMarginals reports whether the site transforms of a and b agree: they
// depend on everything but the knot ranges and the coefficient prior scales.
func sameMarginals(a, b state.Shared) bool {
	return slices.Equal(a.Phi, b.Phi) && a.Tau == b.Tau &&
		slices.Equal(a.BetaLogSigma, b.BetaLogSigma) && slices.Equal(a.BetaXi, b.BetaXi)
}

// sameLikelihood reports whether a and b give the same likelihood.
func sameLikelihood(a, b state.Shared) bool {
	return sameMarginals(a, b) && slices.Equal(a.Range, b.Range)
}

func (w *worker) run(ctx context.Context, from, to int) error {
	for i := from + 1; i <= to; i++ {
		if err := w.iterate(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) iterate(ctx context.Context, i int) error {
	snap, err := collective.Bcast(ctx, w.comm, 0, SharedSnapshot{})
	if err != nil {
		return err
	}
	if snap.Iteration != i {
		return &collective.CollectiveProtocolError{Rank: w.role.Rank(), Op: "snapshot",
			Err: fmt.Errorf("coordinator opened iteration %d, worker expected %d", snap.Iteration, i)}
	}
	if err := w.adopt(snap.Shared); err != nil {
		return err
	}

	rng := w.role.stream(w.seed, i)
	for _, stage := range w.layout.Sweep {
		switch stageKinds[stage] {
		case kindLocal:
			if err := w.runLocal(stage, rng); err != nil {
				return err
			}
		case kindShared:
			for range w.layout.Shared[stage] {
				if err := w.sharedUpdate(ctx); err != nil {
					return err
				}
			}
		}
	}
	if snap.AdaptWindow > 0 {
		w.ctrl.Adapt(snap.AdaptWindow)
	}

	report := LocalReport{
		Local:      w.local.Clone(),
		Terms:      w.cur.terms,
		Adaptation: w.ctrl.Snapshot(),
		Tallies:    w.rec.Tallies(),
	}
	if _, err := collective.GatherAs(ctx, w.comm, 0, report); err != nil {
		return err
	}
	return w.comm.Barrier(ctx)
}

// adopt takes the coordinator's shared parameters. Fields that do not enter
// the likelihood are copied without re-evaluation.
func (w *worker) adopt(sh state.Shared) error {
	if sameLikelihood(w.cur.shared, sh) {
		w.cur.shared = sh.Clone()
		return nil
	}
	f, err := w.evaluate(sh, &w.cur)
	if err != nil {
		return fmt.Errorf("replicate %d: adopting shared parameters: %w", w.role.T, err)
	}
	w.commit(f)
	return nil
}

func (w *worker) commit(f *fit) {
	w.cur = *f
	w.local.Z = f.z
}

func (w *worker) runLocal(stage string, rng *rand.Rand) error {
	switch stage {
	case StageScale:
		for _, b := range w.layout.Scale {
			if err := w.updateScale(b, rng); err != nil {
				return err
			}
		}
	case StageGaussian:
		for _, b := range w.layout.Gaussian {
			if err := w.updateGaussian(b, rng); err != nil {
				return err
			}
		}
	case StageImpute:
		w.impute(rng)
	}
	return nil
}

// updateScale is one truncated-normal step on a single log S coordinate.
// Rejected evaluations are tallied; only an unregistered block is an error.
func (w *worker) updateScale(b Block, rng *rand.Rand) error {
	k := b.Indices[0]
	u := rng.Float64()
	blk, err := w.ctrl.Block(b.ID)
	if err != nil {
		return err
	}
	sigma := math.Sqrt(blk.Covariance().At(0, 0))
	ub := w.model.ScaleUpperBound(k, w.local.LogS, w.local.XStar, w.cur.sf)

	accepted, err := func() (bool, error) {
		prop, fwd, rev, err := engine.TruncatedStep(w.local.LogS[k], sigma, ub, rng)
		if err != nil {
			return false, err
		}
		logS := slices.Clone(w.local.LogS)
		logS[k] = prop
		terms, z, err := w.model.LogLik(w.cur.tr, logS, w.local.XStar, w.cur.sf)
		if err != nil {
			return false, err
		}
		step := engine.Terms{
			LikProposal:     terms.Sum(),
			PriorProposal:   w.priors.LogScale(logS[k : k+1]),
			ReverseProposal: rev,
			LikCurrent:      w.cur.terms.Sum(),
			PriorCurrent:    w.priors.LogScale(w.local.LogS[k : k+1]),
			ForwardProposal: fwd,
		}
		if !engine.Accept(u, step) {
			return false, nil
		}
		w.local.LogS = logS
		w.local.Z = z
		w.cur.terms = terms
		w.cur.z = z
		return true, nil
	}()
	w.rec.Observe(b.ID, accepted, err)
	return w.ctrl.Record(b.ID, accepted, nil)
}

// updateGaussian is a random-walk step on a block of the Gaussian field with
// R held fixed; X* follows Z.
func (w *worker) updateGaussian(b Block, rng *rand.Rand) error {
	u := rng.Float64()
	cov, err := w.ctrl.Proposal(b.ID)
	if err != nil {
		return err
	}

	accepted, err := func() (bool, error) {
		cur := make([]float64, len(b.Indices))
		for i, s := range b.Indices {
			cur[i] = w.local.Z[s]
		}
		step, err := engine.RandomWalk(cur, cov, rng)
		if err != nil {
			return false, err
		}
		z := slices.Clone(w.local.Z)
		for i, s := range b.Indices {
			z[s] = step[i]
		}
		r := w.model.R(w.local.LogS)
		curTarget, _, err := w.model.GaussianFieldTarget(w.cur.tr, r, w.local.Z, w.cur.sf)
		if err != nil {
			return false, err
		}
		propTarget, xStar, err := w.model.GaussianFieldTarget(w.cur.tr, r, z, w.cur.sf)
		if err != nil {
			return false, err
		}
		terms, derived, err := w.model.LogLik(w.cur.tr, w.local.LogS, xStar, w.cur.sf)
		if err != nil {
			return false, err
		}
		if !engine.Accept(u, engine.Terms{LikProposal: propTarget, LikCurrent: curTarget}) {
			return false, nil
		}
		w.local.XStar = xStar
		w.local.Z = derived
		w.cur.terms = terms
		w.cur.z = derived
		return true, nil
	}()
	w.rec.Observe(b.ID, accepted, err)
	return w.ctrl.Record(b.ID, accepted, nil)
}

// impute redraws missing observations from their predictive law and
// reclassifies every site as censored or exceeding.
func (w *worker) impute(rng *rand.Rand) {
	if !slices.Contains(w.local.Missing, true) {
		return
	}
	y := slices.Clone(w.local.Y)
	sf := w.cur.sf
	for s, miss := range w.local.Missing {
		if !miss {
			continue
		}
		x := w.local.XStar[s] + sf.Tau*rng.NormFloat64()
		v, err := marginal.InverseTransform(x, w.model.CGP(sf, s), w.model.Mixture(sf, s))
		if err != nil || !numerics.IsFinite(v) {
			continue
		}
		y[s] = v
	}

	tr, err := w.model.Transforms(y, sf)
	if err != nil {
		w.rec.Observe(StageImpute, false, err)
		return
	}
	terms, z, err := w.model.LogLik(tr, w.local.LogS, w.local.XStar, sf)
	if err != nil {
		w.rec.Observe(StageImpute, false, err)
		return
	}
	w.rec.Observe(StageImpute, true, nil)
	w.local.Y = y
	for s := range y {
		w.local.Censored[s] = tr[s].Censored
	}
	w.local.Z = z
	w.cur.tr = tr
	w.cur.terms = terms
	w.cur.z = z
}

// sharedUpdate answers one coordinator proposal: report the likelihood pair,
// then adopt or discard the candidate.
func (w *worker) sharedUpdate(ctx context.Context) error {
	prop, err := collective.Bcast(ctx, w.comm, 0, Proposal{})
	if err != nil {
		return err
	}
	pair := LikPair{Current: w.cur.terms.Sum()}
	var cand *fit
	if !prop.Invalid {
		cand, pair.Err = w.evaluate(prop.Shared, &w.cur)
		if pair.Err == nil {
			pair.Proposed = cand.terms.Sum()
		}
	}
	if _, err := collective.GatherAs(ctx, w.comm, 0, pair); err != nil {
		return err
	}
	dec, err := collective.Bcast(ctx, w.comm, 0, Decision{})
	if err != nil {
		return err
	}
	if dec.Block != prop.Block {
		return &collective.CollectiveProtocolError{Rank: w.role.Rank(), Op: "decision",
			Err: fmt.Errorf("decision for %s while evaluating %s", dec.Block, prop.Block)}
	}
	if dec.Accept {
		if cand == nil {
			return &collective.CollectiveProtocolError{Rank: w.role.Rank(), Op: "decision",
				Err: fmt.Errorf("block %s accepted but this replicate could not evaluate it", dec.Block)}
		}
		w.commit(cand)
	}
	return nil
}
