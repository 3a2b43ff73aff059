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
	"fmt"
	"math/rand/v2"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/AleutianAI/scalemix/services/sampler/state"
)

// Role identifies a participant: the coordinator, or the worker of one time
// replicate.
type Role struct {
	Worker bool
	T      int
}

// CoordinatorRole is rank 0.
var CoordinatorRole = Role{}

// WorkerRole is the worker of replicate t.
func WorkerRole(t int) Role { return Role{Worker: true, T: t} }

// Rank is the participant's index in the collective group.
func (r Role) Rank() int {
	if r.Worker {
		return r.T + 1
	}
	return 0
}

func (r Role) String() string {
	if r.Worker {
		return fmt.Sprintf("worker[%d]", r.T)
	}
	return "coordinator"
}

// stream is the random source of one role for one iteration. Deriving it
// from (seed, rank, iteration) alone lets a resumed run draw exactly what an
// uninterrupted run would have.
func (r Role) stream(seed uint64, iteration int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(r.Rank())<<40|uint64(iteration)))
}

// SharedSnapshot opens an iteration.
type SharedSnapshot struct {
	Iteration int
	Shared    state.Shared

	// AdaptWindow is the window index to adapt at after this iteration's
	// sweep, or zero.
	AdaptWindow int
}

// Proposal carries a candidate shared parameter set for one block.
// Invalid proposals are rejected without evaluation.
type Proposal struct {
	Block   string
	Shared  state.Shared
	Invalid bool
}

// LikPair is one worker's log likelihood at the current and proposed shared
// parameters.
type LikPair struct {
	Current  float64
	Proposed float64
	Err      error
}

// Decision closes a shared-block update.
type Decision struct {
	Block  string
	Accept bool
}

// LocalReport is a worker's end-of-sweep state.
type LocalReport struct {
	Local      state.Local
	Terms      state.LikTerms
	Adaptation adapt.Snapshot
	Tallies    state.Tallies
}
