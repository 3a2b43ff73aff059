// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statusapi

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/AleutianAI/scalemix/services/sampler/state"
)

// Summary is the progress of a run after its last stored iteration.
type Summary struct {
	RunID        string             `json:"run_id"`
	Iteration    int                `json:"iteration"`
	Target       int                `json:"target"`
	LogLik       float64            `json:"log_likelihood"`
	Tau          float64            `json:"tau"`
	Acceptance   map[string]float64 `json:"acceptance"`
	SweepSeconds float64            `json:"sweep_seconds"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Tracker keeps the latest Summary and fans updates out to subscribers.
// It is a coordinator Observer.
//
// Thread Safety: Safe for concurrent use.
type Tracker struct {
	runID  string
	target int

	mu   sync.RWMutex
	cur  Summary
	has  bool
	subs map[chan Summary]struct{}
}

// NewTracker tracks run runID up to iteration target.
func NewTracker(runID string, target int) *Tracker {
	return &Tracker{runID: runID, target: target, subs: make(map[chan Summary]struct{})}
}

// Observe records an iteration. Slow subscribers only ever see the newest
// summary.
func (t *Tracker) Observe(_ context.Context, s *state.SamplerState, elapsed time.Duration) {
	acc := make(map[string]float64)
	for id, tl := range s.CombinedTallies() {
		acc[id] = math.Round(tl.Rate()*1000) / 1000
	}
	sum := Summary{
		RunID:        t.runID,
		Iteration:    s.Iteration,
		Target:       t.target,
		LogLik:       s.LogLik,
		Tau:          s.Shared.Tau,
		Acceptance:   acc,
		SweepSeconds: elapsed.Seconds(),
		UpdatedAt:    time.Now().UTC(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur, t.has = sum, true
	for ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		ch <- sum
	}
}

// Current returns the latest summary, if any iteration has been observed.
func (t *Tracker) Current() (Summary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur, t.has
}

// Subscribe returns a channel of updates and a cancel func that must be
// called to release it.
func (t *Tracker) Subscribe() (<-chan Summary, func()) {
	ch := make(chan Summary, 1)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			t.mu.Unlock()
		})
	}
}
