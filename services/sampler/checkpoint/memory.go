// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"sync"

	"github.com/AleutianAI/scalemix/services/sampler/state"
)

// MemoryStore keeps records in process. Records are deep-copied in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   []*state.SamplerState
	closed bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadLastIteration(ctx context.Context) (int, *state.SamplerState, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, nil, ErrStoreClosed
	}
	if len(m.rows) == 0 {
		return 0, nil, ErrNotFound
	}
	return len(m.rows) - 1, m.rows[len(m.rows)-1].Clone(), nil
}

func (m *MemoryStore) AppendIteration(ctx context.Context, idx int, s *state.SamplerState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return ErrNilState
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if err := checkNext(len(m.rows)-1, idx); err != nil {
		return err
	}
	m.rows = append(m.rows, s.Clone())
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, from int, fn func(int, *state.SamplerState) error) error {
	m.mu.RLock()
	rows := m.rows
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}
	for i := max(from, 0); i < len(rows); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(i, rows[i].Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
