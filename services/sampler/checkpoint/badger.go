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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/AleutianAI/scalemix/services/sampler/storage/badger"
	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BadgerStore keeps records in an embedded BadgerDB.
//
// Key format: "iter:{run_id}:{index:016d}"
// Value format: [4-byte CRC32][gob-encoded SamplerState]
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	runID  string
	logger *slog.Logger

	mu     sync.Mutex
	last   int
	closed atomic.Bool
}

// OpenBadgerStore opens (or creates) the records of one run.
func OpenBadgerStore(cfg badger.Config, runID string, logger *slog.Logger) (*BadgerStore, error) {
	if runID == "" {
		return nil, errors.New("run id must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, err
	}
	s := &BadgerStore{
		db:     db,
		runID:  runID,
		logger: logger.With(slog.String("component", "checkpoint"), slog.String("run_id", runID)),
		last:   -1,
	}
	if err := s.initLast(); err != nil {
		db.Close()
		return nil, fmt.Errorf("scan existing checkpoints: %w", err)
	}
	s.logger.Info("checkpoint store opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Int("last_iteration", s.last))
	return s, nil
}

func (s *BadgerStore) prefix() []byte {
	return []byte(fmt.Sprintf("iter:%s:", s.runID))
}

func (s *BadgerStore) key(idx int) []byte {
	return []byte(fmt.Sprintf("iter:%s:%016d", s.runID, idx))
}

// initLast finds the highest stored index with a reverse seek.
func (s *BadgerStore) initLast() error {
	prefix := s.prefix()
	return s.db.View(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		var idx int
		if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%016d", &idx); err != nil {
			return fmt.Errorf("malformed checkpoint key %q: %w", it.Item().Key(), err)
		}
		s.last = idx
		return nil
	})
}

func (s *BadgerStore) read(txn *dgbadger.Txn, idx int) (*state.SamplerState, error) {
	item, err := txn.Get(s.key(idx))
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *BadgerStore) LoadLastIteration(ctx context.Context) (int, *state.SamplerState, error) {
	if s.closed.Load() {
		return 0, nil, ErrStoreClosed
	}
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last < 0 {
		return 0, nil, ErrNotFound
	}
	var out *state.SamplerState
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		var err error
		out, err = s.read(txn, last)
		return err
	})
	if err != nil {
		return 0, nil, fmt.Errorf("load iteration %d: %w", last, err)
	}
	return last, out, nil
}

// AppendIteration writes the record for iteration idx.
func (s *BadgerStore) AppendIteration(ctx context.Context, idx int, st *state.SamplerState) error {
	if st == nil {
		return ErrNilState
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	ctx, span := otel.Tracer("scalemix/checkpoint").Start(ctx, "checkpoint.AppendIteration",
		trace.WithAttributes(
			attribute.String("run_id", s.runID),
			attribute.Int("iteration", idx),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkNext(s.last, idx); err != nil {
		span.SetStatus(codes.Error, "non-contiguous index")
		return err
	}

	data, err := encode(st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return fmt.Errorf("encode iteration %d: %w", idx, err)
	}
	err = s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(s.key(idx), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write iteration %d: %w", idx, err)
	}
	s.last = idx
	span.SetAttributes(attribute.Int("record_bytes", len(data)))
	s.logger.Debug("checkpoint appended", slog.Int("iteration", idx), slog.Int("bytes", len(data)))
	return nil
}

func (s *BadgerStore) Scan(ctx context.Context, from int, fn func(int, *state.SamplerState) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	for idx := max(from, 0); idx <= last; idx++ {
		var rec *state.SamplerState
		err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
			var err error
			rec, err = s.read(txn, idx)
			return err
		})
		if err != nil {
			return fmt.Errorf("read iteration %d: %w", idx, err)
		}
		if err := fn(idx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and closes the database. Safe to call more than once.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.db.Sync(); err != nil {
		s.logger.Warn("checkpoint sync on close failed", slog.String("error", err.Error()))
	}
	return s.db.Close()
}
