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
	"strconv"
	"sync/atomic"

	"github.com/AleutianAI/scalemix/services/sampler/state"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records in Redis so several hosts can share one run.
//
// Records live at "{prefix}:{run_id}:iter:{index}"; the sorted set
// "{prefix}:{run_id}:index" scores each stored index by itself.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	runID  string
	closed atomic.Bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts *redis.Options, prefix, runID string) (*RedisStore, error) {
	if runID == "" {
		return nil, errors.New("run id must not be empty")
	}
	if prefix == "" {
		prefix = "scalemix"
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix, runID: runID}, nil
}

func (r *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:%s:index", r.prefix, r.runID)
}

func (r *RedisStore) recordKey(idx int) string {
	return fmt.Sprintf("%s:%s:iter:%d", r.prefix, r.runID, idx)
}

func (r *RedisStore) lastIndex(ctx context.Context) (int, error) {
	members, err := r.rdb.ZRevRangeWithScores(ctx, r.indexKey(), 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return -1, nil
	}
	return int(members[0].Score), nil
}

func (r *RedisStore) get(ctx context.Context, idx int) (*state.SamplerState, error) {
	data, err := r.rdb.Get(ctx, r.recordKey(idx)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: iteration %d indexed but missing", ErrCorrupted, idx)
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (r *RedisStore) LoadLastIteration(ctx context.Context) (int, *state.SamplerState, error) {
	if r.closed.Load() {
		return 0, nil, ErrStoreClosed
	}
	last, err := r.lastIndex(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("read checkpoint index: %w", err)
	}
	if last < 0 {
		return 0, nil, ErrNotFound
	}
	s, err := r.get(ctx, last)
	if err != nil {
		return 0, nil, err
	}
	return last, s, nil
}

// AppendIteration writes the record and its index entry in one transaction.
// The contiguity check reads the index first, so a single writer per run is
// assumed.
func (r *RedisStore) AppendIteration(ctx context.Context, idx int, s *state.SamplerState) error {
	if s == nil {
		return ErrNilState
	}
	if r.closed.Load() {
		return ErrStoreClosed
	}
	last, err := r.lastIndex(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint index: %w", err)
	}
	if err := checkNext(last, idx); err != nil {
		return err
	}
	data, err := encode(s)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.recordKey(idx), data, 0)
		p.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(idx), Member: strconv.Itoa(idx)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("write iteration %d: %w", idx, err)
	}
	return nil
}

func (r *RedisStore) Scan(ctx context.Context, from int, fn func(int, *state.SamplerState) error) error {
	if r.closed.Load() {
		return ErrStoreClosed
	}
	last, err := r.lastIndex(ctx)
	if err != nil {
		return err
	}
	for idx := max(from, 0); idx <= last; idx++ {
		s, err := r.get(ctx, idx)
		if err != nil {
			return err
		}
		if err := fn(idx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStore) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.rdb.Close()
}
