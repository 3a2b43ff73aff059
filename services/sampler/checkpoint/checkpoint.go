// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists one SamplerState per iteration so an
// interrupted run resumes exactly where it stopped.
//
// Records are append-only and contiguous: record 0 is the initializer output
// and record i is the state after iteration i. Every backend stores the same
// encoding, [4-byte CRC32][gob SamplerState].
package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/AleutianAI/scalemix/services/sampler/state"
)

var (
	// ErrNotFound is returned by LoadLastIteration when no record exists.
	ErrNotFound = errors.New("no checkpoint recorded")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("checkpoint store is closed")

	// ErrCorrupted is returned when a record fails its CRC check.
	ErrCorrupted = errors.New("checkpoint record corrupted (CRC mismatch)")

	// ErrNonContiguous is returned when an append would leave a gap or
	// overwrite an earlier record.
	ErrNonContiguous = errors.New("checkpoint index is not the next iteration")

	// ErrNilState is returned when appending a nil state.
	ErrNilState = errors.New("state must not be nil")
)

// Store is an append-only log of sampler states.
//
// Thread Safety: implementations are safe for concurrent use.
type Store interface {
	// LoadLastIteration returns the newest record and its index, or
	// ErrNotFound.
	LoadLastIteration(ctx context.Context) (int, *state.SamplerState, error)

	// AppendIteration stores the record for iteration idx, which must be
	// one past the newest stored index (0 for an empty store).
	AppendIteration(ctx context.Context, idx int, s *state.SamplerState) error

	// Scan visits records from index from onward, in order.
	Scan(ctx context.Context, from int, fn func(idx int, s *state.SamplerState) error) error

	// Close releases resources.
	Close() error
}

func encode(s *state.SamplerState) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(buf.Bytes()))
	copy(out[4:], buf.Bytes())
	return out, nil
}

func decode(data []byte) (*state.SamplerState, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: record too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	if computed := crc32.ChecksumIEEE(data[4:]); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	var s state.SamplerState
	if err := gob.NewDecoder(bytes.NewReader(data[4:])).Decode(&s); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return &s, nil
}

func checkNext(last, idx int) error {
	if idx != last+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrNonContiguous, idx, last+1)
	}
	return nil
}
