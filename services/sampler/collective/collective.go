// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collective provides the broadcast, gather and barrier operations
// that synchronize the coordinator with its workers.
//
// Every participant must call the same collectives in the same order. Each
// message carries the operation name and a per-participant sequence number,
// so a participant that falls out of step fails with a
// CollectiveProtocolError instead of consuming the wrong message.
package collective

import (
	"context"
	"fmt"
)

// Communicator is one participant's view of a fixed group.
//
// Payloads are passed by reference in process. Receivers must treat them as
// read-only and copy anything they keep.
type Communicator interface {
	// Rank is this participant's index in [0, Size).
	Rank() int

	// Size is the number of participants.
	Size() int

	// Broadcast sends msg from root to every participant. Every participant,
	// root included, returns root's msg.
	Broadcast(ctx context.Context, root int, msg any) (any, error)

	// Gather collects one msg from every participant at root, indexed by
	// rank. Non-root participants receive nil.
	Gather(ctx context.Context, root int, msg any) ([]any, error)

	// Barrier returns once every participant has entered it.
	Barrier(ctx context.Context) error
}

// CollectiveProtocolError reports a collective that could not complete:
// cancellation, a closed peer, or a message out of step.
type CollectiveProtocolError struct {
	Rank int
	Op   string
	Seq  uint64
	Err  error
}

func (e *CollectiveProtocolError) Error() string {
	return fmt.Sprintf("collective %s #%d at rank %d: %v", e.Op, e.Seq, e.Rank, e.Err)
}

func (e *CollectiveProtocolError) Unwrap() error { return e.Err }

// Bcast is Broadcast with a typed payload.
func Bcast[T any](ctx context.Context, c Communicator, root int, v T) (T, error) {
	got, err := c.Broadcast(ctx, root, v)
	if err != nil {
		var zero T
		return zero, err
	}
	out, ok := got.(T)
	if !ok {
		var zero T
		return zero, &CollectiveProtocolError{Rank: c.Rank(), Op: "broadcast",
			Err: fmt.Errorf("payload is %T, want %T", got, zero)}
	}
	return out, nil
}

// GatherAs is Gather with a typed payload. Non-root participants receive nil.
func GatherAs[T any](ctx context.Context, c Communicator, root int, v T) ([]T, error) {
	got, err := c.Gather(ctx, root, v)
	if err != nil || got == nil {
		return nil, err
	}
	out := make([]T, len(got))
	for i, g := range got {
		x, ok := g.(T)
		if !ok {
			return nil, &CollectiveProtocolError{Rank: c.Rank(), Op: "gather",
				Err: fmt.Errorf("payload from rank %d is %T, want %T", i, g, x)}
		}
		out[i] = x
	}
	return out, nil
}
