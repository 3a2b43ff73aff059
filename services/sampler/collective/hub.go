// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collective

import (
	"context"
	"fmt"
)

const (
	opBroadcast = "broadcast"
	opGather    = "gather"
	opBarrier   = "barrier"
)

// linkBuffer lets a root finish a broadcast without waiting for receivers.
const linkBuffer = 4

type envelope struct {
	op      string
	seq     uint64
	payload any
}

// Hub connects a fixed group of in-process participants with one buffered
// channel per ordered pair.
type Hub struct {
	size      int
	links     [][]chan envelope
	endpoints []*endpoint
}

// NewHub creates a hub for size participants.
func NewHub(size int) *Hub {
	links := make([][]chan envelope, size)
	for from := range links {
		links[from] = make([]chan envelope, size)
		for to := range links[from] {
			if from != to {
				links[from][to] = make(chan envelope, linkBuffer)
			}
		}
	}
	h := &Hub{size: size, links: links, endpoints: make([]*endpoint, size)}
	for rank := range h.endpoints {
		h.endpoints[rank] = &endpoint{hub: h, rank: rank}
	}
	return h
}

// Comm returns the communicator of one rank. Each rank's communicator must
// be used by a single goroutine.
func (h *Hub) Comm(rank int) Communicator {
	if rank < 0 || rank >= h.size {
		panic(fmt.Sprintf("collective: rank %d outside group of %d", rank, h.size))
	}
	return h.endpoints[rank]
}

type endpoint struct {
	hub  *Hub
	rank int
	seq  uint64
}

func (e *endpoint) Rank() int { return e.rank }
func (e *endpoint) Size() int { return e.hub.size }

func (e *endpoint) fail(op string, err error) error {
	return &CollectiveProtocolError{Rank: e.rank, Op: op, Seq: e.seq, Err: err}
}

func (e *endpoint) send(ctx context.Context, to int, env envelope) error {
	select {
	case e.hub.links[e.rank][to] <- env:
		return nil
	case <-ctx.Done():
		return e.fail(env.op, ctx.Err())
	}
}

func (e *endpoint) recv(ctx context.Context, from int, op string) (any, error) {
	select {
	case env := <-e.hub.links[from][e.rank]:
		if env.op != op || env.seq != e.seq {
			return nil, e.fail(op, fmt.Errorf("rank %d sent %s #%d", from, env.op, env.seq))
		}
		return env.payload, nil
	case <-ctx.Done():
		return nil, e.fail(op, ctx.Err())
	}
}

func (e *endpoint) checkRoot(op string, root int) error {
	if root < 0 || root >= e.hub.size {
		return e.fail(op, fmt.Errorf("root %d outside group of %d", root, e.hub.size))
	}
	return nil
}

func (e *endpoint) Broadcast(ctx context.Context, root int, msg any) (any, error) {
	return e.broadcast(ctx, opBroadcast, root, msg)
}

func (e *endpoint) broadcast(ctx context.Context, op string, root int, msg any) (any, error) {
	e.seq++
	if err := e.checkRoot(op, root); err != nil {
		return nil, err
	}
	if e.rank != root {
		return e.recv(ctx, root, op)
	}
	env := envelope{op: op, seq: e.seq, payload: msg}
	for to := 0; to < e.hub.size; to++ {
		if to == root {
			continue
		}
		if err := e.send(ctx, to, env); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (e *endpoint) Gather(ctx context.Context, root int, msg any) ([]any, error) {
	return e.gather(ctx, opGather, root, msg)
}

func (e *endpoint) gather(ctx context.Context, op string, root int, msg any) ([]any, error) {
	e.seq++
	if err := e.checkRoot(op, root); err != nil {
		return nil, err
	}
	if e.rank != root {
		return nil, e.send(ctx, root, envelope{op: op, seq: e.seq, payload: msg})
	}
	out := make([]any, e.hub.size)
	out[root] = msg
	for from := 0; from < e.hub.size; from++ {
		if from == root {
			continue
		}
		v, err := e.recv(ctx, from, op)
		if err != nil {
			return nil, err
		}
		out[from] = v
	}
	return out, nil
}

// Barrier gathers at rank 0 and releases everyone with a broadcast.
func (e *endpoint) Barrier(ctx context.Context) error {
	if _, err := e.gather(ctx, opBarrier, 0, nil); err != nil {
		return err
	}
	_, err := e.broadcast(ctx, opBarrier, 0, nil)
	return err
}
