// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mergeheap implements a fixed-capacity min-heap of integer
// handles keyed by int64 values. It is the priority structure behind
// k-way merges of sorted streams: each stream is a handle, and its
// current head key is the handle's value.
//
// The heap is 4-ary and stored in flat arrays indexed by position, so
// that polling and re-keying the head touch few cache lines; this is
// the hot path of a merge.
package mergeheap

import "fmt"

const arity = 4

// Heap is a min-heap of handles in [0, capacity). Handles with equal
// values are ordered by the tie-break function supplied to New, which
// makes the poll order fully deterministic.
type Heap struct {
	// ids maps heap position to handle; values maps heap position to
	// the handle's key.
	ids    []int
	values []int64
	// pos maps a handle to its heap position, or -1 if the handle is
	// not in the heap.
	pos []int
	n   int
	tie func(a, b int) int
}

// New returns a heap that can hold handles in [0, capacity). Tie
// compares two handles whose values are equal; it returns a negative
// number if a should be polled first. If tie is nil, handles are
// ordered by their numeric value.
func New(capacity int, tie func(a, b int) int) *Heap {
	if capacity < 0 {
		panic(fmt.Sprintf("mergeheap: negative capacity %d", capacity))
	}
	h := &Heap{
		ids:    make([]int, capacity),
		values: make([]int64, capacity),
		pos:    make([]int, capacity),
		tie:    tie,
	}
	for i := range h.pos {
		h.pos[i] = -1
	}
	return h
}

// Len returns the number of handles in the heap.
func (h *Heap) Len() int { return h.n }

// Empty tells whether the heap holds no handles.
func (h *Heap) Empty() bool { return h.n == 0 }

// Cap returns the heap's capacity.
func (h *Heap) Cap() int { return len(h.pos) }

// Contains tells whether handle id is currently in the heap.
func (h *Heap) Contains(id int) bool {
	return id >= 0 && id < len(h.pos) && h.pos[id] >= 0
}

// Push inserts handle id with the provided value. Push panics if the
// handle is out of range or already present.
func (h *Heap) Push(id int, value int64) {
	if id < 0 || id >= len(h.pos) {
		panic(fmt.Sprintf("mergeheap: handle %d out of range [0, %d)", id, len(h.pos)))
	}
	if h.pos[id] >= 0 {
		panic(fmt.Sprintf("mergeheap: handle %d pushed twice", id))
	}
	i := h.n
	h.n++
	h.ids[i] = id
	h.values[i] = value
	h.pos[id] = i
	h.up(i)
}

// Update changes the value of handle id, which must be in the heap.
func (h *Heap) Update(id int, value int64) {
	if !h.Contains(id) {
		panic(fmt.Sprintf("mergeheap: update of absent handle %d", id))
	}
	i := h.pos[id]
	old := h.values[i]
	h.values[i] = value
	switch {
	case value < old:
		h.up(i)
	case value > old:
		h.down(i)
	default:
		// Same value: the position may still be wrong relative to
		// the tie-break if the caller changed what tie compares.
		h.down(h.up(i))
	}
}

// UpdateHead changes the value of the current minimum handle. It is
// equivalent to Update(PeekID(), value) but skips the upward pass, since
// the head can only move down.
func (h *Heap) UpdateHead(value int64) {
	if h.n == 0 {
		panic("mergeheap: update of empty heap")
	}
	h.values[0] = value
	h.down(0)
}

// PeekID returns the current minimum handle without removing it.
func (h *Heap) PeekID() int {
	if h.n == 0 {
		panic("mergeheap: peek of empty heap")
	}
	return h.ids[0]
}

// PeekValue returns the current minimum value without removing it.
func (h *Heap) PeekValue() int64 {
	if h.n == 0 {
		panic("mergeheap: peek of empty heap")
	}
	return h.values[0]
}

// Poll removes and returns the current minimum handle.
func (h *Heap) Poll() int {
	if h.n == 0 {
		panic("mergeheap: poll of empty heap")
	}
	id := h.ids[0]
	h.n--
	h.pos[id] = -1
	if h.n > 0 {
		h.move(h.n, 0)
		h.down(0)
	}
	return id
}

// Reset removes all handles from the heap.
func (h *Heap) Reset() {
	for i := 0; i < h.n; i++ {
		h.pos[h.ids[i]] = -1
	}
	h.n = 0
}

func (h *Heap) less(i, j int) bool {
	vi, vj := h.values[i], h.values[j]
	if vi != vj {
		return vi < vj
	}
	if h.tie == nil {
		return h.ids[i] < h.ids[j]
	}
	return h.tie(h.ids[i], h.ids[j]) < 0
}

// move places the entry at position from into position to.
func (h *Heap) move(from, to int) {
	id := h.ids[from]
	h.ids[to] = id
	h.values[to] = h.values[from]
	h.pos[id] = to
}

func (h *Heap) swap(i, j int) {
	h.ids[i], h.ids[j] = h.ids[j], h.ids[i]
	h.values[i], h.values[j] = h.values[j], h.values[i]
	h.pos[h.ids[i]] = i
	h.pos[h.ids[j]] = j
}

// up sifts the entry at position i toward the root and returns its
// final position.
func (h *Heap) up(i int) int {
	for i > 0 {
		parent := (i - 1) / arity
		if !h.less(i, parent) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
	return i
}

func (h *Heap) down(i int) {
	for {
		first := arity*i + 1
		if first >= h.n {
			return
		}
		min := first
		last := first + arity
		if last > h.n {
			last = h.n
		}
		for c := first + 1; c < last; c++ {
			if h.less(c, min) {
				min = c
			}
		}
		if !h.less(min, i) {
			return
		}
		h.swap(i, min)
		i = min
	}
}
