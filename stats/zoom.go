// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// NumZooms is the number of zoom levels tracked by Zooms.
const NumZooms = 16

// ZoomCounts holds the counts of a single zoom level.
type ZoomCounts struct {
	Tiles    int64
	Bytes    int64
	MaxBytes int64
	// Memoized is the number of tiles whose encoding was reused from
	// the preceding tile.
	Memoized int64
	// Skipped is the number of tiles that were not written.
	Skipped int64
}

// Zooms tracks tile counts and sizes per zoom level. Its methods are
// safe for concurrent use.
type Zooms struct {
	tiles, bytes, max, memoized, skipped [NumZooms]int64
}

// AddTile records a written tile of n bytes at zoom z.
func (s *Zooms) AddTile(z int, n int64) {
	atomic.AddInt64(&s.tiles[z], 1)
	atomic.AddInt64(&s.bytes[z], n)
	for {
		max := atomic.LoadInt64(&s.max[z])
		if n <= max || atomic.CompareAndSwapInt64(&s.max[z], max, n) {
			return
		}
	}
}

// AddMemoized records a tile at zoom z whose encoding was reused.
func (s *Zooms) AddMemoized(z int) {
	atomic.AddInt64(&s.memoized[z], 1)
}

// AddSkipped records a tile at zoom z that was not written.
func (s *Zooms) AddSkipped(z int) {
	atomic.AddInt64(&s.skipped[z], 1)
}

// Zoom returns the counts of zoom level z.
func (s *Zooms) Zoom(z int) ZoomCounts {
	return ZoomCounts{
		Tiles:    atomic.LoadInt64(&s.tiles[z]),
		Bytes:    atomic.LoadInt64(&s.bytes[z]),
		MaxBytes: atomic.LoadInt64(&s.max[z]),
		Memoized: atomic.LoadInt64(&s.memoized[z]),
		Skipped:  atomic.LoadInt64(&s.skipped[z]),
	}
}

// Total returns the counts summed over all zoom levels. MaxBytes is
// the largest tile across all zooms.
func (s *Zooms) Total() ZoomCounts {
	var t ZoomCounts
	for z := 0; z < NumZooms; z++ {
		c := s.Zoom(z)
		t.Tiles += c.Tiles
		t.Bytes += c.Bytes
		t.Memoized += c.Memoized
		t.Skipped += c.Skipped
		if c.MaxBytes > t.MaxBytes {
			t.MaxBytes = c.MaxBytes
		}
	}
	return t
}

// AddAll adds the counts of every non-empty zoom level to the
// provided snapshot, with keys of the form "z07.tiles".
func (s *Zooms) AddAll(vals Values) {
	for z := 0; z < NumZooms; z++ {
		c := s.Zoom(z)
		if c.Tiles == 0 && c.Skipped == 0 {
			continue
		}
		prefix := fmt.Sprintf("z%02d.", z)
		vals[prefix+"tiles"] += c.Tiles
		vals[prefix+"bytes"] += c.Bytes
		vals[prefix+"memoized"] += c.Memoized
		vals[prefix+"skipped"] += c.Skipped
		if c.MaxBytes > vals[prefix+"maxbytes"] {
			vals[prefix+"maxbytes"] = c.MaxBytes
		}
	}
}

// String returns a multi-line summary, one line per non-empty zoom
// level.
func (s *Zooms) String() string {
	var b strings.Builder
	for z := 0; z < NumZooms; z++ {
		c := s.Zoom(z)
		if c.Tiles == 0 && c.Skipped == 0 {
			continue
		}
		avg := int64(0)
		if c.Tiles > 0 {
			avg = c.Bytes / c.Tiles
		}
		fmt.Fprintf(&b, "z%d: %d tiles (%d memoized, %d skipped) avg %d max %d bytes\n",
			z, c.Tiles, c.Memoized, c.Skipped, avg, c.MaxBytes)
	}
	return b.String()
}
