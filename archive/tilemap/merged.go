// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tilemap

import (
	"github.com/grailbio/bigtile/mergeheap"
	"github.com/grailbio/bigtile/tilecoord"
)

// mergedScanner scans the tiles of all shards of an archive in tile
// order. Shards hold disjoint sets of tiles, so the merge is a k-way
// merge of the shards keyed by tile id.
type mergedScanner struct {
	reader   *Reader
	scanners []*shardScanner
	heap     *mergeheap.Heap
	started  bool

	coord tilecoord.Coord
	p     []byte
	err   error
}

func newMergedScanner(r *Reader) *mergedScanner {
	s := &mergedScanner{reader: r, heap: mergeheap.New(len(r.shards), nil)}
	for _, m := range r.shards {
		s.scanners = append(s.scanners, m.Seek(0))
	}
	return s
}

// Scan scans the next tile, returning true on success. When Scan
// returns false, the caller should inspect Err to distinguish between
// scan completion and scan error.
func (s *mergedScanner) Scan() bool {
	if s.err != nil {
		return false
	}
	if !s.started {
		s.started = true
		for i, sc := range s.scanners {
			if sc.Scan() {
				s.heap.Push(i, int64(sc.ID()))
			} else if s.err = sc.Err(); s.err != nil {
				return false
			}
		}
	} else if !s.heap.Empty() {
		sc := s.scanners[s.heap.PeekID()]
		if sc.Scan() {
			s.heap.UpdateHead(int64(sc.ID()))
		} else if s.err = sc.Err(); s.err != nil {
			return false
		} else {
			s.heap.Poll()
		}
	}
	if s.heap.Empty() {
		return false
	}
	sc := s.scanners[s.heap.PeekID()]
	s.coord = tilecoord.TMS.Decode(uint32(s.heap.PeekValue()))
	s.p, s.err = s.reader.resolve(sc.Value(), true)
	return s.err == nil
}

// Coord returns the coordinate of the last scanned tile.
func (s *mergedScanner) Coord() tilecoord.Coord { return s.coord }

// Bytes returns the contents of the last scanned tile.
func (s *mergedScanner) Bytes() []byte { return s.p }

// Err returns the last error encountered while scanning, if any.
func (s *mergedScanner) Err() error { return s.err }

// Close releases the scanner.
func (s *mergedScanner) Close() error {
	s.scanners = nil
	s.heap.Reset()
	return nil
}
