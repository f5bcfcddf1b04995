// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package archivetest provides an in-memory tile archive for testing
// code that writes archives.
package archivetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/tilecoord"
)

// Archive is an in-memory archive. It records every tile written and
// checks that each writer receives its tiles in order. Archive also
// implements archive.Reader.
type Archive struct {
	// Order is the archive's tile order. It defaults to TMS.
	Order tilecoord.Order
	// Dedup is returned by Deduplicates.
	Dedup bool
	// Writers is returned by MaxWriters. It defaults to 1.
	Writers int
	// FailWrite, if non-nil, is called before each tile is written
	// and may return an error to fail the write.
	FailWrite func(archive.TileResult) error

	mu          sync.Mutex
	initialized bool
	finished    bool
	open        int
	initial     archive.Metadata
	final       archive.Metadata
	tiles       map[tilecoord.Coord]archive.TileResult
	written     []archive.TileResult
}

var (
	_ archive.Archive = (*Archive)(nil)
	_ archive.Reader  = (*Archive)(nil)
)

func (a *Archive) order() tilecoord.Order {
	if a.Order == nil {
		return tilecoord.TMS
	}
	return a.Order
}

// Initialize implements archive.Archive.
func (a *Archive) Initialize(ctx context.Context, md archive.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return errors.E(errors.Invalid, "archivetest: archive initialized twice")
	}
	a.initialized = true
	a.initial = md
	a.tiles = make(map[tilecoord.Coord]archive.TileResult)
	return nil
}

// NewWriter implements archive.Archive.
func (a *Archive) NewWriter(ctx context.Context) (archive.TileWriter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || a.finished {
		return nil, errors.E(errors.Invalid, "archivetest: writer requested outside of a write")
	}
	if a.open >= a.MaxWriters() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("archivetest: more than %d writers", a.MaxWriters()))
	}
	a.open++
	return &writer{archive: a, checker: archive.NewOrderChecker(a.order())}, nil
}

// Finish implements archive.Archive.
func (a *Archive) Finish(ctx context.Context, md archive.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open > 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("archivetest: finished with %d open writers", a.open))
	}
	a.finished = true
	a.final = md
	return nil
}

// Deduplicates implements archive.Archive.
func (a *Archive) Deduplicates() bool { return a.Dedup }

// TileOrder implements archive.Archive.
func (a *Archive) TileOrder() tilecoord.Order { return a.order() }

// MaxWriters implements archive.Archive.
func (a *Archive) MaxWriters() int {
	if a.Writers <= 0 {
		return 1
	}
	return a.Writers
}

// Close implements archive.Archive.
func (a *Archive) Close() error { return nil }

// Finished tells whether Finish was called.
func (a *Archive) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

// FinalMetadata returns the metadata passed to Finish.
func (a *Archive) FinalMetadata() archive.Metadata {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.final
}

// Results returns the tiles written, in tile order.
func (a *Archive) Results() []archive.TileResult {
	a.mu.Lock()
	out := append([]archive.TileResult(nil), a.written...)
	a.mu.Unlock()
	order := a.order()
	sort.Slice(out, func(i, j int) bool {
		return order.Encode(out[i].Coord) < order.Encode(out[j].Coord)
	})
	return out
}

// Tile implements archive.Reader.
func (a *Archive) Tile(ctx context.Context, coord tilecoord.Coord) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.tiles[coord]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("archivetest: tile %s", tilecoord.String(coord)))
	}
	return r.Bytes, nil
}

// Scanner implements archive.Reader.
func (a *Archive) Scanner(ctx context.Context) archive.Scanner {
	return &scanner{results: a.Results()}
}

// Metadata implements archive.Reader. It returns the final metadata
// once the archive is finished.
func (a *Archive) Metadata(ctx context.Context) (archive.Metadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return a.final, nil
	}
	return a.initial, nil
}

type writer struct {
	archive *Archive
	checker *archive.OrderChecker
	closed  bool
}

func (w *writer) Write(ctx context.Context, r archive.TileResult) error {
	if w.closed {
		return errors.E(errors.Invalid, "archivetest: write to closed writer")
	}
	if err := w.checker.Check(r.Coord); err != nil {
		return err
	}
	if fail := w.archive.FailWrite; fail != nil {
		if err := fail(r); err != nil {
			return err
		}
	}
	a := w.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tiles[r.Coord]; ok {
		return errors.E(errors.Invalid, fmt.Sprintf("archivetest: tile %s written twice", tilecoord.String(r.Coord)))
	}
	a.tiles[r.Coord] = r
	a.written = append(a.written, r)
	return nil
}

func (w *writer) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.archive.mu.Lock()
	w.archive.open--
	w.archive.mu.Unlock()
	return nil
}

type scanner struct {
	results []archive.TileResult
	cur     archive.TileResult
}

func (s *scanner) Scan() bool {
	if len(s.results) == 0 {
		return false
	}
	s.cur, s.results = s.results[0], s.results[1:]
	return true
}

func (s *scanner) Coord() tilecoord.Coord { return s.cur.Coord }
func (s *scanner) Bytes() []byte          { return s.cur.Bytes }
func (s *scanner) Err() error             { return nil }
func (s *scanner) Close() error           { return nil }
