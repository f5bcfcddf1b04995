// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sortio implements an external merge sort over (key, value)
// records. Records are added to a Store by a single writer; they are
// spilled into bounded-size chunks, each chunk is sorted
// independently by a pool of workers, and the sorted chunks are then
// merged through a k-way merge into a single ascending stream.
//
// The store has two phases. During the write phase, records are added
// with Add. Sort ends the write phase and sorts the chunks; after
// Sort, records are read back with Scanner or ParallelScanner. Writes
// are not permitted after Sort.
package sortio

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/hashicorp/go-multierror"
)

// Store is an external merge-sort store. Add must not be called
// concurrently; Sort, Scanner, and ParallelScanner must be called
// from the same goroutine as Add.
type Store struct {
	config Config
	dir    string
	ownDir bool

	chunks []*chunk
	cur    *chunk

	sorted     bool
	numRecords int64
	bytes      int64
}

// NewStore returns a new, empty store configured by config. It
// returns an error of kind errors.Invalid if the configuration is
// invalid.
func NewStore(config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Store{config: config.withDefaults(), dir: config.Dir}
	if s.config.Storage != StorageMemory {
		if s.dir == "" {
			dir, err := os.MkdirTemp("", "bigtile-sort-")
			if err != nil {
				return nil, errors.E(errors.Fatal, "sortio: create spill directory", err)
			}
			s.dir, s.ownDir = dir, true
		} else if err := os.MkdirAll(s.dir, 0777); err != nil {
			return nil, errors.E(errors.Fatal, "sortio: create spill directory", err)
		}
	}
	return s, nil
}

// Config returns the store's effective configuration, with defaults
// applied.
func (s *Store) Config() Config {
	return s.config
}

// Add adds a record to the store. Add panics if it is called after
// Sort. The store takes ownership of the record's value.
func (s *Store) Add(r Record) error {
	if s.sorted {
		log.Panicf("sortio: add after sort")
	}
	if s.cur == nil || s.cur.bytes >= s.config.ChunkSizeLimit {
		if err := s.roll(); err != nil {
			return err
		}
	}
	if err := s.cur.add(r); err != nil {
		return err
	}
	s.numRecords++
	s.bytes += recordOverhead + int64(len(r.Value))
	return nil
}

func (s *Store) roll() error {
	if s.cur != nil {
		if err := s.cur.seal(); err != nil {
			return err
		}
		log.Debug.Printf("sortio: sealed chunk %d: %d records, ~%d bytes", s.cur.id, s.cur.n, s.cur.bytes)
	}
	c, err := newChunk(len(s.chunks), s.dir, s.config.Storage, s.config.Compression)
	if err != nil {
		return err
	}
	s.chunks = append(s.chunks, c)
	s.cur = c
	return nil
}

// Sort ends the write phase and sorts each chunk. Chunks are sorted
// concurrently by up to Config.Workers workers, with reads and writes
// bounded by Config.ReadPermits and Config.WritePermits. Sort may be
// called only once; subsequent calls return an error of kind
// errors.Invalid. I/O errors are fatal.
func (s *Store) Sort(ctx context.Context) error {
	if s.sorted {
		return errors.E(errors.Invalid, errors.Fatal, "sortio: store already sorted")
	}
	s.sorted = true
	if s.cur != nil {
		if err := s.cur.seal(); err != nil {
			return err
		}
	}
	var (
		start   = time.Now()
		readers = limiter.New()
		writers = limiter.New()
		procs   = s.config.Workers
	)
	readers.Release(s.config.ReadPermits)
	writers.Release(s.config.WritePermits)
	acquire := func(l *limiter.Limiter) func() (func(), error) {
		return func() (func(), error) {
			if err := l.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			return func() { l.Release(1) }, nil
		}
	}
	// With fewer chunks than workers, each chunk's sort is itself
	// parallel.
	sortProcs := 1
	if len(s.chunks) < procs {
		sortProcs = procs
	}
	err := traverse.Limit(procs).Each(len(s.chunks), func(i int) error {
		return s.chunks[i].sortInPlace(
			func(records []Record) { sortRecords(records, sortProcs) },
			acquire(readers), acquire(writers))
	})
	if err != nil {
		return err
	}
	log.Printf("sortio: sorted %d records in %d chunks (~%d bytes) in %s",
		s.numRecords, len(s.chunks), s.bytes, time.Since(start))
	return nil
}

// Scanner returns a scanner over the sorted records of the store.
// Scanner panics if called before Sort.
func (s *Store) Scanner(ctx context.Context) *Scanner {
	readers, err := s.open()
	if err != nil {
		return &Scanner{r: errorReader{err}, err: err, closed: true}
	}
	switch len(readers) {
	case 0:
		return &Scanner{r: &sliceReader{}}
	case 1:
		return &Scanner{r: readers[0]}
	}
	return &Scanner{r: newMergeReader(readers)}
}

// ParallelScanner returns a scanner over the sorted records of the
// store, where chunks are decoded ahead of the merge by reader
// goroutines and merged by a dedicated goroutine. At most readers
// chunk blocks are decoded at once; if readers is zero,
// Config.ParallelReaders is used. When the store has fewer than two
// chunks or readers is one, ParallelScanner is equivalent to Scanner.
// ParallelScanner panics if called before Sort.
func (s *Store) ParallelScanner(ctx context.Context, readers int) *Scanner {
	if readers == 0 {
		readers = s.config.ParallelReaders
	}
	if readers <= 1 || s.NumChunks() < 2 {
		return s.Scanner(ctx)
	}
	sources, err := s.open()
	if err != nil {
		return &Scanner{r: errorReader{err}, err: err, closed: true}
	}
	return &Scanner{r: newParallelReader(ctx, sources, readers)}
}

// open opens a reader for each non-empty chunk.
func (s *Store) open() ([]recordReader, error) {
	if !s.sorted {
		log.Panicf("sortio: read before sort")
	}
	var readers []recordReader
	for _, c := range s.chunks {
		if c.n == 0 {
			continue
		}
		r, err := c.open()
		if err != nil {
			closeAll(readers)
			return nil, err
		}
		readers = append(readers, r)
	}
	return readers, nil
}

// NumChunks returns the number of non-empty chunks in the store.
func (s *Store) NumChunks() int {
	var n int
	for _, c := range s.chunks {
		if c.n > 0 {
			n++
		}
	}
	return n
}

// NumRecords returns the number of records added to the store.
func (s *Store) NumRecords() int64 {
	return s.numRecords
}

// EstimatedBytes returns the estimated in-memory size of the store's
// records.
func (s *Store) EstimatedBytes() int64 {
	return s.bytes
}

// Close removes the store's chunks. Scanners must be closed before
// the store is closed.
func (s *Store) Close() error {
	var err *multierror.Error
	if s.cur != nil {
		if e := s.cur.seal(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	for _, c := range s.chunks {
		if e := c.remove(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	s.chunks, s.cur = nil, nil
	if s.ownDir {
		if e := os.RemoveAll(s.dir); e != nil {
			err = multierror.Append(err, e)
		}
	}
	return err.ErrorOrNil()
}

func (s *Store) String() string {
	return fmt.Sprintf("sortio.Store(%s, %d records, %d chunks)", s.config.Storage, s.numRecords, len(s.chunks))
}

type errorReader struct{ err error }

func (e errorReader) Next() (Record, error) { return Record{}, e.err }
func (errorReader) Close() error            { return nil }
