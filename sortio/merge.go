// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"bytes"
	"io"

	"github.com/grailbio/bigtile/mergeheap"
	"github.com/hashicorp/go-multierror"
)

// mergeReader merges multiple sorted record readers into a single
// sorted stream. Each reader is a heap handle whose value is the key
// of its current head; equal keys are ordered by the heads' value
// bytes and then by reader index.
type mergeReader struct {
	readers []recordReader
	heads   []Record
	heap    *mergeheap.Heap
	primed  bool
	err     error
}

func newMergeReader(readers []recordReader) *mergeReader {
	m := &mergeReader{
		readers: readers,
		heads:   make([]Record, len(readers)),
	}
	m.heap = mergeheap.New(len(readers), func(a, b int) int {
		if c := bytes.Compare(m.heads[a].Value, m.heads[b].Value); c != 0 {
			return c
		}
		return a - b
	})
	return m
}

func (m *mergeReader) prime() error {
	m.primed = true
	for i, r := range m.readers {
		rec, err := r.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return err
		}
		m.heads[i] = rec
		m.heap.Push(i, rec.Key)
	}
	return nil
}

func (m *mergeReader) Next() (Record, error) {
	if m.err != nil {
		return Record{}, m.err
	}
	if !m.primed {
		if m.err = m.prime(); m.err != nil {
			return Record{}, m.err
		}
	}
	if m.heap.Empty() {
		m.err = io.EOF
		return Record{}, m.err
	}
	id := m.heap.PeekID()
	rec := m.heads[id]
	next, err := m.readers[id].Next()
	switch {
	case err == io.EOF:
		m.heads[id] = Record{}
		m.heap.Poll()
	case err != nil:
		m.err = err
		return Record{}, err
	default:
		m.heads[id] = next
		m.heap.UpdateHead(next.Key)
	}
	return rec, nil
}

func (m *mergeReader) Close() error {
	return closeAll(m.readers)
}

func closeAll(readers []recordReader) error {
	var err *multierror.Error
	for _, r := range readers {
		if r == nil {
			continue
		}
		if e := r.Close(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	return err.ErrorOrNil()
}

// A Scanner iterates over the records of a sorted Store in ascending
// order. Scanners are not safe for concurrent use.
//
//	scan := store.Scanner(ctx)
//	for scan.Scan() {
//		rec := scan.Record()
//		...
//	}
//	if err := scan.Err(); err != nil {
//		...
//	}
type Scanner struct {
	r      recordReader
	rec    Record
	err    error
	closed bool
}

// Scan advances the scanner to the next record, returning false when
// the stream is exhausted or an error occurred. The scanner is closed
// when Scan returns false.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.closed {
		return false
	}
	rec, err := s.r.Next()
	if err != nil {
		if err != io.EOF {
			s.err = err
		}
		if cerr := s.Close(); s.err == nil {
			s.err = cerr
		}
		return false
	}
	s.rec = rec
	return true
}

// Record returns the current record. The record's value may be
// retained by the caller but must not be modified.
func (s *Scanner) Record() Record {
	return s.rec
}

// Err returns the first error encountered while scanning.
func (s *Scanner) Err() error {
	return s.err
}

// Close releases the scanner's resources. It is safe to call Close
// more than once, and to call it before the stream is exhausted.
func (s *Scanner) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.r.Close()
}
