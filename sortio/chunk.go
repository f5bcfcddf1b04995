// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Chunks are stored as a sequence of records, each encoded as
//
//	key   int64, big-endian
//	len   uint32, big-endian
//	value [len]byte
const headerSize = 12

// mmapSegmentSize is the size of each mapped region used when writing
// mmap chunks. It must be a multiple of the page size.
var mmapSegmentSize = 64 << 20

// A chunk is a spill segment: a bounded set of records that is
// sorted independently and then merged with the other chunks.
type chunk struct {
	id          int
	path        string
	storage     Storage
	compression Compression

	// records holds the chunk's records for memory storage.
	records []Record
	w       *recordWriter

	n     int64
	bytes int64
}

func newChunk(id int, dir string, storage Storage, compression Compression) (*chunk, error) {
	c := &chunk{
		id:          id,
		storage:     storage,
		compression: compression,
	}
	if storage == StorageMemory {
		return c, nil
	}
	c.path = filepath.Join(dir, fmt.Sprintf("chunk-%06d", id))
	var err error
	c.w, err = c.create()
	return c, err
}

func (c *chunk) add(r Record) error {
	c.n++
	c.bytes += recordOverhead + int64(len(r.Value))
	if c.storage == StorageMemory {
		c.records = append(c.records, r)
		return nil
	}
	return c.w.Write(r)
}

// seal finishes writing the chunk.
func (c *chunk) seal() error {
	if c.w == nil {
		return nil
	}
	err := c.w.Close()
	c.w = nil
	return err
}

// sortInPlace sorts the chunk's records, rewriting the chunk file for
// disk-backed storage. It is called once per chunk, after sealing.
// The chunk is read while holding a permit from acquireRead and
// rewritten while holding a permit from acquireWrite.
func (c *chunk) sortInPlace(sorter func([]Record), acquireRead, acquireWrite func() (release func(), err error)) error {
	if c.storage == StorageMemory {
		sorter(c.records)
		return nil
	}
	release, err := acquireRead()
	if err != nil {
		return err
	}
	records, err := c.readAll()
	release()
	if err != nil {
		return err
	}
	sorter(records)
	if release, err = acquireWrite(); err != nil {
		return err
	}
	defer release()
	w, err := c.create()
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func (c *chunk) readAll() ([]Record, error) {
	r, err := c.open()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, c.n)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	return records, r.Close()
}

// remove deletes the chunk's file, if any.
func (c *chunk) remove() error {
	c.records = nil
	if c.path == "" {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *chunk) create() (*recordWriter, error) {
	f, err := os.Create(c.path)
	if err != nil {
		return nil, errors.E(errors.Fatal, "sortio: create chunk", err)
	}
	w := &recordWriter{path: c.path, file: f}
	switch c.storage {
	case StorageMmap:
		mw := &mmapWriter{file: f}
		w.w, w.flush = mw, mw.Close
		return w, nil
	case StorageFile:
		bw := bufio.NewWriterSize(f, 1<<20)
		w.w, w.flush = bw, bw.Flush
	}
	switch c.compression {
	case CompressionGzip:
		gz, err := gzip.NewWriterLevel(w.w, gzip.BestSpeed)
		if err != nil {
			f.Close()
			return nil, err
		}
		w.w, w.flush = gz, chain(gz.Close, w.flush)
	case CompressionLZ4:
		lw := lz4.NewWriter(w.w)
		if err := lw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			f.Close()
			return nil, err
		}
		w.w, w.flush = lw, chain(lw.Close, w.flush)
	}
	w.flush = chain(w.flush, f.Close)
	return w, nil
}

func chain(fns ...func() error) func() error {
	return func() error {
		for _, fn := range fns {
			if err := fn(); err != nil {
				return err
			}
		}
		return nil
	}
}

// A recordReader returns a stream of records, and io.EOF once the
// stream is exhausted. Values returned by Next are owned by the
// caller.
type recordReader interface {
	Next() (Record, error)
	Close() error
}

func (c *chunk) open() (recordReader, error) {
	switch c.storage {
	case StorageMemory:
		return &sliceReader{records: c.records}, nil
	case StorageMmap:
		return openMmap(c.path)
	}
	f, err := os.Open(c.path)
	if err != nil {
		return nil, errors.E(errors.Fatal, "sortio: open chunk", err)
	}
	r := &streamReader{path: c.path, closer: f}
	var rd io.Reader = bufio.NewReaderSize(f, 1<<20)
	switch c.compression {
	case CompressionGzip:
		gz, err := gzip.NewReader(rd)
		if err != nil {
			f.Close()
			return nil, errors.E(errors.Fatal, "sortio: open chunk", err)
		}
		rd = gz
	case CompressionLZ4:
		rd = lz4.NewReader(rd)
	}
	r.r = rd
	return r, nil
}

// A recordWriter encodes records to a chunk file.
type recordWriter struct {
	path  string
	file  *os.File
	w     io.Writer
	flush func() error
	hdr   [headerSize]byte
}

func (w *recordWriter) Write(r Record) error {
	binary.BigEndian.PutUint64(w.hdr[:8], uint64(r.Key))
	binary.BigEndian.PutUint32(w.hdr[8:], uint32(len(r.Value)))
	if _, err := w.w.Write(w.hdr[:]); err != nil {
		return errors.E(errors.Fatal, "sortio: write "+w.path, err)
	}
	if _, err := w.w.Write(r.Value); err != nil {
		return errors.E(errors.Fatal, "sortio: write "+w.path, err)
	}
	return nil
}

func (w *recordWriter) Close() error {
	if err := w.flush(); err != nil {
		w.file.Close()
		return errors.E(errors.Fatal, "sortio: close "+w.path, err)
	}
	return nil
}

type sliceReader struct {
	records []Record
}

func (r *sliceReader) Next() (Record, error) {
	if len(r.records) == 0 {
		return Record{}, io.EOF
	}
	rec := r.records[0]
	r.records = r.records[1:]
	return rec, nil
}

func (r *sliceReader) Close() error { return nil }

type streamReader struct {
	path   string
	r      io.Reader
	closer io.Closer
	hdr    [headerSize]byte
}

func (r *streamReader) Next() (Record, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, errors.E(errors.Fatal, "sortio: read "+r.path, err)
	}
	rec := Record{
		Key:   int64(binary.BigEndian.Uint64(r.hdr[:8])),
		Value: make([]byte, binary.BigEndian.Uint32(r.hdr[8:])),
	}
	if _, err := io.ReadFull(r.r, rec.Value); err != nil {
		return Record{}, errors.E(errors.Fatal, "sortio: read "+r.path, err)
	}
	return rec, nil
}

func (r *streamReader) Close() error {
	return r.closer.Close()
}

// mmapWriter writes a file through a sequence of mapped segments,
// growing the file one segment at a time. Close truncates the file to
// the number of bytes written.
type mmapWriter struct {
	file   *os.File
	seg    mmap.MMap
	segOff int64
	pos    int
	size   int64
}

func (w *mmapWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		if w.seg == nil || w.pos == len(w.seg) {
			if err := w.advance(); err != nil {
				return n - len(p), err
			}
		}
		k := copy(w.seg[w.pos:], p)
		w.pos += k
		w.size += int64(k)
		p = p[k:]
	}
	return n, nil
}

func (w *mmapWriter) advance() error {
	if w.seg != nil {
		w.segOff += int64(len(w.seg))
		if err := w.unmap(); err != nil {
			return err
		}
	}
	if err := w.file.Truncate(w.segOff + int64(mmapSegmentSize)); err != nil {
		return err
	}
	seg, err := mmap.MapRegion(w.file, mmapSegmentSize, mmap.RDWR, 0, w.segOff)
	if err != nil {
		return err
	}
	w.seg, w.pos = seg, 0
	return nil
}

func (w *mmapWriter) unmap() error {
	seg := w.seg
	w.seg = nil
	if err := seg.Flush(); err != nil {
		seg.Unmap()
		return err
	}
	return seg.Unmap()
}

func (w *mmapWriter) Close() error {
	if w.seg != nil {
		if err := w.unmap(); err != nil {
			return err
		}
	}
	if err := w.file.Truncate(w.size); err != nil {
		return err
	}
	return w.file.Close()
}

// mmapReader decodes records directly from a read-only mapping of a
// chunk file.
type mmapReader struct {
	path string
	file *os.File
	m    mmap.MMap
	off  int
}

func openMmap(path string) (*mmapReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(errors.Fatal, "sortio: open chunk", err)
	}
	r := &mmapReader{path: path, file: f}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.E(errors.Fatal, "sortio: stat chunk", err)
	}
	if info.Size() == 0 {
		return r, nil
	}
	r.m, err = mmap.MapRegion(f, int(info.Size()), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.E(errors.Fatal, "sortio: map chunk", err)
	}
	log.Debug.Printf("sortio: mapped %s (%d bytes)", path, info.Size())
	return r, nil
}

func (r *mmapReader) Next() (Record, error) {
	if r.off == len(r.m) {
		return Record{}, io.EOF
	}
	if len(r.m)-r.off < headerSize {
		return Record{}, errors.E(errors.Fatal, errors.Integrity, "sortio: truncated record header in "+r.path)
	}
	key := int64(binary.BigEndian.Uint64(r.m[r.off:]))
	n := int(binary.BigEndian.Uint32(r.m[r.off+8:]))
	r.off += headerSize
	if len(r.m)-r.off < n {
		return Record{}, errors.E(errors.Fatal, errors.Integrity, "sortio: truncated record in "+r.path)
	}
	rec := Record{Key: key, Value: append([]byte(nil), r.m[r.off:r.off+n]...)}
	r.off += n
	return rec, nil
}

func (r *mmapReader) Close() error {
	var err error
	if r.m != nil {
		err = r.m.Unmap()
		r.m = nil
	}
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
