// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package boltarchive implements a tile archive stored in a single
// bbolt database. Tiles are keyed by their id in Hilbert order
// (tilecoord.Hilbert), and contents are stored once per distinct
// content hash: the tiles bucket maps a tile id to a content key,
// and the contents bucket maps content keys to tile bytes.
package boltarchive

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/spaolacci/murmur3"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	tilesBucket    = []byte("tiles")
	contentsBucket = []byte("contents")
	metaBucket     = []byte("meta")
	metadataKey    = []byte("metadata")
	countsKey      = []byte("counts")
)

// DefaultBatchSize is the default number of tiles committed per
// transaction.
const DefaultBatchSize = 1000

// Options configures a bolt archive.
type Options struct {
	// BatchSize is the number of tiles committed per write
	// transaction. It defaults to DefaultBatchSize.
	BatchSize int
	// NoSync disables fsync after each commit. The database is synced
	// when the archive is finished.
	NoSync bool
}

type counts struct {
	Tiles  int64 `msgpack:"tiles"`
	Unique int64 `msgpack:"unique"`
}

// Archive is a bolt archive being written. It implements
// archive.Archive. Bolt databases have a single writer, so the
// archive supports one TileWriter.
type Archive struct {
	path string
	opts Options

	mu     sync.Mutex
	db     *bolt.DB
	writer bool
	counts counts
}

var _ archive.Archive = (*Archive)(nil)

// New returns an archive to be written at path. Any existing file at
// path is replaced.
func New(path string, opts Options) *Archive {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Archive{path: path, opts: opts}
}

func tileKey(id uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], id)
	return k[:]
}

func contentKey(h uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], h)
	return k[:]
}

// Initialize implements archive.Archive. It creates the database and
// its buckets, and stores the initial metadata.
func (a *Archive) Initialize(ctx context.Context, md archive.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return errors.E(errors.Invalid, "boltarchive: archive already initialized")
	}
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return errors.E(fmt.Sprintf("boltarchive: remove %s", a.path), err)
	}
	db, err := bolt.Open(a.path, 0o644, nil)
	if err != nil {
		return errors.E(fmt.Sprintf("boltarchive: open %s", a.path), err)
	}
	db.NoSync = a.opts.NoSync
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{tilesBucket, contentsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return putMeta(tx, md, counts{})
	})
	if err != nil {
		db.Close()
		return errors.E("boltarchive: initialize", err)
	}
	a.db = db
	return nil
}

func putMeta(tx *bolt.Tx, md archive.Metadata, c counts) error {
	b := tx.Bucket(metaBucket)
	p, err := msgpack.Marshal(md)
	if err != nil {
		return err
	}
	if err := b.Put(metadataKey, p); err != nil {
		return err
	}
	if p, err = msgpack.Marshal(c); err != nil {
		return err
	}
	return b.Put(countsKey, p)
}

// NewWriter implements archive.Archive.
func (a *Archive) NewWriter(ctx context.Context) (archive.TileWriter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, errors.E(errors.Invalid, "boltarchive: writer requested before initialize")
	}
	if a.writer {
		return nil, errors.E(errors.Invalid, "boltarchive: archive supports a single writer")
	}
	a.writer = true
	return &writer{archive: a, checker: archive.NewOrderChecker(tilecoord.Hilbert)}, nil
}

// Finish implements archive.Archive. It stores the final metadata,
// syncs, and closes the database.
func (a *Archive) Finish(ctx context.Context, md archive.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return errors.E(errors.Invalid, "boltarchive: finish before initialize")
	}
	err := a.db.Update(func(tx *bolt.Tx) error {
		return putMeta(tx, md, a.counts)
	})
	if err == nil {
		err = a.db.Sync()
	}
	if cerr := a.db.Close(); err == nil {
		err = cerr
	}
	a.db = nil
	if err != nil {
		return errors.E(fmt.Sprintf("boltarchive: finish %s", a.path), err)
	}
	log.Printf("boltarchive: wrote %s: %d tiles (%d unique)", a.path, a.counts.Tiles, a.counts.Unique)
	return nil
}

// Deduplicates implements archive.Archive.
func (a *Archive) Deduplicates() bool { return true }

// TileOrder implements archive.Archive.
func (a *Archive) TileOrder() tilecoord.Order { return tilecoord.Hilbert }

// MaxWriters implements archive.Archive.
func (a *Archive) MaxWriters() int { return 1 }

// Close implements archive.Archive.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

type writer struct {
	archive *Archive
	checker *archive.OrderChecker
	pending []archive.TileResult
	closed  bool
}

func (w *writer) Write(ctx context.Context, r archive.TileResult) error {
	if w.closed {
		return errors.E(errors.Invalid, "boltarchive: write to closed writer")
	}
	if err := w.checker.Check(r.Coord); err != nil {
		return err
	}
	if !r.HasHash {
		r.Hash, r.HasHash = murmur3.Sum64(r.Bytes), true
	}
	w.pending = append(w.pending, r)
	if len(w.pending) >= w.archive.opts.BatchSize {
		return w.flush()
	}
	return nil
}

// flush commits the pending tiles in a single transaction. Content
// keys are assigned by probing from the content hash, so that
// distinct contents with colliding hashes are both stored.
func (w *writer) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	a := w.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	var added counts
	err := a.db.Update(func(tx *bolt.Tx) error {
		tiles, contents := tx.Bucket(tilesBucket), tx.Bucket(contentsBucket)
		// Tile ids are appended in increasing order.
		tiles.FillPercent = 1
		for _, r := range w.pending {
			h := r.Hash
			for {
				existing := contents.Get(contentKey(h))
				if existing == nil {
					if err := contents.Put(contentKey(h), r.Bytes); err != nil {
						return err
					}
					added.Unique++
					break
				}
				if bytes.Equal(existing, r.Bytes) {
					break
				}
				h++
			}
			if err := tiles.Put(tileKey(tilecoord.Hilbert.Encode(r.Coord)), contentKey(h)); err != nil {
				return err
			}
			added.Tiles++
		}
		return nil
	})
	if err != nil {
		return errors.E(errors.Fatal, "boltarchive: commit tiles", err)
	}
	a.counts.Tiles += added.Tiles
	a.counts.Unique += added.Unique
	w.pending = w.pending[:0]
	return nil
}

func (w *writer) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flush()
}

// Reader reads a finished bolt archive. It implements archive.Reader.
type Reader struct {
	path string
	db   *bolt.DB
}

var _ archive.Reader = (*Reader)(nil)

// Open opens the bolt archive at path for reading.
func Open(ctx context.Context, path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("boltarchive: open %s", path), err)
	}
	db, err := bolt.Open(path, 0o444, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, errors.E(fmt.Sprintf("boltarchive: open %s", path), err)
	}
	return &Reader{path: path, db: db}, nil
}

// Tile implements archive.Reader.
func (r *Reader) Tile(ctx context.Context, coord tilecoord.Coord) ([]byte, error) {
	var p []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		k := tx.Bucket(tilesBucket).Get(tileKey(tilecoord.Hilbert.Encode(coord)))
		if k == nil {
			return errors.E(errors.NotExist, fmt.Sprintf("boltarchive: %s: tile %s", r.path, tilecoord.String(coord)))
		}
		v := tx.Bucket(contentsBucket).Get(k)
		if v == nil {
			return errors.E(errors.Integrity, fmt.Sprintf("boltarchive: %s: missing contents of tile %s", r.path, tilecoord.String(coord)))
		}
		p = append([]byte{}, v...)
		return nil
	})
	return p, err
}

// NumTiles returns the number of tiles in the archive, and the number
// of distinct tile contents.
func (r *Reader) NumTiles() (tiles, unique int64, err error) {
	var c counts
	err = r.db.View(func(tx *bolt.Tx) error {
		return msgpack.Unmarshal(tx.Bucket(metaBucket).Get(countsKey), &c)
	})
	return c.Tiles, c.Unique, err
}

// Metadata implements archive.Reader.
func (r *Reader) Metadata(ctx context.Context) (archive.Metadata, error) {
	var md archive.Metadata
	err := r.db.View(func(tx *bolt.Tx) error {
		return msgpack.Unmarshal(tx.Bucket(metaBucket).Get(metadataKey), &md)
	})
	if err != nil {
		return md, errors.E(errors.Integrity, fmt.Sprintf("boltarchive: %s: decode metadata", r.path), err)
	}
	return md, nil
}

// Scanner implements archive.Reader. Tiles are returned in Hilbert
// order. The scanner holds a read transaction until it is closed.
func (r *Reader) Scanner(ctx context.Context) archive.Scanner {
	tx, err := r.db.Begin(false)
	if err != nil {
		return &scanner{err: err}
	}
	return &scanner{
		tx:       tx,
		cursor:   tx.Bucket(tilesBucket).Cursor(),
		contents: tx.Bucket(contentsBucket),
	}
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}

type scanner struct {
	tx       *bolt.Tx
	cursor   *bolt.Cursor
	contents *bolt.Bucket
	started  bool

	coord tilecoord.Coord
	p     []byte
	err   error
}

func (s *scanner) Scan() bool {
	if s.err != nil || s.tx == nil {
		return false
	}
	var k, v []byte
	if !s.started {
		s.started = true
		k, v = s.cursor.First()
	} else {
		k, v = s.cursor.Next()
	}
	if k == nil {
		return false
	}
	s.coord = tilecoord.Hilbert.Decode(binary.BigEndian.Uint32(k))
	if s.p = s.contents.Get(v); s.p == nil {
		s.err = errors.E(errors.Integrity, fmt.Sprintf("boltarchive: missing contents of tile %s", tilecoord.String(s.coord)))
		return false
	}
	return true
}

func (s *scanner) Coord() tilecoord.Coord { return s.coord }

// Bytes returns the contents of the last scanned tile. They are valid
// until the scanner is closed.
func (s *scanner) Bytes() []byte { return s.p }
func (s *scanner) Err() error    { return s.err }

func (s *scanner) Close() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}
