// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tilemap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	tagTile byte = 0
	tagRef  byte = 1
)

// Options configures a tilemap archive.
type Options struct {
	// Shards is the number of shard files, and so the maximum number
	// of concurrent writers. It defaults to 1.
	Shards int
	// BlockSize is the target size of data blocks. It defaults to
	// 64 KiB.
	BlockSize int
	// RestartInterval is the number of entries between key restart
	// points. It defaults to 16.
	RestartInterval int
}

// meta is the contents of the meta block of shard 0.
type meta struct {
	Metadata archive.Metadata `msgpack:"metadata"`
	Shards   int              `msgpack:"shards"`
	Tiles    int64            `msgpack:"tiles"`
	Unique   int64            `msgpack:"unique"`
}

// ref identifies the first tile stored with a given contents hash.
// A later tile refers to it only if its size and xxhash checksum match
// as well, so aliasing two different tiles requires a simultaneous
// collision of two independent 64-bit hashes.
type ref struct {
	id    uint32
	size  int
	check uint64
}

// Archive is a tilemap archive being written. It implements
// archive.Archive.
type Archive struct {
	path string
	opts Options

	mu          sync.Mutex
	initialized bool
	shards      []*shard
	refs        map[uint64]ref
	tiles       int64
	unique      int64
}

var _ archive.Archive = (*Archive)(nil)

// New returns an archive to be written at path.
func New(path string, opts Options) *Archive {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	return &Archive{path: path, opts: opts}
}

func shardPath(path string, i int) string {
	if i == 0 {
		return path
	}
	return fmt.Sprintf("%s.%d", path, i)
}

type shard struct {
	file   file.File
	w      *shardWriter
	closed bool
}

// Initialize implements archive.Archive.
func (a *Archive) Initialize(ctx context.Context, md archive.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return errors.E(errors.Invalid, "tilemap: archive already initialized")
	}
	a.initialized = true
	a.refs = make(map[uint64]ref)
	return nil
}

// NewWriter implements archive.Archive. Each writer writes one shard.
func (a *Archive) NewWriter(ctx context.Context) (archive.TileWriter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return nil, errors.E(errors.Invalid, "tilemap: writer requested before initialize")
	}
	if len(a.shards) >= a.opts.Shards {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tilemap: archive has only %d shards", a.opts.Shards))
	}
	s, err := a.createShard(ctx, len(a.shards))
	if err != nil {
		return nil, err
	}
	a.shards = append(a.shards, s)
	return &writer{archive: a, shard: s, checker: archive.NewOrderChecker(tilecoord.TMS)}, nil
}

func (a *Archive) createShard(ctx context.Context, i int) (*shard, error) {
	f, err := file.Create(ctx, shardPath(a.path, i))
	if err != nil {
		return nil, err
	}
	return &shard{
		file: f,
		w:    newShardWriter(f.Writer(ctx), a.opts.BlockSize, a.opts.RestartInterval),
	}, nil
}

// Finish implements archive.Archive. It writes the index and trailer
// of every shard, and the metadata to shard 0.
func (a *Archive) Finish(ctx context.Context, md archive.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range a.shards {
		if !s.closed {
			return errors.E(errors.Invalid, fmt.Sprintf("tilemap: shard %d not closed", i))
		}
	}
	if len(a.shards) == 0 {
		s, err := a.createShard(ctx, 0)
		if err != nil {
			return err
		}
		a.shards = append(a.shards, s)
	}
	m, err := msgpack.Marshal(meta{
		Metadata: md,
		Shards:   len(a.shards),
		Tiles:    a.tiles,
		Unique:   a.unique,
	})
	if err != nil {
		return errors.E("tilemap: encode metadata", err)
	}
	for i, s := range a.shards {
		var p []byte
		if i == 0 {
			p = m
		}
		err := s.w.Close(p)
		errors.CleanUpCtx(ctx, s.file.Close, &err)
		if err != nil {
			return errors.E(fmt.Sprintf("tilemap: finish shard %s", shardPath(a.path, i)), err)
		}
		s.file = nil
	}
	log.Printf("tilemap: wrote %s: %d tiles (%d unique) in %d shards", a.path, a.tiles, a.unique, len(a.shards))
	return nil
}

// Deduplicates implements archive.Archive.
func (a *Archive) Deduplicates() bool { return true }

// TileOrder implements archive.Archive.
func (a *Archive) TileOrder() tilecoord.Order { return tilecoord.TMS }

// MaxWriters implements archive.Archive.
func (a *Archive) MaxWriters() int { return a.opts.Shards }

// Close implements archive.Archive. Shards of an unfinished archive
// are discarded.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx := context.Background()
	for _, s := range a.shards {
		if s.file != nil {
			s.file.Discard(ctx)
			s.file = nil
		}
	}
	return nil
}

// lookup returns the tile previously stored with the contents of r,
// whose xxhash checksum is check.
func (a *Archive) lookup(r archive.TileResult, check uint64) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref, ok := a.refs[r.Hash]
	return ref.id, ok && ref.size == len(r.Bytes) && ref.check == check
}

// record counts a written tile. Tiles stored in full are remembered by
// their contents hash, if they have one.
func (a *Archive) record(r archive.TileResult, id uint32, check uint64, full bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tiles++
	if !full {
		return
	}
	a.unique++
	if _, ok := a.refs[r.Hash]; r.HasHash && !ok {
		a.refs[r.Hash] = ref{id, len(r.Bytes), check}
	}
}

type writer struct {
	archive *Archive
	shard   *shard
	checker *archive.OrderChecker
	value   []byte
}

func (w *writer) Write(ctx context.Context, r archive.TileResult) error {
	if w.shard.closed {
		return errors.E(errors.Invalid, "tilemap: write to closed writer")
	}
	if err := w.checker.Check(r.Coord); err != nil {
		return err
	}
	var (
		id    = tilecoord.TMS.Encode(r.Coord)
		check uint64
	)
	if r.HasHash {
		check = xxhash.Sum64(r.Bytes)
		if target, ok := w.archive.lookup(r, check); ok {
			w.value = append(w.value[:0], tagRef)
			w.value = binary.AppendUvarint(w.value, uint64(target))
			if err := w.shard.w.Append(id, w.value); err != nil {
				return err
			}
			w.archive.record(r, id, check, false)
			return nil
		}
	}
	w.value = append(append(w.value[:0], tagTile), r.Bytes...)
	if err := w.shard.w.Append(id, w.value); err != nil {
		return err
	}
	w.archive.record(r, id, check, true)
	return nil
}

// Close flushes the writer's pending block. The shard is completed by
// Archive.Finish.
func (w *writer) Close(ctx context.Context) error {
	if w.shard.closed {
		return nil
	}
	w.archive.mu.Lock()
	w.shard.closed = true
	w.archive.mu.Unlock()
	if w.shard.w.pending() {
		return w.shard.w.Flush()
	}
	return nil
}
