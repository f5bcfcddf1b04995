// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tilemap

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/vmihailenco/msgpack/v5"
)

// shardMap is a read-only view of a single shard.
type shardMap struct {
	mu    sync.Mutex
	file  file.File
	r     io.ReadSeeker
	index block
	meta  []byte
}

func openShard(ctx context.Context, path string) (*shardMap, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	m := &shardMap{file: f, r: f.Reader(ctx)}
	if err := m.init(); err != nil {
		f.Close(ctx)
		return nil, errors.E(fmt.Sprintf("tilemap: open %s", path), err)
	}
	return m, nil
}

func (m *shardMap) init() error {
	if _, err := m.r.Seek(-shardTrailerSize, io.SeekEnd); err != nil {
		return err
	}
	trailer := make([]byte, shardTrailerSize)
	if _, err := io.ReadFull(m.r, trailer); err != nil {
		return err
	}
	if magic := order.Uint64(trailer[len(trailer)-8:]); magic != shardTrailerMagic {
		return corrupt("wrong magic")
	}
	metaAddr, _ := getBlockAddr(trailer)
	indexAddr, _ := getBlockAddr(trailer[maxBlockAddrSize:])
	if metaAddr != (blockAddr{}) {
		var mb block
		if err := m.readBlock(metaAddr, &mb); err != nil {
			return err
		}
		if mb.typ != blockTypeMeta || !mb.Scan() {
			return corrupt("invalid meta block")
		}
		m.meta = mb.Value()
	}
	if err := m.readBlock(indexAddr, &m.index); err != nil {
		return err
	}
	if !m.index.Scan() {
		return corrupt("empty index")
	}
	return nil
}

func (m *shardMap) readBlock(addr blockAddr, block *block) error {
	if block.p != nil && cap(block.p) >= int(addr.len) {
		block.p = block.p[:addr.len]
	} else {
		block.p = make([]byte, addr.len)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.r.Seek(int64(addr.off), io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(m.r, block.p); err != nil {
		return err
	}
	return block.init()
}

// Seek returns a scanner beginning at the first tile in the shard
// with an id >= id.
func (m *shardMap) Seek(id uint32) *shardScanner {
	s := &shardScanner{parent: m, index: m.index}
	s.index.Seek(id)
	if s.index.Scan() {
		addr, _ := getBlockAddr(s.index.Value())
		if s.err = m.readBlock(addr, &s.data); s.err == nil {
			s.data.Seek(id)
		}
	}
	return s
}

// shardScanner implements ordered iteration over a shard.
type shardScanner struct {
	parent      *shardMap
	err         error
	data, index block
}

// Scan scans the next entry, returning true on success.
func (s *shardScanner) Scan() bool {
	for s.err == nil && !s.data.Scan() {
		if !s.index.Scan() {
			return false
		}
		addr, _ := getBlockAddr(s.index.Value())
		s.err = s.parent.readBlock(addr, &s.data)
	}
	return s.err == nil
}

func (s *shardScanner) Err() error    { return s.err }
func (s *shardScanner) ID() uint32    { return s.data.ID() }
func (s *shardScanner) Value() []byte { return s.data.Value() }

// Reader reads a finished tilemap archive. It implements
// archive.Reader and is safe for concurrent use.
type Reader struct {
	path   string
	shards []*shardMap
	meta   meta
}

var _ archive.Reader = (*Reader)(nil)

// Open opens the tilemap archive at path.
func Open(ctx context.Context, path string) (*Reader, error) {
	m0, err := openShard(ctx, path)
	if err != nil {
		return nil, err
	}
	r := &Reader{path: path, shards: []*shardMap{m0}}
	if m0.meta == nil {
		r.Close()
		return nil, corrupt(fmt.Sprintf("%s: missing metadata", path))
	}
	if err := msgpack.Unmarshal(m0.meta, &r.meta); err != nil {
		r.Close()
		return nil, errors.E(errors.Integrity, fmt.Sprintf("tilemap: %s: decode metadata", path), err)
	}
	for i := 1; i < r.meta.Shards; i++ {
		m, err := openShard(ctx, shardPath(path, i))
		if err != nil {
			r.Close()
			return nil, err
		}
		r.shards = append(r.shards, m)
	}
	return r, nil
}

// NumTiles returns the number of tiles in the archive, and the number
// of them stored in full.
func (r *Reader) NumTiles() (tiles, unique int64) {
	return r.meta.Tiles, r.meta.Unique
}

// Metadata implements archive.Reader.
func (r *Reader) Metadata(ctx context.Context) (archive.Metadata, error) {
	return r.meta.Metadata, nil
}

// Tile implements archive.Reader.
func (r *Reader) Tile(ctx context.Context, coord tilecoord.Coord) ([]byte, error) {
	id := tilecoord.TMS.Encode(coord)
	p, err := r.lookup(id, true)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("tilemap: %s: tile %s", r.path, tilecoord.String(coord)))
	}
	return p, nil
}

// lookup returns the contents of tile id, or nil if the archive does
// not contain it. References are followed if follow is set.
func (r *Reader) lookup(id uint32, follow bool) ([]byte, error) {
	for _, m := range r.shards {
		s := m.Seek(id)
		if !s.Scan() {
			if err := s.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if s.ID() == id {
			return r.resolve(s.Value(), follow)
		}
	}
	return nil, nil
}

// resolve returns a copy of the tile contents of entry value v,
// following a reference if follow is set.
func (r *Reader) resolve(v []byte, follow bool) ([]byte, error) {
	if len(v) == 0 {
		return nil, corrupt("empty entry")
	}
	switch v[0] {
	case tagTile:
		return append([]byte{}, v[1:]...), nil
	case tagRef:
		id, n := binary.Uvarint(v[1:])
		if n <= 0 || !follow {
			return nil, corrupt("invalid reference")
		}
		p, err := r.lookup(uint32(id), false)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, corrupt(fmt.Sprintf("dangling reference to tile %d", id))
		}
		return p, nil
	}
	return nil, corrupt(fmt.Sprintf("invalid entry tag %d", v[0]))
}

// Scanner implements archive.Reader. Tiles are returned in TMS order.
func (r *Reader) Scanner(ctx context.Context) archive.Scanner {
	return newMergedScanner(r)
}

// Close closes the archive's shard files.
func (r *Reader) Close() error {
	ctx := context.Background()
	var err error
	for _, m := range r.shards {
		if cerr := m.file.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
