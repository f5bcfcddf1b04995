// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tilemap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/errors"
)

const (
	maxEntryHeaderSize = binary.MaxVarintLen64 + // id or id delta, with restart bit
		binary.MaxVarintLen32 // value size

	blockMinTrailerSize = 4 + // restart count
		1 + // block type
		8 // xxhash64 checksum of contents

	blockTypeData = 0
	blockTypeMeta = 1
)

var order = binary.LittleEndian

// A blockBuffer accumulates the entries of one block. Entries are
// keyed by tile id; ids are stored as deltas from the previous entry,
// except at restart points, where they are stored in full.
type blockBuffer struct {
	bytes.Buffer

	n      int
	lastID uint32

	restartInterval int
	restarts        []int
	sinceRestart    int
}

// Append appends the tile id and value to the block. Ids must be
// strictly increasing, or else Append panics.
func (b *blockBuffer) Append(id uint32, value []byte) {
	if b.n > 0 && id <= b.lastID {
		panic(fmt.Sprintf("tilemap: tile id %d appended after %d", id, b.lastID))
	}
	var head uint64
	if b.n == 0 || b.sinceRestart >= b.restartInterval {
		if b.n > 0 {
			b.restarts = append(b.restarts, b.Len())
		}
		b.sinceRestart = 0
		head = uint64(id)<<1 | 1
	} else {
		b.sinceRestart++
		head = uint64(id-b.lastID) << 1
	}
	b.n++
	b.lastID = id

	var hd [maxEntryHeaderSize]byte
	pos := binary.PutUvarint(hd[:], head)
	pos += binary.PutUvarint(hd[pos:], uint64(len(value)))
	b.Write(hd[:pos])
	b.Write(value)
}

// Finish completes the block by adding the block trailer with the
// provided block type.
func (b *blockBuffer) Finish(typ byte) {
	b.Grow(4*(len(b.restarts)+1) + blockMinTrailerSize)
	var p [8]byte
	nrestart := 0
	if b.n > 0 {
		// The first entry is always a restart point.
		b.Write(p[:4])
		for _, off := range b.restarts {
			order.PutUint32(p[:4], uint32(off))
			b.Write(p[:4])
		}
		nrestart = len(b.restarts) + 1
	}
	order.PutUint32(p[:4], uint32(nrestart))
	b.Write(p[:4])
	b.WriteByte(typ)
	order.PutUint64(p[:], xxhash.Sum64(b.Bytes()))
	b.Write(p[:])
}

// Reset clears the block so that it can be used to write a new one.
func (b *blockBuffer) Reset() {
	b.n = 0
	b.lastID = 0
	b.restarts = nil
	b.sinceRestart = 0
	b.Buffer.Reset()
}

// A block is a decoded, checksummed block. It maintains a scan
// position.
type block struct {
	p        []byte
	typ      byte
	nrestart int
	restarts []byte

	id, prevID   uint32
	value        []byte
	off, prevOff int
}

func corrupt(msg string) error {
	return errors.E(errors.Integrity, "tilemap: "+msg)
}

// init verifies and decodes the trailer of the block stored in b.p.
// Malformed blocks are reported as errors.Integrity.
func (b *block) init() error {
	if len(b.p) < blockMinTrailerSize {
		return corrupt("invalid block: too small")
	}
	if got, want := xxhash.Sum64(b.p[:len(b.p)-8]), order.Uint64(b.p[len(b.p)-8:]); got != want {
		return corrupt(fmt.Sprintf("invalid checksum: expected %x, got %x", want, got))
	}
	off := len(b.p) - blockMinTrailerSize
	b.nrestart = int(order.Uint32(b.p[off:]))
	if b.nrestart*4 > off {
		return corrupt("invalid restart count")
	}
	b.restarts = b.p[off-4*b.nrestart : off]
	b.typ = b.p[off+4]
	if b.typ != blockTypeData && b.typ != blockTypeMeta {
		return corrupt(fmt.Sprintf("invalid block type %d", b.typ))
	}
	b.p = b.p[:off-4*b.nrestart]
	b.id, b.prevID = 0, 0
	b.value = nil
	b.off, b.prevOff = 0, 0
	return nil
}

func (b *block) restart(i int) int {
	return int(order.Uint32(b.restarts[i*4:]))
}

// Seek positions the block so that the next Scan returns the first
// entry with an id >= id.
func (b *block) Seek(id uint32) {
	i := sort.Search(b.nrestart, func(i int) bool {
		b.off = b.restart(i)
		if !b.Scan() {
			panic("tilemap: corrupt block")
		}
		return id <= b.id
	})
	if i == 0 {
		b.off = 0
		return
	}
	b.off = b.restart(i - 1)
	for b.Scan() {
		if id <= b.id {
			b.unscan()
			return
		}
	}
}

// Scan decodes the entry at the current position and advances past
// it. It returns false at the end of the block.
func (b *block) Scan() bool {
	if b.off >= len(b.p) {
		return false
	}
	b.prevOff, b.prevID = b.off, b.id
	head, n := binary.Uvarint(b.p[b.off:])
	b.off += n
	nvalue, n := binary.Uvarint(b.p[b.off:])
	b.off += n
	if head&1 != 0 {
		b.id = uint32(head >> 1)
	} else {
		b.id += uint32(head >> 1)
	}
	b.value = b.p[b.off : b.off+int(nvalue)]
	b.off += int(nvalue)
	return true
}

func (b *block) unscan() {
	b.off, b.id = b.prevOff, b.prevID
}

// ID returns the tile id of the last scanned entry.
func (b *block) ID() uint32 { return b.id }

// Value returns the value of the last scanned entry.
func (b *block) Value() []byte { return b.value }

func readBlock(p []byte) (*block, error) {
	b := &block{p: p}
	return b, b.init()
}
