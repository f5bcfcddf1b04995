// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tilemap

import (
	"encoding/binary"
	"io"
)

const (
	maxBlockAddrSize = binary.MaxVarintLen64 + // offset
		binary.MaxVarintLen64 // len

	shardTrailerSize = maxBlockAddrSize + // meta block address (padded)
		maxBlockAddrSize + // index address (padded)
		8 // magic

	shardTrailerMagic = 0x5ad7c3e2b7f0a419
)

type blockAddr struct {
	off uint64
	len uint64
}

func putBlockAddr(p []byte, b blockAddr) int {
	off := binary.PutUvarint(p, b.off)
	return off + binary.PutUvarint(p[off:], b.len)
}

func getBlockAddr(p []byte) (b blockAddr, n int) {
	var m int
	b.off, n = binary.Uvarint(p)
	b.len, m = binary.Uvarint(p[n:])
	n += m
	return
}

// A shardWriter appends tiles to a shard in increasing id order.
type shardWriter struct {
	data, index blockBuffer
	w           io.Writer

	lastID uint32

	blockSize int
	off       int
}

const (
	defaultBlockSize       = 1 << 16
	defaultRestartInterval = 16
)

func newShardWriter(w io.Writer, blockSize, restartInterval int) *shardWriter {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	if restartInterval <= 0 {
		restartInterval = defaultRestartInterval
	}
	wr := &shardWriter{w: w, blockSize: blockSize}
	wr.data.restartInterval = restartInterval
	wr.index.restartInterval = restartInterval
	return wr
}

// Append appends an entry to the shard, flushing the current data
// block once it exceeds the block size.
func (w *shardWriter) Append(id uint32, value []byte) error {
	w.data.Append(id, value)
	w.lastID = id
	if w.data.Len() > w.blockSize {
		return w.Flush()
	}
	return nil
}

// Flush writes the current data block and adds it to the index.
func (w *shardWriter) Flush() error {
	w.data.Finish(blockTypeData)
	n, err := w.w.Write(w.data.Bytes())
	if err != nil {
		return err
	}
	w.data.Reset()
	off := w.off
	w.off += n

	b := make([]byte, maxBlockAddrSize)
	n = putBlockAddr(b, blockAddr{uint64(off), uint64(n)})
	w.index.Append(w.lastID, b[:n])
	return nil
}

// pending tells whether the current data block holds entries.
func (w *shardWriter) pending() bool { return w.data.Len() > 0 }

// Close flushes pending entries and writes the shard's meta block (if
// meta is non-nil), index, and trailer.
func (w *shardWriter) Close(meta []byte) error {
	if w.pending() || w.index.Len() == 0 {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	var metaAddr blockAddr
	if meta != nil {
		var mb blockBuffer
		mb.Append(0, meta)
		mb.Finish(blockTypeMeta)
		n, err := w.w.Write(mb.Bytes())
		if err != nil {
			return err
		}
		metaAddr = blockAddr{uint64(w.off), uint64(n)}
		w.off += n
	}
	w.index.Finish(blockTypeData)
	n, err := w.w.Write(w.index.Bytes())
	if err != nil {
		return err
	}
	w.index.Reset()
	indexAddr := blockAddr{uint64(w.off), uint64(n)}
	w.off += n

	trailer := make([]byte, shardTrailerSize)
	putBlockAddr(trailer, metaAddr)
	putBlockAddr(trailer[maxBlockAddrSize:], indexAddr)
	order.PutUint64(trailer[len(trailer)-8:], shardTrailerMagic)
	_, err = w.w.Write(trailer)
	return err
}
