// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package tilemap implements a tile archive stored as a sorted,
	on-disk map from tile id to tile contents, similar to the SSTable
	data structure used in Bigtable [1] and LevelDB [2]. Tiles are keyed
	by their id in TMS order (tilecoord.TMS), so that the order of
	keys is the archive's tile order. Tiles with repeated contents are
	stored once: later copies hold a reference to the first.

	An archive is written by up to Shards concurrent writers, each of
	which produces one shard file. Shard 0 is stored at the archive's
	path; shard i > 0 is stored at path.i. Each shard is a sequence of
	blocks; each block comprises a sequence of entries with strictly
	increasing ids, followed by a trailer:

		block := blockEntry* blockTrailer
		blockEntry :=
			head:    uvarint          // id<<1|1 at a restart, else (id-previd)<<1
			nvalue:  uvarint          // number of bytes in value
			value:   uint8[nvalue]    // the entry's value
		blockTrailer :=
			restarts:  uint32[nrestart]  // offsets of entries with full ids
			nrestart:  uint32            // size of restart array
			type:      uint8             // block type
			checksum:  uint64            // xxhash64 of contents and trailer

	Entry values are tagged:

		value := 0x00 tile:uint8*       // tile contents
		       | 0x01 ref:uvarint       // id of a tile with the same contents

	A shard is a sequence of data blocks, followed by an optional meta
	block, followed by an index block, followed by a trailer.

		shard := block(data)* block(meta)? block(index) shardTrailer
		shardTrailer :=
			meta:   blockAddr[20]  // zero-padded address of the meta block
			index:  blockAddr[20]  // zero-padded address of index
			magic:  uint64         // magic (0x5ad7c3e2b7f0a419)
		blockAddr :=
			offset: uvarint        // offset of block in shard
			len:    uvarint        // length of block

	The meta block of shard 0 holds a single entry, with id 0, whose
	value is the msgpack-encoded archive metadata and shard count;
	other shards have no meta block. The index block contains one
	entry for each data block: each entry's id is the last tile id in
	that block; the entry's value is a blockAddr containing the
	position of that block.

	[1] https://static.googleusercontent.com/media/research.google.com/en//archive/bigtable-osdi06.pdf
	[2] https://github.com/google/leveldb
*/
package tilemap
