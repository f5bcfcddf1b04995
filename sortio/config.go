// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"fmt"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/pbnjay/memory"
)

// MaxChunkSize is the largest permitted chunk size limit.
const MaxChunkSize = 2 << 30

// recordOverhead is the estimated in-memory cost of a record in
// addition to its value bytes: the Record header plus slice
// bookkeeping during the sort phase.
const recordOverhead = 48

// Storage selects where chunks are spilled.
type Storage int

const (
	// StorageFile spills chunks to buffered sequential files.
	StorageFile Storage = iota
	// StorageMmap spills chunks to memory-mapped files.
	StorageMmap
	// StorageMemory keeps chunks in process memory.
	StorageMemory
)

func (s Storage) String() string {
	switch s {
	case StorageFile:
		return "file"
	case StorageMmap:
		return "mmap"
	case StorageMemory:
		return "memory"
	}
	return fmt.Sprintf("Storage(%d)", int(s))
}

// ParseStorage returns the storage named by s.
func ParseStorage(s string) (Storage, error) {
	for _, st := range []Storage{StorageFile, StorageMmap, StorageMemory} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("sortio: unknown storage %q", s))
}

// Compression selects how file-backed chunks are compressed.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionLZ4:
		return "lz4"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// ParseCompression returns the compression named by s.
func ParseCompression(s string) (Compression, error) {
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionLZ4} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("sortio: unknown compression %q", s))
}

// Config configures a Store. The zero Config is valid: it spills
// uncompressed files to a temporary directory, with memory limits
// derived from the host's physical memory.
type Config struct {
	// Dir is the directory in which chunks are spilled. If empty, a
	// temporary directory is created and removed by Store.Close.
	Dir string
	// ChunkSizeLimit is the estimated in-memory size at which a chunk
	// is sealed and a new one is started. It defaults to a quarter of
	// MemoryBudget, capped at MaxChunkSize.
	ChunkSizeLimit int64
	// MemoryBudget is the amount of memory the sort phase may use for
	// chunk buffers. It defaults to half of physical memory.
	MemoryBudget int64
	// Workers is the number of chunks sorted concurrently. The
	// effective number is further bounded by MemoryBudget divided by
	// ChunkSizeLimit. It defaults to the number of CPUs.
	Workers int
	// ReadPermits and WritePermits bound the number of chunks read
	// and written concurrently during the sort phase. They default to
	// the effective number of workers.
	ReadPermits, WritePermits int
	// Storage selects the chunk backend.
	Storage Storage
	// Compression selects the compression of file chunks. It cannot
	// be combined with StorageMmap.
	Compression Compression
	// ParallelReaders is the default number of reader goroutines used
	// by Store.ParallelScanner.
	ParallelReaders int
}

// withDefaults returns c with its zero fields set to their defaults.
func (c Config) withDefaults() Config {
	if c.MemoryBudget == 0 {
		c.MemoryBudget = int64(memory.TotalMemory() / 2)
		if c.MemoryBudget == 0 {
			c.MemoryBudget = 1 << 30
		}
	}
	if c.ChunkSizeLimit == 0 {
		c.ChunkSizeLimit = c.MemoryBudget / 4
		if c.ChunkSizeLimit > MaxChunkSize {
			c.ChunkSizeLimit = MaxChunkSize
		}
		if c.ChunkSizeLimit < 1 {
			c.ChunkSizeLimit = 1
		}
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.ChunkSizeLimit > 0 {
		if n := c.MemoryBudget / c.ChunkSizeLimit; n < int64(c.Workers) {
			c.Workers = int(n)
		}
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.ReadPermits == 0 {
		c.ReadPermits = c.Workers
	}
	if c.WritePermits == 0 {
		c.WritePermits = c.Workers
	}
	if c.ParallelReaders == 0 {
		c.ParallelReaders = c.Workers
	}
	return c
}

// Validate checks the configuration for errors. Configuration errors
// are of kind errors.Invalid and are reported before any work starts.
func (c Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.E(errors.Invalid, fmt.Sprintf("sortio: "+format, args...))
	}
	switch {
	case c.Storage < StorageFile || c.Storage > StorageMemory:
		return invalid("invalid storage %v", c.Storage)
	case c.Compression < CompressionNone || c.Compression > CompressionLZ4:
		return invalid("invalid compression %v", c.Compression)
	case c.Storage == StorageMmap && c.Compression != CompressionNone:
		return invalid("%s compression cannot be combined with mmap storage", c.Compression)
	case c.ChunkSizeLimit < 0:
		return invalid("negative chunk size limit %d", c.ChunkSizeLimit)
	case c.ChunkSizeLimit > MaxChunkSize:
		return invalid("chunk size limit %d exceeds maximum %d", c.ChunkSizeLimit, int64(MaxChunkSize))
	case c.MemoryBudget < 0:
		return invalid("negative memory budget %d", c.MemoryBudget)
	case c.Workers < 0 || c.ReadPermits < 0 || c.WritePermits < 0 || c.ParallelReaders < 0:
		return invalid("negative concurrency")
	}
	d := c.withDefaults()
	if d.ChunkSizeLimit > d.MemoryBudget {
		return invalid("chunk size limit %d exceeds memory budget %d", d.ChunkSizeLimit, d.MemoryBudget)
	}
	return nil
}
