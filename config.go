// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigtile

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/sortio"
)

func init() {
	config.Register("bigtile", func(inst *config.Constructor) {
		var (
			c            Config
			storage      string
			sortCompress string
			tileCompress string
			chunkSize    int
			budget       int
		)
		inst.StringVar(&c.Sort.Dir, "tmpdir", "", "directory in which sort chunks are spilled")
		inst.StringVar(&storage, "storage", "file", "sort chunk storage: file, mmap, or memory")
		inst.StringVar(&sortCompress, "sort-compression", "none", "compression of spilled sort chunks: none, gzip, or lz4")
		inst.IntVar(&chunkSize, "chunk-size", 0, "sort chunk size limit in bytes; zero derives it from the memory budget")
		inst.IntVar(&budget, "memory-budget", 0, "memory available to the sort in bytes; zero uses half of physical memory")
		inst.IntVar(&c.Sort.Workers, "sort-workers", 0, "number of chunks sorted concurrently")
		inst.IntVar(&c.Group.ParallelReaders, "readers", 0, "number of goroutines reading sorted chunks")
		inst.IntVar(&c.Group.MaxAttrKeys, "max-attribute-keys", 0, "capacity of the attribute key table")
		inst.FloatVar(&c.Group.MaxPointBuffer, "max-point-buffer", -1, "pixels beyond a tile at which points are dropped; negative disables")
		inst.IntVar(&c.Writer.MaxTilesPerBatch, "batch-tiles", 0, "maximum number of tiles per encode batch")
		inst.IntVar(&c.Writer.MaxFeaturesPerBatch, "batch-features", 0, "maximum number of features per encode batch")
		inst.IntVar(&c.Writer.EncodeWorkers, "encoders", 0, "number of goroutines encoding tiles")
		inst.IntVar(&c.Writer.WriterThreads, "writers", 1, "number of archive writers")
		inst.IntVar(&c.Writer.QueueSize, "queue-size", 0, "number of encode batches queued ahead of the writer")
		inst.StringVar(&tileCompress, "compression", "gzip", "tile compression: none, gzip, or zstd")
		inst.BoolVar(&c.Writer.Memoize, "memoize", true, "reuse the encoding of identical adjacent tiles")
		inst.BoolVar(&c.Writer.SkipFilledTiles, "skip-filled-tiles", false, "omit tiles that contain only fill polygons")
		inst.IntVar(&c.Writer.WarnTileBytes, "warn-tile-bytes", 0, "uncompressed tile size above which a warning is logged")
		inst.Doc = "bigtile configures the tile pipeline"
		inst.New = func() (interface{}, error) {
			var err error
			if c.Sort.Storage, err = sortio.ParseStorage(storage); err != nil {
				return nil, err
			}
			if c.Sort.Compression, err = sortio.ParseCompression(sortCompress); err != nil {
				return nil, err
			}
			if c.Writer.Compression, err = archive.ParseCompression(tileCompress); err != nil {
				return nil, err
			}
			c.Sort.ChunkSizeLimit = int64(chunkSize)
			c.Sort.MemoryBudget = int64(budget)
			if err := c.Validate(); err != nil {
				return nil, err
			}
			return c, nil
		}
	})
}
