// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package archive defines the contract between the tile pipeline and
// tile archives, and implements the pipeline stage that encodes
// grouped tiles and writes them to an archive in the archive's tile
// order.
//
// Archives are written in three steps: Initialize, followed by writes
// through one or more TileWriters, followed by Finish. Tiles must be
// written in strictly increasing order of the archive's TileOrder;
// WriteTiles checks this and fails the run if it is violated.
package archive

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/grailbio/bigtile/vectortile"
	"github.com/paulmach/orb"
)

// Compression is the compression applied to encoded tiles.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// ParseCompression returns the compression named by s.
func ParseCompression(s string) (Compression, error) {
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("archive: unknown compression %q", s))
}

// LayerInfo describes a vector layer of an archive.
type LayerInfo struct {
	ID          string            `json:"id" msgpack:"id"`
	Description string            `json:"description,omitempty" msgpack:"description,omitempty"`
	MinZoom     int               `json:"minzoom" msgpack:"minzoom"`
	MaxZoom     int               `json:"maxzoom" msgpack:"maxzoom"`
	Fields      map[string]string `json:"fields,omitempty" msgpack:"fields,omitempty"`
}

// Metadata describes an archive.
type Metadata struct {
	Name        string `json:"name" msgpack:"name"`
	Description string `json:"description,omitempty" msgpack:"description,omitempty"`
	Attribution string `json:"attribution,omitempty" msgpack:"attribution,omitempty"`
	Version     string `json:"version,omitempty" msgpack:"version,omitempty"`
	// Type is "baselayer" or "overlay".
	Type string `json:"type,omitempty" msgpack:"type,omitempty"`
	// Format is the tile format, "pbf" for vector tiles.
	Format      string      `json:"format" msgpack:"format"`
	Compression Compression `json:"compression" msgpack:"compression"`
	MinZoom     int         `json:"minzoom" msgpack:"minzoom"`
	MaxZoom     int         `json:"maxzoom" msgpack:"maxzoom"`
	// Bounds and Center are in longitude and latitude.
	Bounds       orb.Bound         `json:"bounds" msgpack:"bounds"`
	Center       orb.Point         `json:"center" msgpack:"center"`
	CenterZoom   int               `json:"centerzoom" msgpack:"centerzoom"`
	VectorLayers []LayerInfo       `json:"vector_layers,omitempty" msgpack:"vector_layers,omitempty"`
	Extra        map[string]string `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// A TileResult is an encoded tile, ready to be written to an archive.
type TileResult struct {
	Coord tilecoord.Coord
	// Bytes is the tile's final, possibly compressed, encoding.
	Bytes []byte
	// Hash is a hash of Bytes, set only when the archive deduplicates
	// tiles by content.
	Hash    uint64
	HasHash bool
	// RawSize is the size of the uncompressed encoding.
	RawSize int
	// Layers holds per-layer statistics of the tile.
	Layers []vectortile.LayerStat
	// Memoized tells whether the encoding was reused from the
	// preceding tile.
	Memoized bool
}

// Archive is a tile archive sink.
type Archive interface {
	// Initialize prepares the archive to receive tiles.
	Initialize(ctx context.Context, md Metadata) error
	// NewWriter returns a new tile writer. At most MaxWriters writers
	// are used at a time.
	NewWriter(ctx context.Context) (TileWriter, error)
	// Finish completes the archive after all writers are closed,
	// writing indices and the final metadata.
	Finish(ctx context.Context, md Metadata) error
	// Deduplicates tells whether the archive stores repeated tile
	// contents once, in which case tile results carry a content hash.
	Deduplicates() bool
	// TileOrder returns the order in which tiles must be written.
	TileOrder() tilecoord.Order
	// MaxWriters returns the maximum number of concurrent writers the
	// archive supports.
	MaxWriters() int
	// Close releases the archive's resources.
	Close() error
}

// A TileWriter writes tiles to an archive. Tiles written to a single
// writer are in strictly increasing tile order.
type TileWriter interface {
	Write(ctx context.Context, tile TileResult) error
	Close(ctx context.Context) error
}

// Reader reads a finished archive.
type Reader interface {
	// Tile returns the encoded tile at the provided coordinate. It
	// returns an error of kind errors.NotExist if the archive does not
	// contain the tile.
	Tile(ctx context.Context, coord tilecoord.Coord) ([]byte, error)
	// Scanner returns a scanner over the archive's tiles in tile
	// order.
	Scanner(ctx context.Context) Scanner
	// Metadata returns the archive's metadata.
	Metadata(ctx context.Context) (Metadata, error)
	Close() error
}

// Scanner iterates over the tiles of an archive.
type Scanner interface {
	Scan() bool
	Coord() tilecoord.Coord
	Bytes() []byte
	Err() error
	Close() error
}
