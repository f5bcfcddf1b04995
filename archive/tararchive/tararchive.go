// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tararchive implements a tile archive stored as a single tar
// file. Tiles are entries named z/x/y.pbf, written in TMS order, and
// the archive metadata is the final entry, metadata.json. The layout
// matches that of package dirarchive, so that extracting a tar archive
// yields a directory archive.
package tararchive

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/archive/dirarchive"
	"github.com/grailbio/bigtile/tilecoord"
)

// Archive is a tar archive being written. It implements
// archive.Archive. Tar files are sequential, so the archive supports
// a single TileWriter.
type Archive struct {
	path string

	mu     sync.Mutex
	file   file.File
	tw     *tar.Writer
	writer bool
	closed bool
	tiles  int64
	mtime  time.Time
}

var _ archive.Archive = (*Archive)(nil)

// New returns an archive to be written at path.
func New(path string) *Archive {
	return &Archive{path: path}
}

// Initialize implements archive.Archive.
func (a *Archive) Initialize(ctx context.Context, md archive.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return errors.E(errors.Invalid, "tararchive: archive already initialized")
	}
	f, err := file.Create(ctx, a.path)
	if err != nil {
		return errors.E(fmt.Sprintf("tararchive: create %s", a.path), err)
	}
	a.file = f
	a.tw = tar.NewWriter(f.Writer(ctx))
	a.mtime = time.Now()
	return nil
}

// NewWriter implements archive.Archive.
func (a *Archive) NewWriter(ctx context.Context) (archive.TileWriter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil, errors.E(errors.Invalid, "tararchive: writer requested before initialize")
	}
	if a.writer {
		return nil, errors.E(errors.Invalid, "tararchive: archive supports a single writer")
	}
	a.writer = true
	return &writer{archive: a, checker: archive.NewOrderChecker(tilecoord.TMS)}, nil
}

func (a *Archive) add(name string, p []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(p)),
		ModTime: a.mtime,
	}
	if err := a.tw.WriteHeader(hdr); err != nil {
		return errors.E(fmt.Sprintf("tararchive: write %s", name), err)
	}
	if _, err := a.tw.Write(p); err != nil {
		return errors.E(fmt.Sprintf("tararchive: write %s", name), err)
	}
	return nil
}

// Finish implements archive.Archive. It appends the metadata entry
// and closes the file.
func (a *Archive) Finish(ctx context.Context, md archive.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return errors.E(errors.Invalid, "tararchive: finish before initialize")
	}
	p, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return errors.E("tararchive: encode metadata", err)
	}
	if err := a.add(dirarchive.MetadataFile, p); err != nil {
		return err
	}
	if err := a.tw.Close(); err != nil {
		return errors.E("tararchive: close tar stream", err)
	}
	f := a.file
	a.file, a.closed = nil, true
	if err := f.Close(ctx); err != nil {
		return errors.E(fmt.Sprintf("tararchive: close %s", a.path), err)
	}
	log.Printf("tararchive: wrote %d tiles to %s", a.tiles, a.path)
	return nil
}

// Deduplicates implements archive.Archive.
func (a *Archive) Deduplicates() bool { return false }

// TileOrder implements archive.Archive.
func (a *Archive) TileOrder() tilecoord.Order { return tilecoord.TMS }

// MaxWriters implements archive.Archive.
func (a *Archive) MaxWriters() int { return 1 }

// Close implements archive.Archive. An unfinished archive is
// discarded.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		a.file.Discard(context.Background())
		a.file = nil
	}
	return nil
}

type writer struct {
	archive *Archive
	checker *archive.OrderChecker
}

func (w *writer) Write(ctx context.Context, r archive.TileResult) error {
	if err := w.checker.Check(r.Coord); err != nil {
		return err
	}
	w.archive.mu.Lock()
	defer w.archive.mu.Unlock()
	if w.archive.file == nil {
		return errors.E(errors.Invalid, "tararchive: write to closed archive")
	}
	if err := w.archive.add(dirarchive.TilePath(r.Coord), r.Bytes); err != nil {
		return err
	}
	w.archive.tiles++
	return nil
}

func (w *writer) Close(ctx context.Context) error { return nil }

// Reader reads a tar archive. The archive is read fully into memory
// by Open. Reader implements archive.Reader.
type Reader struct {
	md     archive.Metadata
	tiles  map[tilecoord.Coord][]byte
	coords []tilecoord.Coord
}

var _ archive.Reader = (*Reader)(nil)

// Open reads the tar archive at path. Entries that are neither tiles
// nor metadata are ignored.
func Open(ctx context.Context, path string) (r *Reader, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("tararchive: open %s", path), err)
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	r = &Reader{tiles: make(map[tilecoord.Coord][]byte)}
	var sawMetadata bool
	tr := tar.NewReader(f.Reader(ctx))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("tararchive: read %s", path), err)
		}
		if hdr.Name == dirarchive.MetadataFile {
			p, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(p, &r.md); err != nil {
				return nil, errors.E(errors.Integrity, "tararchive: decode metadata", err)
			}
			sawMetadata = true
			continue
		}
		c, ok := dirarchive.ParseTilePath(hdr.Name)
		if !ok {
			continue
		}
		p, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		if _, ok := r.tiles[c]; !ok {
			r.coords = append(r.coords, c)
		}
		r.tiles[c] = p
	}
	if !sawMetadata {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("tararchive: %s is not a finished archive", path))
	}
	sort.Slice(r.coords, func(i, j int) bool {
		return tilecoord.TMS.Encode(r.coords[i]) < tilecoord.TMS.Encode(r.coords[j])
	})
	return r, nil
}

// NumTiles returns the number of tiles in the archive.
func (r *Reader) NumTiles() int { return len(r.coords) }

// Tile implements archive.Reader.
func (r *Reader) Tile(ctx context.Context, coord tilecoord.Coord) ([]byte, error) {
	p, ok := r.tiles[coord]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("tararchive: tile %s", tilecoord.String(coord)))
	}
	return p, nil
}

// Metadata implements archive.Reader.
func (r *Reader) Metadata(ctx context.Context) (archive.Metadata, error) {
	return r.md, nil
}

// Scanner implements archive.Reader.
func (r *Reader) Scanner(ctx context.Context) archive.Scanner {
	return &scanner{r: r, i: -1}
}

// Close implements archive.Reader.
func (r *Reader) Close() error { return nil }

type scanner struct {
	r *Reader
	i int
}

func (s *scanner) Scan() bool {
	s.i++
	return s.i < len(s.r.coords)
}

func (s *scanner) Coord() tilecoord.Coord { return s.r.coords[s.i] }
func (s *scanner) Bytes() []byte          { return s.r.tiles[s.r.coords[s.i]] }
func (s *scanner) Err() error             { return nil }
func (s *scanner) Close() error           { return nil }
