// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dirarchive implements a tile archive stored as a directory
// tree of tiles, z/x/y.pbf, with the archive metadata in
// metadata.json. Directories may be local paths or any location
// supported by github.com/grailbio/base/file, such as S3 prefixes.
package dirarchive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/tilecoord"
)

// MetadataFile is the name of the metadata file within an archive
// directory.
const MetadataFile = "metadata.json"

// DefaultWriters is the default number of concurrent writers.
const DefaultWriters = 16

// Archive is a directory archive being written. It implements
// archive.Archive.
type Archive struct {
	dir     string
	writers int

	mu       sync.Mutex
	dirs     map[string]bool
	tiles    int64
	finished bool
}

var _ archive.Archive = (*Archive)(nil)

// New returns an archive written to directory dir by up to writers
// concurrent writers. If writers is zero, DefaultWriters is used.
func New(dir string, writers int) *Archive {
	if writers <= 0 {
		writers = DefaultWriters
	}
	return &Archive{dir: dir, writers: writers, dirs: make(map[string]bool)}
}

func tilePath(dir string, c tilecoord.Coord) string {
	return file.Join(dir, TilePath(c))
}

// TilePath returns the path of tile c relative to the archive root.
func TilePath(c tilecoord.Coord) string {
	return fmt.Sprintf("%d/%d/%d.pbf", c.Z, c.X, c.Y)
}

func isLocal(path string) bool { return !strings.Contains(path, "://") }

// mkdir creates the local directory dir if it has not been created
// already. Object stores have no directories.
func (a *Archive) mkdir(dir string) error {
	if !isLocal(dir) {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dirs[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	a.dirs[dir] = true
	return nil
}

// Initialize implements archive.Archive.
func (a *Archive) Initialize(ctx context.Context, md archive.Metadata) error {
	return a.mkdir(a.dir)
}

// NewWriter implements archive.Archive.
func (a *Archive) NewWriter(ctx context.Context) (archive.TileWriter, error) {
	return &writer{archive: a}, nil
}

// Finish implements archive.Archive. It writes the metadata file.
func (a *Archive) Finish(ctx context.Context, md archive.Metadata) error {
	p, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return errors.E("dirarchive: encode metadata", err)
	}
	path := file.Join(a.dir, MetadataFile)
	if err := writeFile(ctx, path, p); err != nil {
		return err
	}
	a.mu.Lock()
	a.finished = true
	a.mu.Unlock()
	log.Printf("dirarchive: wrote %d tiles to %s", atomic.LoadInt64(&a.tiles), a.dir)
	return nil
}

// Deduplicates implements archive.Archive.
func (a *Archive) Deduplicates() bool { return false }

// TileOrder implements archive.Archive. The directory layout does not
// depend on the order; TMS order writes one column directory at a
// time.
func (a *Archive) TileOrder() tilecoord.Order { return tilecoord.TMS }

// MaxWriters implements archive.Archive.
func (a *Archive) MaxWriters() int { return a.writers }

// Close implements archive.Archive.
func (a *Archive) Close() error { return nil }

func writeFile(ctx context.Context, path string, p []byte) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(fmt.Sprintf("dirarchive: create %s", path), err)
	}
	if _, err := f.Writer(ctx).Write(p); err != nil {
		f.Discard(ctx)
		return errors.E(fmt.Sprintf("dirarchive: write %s", path), err)
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(fmt.Sprintf("dirarchive: close %s", path), err)
	}
	return nil
}

type writer struct {
	archive *Archive
	checker *archive.OrderChecker
}

func (w *writer) Write(ctx context.Context, r archive.TileResult) error {
	if w.checker == nil {
		w.checker = archive.NewOrderChecker(tilecoord.TMS)
	}
	if err := w.checker.Check(r.Coord); err != nil {
		return err
	}
	path := tilePath(w.archive.dir, r.Coord)
	if err := w.archive.mkdir(path[:strings.LastIndex(path, "/")]); err != nil {
		return err
	}
	if err := writeFile(ctx, path, r.Bytes); err != nil {
		return err
	}
	atomic.AddInt64(&w.archive.tiles, 1)
	return nil
}

func (w *writer) Close(ctx context.Context) error { return nil }

// Reader reads a directory archive. It implements archive.Reader.
type Reader struct {
	dir string
}

var _ archive.Reader = (*Reader)(nil)

// Open returns a reader of the directory archive at dir.
func Open(ctx context.Context, dir string) (*Reader, error) {
	if _, err := file.Stat(ctx, file.Join(dir, MetadataFile)); err != nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("dirarchive: %s is not a finished archive", dir), err)
	}
	return &Reader{dir: dir}, nil
}

func readFile(ctx context.Context, path string) ([]byte, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	return io.ReadAll(f.Reader(ctx))
}

// Tile implements archive.Reader.
func (r *Reader) Tile(ctx context.Context, coord tilecoord.Coord) ([]byte, error) {
	path := tilePath(r.dir, coord)
	if _, err := file.Stat(ctx, path); err != nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("dirarchive: tile %s", tilecoord.String(coord)), err)
	}
	return readFile(ctx, path)
}

// Metadata implements archive.Reader.
func (r *Reader) Metadata(ctx context.Context) (archive.Metadata, error) {
	var md archive.Metadata
	p, err := readFile(ctx, file.Join(r.dir, MetadataFile))
	if err != nil {
		return md, err
	}
	if err := json.Unmarshal(p, &md); err != nil {
		return md, errors.E(errors.Integrity, "dirarchive: decode metadata", err)
	}
	return md, nil
}

// Scanner implements archive.Reader. It lists the directory and
// returns tiles in TMS order.
func (r *Reader) Scanner(ctx context.Context) archive.Scanner {
	s := &scanner{ctx: ctx, dir: r.dir}
	lst := file.List(ctx, r.dir)
	for lst.Scan() {
		if c, ok := ParseTilePath(strings.TrimPrefix(lst.Path(), r.dir)); ok {
			s.coords = append(s.coords, c)
		}
	}
	if err := lst.Err(); err != nil {
		s.err = err
		return s
	}
	sort.Slice(s.coords, func(i, j int) bool {
		return tilecoord.TMS.Encode(s.coords[i]) < tilecoord.TMS.Encode(s.coords[j])
	})
	return s
}

// ParseTilePath parses a tile path of the form z/x/y.pbf, with an
// optional leading slash.
func ParseTilePath(path string) (tilecoord.Coord, bool) {
	var (
		z    int
		x, y uint32
	)
	path = strings.TrimPrefix(path, "/")
	if !strings.HasSuffix(path, ".pbf") || strings.Count(path, "/") != 2 {
		return tilecoord.Coord{}, false
	}
	if n, err := fmt.Sscanf(path, "%d/%d/%d.pbf", &z, &x, &y); err != nil || n != 3 {
		return tilecoord.Coord{}, false
	}
	if z < 0 || z > tilecoord.MaxZoom || x >= 1<<uint(z) || y >= 1<<uint(z) {
		return tilecoord.Coord{}, false
	}
	return tilecoord.New(x, y, z), true
}

// Close is a no-op.
func (r *Reader) Close() error { return nil }

type scanner struct {
	ctx    context.Context
	dir    string
	coords []tilecoord.Coord
	coord  tilecoord.Coord
	p      []byte
	err    error
}

func (s *scanner) Scan() bool {
	if s.err != nil || len(s.coords) == 0 {
		return false
	}
	s.coord, s.coords = s.coords[0], s.coords[1:]
	s.p, s.err = readFile(s.ctx, tilePath(s.dir, s.coord))
	return s.err == nil
}

func (s *scanner) Coord() tilecoord.Coord { return s.coord }
func (s *scanner) Bytes() []byte          { return s.p }
func (s *scanner) Err() error             { return s.err }
func (s *scanner) Close() error           { return nil }
