// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dirarchive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchive(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "tiles")
	a := New(dir, 2)
	assert.Equal(t, 2, a.MaxWriters())
	require.NoError(t, a.Initialize(ctx, archive.Metadata{}))
	w0, err := a.NewWriter(ctx)
	require.NoError(t, err)
	w1, err := a.NewWriter(ctx)
	require.NoError(t, err)
	coords := []tilecoord.Coord{
		tilecoord.New(0, 0, 0),
		tilecoord.New(0, 1, 1),
		tilecoord.New(1, 1, 1),
		tilecoord.New(5, 9, 4),
	}
	for i, c := range coords {
		w := w0
		if i%2 == 1 {
			w = w1
		}
		require.NoError(t, w.Write(ctx, archive.TileResult{Coord: c, Bytes: []byte(tilecoord.String(c))}))
	}
	require.NoError(t, w0.Close(ctx))
	require.NoError(t, w1.Close(ctx))
	require.NoError(t, a.Finish(ctx, archive.Metadata{Name: "dir", Format: "pbf", MaxZoom: 4}))

	p, err := os.ReadFile(filepath.Join(dir, "4", "5", "9.pbf"))
	require.NoError(t, err)
	assert.Equal(t, "4/5/9", string(p))

	r, err := Open(ctx, dir)
	require.NoError(t, err)
	defer r.Close()
	md, err := r.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dir", md.Name)
	assert.Equal(t, 4, md.MaxZoom)

	p, err = r.Tile(ctx, tilecoord.New(1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, "1/1/1", string(p))
	_, err = r.Tile(ctx, tilecoord.New(1, 0, 1))
	assert.True(t, errors.Is(errors.NotExist, err))

	scan := r.Scanner(ctx)
	var got []tilecoord.Coord
	for scan.Scan() {
		got = append(got, scan.Coord())
		assert.Equal(t, tilecoord.String(scan.Coord()), string(scan.Bytes()))
	}
	require.NoError(t, scan.Err())
	assert.Equal(t, coords, got)
}

func TestOpenUnfinished(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := New(dir, 0)
	require.NoError(t, a.Initialize(ctx, archive.Metadata{}))
	_, err := Open(ctx, dir)
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestParseTilePath(t *testing.T) {
	for _, c := range []struct {
		path string
		ok   bool
		want tilecoord.Coord
	}{
		{"/3/2/1.pbf", true, tilecoord.New(2, 1, 3)},
		{"0/0/0.pbf", true, tilecoord.New(0, 0, 0)},
		{"/metadata.json", false, tilecoord.Coord{}},
		{"/1/2/0.pbf", false, tilecoord.Coord{}},
		{"/3/2", false, tilecoord.Coord{}},
	} {
		got, ok := ParseTilePath(c.path)
		assert.Equal(t, c.ok, ok, c.path)
		if ok {
			assert.Equal(t, c.want, got, c.path)
		}
	}
}
