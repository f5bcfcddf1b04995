// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package archive_test

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/archive/archivetest"
	"github.com/grailbio/bigtile/featuregroup"
	"github.com/grailbio/bigtile/internal/trace"
	"github.com/grailbio/bigtile/sortio"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/grailbio/bigtile/vectortile"
	"github.com/grailbio/testutil/assert"
	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spaolacci/murmur3"
)

func render(t *testing.T, coord tilecoord.Coord, layer string, id int64, g orb.Geometry) featuregroup.RenderedFeature {
	t.Helper()
	geom, err := vectortile.EncodeGeometry(g, 0)
	if err != nil {
		t.Fatal(err)
	}
	return featuregroup.RenderedFeature{
		Tile:    coord,
		Feature: &vectortile.Feature{Layer: layer, ID: id, Geometry: geom},
	}
}

// tiles groups features and returns the resulting tiles.
func tiles(t *testing.T, order tilecoord.Order, features ...featuregroup.RenderedFeature) []*featuregroup.TileFeatures {
	t.Helper()
	return profileTiles(t, order, nil, features...)
}

// profileTiles groups features into tiles post-processed by profile.
func profileTiles(t *testing.T, order tilecoord.Order, profile featuregroup.Profile, features ...featuregroup.RenderedFeature) []*featuregroup.TileFeatures {
	t.Helper()
	ctx := context.Background()
	store, err := sortio.NewStore(sortio.Config{
		Storage:        sortio.StorageMemory,
		ChunkSizeLimit: 1 << 12,
		MemoryBudget:   1 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	fg := featuregroup.New(store, order, profile, featuregroup.Options{MaxPointBuffer: -1})
	w := fg.NewWriter()
	for _, f := range features {
		if err := w.Add(f); err != nil {
			t.Fatal(err)
		}
	}
	if err := fg.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	var out []*featuregroup.TileFeatures
	scan := fg.Tiles(ctx)
	for scan.Scan() {
		out = append(out, scan.Tile())
	}
	if err := scan.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

type sliceSource struct {
	tiles []*featuregroup.TileFeatures
	cur   *featuregroup.TileFeatures
}

func (s *sliceSource) Scan() bool {
	if len(s.tiles) == 0 {
		return false
	}
	s.cur, s.tiles = s.tiles[0], s.tiles[1:]
	return true
}

func (s *sliceSource) Tile() *featuregroup.TileFeatures { return s.cur }
func (s *sliceSource) Err() error                       { return nil }

var fill = orb.Polygon{{{-8, -8}, {264, -8}, {264, 264}, {-8, 264}, {-8, -8}}}

func TestWriteTiles(t *testing.T) {
	ctx := context.Background()
	var (
		a = tilecoord.New(0, 0, 1)
		b = tilecoord.New(1, 0, 1)
		c = tilecoord.New(0, 1, 1)
	)
	src := tiles(t, tilecoord.TMS,
		render(t, c, "poi", 3, orb.Point{3, 3}),
		render(t, b, "poi", 2, orb.Point{2, 2}),
		render(t, a, "poi", 1, orb.Point{1, 1}),
	)
	arch := new(archivetest.Archive)
	summary, err := archive.WriteTiles(ctx, &sliceSource{tiles: src}, arch, archive.Metadata{Name: "test"},
		archive.WriterConfig{MaxTilesPerBatch: 2, EncodeWorkers: 3})
	assert.NoError(t, err)
	assert.True(t, arch.Finished())
	md := arch.FinalMetadata()
	assert.EQ(t, md.Name, "test")
	assert.EQ(t, md.Format, "pbf")
	assert.EQ(t, summary.Tiles(), int64(3))
	assert.EQ(t, summary.FeaturesProcessed, int64(3))
	assert.EQ(t, summary.FeaturesEmitted, int64(3))

	results := arch.Results()
	assert.EQ(t, len(results), 3)
	// In TMS order, y counts from the south.
	wantIDs := []int64{3, 1, 2}
	var total int64
	for i, r := range results {
		total += int64(len(r.Bytes))
		assert.False(t, r.HasHash)
		layers, err := vectortile.Decode(r.Bytes)
		assert.NoError(t, err)
		assert.EQ(t, len(layers), 1)
		assert.EQ(t, layers[0].Features[0].ID, wantIDs[i])
	}
	assert.EQ(t, results[0].Coord, c)
	assert.EQ(t, summary.Bytes(), total)
	assert.EQ(t, summary.Zooms.Zoom(1).Tiles, int64(3))
}

func TestWriteTilesCompression(t *testing.T) {
	ctx := context.Background()
	coord := tilecoord.New(3, 5, 4)
	for _, c := range []archive.Compression{archive.CompressionNone, archive.CompressionGzip, archive.CompressionZstd} {
		src := tiles(t, tilecoord.TMS, render(t, coord, "roads", 9, orb.LineString{{0, 0}, {100, 100}}))
		arch := new(archivetest.Archive)
		_, err := archive.WriteTiles(ctx, &sliceSource{tiles: src}, arch, archive.Metadata{},
			archive.WriterConfig{Compression: c})
		assert.NoError(t, err)
		assert.EQ(t, arch.FinalMetadata().Compression, c)
		p, err := arch.Tile(ctx, coord)
		assert.NoError(t, err)
		raw, err := archive.Decompress(c, p)
		assert.NoError(t, err)
		layers, err := vectortile.Decode(raw)
		assert.NoError(t, err)
		assert.EQ(t, layers[0].Name, "roads")
		assert.EQ(t, arch.Results()[0].RawSize, len(raw))
	}
}

func TestMemoization(t *testing.T) {
	ctx := context.Background()
	var features []featuregroup.RenderedFeature
	for x := uint32(0); x < 6; x++ {
		coord := tilecoord.New(x, 0, 3)
		features = append(features, render(t, coord, "water", 0, fill))
		features = append(features, render(t, coord, "poi", 10, orb.Point{5, 5}))
	}
	// A different tile breaks the run.
	features = append(features, render(t, tilecoord.New(6, 0, 3), "poi", 11, orb.Point{5, 5}))

	write := func(memoize bool) []archive.TileResult {
		arch := new(archivetest.Archive)
		summary, err := archive.WriteTiles(ctx, &sliceSource{tiles: tiles(t, tilecoord.TMS, features...)}, arch,
			archive.Metadata{}, archive.WriterConfig{Memoize: memoize, MaxTilesPerBatch: 4})
		assert.NoError(t, err)
		assert.EQ(t, summary.Tiles(), int64(7))
		return arch.Results()
	}
	memo, plain := write(true), write(false)
	assert.EQ(t, len(memo), len(plain))
	var memoized int
	for i := range memo {
		if !bytes.Equal(memo[i].Bytes, plain[i].Bytes) {
			t.Errorf("tile %s: memoized encoding differs", tilecoord.String(memo[i].Coord))
		}
		assert.False(t, plain[i].Memoized)
		if memo[i].Memoized {
			memoized++
		}
	}
	// Batches of 4: tiles 1-3 reuse tile 0, tile 5 reuses tile 4.
	assert.EQ(t, memoized, 4)
	assert.False(t, memo[6].Memoized)
}

// minZoomProfile drops every feature below zoom level min.
type minZoomProfile struct {
	featuregroup.NopProfile
	min        int
	positional bool
}

func (p minZoomProfile) PostProcessLayer(ctx context.Context, layer string, zoom int, features []*vectortile.Feature) ([]*vectortile.Feature, error) {
	if zoom < p.min {
		return []*vectortile.Feature{}, nil
	}
	return nil, nil
}

func (p minZoomProfile) PositionIndependent() bool { return !p.positional }

func TestMemoizationProfiles(t *testing.T) {
	ctx := context.Background()
	// (1,0,1) is the last tile of zoom 1 and (0,3,2) the first of
	// zoom 2 in TMS order; (1,3,2) follows at zoom 2.
	coords := []tilecoord.Coord{tilecoord.New(1, 0, 1), tilecoord.New(0, 3, 2), tilecoord.New(1, 3, 2)}
	for _, profile := range []minZoomProfile{
		{min: 2},
		{min: 2, positional: true},
	} {
		write := func(memoize bool) []archive.TileResult {
			var features []featuregroup.RenderedFeature
			for _, c := range coords {
				features = append(features, render(t, c, "poi", 1, orb.Point{5, 5}))
			}
			arch := new(archivetest.Archive)
			_, err := archive.WriteTiles(ctx, &sliceSource{tiles: profileTiles(t, tilecoord.TMS, profile, features...)}, arch,
				archive.Metadata{}, archive.WriterConfig{Memoize: memoize, MaxTilesPerBatch: 8})
			assert.NoError(t, err)
			return arch.Results()
		}
		memo, plain := write(true), write(false)
		assert.EQ(t, len(plain), 2)
		assert.EQ(t, len(memo), len(plain))
		for i := range memo {
			assert.EQ(t, memo[i].Coord, plain[i].Coord)
			if !bytes.Equal(memo[i].Bytes, plain[i].Bytes) {
				t.Errorf("%+v: tile %s: memoized encoding differs", profile, tilecoord.String(memo[i].Coord))
			}
		}
		assert.EQ(t, memo[0].Coord, coords[1])
		assert.False(t, memo[0].Memoized)
		// Tiles at the same zoom share an encoding only when the
		// profile ignores their position.
		assert.EQ(t, memo[1].Memoized, !profile.positional)
	}
}

func TestSkipFilledTiles(t *testing.T) {
	ctx := context.Background()
	var (
		filled = tilecoord.New(0, 0, 2)
		mixed  = tilecoord.New(1, 0, 2)
	)
	features := []featuregroup.RenderedFeature{
		render(t, filled, "water", 0, fill),
		render(t, mixed, "water", 0, fill),
		render(t, mixed, "poi", 1, orb.Point{9, 9}),
	}
	for _, skip := range []bool{false, true} {
		arch := new(archivetest.Archive)
		summary, err := archive.WriteTiles(ctx, &sliceSource{tiles: tiles(t, tilecoord.TMS, features...)}, arch,
			archive.Metadata{}, archive.WriterConfig{SkipFilledTiles: skip})
		assert.NoError(t, err)
		_, err = arch.Tile(ctx, filled)
		if skip {
			assert.True(t, errors.Is(errors.NotExist, err))
			assert.EQ(t, summary.Zooms.Zoom(2).Skipped, int64(1))
			assert.EQ(t, summary.Tiles(), int64(1))
		} else {
			assert.NoError(t, err)
			assert.EQ(t, summary.Tiles(), int64(2))
		}
		_, err = arch.Tile(ctx, mixed)
		assert.NoError(t, err)
	}
}

func TestOutOfOrder(t *testing.T) {
	ctx := context.Background()
	var (
		a = tilecoord.New(0, 0, 1)
		b = tilecoord.New(1, 0, 1)
	)
	src := append(tiles(t, tilecoord.TMS, render(t, b, "poi", 1, orb.Point{1, 1})),
		tiles(t, tilecoord.TMS, render(t, a, "poi", 2, orb.Point{1, 1}))...)
	arch := new(archivetest.Archive)
	_, err := archive.WriteTiles(ctx, &sliceSource{tiles: src}, arch, archive.Metadata{}, archive.WriterConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	assert.True(t, errors.Is(errors.Invalid, err))
	assert.True(t, errors.Match(errors.E(errors.Fatal), err))
	assert.False(t, arch.Finished())
}

func TestDeduplicatingArchive(t *testing.T) {
	ctx := context.Background()
	src := tiles(t, tilecoord.Hilbert,
		render(t, tilecoord.New(0, 0, 1), "poi", 1, orb.Point{1, 1}),
		render(t, tilecoord.New(1, 1, 1), "poi", 1, orb.Point{1, 1}),
	)
	arch := &archivetest.Archive{Order: tilecoord.Hilbert, Dedup: true}
	_, err := archive.WriteTiles(ctx, &sliceSource{tiles: src}, arch, archive.Metadata{},
		archive.WriterConfig{Compression: archive.CompressionGzip})
	assert.NoError(t, err)
	results := arch.Results()
	assert.EQ(t, len(results), 2)
	for _, r := range results {
		assert.True(t, r.HasHash)
		assert.EQ(t, r.Hash, murmur3.Sum64(r.Bytes))
	}
	assert.EQ(t, results[0].Hash, results[1].Hash)
}

func TestMultipleWriters(t *testing.T) {
	ctx := context.Background()
	var features []featuregroup.RenderedFeature
	for x := uint32(0); x < 16; x++ {
		for y := uint32(0); y < 4; y++ {
			features = append(features, render(t, tilecoord.New(x, y, 4), "poi", int64(x*16+y+1), orb.Point{1, 1}))
		}
	}
	arch := &archivetest.Archive{Writers: 3}
	summary, err := archive.WriteTiles(ctx, &sliceSource{tiles: tiles(t, tilecoord.TMS, features...)}, arch,
		archive.Metadata{}, archive.WriterConfig{WriterThreads: 8, MaxTilesPerBatch: 5})
	assert.NoError(t, err)
	assert.EQ(t, summary.Tiles(), int64(64))
	assert.EQ(t, len(arch.Results()), 64)
}

func TestWriteFailure(t *testing.T) {
	ctx := context.Background()
	src := tiles(t, tilecoord.TMS,
		render(t, tilecoord.New(0, 0, 1), "poi", 1, orb.Point{1, 1}),
		render(t, tilecoord.New(1, 0, 1), "poi", 2, orb.Point{1, 1}),
	)
	arch := &archivetest.Archive{FailWrite: func(r archive.TileResult) error {
		if r.Coord.X == 1 {
			return errors.E(errors.Unavailable, "disk full")
		}
		return nil
	}}
	_, err := archive.WriteTiles(ctx, &sliceSource{tiles: src}, arch, archive.Metadata{}, archive.WriterConfig{})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("got %v, want disk full", err)
	}
	assert.False(t, arch.Finished())
}

func TestLayerStats(t *testing.T) {
	ctx := context.Background()
	coord := tilecoord.New(2, 1, 2)
	src := tiles(t, tilecoord.TMS,
		render(t, coord, "poi", 1, orb.Point{1, 1}),
		render(t, coord, "poi", 2, orb.Point{2, 2}),
		render(t, coord, "water", 0, fill),
	)
	var buf bytes.Buffer
	summary, err := archive.WriteTiles(ctx, &sliceSource{tiles: src}, new(archivetest.Archive), archive.Metadata{},
		archive.WriterConfig{LayerStats: &buf})
	assert.NoError(t, err)
	r, err := gzip.NewReader(&buf)
	assert.NoError(t, err)
	var lines []string
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		lines = append(lines, scan.Text())
	}
	assert.NoError(t, scan.Err())
	assert.EQ(t, len(lines), 3)
	assert.EQ(t, lines[0], archive.LayerStatsHeader)
	fields := strings.Split(lines[1], "\t")
	assert.EQ(t, fields[:3], []string{"2", "2", "1"})
	assert.EQ(t, fields[4], "poi")
	assert.EQ(t, fields[5], "2")
	assert.EQ(t, summary.Layers["poi.features"], int64(2))
	assert.EQ(t, summary.Layers["water.features"], int64(1))
	assert.True(t, summary.Layers["water.bytes"] > 0)
}

func TestPrometheusMetrics(t *testing.T) {
	ctx := context.Background()
	src := tiles(t, tilecoord.TMS,
		render(t, tilecoord.New(0, 0, 1), "poi", 1, orb.Point{1, 1}),
		render(t, tilecoord.New(1, 0, 1), "poi", 2, orb.Point{1, 1}),
		render(t, tilecoord.New(0, 0, 0), "poi", 3, orb.Point{1, 1}),
	)
	reg := prometheus.NewRegistry()
	_, err := archive.WriteTiles(ctx, &sliceSource{tiles: src}, new(archivetest.Archive), archive.Metadata{},
		archive.WriterConfig{Registerer: reg})
	assert.NoError(t, err)
	families, err := reg.Gather()
	assert.NoError(t, err)
	counts := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != "bigtile_archive_tiles_written_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "zoom" {
					counts[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.EQ(t, counts, map[string]float64{"0": 1, "1": 2})
}

func TestTrace(t *testing.T) {
	ctx := context.Background()
	var features []featuregroup.RenderedFeature
	for z := 0; z < 3; z++ {
		features = append(features, render(t, tilecoord.New(0, 0, z), "poi", int64(z+1), orb.Point{1, 1}))
	}
	rec := trace.NewRecorder()
	_, err := archive.WriteTiles(ctx, &sliceSource{tiles: tiles(t, tilecoord.TMS, features...)}, new(archivetest.Archive),
		archive.Metadata{}, archive.WriterConfig{MaxTilesPerBatch: 1, EncodeWorkers: 2, Trace: rec})
	assert.NoError(t, err)
	var batches, zooms int
	for _, e := range rec.Trace().Events {
		switch e.Cat {
		case "encode":
			batches++
			assert.EQ(t, e.Args["tiles"], 1)
		case "write":
			zooms++
		}
	}
	assert.EQ(t, batches, 3)
	// The last zoom is not followed by another and is reported in the
	// summary instead.
	assert.EQ(t, zooms, 2)
}
