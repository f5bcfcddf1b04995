// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package featuregroup

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/sortio"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/grailbio/bigtile/vectortile"
	"github.com/grailbio/testutil/assert"
	"github.com/paulmach/orb"
)

func newGroup(t *testing.T, profile Profile, opts Options) *FeatureGroup {
	t.Helper()
	store, err := sortio.NewStore(sortio.Config{
		Storage:        sortio.StorageMemory,
		ChunkSizeLimit: 1 << 12,
		MemoryBudget:   1 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(store, tilecoord.TMS, profile, opts)
}

func point(layer string, id int64, x, y float64) *vectortile.Feature {
	g, err := vectortile.EncodeGeometry(orb.Point{x, y}, 2)
	if err != nil {
		panic(err)
	}
	return &vectortile.Feature{Layer: layer, ID: id, Geometry: g}
}

func scanTiles(t *testing.T, fg *FeatureGroup) []*TileFeatures {
	t.Helper()
	ctx := context.Background()
	if err := fg.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	var tiles []*TileFeatures
	scan := fg.Tiles(ctx)
	for scan.Scan() {
		tiles = append(tiles, scan.Tile())
	}
	if err := scan.Err(); err != nil {
		t.Fatal(err)
	}
	return tiles
}

func featureIDs(t *testing.T, tile *TileFeatures, layer string) []int64 {
	t.Helper()
	_, layers, err := tile.Features()
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, f := range layers[layer] {
		ids = append(ids, f.ID)
	}
	return ids
}

func TestGroupingBoundaries(t *testing.T) {
	runs := []int{3, 1, 7, 2, 20, 1}
	fg := newGroup(t, nil, Options{MaxPointBuffer: -1})
	w := fg.NewWriter()
	var features []RenderedFeature
	for i, n := range runs {
		for j := 0; j < n; j++ {
			features = append(features, RenderedFeature{
				Tile:    tilecoord.New(uint32(i), 0, 3),
				Feature: point("poi", int64(j+1), 1, 1),
				SortKey: int32(j),
			})
		}
	}
	r := rand.New(rand.NewSource(1))
	r.Shuffle(len(features), func(i, j int) { features[i], features[j] = features[j], features[i] })
	for _, f := range features {
		assert.NoError(t, w.Add(f))
	}
	tiles := scanTiles(t, fg)
	assert.EQ(t, len(tiles), len(runs))
	for i, tile := range tiles {
		assert.EQ(t, tile.Coord(), tilecoord.New(uint32(i), 0, 3))
		assert.EQ(t, tile.NumFeaturesProcessed(), runs[i])
		assert.EQ(t, tile.NumFeaturesToEmit(), runs[i])
		ids := featureIDs(t, tile, "poi")
		for j, id := range ids {
			if got, want := id, int64(j+1); got != want {
				t.Errorf("tile %d feature %d: got %v, want %v", i, j, got, want)
			}
		}
	}
	vals := fg.Scope().Values()
	assert.EQ(t, vals["featuregroup.tiles"], int64(len(runs)))
	assert.EQ(t, vals["featuregroup.features.added"], int64(len(features)))
	assert.EQ(t, vals["featuregroup.tile.features.max"], int64(20))
}

func TestGroupLimit(t *testing.T) {
	const M = 10
	for _, limit := range []int{3, 1, M, 0, -1} {
		t.Run(fmt.Sprint(limit), func(t *testing.T) {
			fg := newGroup(t, nil, Options{MaxPointBuffer: -1})
			w := fg.NewWriter()
			tile := tilecoord.New(1, 1, 2)
			for _, layer := range []string{"a", "b"} {
				for _, i := range rand.New(rand.NewSource(int64(limit))).Perm(M) {
					assert.NoError(t, w.Add(RenderedFeature{
						Tile:    tile,
						Feature: point(layer, int64(i), 2, 2),
						SortKey: int32(i),
						Group:   &GroupInfo{ID: 42, Limit: limit},
					}))
				}
			}
			tiles := scanTiles(t, fg)
			assert.EQ(t, len(tiles), 1)
			kept := M
			if limit > 0 {
				kept = limit
			}
			assert.EQ(t, tiles[0].NumFeaturesProcessed(), 2*M)
			assert.EQ(t, tiles[0].NumFeaturesToEmit(), 2*kept)
			// Group counts restart in each layer.
			for _, layer := range []string{"a", "b"} {
				ids := featureIDs(t, tiles[0], layer)
				assert.EQ(t, len(ids), kept)
				for i, id := range ids {
					assert.EQ(t, id, int64(i))
				}
			}
			assert.EQ(t, fg.Scope().Values()["featuregroup.features.discarded"], int64(2*(M-kept)))
		})
	}
}

func TestPayload(t *testing.T) {
	fz := fuzz.NewWithSeed(31415).NilChance(0)
	fg := newGroup(t, nil, Options{})
	enc := newPayloadEncoder(fg.keys)
	dec := newPayloadDecoder(fg.keys)
	for i := 0; i < 100; i++ {
		var (
			name  string
			count int64
			score float64
			flag  bool
			cmds  []int32
		)
		fz.Fuzz(&name)
		fz.Fuzz(&count)
		fz.Fuzz(&score)
		fz.Fuzz(&flag)
		fz.Fuzz(&cmds)
		f := &vectortile.Feature{
			Layer: "layer",
			ID:    int64(i),
			Geometry: vectortile.Geometry{
				Type:     vectortile.Line,
				Scale:    i % 5,
				Commands: cmds,
			},
			Attrs: map[string]interface{}{
				"name":  name,
				"count": count,
				"score": score,
				"flag":  flag,
				"small": 7,
				"big":   uint64(1 << 40),
			},
		}
		var group *GroupInfo
		if i%2 == 0 {
			group = &GroupInfo{ID: int64(i * 3), Limit: i}
		}
		p, err := enc.encode(f, group)
		assert.NoError(t, err)
		if group != nil {
			id, limit, err := decodeGroup(p)
			assert.NoError(t, err)
			assert.EQ(t, id, group.ID)
			assert.EQ(t, limit, group.Limit)
		}
		got, err := dec.decode(p, "layer", group != nil)
		assert.NoError(t, err)
		assert.EQ(t, got.ID, f.ID)
		assert.EQ(t, got.Geometry.Type, f.Geometry.Type)
		assert.EQ(t, got.Geometry.Scale, f.Geometry.Scale)
		assert.EQ(t, len(got.Geometry.Commands), len(cmds))
		for j := range cmds {
			assert.EQ(t, got.Geometry.Commands[j], cmds[j])
		}
		want := map[string]interface{}{
			"name":  name,
			"count": count,
			"score": score,
			"flag":  flag,
			"small": int64(7),
			"big":   int64(1 << 40),
		}
		assert.EQ(t, got.Attrs, want)
		if group != nil {
			assert.True(t, got.HasGroup)
			assert.EQ(t, got.Group, group.ID)
		}
		// Identical features produce identical payloads.
		q, err := enc.encode(f, group)
		assert.NoError(t, err)
		assert.EQ(t, q, p)
	}
}

func TestAddErrors(t *testing.T) {
	fg := newGroup(t, nil, Options{MaxAttrKeys: 2})
	w := fg.NewWriter()
	err := w.Add(RenderedFeature{Feature: point("a", 1, 0, 0), SortKey: SortKeyMax + 1})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	f := point("a", 1, 0, 0)
	f.Attrs = map[string]interface{}{"k1": 1, "k2": 2, "k3": 3}
	if err := w.Add(RenderedFeature{Feature: f}); err == nil {
		t.Error("expected attribute key overflow")
	}
	// Layer "a" is already interned.
	for i := 0; i < MaxLayers-1; i++ {
		assert.NoError(t, w.Add(RenderedFeature{Feature: point(fmt.Sprint("layer", i), 1, 0, 0)}))
	}
	if err := w.Add(RenderedFeature{Feature: point("one too many", 1, 0, 0)}); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestAddTileOutOfRange(t *testing.T) {
	fg := newGroup(t, nil, Options{})
	w := fg.NewWriter()
	for _, c := range []tilecoord.Coord{
		tilecoord.New(2, 0, 1),
		tilecoord.New(0, 2, 1),
		tilecoord.New(1, 0, 0),
		tilecoord.New(0, 0, tilecoord.MaxZoom+1),
	} {
		err := w.Add(RenderedFeature{Tile: c, Feature: point("a", 1, 0, 0)})
		if !errors.Is(errors.Invalid, err) || !errors.Match(fatalErr, err) {
			t.Errorf("%s: got %v, want fatal invalid error", tilecoord.String(c), err)
		}
	}
	assert.NoError(t, w.Add(RenderedFeature{Tile: tilecoord.New(1, 1, 1), Feature: point("a", 1, 0, 0)}))
}

func TestPayloadNestedMaps(t *testing.T) {
	fg := newGroup(t, nil, Options{})
	enc := newPayloadEncoder(fg.keys)
	nested := make(map[string]interface{})
	for i := 0; i < 32; i++ {
		nested[fmt.Sprint("name:", i)] = i
	}
	f := point("a", 1, 0, 0)
	f.Attrs = map[string]interface{}{"names": nested}
	want, err := enc.encode(f, nil)
	assert.NoError(t, err)
	for i := 0; i < 10; i++ {
		got, err := enc.encode(f, nil)
		assert.NoError(t, err)
		assert.EQ(t, got, want)
	}
}

func TestHasSameContents(t *testing.T) {
	fg := newGroup(t, nil, Options{})
	w := fg.NewWriter()
	add := func(x uint32, layer string, id int64, sortKey int32) {
		t.Helper()
		assert.NoError(t, w.Add(RenderedFeature{
			Tile:    tilecoord.New(x, 0, 3),
			Feature: point(layer, id, 5, 5),
			SortKey: sortKey,
		}))
	}
	// Tiles 0 and 1 are identical; tile 2 differs by sort key, tile 3
	// by layer, and tile 4 by feature count.
	for x := uint32(0); x < 2; x++ {
		add(x, "a", 1, 0)
		add(x, "b", 2, 0)
	}
	add(2, "a", 1, 1)
	add(2, "b", 2, 0)
	add(3, "a", 1, 0)
	add(3, "c", 2, 0)
	add(4, "a", 1, 0)
	tiles := scanTiles(t, fg)
	assert.EQ(t, len(tiles), 5)
	assert.True(t, tiles[0].HasSameContents(tiles[1]))
	assert.True(t, tiles[1].HasSameContents(tiles[0]))
	for _, other := range tiles[2:] {
		assert.False(t, tiles[0].HasSameContents(other))
	}
	assert.False(t, tiles[0].HasSameContents(nil))
}

func TestSharesEncoding(t *testing.T) {
	// (3,0,2) is the last tile of zoom 2 in TMS order, followed by
	// (0,7,3) and (1,7,3).
	coords := []tilecoord.Coord{tilecoord.New(3, 0, 2), tilecoord.New(0, 7, 3), tilecoord.New(1, 7, 3)}
	for _, c := range []struct {
		profile Profile
		shares  bool
	}{
		{nil, true},
		{NopProfile{}, true},
		// The embedded interface hides NopProfile's PositionIndependent.
		{struct{ Profile }{NopProfile{}}, false},
	} {
		fg := newGroup(t, c.profile, Options{})
		w := fg.NewWriter()
		for _, coord := range coords {
			assert.NoError(t, w.Add(RenderedFeature{Tile: coord, Feature: point("a", 1, 5, 5)}))
		}
		tiles := scanTiles(t, fg)
		assert.EQ(t, len(tiles), 3)
		assert.True(t, tiles[1].HasSameContents(tiles[0]))
		assert.False(t, tiles[1].SharesEncoding(tiles[0]))
		assert.EQ(t, tiles[2].SharesEncoding(tiles[1]), c.shares)
		assert.False(t, tiles[2].SharesEncoding(nil))
	}
}

func TestTilesBeforePrepare(t *testing.T) {
	fg := newGroup(t, nil, Options{})
	scan := fg.Tiles(context.Background())
	assert.False(t, scan.Scan())
	if !errors.Is(errors.Invalid, scan.Err()) {
		t.Errorf("got %v, want invalid", scan.Err())
	}
}
