// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package featuregroup

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/grailbio/bigtile/vectortile"
	"github.com/grailbio/testutil/assert"
	"github.com/paulmach/orb"
)

type testProfile struct {
	tile  func(tilecoord.Coord, map[string][]*vectortile.Feature) (map[string][]*vectortile.Feature, error)
	layer func(string, int, []*vectortile.Feature) ([]*vectortile.Feature, error)
}

func (p testProfile) PostProcessTile(_ context.Context, c tilecoord.Coord, layers map[string][]*vectortile.Feature) (map[string][]*vectortile.Feature, error) {
	if p.tile == nil {
		return nil, nil
	}
	return p.tile(c, layers)
}

func (p testProfile) PostProcessLayer(_ context.Context, layer string, zoom int, features []*vectortile.Feature) ([]*vectortile.Feature, error) {
	if p.layer == nil {
		return nil, nil
	}
	return p.layer(layer, zoom, features)
}

func encodeTiles(t *testing.T, fg *FeatureGroup) ([]*vectortile.Tile, error) {
	t.Helper()
	var out []*vectortile.Tile
	for _, tile := range scanTiles(t, fg) {
		vt, err := tile.Encode(context.Background())
		if err != nil {
			return nil, err
		}
		out = append(out, vt)
	}
	return out, nil
}

func addLayers(t *testing.T, fg *FeatureGroup, n int) {
	t.Helper()
	w := fg.NewWriter()
	for x := 0; x < n; x++ {
		for i, layer := range []string{"a", "b"} {
			assert.NoError(t, w.Add(RenderedFeature{
				Tile:    tilecoord.New(uint32(x), 0, 2),
				Feature: point(layer, int64(i+1), 10.5, 20.25),
			}))
		}
	}
}

func TestEncode(t *testing.T) {
	fg := newGroup(t, nil, Options{MaxPointBuffer: -1})
	addLayers(t, fg, 1)
	tiles, err := encodeTiles(t, fg)
	assert.NoError(t, err)
	assert.EQ(t, len(tiles), 1)
	assert.EQ(t, tiles[0].Layers(), []string{"a", "b"})
	f := tiles[0].Features("b")[0]
	assert.EQ(t, f.ID, int64(2))
	// Geometries are written at output precision.
	assert.EQ(t, f.Geometry.Scale, 0)
	g, err := f.Geometry.Decode()
	assert.NoError(t, err)
	assert.True(t, orb.Equal(g, orb.Point{10.5, 20.25}))
}

func TestPointBuffer(t *testing.T) {
	for _, c := range []struct {
		buffer float64
		want   int
	}{
		{-1, 3},
		{4, 2},
		{0, 1},
	} {
		fg := newGroup(t, nil, Options{MaxPointBuffer: c.buffer})
		w := fg.NewWriter()
		for i, x := range []float64{5, -3, 300} {
			assert.NoError(t, w.Add(RenderedFeature{
				Tile:    tilecoord.New(0, 0, 0),
				Feature: point("poi", int64(i+1), x, 5),
			}))
		}
		tiles, err := encodeTiles(t, fg)
		assert.NoError(t, err)
		if got, want := tiles[0].NumFeatures(), c.want; got != want {
			t.Errorf("buffer %v: got %v, want %v", c.buffer, got, want)
		}
	}
}

func TestHookRecovery(t *testing.T) {
	profile := testProfile{
		tile: func(c tilecoord.Coord, layers map[string][]*vectortile.Feature) (map[string][]*vectortile.Feature, error) {
			switch c.X {
			case 0:
				delete(layers, "a")
				panic("bad tile")
			case 1:
				return nil, errors.E("bad tile")
			}
			return map[string][]*vectortile.Feature{
				"merged": append(layers["a"], layers["b"]...),
			}, nil
		},
		layer: func(layer string, zoom int, features []*vectortile.Feature) ([]*vectortile.Feature, error) {
			if zoom != 2 {
				panic("unexpected zoom")
			}
			if layer == "b" {
				return features[:0], errors.E("bad layer")
			}
			return nil, nil
		},
	}
	fg := newGroup(t, profile, Options{MaxPointBuffer: -1})
	addLayers(t, fg, 3)
	tiles, err := encodeTiles(t, fg)
	assert.NoError(t, err)
	assert.EQ(t, len(tiles), 3)
	assert.EQ(t, tiles[0].Layers(), []string{"a", "b"})
	assert.EQ(t, tiles[1].Layers(), []string{"a", "b"})
	assert.EQ(t, tiles[2].Layers(), []string{"merged"})
	assert.EQ(t, tiles[2].NumFeatures(), 2)
	assert.EQ(t, fg.Scope().Values()["featuregroup.hook.errors"], int64(4))
}

func TestHookFatal(t *testing.T) {
	boom := errors.E(errors.Fatal, "boom")
	for _, profile := range []testProfile{
		{layer: func(string, int, []*vectortile.Feature) ([]*vectortile.Feature, error) {
			return nil, boom
		}},
		{tile: func(tilecoord.Coord, map[string][]*vectortile.Feature) (map[string][]*vectortile.Feature, error) {
			panic(boom)
		}},
	} {
		fg := newGroup(t, profile, Options{})
		addLayers(t, fg, 1)
		_, err := encodeTiles(t, fg)
		if !errors.Match(fatalErr, err) {
			t.Errorf("got %v, want fatal error", err)
		}
	}
}

func TestLayerOrder(t *testing.T) {
	out := map[string][]*vectortile.Feature{"z": nil, "b": nil, "y": nil, "a": nil}
	assert.EQ(t, layerOrder([]string{"b", "c", "a"}, out), []string{"b", "a", "y", "z"})
}
