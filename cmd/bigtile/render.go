// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"math"
	"sync"

	"github.com/grailbio/bigtile/featuregroup"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/grailbio/bigtile/vectortile"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
	"github.com/spaolacci/murmur3"
)

// maxLatitude is the latitude at which the web mercator projection
// becomes square.
const maxLatitude = 85.05112877980659

// A renderer slices GeoJSON features into tiles over a range of
// zooms.
type renderer struct {
	minZoom, maxZoom int
	// buffer is the number of pixels around each tile in which
	// geometries are kept.
	buffer float64
	// scale is the number of extra precision bits kept in rendered
	// geometries.
	scale int
	// layer is the default layer name; layerProperty, if set, names
	// the property overriding it.
	layer, layerProperty string
	// sortProperty names the numeric property used as the sort key.
	sortProperty string
	// groupProperty names the property used to group features, with
	// at most groupLimit features of a group kept per tile.
	groupProperty string
	groupLimit    int

	mu     sync.Mutex
	bounds orb.Bound
	seen   bool
	layers map[string]bool
}

// render renders feature f, calling emit for each tile it touches.
// Features without geometry are ignored.
func (r *renderer) render(f *geojson.Feature, id int64, emit func(featuregroup.RenderedFeature) error) error {
	if f.Geometry == nil {
		return nil
	}
	layer := r.layer
	attrs := make(map[string]interface{}, len(f.Properties))
	for k, v := range f.Properties {
		if k == r.layerProperty {
			if s, ok := v.(string); ok && s != "" {
				layer = s
			}
			continue
		}
		switch v.(type) {
		case nil, string, bool, float64:
			attrs[k] = v
		default:
			attrs[k] = fmt.Sprint(v)
		}
	}
	var sortKey int32
	if r.sortProperty != "" {
		if v, ok := f.Properties[r.sortProperty].(float64); ok {
			sortKey = int32(math.Max(featuregroup.SortKeyMin, math.Min(featuregroup.SortKeyMax, v)))
		}
	}
	var group *featuregroup.GroupInfo
	if r.groupProperty != "" {
		if v, ok := f.Properties[r.groupProperty]; ok && v != nil {
			group = &featuregroup.GroupInfo{
				ID:    int64(murmur3.Sum64([]byte(fmt.Sprint(v))) >> 1),
				Limit: r.groupLimit,
			}
		}
	}
	r.record(f.Geometry.Bound(), layer)

	world := project.Geometry(orb.Clone(f.Geometry), toWorld)
	for z := r.minZoom; z <= r.maxZoom; z++ {
		scale := math.Ldexp(1, z)
		g := project.Geometry(orb.Clone(world), func(p orb.Point) orb.Point {
			return orb.Point{p[0] * scale, p[1] * scale}
		})
		if err := r.renderZoom(g, z, func(coord tilecoord.Coord, geom vectortile.Geometry) error {
			return emit(featuregroup.RenderedFeature{
				Tile: coord,
				Feature: &vectortile.Feature{
					Layer:    layer,
					ID:       id,
					Geometry: geom,
					Attrs:    attrs,
				},
				SortKey: sortKey,
				Group:   group,
			})
		}); err != nil {
			return err
		}
	}
	return nil
}

// renderZoom clips g, in world pixels at zoom z, to each tile it
// touches.
func (r *renderer) renderZoom(g orb.Geometry, z int, emit func(tilecoord.Coord, vectortile.Geometry) error) error {
	b := g.Bound()
	n := math.Ldexp(1, z)
	first := func(v float64) uint32 {
		return uint32(math.Max(0, math.Floor((v-r.buffer)/vectortile.TileSize)))
	}
	last := func(v float64) uint32 {
		return uint32(math.Min(n-1, math.Floor((v+r.buffer)/vectortile.TileSize)))
	}
	if b.Max[0] < -r.buffer || b.Max[1] < -r.buffer {
		return nil
	}
	for y := first(b.Min[1]); y <= last(b.Max[1]); y++ {
		for x := first(b.Min[0]); x <= last(b.Max[0]); x++ {
			ox, oy := float64(x)*vectortile.TileSize, float64(y)*vectortile.TileSize
			tile := orb.Bound{
				Min: orb.Point{ox - r.buffer, oy - r.buffer},
				Max: orb.Point{ox + vectortile.TileSize + r.buffer, oy + vectortile.TileSize + r.buffer},
			}
			clipped := clip.Geometry(tile, orb.Clone(g))
			if clipped == nil {
				continue
			}
			local := project.Geometry(clipped, func(p orb.Point) orb.Point {
				return orb.Point{p[0] - ox, p[1] - oy}
			})
			geom, err := vectortile.EncodeGeometry(local, r.scale)
			if err != nil {
				return err
			}
			if geom.Empty() {
				continue
			}
			if err := emit(tilecoord.New(x, y, z), geom); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *renderer) record(b orb.Bound, layer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen {
		r.bounds = r.bounds.Union(b)
	} else {
		r.bounds, r.seen = b, true
	}
	if r.layers == nil {
		r.layers = make(map[string]bool)
	}
	r.layers[layer] = true
}

// toWorld projects a longitude and latitude to world pixels at zoom 0,
// with y pointing south.
func toWorld(p orb.Point) orb.Point {
	p[1] = math.Max(-maxLatitude, math.Min(maxLatitude, p[1]))
	m := project.WGS84.ToMercator(p)
	half := orb.EarthRadius * math.Pi
	return orb.Point{
		(m[0] + half) / (2 * half) * vectortile.TileSize,
		(half - m[1]) / (2 * half) * vectortile.TileSize,
	}
}
