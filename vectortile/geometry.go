// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vectortile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const (
	// Extent is the number of integer units across a tile.
	Extent = 4096
	// TileSize is the size of a tile in pixels. Geometries passed to
	// EncodeGeometry and returned by Decode are in pixel units.
	TileSize = 256

	unitsPerPixel = Extent / TileSize
)

// GeomType is the geometry type of a feature, with the values used
// by the vector tile wire format.
type GeomType uint8

const (
	Unknown GeomType = iota
	Point
	Line
	Polygon
)

func (t GeomType) String() string {
	switch t {
	case Point:
		return "point"
	case Line:
		return "line"
	case Polygon:
		return "polygon"
	}
	return "unknown"
}

const (
	cmdMoveTo    = 1
	cmdLineTo    = 2
	cmdClosePath = 7
)

func command(id, count int) int32 { return int32(count<<3 | id) }

func zigzag(v int64) int32 { return int32(uint32((v << 1) ^ (v >> 63))) }

func unzigzag(v int32) int64 {
	u := uint32(v)
	return int64(int32(u>>1) ^ -int32(u&1))
}

// Geometry is a vector tile command stream. Coordinates are stored at
// Extent << Scale units per tile: extra scale bits keep precision
// through post-processing and are removed by Unscale before output.
type Geometry struct {
	Type     GeomType
	Commands []int32
	Scale    int
}

// Empty tells whether the geometry has no commands.
func (g Geometry) Empty() bool { return len(g.Commands) == 0 }

type ipoint struct{ x, y int64 }

// part is one point set, line, or ring of a geometry.
type part []ipoint

func (g Geometry) factor() float64 {
	return float64(unitsPerPixel) * math.Ldexp(1, g.Scale)
}

// EncodeGeometry encodes geom, in pixel units relative to the tile's
// top-left corner, at the provided extra scale.
func EncodeGeometry(geom orb.Geometry, scale int) (Geometry, error) {
	g := Geometry{Scale: scale}
	f := g.factor()
	conv := func(p orb.Point) ipoint {
		return ipoint{int64(math.Round(p[0] * f)), int64(math.Round(p[1] * f))}
	}
	convLine := func(ps []orb.Point) part {
		out := make(part, 0, len(ps))
		for _, p := range ps {
			out = append(out, conv(p))
		}
		return out
	}
	var parts []part
	switch geom := geom.(type) {
	case orb.Point:
		g.Type = Point
		parts = []part{{conv(geom)}}
	case orb.MultiPoint:
		g.Type = Point
		parts = []part{convLine(geom)}
	case orb.LineString:
		g.Type = Line
		parts = []part{convLine(geom)}
	case orb.MultiLineString:
		g.Type = Line
		for _, l := range geom {
			parts = append(parts, convLine(l))
		}
	case orb.Ring:
		g.Type = Polygon
		parts = []part{orient(convLine(geom), true)}
	case orb.Polygon:
		g.Type = Polygon
		parts = polygonParts(geom, convLine)
	case orb.MultiPolygon:
		g.Type = Polygon
		for _, p := range geom {
			parts = append(parts, polygonParts(p, convLine)...)
		}
	case orb.Bound:
		return EncodeGeometry(geom.ToPolygon(), scale)
	default:
		return Geometry{}, fmt.Errorf("vectortile: unsupported geometry type %T", geom)
	}
	g.Commands = encodeParts(g.Type, parts)
	return g, nil
}

func polygonParts(p orb.Polygon, conv func([]orb.Point) part) []part {
	var parts []part
	for i, r := range p {
		parts = append(parts, orient(conv(r), i == 0))
	}
	return parts
}

// orient returns ring r (closed or open) as an open ring wound
// clockwise in tile space when outer, and counter-clockwise otherwise.
func orient(r part, outer bool) part {
	if n := len(r); n > 1 && r[0] == r[n-1] {
		r = r[:n-1]
	}
	if a := area(r); (a < 0 && outer) || (a > 0 && !outer) {
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
	}
	return r
}

// area returns twice the signed area of ring r. With y pointing down,
// a positive area means a clockwise ring, which the wire format
// interprets as an exterior ring.
func area(r part) int64 {
	var a int64
	for i := range r {
		j := (i + 1) % len(r)
		a += r[i].x*r[j].y - r[j].x*r[i].y
	}
	return a
}

// dedup removes consecutive repeated points.
func dedup(p part) part {
	out := p[:0:0]
	for i, pt := range p {
		if i > 0 && pt == out[len(out)-1] {
			continue
		}
		out = append(out, pt)
	}
	return out
}

func encodeParts(typ GeomType, parts []part) []int32 {
	var (
		cmds []int32
		x, y int64
	)
	delta := func(p ipoint) {
		cmds = append(cmds, zigzag(p.x-x), zigzag(p.y-y))
		x, y = p.x, p.y
	}
	switch typ {
	case Point:
		var pts part
		for _, p := range parts {
			pts = append(pts, p...)
		}
		if len(pts) == 0 {
			return nil
		}
		cmds = append(cmds, command(cmdMoveTo, len(pts)))
		for _, p := range pts {
			delta(p)
		}
	case Line, Polygon:
		min := 2
		if typ == Polygon {
			min = 3
		}
		for _, p := range parts {
			p = dedup(p)
			if typ == Polygon && len(p) > 1 && p[0] == p[len(p)-1] {
				p = p[:len(p)-1]
			}
			if len(p) < min || (typ == Polygon && area(p) == 0) {
				continue
			}
			cmds = append(cmds, command(cmdMoveTo, 1))
			delta(p[0])
			cmds = append(cmds, command(cmdLineTo, len(p)-1))
			for _, q := range p[1:] {
				delta(q)
			}
			if typ == Polygon {
				cmds = append(cmds, command(cmdClosePath, 1))
			}
		}
	}
	return cmds
}

// parts decodes the command stream into its points, lines, or rings
// (rings are open).
func (g Geometry) parts() ([]part, error) {
	var (
		parts []part
		cur   part
		x, y  int64
	)
	for i := 0; i < len(g.Commands); {
		c := uint32(g.Commands[i])
		i++
		id, count := int(c&7), int(c>>3)
		switch id {
		case cmdMoveTo, cmdLineTo:
			if i+2*count > len(g.Commands) {
				return nil, fmt.Errorf("vectortile: truncated geometry")
			}
			for j := 0; j < count; j++ {
				x += unzigzag(g.Commands[i])
				y += unzigzag(g.Commands[i+1])
				i += 2
				if id == cmdMoveTo && g.Type != Point {
					if cur != nil {
						parts = append(parts, cur)
					}
					cur = nil
				}
				cur = append(cur, ipoint{x, y})
			}
		case cmdClosePath:
		default:
			return nil, fmt.Errorf("vectortile: invalid command %d", id)
		}
	}
	if cur != nil {
		parts = append(parts, cur)
	}
	return parts, nil
}

// Decode returns the geometry in pixel units.
func (g Geometry) Decode() (orb.Geometry, error) {
	parts, err := g.parts()
	if err != nil {
		return nil, err
	}
	f := g.factor()
	pt := func(p ipoint) orb.Point { return orb.Point{float64(p.x) / f, float64(p.y) / f} }
	line := func(p part) orb.LineString {
		l := make(orb.LineString, len(p))
		for i := range p {
			l[i] = pt(p[i])
		}
		return l
	}
	switch g.Type {
	case Point:
		var mp orb.MultiPoint
		for _, p := range parts {
			for _, q := range p {
				mp = append(mp, pt(q))
			}
		}
		if len(mp) == 1 {
			return mp[0], nil
		}
		return mp, nil
	case Line:
		var ml orb.MultiLineString
		for _, p := range parts {
			ml = append(ml, line(p))
		}
		if len(ml) == 1 {
			return ml[0], nil
		}
		return ml, nil
	case Polygon:
		var mp orb.MultiPolygon
		for _, p := range parts {
			r := orb.Ring(line(p))
			if len(r) > 0 {
				r = append(r, r[0])
			}
			if area(p) > 0 || len(mp) == 0 {
				mp = append(mp, orb.Polygon{r})
			} else {
				mp[len(mp)-1] = append(mp[len(mp)-1], r)
			}
		}
		if len(mp) == 1 {
			return mp[0], nil
		}
		return mp, nil
	}
	return nil, fmt.Errorf("vectortile: cannot decode geometry of type %s", g.Type)
}

// Unscale returns the geometry at output precision (Scale 0). Parts
// that collapse when precision is reduced are removed.
func (g Geometry) Unscale() Geometry {
	if g.Scale == 0 {
		return g
	}
	parts, err := g.parts()
	if err != nil {
		return Geometry{Type: g.Type}
	}
	div := math.Ldexp(1, g.Scale)
	var out []part
	dropHoles := false
	for _, p := range parts {
		outer := g.Type == Polygon && area(p) > 0
		for i := range p {
			p[i].x = int64(math.Round(float64(p[i].x) / div))
			p[i].y = int64(math.Round(float64(p[i].y) / div))
		}
		if g.Type == Polygon {
			p = dedup(p)
			switch {
			case outer:
				dropHoles = area(p) <= 0
				if dropHoles {
					continue
				}
			case dropHoles:
				continue
			}
		}
		out = append(out, p)
	}
	return Geometry{Type: g.Type, Commands: encodeParts(g.Type, out)}
}

// FilterPointsOutsideBuffer removes points that lie further than
// buffer pixels outside the tile. Non-point geometries are returned
// unchanged.
func (g Geometry) FilterPointsOutsideBuffer(buffer float64) Geometry {
	if g.Type != Point || math.IsInf(buffer, 1) {
		return g
	}
	parts, err := g.parts()
	if err != nil {
		return Geometry{Type: g.Type, Scale: g.Scale}
	}
	f := g.factor()
	min, max := -buffer*f, (TileSize+buffer)*f
	var (
		kept  part
		total int
	)
	for _, p := range parts {
		total += len(p)
		for _, q := range p {
			if x, y := float64(q.x), float64(q.y); x >= min && x <= max && y >= min && y <= max {
				kept = append(kept, q)
			}
		}
	}
	if len(kept) == total {
		return g
	}
	return Geometry{Type: Point, Scale: g.Scale, Commands: encodeParts(Point, []part{kept})}
}

// IsFill tells whether the geometry is a polygon whose single ring is
// an axis-aligned rectangle covering the whole tile.
func (g Geometry) IsFill() bool {
	if g.Type != Polygon {
		return false
	}
	parts, err := g.parts()
	if err != nil || len(parts) != 1 || len(parts[0]) != 4 {
		return false
	}
	r := parts[0]
	extent := int64(Extent) << uint(g.Scale)
	minX, minY, maxX, maxY := r[0].x, r[0].y, r[0].x, r[0].y
	for _, p := range r[1:] {
		minX, maxX = minInt(minX, p.x), maxInt(maxX, p.x)
		minY, maxY = minInt(minY, p.y), maxInt(maxY, p.y)
	}
	corners := make(map[ipoint]bool)
	for _, p := range r {
		if (p.x != minX && p.x != maxX) || (p.y != minY && p.y != maxY) {
			return false
		}
		corners[p] = true
	}
	if len(corners) != 4 {
		return false
	}
	return minX <= 0 && minY <= 0 && maxX >= extent && maxY >= extent
}

func minInt(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
