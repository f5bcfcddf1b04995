// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tilecoord defines tile coordinates and the total orders
// archives impose on them. An Order maps every coordinate up to
// MaxZoom to a distinct 32-bit tile id; sorting by tile id yields the
// order in which the archive requires tiles to be written.
package tilecoord

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the largest zoom level whose tiles can be encoded in a
// 32-bit tile id: the number of tiles in zooms 0..15 is (4^16-1)/3.
const MaxZoom = 15

// Coord is an (x, y, z) tile coordinate with y increasing southward.
type Coord = maptile.Tile

// New returns the coordinate for tile (x, y) at zoom z.
func New(x, y uint32, z int) Coord {
	return maptile.New(x, y, maptile.Zoom(z))
}

// String formats c as z/x/y.
func String(c Coord) string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// An Order is a total order of tile coordinates, expressed as an
// encoding of coordinates into comparable tile ids.
type Order interface {
	// Name returns the order's name.
	Name() string
	// Encode returns the tile id of c.
	Encode(c Coord) uint32
	// Decode returns the coordinate with tile id id.
	Decode(id uint32) Coord
}

// Compare compares a and b in order o.
func Compare(o Order, a, b Coord) int {
	ia, ib := o.Encode(a), o.Encode(b)
	switch {
	case ia < ib:
		return -1
	case ia > ib:
		return 1
	}
	return 0
}

// ZoomStart returns the number of tiles in all zooms below z, i.e.,
// the first tile id of zoom z in both TMS and Hilbert order.
func ZoomStart(z int) uint32 {
	return uint32((uint64(1)<<(2*uint(z)) - 1) / 3)
}

// ZoomOf returns the zoom level containing tile id.
func ZoomOf(id uint32) int {
	z := 0
	for z < MaxZoom && id >= ZoomStart(z+1) {
		z++
	}
	return z
}

func check(c Coord) {
	if c.Z > MaxZoom {
		panic(fmt.Sprintf("tilecoord: zoom %d exceeds %d", c.Z, MaxZoom))
	}
	if n := uint32(1) << c.Z; c.X >= n || c.Y >= n {
		panic(fmt.Sprintf("tilecoord: tile %s out of range", String(c)))
	}
}

type tms struct{}

// TMS orders tiles by zoom, then x, then y counted from the south.
// This is the order in which mbtiles-like containers lay out rows.
var TMS Order = tms{}

func (tms) Name() string { return "tms" }

func (tms) Encode(c Coord) uint32 {
	check(c)
	n := uint32(1) << c.Z
	return ZoomStart(int(c.Z)) + c.X*n + (n - 1 - c.Y)
}

func (tms) Decode(id uint32) Coord {
	z := ZoomOf(id)
	n := uint32(1) << uint(z)
	off := id - ZoomStart(z)
	x, ty := off/n, off%n
	return New(x, n-1-ty, z)
}

type hilbert struct{}

// Hilbert orders tiles by zoom, then by position along a Hilbert
// curve covering the zoom level. Consecutive tiles are spatially
// adjacent, which gives pmtiles-like containers good locality.
var Hilbert Order = hilbert{}

func (hilbert) Name() string { return "hilbert" }

func (hilbert) Encode(c Coord) uint32 {
	check(c)
	n := uint32(1) << c.Z
	return ZoomStart(int(c.Z)) + xy2d(n, c.X, c.Y)
}

func (hilbert) Decode(id uint32) Coord {
	z := ZoomOf(id)
	x, y := d2xy(uint32(1)<<uint(z), id-ZoomStart(z))
	return New(x, y, z)
}

func xy2d(n, x, y uint32) uint32 {
	var d uint32
	for s := n / 2; s > 0; s /= 2 {
		var rx, ry uint32
		if x&s > 0 {
			rx = 1
		}
		if y&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		x, y = rotate(n, x, y, rx, ry)
	}
	return d
}

func d2xy(n, d uint32) (x, y uint32) {
	t := d
	for s := uint32(1); s < n; s *= 2 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		x, y = rotate(s, x, y, rx, ry)
		x += s * rx
		y += s * ry
		t /= 4
	}
	return
}

func rotate(n, x, y, rx, ry uint32) (uint32, uint32) {
	if ry == 0 {
		if rx == 1 {
			x = n - 1 - x
			y = n - 1 - y
		}
		x, y = y, x
	}
	return x, y
}

// ByName returns the order with the provided name.
func ByName(name string) (Order, error) {
	switch name {
	case "tms":
		return TMS, nil
	case "hilbert":
		return Hilbert, nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("tilecoord: unknown tile order %q", name))
}
