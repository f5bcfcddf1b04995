// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package vectortile implements the vector tile wire format: layers of
// features, each with an attribute map and a geometry command stream,
// serialized as a protocol buffer. Encoding is deterministic: the same
// layers and features always produce the same bytes.
package vectortile

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

const version = 2

// Field numbers of the vector tile protocol buffer schema.
const (
	tileLayers = 3

	layerVersion  = 15
	layerName     = 1
	layerFeatures = 2
	layerKeys     = 3
	layerValues   = 4
	layerExtent   = 5

	featureID       = 1
	featureTags     = 2
	featureType     = 3
	featureGeometry = 4

	valueString = 1
	valueFloat  = 2
	valueDouble = 3
	valueInt    = 4
	valueUint   = 5
	valueSint   = 6
	valueBool   = 7
)

// A Feature is a single vector tile feature.
type Feature struct {
	// Layer is the name of the layer the feature belongs to.
	Layer string
	// ID is the feature's id; zero ids are omitted from the output.
	ID int64
	// Geometry is the feature's command stream.
	Geometry Geometry
	// Attrs holds the feature's attributes. Values are strings,
	// booleans, or numbers; other values are written as strings.
	Attrs map[string]interface{}
	// Group is the feature's group id, when it has one. Group ids are
	// available to post-processing but are not written to the tile.
	Group    int64
	HasGroup bool
}

// Copy returns a shallow copy of f with its own attribute map.
func (f *Feature) Copy() *Feature {
	g := *f
	g.Attrs = make(map[string]interface{}, len(f.Attrs))
	for k, v := range f.Attrs {
		g.Attrs[k] = v
	}
	return &g
}

// LayerStat describes a single encoded layer of a tile.
type LayerStat struct {
	Layer      string
	Features   int
	Bytes      int
	AttrKeys   int
	AttrValues int
}

type layer struct {
	name     string
	features []*Feature
}

// A Tile accumulates layers of features and encodes them.
type Tile struct {
	layers []*layer
	byName map[string]*layer
	stats  []LayerStat
}

// NewTile returns an empty tile.
func NewTile() *Tile {
	return &Tile{byName: make(map[string]*layer)}
}

// AddLayerFeatures appends features to the named layer. Layers are
// encoded in the order in which they are first added. Features with
// empty geometries are dropped.
func (t *Tile) AddLayerFeatures(name string, features []*Feature) {
	l := t.byName[name]
	for _, f := range features {
		if f == nil || f.Geometry.Empty() {
			continue
		}
		if l == nil {
			l = &layer{name: name}
			t.byName[name] = l
			t.layers = append(t.layers, l)
		}
		l.features = append(l.features, f)
	}
}

// Layers returns the names of the tile's non-empty layers, in order.
func (t *Tile) Layers() []string {
	names := make([]string, len(t.layers))
	for i, l := range t.layers {
		names[i] = l.name
	}
	return names
}

// Features returns the features of the named layer.
func (t *Tile) Features(name string) []*Feature {
	if l := t.byName[name]; l != nil {
		return l.features
	}
	return nil
}

// NumFeatures returns the total number of features in the tile.
func (t *Tile) NumFeatures() int {
	var n int
	for _, l := range t.layers {
		n += len(l.features)
	}
	return n
}

// ContainsOnlyFills tells whether the tile is non-empty and every one
// of its features is a polygon covering the whole tile.
func (t *Tile) ContainsOnlyFills() bool {
	if len(t.layers) == 0 {
		return false
	}
	for _, l := range t.layers {
		for _, f := range l.features {
			if !f.Geometry.IsFill() {
				return false
			}
		}
	}
	return true
}

// LayerStats returns per-layer statistics computed by the last call to
// Encode.
func (t *Tile) LayerStats() []LayerStat {
	return t.stats
}

// Encode returns the tile in wire format.
func (t *Tile) Encode() []byte {
	var b []byte
	t.stats = t.stats[:0]
	for _, l := range t.layers {
		lb, stat := l.encode()
		stat.Bytes = len(lb)
		t.stats = append(t.stats, stat)
		b = protowire.AppendTag(b, tileLayers, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}
	return b
}

func (l *layer) encode() ([]byte, LayerStat) {
	var (
		keys     []string
		keyIndex = make(map[string]int)
		values   [][]byte
		valIndex = make(map[string]int)
		fb       []byte
	)
	for _, f := range l.features {
		names := make([]string, 0, len(f.Attrs))
		for k, v := range f.Attrs {
			if v != nil {
				names = append(names, k)
			}
		}
		sort.Strings(names)
		tags := make([]uint64, 0, 2*len(names))
		for _, k := range names {
			ki, ok := keyIndex[k]
			if !ok {
				ki = len(keys)
				keyIndex[k] = ki
				keys = append(keys, k)
			}
			vb := encodeValue(f.Attrs[k])
			vi, ok := valIndex[string(vb)]
			if !ok {
				vi = len(values)
				valIndex[string(vb)] = vi
				values = append(values, vb)
			}
			tags = append(tags, uint64(ki), uint64(vi))
		}

		var b []byte
		if f.ID != 0 {
			b = protowire.AppendTag(b, featureID, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(f.ID))
		}
		if len(tags) > 0 {
			var packed []byte
			for _, tag := range tags {
				packed = protowire.AppendVarint(packed, tag)
			}
			b = protowire.AppendTag(b, featureTags, protowire.BytesType)
			b = protowire.AppendBytes(b, packed)
		}
		b = protowire.AppendTag(b, featureType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Geometry.Type))
		var packed []byte
		for _, c := range f.Geometry.Commands {
			packed = protowire.AppendVarint(packed, uint64(uint32(c)))
		}
		b = protowire.AppendTag(b, featureGeometry, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)

		fb = protowire.AppendTag(fb, layerFeatures, protowire.BytesType)
		fb = protowire.AppendBytes(fb, b)
	}

	var b []byte
	b = protowire.AppendTag(b, layerVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, version)
	b = protowire.AppendTag(b, layerName, protowire.BytesType)
	b = protowire.AppendString(b, l.name)
	b = append(b, fb...)
	for _, k := range keys {
		b = protowire.AppendTag(b, layerKeys, protowire.BytesType)
		b = protowire.AppendString(b, k)
	}
	for _, v := range values {
		b = protowire.AppendTag(b, layerValues, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	b = protowire.AppendTag(b, layerExtent, protowire.VarintType)
	b = protowire.AppendVarint(b, Extent)
	return b, LayerStat{
		Layer:      l.name,
		Features:   len(l.features),
		AttrKeys:   len(keys),
		AttrValues: len(values),
	}
}

func encodeValue(v interface{}) []byte {
	var b []byte
	switch v := v.(type) {
	case string:
		b = protowire.AppendTag(b, valueString, protowire.BytesType)
		b = protowire.AppendString(b, v)
	case bool:
		b = protowire.AppendTag(b, valueBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v))
	case float32:
		b = protowire.AppendTag(b, valueFloat, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	case float64:
		b = protowire.AppendTag(b, valueDouble, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	case int:
		return encodeInt(int64(v))
	case int8:
		return encodeInt(int64(v))
	case int16:
		return encodeInt(int64(v))
	case int32:
		return encodeInt(int64(v))
	case int64:
		return encodeInt(v)
	case uint:
		return encodeUint(uint64(v))
	case uint8:
		return encodeUint(uint64(v))
	case uint16:
		return encodeUint(uint64(v))
	case uint32:
		return encodeUint(uint64(v))
	case uint64:
		return encodeUint(v)
	default:
		return encodeValue(fmt.Sprint(v))
	}
	return b
}

func encodeInt(v int64) []byte {
	if v < 0 {
		b := protowire.AppendTag(nil, valueSint, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
	}
	b := protowire.AppendTag(nil, valueInt, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func encodeUint(v uint64) []byte {
	b := protowire.AppendTag(nil, valueUint, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
