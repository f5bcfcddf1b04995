// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vectortile

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// A DecodedLayer is a layer read back from wire format.
type DecodedLayer struct {
	Name     string
	Extent   int
	Features []*Feature
}

// Decode parses a tile in wire format. Feature geometries are
// returned at Scale 0.
func Decode(p []byte) ([]DecodedLayer, error) {
	var layers []DecodedLayer
	err := fields(p, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != tileLayers {
			return nil
		}
		l, err := decodeLayer(v)
		if err != nil {
			return err
		}
		layers = append(layers, l)
		return nil
	})
	return layers, err
}

// fields calls fn for each field of message p. Length-delimited
// fields are passed in v; varint and fixed fields are passed in x.
func fields(p []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(p) > 0 {
		num, typ, n := protowire.ConsumeTag(p)
		if n < 0 {
			return protowire.ParseError(n)
		}
		p = p[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(p)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(p)
		case protowire.Fixed32Type:
			var u uint32
			u, n = protowire.ConsumeFixed32(p)
			x = uint64(u)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(p)
		default:
			n = protowire.ConsumeFieldValue(num, typ, p)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		p = p[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func packedVarints(p []byte) ([]uint64, error) {
	var out []uint64
	for len(p) > 0 {
		v, n := protowire.ConsumeVarint(p)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, v)
		p = p[n:]
	}
	return out, nil
}

type rawFeature struct {
	id   uint64
	tags []uint64
	typ  GeomType
	geom []int32
}

func decodeLayer(p []byte) (DecodedLayer, error) {
	var (
		l      = DecodedLayer{Extent: Extent}
		keys   []string
		values []interface{}
		raw    []rawFeature
	)
	err := fields(p, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case layerName:
			l.Name = string(v)
		case layerExtent:
			l.Extent = int(x)
		case layerKeys:
			keys = append(keys, string(v))
		case layerValues:
			val, err := decodeValue(v)
			if err != nil {
				return err
			}
			values = append(values, val)
		case layerFeatures:
			f, err := decodeFeature(v)
			if err != nil {
				return err
			}
			raw = append(raw, f)
		}
		return nil
	})
	if err != nil {
		return l, err
	}
	for _, r := range raw {
		if len(r.tags)%2 != 0 {
			return l, errors.New("vectortile: odd number of feature tags")
		}
		f := &Feature{
			Layer:    l.Name,
			ID:       int64(r.id),
			Geometry: Geometry{Type: r.typ, Commands: r.geom},
			Attrs:    make(map[string]interface{}, len(r.tags)/2),
		}
		for i := 0; i < len(r.tags); i += 2 {
			k, v := r.tags[i], r.tags[i+1]
			if k >= uint64(len(keys)) || v >= uint64(len(values)) {
				return l, fmt.Errorf("vectortile: tag (%d, %d) out of range", k, v)
			}
			f.Attrs[keys[k]] = values[v]
		}
		l.Features = append(l.Features, f)
	}
	return l, nil
}

func decodeFeature(p []byte) (rawFeature, error) {
	var f rawFeature
	err := fields(p, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		var err error
		switch num {
		case featureID:
			f.id = x
		case featureType:
			f.typ = GeomType(x)
		case featureTags:
			f.tags, err = packedVarints(v)
		case featureGeometry:
			var cmds []uint64
			cmds, err = packedVarints(v)
			for _, c := range cmds {
				f.geom = append(f.geom, int32(uint32(c)))
			}
		}
		return err
	})
	return f, err
}

func decodeValue(p []byte) (interface{}, error) {
	var val interface{}
	err := fields(p, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case valueString:
			val = string(v)
		case valueFloat:
			val = math.Float32frombits(uint32(x))
		case valueDouble:
			val = math.Float64frombits(x)
		case valueInt:
			val = int64(x)
		case valueUint:
			val = x
		case valueSint:
			val = protowire.DecodeZigZag(x)
		case valueBool:
			val = protowire.DecodeBool(x)
		}
		return nil
	})
	return val, err
}
