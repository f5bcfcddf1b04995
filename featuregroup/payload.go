// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package featuregroup

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/symtab"
	"github.com/grailbio/bigtile/vectortile"
	"github.com/vmihailenco/msgpack/v5"
)

// A feature payload is a msgpack stream:
//
//	group id, group limit   int, int (only if the key's group bit is set)
//	feature id              int
//	geometry type and scale uint: type | scale<<2
//	attributes              map of attribute key id to value
//	geometry commands       array of int
//
// Attribute keys are interned in the feature group's key table;
// attribute values are stored inline. Keys are written in ascending
// order so that identical features encode to identical bytes.

type payloadEncoder struct {
	keys  *symtab.Table
	buf   bytes.Buffer
	enc   *msgpack.Encoder
	names []string
}

func newPayloadEncoder(keys *symtab.Table) *payloadEncoder {
	e := &payloadEncoder{keys: keys}
	e.enc = msgpack.NewEncoder(&e.buf)
	e.enc.SetSortMapKeys(true)
	return e
}

// encode returns the payload of f. The returned slice is owned by the
// caller.
func (e *payloadEncoder) encode(f *vectortile.Feature, group *GroupInfo) ([]byte, error) {
	e.buf.Reset()
	enc := e.enc
	if group != nil {
		if err := enc.EncodeInt(group.ID); err != nil {
			return nil, err
		}
		if err := enc.EncodeInt(int64(group.Limit)); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeInt(f.ID); err != nil {
		return nil, err
	}
	if f.Geometry.Scale < 0 || f.Geometry.Scale > 63 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("featuregroup: geometry scale %d out of range", f.Geometry.Scale))
	}
	if err := enc.EncodeUint(uint64(f.Geometry.Type) | uint64(f.Geometry.Scale)<<2); err != nil {
		return nil, err
	}
	e.names = e.names[:0]
	for k, v := range f.Attrs {
		if v != nil {
			e.names = append(e.names, k)
		}
	}
	sort.Strings(e.names)
	if err := enc.EncodeMapLen(len(e.names)); err != nil {
		return nil, err
	}
	for _, k := range e.names {
		id, err := e.keys.Intern(k)
		if err != nil {
			return nil, err
		}
		if err := enc.EncodeInt(int64(id)); err != nil {
			return nil, err
		}
		if err := enc.Encode(f.Attrs[k]); err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("featuregroup: attribute %q", k), err)
		}
	}
	if err := enc.EncodeArrayLen(len(f.Geometry.Commands)); err != nil {
		return nil, err
	}
	for _, c := range f.Geometry.Commands {
		if err := enc.EncodeInt(int64(c)); err != nil {
			return nil, err
		}
	}
	return append([]byte(nil), e.buf.Bytes()...), nil
}

// decodeGroup decodes the group header of a payload whose key has the
// group bit set.
func decodeGroup(p []byte) (id int64, limit int, err error) {
	dec := msgpack.NewDecoder(bytes.NewReader(p))
	if id, err = dec.DecodeInt64(); err != nil {
		return 0, 0, corrupt(err)
	}
	l, err := dec.DecodeInt64()
	if err != nil {
		return 0, 0, corrupt(err)
	}
	return id, int(l), nil
}

type payloadDecoder struct {
	keys *symtab.Table
	r    bytes.Reader
	dec  *msgpack.Decoder
}

func newPayloadDecoder(keys *symtab.Table) *payloadDecoder {
	d := &payloadDecoder{keys: keys}
	d.dec = msgpack.NewDecoder(&d.r)
	return d
}

// decode decodes the payload p of a feature in the named layer.
func (d *payloadDecoder) decode(p []byte, layer string, hasGroup bool) (*vectortile.Feature, error) {
	d.r.Reset(p)
	d.dec.Reset(&d.r)
	dec := d.dec
	f := &vectortile.Feature{Layer: layer, HasGroup: hasGroup}
	if hasGroup {
		var err error
		if f.Group, err = dec.DecodeInt64(); err != nil {
			return nil, corrupt(err)
		}
		if _, err = dec.DecodeInt64(); err != nil {
			return nil, corrupt(err)
		}
	}
	var err error
	if f.ID, err = dec.DecodeInt64(); err != nil {
		return nil, corrupt(err)
	}
	ts, err := dec.DecodeUint64()
	if err != nil {
		return nil, corrupt(err)
	}
	f.Geometry.Type = vectortile.GeomType(ts & 3)
	f.Geometry.Scale = int(ts >> 2)
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, corrupt(err)
	}
	if n > 0 {
		f.Attrs = make(map[string]interface{}, n)
	}
	for i := 0; i < n; i++ {
		id, err := dec.DecodeInt64()
		if err != nil {
			return nil, corrupt(err)
		}
		k, ok := d.keys.Lookup(int(id))
		if !ok {
			return nil, corrupt(fmt.Errorf("unknown attribute key %d", id))
		}
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return nil, corrupt(err)
		}
		f.Attrs[k] = normalize(v)
	}
	n, err = dec.DecodeArrayLen()
	if err != nil {
		return nil, corrupt(err)
	}
	if n > 0 {
		f.Geometry.Commands = make([]int32, n)
	}
	for i := 0; i < n; i++ {
		c, err := dec.DecodeInt64()
		if err != nil {
			return nil, corrupt(err)
		}
		f.Geometry.Commands[i] = int32(c)
	}
	return f, nil
}

// normalize maps integers to int64 where they fit, so that an
// attribute's decoded type does not depend on the width msgpack chose
// for it.
func normalize(v interface{}) interface{} {
	if u, ok := v.(uint64); ok && u <= math.MaxInt64 {
		return int64(u)
	}
	return v
}

func corrupt(err error) error {
	return errors.E(errors.Integrity, errors.Fatal, "featuregroup: corrupt feature payload", err)
}
