// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package featuregroup

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigtile/sortio"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/grailbio/bigtile/vectortile"
)

var fatalErr = errors.E(errors.Fatal)

// A TileScanner reads the tiles of a prepared feature group in tile
// order. Each tile is produced once; TileScanner is not safe for
// concurrent use, but the TileFeatures it returns may be encoded
// concurrently.
type TileScanner struct {
	fg      *FeatureGroup
	scan    *sortio.Scanner
	started bool
	more    bool
	tile    *TileFeatures
	err     error
}

// Scan advances to the next tile. It returns false when there are no
// more tiles or an error occurred.
func (s *TileScanner) Scan() bool {
	if s.err != nil || s.scan == nil {
		return false
	}
	if !s.started {
		s.started = true
		s.more = s.scan.Scan()
	}
	if !s.more {
		s.err = s.scan.Err()
		s.tile = nil
		return false
	}
	var (
		rec    = s.scan.Record()
		tileID = TileID(rec.Key)
		t      = &TileFeatures{
			fg:        s.fg,
			tileID:    tileID,
			coord:     s.fg.order.Decode(tileID),
			lastLayer: -1,
		}
	)
	for s.more && TileID(rec.Key) == tileID {
		if err := t.add(rec); err != nil {
			s.err = err
			s.scan.Close()
			return false
		}
		if s.more = s.scan.Scan(); s.more {
			rec = s.scan.Record()
		}
	}
	featuresProcessed.Incr(s.fg.scope, int64(t.processed))
	featuresDiscarded.Incr(s.fg.scope, int64(t.processed-len(t.records)))
	tilesGrouped.Incr(s.fg.scope, 1)
	densestTile.Observe(s.fg.scope, int64(len(t.records)))
	t.counts = nil
	s.tile = t
	return true
}

// Tile returns the current tile.
func (s *TileScanner) Tile() *TileFeatures {
	return s.tile
}

// Err returns the first error encountered while scanning.
func (s *TileScanner) Err() error {
	return s.err
}

// Close releases the scanner's resources. It need not be called if
// Scan returned false.
func (s *TileScanner) Close() error {
	if s.scan == nil {
		return nil
	}
	return s.scan.Close()
}

// TileFeatures is the set of features of a single tile, in sort
// order, after group limits have been applied.
type TileFeatures struct {
	fg      *FeatureGroup
	tileID  uint32
	coord   tilecoord.Coord
	records []sortio.Record

	processed int
	// lastLayer and counts track the group counts of the layer being
	// added; group ids are only unique within a layer.
	lastLayer int
	counts    map[int64]int

	fingerprint    uint64
	hasFingerprint bool
}

func (t *TileFeatures) add(rec sortio.Record) error {
	t.processed++
	_, layer, _, hasGroup := DecodeKey(rec.Key)
	if int(layer) != t.lastLayer {
		for id := range t.counts {
			delete(t.counts, id)
		}
		t.lastLayer = int(layer)
	}
	if hasGroup {
		id, limit, err := decodeGroup(rec.Value)
		if err != nil {
			return err
		}
		if limit > 0 {
			if t.counts == nil {
				t.counts = make(map[int64]int)
			}
			if t.counts[id] >= limit {
				return nil
			}
			t.counts[id]++
		}
	}
	t.records = append(t.records, rec)
	return nil
}

// Coord returns the tile's coordinate.
func (t *TileFeatures) Coord() tilecoord.Coord { return t.coord }

// TileID returns the tile's id in the group's tile order.
func (t *TileFeatures) TileID() uint32 { return t.tileID }

// NumFeaturesProcessed returns the number of features read for the
// tile, including those discarded by group limits.
func (t *TileFeatures) NumFeaturesProcessed() int { return t.processed }

// NumFeaturesToEmit returns the number of features kept after group
// limits.
func (t *TileFeatures) NumFeaturesToEmit() int { return len(t.records) }

func (t *TileFeatures) hash() uint64 {
	if t.hasFingerprint {
		return t.fingerprint
	}
	var (
		h   = xxhash.New()
		buf [8]byte
	)
	for _, r := range t.records {
		binary.LittleEndian.PutUint64(buf[:], uint64(r.Key&contentMask))
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(len(r.Value)))
		h.Write(buf[:])
		h.Write(r.Value)
	}
	t.fingerprint, t.hasFingerprint = h.Sum64(), true
	return t.fingerprint
}

// HasSameContents tells whether t and u contain the same features, in
// the same layers and order, regardless of their coordinates.
// HasSameContents is not safe to call concurrently on the same tile.
func (t *TileFeatures) HasSameContents(u *TileFeatures) bool {
	if u == nil || len(t.records) != len(u.records) || t.hash() != u.hash() {
		return false
	}
	for i := range t.records {
		a, b := t.records[i], u.records[i]
		if a.Key&contentMask != b.Key&contentMask || !bytes.Equal(a.Value, b.Value) {
			return false
		}
	}
	return true
}

// SharesEncoding tells whether t is guaranteed to encode to the same
// bytes as u: both have the same contents and zoom level, and the
// group's profile is position independent.
func (t *TileFeatures) SharesEncoding(u *TileFeatures) bool {
	if u == nil || t.coord.Z != u.coord.Z {
		return false
	}
	if p, ok := t.fg.profile.(PositionIndependent); !ok || !p.PositionIndependent() {
		return false
	}
	return t.HasSameContents(u)
}

// Features decodes the tile's features, grouped by layer. Layers are
// returned in key order.
func (t *TileFeatures) Features() (names []string, layers map[string][]*vectortile.Feature, err error) {
	dec := newPayloadDecoder(t.fg.keys)
	layers = make(map[string][]*vectortile.Feature)
	last := -1
	var name string
	for _, r := range t.records {
		_, layer, _, hasGroup := DecodeKey(r.Key)
		if int(layer) != last {
			var ok bool
			if name, ok = t.fg.layers.Lookup(int(layer)); !ok {
				return nil, nil, corrupt(fmt.Errorf("unknown layer %d", layer))
			}
			names = append(names, name)
			last = int(layer)
		}
		f, err := dec.decode(r.Value, name, hasGroup)
		if err != nil {
			return nil, nil, err
		}
		layers[name] = append(layers[name], f)
	}
	return names, layers, nil
}

// Encode decodes the tile's features, post-processes them with the
// group's profile, and returns the resulting vector tile. Geometries
// are reduced to output precision, and points beyond the maximum
// point buffer are dropped.
//
// A failing post-processing hook is logged and its input is used
// unchanged; only fatal errors are returned.
func (t *TileFeatures) Encode(ctx context.Context) (*vectortile.Tile, error) {
	names, layers, err := t.Features()
	if err != nil {
		return nil, err
	}
	out, err := t.postProcessTile(ctx, layers)
	if err != nil {
		return nil, err
	}
	if out != nil {
		names = layerOrder(names, out)
		layers = out
	}
	tile := vectortile.NewTile()
	zoom := int(t.coord.Z)
	for _, name := range names {
		features := layers[name]
		if len(features) == 0 {
			continue
		}
		processed, err := t.postProcessLayer(ctx, name, zoom, features)
		if err != nil {
			return nil, err
		}
		if processed != nil {
			features = processed
		}
		tile.AddLayerFeatures(name, t.finish(features))
	}
	return tile, nil
}

func (t *TileFeatures) postProcessTile(ctx context.Context, layers map[string][]*vectortile.Feature) (map[string][]*vectortile.Feature, error) {
	in := make(map[string][]*vectortile.Feature, len(layers))
	for name, features := range layers {
		in[name] = features
	}
	var out map[string][]*vectortile.Feature
	err := callHook(func() (err error) {
		out, err = t.fg.profile.PostProcessTile(ctx, t.coord, in)
		return
	})
	if err == nil {
		return out, nil
	}
	if errors.Match(fatalErr, err) {
		return nil, err
	}
	log.Error.Printf("featuregroup: post-processing tile %s: %v", tilecoord.String(t.coord), err)
	hookErrors.Incr(t.fg.scope, 1)
	return nil, nil
}

func (t *TileFeatures) postProcessLayer(ctx context.Context, layer string, zoom int, features []*vectortile.Feature) ([]*vectortile.Feature, error) {
	in := append([]*vectortile.Feature(nil), features...)
	var out []*vectortile.Feature
	err := callHook(func() (err error) {
		out, err = t.fg.profile.PostProcessLayer(ctx, layer, zoom, in)
		return
	})
	if err == nil {
		return out, nil
	}
	if errors.Match(fatalErr, err) {
		return nil, err
	}
	log.Error.Printf("featuregroup: post-processing layer %s of tile %s: %v", layer, tilecoord.String(t.coord), err)
	hookErrors.Incr(t.fg.scope, 1)
	return nil, nil
}

// callHook calls fn, turning a panic into an error. Panics with fatal
// errors remain fatal.
func callHook(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			if errors.Match(fatalErr, e) {
				err = e
				return
			}
			err = errors.E("panic", e)
			return
		}
		err = errors.E(fmt.Sprintf("panic: %v", r))
	}()
	return fn()
}

// finish reduces the features' geometries to output precision and
// filters points outside the point buffer. Features are copied so
// that the profile's values are not modified.
func (t *TileFeatures) finish(features []*vectortile.Feature) []*vectortile.Feature {
	out := make([]*vectortile.Feature, 0, len(features))
	for _, f := range features {
		if f == nil {
			continue
		}
		g := *f
		g.Geometry = f.Geometry.Unscale()
		if g.Geometry.Type == vectortile.Point && t.fg.opts.MaxPointBuffer >= 0 {
			n := len(g.Geometry.Commands)
			g.Geometry = g.Geometry.FilterPointsOutsideBuffer(t.fg.opts.MaxPointBuffer)
			if len(g.Geometry.Commands) != n {
				pointsFiltered.Incr(t.fg.scope, 1)
			}
		}
		if g.Geometry.Empty() {
			continue
		}
		out = append(out, &g)
	}
	return out
}

// layerOrder returns the layers of out: first those of names, in
// order, followed by the new layers sorted by name.
func layerOrder(names []string, out map[string][]*vectortile.Feature) []string {
	var (
		order []string
		seen  = make(map[string]bool, len(names))
		added []string
	)
	for _, name := range names {
		seen[name] = true
		if _, ok := out[name]; ok {
			order = append(order, name)
		}
	}
	for name := range out {
		if !seen[name] {
			added = append(added, name)
		}
	}
	sort.Strings(added)
	return append(order, added...)
}
