// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package featuregroup turns rendered features into per-tile feature
// sets. Features are encoded into sortable records whose keys order
// them by tile, layer, and sort key; after an external sort, the
// records are scanned back in runs of equal tile id, group limits are
// applied, and each run is post-processed and encoded as a vector
// tile.
package featuregroup

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/metrics"
	"github.com/grailbio/bigtile/sortio"
	"github.com/grailbio/bigtile/symtab"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/grailbio/bigtile/vectortile"
)

var (
	featuresAdded     = metrics.NewCounter("featuregroup.features.added")
	featuresProcessed = metrics.NewCounter("featuregroup.features.processed")
	featuresDiscarded = metrics.NewCounter("featuregroup.features.discarded")
	tilesGrouped      = metrics.NewCounter("featuregroup.tiles")
	hookErrors        = metrics.NewCounter("featuregroup.hook.errors")
	pointsFiltered    = metrics.NewCounter("featuregroup.points.filtered")
	densestTile       = metrics.NewMax("featuregroup.tile.features.max")
)

// DefaultMaxAttrKeys is the default capacity of the attribute key
// table.
const DefaultMaxAttrKeys = 100000

// GroupInfo limits the number of features of a group that are kept in
// a tile layer.
type GroupInfo struct {
	// ID identifies the group within a tile layer.
	ID int64
	// Limit is the maximum number of features of the group that are
	// kept; the first Limit features in sort order are kept. Limits of
	// zero or less disable limiting.
	Limit int
}

// A RenderedFeature is a feature placed in a single tile.
type RenderedFeature struct {
	Tile    tilecoord.Coord
	Feature *vectortile.Feature
	// SortKey orders features within a tile layer, ascending. It
	// must be in [SortKeyMin, SortKeyMax].
	SortKey int32
	// Group, if non-nil, subjects the feature to a group limit.
	Group *GroupInfo
}

// Profile post-processes tiles before they are encoded. Profiles are
// called concurrently for different tiles and must be safe for
// concurrent use.
type Profile interface {
	// PostProcessTile may combine, rename, or drop the layers of a
	// tile. A nil result leaves the tile's layers unchanged.
	PostProcessTile(ctx context.Context, coord tilecoord.Coord, layers map[string][]*vectortile.Feature) (map[string][]*vectortile.Feature, error)
	// PostProcessLayer may merge, split, simplify, or drop the features
	// of a single layer. A nil result leaves the layer unchanged.
	PostProcessLayer(ctx context.Context, layer string, zoom int, features []*vectortile.Feature) ([]*vectortile.Feature, error)
}

// A PositionIndependent profile reports whether its output for a tile
// depends only on the tile's features and zoom level, and never on the
// tile's x or y. Consecutive tiles at the same zoom with the same
// features may then share an encoding. Profiles that do not implement
// PositionIndependent are assumed to depend on the full coordinate.
type PositionIndependent interface {
	PositionIndependent() bool
}

// NopProfile is a Profile that leaves tiles unchanged.
type NopProfile struct{}

// PositionIndependent implements PositionIndependent.
func (NopProfile) PositionIndependent() bool { return true }

// PostProcessTile implements Profile.
func (NopProfile) PostProcessTile(context.Context, tilecoord.Coord, map[string][]*vectortile.Feature) (map[string][]*vectortile.Feature, error) {
	return nil, nil
}

// PostProcessLayer implements Profile.
func (NopProfile) PostProcessLayer(context.Context, string, int, []*vectortile.Feature) ([]*vectortile.Feature, error) {
	return nil, nil
}

// Options configures a FeatureGroup.
type Options struct {
	// MaxPointBuffer is the distance, in pixels, outside of a tile
	// beyond which point features are dropped after post-processing.
	// Negative values disable the filter.
	MaxPointBuffer float64
	// MaxAttrKeys is the capacity of the attribute key table. It
	// defaults to DefaultMaxAttrKeys.
	MaxAttrKeys int
	// ParallelReaders is the number of reader goroutines used to merge
	// the sorted store; see sortio.Store.ParallelScanner.
	ParallelReaders int
	// Scope receives the group's counters. If nil, the group keeps its
	// own scope.
	Scope *metrics.Scope
}

// A FeatureGroup collects rendered features into a sort store and
// reads them back as tiles.
type FeatureGroup struct {
	store   *sortio.Store
	order   tilecoord.Order
	profile Profile
	opts    Options
	scope   *metrics.Scope

	layers *symtab.Table
	keys   *symtab.Table

	prepared bool
}

// New returns a feature group that stores features in store, orders
// tiles by order, and post-processes tiles with profile.
func New(store *sortio.Store, order tilecoord.Order, profile Profile, opts Options) *FeatureGroup {
	if opts.MaxAttrKeys == 0 {
		opts.MaxAttrKeys = DefaultMaxAttrKeys
	}
	if profile == nil {
		profile = NopProfile{}
	}
	fg := &FeatureGroup{
		store:   store,
		order:   order,
		profile: profile,
		opts:    opts,
		scope:   opts.Scope,
		layers:  symtab.New("layers", MaxLayers),
		keys:    symtab.New("attribute keys", opts.MaxAttrKeys),
	}
	if fg.scope == nil {
		fg.scope = new(metrics.Scope)
	}
	return fg
}

// Scope returns the scope holding the group's counters.
func (fg *FeatureGroup) Scope() *metrics.Scope {
	return fg.scope
}

// Order returns the tile order of the group.
func (fg *FeatureGroup) Order() tilecoord.Order {
	return fg.order
}

// NumFeatures returns the number of features added to the group.
func (fg *FeatureGroup) NumFeatures() int64 {
	return fg.store.NumRecords()
}

// A Writer adds features to a feature group. Writers are not safe for
// concurrent use, and a feature group must have at most one writer.
type Writer struct {
	fg  *FeatureGroup
	enc *payloadEncoder
}

// NewWriter returns the writer of the feature group.
func (fg *FeatureGroup) NewWriter() *Writer {
	return &Writer{fg: fg, enc: newPayloadEncoder(fg.keys)}
}

// Add adds a rendered feature to the group. Errors returned by Add
// are fatal: they are either invariant violations, symbol table
// overflows, or spill I/O failures.
func (w *Writer) Add(rf RenderedFeature) error {
	f := rf.Feature
	if rf.SortKey < SortKeyMin || rf.SortKey > SortKeyMax {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("featuregroup: sort key %d out of range [%d, %d]", rf.SortKey, SortKeyMin, SortKeyMax))
	}
	if int(rf.Tile.Z) > tilecoord.MaxZoom {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("featuregroup: tile %s beyond max zoom %d", tilecoord.String(rf.Tile), tilecoord.MaxZoom))
	}
	if n := uint32(1) << rf.Tile.Z; rf.Tile.X >= n || rf.Tile.Y >= n {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("featuregroup: tile %s out of range at zoom %d", tilecoord.String(rf.Tile), rf.Tile.Z))
	}
	layer, err := w.fg.layers.Intern(f.Layer)
	if err != nil {
		return err
	}
	value, err := w.enc.encode(f, rf.Group)
	if err != nil {
		return err
	}
	key := EncodeKey(w.fg.order.Encode(rf.Tile), uint8(layer), rf.SortKey, rf.Group != nil)
	if err := w.fg.store.Add(sortio.Record{Key: key, Value: value}); err != nil {
		return err
	}
	featuresAdded.Incr(w.fg.scope, 1)
	return nil
}

// Prepare sorts the group's features. It must be called once, after
// all features have been added and before Tiles.
func (fg *FeatureGroup) Prepare(ctx context.Context) error {
	if err := fg.store.Sort(ctx); err != nil {
		return err
	}
	fg.prepared = true
	return nil
}

// Tiles returns a scanner over the group's tiles, in tile order.
func (fg *FeatureGroup) Tiles(ctx context.Context) *TileScanner {
	if !fg.prepared {
		return &TileScanner{err: errors.E(errors.Invalid, errors.Fatal, "featuregroup: tiles read before prepare")}
	}
	var scan *sortio.Scanner
	if fg.opts.ParallelReaders > 1 {
		scan = fg.store.ParallelScanner(ctx, fg.opts.ParallelReaders)
	} else {
		scan = fg.store.Scanner(ctx)
	}
	return &TileScanner{fg: fg, scan: scan}
}
