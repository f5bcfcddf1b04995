// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigtile

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/archive/archivetest"
	"github.com/grailbio/bigtile/featuregroup"
	"github.com/grailbio/bigtile/sortio"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/grailbio/bigtile/vectortile"
	"github.com/grailbio/testutil/assert"
	"github.com/paulmach/orb"
)

func testConfig() Config {
	return Config{
		Sort: sortio.Config{
			Storage:        sortio.StorageMemory,
			ChunkSizeLimit: 1 << 10,
			MemoryBudget:   1 << 20,
		},
		Group:  featuregroup.Options{MaxPointBuffer: -1},
		Writer: archive.WriterConfig{MaxTilesPerBatch: 1, EncodeWorkers: 2},
	}
}

func feature(t *testing.T, coord tilecoord.Coord, layer string, id int64, pt orb.Point) featuregroup.RenderedFeature {
	t.Helper()
	geom, err := vectortile.EncodeGeometry(pt, 0)
	if err != nil {
		t.Fatal(err)
	}
	return featuregroup.RenderedFeature{
		Tile:    coord,
		Feature: &vectortile.Feature{Layer: layer, ID: id, Geometry: geom},
	}
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()
	arch := new(archivetest.Archive)
	p, err := NewPipeline(testConfig(), arch, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	var (
		first  = tilecoord.New(0, 0, 1)
		second = tilecoord.New(1, 0, 1)
	)
	for _, f := range []featuregroup.RenderedFeature{
		feature(t, second, "B", 4, orb.Point{4, 4}),
		feature(t, second, "A", 3, orb.Point{3, 3}),
		feature(t, first, "A", 2, orb.Point{2, 2}),
		feature(t, first, "B", 1, orb.Point{1, 1}),
	} {
		assert.NoError(t, p.Add(f))
	}
	summary, err := p.Run(ctx, archive.Metadata{Name: "pipeline"})
	assert.NoError(t, err)
	assert.EQ(t, summary.Tiles(), int64(2))
	assert.EQ(t, summary.FeaturesProcessed, int64(4))
	assert.True(t, arch.Finished())
	assert.EQ(t, arch.FinalMetadata().Name, "pipeline")

	results := arch.Results()
	assert.EQ(t, len(results), 2)
	assert.EQ(t, results[0].Coord, first)
	assert.EQ(t, results[1].Coord, second)
	for i, r := range results {
		layers, err := vectortile.Decode(r.Bytes)
		assert.NoError(t, err)
		assert.EQ(t, len(layers), 2)
		// Layers keep the order in which they were first seen.
		assert.EQ(t, layers[0].Name, "B")
		assert.EQ(t, layers[1].Name, "A")
		if i == 0 {
			assert.EQ(t, layers[0].Features[0].ID, int64(1))
			assert.EQ(t, layers[1].Features[0].ID, int64(2))
		}
	}
	assert.EQ(t, p.Scope().Values()["featuregroup.features.added"], int64(4))
}

func TestPipelineSortKeys(t *testing.T) {
	ctx := context.Background()
	arch := new(archivetest.Archive)
	p, err := NewPipeline(testConfig(), arch, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	var (
		first  = tilecoord.New(0, 0, 1)
		second = tilecoord.New(1, 0, 1)
	)
	withSortKey := func(f featuregroup.RenderedFeature, key int32) featuregroup.RenderedFeature {
		f.SortKey = key
		return f
	}
	// Tiles are added in reverse order, and within the first tile,
	// feature 1 is added before feature 2 but sorts after it.
	for _, f := range []featuregroup.RenderedFeature{
		withSortKey(feature(t, second, "poi", 3, orb.Point{3, 3}), 0),
		withSortKey(feature(t, first, "poi", 1, orb.Point{1, 1}), 10),
		withSortKey(feature(t, first, "poi", 2, orb.Point{2, 2}), -5),
	} {
		assert.NoError(t, p.Add(f))
	}
	_, err = p.Run(ctx, archive.Metadata{})
	assert.NoError(t, err)
	results := arch.Results()
	assert.EQ(t, len(results), 2)
	assert.EQ(t, results[0].Coord, first)
	assert.EQ(t, results[1].Coord, second)
	layers, err := vectortile.Decode(results[0].Bytes)
	assert.NoError(t, err)
	assert.EQ(t, len(layers), 1)
	var ids []int64
	for _, f := range layers[0].Features {
		ids = append(ids, f.ID)
	}
	assert.EQ(t, ids, []int64{2, 1})
}

func TestPipelineRunOnce(t *testing.T) {
	ctx := context.Background()
	p, err := NewPipeline(testConfig(), new(archivetest.Archive), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	assert.NoError(t, p.Add(feature(t, tilecoord.New(0, 0, 0), "poi", 1, orb.Point{1, 1})))
	_, err = p.Run(ctx, archive.Metadata{})
	assert.NoError(t, err)

	err = p.Add(feature(t, tilecoord.New(0, 0, 0), "poi", 2, orb.Point{2, 2}))
	assert.True(t, errors.Is(errors.Invalid, err))
	_, err = p.Run(ctx, archive.Metadata{})
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestConfigValidate(t *testing.T) {
	c := testConfig()
	assert.NoError(t, c.Validate())
	c.Group.MaxAttrKeys = -1
	assert.True(t, errors.Is(errors.Invalid, c.Validate()))
	c = testConfig()
	c.Writer.EncodeWorkers = -2
	assert.True(t, errors.Is(errors.Invalid, c.Validate()))
}
