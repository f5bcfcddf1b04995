// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigtile implements a bounded-memory pipeline that turns
	rendered map features into an archive of vector tiles.

	Features are rendered by the caller into tiles, in any order, and
	added to a Pipeline. The pipeline spills them into an external
	merge-sort store (package sortio) keyed by tile, layer, and sort
	key, so that the number of features is bounded by disk rather than
	memory. Once all features are added, Run sorts the store, groups the
	sorted stream back into tiles (package featuregroup), applying
	per-group output limits and the profile's post-processing hooks,
	and writes encoded tiles to an archive (package archive) in the
	archive's tile order.

	A typical use:

		p, err := bigtile.NewPipeline(config, tilemap.New(path, tilemap.Options{}), profile)
		if err != nil {
			log.Fatal(err)
		}
		defer p.Close()
		for _, f := range rendered {
			if err := p.Add(f); err != nil {
				log.Fatal(err)
			}
		}
		summary, err := p.Run(ctx, metadata)

	Configuration is provided by Config, which may also be read from a
	profile by package tileconfig.
*/
package bigtile
