// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigtile"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/featuregroup"
	"github.com/grailbio/bigtile/internal/trace"
	"github.com/grailbio/bigtile/metrics"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func buildUsage(flags *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `usage: bigtile build [flags] input.geojson...

Command build renders GeoJSON feature collections into vector tiles
and writes them to an archive. Inputs may be local paths or s3 URLs.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func buildCmd(config bigtile.Config, args []string) {
	var (
		flags         = flag.NewFlagSet("bigtile build", flag.ExitOnError)
		output        = flags.String("o", "", "output archive path")
		format        = flags.String("format", "", "archive format: tilemap, bolt, dir, or tar; inferred from the output path if empty")
		shards        = flags.Int("shards", 1, "number of tilemap shards")
		name          = flags.String("name", "", "tileset name")
		minZoom       = flags.Int("minzoom", 0, "minimum zoom")
		maxZoom       = flags.Int("maxzoom", 14, "maximum zoom")
		buffer        = flags.Float64("buffer", 4, "pixels of buffer around each tile")
		scale         = flags.Int("scale", 2, "extra precision bits kept until output")
		layer         = flags.String("layer", "features", "default layer name")
		layerProperty = flags.String("layer-property", "layer", "property naming a feature's layer")
		sortProperty  = flags.String("sort-property", "", "numeric property ordering features within a layer")
		groupProperty = flags.String("group-property", "", "property grouping features")
		groupLimit    = flags.Int("group-limit", 0, "maximum number of features of a group per tile")
		parallel      = flags.Int("parallel", 4, "number of inputs read concurrently")
		layerStats    = flags.String("layerstats", "", "path of gzipped, tab-separated layer statistics")
		consoleStatus = flags.Bool("status", false, "print status to stderr")
		httpAddr      = flags.String("http", "", "address serving /metrics and /debug/status")
		tracePath     = flags.String("trace", "", "path of a Chrome trace of the pipeline's stages")
	)
	flags.Usage = func() { buildUsage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() == 0 || *output == "" {
		flags.Usage()
	}
	if *minZoom < 0 || *maxZoom < *minZoom {
		log.Fatalf("invalid zoom range [%d, %d]", *minZoom, *maxZoom)
	}
	ctx := context.Background()

	var st status.Status
	config.Writer.Status = st.Group("bigtile")
	if *consoleStatus {
		var console status.Reporter
		go console.Go(os.Stderr, &st)
	}
	reg := prometheus.NewRegistry()
	config.Writer.Registerer = reg
	if *httpAddr != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		http.Handle("/debug/status", status.Handler(&st))
		go func() {
			log.Printf("serving metrics and status at %s", *httpAddr)
			if err := http.ListenAndServe(*httpAddr, nil); err != nil {
				log.Error.Printf("http: %v", err)
			}
		}()
	}

	if *tracePath != "" {
		config.Writer.Trace = trace.NewRecorder()
	}
	var statsFile file.File
	if *layerStats != "" {
		var err error
		statsFile, err = file.Create(ctx, *layerStats)
		must.Nil(err, *layerStats)
		config.Writer.LayerStats = statsFile.Writer(ctx)
	}

	if *shards > config.Writer.WriterThreads {
		config.Writer.WriterThreads = *shards
	}
	a, err := newArchive(*format, *output, *shards, config.Writer.WriterThreads)
	must.Nil(err)
	p, err := bigtile.NewPipeline(config, a, nil)
	must.Nil(err)
	reg.MustRegister(metrics.NewCollector("bigtile", p.Scope()))

	r := &renderer{
		minZoom:       *minZoom,
		maxZoom:       *maxZoom,
		buffer:        *buffer,
		scale:         *scale,
		layer:         *layer,
		layerProperty: *layerProperty,
		sortProperty:  *sortProperty,
		groupProperty: *groupProperty,
		groupLimit:    *groupLimit,
	}
	must.Nil(readInputs(ctx, r, p, flags.Args(), *parallel, config.Writer.Status))

	md := archive.Metadata{
		Name:    *name,
		Type:    "overlay",
		MinZoom: *minZoom,
		MaxZoom: *maxZoom,
	}
	if md.Name == "" {
		md.Name = strings.TrimSuffix(*output, "/")
	}
	if r.seen {
		md.Bounds = r.bounds
		md.Center = r.bounds.Center()
		md.CenterZoom = *minZoom
	}
	for _, l := range sortedLayers(r.layers) {
		md.VectorLayers = append(md.VectorLayers, archive.LayerInfo{ID: l, MinZoom: *minZoom, MaxZoom: *maxZoom})
	}
	summary, err := p.Run(ctx, md)
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	if statsFile != nil {
		if cerr := statsFile.Close(ctx); err == nil {
			err = cerr
		}
	}
	if *tracePath != "" {
		must.Nil(writeTrace(ctx, *tracePath, config.Writer.Trace), *tracePath)
	}
	must.Nil(err)
	log.Printf("wrote %d tiles (%d bytes) to %s in %s", summary.Tiles(), summary.Bytes(), *output, summary.Duration)
}

// readInputs renders the features of each input into pipeline p,
// reading up to parallel inputs at a time.
func readInputs(ctx context.Context, r *renderer, p *bigtile.Pipeline, paths []string, parallel int, group *status.Group) error {
	if parallel <= 0 {
		parallel = 1
	}
	var (
		g, gctx = errgroup.WithContext(ctx)
		sem     = make(chan struct{}, parallel)
		nextID  int64
	)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()
			task := group.Start("reading " + path)
			defer task.Done()
			fc, err := readFeatureCollection(gctx, path)
			if err != nil {
				return errors.E("reading "+path, err)
			}
			var n int
			for _, f := range fc.Features {
				id := atomic.AddInt64(&nextID, 1)
				if v, ok := f.ID.(float64); ok && v > 0 {
					id = int64(v)
				}
				if err := r.render(f, id, func(rf featuregroup.RenderedFeature) error {
					n++
					return p.Add(rf)
				}); err != nil {
					return errors.E("rendering "+path, err)
				}
			}
			task.Printf("%d features rendered into %d tile features", len(fc.Features), n)
			log.Printf("%s: %d features rendered into %d tile features", path, len(fc.Features), n)
			return nil
		})
	}
	return g.Wait()
}

func readFeatureCollection(ctx context.Context, path string) (fc *geojson.FeatureCollection, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	data, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return nil, err
	}
	return geojson.UnmarshalFeatureCollection(data)
}

func writeTrace(ctx context.Context, path string, r *trace.Recorder) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	return r.Encode(f.Writer(ctx))
}

func sortedLayers(layers map[string]bool) []string {
	names := make([]string, 0, len(layers))
	for l := range layers {
		names = append(names, l)
	}
	sort.Strings(names)
	return names
}

// boundString formats b as west,south,east,north.
func boundString(b orb.Bound) string {
	return fmt.Sprintf("%g,%g,%g,%g", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
}
