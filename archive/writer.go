// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package archive

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigtile/ctxsync"
	"github.com/grailbio/bigtile/featuregroup"
	"github.com/grailbio/bigtile/internal/defaultsize"
	"github.com/grailbio/bigtile/internal/trace"
	"github.com/grailbio/bigtile/stats"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/grailbio/bigtile/vectortile"
	"github.com/pbnjay/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// TileSource produces grouped tiles in tile order.
// *featuregroup.TileScanner implements TileSource.
type TileSource interface {
	Scan() bool
	Tile() *featuregroup.TileFeatures
	Err() error
}

// WriterConfig configures WriteTiles.
type WriterConfig struct {
	// MaxTilesPerBatch and MaxFeaturesPerBatch bound the size of an
	// encode batch: a batch is closed once it holds either many tiles
	// or many features.
	MaxTilesPerBatch    int
	MaxFeaturesPerBatch int
	// EncodeWorkers is the number of goroutines encoding batches. It
	// defaults to the number of CPUs.
	EncodeWorkers int
	// WriterThreads is the number of archive writers, bounded by the
	// archive's MaxWriters. It defaults to 1.
	WriterThreads int
	// QueueSize is the number of batches queued ahead of the writer.
	// It defaults to a value proportional to physical memory.
	QueueSize int
	// Compression is applied to encoded tiles.
	Compression Compression
	// Memoize reuses the encoding of the preceding tile in a batch
	// when the two tiles are guaranteed to encode alike; see
	// featuregroup.TileFeatures.SharesEncoding.
	Memoize bool
	// SkipFilledTiles omits tiles whose features are all polygons
	// covering the whole tile.
	SkipFilledTiles bool
	// WarnTileBytes is the uncompressed tile size above which a
	// warning is logged. Zero selects a default; negative values
	// disable the warning.
	WarnTileBytes int
	// LayerStats, if non-nil, receives gzip-compressed, tab-separated
	// per-tile layer statistics.
	LayerStats io.Writer
	// Status, if non-nil, receives progress updates.
	Status *status.Group
	// Registerer, if non-nil, registers the writer's prometheus
	// metrics.
	Registerer prometheus.Registerer
	// Trace, if non-nil, records the timing of encode batches and the
	// completion of each zoom.
	Trace *trace.Recorder
}

func (c WriterConfig) withDefaults(a Archive) WriterConfig {
	if c.MaxTilesPerBatch <= 0 {
		c.MaxTilesPerBatch = defaultsize.TilesPerBatch
	}
	if c.MaxFeaturesPerBatch <= 0 {
		c.MaxFeaturesPerBatch = defaultsize.FeaturesPerBatch
	}
	if c.EncodeWorkers <= 0 {
		c.EncodeWorkers = runtime.NumCPU()
	}
	if c.WriterThreads <= 0 {
		c.WriterThreads = 1
	}
	if max := a.MaxWriters(); max > 0 && c.WriterThreads > max {
		c.WriterThreads = max
	}
	if c.QueueSize <= 0 {
		c.QueueSize = queueSize(memory.TotalMemory(), c.EncodeWorkers)
	}
	if c.WarnTileBytes == 0 {
		c.WarnTileBytes = defaultsize.WarnTileBytes
	}
	return c
}

// queueSize returns the number of batches to queue ahead of the writer
// on a host with total bytes of memory: enough to keep every encoder
// busy while a large batch is written, growing with available memory.
func queueSize(total uint64, workers int) int {
	n := int(total>>30) * defaultsize.QueueBatchesPerGiB
	if min := 2 * workers; n < min {
		n = min
	}
	if n > 10000 {
		n = 10000
	}
	return n
}

// Summary reports the outcome of WriteTiles.
type Summary struct {
	// Zooms holds per-zoom tile counts and sizes.
	Zooms *stats.Zooms
	// Layers holds per-layer totals, keyed by "<layer>.tiles",
	// "<layer>.features", "<layer>.bytes", and "<layer>.maxbytes". It
	// is only populated when layer statistics are written.
	Layers stats.Values
	// FeaturesProcessed and FeaturesEmitted count the features read
	// and kept after group limits.
	FeaturesProcessed, FeaturesEmitted int64
	Duration                           time.Duration
}

// Tiles returns the number of tiles written.
func (s Summary) Tiles() int64 { return s.Zooms.Total().Tiles }

// Bytes returns the number of tile bytes written.
func (s Summary) Bytes() int64 { return s.Zooms.Total().Bytes }

// A batch is a run of consecutive tiles encoded together.
type batch struct {
	tiles  []*featuregroup.TileFeatures
	result *ctxsync.Future[[]encoded]
}

// encoded is the encoding of one tile of a batch.
type encoded struct {
	TileResult
	// skip is set for tiles that are not written.
	skip bool
}

// WriteTiles encodes the tiles of src and writes them to archive a.
// The archive is initialized with md and finished with the final
// metadata once all tiles are written.
//
// Tiles are read into batches, encoded concurrently, and written in
// the order they were read. A tile that is out of the archive's tile
// order fails the run with a fatal error of kind errors.Invalid, as
// does any I/O error.
func WriteTiles(ctx context.Context, src TileSource, a Archive, md Metadata, config WriterConfig) (Summary, error) {
	config = config.withDefaults(a)
	start := time.Now()
	md.Compression = config.Compression
	if md.Format == "" {
		md.Format = "pbf"
	}
	if err := a.Initialize(ctx, md); err != nil {
		return Summary{}, err
	}
	w := &tileWriter{
		archive: a,
		config:  config,
		metrics: newWriterMetrics(config.Registerer),
		zooms:   new(stats.Zooms),
		layers:  new(stats.Layers),
	}
	if config.Status != nil {
		w.task = config.Status.Start("writing tiles")
		defer w.task.Done()
	}
	var (
		g, gctx = errgroup.WithContext(ctx)
		encodeq = make(chan *batch, config.QueueSize)
		writeq  = make(chan *batch, config.QueueSize)
		statsq  chan *batch
	)
	if config.LayerStats != nil {
		statsq = make(chan *batch, config.QueueSize)
		relayed := make(chan *batch)
		g.Go(func() error {
			return relay(gctx, statsq, relayed)
		})
		g.Go(func() error {
			return w.writeLayerStats(gctx, relayed)
		})
	}
	g.Go(func() error {
		defer func() {
			close(encodeq)
			close(writeq)
			if statsq != nil {
				close(statsq)
			}
		}()
		return w.read(gctx, src, encodeq, writeq, statsq)
	})
	for i := 0; i < config.EncodeWorkers; i++ {
		tid := i + 1
		g.Go(func() error {
			for b := range encodeq {
				done := config.Trace.Span(tid, "encode", "batch")
				b.result.Complete(w.encodeBatch(gctx, b.tiles))
				done(map[string]interface{}{
					"tiles": len(b.tiles),
					"first": tilecoord.String(b.tiles[0].Coord()),
				})
			}
			return nil
		})
	}
	g.Go(func() error {
		return w.write(gctx, writeq)
	})
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	if err := a.Finish(ctx, md); err != nil {
		return Summary{}, err
	}
	summary := Summary{
		Zooms:             w.zooms,
		Layers:            make(stats.Values),
		FeaturesProcessed: w.processed,
		FeaturesEmitted:   w.emitted,
		Duration:          time.Since(start),
	}
	w.layers.AddAll(summary.Layers)
	total := w.zooms.Total()
	log.Printf("archive: wrote %d tiles (%d bytes, %d memoized, %d skipped) in %s",
		total.Tiles, total.Bytes, total.Memoized, total.Skipped, summary.Duration)
	log.Debug.Printf("archive: per-zoom summary:\n%s", w.zooms)
	return summary, nil
}

type tileWriter struct {
	archive Archive
	config  WriterConfig
	metrics *writerMetrics
	task    *status.Task
	zooms   *stats.Zooms
	layers  *stats.Layers

	// processed and emitted are owned by the reader.
	processed, emitted int64
}

// read groups the tiles of src into batches and queues them for
// encoding, writing, and statistics. Every batch is queued for
// writing before it is queued for encoding, so that the writer
// observes batches in read order.
func (w *tileWriter) read(ctx context.Context, src TileSource, encodeq, writeq, statsq chan<- *batch) error {
	var (
		cur      *batch
		features int
	)
	send := func(c chan<- *batch, b *batch) error {
		select {
		case c <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	flush := func() error {
		if cur == nil {
			return nil
		}
		b := cur
		cur, features = nil, 0
		if err := send(writeq, b); err != nil {
			return err
		}
		if err := send(encodeq, b); err != nil {
			return err
		}
		if statsq != nil {
			return send(statsq, b)
		}
		return nil
	}
	for src.Scan() {
		t := src.Tile()
		w.processed += int64(t.NumFeaturesProcessed())
		w.emitted += int64(t.NumFeaturesToEmit())
		if cur == nil {
			cur = &batch{result: ctxsync.NewFuture[[]encoded]()}
		}
		cur.tiles = append(cur.tiles, t)
		features += t.NumFeaturesToEmit()
		if len(cur.tiles) >= w.config.MaxTilesPerBatch || features >= w.config.MaxFeaturesPerBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := src.Err(); err != nil {
		return err
	}
	return flush()
}

// encodeBatch encodes the tiles of a batch. When memoization is
// enabled, a tile reuses the encoding of the preceding tile if it is
// guaranteed to encode to the same bytes.
func (w *tileWriter) encodeBatch(ctx context.Context, tiles []*featuregroup.TileFeatures) ([]encoded, error) {
	var (
		results = make([]encoded, len(tiles))
		dedup   = w.archive.Deduplicates()
	)
	for i, t := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		coord := t.Coord()
		if w.config.Memoize && i > 0 && t.SharesEncoding(tiles[i-1]) {
			results[i] = results[i-1]
			results[i].Coord = coord
			results[i].Memoized = true
			w.metrics.memoized.Inc()
			continue
		}
		tile, err := t.Encode(ctx)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("archive: encode tile %s", tilecoord.String(coord)), err)
		}
		r := encoded{TileResult: TileResult{Coord: coord}}
		if tile.NumFeatures() == 0 || (w.config.SkipFilledTiles && tile.ContainsOnlyFills()) {
			r.skip = true
			results[i] = r
			continue
		}
		raw := tile.Encode()
		r.RawSize = len(raw)
		r.Layers = tile.LayerStats()
		if w.config.WarnTileBytes > 0 && len(raw) > w.config.WarnTileBytes {
			log.Printf("warning: tile %s is %d bytes uncompressed (limit %d); layers: %s",
				tilecoord.String(coord), len(raw), w.config.WarnTileBytes, formatLayers(r.Layers))
		}
		if r.Bytes, err = Compress(w.config.Compression, raw); err != nil {
			return nil, err
		}
		if dedup {
			r.Hash, r.HasHash = murmur3.Sum64(r.Bytes), true
		}
		results[i] = r
	}
	return results, nil
}

func formatLayers(layers []vectortile.LayerStat) string {
	parts := make([]string, len(layers))
	for i, l := range layers {
		parts[i] = fmt.Sprintf("%s=%d", l.Layer, l.Bytes)
	}
	return strings.Join(parts, ", ")
}

// write consumes batches in read order and writes their tiles to the
// archive, checking that tiles are in strictly increasing tile order.
// Tiles are spread across up to WriterThreads archive writers; each
// writer receives its tiles in order.
func (w *tileWriter) write(ctx context.Context, writeq <-chan *batch) error {
	writers := make([]TileWriter, w.config.WriterThreads)
	for i := range writers {
		tw, err := w.archive.NewWriter(ctx)
		if err != nil {
			closeWriters(ctx, writers[:i])
			return err
		}
		writers[i] = tw
	}
	var (
		g, gctx = errgroup.WithContext(ctx)
		shards  = make([]chan TileResult, len(writers))
	)
	for i := range writers {
		shards[i] = make(chan TileResult, 64)
		tw, c := writers[i], shards[i]
		g.Go(func() error {
			for r := range c {
				if err := tw.Write(gctx, r); err != nil {
					closeWriters(ctx, []TileWriter{tw})
					return errors.E(errors.Fatal, fmt.Sprintf("archive: write tile %s", tilecoord.String(r.Coord)), err)
				}
			}
			return tw.Close(ctx)
		})
	}
	err := w.dispatch(gctx, writeq, shards)
	for _, c := range shards {
		close(c)
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

func (w *tileWriter) dispatch(ctx context.Context, writeq <-chan *batch, shards []chan TileResult) error {
	var (
		checker  = NewOrderChecker(w.archive.TileOrder())
		next     int
		lastZoom = -1
		tiles    int64
	)
	for b := range writeq {
		results, err := b.result.Wait(ctx)
		if err != nil {
			return err
		}
		for _, r := range results {
			z := int(r.Coord.Z)
			if r.skip {
				w.zooms.AddSkipped(z)
				w.metrics.skipped.Inc()
				continue
			}
			if err := checker.Check(r.Coord); err != nil {
				return err
			}
			select {
			case shards[next] <- r.TileResult:
			case <-ctx.Done():
				return ctx.Err()
			}
			next = (next + 1) % len(shards)
			w.zooms.AddTile(z, int64(len(r.Bytes)))
			if r.Memoized {
				w.zooms.AddMemoized(z)
			}
			zoom := fmt.Sprint(z)
			w.metrics.tiles.WithLabelValues(zoom).Inc()
			w.metrics.bytes.WithLabelValues(zoom).Add(float64(len(r.Bytes)))
			tiles++
			if z != lastZoom {
				if lastZoom >= 0 {
					c := w.zooms.Zoom(lastZoom)
					log.Printf("archive: finished z%d: %d tiles, %d bytes", lastZoom, c.Tiles, c.Bytes)
					w.config.Trace.Instant(0, "write", fmt.Sprintf("z%d finished", lastZoom),
						map[string]interface{}{"tiles": c.Tiles, "bytes": c.Bytes})
				}
				lastZoom = z
			}
			if w.task != nil && tiles%1000 == 0 {
				w.task.Printf("z%d: %d tiles written", z, tiles)
			}
		}
	}
	if w.task != nil {
		w.task.Printf("%d tiles written", tiles)
	}
	return nil
}

func closeWriters(ctx context.Context, writers []TileWriter) {
	for _, tw := range writers {
		if err := tw.Close(ctx); err != nil {
			log.Error.Printf("archive: close writer: %v", err)
		}
	}
}

type writerMetrics struct {
	tiles, bytes      *prometheus.CounterVec
	memoized, skipped prometheus.Counter
}

// newWriterMetrics creates the writer's metrics, registering them with
// reg if it is non-nil.
func newWriterMetrics(reg prometheus.Registerer) *writerMetrics {
	f := promauto.With(reg)
	return &writerMetrics{
		tiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bigtile",
			Subsystem: "archive",
			Name:      "tiles_written_total",
			Help:      "Number of tiles written, by zoom level.",
		}, []string{"zoom"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bigtile",
			Subsystem: "archive",
			Name:      "tile_bytes_written_total",
			Help:      "Number of encoded tile bytes written, by zoom level.",
		}, []string{"zoom"}),
		memoized: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bigtile",
			Subsystem: "archive",
			Name:      "tiles_memoized_total",
			Help:      "Number of tiles whose encoding was reused from the preceding tile.",
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bigtile",
			Subsystem: "archive",
			Name:      "tiles_skipped_total",
			Help:      "Number of empty or filled tiles that were not written.",
		}),
	}
}
