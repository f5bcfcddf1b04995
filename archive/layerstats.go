// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package archive

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/klauspost/compress/gzip"
)

// LayerStatsHeader is the header line of the layer statistics output.
const LayerStatsHeader = "z\tx\ty\thilbert\tlayer\tfeatures\tbytes"

// writeLayerStats writes one line per layer of every written tile to
// the configured layer statistics writer, and accumulates per-layer
// totals. Batches are written in read order. The output is gzip
// compressed.
func (w *tileWriter) writeLayerStats(ctx context.Context, statsq <-chan *batch) error {
	gz := gzip.NewWriter(w.config.LayerStats)
	bw := bufio.NewWriter(gz)
	if err := w.layerStats(ctx, bw, statsq); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return errors.E("archive: write layer stats", err)
	}
	if err := gz.Close(); err != nil {
		return errors.E("archive: write layer stats", err)
	}
	return nil
}

func (w *tileWriter) layerStats(ctx context.Context, out io.Writer, statsq <-chan *batch) error {
	if _, err := fmt.Fprintln(out, LayerStatsHeader); err != nil {
		return errors.E("archive: write layer stats", err)
	}
	for b := range statsq {
		results, err := b.result.Wait(ctx)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.skip {
				continue
			}
			c := r.Coord
			id := tilecoord.Hilbert.Encode(c)
			for _, l := range r.Layers {
				if _, err := fmt.Fprintf(out, "%d\t%d\t%d\t%d\t%s\t%d\t%d\n",
					c.Z, c.X, c.Y, id, l.Layer, l.Features, l.Bytes); err != nil {
					return errors.E("archive: write layer stats", err)
				}
				w.layers.AddTile(l.Layer, l.Features, l.Bytes)
			}
		}
	}
	return nil
}

// relay forwards batches from in to out, buffering without bound so
// that a slow consumer of out never blocks the sender on in.
func relay(ctx context.Context, in <-chan *batch, out chan<- *batch) error {
	defer close(out)
	var pending []*batch
	for in != nil || len(pending) > 0 {
		var (
			send chan<- *batch
			next *batch
		)
		if len(pending) > 0 {
			send, next = out, pending[0]
		}
		select {
		case b, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = append(pending, b)
		case send <- next:
			pending[0] = nil
			pending = pending[1:]
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
