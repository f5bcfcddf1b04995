// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"context"
	"io"

	"github.com/grailbio/base/limiter"
	"golang.org/x/sync/errgroup"
)

// prefetchBlockSize is the number of records decoded at a time by a
// prefetching reader.
var prefetchBlockSize = 1024

type block struct {
	records []Record
	err     error
}

// readBlock reads up to n records from r. It returns io.EOF together
// with the last records of the stream.
func readBlock(r recordReader, n int) ([]Record, error) {
	records := make([]Record, 0, n)
	for len(records) < n {
		rec, err := r.Next()
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// blockReader returns records from a channel of blocks.
type blockReader struct {
	ctx context.Context
	c   <-chan block
	cur []Record
	err error
}

func (b *blockReader) Next() (Record, error) {
	for len(b.cur) == 0 {
		if b.err != nil {
			return Record{}, b.err
		}
		select {
		case blk, ok := <-b.c:
			if !ok {
				b.err = io.EOF
				if err := b.ctx.Err(); err != nil {
					b.err = err
				}
				continue
			}
			b.cur, b.err = blk.records, blk.err
		case <-b.ctx.Done():
			b.err = b.ctx.Err()
		}
	}
	rec := b.cur[0]
	b.cur = b.cur[1:]
	return rec, nil
}

func (*blockReader) Close() error { return nil }

// parallelReader merges chunk readers using a set of goroutines:
// each chunk is decoded ahead of the merge in blocks, with at most
// readers blocks being decoded at once, and a dedicated goroutine
// merges the decoded blocks into the output stream.
type parallelReader struct {
	blockReader
	cancel  func()
	g       errgroup.Group
	sources []recordReader
	closed  bool
}

func newParallelReader(ctx context.Context, sources []recordReader, readers int) *parallelReader {
	ctx, cancel := context.WithCancel(ctx)
	var (
		out = make(chan block, 2)
		p   = &parallelReader{
			blockReader: blockReader{ctx: ctx, c: out},
			cancel:      cancel,
			sources:     sources,
		}
		lim      = limiter.New()
		prefetch = make([]recordReader, len(sources))
	)
	lim.Release(readers)
	for i := range sources {
		var (
			r = sources[i]
			c = make(chan block, 2)
		)
		prefetch[i] = &blockReader{ctx: ctx, c: c}
		p.g.Go(func() error {
			defer close(c)
			for {
				if err := lim.Acquire(ctx, 1); err != nil {
					return nil
				}
				records, err := readBlock(r, prefetchBlockSize)
				lim.Release(1)
				select {
				case c <- block{records, err}:
				case <-ctx.Done():
					return nil
				}
				if err != nil {
					return nil
				}
			}
		})
	}
	p.g.Go(func() error {
		defer close(out)
		m := newMergeReader(prefetch)
		for {
			records, err := readBlock(m, prefetchBlockSize)
			select {
			case out <- block{records, err}:
			case <-ctx.Done():
				return nil
			}
			if err != nil {
				return nil
			}
		}
	})
	return p
}

func (p *parallelReader) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.cancel()
	_ = p.g.Wait()
	return closeAll(p.sources)
}
