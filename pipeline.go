// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigtile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/featuregroup"
	"github.com/grailbio/bigtile/metrics"
	"github.com/grailbio/bigtile/sortio"
	multierror "github.com/hashicorp/go-multierror"
)

// Config configures a Pipeline.
type Config struct {
	// Sort configures the external sort store that holds features
	// until they are grouped into tiles.
	Sort sortio.Config
	// Group configures feature grouping and post-processing.
	Group featuregroup.Options
	// Writer configures tile encoding and archive writes.
	Writer archive.WriterConfig
}

// Validate checks the configuration, returning an error of kind
// errors.Invalid if it cannot be used.
func (c Config) Validate() error {
	if err := c.Sort.Validate(); err != nil {
		return err
	}
	if c.Group.MaxAttrKeys < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("bigtile: negative attribute key limit %d", c.Group.MaxAttrKeys))
	}
	if c.Group.ParallelReaders < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("bigtile: negative reader count %d", c.Group.ParallelReaders))
	}
	w := c.Writer
	if w.MaxTilesPerBatch < 0 || w.MaxFeaturesPerBatch < 0 || w.EncodeWorkers < 0 || w.WriterThreads < 0 || w.QueueSize < 0 {
		return errors.E(errors.Invalid, "bigtile: negative writer size")
	}
	return nil
}

// A Pipeline sorts rendered features, groups them into tiles, and
// writes the tiles to an archive. Features are added with Add, which
// is safe for concurrent use; the pipeline is then run once by Run.
type Pipeline struct {
	config  Config
	archive archive.Archive
	store   *sortio.Store
	group   *featuregroup.FeatureGroup

	mu     sync.Mutex
	writer *featuregroup.Writer
	ran    bool
}

// NewPipeline returns a pipeline writing to archive a, post-processing
// tiles with profile. If profile is nil, tiles are written without
// post-processing. The pipeline owns the archive: it is closed by
// Close.
func NewPipeline(config Config, a archive.Archive, profile featuregroup.Profile) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	store, err := sortio.NewStore(config.Sort)
	if err != nil {
		return nil, err
	}
	if config.Group.Scope == nil {
		config.Group.Scope = new(metrics.Scope)
	}
	group := featuregroup.New(store, a.TileOrder(), profile, config.Group)
	return &Pipeline{
		config:  config,
		archive: a,
		store:   store,
		group:   group,
		writer:  group.NewWriter(),
	}, nil
}

// Add adds a rendered feature to the pipeline. Errors returned by Add
// are fatal.
func (p *Pipeline) Add(f featuregroup.RenderedFeature) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ran {
		return errors.E(errors.Invalid, errors.Fatal, "bigtile: feature added after run")
	}
	return p.writer.Add(f)
}

// Scope returns the scope holding the pipeline's grouping counters.
func (p *Pipeline) Scope() *metrics.Scope {
	return p.group.Scope()
}

// Run sorts the features added to the pipeline, groups them into
// tiles, and writes them to the archive, initializing it with md and
// finishing it once all tiles are written. Run may be called only
// once.
func (p *Pipeline) Run(ctx context.Context, md archive.Metadata) (archive.Summary, error) {
	p.mu.Lock()
	if p.ran {
		p.mu.Unlock()
		return archive.Summary{}, errors.E(errors.Invalid, errors.Fatal, "bigtile: pipeline already run")
	}
	p.ran = true
	p.mu.Unlock()

	var task *status.Task
	if p.config.Writer.Status != nil {
		task = p.config.Writer.Status.Start("sorting features")
	}
	start := time.Now()
	done := p.config.Writer.Trace.Span(0, "sort", "prepare")
	err := p.group.Prepare(ctx)
	done(map[string]interface{}{"features": p.store.NumRecords(), "chunks": p.store.NumChunks()})
	if task != nil {
		if err == nil {
			task.Printf("sorted %d features in %d chunks", p.store.NumRecords(), p.store.NumChunks())
		}
		task.Done()
	}
	if err != nil {
		return archive.Summary{}, err
	}
	log.Printf("bigtile: sorted %d features in %s", p.store.NumRecords(), time.Since(start))

	scan := p.group.Tiles(ctx)
	summary, err := archive.WriteTiles(ctx, scan, p.archive, md, p.config.Writer)
	if cerr := scan.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return archive.Summary{}, err
	}
	log.Printf("bigtile: %s", p.Scope().Values())
	return summary, nil
}

// Close releases the pipeline's sort store and closes its archive.
func (p *Pipeline) Close() error {
	var err *multierror.Error
	if e := p.store.Close(); e != nil {
		err = multierror.Append(err, e)
	}
	if e := p.archive.Close(); e != nil {
		err = multierror.Append(err, e)
	}
	return err.ErrorOrNil()
}
