// Package defaultsize holds internal sizing defaults of the tile
// pipeline. They are exposed as flags so that they can be tuned
// without changing configuration profiles.
package defaultsize

import "flag"

var (
	// TilesPerBatch is the default maximum number of tiles in an
	// encode batch, configured by flag.
	TilesPerBatch int
	// FeaturesPerBatch is the default maximum number of features in
	// an encode batch, configured by flag.
	FeaturesPerBatch int
	// WarnTileBytes is the default uncompressed tile size above which
	// a warning is logged, configured by flag.
	WarnTileBytes int
	// QueueBatchesPerGiB is the number of encoded batches queued ahead
	// of the writer per GiB of physical memory, configured by flag.
	QueueBatchesPerGiB int
)

func init() {
	flag.IntVar(&TilesPerBatch, "bigtile-internal-default-batch-tiles", 1000,
		"Default maximum number of tiles per encode batch.")
	flag.IntVar(&FeaturesPerBatch, "bigtile-internal-default-batch-features", 10000,
		"Default maximum number of features per encode batch.")
	flag.IntVar(&WarnTileBytes, "bigtile-internal-default-warn-tile-bytes", 1<<20,
		"Default uncompressed tile size above which a warning is logged.")
	flag.IntVar(&QueueBatchesPerGiB, "bigtile-internal-default-queue-batches-per-gib", 4,
		"Default number of queued encode batches per GiB of physical memory.")
}
