// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func fuzzRecords(seed int64, n int) []Record {
	var (
		fz      = fuzz.NewWithSeed(seed).NilChance(0).NumElements(0, 40)
		r       = rand.New(rand.NewSource(seed))
		records = make([]Record, n)
	)
	for i := range records {
		// Keep the key space small so that many records share a key.
		records[i].Key = r.Int63n(64) - 32
		fz.Fuzz(&records[i].Value)
	}
	return records
}

func sorted(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	sortSerial(out)
	return out
}

func scanAll(t *testing.T, scan *Scanner) []Record {
	t.Helper()
	var out []Record
	for scan.Scan() {
		out = append(out, scan.Record())
	}
	if err := scan.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func checkRecords(t *testing.T, got, want []Record) {
	t.Helper()
	if got, want := len(got), len(want); got != want {
		t.Fatalf("got %v records, want %v", got, want)
	}
	for i := range got {
		if got[i].Key != want[i].Key || !bytes.Equal(got[i].Value, want[i].Value) {
			t.Fatalf("record %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStore(t *testing.T) {
	const N = 2000
	records := fuzzRecords(31415, N)
	want := sorted(records)
	ctx := context.Background()
	for _, storage := range []Storage{StorageMemory, StorageFile, StorageMmap} {
		for _, compression := range []Compression{CompressionNone, CompressionGzip, CompressionLZ4} {
			if storage != StorageFile && compression != CompressionNone {
				continue
			}
			for _, limit := range []int64{1 << 30, 10000, 500} {
				name := fmt.Sprintf("%s/%s/%d", storage, compression, limit)
				t.Run(name, func(t *testing.T) {
					dir, cleanup := testutil.TempDir(t, "", "")
					defer cleanup()
					store, err := NewStore(Config{
						Dir:            dir,
						ChunkSizeLimit: limit,
						MemoryBudget:   1 << 30,
						Workers:        4,
						ReadPermits:    2,
						WritePermits:   1,
						Storage:        storage,
						Compression:    compression,
					})
					assert.NoError(t, err)
					for _, r := range records {
						assert.NoError(t, store.Add(r))
					}
					assert.EQ(t, store.NumRecords(), int64(N))
					if limit < 1<<30 && store.NumChunks() < 2 {
						t.Errorf("expected multiple chunks, got %d", store.NumChunks())
					}
					assert.NoError(t, store.Sort(ctx))
					checkRecords(t, scanAll(t, store.Scanner(ctx)), want)
					checkRecords(t, scanAll(t, store.ParallelScanner(ctx, 3)), want)
					assert.NoError(t, store.Close())
				})
			}
		}
	}
}

func TestStoreEmpty(t *testing.T) {
	ctx := context.Background()
	for _, storage := range []Storage{StorageMemory, StorageFile} {
		store, err := NewStore(Config{Storage: storage, MemoryBudget: 1 << 20})
		assert.NoError(t, err)
		assert.NoError(t, store.Sort(ctx))
		assert.EQ(t, store.NumChunks(), 0)
		scan := store.Scanner(ctx)
		assert.False(t, scan.Scan())
		assert.NoError(t, scan.Err())
		assert.NoError(t, store.Close())
	}
}

func TestStoreSingleChunk(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(Config{Storage: StorageFile, MemoryBudget: 1 << 20})
	assert.NoError(t, err)
	records := fuzzRecords(1, 100)
	for _, r := range records {
		assert.NoError(t, store.Add(r))
	}
	assert.NoError(t, store.Sort(ctx))
	assert.EQ(t, store.NumChunks(), 1)
	scan := store.Scanner(ctx)
	if _, ok := scan.r.(*mergeReader); ok {
		t.Error("single chunk should not be merged")
	}
	checkRecords(t, scanAll(t, scan), sorted(records))
	dir := store.dir
	assert.NoError(t, store.Close())
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("spill directory %s not removed: %v", dir, err)
	}
}

func TestSortTwice(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(Config{Storage: StorageMemory, MemoryBudget: 1 << 20})
	assert.NoError(t, err)
	assert.NoError(t, store.Add(Record{Key: 1}))
	assert.NoError(t, store.Sort(ctx))
	err = store.Sort(ctx)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic on add after sort")
			}
		}()
		store.Add(Record{Key: 2})
	}()
}

func TestReadBeforeSort(t *testing.T) {
	store, err := NewStore(Config{Storage: StorageMemory, MemoryBudget: 1 << 20})
	assert.NoError(t, err)
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	store.Scanner(context.Background())
}

func TestValidate(t *testing.T) {
	for _, c := range []struct {
		config Config
		ok     bool
	}{
		{Config{}, true},
		{Config{Storage: StorageMmap}, true},
		{Config{Storage: StorageFile, Compression: CompressionGzip}, true},
		{Config{Storage: StorageMmap, Compression: CompressionGzip}, false},
		{Config{Storage: StorageMmap, Compression: CompressionLZ4}, false},
		{Config{ChunkSizeLimit: 1 << 20, MemoryBudget: 1 << 10}, false},
		{Config{ChunkSizeLimit: MaxChunkSize + 1, MemoryBudget: 1 << 40}, false},
		{Config{Workers: -1}, false},
		{Config{Storage: Storage(9)}, false},
	} {
		err := c.config.Validate()
		if got, want := err == nil, c.ok; got != want {
			t.Errorf("%+v: got %v, want ok=%v", c.config, err, want)
		}
		if err != nil && !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: got %v, want invalid", c.config, err)
		}
	}
	if _, err := NewStore(Config{Storage: StorageMmap, Compression: CompressionGzip}); err == nil {
		t.Error("expected error")
	}
}

func TestDefaults(t *testing.T) {
	c := Config{MemoryBudget: 1 << 30, Workers: 16}.withDefaults()
	assert.EQ(t, c.ChunkSizeLimit, int64(1<<28))
	// Four chunks fit in the budget.
	assert.EQ(t, c.Workers, 4)
	assert.EQ(t, c.ReadPermits, 4)
	assert.EQ(t, c.WritePermits, 4)
	c = Config{MemoryBudget: 1 << 40}.withDefaults()
	assert.EQ(t, c.ChunkSizeLimit, int64(MaxChunkSize))
}

func TestParseNames(t *testing.T) {
	s, err := ParseStorage("mmap")
	assert.NoError(t, err)
	assert.EQ(t, s, StorageMmap)
	c, err := ParseCompression("lz4")
	assert.NoError(t, err)
	assert.EQ(t, c, CompressionLZ4)
	if _, err := ParseStorage("tape"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestParallelSort(t *testing.T) {
	save := parallelSortThreshold
	parallelSortThreshold = 16
	defer func() { parallelSortThreshold = save }()
	for _, procs := range []int{2, 3, 7} {
		records := fuzzRecords(int64(procs), 1001)
		want := sorted(records)
		sortRecords(records, procs)
		checkRecords(t, records, want)
	}
}

func TestMmapSegments(t *testing.T) {
	save := mmapSegmentSize
	mmapSegmentSize = os.Getpagesize()
	defer func() { mmapSegmentSize = save }()
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	store, err := NewStore(Config{Dir: dir, Storage: StorageMmap, ChunkSizeLimit: 1 << 16, MemoryBudget: 1 << 20})
	assert.NoError(t, err)
	r := rand.New(rand.NewSource(2))
	var records []Record
	for i := 0; i < 100; i++ {
		value := make([]byte, r.Intn(3*os.Getpagesize()))
		r.Read(value)
		records = append(records, Record{Key: r.Int63(), Value: value})
		assert.NoError(t, store.Add(records[i]))
	}
	assert.NoError(t, store.Sort(ctx))
	checkRecords(t, scanAll(t, store.Scanner(ctx)), sorted(records))
	assert.NoError(t, store.Close())
}

func TestScannerClose(t *testing.T) {
	save := prefetchBlockSize
	prefetchBlockSize = 4
	defer func() { prefetchBlockSize = save }()
	ctx := context.Background()
	store, err := NewStore(Config{Storage: StorageFile, ChunkSizeLimit: 1000, MemoryBudget: 1 << 20})
	assert.NoError(t, err)
	for _, r := range fuzzRecords(3, 500) {
		assert.NoError(t, store.Add(r))
	}
	assert.NoError(t, store.Sort(ctx))
	scan := store.ParallelScanner(ctx, 2)
	for i := 0; i < 10; i++ {
		assert.True(t, scan.Scan())
	}
	assert.NoError(t, scan.Close())
	assert.False(t, scan.Scan())
	assert.NoError(t, store.Close())
}
