// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"bytes"
	"sort"

	"github.com/grailbio/base/traverse"
)

// A Record is a sortable (key, value) pair. Records are ordered by
// key; records with equal keys are ordered by their value bytes.
type Record struct {
	Key   int64
	Value []byte
}

// Compare returns -1, 0, or 1 depending on whether a sorts before,
// together with, or after b.
func Compare(a, b Record) int {
	switch {
	case a.Key < b.Key:
		return -1
	case a.Key > b.Key:
		return 1
	}
	return bytes.Compare(a.Value, b.Value)
}

// parallelSortThreshold is the number of records above which
// sortRecords sorts in parallel.
var parallelSortThreshold = 1 << 16

func sortSerial(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return Compare(records[i], records[j]) < 0
	})
}

// sortRecords sorts records using up to procs goroutines. Large
// arrays are split into runs that are sorted concurrently and then
// merged pairwise.
func sortRecords(records []Record, procs int) {
	if procs <= 1 || len(records) < parallelSortThreshold {
		sortSerial(records)
		return
	}
	runs := make([][]Record, procs)
	size := (len(records) + procs - 1) / procs
	for i := range runs {
		lo, hi := i*size, (i+1)*size
		if lo > len(records) {
			lo = len(records)
		}
		if hi > len(records) {
			hi = len(records)
		}
		runs[i] = records[lo:hi]
	}
	_ = traverse.Each(len(runs), func(i int) error {
		sortSerial(runs[i])
		return nil
	})
	buf := make([]Record, len(records))
	src, dst := records, buf
	for len(runs) > 1 {
		merged := make([][]Record, (len(runs)+1)/2)
		off := make([]int, len(merged))
		for i, n := 0, 0; i < len(merged); i++ {
			off[i] = n
			n += len(runs[2*i])
			if 2*i+1 < len(runs) {
				n += len(runs[2*i+1])
			}
		}
		_ = traverse.Each(len(merged), func(i int) error {
			a := runs[2*i]
			var b []Record
			if 2*i+1 < len(runs) {
				b = runs[2*i+1]
			}
			out := dst[off[i] : off[i]+len(a)+len(b)]
			mergeRuns(out, a, b)
			merged[i] = out
			return nil
		})
		runs = merged
		src, dst = dst, src
	}
	if &src[0] != &records[0] {
		copy(records, src)
	}
}

func mergeRuns(out, a, b []Record) {
	var i, j, k int
	for i < len(a) && j < len(b) {
		if Compare(b[j], a[i]) < 0 {
			out[k] = b[j]
			j++
		} else {
			out[k] = a[i]
			i++
		}
		k++
	}
	k += copy(out[k:], a[i:])
	copy(out[k:], b[j:])
}
