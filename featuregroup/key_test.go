// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package featuregroup

import (
	"math"
	"math/rand"
	"testing"
)

type keyTuple struct {
	tile     uint32
	layer    uint8
	sortKey  int32
	hasGroup bool
}

func randTuple(r *rand.Rand) keyTuple {
	return keyTuple{
		tile:     r.Uint32(),
		layer:    uint8(r.Intn(256)),
		sortKey:  int32(r.Intn(SortKeyMax-SortKeyMin+1)) + SortKeyMin,
		hasGroup: r.Intn(2) == 0,
	}
}

func TestKeyRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	tuples := []keyTuple{
		{0, 0, SortKeyMin, false},
		{0, 0, SortKeyMax, true},
		{math.MaxUint32, 255, SortKeyMax, true},
		{math.MaxUint32, 0, SortKeyMin, false},
		{1, 2, 0, true},
	}
	for i := 0; i < 10000; i++ {
		tuples = append(tuples, randTuple(r))
	}
	for _, want := range tuples {
		key := EncodeKey(want.tile, want.layer, want.sortKey, want.hasGroup)
		if key < 0 {
			t.Fatalf("%+v: negative key %d", want, key)
		}
		var got keyTuple
		got.tile, got.layer, got.sortKey, got.hasGroup = DecodeKey(key)
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestKeyOrder(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 10000; i++ {
		a, b := randTuple(r), randTuple(r)
		if a.tile == b.tile {
			continue
		}
		ka := EncodeKey(a.tile, a.layer, a.sortKey, a.hasGroup)
		kb := EncodeKey(b.tile, b.layer, b.sortKey, b.hasGroup)
		if (a.tile < b.tile) != (ka < kb) {
			t.Fatalf("%+v, %+v: keys %d, %d out of tile order", a, b, ka, kb)
		}
	}
	// Within a tile, keys order by layer and then by sort key.
	if EncodeKey(1, 1, SortKeyMax, true) >= EncodeKey(1, 2, SortKeyMin, false) {
		t.Error("layer order violated")
	}
	if EncodeKey(1, 1, -5, true) >= EncodeKey(1, 1, -4, false) {
		t.Error("sort key order violated")
	}
}

func TestKeyOutOfRange(t *testing.T) {
	for _, sortKey := range []int32{SortKeyMin - 1, SortKeyMax + 1} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("sort key %d: expected panic", sortKey)
				}
			}()
			EncodeKey(0, 0, sortKey, false)
		}()
	}
}
