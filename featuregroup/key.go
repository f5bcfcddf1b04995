// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package featuregroup

import "github.com/grailbio/base/log"

// Sort keys pack a feature's position in the output into 63 bits:
//
//	[tile id:32][layer id:8][sort key + 2^21:22][has group:1]
//
// so that ordering records by key orders them by tile, then by layer,
// then by sort key. The sign bit is always zero.
const (
	groupBits   = 1
	sortBits    = 22
	layerBits   = 8
	sortShift   = groupBits
	layerShift  = sortShift + sortBits
	tileShift   = layerShift + layerBits
	contentMask = 1<<tileShift - 1
)

const (
	// SortKeyMin and SortKeyMax bound the sort keys of features.
	SortKeyMin = -(1 << (sortBits - 1))
	SortKeyMax = 1<<(sortBits-1) - 1
	// MaxLayers is the number of distinct layers a feature group can
	// hold.
	MaxLayers = 250
)

// EncodeKey packs a sort key. EncodeKey panics if sortKey is outside
// [SortKeyMin, SortKeyMax].
func EncodeKey(tileID uint32, layer uint8, sortKey int32, hasGroup bool) int64 {
	if sortKey < SortKeyMin || sortKey > SortKeyMax {
		log.Panicf("featuregroup: sort key %d out of range [%d, %d]", sortKey, SortKeyMin, SortKeyMax)
	}
	key := int64(tileID)<<tileShift |
		int64(layer)<<layerShift |
		int64(sortKey-SortKeyMin)<<sortShift
	if hasGroup {
		key |= 1
	}
	return key
}

// DecodeKey unpacks a sort key produced by EncodeKey.
func DecodeKey(key int64) (tileID uint32, layer uint8, sortKey int32, hasGroup bool) {
	tileID = TileID(key)
	layer = uint8(key >> layerShift)
	sortKey = int32((key>>sortShift)&(1<<sortBits-1)) + SortKeyMin
	hasGroup = key&1 != 0
	return
}

// TileID returns the tile id of a sort key.
func TileID(key int64) uint32 {
	return uint32(key >> tileShift)
}
