// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides collections of counters used for tile
// pipeline telemetry. Zooms keeps tile counts and sizes per zoom
// level; Layers keeps feature counts and sizes per layer. Both can be
// snapshotted into Values, and snapshots can be aggregated.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Values is a snapshot of the values in a collection.
type Values map[string]int64

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values)
	for k, v := range v {
		w[k] = v
	}
	return w
}

// Add adds the values of u to v.
func (v Values) Add(u Values) {
	for k, n := range u {
		v[k] += n
	}
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	var keys []string
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// LayerCounts holds the totals of a single layer.
type LayerCounts struct {
	// Tiles is the number of tiles in which the layer appears.
	Tiles int64
	// Features and Bytes are summed over those tiles.
	Features int64
	Bytes    int64
	// MaxBytes is the largest encoding of the layer in a single tile.
	MaxBytes int64
}

// Layers tracks per-layer totals. Its methods are safe for
// concurrent use.
type Layers struct {
	mu     sync.Mutex
	layers map[string]*LayerCounts
}

// AddTile records one tile's encoding of layer: its number of
// features and encoded size.
func (l *Layers) AddTile(layer string, features, bytes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.layers == nil {
		l.layers = make(map[string]*LayerCounts)
	}
	c := l.layers[layer]
	if c == nil {
		c = new(LayerCounts)
		l.layers[layer] = c
	}
	c.Tiles++
	c.Features += int64(features)
	c.Bytes += int64(bytes)
	if int64(bytes) > c.MaxBytes {
		c.MaxBytes = int64(bytes)
	}
}

// Layer returns the totals of the named layer.
func (l *Layers) Layer(name string) LayerCounts {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c := l.layers[name]; c != nil {
		return *c
	}
	return LayerCounts{}
}

// Names returns the names of the recorded layers, sorted.
func (l *Layers) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.layers))
	for name := range l.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddAll adds the totals of every layer to the provided snapshot,
// with keys of the form "<layer>.features" and "<layer>.bytes".
func (l *Layers) AddAll(vals Values) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, c := range l.layers {
		vals[name+".tiles"] += c.Tiles
		vals[name+".features"] += c.Features
		vals[name+".bytes"] += c.Bytes
		if c.MaxBytes > vals[name+".maxbytes"] {
			vals[name+".maxbytes"] = c.MaxBytes
		}
	}
}
