// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"strings"
	"testing"
)

func TestLayers(t *testing.T) {
	var l Layers
	l.AddTile("water", 2, 100)
	l.AddTile("water", 1, 300)
	l.AddTile("poi", 5, 40)
	if got, want := l.Layer("water"), (LayerCounts{Tiles: 2, Features: 3, Bytes: 400, MaxBytes: 300}); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got, want := l.Layer("roads"), (LayerCounts{}); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got, want := strings.Join(l.Names(), ","), "poi,water"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	l.AddAll(all)
	l.AddAll(all)
	if got, want := all["water.features"], int64(6); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["poi.bytes"], int64(80); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["water.maxbytes"], int64(300); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestValues(t *testing.T) {
	v := Values{"b": 2, "a": 1}
	w := v.Copy()
	w.Add(Values{"a": 10, "c": 3})
	if got, want := v.String(), "a:1 b:2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w.String(), "a:11 b:2 c:3"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestZooms(t *testing.T) {
	var z Zooms
	z.AddTile(3, 100)
	z.AddTile(3, 300)
	z.AddTile(5, 50)
	z.AddMemoized(3)
	z.AddSkipped(7)
	if got, want := z.Zoom(3), (ZoomCounts{Tiles: 2, Bytes: 400, MaxBytes: 300, Memoized: 1}); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got, want := z.Total(), (ZoomCounts{Tiles: 3, Bytes: 450, MaxBytes: 300, Memoized: 1, Skipped: 1}); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	vals := make(Values)
	z.AddAll(vals)
	if got, want := vals["z03.bytes"], int64(400); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals["z07.skipped"], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok := vals["z04.tiles"]; ok {
		t.Error("unexpected empty zoom")
	}
}
