// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics provides named pipeline counters whose values are
// kept in scopes. A pipeline run owns a scope; stages update metrics
// in the run's scope, and scopes from independent runs may be merged.
// A scope may be exported to Prometheus through a Collector.
package metrics

import (
	"sync"
	"sync/atomic"
)

var (
	mu sync.Mutex
	// registry holds every metric, indexed by id. Id 0 is reserved so
	// that a zero-valued metric is never mistaken for a registered one.
	registry = []Metric{{}}
)

func register(name string, kind Kind) int {
	mu.Lock()
	defer mu.Unlock()
	id := len(registry)
	registry = append(registry, Metric{id, name, kind})
	return id
}

func lookup(id int) Metric {
	mu.Lock()
	defer mu.Unlock()
	return registry[id]
}

func all() []Metric {
	mu.Lock()
	defer mu.Unlock()
	return append([]Metric(nil), registry[1:]...)
}

// Kind determines how a metric's updates combine.
type Kind int

const (
	// KindCounter metrics sum their updates.
	KindCounter Kind = iota
	// KindMax metrics keep the largest update.
	KindMax
)

// Metric describes a registered metric.
type Metric struct {
	id   int
	name string
	kind Kind
}

// Name returns the metric's name.
func (m Metric) Name() string { return m.name }

// Kind returns the metric's kind.
func (m Metric) Kind() Kind { return m.kind }

func (m Metric) combine(p *int64, n int64) {
	if m.kind == KindCounter {
		atomic.AddInt64(p, n)
		return
	}
	for {
		old := atomic.LoadInt64(p)
		if n <= old || atomic.CompareAndSwapInt64(p, old, n) {
			return
		}
	}
}

// A Counter is a monotonically increasing count.
type Counter struct{ id int }

// NewCounter registers and returns a new counter with the provided
// name.
func NewCounter(name string) Counter {
	return Counter{register(name, KindCounter)}
}

// Name returns the counter's name.
func (c Counter) Name() string { return lookup(c.id).name }

// Value returns the counter's value in the provided scope.
func (c Counter) Value(scope *Scope) int64 { return scope.value(c.id) }

// Incr increments the counter in the provided scope by n. Increments
// to a nil scope are dropped.
func (c Counter) Incr(scope *Scope, n int64) { scope.update(c.id, n) }

// A Max tracks the largest value observed, such as the number of
// features in the densest tile.
type Max struct{ id int }

// NewMax registers and returns a new high-water mark with the
// provided name.
func NewMax(name string) Max {
	return Max{register(name, KindMax)}
}

// Name returns the metric's name.
func (m Max) Name() string { return lookup(m.id).name }

// Value returns the largest value observed in the provided scope.
func (m Max) Value(scope *Scope) int64 { return scope.value(m.id) }

// Observe records n in the provided scope. Observations on a nil
// scope are dropped.
func (m Max) Observe(scope *Scope, n int64) { scope.update(m.id, n) }
