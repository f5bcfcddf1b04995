// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/bigtile/stats"
)

// Scope is a collection of metric values. The zero Scope is empty and
// ready to use. Scopes are safe for concurrent use.
type Scope struct {
	mu sync.RWMutex
	// vals is indexed by metric id. Entries are updated atomically
	// under a read lock; the slice only grows under the write lock.
	vals []*int64
}

func (s *Scope) slot(id int) *int64 {
	s.mu.RLock()
	if id < len(s.vals) && s.vals[id] != nil {
		p := s.vals[id]
		s.mu.RUnlock()
		return p
	}
	s.mu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.vals) <= id {
		s.vals = append(s.vals, nil)
	}
	if s.vals[id] == nil {
		s.vals[id] = new(int64)
	}
	return s.vals[id]
}

func (s *Scope) update(id int, n int64) {
	if s == nil {
		return
	}
	lookup(id).combine(s.slot(id), n)
}

func (s *Scope) value(id int) int64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id >= len(s.vals) || s.vals[id] == nil {
		return 0
	}
	return atomic.LoadInt64(s.vals[id])
}

// snapshot returns the current value of each metric set in s,
// indexed by metric id.
func (s *Scope) snapshot() map[int]int64 {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[int]int64)
	for id, p := range s.vals {
		if p != nil {
			snap[id] = atomic.LoadInt64(p)
		}
	}
	return snap
}

// Merge merges the values of scope u into s: counters are summed and
// high-water marks keep the larger value.
func (s *Scope) Merge(u *Scope) {
	if u == nil || u == s {
		return
	}
	for id, n := range u.snapshot() {
		s.update(id, n)
	}
}

// Reset sets the values of s to those of u, or clears s if u is nil.
func (s *Scope) Reset(u *Scope) {
	if u == s {
		return
	}
	var snap map[int]int64
	if u != nil {
		snap = u.snapshot()
	}
	s.mu.Lock()
	s.vals = nil
	s.mu.Unlock()
	for id, n := range snap {
		s.update(id, n)
	}
}

// Values returns a snapshot of the metrics in the scope, keyed by
// metric name. Metrics that were never updated are omitted.
func (s *Scope) Values() stats.Values {
	vals := make(stats.Values)
	for id, n := range s.snapshot() {
		m := lookup(id)
		switch {
		case m.kind == KindCounter:
			vals[m.name] += n
		case n > vals[m.name]:
			vals[m.name] = n
		}
	}
	return vals
}

type contextKeyType struct{}

var contextKey contextKeyType

// ScopedContext returns a context with the provided scope attached.
// The scope may be retrieved by ContextScope.
func ScopedContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, contextKey, scope)
}

// ContextScope returns the scope attached to the provided context, or
// nil if there is none.
func ContextScope(ctx context.Context) *Scope {
	s, _ := ctx.Value(contextKey).(*Scope)
	return s
}
